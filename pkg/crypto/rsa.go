package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// RSAEncrypt encrypts data with RSA PKCS#1 v1.5 under the given public
// key. Used by the device to answer the server nonce during the TCP
// handshake.
func RSAEncrypt(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, data)
	if err != nil {
		return nil, fmt.Errorf("crypto: RSA encrypt: %w", err)
	}
	return ciphertext, nil
}

// RSADecrypt decrypts RSA PKCS#1 v1.5 ciphertext with the device private
// key. Used to recover the session material from the handshake response.
func RSADecrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: RSA decrypt: %w", err)
	}
	return plaintext, nil
}

// RSAVerifySignedBlob decrypts a server-signed blob with the server
// public key. The handshake uses a raw public-key operation on the
// signature blob; the result is the HMAC the server computed.
func RSAVerifySignedBlob(pub *rsa.PublicKey, blob []byte) ([]byte, error) {
	// Raw RSA public-key operation: blob^e mod n, with the PKCS#1 v1.5
	// type-1 padding stripped up to its zero separator.
	plain, err := decryptPKCS1v15WithPublic(pub, blob)
	if err != nil {
		return nil, fmt.Errorf("crypto: verifying signed blob: %w", err)
	}
	return plain, nil
}
