package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// CBCEncrypter encrypts outbound frames with AES-128-CBC.
// The IV chains across frames: after each frame the IV becomes the first
// ciphertext block of that frame, so the two peers stay in sync without
// transmitting IVs.
//
// Not safe for concurrent use; the channel serializes writes.
type CBCEncrypter struct {
	block cipher.Block
	iv    []byte
}

// NewCBCEncrypter creates an encrypter from a 16-byte key and 16-byte IV.
func NewCBCEncrypter(key, iv []byte) (*CBCEncrypter, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating AES cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrInvalidIVLength
	}
	return &CBCEncrypter{
		block: block,
		iv:    append([]byte(nil), iv...),
	}, nil
}

// Encrypt pads the plaintext with PKCS#7 and encrypts it, advancing the
// rolling IV.
func (e *CBCEncrypter) Encrypt(plaintext []byte) []byte {
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))

	mode := cipher.NewCBCEncrypter(e.block, e.iv)
	mode.CryptBlocks(ciphertext, padded)

	copy(e.iv, ciphertext[:aes.BlockSize])
	return ciphertext
}

// CBCDecrypter decrypts inbound frames with AES-128-CBC, mirroring the
// rolling-IV scheme of CBCEncrypter.
//
// Not safe for concurrent use; the channel has a single read loop.
type CBCDecrypter struct {
	block cipher.Block
	iv    []byte
}

// NewCBCDecrypter creates a decrypter from a 16-byte key and 16-byte IV.
func NewCBCDecrypter(key, iv []byte) (*CBCDecrypter, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating AES cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrInvalidIVLength
	}
	return &CBCDecrypter{
		block: block,
		iv:    append([]byte(nil), iv...),
	}, nil
}

// Decrypt decrypts one frame and strips the PKCS#7 padding, advancing
// the rolling IV.
func (d *CBCDecrypter) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(d.block, d.iv)
	mode.CryptBlocks(plaintext, ciphertext)

	copy(d.iv, ciphertext[:aes.BlockSize])

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

// pkcs7Pad appends PKCS#7 padding up to the block size.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs7Unpad validates and strips PKCS#7 padding.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-padLen], nil
}
