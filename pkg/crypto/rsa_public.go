package crypto

import (
	"crypto/rsa"
	"math/big"
)

// decryptPKCS1v15WithPublic performs the raw RSA public-key operation on
// a signature blob and strips the PKCS#1 v1.5 type-1 padding, yielding
// the digest the signer embedded. The standard library only exposes this
// fused with hash verification, which does not fit a signed-HMAC blob.
func decryptPKCS1v15WithPublic(pub *rsa.PublicKey, blob []byte) ([]byte, error) {
	k := pub.Size()
	if len(blob) != k {
		return nil, ErrInvalidSignatureBlob
	}

	c := new(big.Int).SetBytes(blob)
	if c.Cmp(pub.N) >= 0 {
		return nil, ErrInvalidSignatureBlob
	}

	e := big.NewInt(int64(pub.E))
	m := new(big.Int).Exp(c, e, pub.N)

	em := make([]byte, k)
	m.FillBytes(em)

	// EM = 0x00 || 0x01 || PS (0xFF..) || 0x00 || D
	if em[0] != 0x00 || em[1] != 0x01 {
		return nil, ErrInvalidSignatureBlob
	}
	i := 2
	for i < k && em[i] == 0xFF {
		i++
	}
	if i < 10 || i >= k || em[i] != 0x00 {
		return nil, ErrInvalidSignatureBlob
	}
	return em[i+1:], nil
}
