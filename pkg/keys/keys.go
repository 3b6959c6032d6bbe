// Package keys loads the device and server key material used to secure
// the cloud session. Keys are accepted in PEM or raw DER form.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// ParsePrivateKey parses a private key from PEM or DER. RSA keys are
// used by the TCP handshake variant, EC keys by the DTLS variant.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	if len(data) == 0 {
		return nil, ErrMissingKey
	}

	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, ErrUnsupportedKey
		}
		return signer, nil
	}

	return nil, ErrUnsupportedKey
}

// ParsePublicKey parses a public key from PEM or DER (PKIX or PKCS#1).
func ParsePublicKey(data []byte) (crypto.PublicKey, error) {
	if len(data) == 0 {
		return nil, ErrMissingKey
	}

	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}

	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return key, nil
	}

	return nil, ErrUnsupportedKey
}

// RSAPrivate asserts that the key is an RSA private key.
// The TCP transport variant requires RSA device keys.
func RSAPrivate(key crypto.Signer) (*rsa.PrivateKey, error) {
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: have %T, need RSA", ErrKeyVariantMismatch, key)
	}
	return rsaKey, nil
}

// ECPrivate asserts that the key is an EC private key.
// The UDP/DTLS transport variant requires EC device keys.
func ECPrivate(key crypto.Signer) (*ecdsa.PrivateKey, error) {
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: have %T, need EC", ErrKeyVariantMismatch, key)
	}
	return ecKey, nil
}

// RSAPublic asserts that the key is an RSA public key.
func RSAPublic(key crypto.PublicKey) (*rsa.PublicKey, error) {
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: have %T, need RSA", ErrKeyVariantMismatch, key)
	}
	return rsaKey, nil
}

// ECPublic asserts that the key is an EC public key.
func ECPublic(key crypto.PublicKey) (*ecdsa.PublicKey, error) {
	ecKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: have %T, need EC", ErrKeyVariantMismatch, key)
	}
	return ecKey, nil
}

// PublicKeyDER returns the PKIX DER encoding of the key's public half.
// The TCP handshake sends the device public key in this form.
func PublicKeyDER(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, fmt.Errorf("keys: marshaling public key: %w", err)
	}
	return der, nil
}
