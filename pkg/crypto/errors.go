package crypto

import "errors"

// Errors returned by the crypto package.
var (
	// ErrInvalidIVLength is returned when an IV is not one AES block.
	ErrInvalidIVLength = errors.New("crypto: IV must be 16 bytes")

	// ErrInvalidCiphertext is returned for ciphertext that is empty or
	// not a whole number of AES blocks.
	ErrInvalidCiphertext = errors.New("crypto: ciphertext not block-aligned")

	// ErrInvalidPadding is returned when PKCS#7 padding is malformed.
	ErrInvalidPadding = errors.New("crypto: invalid PKCS#7 padding")

	// ErrInvalidSessionMaterial is returned when handshake session
	// material is not exactly 40 bytes.
	ErrInvalidSessionMaterial = errors.New("crypto: session material must be 40 bytes")

	// ErrInvalidSignatureBlob is returned when a server signature blob
	// fails the raw public-key check.
	ErrInvalidSignatureBlob = errors.New("crypto: invalid signature blob")
)
