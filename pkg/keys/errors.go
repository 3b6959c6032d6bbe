package keys

import "errors"

// Errors returned by the keys package.
var (
	// ErrMissingKey is returned when no key material was supplied.
	ErrMissingKey = errors.New("keys: missing key material")

	// ErrUnsupportedKey is returned for key encodings that cannot be parsed.
	ErrUnsupportedKey = errors.New("keys: unsupported key encoding")

	// ErrKeyVariantMismatch is returned when the key kind does not match
	// the selected transport variant.
	ErrKeyVariantMismatch = errors.New("keys: key variant mismatch")
)
