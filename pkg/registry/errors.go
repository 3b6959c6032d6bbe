package registry

import "errors"

// Errors returned by the registry package.
var (
	// ErrValueType is returned when a handler-returned value cannot be
	// encoded as the declared variable type.
	ErrValueType = errors.New("registry: value does not match declared type")
)
