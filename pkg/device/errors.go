package device

import "errors"

// Errors returned by the device package.
var (
	// ErrInvalidDeviceID is returned for device ids that are not
	// 24 hex characters.
	ErrInvalidDeviceID = errors.New("device: device id must be 24 hex characters")

	// ErrInvalidKey is returned when the private key cannot be parsed.
	ErrInvalidKey = errors.New("device: invalid private key")

	// ErrUnresolvableHost is returned when the cloud host does not
	// resolve.
	ErrUnresolvableHost = errors.New("device: unresolvable cloud host")

	// ErrNotConnected is returned for operations requiring a session.
	ErrNotConnected = errors.New("device: not connected")

	// ErrAlreadyStarted reports an already running session. Connect
	// does not return it: a second call while running returns nil.
	ErrAlreadyStarted = errors.New("device: already started")

	// ErrHelloTimeout is the session error when the server Hello
	// response does not arrive in time.
	ErrHelloTimeout = errors.New("device: hello response timeout")

	// ErrPublishFailed is returned when a confirmable publish is not
	// acknowledged.
	ErrPublishFailed = errors.New("device: publish not acknowledged")
)
