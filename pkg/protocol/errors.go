package protocol

import "errors"

// Errors returned by the protocol package.
var (
	// ErrListenTimeout settles a waiter whose timeout expired.
	ErrListenTimeout = errors.New("protocol: listen timeout")

	// ErrDisconnected settles waiters when the session is torn down.
	ErrDisconnected = errors.New("protocol: disconnected")

	// ErrMaxRetransmits is returned when a confirmable message stays
	// unacknowledged after all attempts.
	ErrMaxRetransmits = errors.New("protocol: max retransmissions exceeded")
)
