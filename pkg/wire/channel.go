// Package wire implements the secure channels that carry CoAP frames
// between the device and the cloud: a TCP variant with an in-band RSA
// handshake and AES-CBC stream encryption, and a UDP variant where an
// outer DTLS session provides confidentiality.
package wire

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Channel is the byte-stream contract both secure transports expose.
// Write sends one plaintext CoAP frame; Read yields the next inbound
// plaintext CoAP frame. Close unblocks any pending Read.
type Channel interface {
	// Write sends one CoAP frame to the cloud.
	Write(frame []byte) error

	// Read blocks until the next inbound CoAP frame is available.
	Read() ([]byte, error)

	// Close tears down the underlying socket and cipher state.
	Close() error
}

// Variant identifies the secure transport variant.
type Variant int

const (
	// VariantUnknown is the zero value for an unselected variant.
	VariantUnknown Variant = iota
	// VariantTCP selects the TCP transport with the RSA handshake.
	VariantTCP
	// VariantUDP selects the UDP transport secured by DTLS.
	VariantUDP
)

// String returns the string representation of the variant.
func (v Variant) String() string {
	switch v {
	case VariantTCP:
		return "TCP"
	case VariantUDP:
		return "UDP"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the variant is a known valid variant.
func (v Variant) IsValid() bool {
	return v == VariantTCP || v == VariantUDP
}

// ErrorKind classifies a transport error for the reconnect policy.
type ErrorKind int

const (
	// KindOther covers socket closes, timeouts and protocol failures.
	KindOther ErrorKind = iota
	// KindDNSNotFound indicates the cloud host could not be resolved.
	KindDNSNotFound
	// KindConnectionRefused indicates the endpoint refused the connection.
	KindConnectionRefused
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindDNSNotFound:
		return "dns-not-found"
	case KindConnectionRefused:
		return "connection-refused"
	default:
		return "other"
	}
}

// Classify maps a transport error onto an ErrorKind.
func Classify(err error) ErrorKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNSNotFound
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	// Some platforms surface refusal only as an op error string.
	if strings.Contains(err.Error(), "connection refused") {
		return KindConnectionRefused
	}
	return KindOther
}
