// Package protocol implements the request/response multiplexer: the
// message-id counter, pending-confirmable retransmission, and the waiter
// table that correlates inbound packets with outstanding operations.
package protocol

import (
	"github.com/iotready/device/pkg/coapmsg"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// EventKind classifies an inbound packet for waiter correlation.
type EventKind int

const (
	// KindUnknown is the zero value for unclassified packets.
	KindUnknown EventKind = iota

	// KindACK is an empty 0.00 acknowledgement.
	KindACK

	// KindComplete is any acknowledgement; it settles the pending
	// confirmable with the same message id.
	KindComplete

	// KindResponse is an acknowledgement carrying a response code,
	// correlated by token or message id.
	KindResponse

	// KindUpdateReady is the peer's go-ahead in an outbound transfer.
	KindUpdateReady

	// KindUpdateDone is the peer's end-of-transfer marker.
	KindUpdateDone

	// KindChunk is one inbound transfer chunk.
	KindChunk
)

// String returns a human-readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case KindACK:
		return "ACK"
	case KindComplete:
		return "COMPLETE"
	case KindResponse:
		return "Response"
	case KindUpdateReady:
		return "UpdateReady"
	case KindUpdateDone:
		return "UpdateDone"
	case KindChunk:
		return "Chunk"
	default:
		return "Unknown"
	}
}

// ClassifyInbound maps an inbound packet onto the event kinds it settles.
// A packet can settle several kinds: an empty ACK is both KindACK and
// KindComplete; a piggybacked response is both KindComplete and
// KindResponse.
func ClassifyInbound(m *coapmsg.Message) []EventKind {
	if m.IsAck() {
		if m.IsEmpty() {
			return []EventKind{KindACK, KindComplete}
		}
		return []EventKind{KindComplete, KindResponse}
	}

	switch m.FirstSegment() {
	case coapmsg.UriUpdate:
		// POST u opens a transfer (routed by the dispatcher); PUT u ends
		// one; a 2.04 under u is the peer's UpdateReady.
		switch m.Code {
		case codes.PUT:
			return []EventKind{KindUpdateDone}
		case codes.Changed:
			return []EventKind{KindUpdateReady}
		}
	case coapmsg.UriChunk:
		return []EventKind{KindChunk}
	}
	return nil
}
