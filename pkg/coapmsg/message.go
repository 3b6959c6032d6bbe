package coapmsg

import (
	"encoding/hex"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// URI first-segment codes used by the cloud protocol.
// Each inbound request and outbound message is classified by the first
// Uri-Path segment.
const (
	UriHello        = "h"
	UriDescribe     = "d"
	UriFunction     = "f"
	UriVariable     = "v"
	UriPublicEvent  = "e"
	UriPrivateEvent = "E"
	UriSignal       = "s"
	UriGetTime      = "t"
	UriUpdate       = "u"
	UriChunk        = "c"
	UriFileRequest  = "g"
	UriProperty     = "p"
)

// Message is the protocol-level view of a single CoAP message.
// It is a plain value decoupled from the codec's pooled message type so
// higher layers can hold on to it past the decode call.
type Message struct {
	// Type is the CoAP message type (Confirmable, NonConfirmable,
	// Acknowledgement, Reset).
	Type message.Type

	// Code is the CoAP method or response code.
	Code codes.Code

	// MessageID is the 16-bit CoAP message id.
	MessageID uint16

	// Token correlates responses with the originating request.
	// May be empty.
	Token []byte

	// Path is the full Uri-Path (e.g. "/f/add"). Empty for messages
	// without a path, such as pings and plain ACKs.
	Path string

	// Queries holds the Uri-Query options in wire order.
	Queries []string

	// Payload is the message body. May be nil.
	Payload []byte
}

// IsConfirmable returns true if the message requires an acknowledgement.
func (m *Message) IsConfirmable() bool {
	return m.Type == message.Confirmable
}

// IsAck returns true if the message is an acknowledgement.
func (m *Message) IsAck() bool {
	return m.Type == message.Acknowledgement
}

// IsEmpty returns true for the empty code 0.00 (ping or plain ACK).
func (m *Message) IsEmpty() bool {
	return m.Code == codes.Empty
}

// IsErrorCode returns true if the response code is 4.00 or above.
func (m *Message) IsErrorCode() bool {
	return m.Code >= codes.BadRequest
}

// PathSegments returns the Uri-Path split into segments, without the
// leading empty segment.
func (m *Message) PathSegments() []string {
	p := strings.TrimPrefix(m.Path, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// FirstSegment returns the first Uri-Path segment, or "" when the
// message has no path. This is the routing key for inbound requests.
func (m *Message) FirstSegment() string {
	segs := m.PathSegments()
	if len(segs) == 0 {
		return ""
	}
	return segs[0]
}

// TokenHex returns the token as a lowercase hex string.
// Waiter correlation compares tokens by hex equality.
func (m *Message) TokenHex() string {
	return hex.EncodeToString(m.Token)
}

// Query returns the i-th Uri-Query option, or "" when absent.
func (m *Message) Query(i int) string {
	if i < 0 || i >= len(m.Queries) {
		return ""
	}
	return m.Queries[i]
}

// NewRequest builds an outbound request message.
func NewRequest(typ message.Type, code codes.Code, msgID uint16, path string) *Message {
	return &Message{
		Type:      typ,
		Code:      code,
		MessageID: msgID,
		Path:      path,
	}
}

// NewAck builds an acknowledgement carrying a response code and payload,
// echoing the message id and token of the request it answers.
func NewAck(req *Message, code codes.Code, payload []byte) *Message {
	return &Message{
		Type:      message.Acknowledgement,
		Code:      code,
		MessageID: req.MessageID,
		Token:     req.Token,
		Payload:   payload,
	}
}

// NewEmptyAck builds the empty 0.00 acknowledgement used to answer a
// CoAP ping.
func NewEmptyAck(msgID uint16) *Message {
	return &Message{
		Type:      message.Acknowledgement,
		Code:      codes.Empty,
		MessageID: msgID,
	}
}
