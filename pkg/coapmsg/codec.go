package coapmsg

import (
	"bytes"
	"context"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// Encode serializes a Message to its CoAP wire form using the UDP coder.
// The same framing is used on both transports; on TCP the secure channel
// adds its own length-prefix chunking below this layer.
func Encode(m *Message) ([]byte, error) {
	msg := pool.NewMessage(context.Background())
	defer msg.Reset()

	msg.SetType(m.Type)
	msg.SetCode(m.Code)
	msg.SetMessageID(int32(m.MessageID))
	if len(m.Token) > 0 {
		msg.SetToken(m.Token)
	}
	if m.Path != "" {
		if err := msg.SetPath(m.Path); err != nil {
			return nil, fmt.Errorf("coapmsg: setting path %q: %w", m.Path, err)
		}
	}
	for _, q := range m.Queries {
		msg.AddQuery(q)
	}
	if len(m.Payload) > 0 {
		msg.SetBody(bytes.NewReader(m.Payload))
	}

	data, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return nil, fmt.Errorf("coapmsg: encode: %w", err)
	}
	return data, nil
}

// Decode parses one CoAP wire frame into a Message.
func Decode(data []byte) (*Message, error) {
	msg := pool.NewMessage(context.Background())
	defer msg.Reset()

	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		return nil, fmt.Errorf("coapmsg: decode: %w", err)
	}

	m := &Message{
		Type:      msg.Type(),
		Code:      msg.Code(),
		MessageID: uint16(msg.MessageID()),
	}

	if token := msg.Token(); len(token) > 0 {
		m.Token = append([]byte(nil), token...)
	}

	// Path and queries are optional; absence is not an error.
	if path, err := msg.Options().Path(); err == nil {
		m.Path = path
	}
	if queries, err := msg.Options().Queries(); err == nil {
		m.Queries = queries
	}

	if body, err := msg.ReadBody(); err == nil && len(body) > 0 {
		m.Payload = append([]byte(nil), body...)
	}

	return m, nil
}
