package ota

import (
	"bytes"
	"testing"
	"time"

	"github.com/iotready/device/pkg/coapmsg"
	"github.com/iotready/device/pkg/crypto"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

func TestSenderSequence(t *testing.T) {
	conn := newTestConn(t)

	var sentName string
	s := NewSender(SenderConfig{
		Conn:       conn.engine,
		OnFileSent: func(name string) { sentName = name },
	})

	// 300 bytes: one full chunk plus one padded chunk.
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i * 3)
	}

	request := &coapmsg.Message{
		Type:      message.Confirmable,
		Code:      codes.GET,
		MessageID: 77,
		Path:      "/g/report",
		Token:     []byte{0x0F},
	}

	done := make(chan error, 1)
	go func() { done <- s.Send(request, "report", data) }()

	// The peer announces UpdateReady once UpdateBegin has been sent.
	waitForOTA(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		for _, m := range conn.sent {
			if m.Code == codes.POST && m.FirstSegment() == "u" {
				return true
			}
		}
		return false
	})
	conn.engine.HandleInbound(&coapmsg.Message{
		Type:      message.NonConfirmable,
		Code:      codes.Changed,
		MessageID: 500,
		Path:      "/u",
	})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send() did not complete")
	}

	if sentName != "report" {
		t.Errorf("OnFileSent name = %q, want report", sentName)
	}

	// Verify the full sequence.
	conn.mu.Lock()
	defer conn.mu.Unlock()

	// 1. FileReturn ACK answering the request with payload 0x01.
	first := conn.sent[0]
	if !first.IsAck() || first.Code != codes.Changed || first.MessageID != 77 {
		t.Errorf("first message = type %v code %v id %d, want 2.04 ACK id 77",
			first.Type, first.Code, first.MessageID)
	}
	if !bytes.Equal(first.Payload, []byte{1}) {
		t.Errorf("FileReturn payload = %x, want 01", first.Payload)
	}

	// 2. UpdateBegin with the announced header.
	var begin *coapmsg.Message
	for _, m := range conn.sent {
		if m.Code == codes.POST && m.FirstSegment() == "u" {
			begin = m
			break
		}
	}
	if begin == nil {
		t.Fatal("no UpdateBegin sent")
	}
	req, err := ParseBegin(begin.Payload)
	if err != nil {
		t.Fatalf("ParseBegin(outbound) error = %v", err)
	}
	if req.FileName != "report" || req.FileSize != 300 || req.ChunkSize != DefaultChunkSize {
		t.Errorf("begin header = %+v", req)
	}
	if req.Flags != FastOTAFlag {
		t.Errorf("begin flags = %d, want %d", req.Flags, FastOTAFlag)
	}

	// 3. Two chunks: CRC over unpadded bytes, payload padded to 256.
	var chunks []*coapmsg.Message
	for _, m := range conn.sent {
		if m.Code == codes.POST && m.FirstSegment() == "c" {
			chunks = append(chunks, m)
		}
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks sent = %d, want 2", len(chunks))
	}
	for i, chunk := range chunks {
		if !chunk.IsConfirmable() {
			t.Errorf("chunk %d not confirmable", i)
		}
		if len(chunk.Payload) != DefaultChunkSize {
			t.Errorf("chunk %d payload length = %d, want %d", i, len(chunk.Payload), DefaultChunkSize)
		}
		crc, index, ok := parseChunkQueries(chunk)
		if !ok {
			t.Fatalf("chunk %d has malformed queries", i)
		}
		if int(index) != i {
			t.Errorf("chunk %d index = %d", i, index)
		}
		offset := i * DefaultChunkSize
		end := offset + DefaultChunkSize
		if end > len(data) {
			end = len(data)
		}
		if crc != crypto.CRC32(data[offset:end]) {
			t.Errorf("chunk %d CRC does not cover the unpadded bytes", i)
		}
	}

	// 4. Closing UpdateDone as confirmable PUT u.
	last := conn.sent[len(conn.sent)-1]
	if last.Code != codes.PUT || last.FirstSegment() != "u" || !last.IsConfirmable() {
		t.Errorf("last message = code %v path %q, want PUT u", last.Code, last.Path)
	}
}

func TestSenderRejectsEmptyFile(t *testing.T) {
	conn := newTestConn(t)
	s := NewSender(SenderConfig{Conn: conn.engine})

	request := &coapmsg.Message{
		Type:      message.Confirmable,
		Code:      codes.GET,
		MessageID: 77,
		Path:      "/g/report",
	}
	if err := s.Send(request, "report", nil); err != ErrEmptyFile {
		t.Errorf("Send() error = %v, want %v", err, ErrEmptyFile)
	}
	if conn.sentCount() != 0 {
		t.Errorf("messages sent = %d, want 0", conn.sentCount())
	}
}
