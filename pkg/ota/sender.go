package ota

import (
	"fmt"

	"github.com/iotready/device/pkg/coapmsg"
	"github.com/iotready/device/pkg/crypto"
	"github.com/iotready/device/pkg/metrics"
	"github.com/iotready/device/pkg/protocol"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// SenderConfig configures the outbound transfer engine.
type SenderConfig struct {
	// Conn is the multiplexer. Required.
	Conn Conn

	// OnFileSent reports a completed outbound transfer.
	OnFileSent func(name string)

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Sender drives one outbound device-to-cloud transfer in answer to a
// FileRequest.
type Sender struct {
	config SenderConfig
	log    logging.LeveledLogger
}

// NewSender creates an outbound transfer engine.
func NewSender(config SenderConfig) *Sender {
	s := &Sender{config: config}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("ota-send")
	}
	return s
}

// Send answers a FileRequest with the full transfer sequence:
// FileReturn ACK, UpdateBegin, wait for UpdateReady, the chunk train,
// and the closing UpdateDone. Blocks until the transfer completes or
// fails; the dispatcher runs it off the read loop.
func (s *Sender) Send(request *coapmsg.Message, name string, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyFile
	}

	// FileReturn: confirm the request before opening the transfer.
	if err := s.config.Conn.Send(coapmsg.NewAck(request, codes.Changed, []byte{1})); err != nil {
		return fmt.Errorf("ota: acking file request: %w", err)
	}

	// The UpdateReady waiter must be up before UpdateBegin goes out.
	ready := s.config.Conn.ListenFor(protocol.Filter{Kind: protocol.KindUpdateReady})

	begin := &coapmsg.Message{
		Type:      message.Confirmable,
		Code:      codes.POST,
		MessageID: s.config.Conn.NextMessageID(),
		Path:      "/" + coapmsg.UriUpdate,
		Payload:   EncodeBegin(name, len(data)),
	}
	if err := s.config.Conn.SendReliable(begin); err != nil {
		ready.Cancel()
		s.config.Conn.RollbackMessageID()
		return fmt.Errorf("ota: sending update begin: %w", err)
	}

	result := <-ready.C
	if result.Err != nil {
		return fmt.Errorf("ota: waiting for update ready: %w", result.Err)
	}

	if s.log != nil {
		s.log.Infof("sending %q: %d bytes in %d chunks", name, len(data),
			(len(data)+DefaultChunkSize-1)/DefaultChunkSize)
	}

	// Chunk train. The last chunk is zero-padded to the chunk size; the
	// CRC covers only the unpadded bytes.
	for index := 0; index*DefaultChunkSize < len(data); index++ {
		offset := index * DefaultChunkSize
		end := offset + DefaultChunkSize
		if end > len(data) {
			end = len(data)
		}
		unpadded := data[offset:end]

		payload := unpadded
		if len(payload) < DefaultChunkSize {
			payload = make([]byte, DefaultChunkSize)
			copy(payload, unpadded)
		}

		chunk := &coapmsg.Message{
			Type:      message.Confirmable,
			Code:      codes.POST,
			MessageID: s.config.Conn.NextMessageID(),
			Path:      "/" + coapmsg.UriChunk,
			Queries:   chunkQueries(crypto.CRC32(unpadded), uint16(index)),
			Payload:   payload,
		}
		if err := s.config.Conn.SendReliable(chunk); err != nil {
			return fmt.Errorf("ota: sending chunk %d: %w", index, err)
		}
		s.config.Metrics.IncChunksSent()
	}

	done := &coapmsg.Message{
		Type:      message.Confirmable,
		Code:      codes.PUT,
		MessageID: s.config.Conn.NextMessageID(),
		Path:      "/" + coapmsg.UriUpdate,
	}
	if err := s.config.Conn.SendReliable(done); err != nil {
		return fmt.Errorf("ota: sending update done: %w", err)
	}

	if s.config.OnFileSent != nil {
		s.config.OnFileSent(name)
	}
	return nil
}
