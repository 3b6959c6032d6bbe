package protocol

import (
	"time"

	"github.com/iotready/device/pkg/coapmsg"
	"github.com/pion/logging"
)

// Sender writes one encoded CoAP frame to the secure channel.
type Sender func(frame []byte) error

// EngineConfig configures the multiplexer.
type EngineConfig struct {
	// Send writes frames to the secure channel. Required.
	Send Sender

	// InitialMessageID seeds the message-id counter (TCP handshake).
	InitialMessageID uint16

	// DefaultListenTimeout is the default waiter timeout (keepalive x 2).
	DefaultListenTimeout time.Duration

	// BaseAckTimeout overrides the first-attempt COMPLETE timeout.
	// Zero selects BaseAckTimeout; tests shorten it.
	BaseAckTimeout time.Duration

	// OnSessionBroken is invoked once when a confirmable message
	// exhausts its attempts; the supervisor reconnects.
	OnSessionBroken func()

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Engine is the request/response multiplexer. It owns the message-id
// counter, the retransmission table and the waiter table, and
// classifies every inbound packet.
type Engine struct {
	counter *Counter
	waiters *Waiters
	retrans *RetransmitTable

	send            Sender
	onSessionBroken func()
	log             logging.LeveledLogger
}

// NewEngine creates a multiplexer for one session.
func NewEngine(config EngineConfig) *Engine {
	timeout := config.DefaultListenTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	e := &Engine{
		counter:         NewCounter(config.InitialMessageID),
		waiters:         NewWaiters(timeout),
		retrans:         NewRetransmitTable(config.BaseAckTimeout),
		send:            config.Send,
		onSessionBroken: config.OnSessionBroken,
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("protocol")
	}
	return e
}

// NextMessageID consumes and returns the next message id.
func (e *Engine) NextMessageID() uint16 {
	return e.counter.Next()
}

// RollbackMessageID returns a speculatively consumed id.
func (e *Engine) RollbackMessageID() {
	e.counter.Rollback()
}

// SetDefaultListenTimeout adjusts the default waiter timeout.
func (e *Engine) SetDefaultListenTimeout(d time.Duration) {
	e.waiters.SetDefaultTimeout(d)
}

// ListenFor registers a waiter; see Filter for the matching rules.
func (e *Engine) ListenFor(filter Filter) *Pending {
	return e.waiters.ListenFor(filter)
}

// Send writes a message without reliability tracking.
func (e *Engine) Send(m *coapmsg.Message) error {
	frame, err := coapmsg.Encode(m)
	if err != nil {
		return err
	}
	return e.send(frame)
}

// SendReliable writes a confirmable message and blocks until its
// COMPLETE correlation arrives. Each attempt waits BaseAckTimeout *
// 2^(n-1); the same encoded frame is rewritten on timeout. After the
// attempt budget is exhausted the session is reported broken and
// ErrMaxRetransmits is returned.
//
// Retransmissions of a given message id are serialized: the next
// attempt is only issued after the previous attempt's waiter settles.
func (e *Engine) SendReliable(m *coapmsg.Message) error {
	frame, err := coapmsg.Encode(m)
	if err != nil {
		return err
	}

	for {
		entry, timeout, err := e.retrans.Register(m.MessageID, frame)
		if err != nil {
			if e.log != nil {
				e.log.Warnf("message %d exhausted retransmissions", m.MessageID)
			}
			if e.onSessionBroken != nil {
				e.onSessionBroken()
			}
			return err
		}

		msgID := m.MessageID
		pending := e.ListenFor(Filter{
			Kind:      KindComplete,
			MessageID: &msgID,
			Timeout:   timeout,
		})

		if err := e.send(frame); err != nil {
			pending.Cancel()
			e.retrans.Remove(m.MessageID)
			return err
		}

		result := <-pending.C
		switch {
		case result.Err == nil:
			e.retrans.Complete(m.MessageID)
			return nil
		case result.Err == ErrListenTimeout:
			if e.log != nil {
				e.log.Debugf("message %d attempt %d timed out", m.MessageID, entry.Attempts)
			}
			// Fall through to the next attempt.
		default:
			// Disconnected while waiting.
			e.retrans.Remove(m.MessageID)
			return result.Err
		}
	}
}

// HandleInbound classifies one inbound packet, settles matching
// waiters, answers pings, and completes pending confirmables. Returns
// true when the packet was fully consumed here and needs no further
// routing.
func (e *Engine) HandleInbound(m *coapmsg.Message) bool {
	// An empty confirmable is a CoAP ping: answer with an empty ACK
	// bearing the same message id.
	if m.IsConfirmable() && m.IsEmpty() {
		if err := e.Send(coapmsg.NewEmptyAck(m.MessageID)); err != nil && e.log != nil {
			e.log.Warnf("answering ping: %v", err)
		}
		return true
	}

	kinds := ClassifyInbound(m)
	if len(kinds) == 0 {
		return false
	}

	consumed := e.waiters.Dispatch(kinds, m)

	// Pure ACKs terminate here even with no waiter left.
	if m.IsAck() {
		return true
	}
	return consumed
}

// Reset tears down session-scoped state: every waiter settles with the
// given error and the retransmission table is destroyed.
func (e *Engine) Reset(err error) {
	e.waiters.CancelAll(err)
	e.retrans.Clear()
}

// PendingWaiters returns the number of registered waiters.
func (e *Engine) PendingWaiters() int {
	return e.waiters.Count()
}

// PendingRetransmits returns the number of tracked confirmables.
func (e *Engine) PendingRetransmits() int {
	return e.retrans.Count()
}
