// Package rpc routes inbound cloud requests to the registered
// functions, variables, files and subscriptions, and formats the typed
// replies.
package rpc

import (
	"fmt"
	"strings"

	"github.com/iotready/device/pkg/coapmsg"
	"github.com/iotready/device/pkg/event"
	"github.com/iotready/device/pkg/ota"
	"github.com/iotready/device/pkg/registry"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// MaxArgLen bounds function arguments and encoded string/json variable
// payloads.
const MaxArgLen = 622

// DescribeInfo supplies the descriptor fields that are not registry
// state.
type DescribeInfo struct {
	PlatformID      uint16
	FirmwareVersion string
}

// Config configures the dispatcher.
type Config struct {
	// Conn is the multiplexer. Required.
	Conn ota.Conn

	// Registry holds the registered functions, variables and files.
	// Required.
	Registry *registry.Registry

	// Bus receives error, signal and transfer events. Required.
	Bus *event.Bus

	// Receiver handles inbound UpdateBegin requests. Required.
	Receiver *ota.Receiver

	// Sender answers FileRequest. Required.
	Sender *ota.Sender

	// Describe supplies the descriptor metadata.
	Describe DescribeInfo

	// OnHello is invoked when the server's Hello response arrives.
	OnHello func()

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Dispatcher routes inbound non-ACK packets by their first Uri-Path
// segment.
type Dispatcher struct {
	config Config
	log    logging.LeveledLogger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(config Config) *Dispatcher {
	d := &Dispatcher{config: config}
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("rpc")
	}
	return d
}

// Dispatch routes one inbound request. Function, variable and file
// callbacks run on their own goroutine so the caller's read loop keeps
// pumping the socket; subscription handlers and OnHello run on the
// caller's goroutine.
func (d *Dispatcher) Dispatch(m *coapmsg.Message) {
	switch m.FirstSegment() {
	case coapmsg.UriHello:
		if d.config.OnHello != nil {
			d.config.OnHello()
		}

	case coapmsg.UriDescribe:
		d.handleDescribe(m)

	case coapmsg.UriFunction:
		go d.handleFunction(m)

	case coapmsg.UriVariable:
		go d.handleVariable(m)

	case coapmsg.UriPublicEvent, coapmsg.UriPrivateEvent:
		d.handleCloudEvent(m)

	case coapmsg.UriSignal:
		d.handleSignal(m)

	case coapmsg.UriFileRequest:
		go d.handleFileRequest(m)

	case coapmsg.UriUpdate:
		if m.Code == codes.POST {
			d.config.Receiver.HandleBegin(m)
			return
		}
		// PUT u and 2.04 u belong to an active transfer's waiters; one
		// arriving here has no transfer to serve.
		d.surfaceError(fmt.Errorf("rpc: unexpected update packet %v for %q", m.Code, m.Path))

	case coapmsg.UriChunk:
		d.surfaceError(fmt.Errorf("rpc: chunk with no active transfer"))

	case coapmsg.UriProperty:
		d.writeError(m, codes.BadRequest, "property update not supported")

	default:
		d.surfaceError(fmt.Errorf("rpc: unknown request uri %q", m.Path))
	}
}

// handleCloudEvent delivers a cloud event to every subscription whose
// registered name is a prefix of the event name, and acknowledges
// confirmable deliveries.
func (d *Dispatcher) handleCloudEvent(m *coapmsg.Message) {
	segments := m.PathSegments()
	name := strings.Join(segments[1:], "/")

	if m.IsConfirmable() {
		if err := d.config.Conn.Send(coapmsg.NewEmptyAck(m.MessageID)); err != nil {
			d.surfaceError(fmt.Errorf("rpc: acking event: %w", err))
		}
	}

	for _, sub := range d.config.Registry.MatchSubscriptions(name) {
		sub.Handler(name, m.Payload)
	}
}

// handleSignal processes a SignalStart request: Uri-Query[0] = 1 turns
// the indication on.
func (d *Dispatcher) handleSignal(m *coapmsg.Message) {
	q := m.Query(0)
	on := q == "\x01" || q == "1"

	d.config.Bus.Emit(event.Event{Signal: event.SignalIndicate, On: on})

	if err := d.config.Conn.Send(coapmsg.NewAck(m, codes.Changed, nil)); err != nil {
		d.surfaceError(fmt.Errorf("rpc: acking signal: %w", err))
	}
}

// handleFileRequest answers a server-requested file transfer.
func (d *Dispatcher) handleFileRequest(m *coapmsg.Message) {
	segments := m.PathSegments()
	name := strings.Join(segments[1:], "/")

	file, ok := d.config.Registry.File(name)
	if !ok {
		d.writeError(m, codes.NotFound, fmt.Sprintf("file %q not found", name))
		return
	}

	data, err := file.Handler(name)
	if err != nil {
		d.writeError(m, codes.InternalServerError, err.Error())
		return
	}
	if len(data) == 0 {
		d.writeError(m, codes.InternalServerError, ota.ErrEmptyFile.Error())
		return
	}

	if err := d.config.Sender.Send(m, name, data); err != nil {
		d.writeError(m, codes.InternalServerError, err.Error())
	}
}

// writeError answers a server packet with an error code and message
// payload, and surfaces the error to the application.
func (d *Dispatcher) writeError(m *coapmsg.Message, code codes.Code, msg string) {
	if err := d.config.Conn.Send(coapmsg.NewAck(m, code, []byte(msg))); err != nil {
		d.surfaceError(fmt.Errorf("rpc: writing error reply: %w", err))
	}
	d.surfaceError(fmt.Errorf("rpc: %s", msg))
}

func (d *Dispatcher) surfaceError(err error) {
	if d.log != nil {
		d.log.Warnf("%v", err)
	}
	d.config.Bus.Emit(event.Event{Signal: event.SignalError, Err: err})
}
