// Package event carries the typed signals the client emits to the
// surrounding application, and the reserved-prefix rules for cloud
// events.
package event

import (
	"strings"
	"sync"
)

// Signal identifies a client event delivered to the application.
type Signal int

const (
	// SignalUnknown is the zero value.
	SignalUnknown Signal = iota
	// SignalConnect fires when a connection attempt starts.
	SignalConnect
	// SignalConnected fires when the session is fully established.
	SignalConnected
	// SignalDisconnect fires on user-initiated disconnect.
	SignalDisconnect
	// SignalReconnect fires when an automatic reconnect is scheduled.
	SignalReconnect
	// SignalConnectionError carries a classified transport error.
	SignalConnectionError
	// SignalError carries a non-fatal protocol or callback error.
	SignalError
	// SignalPublish echoes a published event back to the application.
	SignalPublish
	// SignalPublishCompleted reports the outcome of a confirmable publish.
	SignalPublishCompleted
	// SignalSubscribe reports a completed subscription.
	SignalSubscribe
	// SignalTime carries the cloud epoch time.
	SignalTime
	// SignalIndicate carries the server-requested signal/LED state.
	SignalIndicate
	// SignalDFU requests a jump to DFU mode.
	SignalDFU
	// SignalSafeMode requests a reboot into safe mode.
	SignalSafeMode
	// SignalReboot requests a plain reboot.
	SignalReboot
	// SignalFirmwareUpdateForced reports a change of the forced-updates flag.
	SignalFirmwareUpdateForced
	// SignalFirmwareUpdatePending reports a newly pending update.
	SignalFirmwareUpdatePending
	// SignalFileReceived carries a completed inbound named-file transfer.
	SignalFileReceived
	// SignalFileSent reports a completed outbound file transfer.
	SignalFileSent
	// SignalOTAReceived carries a validated firmware image.
	SignalOTAReceived
)

// String returns the signal name as surfaced to the application.
func (s Signal) String() string {
	switch s {
	case SignalConnect:
		return "connect"
	case SignalConnected:
		return "connected"
	case SignalDisconnect:
		return "disconnect"
	case SignalReconnect:
		return "reconnect"
	case SignalConnectionError:
		return "connectionError"
	case SignalError:
		return "error"
	case SignalPublish:
		return "publish"
	case SignalPublishCompleted:
		return "publishCompleted"
	case SignalSubscribe:
		return "subscribe"
	case SignalTime:
		return "time"
	case SignalIndicate:
		return "signal"
	case SignalDFU:
		return "dfu"
	case SignalSafeMode:
		return "safemode"
	case SignalReboot:
		return "reboot"
	case SignalFirmwareUpdateForced:
		return "firmwareUpdateForced"
	case SignalFirmwareUpdatePending:
		return "firmwareUpdatePending"
	case SignalFileReceived:
		return "fileReceived"
	case SignalFileSent:
		return "fileSent"
	case SignalOTAReceived:
		return "otaReceived"
	default:
		return "unknown"
	}
}

// Event is one emitted signal with its payload fields. Only the fields
// relevant to the signal are set.
type Event struct {
	Signal Signal

	// Name is the event or file name, when applicable.
	Name string

	// Data is the raw payload, when applicable.
	Data []byte

	// Err carries the error for SignalError / SignalConnectionError.
	Err error

	// ErrorKind is the classified transport error for SignalConnectionError.
	ErrorKind string

	// Success reports the outcome for SignalPublishCompleted.
	Success bool

	// Epoch is the cloud time in seconds for SignalTime.
	Epoch int64

	// On is the indicator state for SignalIndicate and the new flag
	// value for the firmware-update signals.
	On bool

	// Size is the transfer size for SignalFileReceived.
	Size int
}

// Handler receives emitted events.
type Handler func(Event)

// reservedPrefixes are event-name prefixes used by the system channel.
// Events with these prefixes are sent to the cloud but never surfaced
// on the application publish signal.
var reservedPrefixes = []string{"iotready", "trackle"}

// IsReservedName reports whether an event name uses a reserved prefix.
func IsReservedName(name string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Bus fans emitted events out to registered handlers.
//
// Safe for concurrent use. Handlers run on the emitter's goroutine and
// must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Signal][]Handler
	all      []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Signal][]Handler)}
}

// On registers a handler for one signal.
func (b *Bus) On(s Signal, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[s] = append(b.handlers[s], h)
}

// OnAny registers a handler for every signal.
func (b *Bus) OnAny(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Emit delivers an event to the matching handlers.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[ev.Signal])+len(b.all))
	targets = append(targets, b.handlers[ev.Signal]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, h := range targets {
		h(ev)
	}
}
