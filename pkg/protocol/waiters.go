package protocol

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/iotready/device/pkg/coapmsg"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Result is delivered to a waiter: the matching packet, or the error
// that settled the waiter (timeout or disconnect).
type Result struct {
	Msg *coapmsg.Message
	Err error
}

// Filter selects the packets a waiter receives.
type Filter struct {
	// Kind is the event kind to wait for. Required.
	Kind EventKind

	// Token, when non-nil, requires token hex equality.
	Token []byte

	// MessageID, when non-nil, requires message-id equality and a
	// response code below 4.00.
	MessageID *uint16

	// Timeout settles the waiter with ErrListenTimeout when no match
	// arrives in time. Zero selects the table's default timeout.
	Timeout time.Duration

	// Persistent keeps the waiter registered after a match. Persistent
	// waiters deliver every matching packet until Cancel is called and
	// are not subject to Timeout.
	Persistent bool
}

// Pending is a registered waiter.
type Pending struct {
	// C yields matches and the settling error.
	C <-chan Result

	cancel func()
}

// Cancel removes the waiter. Safe to call more than once.
func (p *Pending) Cancel() {
	p.cancel()
}

type waiter struct {
	filter   Filter
	tokenHex string
	ch       chan Result
	timer    *time.Timer
}

// Waiters correlates inbound packets with outstanding operations.
// One-shot waiters are settled by the first match, their timeout, or
// disconnect; persistent waiters live until cancelled.
//
// Safe for concurrent use.
type Waiters struct {
	mu      sync.Mutex
	waiters map[uint64]*waiter
	nextID  uint64

	// defaultTimeout is applied when Filter.Timeout is zero.
	// Per the session contract this is keepalive x 2.
	defaultTimeout time.Duration
}

// NewWaiters creates a waiter table with the given default timeout.
func NewWaiters(defaultTimeout time.Duration) *Waiters {
	return &Waiters{
		waiters:        make(map[uint64]*waiter),
		defaultTimeout: defaultTimeout,
	}
}

// SetDefaultTimeout adjusts the default timeout (keepalive changes).
func (t *Waiters) SetDefaultTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultTimeout = d
}

// ListenFor registers a waiter for the next packet matching the filter.
func (t *Waiters) ListenFor(filter Filter) *Pending {
	t.mu.Lock()

	id := t.nextID
	t.nextID++

	w := &waiter{
		filter: filter,
		ch:     make(chan Result, 64),
	}
	if filter.Token != nil {
		w.tokenHex = hex.EncodeToString(filter.Token)
	}
	t.waiters[id] = w

	if !filter.Persistent {
		timeout := filter.Timeout
		if timeout == 0 {
			timeout = t.defaultTimeout
		}
		w.timer = time.AfterFunc(timeout, func() {
			t.settle(id, Result{Err: ErrListenTimeout})
		})
	}
	t.mu.Unlock()

	return &Pending{
		C: w.ch,
		cancel: func() {
			t.remove(id)
		},
	}
}

// Dispatch delivers a packet to every waiter matching one of the kinds.
// Returns true if any waiter consumed the packet.
func (t *Waiters) Dispatch(kinds []EventKind, m *coapmsg.Message) bool {
	t.mu.Lock()

	var oneShot []uint64
	var targets []*waiter
	for id, w := range t.waiters {
		if !matchAny(w, kinds, m) {
			continue
		}
		targets = append(targets, w)
		if !w.filter.Persistent {
			oneShot = append(oneShot, id)
		}
	}
	for _, id := range oneShot {
		w := t.waiters[id]
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(t.waiters, id)
	}
	t.mu.Unlock()

	for _, w := range targets {
		select {
		case w.ch <- Result{Msg: m}:
		default:
			// Slow consumer; the packet is dropped for this waiter
			// rather than stalling the read loop.
		}
	}
	return len(targets) > 0
}

// CancelAll settles every waiter with the given error.
// Called on disconnect so no callback leaks past the session.
func (t *Waiters) CancelAll(err error) {
	t.mu.Lock()
	ws := make([]*waiter, 0, len(t.waiters))
	for id, w := range t.waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		ws = append(ws, w)
		delete(t.waiters, id)
	}
	t.mu.Unlock()

	for _, w := range ws {
		select {
		case w.ch <- Result{Err: err}:
		default:
		}
	}
}

// Count returns the number of registered waiters.
func (t *Waiters) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

func (t *Waiters) settle(id uint64, r Result) {
	t.mu.Lock()
	w, ok := t.waiters[id]
	if ok {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(t.waiters, id)
	}
	t.mu.Unlock()

	if ok {
		select {
		case w.ch <- r:
		default:
		}
	}
}

func (t *Waiters) remove(id uint64) {
	t.mu.Lock()
	if w, ok := t.waiters[id]; ok {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(t.waiters, id)
	}
	t.mu.Unlock()
}

func matchAny(w *waiter, kinds []EventKind, m *coapmsg.Message) bool {
	kindOK := false
	for _, k := range kinds {
		if w.filter.Kind == k {
			kindOK = true
			break
		}
	}
	if !kindOK {
		return false
	}

	if w.filter.Token != nil && w.tokenHex != m.TokenHex() {
		return false
	}
	if w.filter.MessageID != nil {
		if m.MessageID != *w.filter.MessageID {
			return false
		}
		if m.Code >= codes.BadRequest {
			return false
		}
	}
	return true
}
