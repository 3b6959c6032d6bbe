package ota

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/iotready/device/pkg/coapmsg"
	"github.com/iotready/device/pkg/crypto"
	"github.com/iotready/device/pkg/metrics"
	"github.com/iotready/device/pkg/protocol"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// updateReadyByte is the payload of the 2.04 answering an UpdateBegin.
const updateReadyByte = byte('u')

// ReceiverConfig configures the inbound transfer engine.
type ReceiverConfig struct {
	// Conn is the multiplexer. Required.
	Conn Conn

	// UpdatesAllowed reports whether a firmware OTA may start
	// (updates enabled or forced).
	UpdatesAllowed func() bool

	// IsRegisteredFile reports whether a filename has a registered
	// file entry; unregistered names are treated as firmware.
	IsRegisteredFile func(name string) bool

	// OnFileReceived delivers a completed named-file transfer.
	OnFileReceived func(name string, data []byte)

	// OnFirmware delivers a validated firmware image.
	OnFirmware func(image []byte)

	// OnError surfaces transfer errors.
	OnError func(err error)

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics

	// RecoveryWindow overrides the fast-OTA teardown window.
	// Zero selects RecoveryWindow; tests shorten it.
	RecoveryWindow time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Receiver drives inbound cloud-to-device transfers. At most one
// transfer is active at a time; a new UpdateBegin aborts the previous
// one.
type Receiver struct {
	config ReceiverConfig
	window time.Duration
	log    logging.LeveledLogger

	mu     sync.Mutex
	active *transfer
}

// transfer is the per-transfer session state, destroyed when the
// transfer completes, aborts, or the session dies.
type transfer struct {
	req      *BeginRequest
	buffer   []byte
	expected int
	received int
	gotChunk []bool
	missed   []uint16

	chunks *protocol.Pending
	done   *protocol.Pending

	windowTimer *time.Timer
	delivered   bool
	finished    bool
	quit        chan struct{}
}

// NewReceiver creates an inbound transfer engine.
func NewReceiver(config ReceiverConfig) *Receiver {
	window := config.RecoveryWindow
	if window == 0 {
		window = RecoveryWindow
	}
	r := &Receiver{config: config, window: window}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("ota")
	}
	return r
}

// HandleBegin processes an inbound UpdateBegin request and, when
// accepted, starts collecting chunks.
func (r *Receiver) HandleBegin(m *coapmsg.Message) {
	req, err := ParseBegin(m.Payload)
	if err != nil {
		r.reject(m, codes.BadRequest, err)
		return
	}

	// A 12-byte payload announces a firmware OTA; refuse it unless
	// updates are enabled or forced.
	if req.IsFirmware() && r.config.UpdatesAllowed != nil && !r.config.UpdatesAllowed() {
		r.reject(m, codes.ServiceUnavailable, ErrUpdatesDisabled)
		return
	}

	if req.FileSize <= 0 || req.FileSize > MaxFileSize {
		r.reject(m, codes.BadRequest, ErrFileTooLarge)
		return
	}

	r.mu.Lock()
	if r.active != nil {
		r.teardownLocked(r.active)
	}
	t := &transfer{
		req:      req,
		buffer:   make([]byte, req.FileSize),
		expected: req.ChunkCount(),
		gotChunk: make([]bool, req.ChunkCount()),
		chunks:   r.config.Conn.ListenFor(protocol.Filter{Kind: protocol.KindChunk, Persistent: true}),
		done:     r.config.Conn.ListenFor(protocol.Filter{Kind: protocol.KindUpdateDone, Persistent: true}),
		quit:     make(chan struct{}),
	}
	r.active = t
	r.mu.Unlock()

	if err := r.config.Conn.Send(coapmsg.NewAck(m, codes.Changed, []byte{updateReadyByte})); err != nil {
		r.surfaceError(fmt.Errorf("ota: acking update begin: %w", err))
	}

	if r.log != nil {
		r.log.Infof("transfer started: name=%q size=%d chunks=%d", req.FileName, req.FileSize, t.expected)
	}

	go r.collect(t)
}

// Active reports whether a transfer is in progress.
func (r *Receiver) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// collect pumps chunk and UpdateDone packets until the transfer
// finishes or the session dies.
func (r *Receiver) collect(t *transfer) {
	for {
		select {
		case <-t.quit:
			return

		case result := <-t.chunks.C:
			if result.Err != nil {
				r.abort(t)
				return
			}
			r.handleChunk(t, result.Msg)

		case result := <-t.done.C:
			if result.Err != nil {
				r.abort(t)
				return
			}
			// Chunks queued ahead of the done marker count toward it.
			r.drainChunks(t)
			if r.handleDone(t, result.Msg) {
				return
			}
		}
	}
}

// drainChunks processes chunks already queued on the waiter channel.
func (r *Receiver) drainChunks(t *transfer) {
	for {
		select {
		case result := <-t.chunks.C:
			if result.Err == nil {
				r.handleChunk(t, result.Msg)
			}
		default:
			return
		}
	}
}

// handleChunk validates one chunk against its CRC query and copies it
// into the buffer at chunkSize * index.
func (r *Receiver) handleChunk(t *transfer, m *coapmsg.Message) {
	crc, index, ok := parseChunkQueries(m)
	if !ok {
		r.surfaceError(fmt.Errorf("ota: chunk without crc/index queries"))
		return
	}
	if int(index) >= t.expected {
		r.surfaceError(fmt.Errorf("ota: chunk index %d out of range", index))
		return
	}

	if crypto.CRC32(m.Payload) != crc {
		t.missed = append(t.missed, index)
		if r.log != nil {
			r.log.Debugf("chunk %d failed crc check", index)
		}
		return
	}

	offset := t.req.ChunkSize * int(index)
	remaining := t.req.FileSize - offset
	n := t.req.ChunkSize
	if remaining < n {
		n = remaining
	}
	if len(m.Payload) < n {
		n = len(m.Payload)
	}
	copy(t.buffer[offset:offset+n], m.Payload[:n])

	if !t.gotChunk[index] {
		t.gotChunk[index] = true
		t.received++
	}
	r.config.Metrics.IncChunksReceived()

	if t.received == t.expected {
		r.deliver(t)
	}
}

// handleDone answers an UpdateDone. Incomplete transfers with CRC
// failures trigger fast-OTA recovery: a 4.00, one aggregated
// missed-chunk request, and a bounded window for the resends. Returns
// true when the transfer is finished and the listeners are gone.
func (r *Receiver) handleDone(t *transfer, m *coapmsg.Message) bool {
	if t.received < t.expected && len(t.missed) > 0 {
		if err := r.config.Conn.Send(coapmsg.NewAck(m, codes.BadRequest, nil)); err != nil {
			r.surfaceError(fmt.Errorf("ota: nacking update done: %w", err))
		}

		payload := make([]byte, 0, 2*len(t.missed))
		for _, index := range t.missed {
			payload = binary.BigEndian.AppendUint16(payload, index)
		}
		t.missed = nil

		request := &coapmsg.Message{
			Type:      message.Confirmable,
			Code:      codes.GET,
			MessageID: r.config.Conn.NextMessageID(),
			Path:      "/" + coapmsg.UriChunk,
			Payload:   payload,
		}
		go func() {
			if err := r.config.Conn.SendReliable(request); err != nil {
				r.surfaceError(fmt.Errorf("ota: requesting missed chunks: %w", err))
			}
		}()

		// Recovery rounds are unbounded; only the window bounds each
		// round, matching the fast-OTA contract.
		if t.windowTimer != nil {
			t.windowTimer.Stop()
		}
		t.windowTimer = time.AfterFunc(r.window, func() {
			r.abort(t)
		})
		return false
	}

	if err := r.config.Conn.Send(coapmsg.NewAck(m, codes.Changed, nil)); err != nil {
		r.surfaceError(fmt.Errorf("ota: acking update done: %w", err))
	}

	r.mu.Lock()
	complete := t.received == t.expected
	r.teardownLocked(t)
	r.mu.Unlock()

	if !complete {
		r.surfaceError(ErrTransferAborted)
	}
	return true
}

// deliver hands the completed buffer to the application exactly once.
func (r *Receiver) deliver(t *transfer) {
	if t.delivered {
		return
	}
	t.delivered = true

	name := t.req.FileName
	if name != "" && r.config.IsRegisteredFile != nil && r.config.IsRegisteredFile(name) {
		if r.config.OnFileReceived != nil {
			r.config.OnFileReceived(name, t.buffer)
		}
		return
	}

	image, err := ValidateFirmware(t.buffer)
	if err != nil {
		r.surfaceError(err)
		return
	}
	if r.config.OnFirmware != nil {
		r.config.OnFirmware(image)
	}
}

// abort tears the transfer down without delivering.
func (r *Receiver) abort(t *transfer) {
	r.mu.Lock()
	finished := t.finished
	r.teardownLocked(t)
	r.mu.Unlock()

	if !finished && r.log != nil {
		r.log.Infof("transfer aborted: name=%q", t.req.FileName)
	}
}

// teardownLocked cancels the transfer's listeners and timers.
// Caller holds r.mu.
func (r *Receiver) teardownLocked(t *transfer) {
	if t.finished {
		return
	}
	t.finished = true
	close(t.quit)
	t.chunks.Cancel()
	t.done.Cancel()
	if t.windowTimer != nil {
		t.windowTimer.Stop()
	}
	if r.active == t {
		r.active = nil
	}
}

// reject answers an unacceptable UpdateBegin and surfaces the error.
func (r *Receiver) reject(m *coapmsg.Message, code codes.Code, err error) {
	var payload []byte
	if code == codes.ServiceUnavailable {
		payload = []byte("Service Unavailable")
	}
	if sendErr := r.config.Conn.Send(coapmsg.NewAck(m, code, payload)); sendErr != nil {
		r.surfaceError(fmt.Errorf("ota: rejecting update begin: %w", sendErr))
	}
	r.surfaceError(err)
}

func (r *Receiver) surfaceError(err error) {
	if r.log != nil {
		r.log.Warnf("%v", err)
	}
	if r.config.OnError != nil {
		r.config.OnError(err)
	}
}
