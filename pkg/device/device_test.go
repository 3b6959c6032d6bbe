package device

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/iotready/device/pkg/coapmsg"
	"github.com/iotready/device/pkg/event"
	"github.com/iotready/device/pkg/wire"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

const testDeviceID = "000102030405060708090a0b"

var testRSAKeyDER []byte

func init() {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		panic(err)
	}
	testRSAKeyDER = x509.MarshalPKCS1PrivateKey(key)
}

// chanChannel is an in-memory wire.Channel driven by the test cloud.
type chanChannel struct {
	inbound  chan []byte // cloud -> device
	outbound chan []byte // device -> cloud
	closed   chan struct{}
	once     sync.Once
}

func newChanChannel() *chanChannel {
	return &chanChannel{
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (c *chanChannel) Write(frame []byte) error {
	select {
	case <-c.closed:
		return wire.ErrClosed
	case c.outbound <- append([]byte(nil), frame...):
		return nil
	}
}

func (c *chanChannel) Read() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, wire.ErrClosed
	case frame := <-c.inbound:
		return frame, nil
	}
}

func (c *chanChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeCloud records device traffic and plays the server side of the
// session: it answers the Hello and acknowledges confirmables.
type fakeCloud struct {
	ch *chanChannel

	mu       sync.Mutex
	messages []*coapmsg.Message

	answerHello bool
}

func newFakeCloud(answerHello bool) *fakeCloud {
	return &fakeCloud{ch: newChanChannel(), answerHello: answerHello}
}

func (f *fakeCloud) dialer() Dialer {
	return func() (wire.Channel, uint16, error) {
		go f.serve()
		return f.ch, 0x0100, nil
	}
}

func (f *fakeCloud) serve() {
	for {
		select {
		case <-f.ch.closed:
			return
		case frame := <-f.ch.outbound:
			m, err := coapmsg.Decode(frame)
			if err != nil {
				continue
			}
			f.mu.Lock()
			f.messages = append(f.messages, m)
			f.mu.Unlock()

			if m.IsConfirmable() {
				f.deliver(coapmsg.NewEmptyAck(m.MessageID))
			}
			if f.answerHello && m.FirstSegment() == coapmsg.UriHello {
				f.deliver(&coapmsg.Message{
					Type:      message.NonConfirmable,
					Code:      codes.POST,
					MessageID: 900,
					Path:      "/" + coapmsg.UriHello,
				})
			}
		}
	}
}

// deliver injects a cloud frame into the device.
func (f *fakeCloud) deliver(m *coapmsg.Message) {
	frame, err := coapmsg.Encode(m)
	if err != nil {
		return
	}
	select {
	case f.ch.inbound <- frame:
	case <-f.ch.closed:
	}
}

func (f *fakeCloud) find(pred func(*coapmsg.Message) bool) *coapmsg.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if pred(m) {
			return m
		}
	}
	return nil
}

func waitCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// newTestDevice builds a connected TCP-variant device over the fake
// cloud.
func newTestDevice(t *testing.T, cloud *fakeCloud) *Device {
	t.Helper()

	d, err := New(Config{
		DeviceID:       testDeviceID,
		PrivateKey:     testRSAKeyDER,
		ProductID:      0x0102,
		PlatformID:     26,
		ForceTCP:       true,
		Keepalive:      200 * time.Millisecond,
		Dialer:         cloud.dialer(),
		ReconnectDelay: 50 * time.Millisecond,
		HelloTimeout:   500 * time.Millisecond,
		BaseAckTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(d.Disconnect)
	return d
}

func TestConfigValidation(t *testing.T) {
	t.Run("bad device id", func(t *testing.T) {
		_, err := New(Config{DeviceID: "xyz", PrivateKey: testRSAKeyDER, ForceTCP: true})
		if err != ErrInvalidDeviceID {
			t.Errorf("New() error = %v, want %v", err, ErrInvalidDeviceID)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := New(Config{DeviceID: testDeviceID, ForceTCP: true,
			Dialer: func() (wire.Channel, uint16, error) { return nil, 0, nil }})
		if err == nil {
			t.Error("New() without key should fail")
		}
	})

	t.Run("key variant mismatch", func(t *testing.T) {
		// RSA key with the UDP/DTLS variant.
		_, err := New(Config{DeviceID: testDeviceID, PrivateKey: testRSAKeyDER,
			Dialer: func() (wire.Channel, uint16, error) { return nil, 0, nil }})
		if err == nil {
			t.Error("New() with mismatched key variant should fail")
		}
	})
}

func TestConnectLifecycle(t *testing.T) {
	cloud := newFakeCloud(true)
	d := newTestDevice(t, cloud)

	var (
		mu      sync.Mutex
		signals []event.Signal
	)
	d.OnAny(func(ev event.Event) {
		mu.Lock()
		signals = append(signals, ev.Signal)
		mu.Unlock()
	})

	if err := d.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	// Idempotent.
	if err := d.Connect(); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}

	waitCond(t, d.Connected)

	// The Hello must carry the identity payload.
	hello := cloud.find(func(m *coapmsg.Message) bool {
		return m.FirstSegment() == coapmsg.UriHello
	})
	if hello == nil {
		t.Fatal("no Hello sent")
	}
	wantPrefix := []byte{0x01, 0x02, 0x00, 0x00, 0x00}
	if !bytes.Equal(hello.Payload[:2], wantPrefix[:2]) {
		t.Errorf("hello product id = %x, want 0102", hello.Payload[:2])
	}
	if len(hello.Payload) != 10+12 {
		t.Fatalf("hello payload length = %d, want 22", len(hello.Payload))
	}
	if hello.Payload[8] != 0x00 || hello.Payload[9] != 0x0C {
		t.Errorf("device id length field = %x, want 000c", hello.Payload[8:10])
	}

	// The system subscription must be replayed.
	waitCond(t, func() bool {
		return cloud.find(func(m *coapmsg.Message) bool {
			return m.Code == codes.GET && m.Path == "/e/"+systemPrefix
		}) != nil
	})

	// GetTime follows the replay.
	waitCond(t, func() bool {
		return cloud.find(func(m *coapmsg.Message) bool {
			return m.FirstSegment() == coapmsg.UriGetTime
		}) != nil
	})

	mu.Lock()
	defer mu.Unlock()
	var sawConnect, sawConnected bool
	for _, s := range signals {
		if s == event.SignalConnect {
			sawConnect = true
		}
		if s == event.SignalConnected {
			sawConnected = true
		}
	}
	if !sawConnect || !sawConnected {
		t.Errorf("signals = %v, want connect and connected", signals)
	}
}

func TestHelloTimeoutTriggersReconnect(t *testing.T) {
	cloud := newFakeCloud(false) // never answers the Hello
	d := newTestDevice(t, cloud)

	errCh := make(chan event.Event, 8)
	d.On(event.SignalConnectionError, func(ev event.Event) {
		select {
		case errCh <- ev:
		default:
		}
	})

	if err := d.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case ev := <-errCh:
		if ev.Err != ErrHelloTimeout {
			t.Errorf("connection error = %v, want %v", ev.Err, ErrHelloTimeout)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no connectionError after hello timeout")
	}
}

func TestPublishConfirmabilityDefaults(t *testing.T) {
	cloud := newFakeCloud(true)
	d := newTestDevice(t, cloud)
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitCond(t, d.Connected)

	// TCP default: non-confirmable.
	if err := d.Publish("temp", []byte("21"), PublishOptions{}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	waitCond(t, func() bool {
		return cloud.find(func(m *coapmsg.Message) bool { return m.Path == "/E/temp" }) != nil
	})
	m := cloud.find(func(m *coapmsg.Message) bool { return m.Path == "/E/temp" })
	if m.IsConfirmable() {
		t.Error("TCP publish should default to non-confirmable")
	}

	// WITH_ACK forces confirmable; the fake cloud ACKs it.
	completed := make(chan event.Event, 1)
	d.On(event.SignalPublishCompleted, func(ev event.Event) {
		select {
		case completed <- ev:
		default:
		}
	})
	if err := d.Publish("alarm", []byte("on"), PublishOptions{WithAck: true}); err != nil {
		t.Fatalf("Publish(WithAck) error = %v", err)
	}
	m = cloud.find(func(m *coapmsg.Message) bool { return m.Path == "/E/alarm" })
	if m == nil || !m.IsConfirmable() {
		t.Error("WITH_ACK publish should be confirmable")
	}
	select {
	case ev := <-completed:
		if !ev.Success {
			t.Error("publishCompleted success = false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no publishCompleted event")
	}

	// Public flag selects the e stream.
	if err := d.Publish("broadcast", nil, PublishOptions{Public: true}); err != nil {
		t.Fatalf("Publish(Public) error = %v", err)
	}
	waitCond(t, func() bool {
		return cloud.find(func(m *coapmsg.Message) bool { return m.Path == "/e/broadcast" }) != nil
	})
}

func TestReservedEventsNotEchoed(t *testing.T) {
	cloud := newFakeCloud(true)
	d := newTestDevice(t, cloud)
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitCond(t, d.Connected)

	var (
		mu        sync.Mutex
		published []string
	)
	d.On(event.SignalPublish, func(ev event.Event) {
		mu.Lock()
		published = append(published, ev.Name)
		mu.Unlock()
	})

	if err := d.Publish("iotready/internal", []byte("x"), PublishOptions{}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := d.Publish("user/event", []byte("y"), PublishOptions{}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// Both events reach the cloud.
	waitCond(t, func() bool {
		return cloud.find(func(m *coapmsg.Message) bool { return m.Path == "/E/iotready/internal" }) != nil &&
			cloud.find(func(m *coapmsg.Message) bool { return m.Path == "/E/user/event" }) != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if len(published) != 1 || published[0] != "user/event" {
		t.Errorf("publish signals = %v, want [user/event]", published)
	}
}

func TestSystemEvents(t *testing.T) {
	cloud := newFakeCloud(true)
	d := newTestDevice(t, cloud)
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitCond(t, d.Connected)

	t.Run("reset dfu", func(t *testing.T) {
		got := make(chan event.Event, 1)
		d.On(event.SignalDFU, func(ev event.Event) {
			select {
			case got <- ev:
			default:
			}
		})
		cloud.deliver(&coapmsg.Message{
			Type:      message.NonConfirmable,
			Code:      codes.POST,
			MessageID: 901,
			Path:      "/E/" + systemEventReset,
			Payload:   []byte("dfu"),
		})
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("no dfu signal")
		}
	})

	t.Run("updates forced", func(t *testing.T) {
		got := make(chan event.Event, 1)
		d.On(event.SignalFirmwareUpdateForced, func(ev event.Event) {
			select {
			case got <- ev:
			default:
			}
		})
		cloud.deliver(&coapmsg.Message{
			Type:      message.NonConfirmable,
			Code:      codes.POST,
			MessageID: 902,
			Path:      "/E/" + systemEventUpdatesForced,
			Payload:   []byte("true"),
		})
		select {
		case ev := <-got:
			if !ev.On {
				t.Error("forced signal On = false, want true")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no firmwareUpdateForced signal")
		}
		if !d.UpdatesForced() {
			t.Error("UpdatesForced() = false, want true")
		}
		// The new state is re-published to the cloud.
		waitCond(t, func() bool {
			return cloud.find(func(m *coapmsg.Message) bool {
				return m.Path == "/E/"+systemEventUpdatesForced && string(m.Payload) == "true"
			}) != nil
		})
	})

	t.Run("owners", func(t *testing.T) {
		cloud.deliver(&coapmsg.Message{
			Type:      message.NonConfirmable,
			Code:      codes.POST,
			MessageID: 903,
			Path:      "/E/" + systemEventOwners,
			Payload:   []byte("alice,bob"),
		})
		waitCond(t, func() bool {
			owners, err := d.store.LoadOwners()
			return err == nil && len(owners) == 2 && owners[0] == "alice"
		})
	})
}

func TestTimeEvent(t *testing.T) {
	cloud := newFakeCloud(true)
	d := newTestDevice(t, cloud)

	got := make(chan event.Event, 1)
	d.On(event.SignalTime, func(ev event.Event) {
		select {
		case got <- ev:
		default:
		}
	})

	if err := d.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitCond(t, d.Connected)

	// Wait for the GetTime request and answer it with a big-endian
	// epoch, echoing the token.
	var req *coapmsg.Message
	waitCond(t, func() bool {
		req = cloud.find(func(m *coapmsg.Message) bool {
			return m.FirstSegment() == coapmsg.UriGetTime
		})
		return req != nil
	})

	cloud.deliver(&coapmsg.Message{
		Type:      message.Acknowledgement,
		Code:      codes.Content,
		MessageID: req.MessageID,
		Token:     req.Token,
		Payload:   []byte{0x65, 0x00, 0x00, 0x00}, // 0x65000000 seconds
	})

	select {
	case ev := <-got:
		if ev.Epoch != 0x65000000 {
			t.Errorf("epoch = %#x, want 0x65000000", ev.Epoch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no time event")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	cloud := newFakeCloud(true)
	d := newTestDevice(t, cloud)
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitCond(t, d.Connected)

	var (
		mu    sync.Mutex
		count int
	)
	d.On(event.SignalDisconnect, func(ev event.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	d.Disconnect()
	d.Disconnect()

	if d.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
	if d.State() != StateDisconnected {
		t.Errorf("State() = %v, want Disconnected", d.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("disconnect signals = %d, want 1 (idempotent)", count)
	}

	// No reconnect after user disconnect.
	time.Sleep(200 * time.Millisecond)
	if d.Connected() {
		t.Error("device reconnected after user disconnect")
	}
}

func TestEncodeHello(t *testing.T) {
	deviceID := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	payload := encodeHello(0x0102, 0x0304, 0x06, 0x001A, deviceID)

	want := []byte{
		0x01, 0x02, // product id
		0x03, 0x04, // firmware version
		0x00,       // reserved
		0x06,       // flags
		0x00, 0x1A, // platform id
		0x00, 0x0C, // device id length
	}
	if !bytes.Equal(payload[:10], want) {
		t.Errorf("hello header = %x, want %x", payload[:10], want)
	}
	if !bytes.Equal(payload[10:], deviceID) {
		t.Errorf("hello device id = %x, want %x", payload[10:], deviceID)
	}
}

func TestRegistrationAPI(t *testing.T) {
	cloud := newFakeCloud(true)
	d := newTestDevice(t, cloud)

	if !d.Post("fn", func(args, caller string) (int32, error) { return 0, nil }, 0) {
		t.Error("Post() = false, want true")
	}
	if !d.Get("v", 2, func(path string) (interface{}, error) { return 0, nil }) {
		t.Error("Get() = false, want true")
	}
	if !d.File("f", "text/plain", func(name string) ([]byte, error) { return []byte("x"), nil }) {
		t.Error("File() = false, want true")
	}
	if !d.Subscribe("news", func(name string, payload []byte) {}, 0) {
		t.Error("Subscribe() = false, want true")
	}
	d.Unsubscribe("news")
}
