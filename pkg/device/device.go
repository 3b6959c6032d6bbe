// Package device implements the top-level cloud client: session
// lifecycle, keepalive, reconnect policy, and the public registration
// and publish API.
package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/iotready/device/pkg/coapmsg"
	"github.com/iotready/device/pkg/event"
	"github.com/iotready/device/pkg/keys"
	"github.com/iotready/device/pkg/ota"
	"github.com/iotready/device/pkg/protocol"
	"github.com/iotready/device/pkg/registry"
	"github.com/iotready/device/pkg/rpc"
	"github.com/iotready/device/pkg/storage"
	"github.com/iotready/device/pkg/wire"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// systemPrefix is the reserved prefix carrying device-control events.
const systemPrefix = "iotready"

// Device is one cloud client instance. Create it with New, register
// functions and variables, then call Connect.
type Device struct {
	config Config
	bus    *event.Bus
	reg    *registry.Registry
	store  storage.Storage
	log    logging.LeveledLogger

	mu        sync.Mutex
	state     State
	engine    *protocol.Engine
	channel   wire.Channel
	claimCode string
	keepalive time.Duration
	flags     storage.Flags
	started   bool
	stopped   bool
	stopCh    chan struct{}
}

// New creates a Device from the configuration. The identity is
// validated here: a malformed device id, an unparsable or mismatched
// key, or an unresolvable cloud host fail immediately.
func New(config Config) (*Device, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	d := &Device{
		config:    config,
		bus:       event.NewBus(),
		reg:       registry.New(),
		store:     config.Storage,
		state:     StateDisconnected,
		claimCode: config.ClaimCode,
		keepalive: config.Keepalive,
	}
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("device")
	}

	flags, err := d.store.LoadFlags()
	if err != nil {
		return nil, fmt.Errorf("device: loading flags: %w", err)
	}
	d.flags = flags

	owners, err := d.store.LoadOwners()
	if err != nil {
		return nil, fmt.Errorf("device: loading owners: %w", err)
	}
	d.reg.SetOwners(owners)

	// The system channel routes device-control events.
	d.reg.AddSubscription(systemPrefix, d.handleSystemEvent, registry.ScopeMyDevices)

	return d, nil
}

// On registers an application handler for one signal.
func (d *Device) On(s event.Signal, h event.Handler) {
	d.bus.On(s, h)
}

// OnAny registers an application handler for every signal.
func (d *Device) OnAny(h event.Handler) {
	d.bus.OnAny(h)
}

// State returns the current session state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Connected reports whether the session is fully established.
func (d *Device) Connected() bool {
	return d.State() == StateConnected
}

// Connect starts the session. Idempotent: a second call while running
// is a no-op.
func (d *Device) Connect() error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.stopped = false
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	go d.run()
	return nil
}

// Disconnect latches the no-reconnect flag and tears the session down.
// Idempotent: a second call has no further effect.
func (d *Device) Disconnect() {
	d.mu.Lock()
	if d.stopped || !d.started {
		d.stopped = true
		d.started = false
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.started = false
	close(d.stopCh)
	channel := d.channel
	engine := d.engine
	d.channel = nil
	d.engine = nil
	d.state = StateDisconnected
	d.mu.Unlock()

	if channel != nil {
		channel.Close()
	}
	if engine != nil {
		engine.Reset(protocol.ErrDisconnected)
	}

	d.bus.Emit(event.Event{Signal: event.SignalDisconnect})
}

// SetKeepalive adjusts the ping period and the default waiter timeout.
func (d *Device) SetKeepalive(ka time.Duration) {
	d.mu.Lock()
	d.keepalive = ka
	engine := d.engine
	d.mu.Unlock()

	if engine != nil {
		engine.SetDefaultListenTimeout(2 * ka)
	}
}

// SetClaimCode sets the claim code published after the next connect.
func (d *Device) SetClaimCode(code string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claimCode = code
}

// run is the supervisor loop: one session at a time, with a fixed
// delay between attempts. A user disconnect ends the loop.
func (d *Device) run() {
	bo := backoff.NewConstantBackOff(d.config.ReconnectDelay)

	for {
		if d.isStopped() {
			return
		}

		d.setState(StateConnecting)
		d.bus.Emit(event.Event{Signal: event.SignalConnect})

		err := d.session()

		if d.isStopped() {
			return
		}

		kind := wire.Classify(err)
		if d.log != nil {
			d.log.Warnf("session ended (%s): %v", kind, err)
		}
		d.config.Metrics.IncReconnects(kind.String())
		d.bus.Emit(event.Event{Signal: event.SignalConnectionError, Err: err, ErrorKind: kind.String()})
		d.bus.Emit(event.Event{Signal: event.SignalReconnect})
		d.setState(StateReconnecting)

		select {
		case <-time.After(bo.NextBackOff()):
		case <-d.stopCh:
			return
		}
	}
}

// session establishes one session and blocks until it dies. The
// returned error is classified for the reconnect policy.
func (d *Device) session() error {
	d.setState(StateHandshaking)

	channel, seed, err := d.dial()
	if err != nil {
		return err
	}

	lost := make(chan error, 4)
	sessionDone := make(chan struct{})

	engine := protocol.NewEngine(protocol.EngineConfig{
		Send:                 channel.Write,
		InitialMessageID:     seed,
		DefaultListenTimeout: 2 * d.currentKeepalive(),
		BaseAckTimeout:       d.config.BaseAckTimeout,
		OnSessionBroken: func() {
			d.config.Metrics.IncRetransmits()
			pushLost(lost, protocol.ErrMaxRetransmits)
		},
		LoggerFactory: d.config.LoggerFactory,
	})

	receiver := ota.NewReceiver(ota.ReceiverConfig{
		Conn: engine,
		UpdatesAllowed: func() bool {
			f := d.currentFlags()
			return f.UpdatesEnabled || f.UpdatesForced
		},
		IsRegisteredFile: func(name string) bool {
			_, ok := d.reg.File(name)
			return ok
		},
		OnFileReceived: func(name string, data []byte) {
			d.bus.Emit(event.Event{Signal: event.SignalFileReceived, Name: name, Data: data, Size: len(data)})
		},
		OnFirmware: func(image []byte) {
			d.bus.Emit(event.Event{Signal: event.SignalOTAReceived, Data: image, Size: len(image)})
		},
		OnError: func(err error) {
			d.bus.Emit(event.Event{Signal: event.SignalError, Err: err})
		},
		Metrics:       d.config.Metrics,
		LoggerFactory: d.config.LoggerFactory,
	})

	sender := ota.NewSender(ota.SenderConfig{
		Conn: engine,
		OnFileSent: func(name string) {
			d.bus.Emit(event.Event{Signal: event.SignalFileSent, Name: name})
		},
		Metrics:       d.config.Metrics,
		LoggerFactory: d.config.LoggerFactory,
	})

	helloDone := make(chan struct{}, 1)
	dispatcher := rpc.NewDispatcher(rpc.Config{
		Conn:     engine,
		Registry: d.reg,
		Bus:      d.bus,
		Receiver: receiver,
		Sender:   sender,
		Describe: rpc.DescribeInfo{
			PlatformID:      d.config.PlatformID,
			FirmwareVersion: d.config.FirmwareVersionString,
		},
		OnHello: func() {
			select {
			case helloDone <- struct{}{}:
			default:
			}
		},
		LoggerFactory: d.config.LoggerFactory,
	})

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		channel.Close()
		return wire.ErrClosed
	}
	d.channel = channel
	d.engine = engine
	d.mu.Unlock()

	go d.readLoop(channel, engine, dispatcher, lost)

	if err := d.sendHello(engine); err != nil {
		d.teardown(channel, engine, sessionDone)
		return err
	}

	// On TCP the server must answer the Hello within the bound.
	if d.config.ForceTCP {
		select {
		case <-helloDone:
		case <-time.After(d.config.HelloTimeout):
			d.teardown(channel, engine, sessionDone)
			return ErrHelloTimeout
		case err := <-lost:
			d.teardown(channel, engine, sessionDone)
			return err
		}
	}

	d.setState(StateConnected)
	d.config.Metrics.IncConnects()
	d.bus.Emit(event.Event{Signal: event.SignalConnected})

	go d.afterConnect(engine)
	go d.pingLoop(engine, sessionDone)

	err = <-lost
	d.teardown(channel, engine, sessionDone)
	return err
}

// teardown closes the session's channel, cipher state, timers and
// waiters.
func (d *Device) teardown(channel wire.Channel, engine *protocol.Engine, sessionDone chan struct{}) {
	select {
	case <-sessionDone:
	default:
		close(sessionDone)
	}

	d.mu.Lock()
	if d.channel == channel {
		d.channel = nil
		d.engine = nil
	}
	d.mu.Unlock()

	channel.Close()
	engine.Reset(protocol.ErrDisconnected)
}

// dial opens the secure channel for the configured transport variant.
func (d *Device) dial() (wire.Channel, uint16, error) {
	if d.config.Dialer != nil {
		return d.config.Dialer()
	}

	serverKey, err := keys.ParsePublicKey(d.config.serverKeyPEM())
	if err != nil {
		return nil, 0, err
	}

	if d.config.ForceTCP {
		rsaPriv, err := keys.RSAPrivate(d.config.privateKey)
		if err != nil {
			return nil, 0, err
		}
		rsaPub, err := keys.RSAPublic(serverKey)
		if err != nil {
			return nil, 0, err
		}
		ch, err := wire.DialTCP(wire.TCPConfig{
			Addr:          d.config.addr(),
			DeviceID:      d.config.deviceID,
			PrivateKey:    rsaPriv,
			ServerKey:     rsaPub,
			LoggerFactory: d.config.LoggerFactory,
		})
		if err != nil {
			return nil, 0, err
		}
		return ch, ch.InitialMessageID(), nil
	}

	ecPriv, err := keys.ECPrivate(d.config.privateKey)
	if err != nil {
		return nil, 0, err
	}
	ecPub, err := keys.ECPublic(serverKey)
	if err != nil {
		return nil, 0, err
	}
	ch, err := wire.DialDTLS(wire.DTLSConfig{
		Addr:          d.config.addr(),
		DeviceKey:     ecPriv,
		ServerKey:     ecPub,
		LoggerFactory: d.config.LoggerFactory,
	})
	if err != nil {
		return nil, 0, err
	}
	return ch, 0, nil
}

// readLoop pumps inbound frames: multiplexer first, dispatcher for
// unconsumed requests.
func (d *Device) readLoop(channel wire.Channel, engine *protocol.Engine, dispatcher *rpc.Dispatcher, lost chan error) {
	for {
		frame, err := channel.Read()
		if err != nil {
			pushLost(lost, err)
			return
		}

		m, err := coapmsg.Decode(frame)
		if err != nil {
			d.bus.Emit(event.Event{Signal: event.SignalError, Err: err})
			continue
		}

		if engine.HandleInbound(m) {
			continue
		}
		if !m.IsAck() {
			dispatcher.Dispatch(m)
		}
	}
}

// sendHello announces the device identity and capabilities.
func (d *Device) sendHello(engine *protocol.Engine) error {
	flags := byte(HelloFlagDiagnostics | HelloFlagImmediateUpdates)
	if d.currentFlags().OTAUpgradeSuccessful {
		flags |= HelloFlagOTASuccessful
	}

	hello := &coapmsg.Message{
		Type:      message.Confirmable,
		Code:      codes.POST,
		MessageID: engine.NextMessageID(),
		Path:      "/" + coapmsg.UriHello,
		Payload: encodeHello(d.config.ProductID, d.config.ProductFirmwareVersion,
			flags, d.config.PlatformID, d.config.deviceID),
	}
	return engine.Send(hello)
}

// afterConnect replays subscriptions with pacing, requests the cloud
// time, publishes the claim code once, and announces the update flags.
func (d *Device) afterConnect(engine *protocol.Engine) {
	for name, sub := range d.reg.Subscriptions() {
		d.sendSubscribe(engine, name, sub.Scope)
		time.Sleep(SubscriptionPacing)
	}

	d.requestTime(engine)

	d.mu.Lock()
	claim := d.claimCode
	d.claimCode = ""
	d.mu.Unlock()
	if claim != "" {
		if err := d.Publish("iotready/device/claim/code", []byte(claim), PublishOptions{}); err != nil && d.log != nil {
			d.log.Warnf("publishing claim code: %v", err)
		}
	}

	d.publishUpdateFlags()
}

// sendSubscribe sends one confirmable subscription request.
func (d *Device) sendSubscribe(engine *protocol.Engine, name string, scope registry.Scope) {
	m := &coapmsg.Message{
		Type:      message.Confirmable,
		Code:      codes.GET,
		MessageID: engine.NextMessageID(),
		Path:      "/" + coapmsg.UriPublicEvent + "/" + name,
	}
	if scope == registry.ScopeMyDevices {
		m.Queries = []string{"u"}
	}

	if err := engine.SendReliable(m); err != nil {
		d.bus.Emit(event.Event{Signal: event.SignalError, Err: fmt.Errorf("device: subscribing to %q: %w", name, err)})
		return
	}
	d.bus.Emit(event.Event{Signal: event.SignalSubscribe, Name: name})
}

// requestTime sends a GetTime request and emits the answer.
func (d *Device) requestTime(engine *protocol.Engine) {
	msgID := engine.NextMessageID()
	token := []byte{byte(msgID >> 8), byte(msgID)}

	pending := engine.ListenFor(protocol.Filter{
		Kind:  protocol.KindResponse,
		Token: token,
	})

	m := &coapmsg.Message{
		Type:      message.Confirmable,
		Code:      codes.GET,
		MessageID: msgID,
		Token:     token,
		Path:      "/" + coapmsg.UriGetTime,
	}
	if err := engine.Send(m); err != nil {
		pending.Cancel()
		return
	}

	go func() {
		result := <-pending.C
		if result.Err != nil || len(result.Msg.Payload) == 0 {
			return
		}
		// The payload is a big-endian integer of epoch seconds.
		var epoch int64
		for _, b := range result.Msg.Payload {
			epoch = epoch<<8 | int64(b)
		}
		d.bus.Emit(event.Event{Signal: event.SignalTime, Epoch: epoch})
	}()
}

// pingLoop sends the periodic keepalive until the session ends.
func (d *Device) pingLoop(engine *protocol.Engine, sessionDone chan struct{}) {
	for {
		timer := time.NewTimer(d.currentKeepalive())
		select {
		case <-sessionDone:
			timer.Stop()
			return
		case <-timer.C:
		}

		ping := &coapmsg.Message{
			Type:      message.Confirmable,
			Code:      codes.Empty,
			MessageID: engine.NextMessageID(),
		}
		d.config.Metrics.IncPings()
		if err := engine.SendReliable(ping); err != nil {
			// SendReliable reported the broken session already.
			return
		}
	}
}

// currentEngine returns the session engine, or nil when disconnected.
func (d *Device) currentEngine() *protocol.Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine
}

func (d *Device) currentKeepalive() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keepalive
}

func (d *Device) currentFlags() storage.Flags {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Device) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// pushLost records the first session error without blocking.
func pushLost(lost chan error, err error) {
	select {
	case lost <- err:
	default:
	}
}
