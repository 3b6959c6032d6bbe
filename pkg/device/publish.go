package device

import (
	"fmt"

	"github.com/iotready/device/pkg/coapmsg"
	"github.com/iotready/device/pkg/event"
	"github.com/iotready/device/pkg/registry"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// PublishOptions modify how an event is published.
type PublishOptions struct {
	// Public sends the event on the public stream ("e") instead of the
	// private stream ("E").
	Public bool

	// WithAck forces a confirmable publish on TCP, where the default is
	// non-confirmable.
	WithAck bool

	// NoAck forces a non-confirmable publish on UDP, where the default
	// is confirmable.
	NoAck bool
}

// Post registers a function the cloud can call. Returns false if the
// name exceeds the limit or the registry is full.
func (d *Device) Post(name string, handler registry.FunctionHandler, flags registry.FunctionFlags) bool {
	return d.reg.AddFunction(name, handler, flags)
}

// Get registers a variable the cloud can read.
func (d *Device) Get(name string, typ registry.VarType, handler registry.VariableHandler) bool {
	return d.reg.AddVariable(name, typ, handler)
}

// File registers a file the cloud can request.
func (d *Device) File(name, mimeType string, handler registry.FileHandler) bool {
	return d.reg.AddFile(name, mimeType, handler)
}

// Subscribe registers a handler for cloud events whose name starts
// with the given prefix. When connected, the subscription is sent to
// the cloud immediately; otherwise it is replayed after connect.
func (d *Device) Subscribe(name string, handler registry.SubscriptionHandler, scope registry.Scope) bool {
	if !d.reg.AddSubscription(name, handler, scope) {
		return false
	}
	if engine := d.currentEngine(); engine != nil {
		go d.sendSubscribe(engine, name, scope)
	}
	return true
}

// Unsubscribe removes a subscription handler.
func (d *Device) Unsubscribe(name string) {
	d.reg.RemoveSubscription(name)
}

// Publish sends a device event to the cloud. Confirmability defaults
// to the transport variant: confirmable on UDP unless NoAck, and
// non-confirmable on TCP unless WithAck. For confirmable events the
// call blocks until the acknowledgement (or retransmission failure)
// and emits publishCompleted.
func (d *Device) Publish(name string, data []byte, opts PublishOptions) error {
	engine := d.currentEngine()
	if engine == nil {
		return ErrNotConnected
	}

	uri := coapmsg.UriPrivateEvent
	if opts.Public {
		uri = coapmsg.UriPublicEvent
	}

	confirmable := !opts.NoAck
	if d.config.ForceTCP {
		confirmable = opts.WithAck
	}

	typ := message.NonConfirmable
	if confirmable {
		typ = message.Confirmable
	}

	m := &coapmsg.Message{
		Type:      typ,
		Code:      codes.POST,
		MessageID: engine.NextMessageID(),
		Path:      "/" + uri + "/" + name,
		Payload:   data,
	}

	// Reserved-prefix events go to the cloud but are not echoed on the
	// application publish signal.
	if !event.IsReservedName(name) {
		d.bus.Emit(event.Event{Signal: event.SignalPublish, Name: name, Data: data})
	}
	d.config.Metrics.IncEventsPublished(confirmable)

	if !confirmable {
		return engine.Send(m)
	}

	err := engine.SendReliable(m)
	d.bus.Emit(event.Event{Signal: event.SignalPublishCompleted, Name: name, Success: err == nil})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

// EnableUpdates allows firmware OTA transfers and announces the new
// state to the cloud.
func (d *Device) EnableUpdates() {
	d.setUpdatesEnabled(true)
}

// DisableUpdates refuses firmware OTA transfers (unless forced) and
// announces the new state to the cloud.
func (d *Device) DisableUpdates() {
	d.setUpdatesEnabled(false)
}

// UpdatesEnabled reports whether firmware OTA transfers are allowed.
func (d *Device) UpdatesEnabled() bool {
	return d.currentFlags().UpdatesEnabled
}

// UpdatesPending reports whether the cloud has announced a pending
// update.
func (d *Device) UpdatesPending() bool {
	return d.currentFlags().UpdatesPending
}

// UpdatesForced reports whether the cloud has forced updates on.
func (d *Device) UpdatesForced() bool {
	return d.currentFlags().UpdatesForced
}

func (d *Device) setUpdatesEnabled(enabled bool) {
	d.mu.Lock()
	changed := d.flags.UpdatesEnabled != enabled
	d.flags.UpdatesEnabled = enabled
	flags := d.flags
	d.mu.Unlock()

	if !changed {
		return
	}
	if err := d.store.SaveFlags(flags); err != nil && d.log != nil {
		d.log.Warnf("saving flags: %v", err)
	}
	if d.Connected() {
		go d.publishUpdateFlags()
	}
}

// publishUpdateFlags announces the updates-enabled and updates-forced
// states as system events.
func (d *Device) publishUpdateFlags() {
	flags := d.currentFlags()
	d.publishFlag(systemPrefix+"/device/updates/enabled", flags.UpdatesEnabled)
	d.publishFlag(systemPrefix+"/device/updates/forced", flags.UpdatesForced)
}

func (d *Device) publishFlag(name string, value bool) {
	payload := []byte("false")
	if value {
		payload = []byte("true")
	}
	if err := d.Publish(name, payload, PublishOptions{}); err != nil && d.log != nil {
		d.log.Debugf("publishing %s: %v", name, err)
	}
}
