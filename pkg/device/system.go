package device

import (
	"strings"

	"github.com/iotready/device/pkg/event"
)

// System event names under the reserved prefix.
const (
	systemEventReset          = systemPrefix + "/device/reset"
	systemEventUpdatesForced  = systemPrefix + "/device/updates/forced"
	systemEventUpdatesPending = systemPrefix + "/device/updates/pending"
	systemEventOwners         = systemPrefix + "/device/owners"
)

// handleSystemEvent interprets device-control events delivered on the
// reserved system prefix.
func (d *Device) handleSystemEvent(name string, payload []byte) {
	switch name {
	case systemEventReset:
		switch string(payload) {
		case "dfu":
			d.bus.Emit(event.Event{Signal: event.SignalDFU})
		case "safe mode":
			d.bus.Emit(event.Event{Signal: event.SignalSafeMode})
		case "reboot":
			d.bus.Emit(event.Event{Signal: event.SignalReboot})
		}

	case systemEventUpdatesForced:
		forced := string(payload) == "true"

		d.mu.Lock()
		changed := d.flags.UpdatesForced != forced
		d.flags.UpdatesForced = forced
		flags := d.flags
		d.mu.Unlock()

		if !changed {
			return
		}
		if err := d.store.SaveFlags(flags); err != nil && d.log != nil {
			d.log.Warnf("saving flags: %v", err)
		}
		d.bus.Emit(event.Event{Signal: event.SignalFirmwareUpdateForced, On: forced})
		go d.publishFlag(systemEventUpdatesForced, forced)

	case systemEventUpdatesPending:
		d.mu.Lock()
		newlyPending := !d.flags.UpdatesPending
		d.flags.UpdatesPending = true
		flags := d.flags
		d.mu.Unlock()

		if !newlyPending {
			return
		}
		if err := d.store.SaveFlags(flags); err != nil && d.log != nil {
			d.log.Warnf("saving flags: %v", err)
		}
		d.bus.Emit(event.Event{Signal: event.SignalFirmwareUpdatePending, On: true})
		go func() {
			if err := d.Publish(systemEventUpdatesPending+"/ack", nil, PublishOptions{}); err != nil && d.log != nil {
				d.log.Debugf("acking pending update: %v", err)
			}
		}()

	case systemEventOwners:
		owners := strings.Split(string(payload), ",")
		for i := range owners {
			owners[i] = strings.TrimSpace(owners[i])
		}
		d.reg.SetOwners(owners)
		if err := d.store.SaveOwners(owners); err != nil && d.log != nil {
			d.log.Warnf("saving owners: %v", err)
		}
	}
}
