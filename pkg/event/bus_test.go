package event

import "testing"

func TestBusDelivery(t *testing.T) {
	b := NewBus()

	var got []Signal
	b.On(SignalConnected, func(ev Event) { got = append(got, ev.Signal) })
	b.On(SignalError, func(ev Event) { got = append(got, ev.Signal) })

	b.Emit(Event{Signal: SignalConnected})
	b.Emit(Event{Signal: SignalTime}) // no handler registered
	b.Emit(Event{Signal: SignalError})

	if len(got) != 2 || got[0] != SignalConnected || got[1] != SignalError {
		t.Errorf("delivered = %v, want [connected error]", got)
	}
}

func TestBusOnAny(t *testing.T) {
	b := NewBus()

	count := 0
	b.OnAny(func(ev Event) { count++ })
	b.On(SignalConnected, func(ev Event) { count++ })

	b.Emit(Event{Signal: SignalConnected})
	b.Emit(Event{Signal: SignalDisconnect})

	if count != 3 {
		t.Errorf("handler invocations = %d, want 3", count)
	}
}

func TestIsReservedName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"iotready/device/reset", true},
		{"iotready", true},
		{"trackle/device/owners", true},
		{"temperature", false},
		{"my/iotready", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsReservedName(tt.name); got != tt.want {
				t.Errorf("IsReservedName(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestSignalString(t *testing.T) {
	if SignalIndicate.String() != "signal" {
		t.Errorf("SignalIndicate = %q, want signal", SignalIndicate.String())
	}
	if SignalPublishCompleted.String() != "publishCompleted" {
		t.Errorf("SignalPublishCompleted = %q, want publishCompleted", SignalPublishCompleted.String())
	}
}
