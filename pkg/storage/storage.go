// Package storage abstracts the small amount of device state that
// survives restarts: the update-control flags and the cloud-asserted
// owners list. Sessions themselves are never persisted.
package storage

// Flags holds the persisted update-control state.
type Flags struct {
	// UpdatesEnabled mirrors enableUpdates()/disableUpdates().
	UpdatesEnabled bool

	// UpdatesForced is set by the cloud updates/forced system event.
	UpdatesForced bool

	// UpdatesPending is set by the cloud updates/pending system event.
	UpdatesPending bool

	// OTAUpgradeSuccessful feeds the Hello flags byte. The host
	// application sets it after booting new firmware.
	OTAUpgradeSuccessful bool
}

// Storage persists device flags and owners.
// Implementations can use files, databases, or in-memory storage.
//
// All methods must be safe for concurrent use.
type Storage interface {
	// LoadFlags returns the persisted flags, or zero flags when none
	// were stored yet.
	LoadFlags() (Flags, error)

	// SaveFlags stores the flags.
	SaveFlags(Flags) error

	// LoadOwners returns the persisted owners list.
	LoadOwners() ([]string, error)

	// SaveOwners stores the owners list.
	SaveOwners([]string) error
}
