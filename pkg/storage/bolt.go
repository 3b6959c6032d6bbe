package storage

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevice = []byte("device")
	keyFlags     = []byte("flags")
	keyOwners    = []byte("owners")
)

// Bolt is a bbolt-backed Storage implementation for devices with a
// writable filesystem.
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens (or creates) the database file at path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDevice)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: creating bucket: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// LoadFlags returns the persisted flags, or zero flags when unset.
func (b *Bolt) LoadFlags() (Flags, error) {
	var flags Flags
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevice).Get(keyFlags)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &flags)
	})
	if err != nil {
		return Flags{}, fmt.Errorf("storage: loading flags: %w", err)
	}
	return flags, nil
}

// SaveFlags stores the flags.
func (b *Bolt) SaveFlags(f Flags) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("storage: encoding flags: %w", err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevice).Put(keyFlags, data)
	})
	if err != nil {
		return fmt.Errorf("storage: saving flags: %w", err)
	}
	return nil
}

// LoadOwners returns the persisted owners list.
func (b *Bolt) LoadOwners() ([]string, error) {
	var owners []string
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevice).Get(keyOwners)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &owners)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: loading owners: %w", err)
	}
	return owners, nil
}

// SaveOwners stores the owners list.
func (b *Bolt) SaveOwners(owners []string) error {
	data, err := json.Marshal(owners)
	if err != nil {
		return fmt.Errorf("storage: encoding owners: %w", err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevice).Put(keyOwners, data)
	})
	if err != nil {
		return fmt.Errorf("storage: saving owners: %w", err)
	}
	return nil
}
