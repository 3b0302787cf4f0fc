// Package store persists per-(device, geofence) evaluation state for callers
// that opt into server-side state handling. The engine itself stays
// stateless; this store is the serving layer acting as the state's owner.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/perimeterhq/perimeter/pkg/geofence"
	"github.com/perimeterhq/perimeter/pkg/logx"
)

// StateBucket is the top-level bbolt bucket holding geofence states
const StateBucket = "geofence_state"

// Config holds state store configuration
type Config struct {
	Path        string        `json:"path"`
	OpenTimeout time.Duration `json:"open_timeout"`
}

// DefaultConfig returns the default state store configuration
func DefaultConfig() *Config {
	return &Config{
		Path:        "/var/lib/perimeter/state.db",
		OpenTimeout: 5 * time.Second,
	}
}

// StateStore is a bbolt-backed GeofenceState store keyed by device and
// geofence id
type StateStore struct {
	db     *bolt.DB
	config *Config
	logger *logx.Logger
}

// NewStateStore opens (creating if needed) the state database
func NewStateStore(config *Config, logger *logx.Logger) (*StateStore, error) {
	if config == nil {
		config = DefaultConfig()
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{Timeout: config.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	store := &StateStore{db: db, config: config, logger: logger}

	if err := store.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state buckets: %w", err)
	}

	if logger != nil {
		logger.Info("state_store_opened", "path", config.Path)
	}
	return store, nil
}

func (s *StateStore) initializeBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(StateBucket)); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", StateBucket, err)
		}
		return nil
	})
}

func stateKey(deviceID, geofenceID string) []byte {
	return []byte(deviceID + "/" + geofenceID)
}

// Get loads the prior state for a device/geofence pair. Returns (nil, nil)
// when no state has been stored yet.
func (s *StateStore) Get(deviceID, geofenceID string) (*geofence.State, error) {
	var state *geofence.State

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StateBucket))
		if bucket == nil {
			return fmt.Errorf("state bucket not found")
		}

		data := bucket.Get(stateKey(deviceID, geofenceID))
		if data == nil {
			return nil // no prior state
		}

		var decoded geofence.State
		if err := json.Unmarshal(data, &decoded); err != nil {
			return fmt.Errorf("failed to decode state: %w", err)
		}
		state = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// GetAll loads every stored state for a device, keyed by geofence id
func (s *StateStore) GetAll(deviceID string) (map[string]geofence.State, error) {
	states := make(map[string]geofence.State)
	prefix := []byte(deviceID + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StateBucket))
		if bucket == nil {
			return fmt.Errorf("state bucket not found")
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = cursor.Next() {
			var decoded geofence.State
			if err := json.Unmarshal(v, &decoded); err != nil {
				continue // skip corrupt entries, they get overwritten
			}
			states[string(k[len(prefix):])] = decoded
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// Put stores the updated state for a device/geofence pair
func (s *StateStore) Put(deviceID, geofenceID string, state geofence.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StateBucket))
		if bucket == nil {
			return fmt.Errorf("state bucket not found")
		}
		return bucket.Put(stateKey(deviceID, geofenceID), data)
	})
}

// PutAll stores a batch of updated states for a device in one transaction
func (s *StateStore) PutAll(deviceID string, states map[string]geofence.State) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StateBucket))
		if bucket == nil {
			return fmt.Errorf("state bucket not found")
		}
		for geofenceID, state := range states {
			data, err := json.Marshal(state)
			if err != nil {
				return fmt.Errorf("failed to encode state for %s: %w", geofenceID, err)
			}
			if err := bucket.Put(stateKey(deviceID, geofenceID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes the state for one device/geofence pair
func (s *StateStore) Delete(deviceID, geofenceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StateBucket))
		if bucket == nil {
			return fmt.Errorf("state bucket not found")
		}
		return bucket.Delete(stateKey(deviceID, geofenceID))
	})
}

// DeleteDevice removes every state stored for a device, used when tracking
// ends
func (s *StateStore) DeleteDevice(deviceID string) error {
	prefix := []byte(deviceID + "/")
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StateBucket))
		if bucket == nil {
			return fmt.Errorf("state bucket not found")
		}

		cursor := bucket.Cursor()
		var keys [][]byte
		for k, _ := cursor.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database
func (s *StateStore) Close() error {
	if s.logger != nil {
		s.logger.Debug("state_store_closed", "path", s.config.Path)
	}
	return s.db.Close()
}
