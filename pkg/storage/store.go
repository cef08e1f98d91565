package storage

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMachineStates = []byte("machine_states")
	bucketEvents         = []byte("events")
	bucketTaskIndex      = []byte("task_index")
)

// Store opens a single bbolt database file that backs MachineStateStore,
// EventStore, and TaskIndexStore. The three are thin views over the same
// handle so the node only ever opens one file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the node's state database under
// dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "cuckoonode.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMachineStates, bucketEvents, bucketTaskIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// MachineStates returns the MachineStateStore view over this database.
func (s *Store) MachineStates() *MachineStateStore {
	return &MachineStateStore{db: s.db}
}

// Events returns the EventStore view over this database.
func (s *Store) Events() *EventStore {
	return &EventStore{db: s.db}
}

// TaskIndex returns the TaskIndexStore view over this database.
func (s *Store) TaskIndex() *TaskIndexStore {
	return &TaskIndexStore{db: s.db}
}
