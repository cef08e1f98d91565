package storage

import (
	"fmt"

	"github.com/cert-ee/cuckoonode/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// MachineStateStore persists each machine's last-known state so the node
// can recover after a restart. Keyed by machine name.
type MachineStateStore struct {
	db *bolt.DB
}

// Save records state as the last-known state of machine.
func (s *MachineStateStore) Save(machine string, state types.MachineState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMachineStates)
		return b.Put([]byte(machine), []byte(state))
	})
}

// LoadAll returns every persisted machine name -> last-known state.
func (s *MachineStateStore) LoadAll() (map[string]types.MachineState, error) {
	out := make(map[string]types.MachineState)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMachineStates)
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = types.MachineState(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage: load machine states: %w", err)
	}
	return out, nil
}

// Delete removes a machine's persisted state, e.g. when it is unregistered.
func (s *MachineStateStore) Delete(machine string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMachineStates).Delete([]byte(machine))
	})
}

