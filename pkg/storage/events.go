package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cert-ee/cuckoonode/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// EventStore persists a checkpoint of the event stream's ring buffer so a
// restart doesn't lose recent history needed for Last-Event-Id replay.
// It is a checkpoint, not the live stream's source of truth: pkg/node keeps
// the authoritative in-memory ring buffer, and an EventStream given an
// EventStore writes the last id and ring through here on every Publish.
type EventStore struct {
	db *bolt.DB
}

var checkpointKey = []byte("checkpoint")

// SaveCheckpoint overwrites the persisted ring-buffer snapshot.
func (s *EventStore) SaveCheckpoint(events []types.Event) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("storage: marshal event checkpoint: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).Put(checkpointKey, data)
	})
}

// LoadCheckpoint returns the last persisted ring-buffer snapshot, or nil if
// none has been saved yet.
func (s *EventStore) LoadCheckpoint() ([]types.Event, error) {
	var events []types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get(checkpointKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &events)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: load event checkpoint: %w", err)
	}
	return events, nil
}

var lastIDKey = []byte("last_id")

// SaveLastID persists the highest event id issued so far, so a restart
// resumes the monotonic sequence instead of restarting it: an event id
// must never repeat.
func (s *EventStore) SaveLastID(id uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).Put(lastIDKey, buf)
	})
}

// LoadLastID returns the last persisted event id, or 0 if none was saved.
func (s *EventStore) LoadLastID() (uint64, error) {
	var id uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketEvents).Get(lastIDKey)
		if len(buf) != 8 {
			return nil
		}
		id = binary.BigEndian.Uint64(buf)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: load last event id: %w", err)
	}
	return id, nil
}
