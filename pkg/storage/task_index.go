package storage

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// TaskIndexEntry records where a task's result directory lives and whether
// it ever reached a terminal state, so a restart can tell a crashed task
// (no terminal event recorded) from one that finished normally before the
// crash: any task with no terminal event recorded is treated as failed.
type TaskIndexEntry struct {
	TaskID   string `json:"task_id"`
	Dir      string `json:"dir"`
	Terminal bool   `json:"terminal"`
}

// TaskIndexStore persists the task-directory index.
type TaskIndexStore struct {
	db *bolt.DB
}

// Put inserts or updates a task's index entry.
func (s *TaskIndexStore) Put(entry TaskIndexEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("storage: marshal task index entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaskIndex).Put([]byte(entry.TaskID), data)
	})
}

// MarkTerminal flips an entry's Terminal flag, called when a task flow
// reaches DONE or FAILED.
func (s *TaskIndexStore) MarkTerminal(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskIndex)
		data := b.Get([]byte(taskID))
		if data == nil {
			return fmt.Errorf("storage: unknown task %s", taskID)
		}
		var entry TaskIndexEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		entry.Terminal = true
		out, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(taskID), out)
	})
}

// ListNonTerminal returns every task whose entry was never marked terminal,
// i.e. tasks that were in flight when the node last stopped.
func (s *TaskIndexStore) ListNonTerminal() ([]TaskIndexEntry, error) {
	var out []TaskIndexEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaskIndex).ForEach(func(k, v []byte) error {
			var entry TaskIndexEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if !entry.Terminal {
				out = append(out, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list task index: %w", err)
	}
	return out, nil
}
