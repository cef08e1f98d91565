// Package storage provides bbolt-backed persistence for node state that
// must survive a restart: last-known machine states, the event ring-buffer
// checkpoint, and the per-task directory index. Each concern gets its own
// bucket in a single database file; values are JSON-encoded.
package storage
