package watcher

import (
	"context"
	"sync"

	"github.com/tphakala/birdcam-go/internal/datastore"
	"github.com/tphakala/birdcam-go/internal/errors"
)

// FileState is the position of a watched file in its lifecycle:
//
//	Discovered -> Stabilizing -> Processing -> Stored
//	                                        -> Failed (attempts left) -> Processing
//	                                        -> Discarded
type FileState int

const (
	StateDiscovered FileState = iota
	StateStabilizing
	StateProcessing
	StateStored
	StateFailed
	StateDiscarded
)

func (s FileState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateStabilizing:
		return "stabilizing"
	case StateProcessing:
		return "processing"
	case StateStored:
		return "stored"
	case StateFailed:
		return "failed"
	case StateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow
func (s FileState) Terminal() bool {
	return s == StateStored || s == StateDiscarded
}

// StateStore persists handled file identities. *datastore.DataStore
// implements it; MemoryState keeps them for the lifetime of the process.
type StateStore = datastore.WatchStateStore

// MemoryState is an in-memory StateStore
type MemoryState struct {
	mu      sync.Mutex
	entries map[datastore.FileIdentity]memoryEntry
}

type memoryEntry struct {
	status   string
	attempts int
}

// NewMemoryState returns an empty in-memory state store
func NewMemoryState() *MemoryState {
	return &MemoryState{entries: make(map[datastore.FileIdentity]memoryEntry)}
}

// HasFile reports whether id was stored or discarded
func (m *MemoryState) HasFile(_ context.Context, id datastore.FileIdentity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return ok && e.status != datastore.WatchStatusFailed, nil
}

// MarkFile records the status of id
func (m *MemoryState) MarkFile(_ context.Context, id datastore.FileIdentity, status string, attempts int) error {
	switch status {
	case datastore.WatchStatusStored, datastore.WatchStatusDiscarded, datastore.WatchStatusFailed:
	default:
		return errors.ValidationError("unknown watch status " + status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = memoryEntry{status: status, attempts: attempts}
	return nil
}

// FileAttempts returns the recorded attempts for id
func (m *MemoryState) FileAttempts(_ context.Context, id datastore.FileIdentity) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[id].attempts, nil
}

// Status returns the recorded status of id, for tests and diagnostics
func (m *MemoryState) Status(id datastore.FileIdentity) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e.status, ok
}
