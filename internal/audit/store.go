package audit

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfRange is returned by Store.At for a position past the end.
var ErrOutOfRange = errors.New("position out of range")

// Store is the append-only Event Store. Positions are zero-based and dense.
//
// Implementations must make Append all-or-nothing and must never change an
// event once committed. Append is only ever called by Log, which serializes
// writers; reads may run concurrently with each other and with Append.
type Store interface {
	// Append commits a finalized event at position Len().
	Append(e Event) error
	// Len returns the number of committed events.
	Len() int
	// At returns the event at pos.
	At(pos int) (Event, error)
	// Snapshot returns every committed event in position order. The slice
	// must not be modified.
	Snapshot() ([]Event, error)
	Close() error
}

// MemoryStore is an arena-style Store: a growable slice with O(1) append and
// O(1) indexed reads. Snapshots share the committed prefix of the backing
// array; committed elements are never written again, and growth reallocates,
// so a snapshot stays valid while appends continue.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// NewMemoryStoreFrom returns a store preloaded with events, used by durable
// backends that keep their committed events in memory.
func NewMemoryStoreFrom(events []Event) *MemoryStore {
	return &MemoryStore{events: events}
}

func (s *MemoryStore) Append(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemoryStore) At(pos int) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos < 0 || pos >= len(s.events) {
		return Event{}, fmt.Errorf("%w: %d (len %d)", ErrOutOfRange, pos, len(s.events))
	}
	return s.events[pos], nil
}

func (s *MemoryStore) Snapshot() ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.events)
	return s.events[:n:n], nil
}

func (s *MemoryStore) Close() error { return nil }
