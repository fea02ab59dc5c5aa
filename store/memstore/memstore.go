// Package memstore is an in-memory patches.Store for tests and
// single-process embedding, grounded on nodestorage/v2/cache.MemoryCache's
// map-plus-RWMutex shape (§11): no persistence across restarts, every
// method safe for concurrent use.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"patches"
)

type record struct {
	doc       patches.TrackedDoc
	state     json.RawMessage
	pending   []patches.Change
	committed int64
}

// Store is an in-memory patches.Store implementation.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
}

// New constructs an empty Store.
func New() *Store {
	return &Store{records: make(map[string]*record)}
}

func (s *Store) TrackDocs(ctx context.Context, ids []string, algorithm string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		r, ok := s.records[id]
		if !ok {
			s.records[id] = &record{
				doc:   patches.TrackedDoc{DocID: id, Algorithm: algorithm},
				state: json.RawMessage("{}"),
			}
			continue
		}
		r.doc.Deleted = false
	}
	return nil
}

func (s *Store) UntrackDocs(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *Store) ListDocs(ctx context.Context, includeDeleted bool) ([]patches.TrackedDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]patches.TrackedDoc, 0, len(s.records))
	for _, r := range s.records {
		if r.doc.Deleted && !includeDeleted {
			continue
		}
		out = append(out, r.doc)
	}
	return out, nil
}

func (s *Store) GetDoc(ctx context.Context, id string) (patches.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return patches.Snapshot{}, false, nil
	}
	return patches.Snapshot{
		State:   cloneBytes(r.state),
		Rev:     r.committed,
		Changes: patches.CloneChanges(r.pending),
	}, true, nil
}

func (s *Store) GetCommittedRev(ctx context.Context, id string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return 0, nil
	}
	return r.committed, nil
}

func (s *Store) GetPendingChanges(ctx context.Context, id string) ([]patches.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return patches.CloneChanges(r.pending), nil
}

func (s *Store) SaveDoc(ctx context.Context, id string, state json.RawMessage, rev int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", patches.ErrNotTracked, id)
	}
	r.state = cloneBytes(state)
	r.committed = rev
	r.doc.CommittedRev = rev
	return nil
}

func (s *Store) SavePendingChanges(ctx context.Context, id string, changes []patches.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", patches.ErrNotTracked, id)
	}
	r.pending = patches.CloneChanges(changes)
	return nil
}

// ApplyServerChanges is the atomic composite operation of §6.1: under
// one lock acquisition, advance committedRev, fold serverChanges into
// the base state, and replace the pending queue.
func (s *Store) ApplyServerChanges(ctx context.Context, id string, serverChanges []patches.Change, rebasedPending []patches.Change) error {
	if len(serverChanges) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", patches.ErrNotTracked, id)
	}
	newState, err := patches.ApplyChanges(r.state, serverChanges)
	if err != nil {
		return fmt.Errorf("memstore: applying server changes to %s: %w", id, err)
	}
	r.state = newState
	r.committed = serverChanges[len(serverChanges)-1].Rev
	r.doc.CommittedRev = r.committed
	r.pending = patches.CloneChanges(rebasedPending)
	return nil
}

func (s *Store) DeleteDoc(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", patches.ErrNotTracked, id)
	}
	r.doc.Deleted = true
	return nil
}

func (s *Store) ConfirmDeleteDoc(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *Store) Close() error { return nil }

func cloneBytes(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
