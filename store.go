package patches

import (
	"context"
	"encoding/json"
)

// Store is the persistence contract of §6.1: tracked-doc metadata,
// base state, and the pending queue. It is the only shared mutable
// state between the doc manager and the sync engine (§5); both reach
// it only through this interface. Every method may fail with a
// *StoreError. Concrete implementations live in subpackages (memstore,
// mongostore) since the core must not depend on a particular backend.
type Store interface {
	// TrackDocs begins tracking ids, idempotently, reactivating any
	// tombstone. algorithm names the strategy newly tracked ids are
	// bound to; already-tracked ids keep their existing binding.
	TrackDocs(ctx context.Context, ids []string, algorithm string) error

	// UntrackDocs removes all local data for ids. Non-collaborative:
	// it does not notify the server.
	UntrackDocs(ctx context.Context, ids []string) error

	// ListDocs enumerates tracked-doc records, including tombstones
	// when includeDeleted is true.
	ListDocs(ctx context.Context, includeDeleted bool) ([]TrackedDoc, error)

	// GetDoc returns the current snapshot, or ok=false if id is not tracked.
	GetDoc(ctx context.Context, id string) (snap Snapshot, ok bool, err error)

	// GetCommittedRev returns the last confirmed revision, or 0 if
	// none has been recorded yet.
	GetCommittedRev(ctx context.Context, id string) (int64, error)

	// GetPendingChanges returns the ordered pending queue for id.
	GetPendingChanges(ctx context.Context, id string) ([]Change, error)

	// SaveDoc overwrites the base state and revision metadata for id.
	SaveDoc(ctx context.Context, id string, state json.RawMessage, rev int64) error

	// SavePendingChanges replaces the pending queue for id.
	SavePendingChanges(ctx context.Context, id string, changes []Change) error

	// ApplyServerChanges is the atomic composite operation of §5:
	// advance committedRev to serverChanges' last rev, overwrite base
	// state by applying serverChanges to it, and replace the pending
	// queue with rebasedPending — all as one atomic step from any
	// reader's point of view. A failure leaves committedRev and the
	// pending queue unchanged.
	ApplyServerChanges(ctx context.Context, id string, serverChanges []Change, rebasedPending []Change) error

	// DeleteDoc sets the tombstone flag for id.
	DeleteDoc(ctx context.Context, id string) error

	// ConfirmDeleteDoc removes all trace of id once the server has
	// confirmed the deletion.
	ConfirmDeleteDoc(ctx context.Context, id string) error

	// Close flushes and releases any resources the store holds.
	Close() error
}
