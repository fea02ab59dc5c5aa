package patches

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultAlgorithm names the strategy newly tracked docs are bound to
// when TrackDocs is called without an explicit one.
const DefaultAlgorithm = "ot"

// Patches is the doc manager of component E: it owns the tracked set,
// lazily opens and closes Replicas, and fans out the four signals the
// sync engine reacts to. It is the exclusive owner of every open
// Replica; the sync engine only ever looks one up by id and calls
// replica-owned methods.
type Patches struct {
	store      Store
	strategies map[string]Strategy
	logger     *zap.Logger

	mu          sync.Mutex
	tracked     map[string]TrackedDoc
	open        map[string]*Replica
	openUnsub   map[string]Unsubscribe
	loading     map[string]chan struct{}
	loadResults map[string]error

	onTrackDocs   Signal[[]string]
	onUntrackDocs Signal[[]string]
	onDeleteDoc   Signal[string]
	onChange      Signal[string]
}

// Option configures a Patches doc manager.
type Option func(*Patches)

// WithLogger overrides the manager's logger (default: zap.NewNop()).
func WithLogger(logger *zap.Logger) Option {
	return func(p *Patches) { p.logger = logger }
}

// WithStrategy registers a Strategy under its Name() for later binding
// via TrackedDoc.Algorithm. NewPatches pre-registers "ot" and "lww".
func WithStrategy(s Strategy) Option {
	return func(p *Patches) { p.strategies[s.Name()] = s }
}

// NewPatches constructs a doc manager over store, loading the existing
// tracked set (including tombstones) so a restarted process recognizes
// docs tracked in a prior session (P1).
func NewPatches(ctx context.Context, store Store, opts ...Option) (*Patches, error) {
	p := &Patches{
		store:       store,
		strategies:  map[string]Strategy{},
		logger:      zap.NewNop(),
		tracked:     map[string]TrackedDoc{},
		open:        map[string]*Replica{},
		openUnsub:   map[string]Unsubscribe{},
		loading:     map[string]chan struct{}{},
		loadResults: map[string]error{},
	}
	p.strategies[NewOTStrategy().Name()] = NewOTStrategy()
	p.strategies[NewLWWStrategy().Name()] = NewLWWStrategy()
	for _, opt := range opts {
		opt(p)
	}

	docs, err := store.ListDocs(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("patches: loading tracked docs: %w", err)
	}
	for _, d := range docs {
		p.tracked[d.DocID] = d
	}
	return p, nil
}

// OnTrackDocs subscribes to the signal emitted when previously-untracked
// ids begin being tracked.
func (p *Patches) OnTrackDocs(fn func(ids []string)) Unsubscribe { return p.onTrackDocs.Subscribe(fn) }

// OnUntrackDocs subscribes to the signal emitted when tracked ids are removed.
func (p *Patches) OnUntrackDocs(fn func(ids []string)) Unsubscribe {
	return p.onUntrackDocs.Subscribe(fn)
}

// OnDeleteDoc subscribes to the signal emitted when a doc is locally deleted.
func (p *Patches) OnDeleteDoc(fn func(id string)) Unsubscribe { return p.onDeleteDoc.Subscribe(fn) }

// OnChange subscribes to the signal emitted after every local change is
// persisted to the store.
func (p *Patches) OnChange(fn func(id string)) Unsubscribe { return p.onChange.Subscribe(fn) }

// ListDocs enumerates tracked-doc records, consulting the store (the
// manager's in-memory cache exists only to decide signal idempotence).
func (p *Patches) ListDocs(ctx context.Context, includeDeleted bool) ([]TrackedDoc, error) {
	return p.store.ListDocs(ctx, includeDeleted)
}

// TrackDocs begins tracking ids. Idempotent per id: ids already tracked
// are left with their existing algorithm binding and do not appear in
// the onTrackDocs emission (P6). Switching a tracked doc to another
// algorithm takes UntrackDocs followed by TrackDocs.
func (p *Patches) TrackDocs(ctx context.Context, ids []string, algorithm string) error {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	if _, ok := p.strategies[algorithm]; !ok {
		return fmt.Errorf("patches: unknown algorithm %q", algorithm)
	}

	p.mu.Lock()
	var newIDs []string
	for _, id := range ids {
		if _, already := p.tracked[id]; !already {
			newIDs = append(newIDs, id)
		}
	}
	p.mu.Unlock()

	if err := p.store.TrackDocs(ctx, ids, algorithm); err != nil {
		return &StoreError{Op: "TrackDocs", Cause: err}
	}

	p.mu.Lock()
	for _, id := range ids {
		rec := p.tracked[id]
		rec.DocID = id
		rec.Deleted = false
		if _, already := p.tracked[id]; !already {
			rec.Algorithm = algorithm
		}
		p.tracked[id] = rec
	}
	p.mu.Unlock()

	if len(newIDs) > 0 {
		p.onTrackDocs.Emit(newIDs)
	}
	return nil
}

// UntrackDocs removes all local data for ids, closing any open replica
// first. Ids that were never tracked are silently ignored and do not
// appear in the onUntrackDocs emission.
func (p *Patches) UntrackDocs(ctx context.Context, ids []string) error {
	p.mu.Lock()
	var actuallyTracked []string
	for _, id := range ids {
		if _, ok := p.tracked[id]; ok {
			actuallyTracked = append(actuallyTracked, id)
		}
	}
	p.mu.Unlock()
	if len(actuallyTracked) == 0 {
		return nil
	}

	for _, id := range actuallyTracked {
		p.CloseDoc(id)
	}

	if err := p.store.UntrackDocs(ctx, actuallyTracked); err != nil {
		return &StoreError{Op: "UntrackDocs", Cause: err}
	}

	p.mu.Lock()
	for _, id := range actuallyTracked {
		delete(p.tracked, id)
	}
	p.mu.Unlock()

	p.onUntrackDocs.Emit(actuallyTracked)
	return nil
}

// DeleteDoc marks id deleted (a tombstone, §I6) and closes its replica
// if open, then emits onDeleteDoc so the sync engine can attempt the
// server-side delete.
func (p *Patches) DeleteDoc(ctx context.Context, id string) error {
	p.CloseDoc(id)
	if err := p.store.DeleteDoc(ctx, id); err != nil {
		return &StoreError{Op: "DeleteDoc", DocID: id, Cause: err}
	}
	p.mu.Lock()
	rec := p.tracked[id]
	rec.DocID = id
	rec.Deleted = true
	p.tracked[id] = rec
	p.mu.Unlock()
	p.onDeleteDoc.Emit(id)
	return nil
}

// ConfirmDeleteDoc removes all trace of id, called once the server has
// confirmed a deletion (either a local delete this client initiated, or
// a deletion pushed by another client).
func (p *Patches) ConfirmDeleteDoc(ctx context.Context, id string) error {
	p.CloseDoc(id)
	if err := p.store.ConfirmDeleteDoc(ctx, id); err != nil {
		return &StoreError{Op: "ConfirmDeleteDoc", DocID: id, Cause: err}
	}
	p.mu.Lock()
	delete(p.tracked, id)
	p.mu.Unlock()
	return nil
}

// OpenDoc lazily opens id's replica. Concurrent callers for the same id
// share the single underlying load.
func (p *Patches) OpenDoc(ctx context.Context, id string) (*Replica, error) {
	p.mu.Lock()
	if r, ok := p.open[id]; ok {
		p.mu.Unlock()
		return r, nil
	}
	if ch, loading := p.loading[id]; loading {
		p.mu.Unlock()
		<-ch
		p.mu.Lock()
		r, ok := p.open[id]
		err := p.loadResults[id]
		p.mu.Unlock()
		if !ok && err == nil {
			err = fmt.Errorf("patches: %s: load did not produce a replica", id)
		}
		return r, err
	}

	ch := make(chan struct{})
	p.loading[id] = ch
	p.mu.Unlock()

	replica, err := p.loadReplica(ctx, id)

	p.mu.Lock()
	if err == nil {
		p.open[id] = replica
		p.openUnsub[id] = replica.Subscribe(p.onReplicaMutation(id))
	}
	p.loadResults[id] = err
	delete(p.loading, id)
	p.mu.Unlock()
	close(ch)

	return replica, err
}

func (p *Patches) loadReplica(ctx context.Context, id string) (*Replica, error) {
	p.mu.Lock()
	rec, tracked := p.tracked[id]
	p.mu.Unlock()
	if !tracked {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, id)
	}

	snap, ok, err := p.store.GetDoc(ctx, id)
	if err != nil {
		return nil, &StoreError{Op: "GetDoc", DocID: id, Cause: err}
	}
	if !ok {
		snap = Snapshot{Rev: 0}
	}

	algorithm := rec.Algorithm
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	strategy, ok := p.strategies[algorithm]
	if !ok {
		return nil, fmt.Errorf("patches: %s: unknown algorithm %q", id, algorithm)
	}

	return NewReplica(id, strategy, snap)
}

// onReplicaMutation persists the new pending queue on every local
// change and emits onChange(id) for the sync engine.
func (p *Patches) onReplicaMutation(id string) ReplicaListener {
	return func(m Mutation) {
		if m.Kind != MutationLocal {
			return
		}
		r, ok := p.openReplica(id)
		if !ok {
			return
		}
		if err := p.store.SavePendingChanges(context.Background(), id, r.PendingChanges()); err != nil {
			p.logger.Error("failed to persist pending changes",
				zap.String("docId", id), zap.Error(err))
			return
		}
		p.onChange.Emit(id)
	}
}

func (p *Patches) openReplica(id string) (*Replica, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.open[id]
	return r, ok
}

// CloseDoc drops id's in-memory replica, keeping its tracked-doc record
// in the store. It is a no-op if the replica is not open.
func (p *Patches) CloseDoc(id string) {
	p.mu.Lock()
	r, ok := p.open[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	unsub := p.openUnsub[id]
	delete(p.open, id)
	delete(p.openUnsub, id)
	p.mu.Unlock()

	unsub()
	r.Close()
}

// Lookup returns the currently open replica for id, if any, without
// triggering a load.
func (p *Patches) Lookup(id string) (*Replica, bool) {
	return p.openReplica(id)
}

// Store exposes the manager's underlying Store, for the sync engine's
// own reads (§4.4.6 reads the doc's current snapshot directly).
func (p *Patches) Store() Store { return p.store }

// Strategy returns the strategy bound to id, or the default if id has
// no recorded binding yet.
func (p *Patches) Strategy(id string) Strategy {
	p.mu.Lock()
	rec, ok := p.tracked[id]
	p.mu.Unlock()
	name := DefaultAlgorithm
	if ok && rec.Algorithm != "" {
		name = rec.Algorithm
	}
	if s, ok := p.strategies[name]; ok {
		return s
	}
	return p.strategies[DefaultAlgorithm]
}

// Close closes every open replica and the underlying store.
func (p *Patches) Close() error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.open))
	for id := range p.open {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.CloseDoc(id)
	}
	return p.store.Close()
}
