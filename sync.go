package patches

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SyncPhase is the global syncing projection of §4.4.1: null while idle,
// "updating" while at least one doc sync is in flight. The source's
// fourth "Error" arm is modeled as ConnState.SyncErr alongside the
// phase rather than folded into the phase enum, so Go callers get a
// typed error instead of an interface{} tagged union.
type SyncPhase string

const (
	SyncIdle     SyncPhase = ""
	SyncInitial  SyncPhase = "initial"
	SyncUpdating SyncPhase = "updating"
)

// ConnState is the sync engine's observable connection/sync projection
// (§4.4.1).
type ConnState struct {
	Online    bool
	Connected bool
	Syncing   SyncPhase
	SyncErr   error
}

// ErrorEvent is delivered to PatchesSync.OnError: a surfaced error, with
// DocID set when the failure is scoped to one document (§7).
type ErrorEvent struct {
	DocID string
	Err   error
}

// cmd is one unit of work executed serially by the engine's actor
// goroutine, per the single-threaded-cooperative scheduling model of §5.
type cmd struct {
	fn   func()
	done chan struct{}
}

// PatchesSync is the sync engine of component F: the single most
// complex component in the specification. It owns one Transport
// connection, mirrors the doc manager's tracked set, multiplexes
// subscriptions, batches and flushes pending changes, and republishes a
// denormalised per-doc synced status. All engine-level state (tracked
// set, subscribed endpoints, in-flight batches, synced map, connection
// state) is mutated only by the actor goroutine started in
// NewPatchesSync, reached through do/post — the Go translation of §5's
// "funnel through a single actor" requirement. Per-document
// serialisation of syncDoc/flushDoc (§5 ordering guarantees) uses one
// sync.Mutex per doc id instead of a second global lock, the same
// per-resource locking idiom nodestorage and eventsync use for their
// own per-key/per-client critical sections.
type PatchesSync struct {
	patches   *Patches
	transport Transport
	online    OnlineState
	logger    *zap.Logger

	maxPayloadBytes   int
	reconnectDebounce time.Duration
	flushRetryBackoff time.Duration
	subscribeFilter   func([]string) []string

	cmds      chan cmd
	closed    chan struct{}
	closeOnce sync.Once

	// actor-owned; touched only inside run().
	trackedDocs     map[string]struct{}
	subscribed      map[string]struct{}
	inFlight        map[string][]Change
	synced          map[string]SyncedEntry
	preSyncStatus   map[string]SyncStatus
	connState       ConnState
	activeSyncCount int
	reconnectTimer  *time.Timer

	docLocksMu sync.Mutex
	docLocks   map[string]*sync.Mutex

	onSyncedChange Signal[map[string]SyncedEntry]
	onErrorSig     Signal[ErrorEvent]
	onConnChange   Signal[ConnState]

	unsubs []Unsubscribe
}

// SyncOption configures a PatchesSync.
type SyncOption func(*PatchesSync)

// WithSyncLogger overrides the engine's logger (default: zap.NewNop()).
func WithSyncLogger(logger *zap.Logger) SyncOption {
	return func(e *PatchesSync) { e.logger = logger }
}

// WithMaxPayloadBytes sets the transport payload budget §4.6's
// BreakIntoBatches enforces (default 0: batching disabled).
func WithMaxPayloadBytes(n int) SyncOption {
	return func(e *PatchesSync) { e.maxPayloadBytes = n }
}

// WithReconnectDebounce overrides the delay between a connect/online
// transition and the resulting syncAllKnown (§6.3, default 300ms).
func WithReconnectDebounce(d time.Duration) SyncOption {
	return func(e *PatchesSync) { e.reconnectDebounce = d }
}

// WithSubscribeFilter installs the hierarchical subscription-reduction
// function of §4.4.2. Absent, every tracked doc id is its own
// subscription endpoint.
func WithSubscribeFilter(fn func(trackedIDs []string) []string) SyncOption {
	return func(e *PatchesSync) { e.subscribeFilter = fn }
}

// WithFlushRetryBackoff makes each failed sync of a doc, while still
// connected, schedule one retry of that doc after d; a retry that fails
// schedules the next one the same way. Zero (the default)
// disables automatic retry; the doc is still retried on the next
// reconnection or local change.
func WithFlushRetryBackoff(d time.Duration) SyncOption {
	return func(e *PatchesSync) { e.flushRetryBackoff = d }
}

// NewPatchesSync constructs the sync engine over an already-constructed
// Patches doc manager, wires its signals, and starts the actor
// goroutine. It does not connect the transport; call Connect.
func NewPatchesSync(ctx context.Context, p *Patches, transport Transport, online OnlineState, opts ...SyncOption) (*PatchesSync, error) {
	e := &PatchesSync{
		patches:           p,
		transport:         transport,
		online:            online,
		logger:            zap.NewNop(),
		reconnectDebounce: 300 * time.Millisecond,
		cmds:              make(chan cmd, 64),
		closed:            make(chan struct{}),
		trackedDocs:       map[string]struct{}{},
		subscribed:        map[string]struct{}{},
		inFlight:          map[string][]Change{},
		synced:            map[string]SyncedEntry{},
		preSyncStatus:     map[string]SyncStatus{},
		docLocks:          map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.connState.Online = online.IsOnline()

	docs, err := p.ListDocs(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("patches: sync: loading tracked docs: %w", err)
	}
	for _, d := range docs {
		if !d.Deleted {
			e.trackedDocs[d.DocID] = struct{}{}
		}
	}

	go e.run()

	e.unsubs = []Unsubscribe{
		p.OnTrackDocs(e.handleTrackDocs),
		p.OnUntrackDocs(e.handleUntrackDocs),
		p.OnDeleteDoc(e.handleDeleteDoc),
		p.OnChange(e.handleChange),
		transport.OnConnectionChange(e.handleConnectionChange),
		transport.OnError(e.handleTransportError),
		transport.OnChangesCommitted(e.handleChangesCommitted),
		transport.OnDocDeleted(e.handleDocDeleted),
		online.OnChange(e.handleOnlineChange),
	}
	return e, nil
}

// run is the engine's actor goroutine: every engine-level state mutation
// anywhere in this file happens inside a cmd executed here.
func (e *PatchesSync) run() {
	for {
		select {
		case c := <-e.cmds:
			c.fn()
			if c.done != nil {
				close(c.done)
			}
		case <-e.closed:
			return
		}
	}
}

// do submits fn to the actor and blocks until it has run. Never call do
// from inside a cmd already executing on the actor — it self-deadlocks.
func (e *PatchesSync) do(fn func()) {
	done := make(chan struct{})
	select {
	case e.cmds <- cmd{fn, done}:
	case <-e.closed:
		return
	}
	select {
	case <-done:
	case <-e.closed:
	}
}

// post submits fn to the actor without waiting for it to run. Safe to
// call from inside a cmd (the channel is buffered) or from any other
// goroutine.
func (e *PatchesSync) post(fn func()) {
	select {
	case e.cmds <- cmd{fn, nil}:
	case <-e.closed:
	}
}

// Connect establishes the transport connection. The resulting connected
// transition (delivered via OnConnectionChange) schedules syncAllKnown
// after the reconnect debounce.
func (e *PatchesSync) Connect(ctx context.Context) error {
	return e.transport.Connect(ctx)
}

// Close tears down the engine: stops the actor, unsubscribes from every
// upstream signal, and closes the transport. Per §5, in-flight requests
// get whatever grace period the Transport implementation grants them
// before Close forcibly tears the connection down.
func (e *PatchesSync) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	for _, u := range e.unsubs {
		u()
	}
	return e.transport.Close()
}

// Synced returns a snapshot of the current per-doc synced projection.
func (e *PatchesSync) Synced() map[string]SyncedEntry {
	out := make(map[string]SyncedEntry)
	e.do(func() {
		for k, v := range e.synced {
			out[k] = v
		}
	})
	return out
}

// ConnState returns the engine's current connection/sync projection.
func (e *PatchesSync) ConnState() ConnState {
	var cs ConnState
	e.do(func() { cs = e.connState })
	return cs
}

// OnSyncedChange subscribes to the denormalised synced-map signal of §4.4.5.
func (e *PatchesSync) OnSyncedChange(fn func(map[string]SyncedEntry)) Unsubscribe {
	return e.onSyncedChange.Subscribe(fn)
}

// OnConnStateChange subscribes to connection/sync projection changes.
func (e *PatchesSync) OnConnStateChange(fn func(ConnState)) Unsubscribe {
	return e.onConnChange.Subscribe(fn)
}

// OnError subscribes to every surfaced error (§7): transport-level
// errors with no DocID, and per-doc sync/flush failures with one set.
func (e *PatchesSync) OnError(fn func(ErrorEvent)) Unsubscribe {
	return e.onErrorSig.Subscribe(fn)
}

// --- signal handlers (entry points from outside the actor) ---

func (e *PatchesSync) handleTrackDocs(ids []string) {
	e.post(func() {
		for _, id := range ids {
			e.trackedDocs[id] = struct{}{}
		}
		if !e.connState.Connected {
			return
		}
		e.subscribeNewLocked()
		for _, id := range ids {
			go e.spawnSyncDoc(id)
		}
	})
}

func (e *PatchesSync) handleUntrackDocs(ids []string) {
	e.post(func() {
		for _, id := range ids {
			delete(e.trackedDocs, id)
		}
		if e.connState.Connected {
			e.unsubscribeRemovedLocked()
		}
		for _, id := range ids {
			e.removeSyncedLocked(id)
		}
	})
}

func (e *PatchesSync) handleChange(id string) {
	e.post(func() {
		if e.connState.Connected {
			go e.spawnSyncDoc(id)
		} else {
			e.updateSyncedLocked(id, func(s *SyncedEntry) { s.HasPending = true })
		}
	})
}

// handleDeleteDoc is the local-deletion path of §4.4.7.
func (e *PatchesSync) handleDeleteDoc(id string) {
	e.post(func() {
		delete(e.trackedDocs, id)
		e.removeSyncedLocked(id)
	})
	go func() {
		connected := e.ConnState().Connected
		if !connected {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.transport.DeleteDoc(ctx, id); err != nil {
			e.logger.Warn("deleteDoc failed, tombstone retained", zap.String("docId", id), zap.Error(err))
			e.onErrorSig.Emit(ErrorEvent{DocID: id, Err: err})
			return
		}
		if err := e.patches.ConfirmDeleteDoc(ctx, id); err != nil {
			e.logger.Warn("confirmDeleteDoc failed", zap.String("docId", id), zap.Error(err))
		}
	}()
}

// handleDocDeleted is the remote-deletion push path of §4.4.7.
func (e *PatchesSync) handleDocDeleted(id string) {
	e.patches.CloseDoc(id)
	e.post(func() {
		delete(e.trackedDocs, id)
		e.removeSyncedLocked(id)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.patches.ConfirmDeleteDoc(ctx, id); err != nil {
		e.logger.Warn("confirmDeleteDoc (remote push) failed", zap.String("docId", id), zap.Error(err))
	}
}

func (e *PatchesSync) handleChangesCommitted(docID string, changes []Change) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.receiveCommittedChanges(ctx, docID, changes); err != nil {
			e.logger.Error("failed to apply pushed changes", zap.String("docId", docID), zap.Error(err))
			e.onErrorSig.Emit(ErrorEvent{DocID: docID, Err: err})
		}
	}()
}

func (e *PatchesSync) handleTransportError(err error) {
	e.logger.Warn("transport error", zap.Error(err))
	e.onErrorSig.Emit(ErrorEvent{Err: err})
}

func (e *PatchesSync) handleConnectionChange(connected bool) {
	e.post(func() {
		wasConnected := e.connState.Connected
		e.connState.Connected = connected
		if connected {
			if !wasConnected {
				e.emitConnStateLocked()
				e.scheduleResyncLocked()
			}
			return
		}

		if e.connState.SyncErr == nil {
			e.connState.Syncing = SyncIdle
		}
		for id, entry := range e.synced {
			if entry.Status != StatusSyncing {
				continue
			}
			next := entry
			if entry.HasPending {
				if prev, ok := e.preSyncStatus[id]; ok {
					next.Status = prev
				} else {
					next.Status = StatusSynced
				}
			} else {
				next.Status = StatusSynced
			}
			e.synced[id] = next
		}
		e.emitSyncedLocked()
		e.emitConnStateLocked()
	})
}

func (e *PatchesSync) handleOnlineChange(online bool) {
	e.post(func() {
		e.connState.Online = online
		e.emitConnStateLocked()
		if online && e.connState.Connected {
			e.scheduleResyncLocked()
		}
	})
}

// --- actor-owned helpers (must only run inside a cmd) ---

func (e *PatchesSync) emitConnStateLocked() {
	e.onConnChange.Emit(e.connState)
}

func (e *PatchesSync) emitSyncedLocked() {
	snap := make(map[string]SyncedEntry, len(e.synced))
	for k, v := range e.synced {
		snap[k] = v
	}
	e.onSyncedChange.Emit(snap)
}

// updateSyncedLocked applies mutate to id's entry (zero value if absent)
// and emits only if the result is observably different, per §4.4.5.
func (e *PatchesSync) updateSyncedLocked(id string, mutate func(*SyncedEntry)) {
	before, existed := e.synced[id]
	after := before
	mutate(&after)
	if existed && after.Equal(before) {
		return
	}
	e.synced[id] = after
	e.emitSyncedLocked()
}

func (e *PatchesSync) removeSyncedLocked(id string) {
	if _, ok := e.synced[id]; !ok {
		return
	}
	delete(e.synced, id)
	delete(e.preSyncStatus, id)
	e.emitSyncedLocked()
}

// markSyncingLocked records id's status prior to entering "syncing" so a
// mid-flush disconnect can restore it (§4.4.1), then marks it syncing.
func (e *PatchesSync) markSyncingLocked(id string) {
	entry, existed := e.synced[id]
	prior := StatusUnsynced
	if existed {
		prior = entry.Status
	}
	if prior != StatusSyncing {
		e.preSyncStatus[id] = prior
	}
	e.updateSyncedLocked(id, func(s *SyncedEntry) { s.Status = StatusSyncing })
}

// endpointsForLocked applies the configured subscribeFilter (or the
// identity mapping) to ids.
func (e *PatchesSync) endpointsForLocked(ids map[string]struct{}) map[string]struct{} {
	if e.subscribeFilter == nil {
		out := make(map[string]struct{}, len(ids))
		for id := range ids {
			out[id] = struct{}{}
		}
		return out
	}
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	out := make(map[string]struct{})
	for _, ep := range e.subscribeFilter(list) {
		out[ep] = struct{}{}
	}
	return out
}

// subscribeNewLocked computes the endpoint set the full tracked set
// requires and, for any not already subscribed, issues one Subscribe
// call in the background (§4.4.2, P6).
func (e *PatchesSync) subscribeNewLocked() {
	full := e.endpointsForLocked(e.trackedDocs)
	var toAdd []string
	for ep := range full {
		if _, ok := e.subscribed[ep]; !ok {
			toAdd = append(toAdd, ep)
		}
	}
	if len(toAdd) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		accepted, err := e.transport.Subscribe(ctx, toAdd)
		if err != nil {
			e.logger.Warn("subscribe failed", zap.Strings("endpoints", toAdd), zap.Error(err))
			e.onErrorSig.Emit(ErrorEvent{Err: err})
			return
		}
		e.post(func() {
			for _, ep := range accepted {
				e.subscribed[ep] = struct{}{}
			}
		})
	}()
}

// unsubscribeRemovedLocked drops subscription endpoints no longer
// required by any remaining tracked id (§4.4.2, P6).
func (e *PatchesSync) unsubscribeRemovedLocked() {
	stillNeeded := e.endpointsForLocked(e.trackedDocs)
	var toRemove []string
	for ep := range e.subscribed {
		if _, ok := stillNeeded[ep]; !ok {
			toRemove = append(toRemove, ep)
		}
	}
	if len(toRemove) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.transport.Unsubscribe(ctx, toRemove); err != nil {
			e.logger.Warn("unsubscribe failed", zap.Strings("endpoints", toRemove), zap.Error(err))
			return
		}
		e.post(func() {
			for _, ep := range toRemove {
				delete(e.subscribed, ep)
			}
		})
	}()
}

// scheduleResyncLocked debounces a syncAllKnown by reconnectDebounce
// (§6.3).
func (e *PatchesSync) scheduleResyncLocked() {
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
	}
	e.reconnectTimer = time.AfterFunc(e.reconnectDebounce, func() {
		e.syncAllKnown(context.Background())
	})
}

func (e *PatchesSync) docLock(id string) *sync.Mutex {
	e.docLocksMu.Lock()
	defer e.docLocksMu.Unlock()
	m, ok := e.docLocks[id]
	if !ok {
		m = &sync.Mutex{}
		e.docLocks[id] = m
	}
	return m
}

// spawnSyncDoc runs syncDoc for id on its own goroutine, serialised
// against any other in-flight sync of the same id (§4.4.3, §5, P8).
func (e *PatchesSync) spawnSyncDoc(id string) {
	e.post(func() {
		e.activeSyncCount++
		if e.activeSyncCount == 1 && e.connState.SyncErr == nil {
			e.connState.Syncing = SyncUpdating
			e.emitConnStateLocked()
		}
	})
	go func() {
		lock := e.docLock(id)
		lock.Lock()
		defer lock.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.syncDoc(ctx, id)

		e.post(func() {
			e.activeSyncCount--
			if e.activeSyncCount == 0 && e.connState.SyncErr == nil {
				e.connState.Syncing = SyncIdle
				e.emitConnStateLocked()
			}
		})
	}()
}

// syncAllKnown is the global (re)connect resync of §4.4.4.
func (e *PatchesSync) syncAllKnown(ctx context.Context) {
	docs, err := e.patches.ListDocs(ctx, true)
	if err != nil {
		e.logger.Error("syncAllKnown: listing tracked docs failed", zap.Error(err))
		e.do(func() {
			e.connState.SyncErr = err
			e.connState.Syncing = SyncIdle
			e.emitConnStateLocked()
		})
		e.onErrorSig.Emit(ErrorEvent{Err: err})
		return
	}

	var active, deletedIDs []string
	for _, d := range docs {
		if d.Deleted {
			deletedIDs = append(deletedIDs, d.DocID)
		} else {
			active = append(active, d.DocID)
		}
	}

	e.do(func() {
		full := make(map[string]struct{}, len(active))
		for _, id := range active {
			full[id] = struct{}{}
		}
		e.trackedDocs = full
		e.subscribeNewLocked()
	})

	for _, id := range deletedIDs {
		id := id
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.transport.DeleteDoc(dctx, id); err != nil {
				e.logger.Warn("syncAllKnown: deleteDoc retry failed", zap.String("docId", id), zap.Error(err))
				return
			}
			if err := e.patches.ConfirmDeleteDoc(dctx, id); err != nil {
				e.logger.Warn("syncAllKnown: confirmDeleteDoc failed", zap.String("docId", id), zap.Error(err))
			}
		}()
	}

	for _, id := range active {
		e.spawnSyncDoc(id)
	}
}

// syncDoc is the per-doc sync of §4.4.3. Called with id's doc lock held.
func (e *PatchesSync) syncDoc(ctx context.Context, id string) {
	e.do(func() { e.markSyncingLocked(id) })

	store := e.patches.Store()

	pending, err := store.GetPendingChanges(ctx, id)
	if err != nil {
		e.failSync(id, fmt.Errorf("patches: sync: reading pending for %s: %w", id, err))
		return
	}

	if len(pending) > 0 {
		if err := e.flushDoc(ctx, id, pending); err != nil {
			e.failSync(id, &SyncFailedError{DocID: id, Cause: err})
			return
		}
		pending, err = store.GetPendingChanges(ctx, id)
		if err != nil {
			e.failSync(id, fmt.Errorf("patches: sync: re-reading pending for %s: %w", id, err))
			return
		}
	}

	committedRev, err := store.GetCommittedRev(ctx, id)
	if err != nil {
		e.failSync(id, fmt.Errorf("patches: sync: reading committedRev for %s: %w", id, err))
		return
	}

	var gotChanges bool
	if committedRev == 0 {
		snap, err := e.transport.GetDoc(ctx, id)
		if err != nil {
			e.failSync(id, &SyncFailedError{DocID: id, Cause: err})
			return
		}
		if snap.Rev > 0 || len(snap.State) > 0 {
			gotChanges = true
			if err := e.importSnapshot(ctx, id, snap); err != nil {
				e.failSync(id, err)
				return
			}
		}
	} else {
		changes, err := e.transport.GetChangesSince(ctx, id, committedRev)
		if err != nil {
			e.failSync(id, &SyncFailedError{DocID: id, Cause: err})
			return
		}
		if len(changes) > 0 {
			gotChanges = true
			if err := e.receiveCommittedChanges(ctx, id, changes); err != nil {
				e.failSync(id, err)
				return
			}
		}
	}

	finalRev, _ := store.GetCommittedRev(ctx, id)
	status := StatusSynced
	if finalRev == 0 && !gotChanges {
		status = StatusUnsynced
	}
	e.do(func() {
		delete(e.preSyncStatus, id)
		e.updateSyncedLocked(id, func(s *SyncedEntry) {
			s.Status = status
			s.CommittedRev = finalRev
			s.HasPending = len(pending) > 0
		})
	})
}

func (e *PatchesSync) failSync(id string, err error) {
	e.logger.Error("sync failed", zap.String("docId", id), zap.Error(err))
	e.do(func() {
		delete(e.preSyncStatus, id)
		e.updateSyncedLocked(id, func(s *SyncedEntry) { s.Status = StatusError })
	})
	e.onErrorSig.Emit(ErrorEvent{DocID: id, Err: err})

	if e.flushRetryBackoff > 0 {
		time.AfterFunc(e.flushRetryBackoff, func() {
			if e.ConnState().Connected {
				e.spawnSyncDoc(id)
			}
		})
	}
}

// flushDoc is §4.4.3's flush: break pending into batches, submit each in
// order, and persist+rebase the result before moving to the next.
func (e *PatchesSync) flushDoc(ctx context.Context, id string, pending []Change) error {
	var tracked, connected bool
	e.do(func() {
		_, tracked = e.trackedDocs[id]
		connected = e.connState.Connected
	})
	if !tracked {
		return ErrNotTracked
	}
	if !connected {
		return ErrNotConnected
	}

	e.do(func() { e.updateSyncedLocked(id, func(s *SyncedEntry) { s.HasPending = true }) })

	batches, err := BreakIntoBatches(pending, e.maxPayloadBytes, defaultIDGenerator, e.logger)
	if err != nil {
		return err
	}

	for _, batch := range batches {
		e.do(func() { e.inFlight[id] = batch })

		committed, err := e.transport.CommitChanges(ctx, id, batch)
		if err != nil {
			return &FlushFailedError{DocID: id, Cause: err}
		}

		if err := e.receiveCommittedChanges(ctx, id, committed); err != nil {
			return err
		}

		remaining, rerr := e.patches.Store().GetPendingChanges(ctx, id)
		e.do(func() {
			delete(e.inFlight, id)
			if rerr == nil {
				e.updateSyncedLocked(id, func(s *SyncedEntry) { s.HasPending = len(remaining) > 0 })
			}
		})
	}
	return nil
}

// receiveCommittedChanges is §4.4.6: rebase, persist atomically, and
// apply to the open replica (fast path) or force a resync (slow path).
func (e *PatchesSync) receiveCommittedChanges(ctx context.Context, id string, serverChanges []Change) error {
	if len(serverChanges) == 0 {
		return nil
	}
	store := e.patches.Store()

	snap, ok, err := store.GetDoc(ctx, id)
	if err != nil {
		return fmt.Errorf("patches: receiving changes for %s: %w", id, err)
	}
	if !ok {
		snap = Snapshot{Rev: 0}
	}

	// I5/I1: never apply a server change we've already committed. A
	// redelivered changesCommitted push (e.g. after a reconnect races a
	// notification still in flight) must not regress committedRev or
	// double-apply a non-idempotent op.
	serverChanges = dropAlreadyCommitted(serverChanges, snap.Rev)
	if len(serverChanges) == 0 {
		return nil
	}

	pending, err := store.GetPendingChanges(ctx, id)
	if err != nil {
		return fmt.Errorf("patches: receiving changes for %s: %w", id, err)
	}

	strategy := e.patches.Strategy(id)
	newPending, newState, err := strategy.Rebase(pending, serverChanges, snap.State)
	if err != nil {
		return fmt.Errorf("patches: rebasing %s: %w", id, err)
	}

	if err := store.ApplyServerChanges(ctx, id, serverChanges, newPending); err != nil {
		return &StoreError{Op: "ApplyServerChanges", DocID: id, Cause: err}
	}

	lastRev := serverChanges[len(serverChanges)-1].Rev
	if replica, open := e.patches.Lookup(id); open {
		if replica.CommittedRev() == serverChanges[0].BaseRev {
			if err := replica.ApplyCommittedChanges(serverChanges, newPending); err != nil {
				e.logger.Warn("apply failed, forcing resync", zap.String("docId", id), zap.Error(err))
				if ierr := replica.Import(Snapshot{State: newState, Rev: lastRev, Changes: newPending}); ierr != nil {
					return fmt.Errorf("patches: forced resync of %s: %w", id, ierr)
				}
			}
		} else {
			if err := replica.Import(Snapshot{State: newState, Rev: lastRev, Changes: newPending}); err != nil {
				return fmt.Errorf("patches: importing drifted replica %s: %w", id, err)
			}
		}
	}

	e.do(func() {
		e.updateSyncedLocked(id, func(s *SyncedEntry) { s.CommittedRev = lastRev })
	})
	return nil
}

// importSnapshot persists a full snapshot fetched from the transport and
// applies it to the open replica, if any (§4.4.3 step 4).
func (e *PatchesSync) importSnapshot(ctx context.Context, id string, snap Snapshot) error {
	store := e.patches.Store()
	if err := store.SaveDoc(ctx, id, snap.State, snap.Rev); err != nil {
		return &StoreError{Op: "SaveDoc", DocID: id, Cause: err}
	}
	if err := store.SavePendingChanges(ctx, id, snap.Changes); err != nil {
		return &StoreError{Op: "SavePendingChanges", DocID: id, Cause: err}
	}
	if replica, open := e.patches.Lookup(id); open {
		if err := replica.Import(snap); err != nil {
			return fmt.Errorf("patches: importing snapshot for %s: %w", id, err)
		}
	}
	e.do(func() {
		e.updateSyncedLocked(id, func(s *SyncedEntry) {
			s.CommittedRev = snap.Rev
			s.HasPending = len(snap.Changes) > 0
		})
	})
	return nil
}
