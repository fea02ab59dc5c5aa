package patches

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MutationKind identifies why a Replica notified its subscribers.
type MutationKind int

const (
	// MutationLocal is emitted from Change: a user mutator produced ops.
	MutationLocal MutationKind = iota
	// MutationImport is emitted from Import: the replica's base state,
	// committedRev and pending queue were atomically replaced.
	MutationImport
	// MutationCommitted is emitted from ApplyCommittedChanges: the
	// sync engine's fast path advanced committedRev in place.
	MutationCommitted
)

// Mutation describes one notification delivered to Replica subscribers.
// Ops carries the produced operations for MutationLocal, and a
// summarising before/after diff (diff.go) for MutationImport; it is nil
// for MutationCommitted.
type Mutation struct {
	Kind MutationKind
	Ops  []Operation
}

// ReplicaListener receives mutation notifications synchronously, in
// authoring order (§4.2, §5).
type ReplicaListener func(Mutation)

// Unsubscribe removes a previously registered listener. Safe to call
// more than once.
type Unsubscribe func()

// Draft is the mutation surface handed to a Replica.Change mutator. Its
// methods each append exactly one Operation to the pending authoring
// batch; this is a deliberate, explicit-builder translation (grounded
// on the PatchBuilder shape in luvjson/crdtpatch) of a draft-style
// mutation API into RFC 6902-flavored operations, rather than an
// implicit before/after structural diff.
type Draft struct {
	ops []Operation
}

// Set records an add-or-replace of the value at path. Callers that
// need add-vs-replace semantics to matter (e.g. array insertion) should
// use Insert instead.
func (d *Draft) Set(path Path, value interface{}) {
	// An add on an object member creates or replaces it; an array slot
	// is replaced in place rather than inserted.
	op := OpAdd
	if len(path) > 0 {
		if _, isIndex := path[len(path)-1].(int); isIndex {
			op = OpReplace
		}
	}
	d.ops = append(d.ops, Operation{Op: op, Path: path.clone(), Value: value})
}

// Insert records an add at path, e.g. to insert an array element or
// create a previously absent key.
func (d *Draft) Insert(path Path, value interface{}) {
	d.ops = append(d.ops, Operation{Op: OpAdd, Path: path.clone(), Value: value})
}

// Remove records removal of the value at path.
func (d *Draft) Remove(path Path) {
	d.ops = append(d.ops, Operation{Op: OpRemove, Path: path.clone()})
}

// Move records relocating the value at from to path.
func (d *Draft) Move(from, path Path) {
	d.ops = append(d.ops, Operation{Op: OpMove, Path: path.clone(), From: from.clone()})
}

// Copy records copying the value at from to path.
func (d *Draft) Copy(from, path Path) {
	d.ops = append(d.ops, Operation{Op: OpCopy, Path: path.clone(), From: from.clone()})
}

// Test records an assertion that the value at path equals value; a
// failing test aborts the whole change at apply time.
func (d *Draft) Test(path Path, value interface{}) {
	d.ops = append(d.ops, Operation{Op: OpTest, Path: path.clone(), Value: value})
}

// AppendText records splicing text into the string leaf at path, at
// rune offset offset (see applyTextOp).
func (d *Draft) AppendText(path Path, text string, offset int) {
	d.ops = append(d.ops, Operation{Op: OpText, Path: path.clone(), Value: text, Offset: offset})
}

// Increment records adding delta to the numeric leaf at path.
func (d *Draft) Increment(path Path, delta float64) {
	d.ops = append(d.ops, Operation{Op: OpIncrement, Path: path.clone(), Value: delta})
}

// Replica is the in-memory state of one tracked document: a confirmed
// base state plus a pending queue layered on top, composed through a
// bound Strategy (§4.2). A Replica never calls into the sync engine or
// store directly; the doc manager is the only caller that installs a
// subscription for persistence side effects.
type Replica struct {
	mu sync.Mutex

	docID        string
	strategy     Strategy
	baseState    json.RawMessage
	committedRev int64
	pending      []Change
	state        json.RawMessage
	closed       bool

	listeners      map[int]ReplicaListener
	nextListenerID int
}

// NewReplica constructs a replica from a snapshot already loaded from
// the store (or a fresh empty document).
func NewReplica(docID string, strategy Strategy, snap Snapshot) (*Replica, error) {
	base := snap.State
	if len(base) == 0 {
		base = json.RawMessage("{}")
	}
	state, err := applyChanges(base, snap.Changes)
	if err != nil {
		return nil, fmt.Errorf("patches: opening %s: %w", docID, err)
	}
	return &Replica{
		docID:        docID,
		strategy:     strategy,
		baseState:    base,
		committedRev: snap.Rev,
		pending:      CloneChanges(snap.Changes),
		state:        state,
		listeners:    make(map[int]ReplicaListener),
	}, nil
}

// DocID returns the document id this replica was opened for.
func (r *Replica) DocID() string { return r.docID }

// State returns the current observable state: base state plus pending
// ops applied, in order.
func (r *Replica) State() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(json.RawMessage, len(r.state))
	copy(out, r.state)
	return out
}

// CommittedRev returns the last confirmed revision.
func (r *Replica) CommittedRev() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committedRev
}

// HasPending reports whether at least one pending change is queued.
func (r *Replica) HasPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) > 0
}

// PendingChanges returns a defensive copy of the pending queue, in order.
func (r *Replica) PendingChanges() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return CloneChanges(r.pending)
}

// Change applies a user-supplied mutator producing new operations,
// composes them into the pending queue via the bound strategy, updates
// the observable state, and notifies subscribers synchronously in
// authoring order (§4.2).
func (r *Replica) Change(mutator func(d *Draft) error) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return ErrClosedDoc
	}

	d := &Draft{}
	if err := mutator(d); err != nil {
		r.mu.Unlock()
		return err
	}
	if len(d.ops) == 0 {
		r.mu.Unlock()
		return nil
	}

	newPending, err := r.strategy.ComposeOps(r.pending, d.ops, r.committedRev)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidOps, err)
	}
	newState, err := applyChanges(r.baseState, newPending)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidOps, err)
	}

	r.pending = newPending
	r.state = newState
	r.mu.Unlock()

	r.notify(Mutation{Kind: MutationLocal, Ops: d.ops})
	return nil
}

// Import replaces the replica's base state, committedRev, and pending
// queue atomically from snap, for the sync engine's slow resync path
// (§4.4.6) and for restoring durability across a restart (P1, P5).
func (r *Replica) Import(snap Snapshot) error {
	r.mu.Lock()

	base := snap.State
	if len(base) == 0 {
		base = json.RawMessage("{}")
	}
	state, err := applyChanges(base, snap.Changes)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("patches: importing snapshot for %s: %w", r.docID, err)
	}

	ops, err := diffStates(r.state, state)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("patches: diffing import for %s: %w", r.docID, err)
	}

	r.baseState = base
	r.committedRev = snap.Rev
	r.pending = CloneChanges(snap.Changes)
	r.state = state
	r.mu.Unlock()

	r.notify(Mutation{Kind: MutationImport, Ops: ops})
	return nil
}

// Export captures the replica's current snapshot, for persistence or
// for the P5 import(export(replica)) round-trip check.
func (r *Replica) Export() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	base := make(json.RawMessage, len(r.baseState))
	copy(base, r.baseState)
	return Snapshot{State: base, Rev: r.committedRev, Changes: CloneChanges(r.pending)}
}

// ApplyCommittedChanges is the sync engine's fast path (§4.2, §4.4.6):
// advance committedRev and base state by serverChanges, replace the
// pending queue with newPending (already rebased by the strategy), and
// recompute state. Emits one MutationCommitted notification.
func (r *Replica) ApplyCommittedChanges(serverChanges []Change, newPending []Change) error {
	if len(serverChanges) == 0 {
		return fmt.Errorf("patches: ApplyCommittedChanges: serverChanges must be non-empty")
	}

	r.mu.Lock()

	newBase, err := applyChanges(r.baseState, serverChanges)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("patches: applying committed changes to %s: %w", r.docID, err)
	}
	newState, err := applyChanges(newBase, newPending)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("patches: recomputing state for %s: %w", r.docID, err)
	}

	r.baseState = newBase
	r.committedRev = serverChanges[len(serverChanges)-1].Rev
	r.pending = CloneChanges(newPending)
	r.state = newState
	r.mu.Unlock()

	r.notify(Mutation{Kind: MutationCommitted})
	return nil
}

// Subscribe registers a listener invoked on every mutation, in
// emission order. The returned Unsubscribe removes it.
func (r *Replica) Subscribe(listener ReplicaListener) Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextListenerID
	r.nextListenerID++
	r.listeners[id] = listener
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// notify delivers m to a snapshot of the currently registered listeners.
// Callers must not hold r.mu: a listener is free to call back into the
// replica (e.g. PendingChanges) without self-deadlocking.
func (r *Replica) notify(m Mutation) {
	r.mu.Lock()
	listeners := make([]ReplicaListener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()
	for _, l := range listeners {
		l(m)
	}
}

// Close marks the replica closed; subsequent Change calls fail with
// ErrClosedDoc. Closing does not clear in-memory state so a final
// Export remains valid.
func (r *Replica) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
