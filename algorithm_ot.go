package patches

import "encoding/json"

// OTStrategy is the operational-transform arm of §4.1: rebase
// transforms each pending op against every op in the intervening
// server changes rather than discarding it.
//
// The transform covers object-key paths exactly and same-parent
// array-index shifts for add/remove; move is treated as remove+add on
// its two parents for shifting purposes. A pending op whose path (or
// an ancestor of it) was removed by a server op is dropped, except an
// add at exactly the removed path, which recreates it.
type OTStrategy struct {
	newID idGenerator
	now   clock
}

// OTOption configures an OTStrategy.
type OTOption func(*OTStrategy)

// WithOTIDGenerator overrides change id generation (default: uuid v4).
func WithOTIDGenerator(fn func() string) OTOption {
	return func(s *OTStrategy) { s.newID = fn }
}

// WithOTClock overrides the authoring clock (default: time.Now, ms).
func WithOTClock(fn func() int64) OTOption {
	return func(s *OTStrategy) { s.now = fn }
}

// NewOTStrategy constructs the operational-transform strategy.
func NewOTStrategy(opts ...OTOption) *OTStrategy {
	s := &OTStrategy{newID: defaultIDGenerator, now: defaultClock}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OTStrategy) Name() string { return "ot" }

func (s *OTStrategy) ComposeOps(prevPending []Change, ops []Operation, committedRev int64) ([]Change, error) {
	return defaultComposeOps(prevPending, ops, committedRev, s.newID, s.now)
}

func (s *OTStrategy) Confirm(pending []Change, committed []Change) ([]Change, error) {
	return defaultConfirm(pending, committed)
}

func (s *OTStrategy) Rebase(pending []Change, serverChanges []Change, baseState json.RawMessage) ([]Change, json.RawMessage, error) {
	newState, err := applyChanges(baseState, serverChanges)
	if err != nil {
		return nil, nil, err
	}
	var lastRev int64
	if len(serverChanges) > 0 {
		lastRev = serverChanges[len(serverChanges)-1].Rev
	}

	pending = dropOwnCommitted(pending, serverChanges)

	out := make([]Change, 0, len(pending))
	for _, c := range pending {
		ops := make([]Operation, len(c.Ops))
		for i, op := range c.Ops {
			ops[i] = op.Clone()
		}
		for _, sc := range serverChanges {
			for _, sop := range sc.Ops {
				ops = transformOpsAgainst(ops, sop)
			}
		}
		if len(ops) == 0 {
			continue
		}
		c.Ops = ops
		c.BaseRev = lastRev
		out = append(out, c)
	}
	return out, newState, nil
}

// transformOpsAgainst transforms every op in ops against one remote op,
// dropping ops that become no-ops.
func transformOpsAgainst(ops []Operation, remote Operation) []Operation {
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		transformed, keep := transformOp(op, remote)
		if keep {
			out = append(out, transformed)
		}
	}
	return out
}

// transformOp transforms a single local op against one remote op that
// was applied first.
func transformOp(local Operation, remote Operation) (Operation, bool) {
	// A remote remove of an ancestor container always invalidates a
	// deeper local op; a remote remove of local's exact target
	// invalidates it too, except an add, which simply recreates it.
	if remote.Op == OpRemove {
		switch {
		case local.Path.Equal(remote.Path):
			if local.Op != OpAdd {
				return local, false
			}
		case local.Path.HasPrefix(remote.Path):
			return local, false
		}
	}

	// Same-parent array index shifting: only meaningful when both
	// paths share every segment but the last, and both last segments
	// are integers.
	if samePath, localIdx, remoteIdx, ok := sameParentArrayIndices(local.Path, remote.Path); ok {
		switch remote.Op {
		case OpRemove:
			switch {
			case remoteIdx == localIdx:
				if local.Op == OpAdd {
					// Inserting at the slot the remote op vacated is
					// still meaningful; index unchanged.
					break
				}
				return local, false
			case remoteIdx < localIdx:
				local.Path = withLastIndex(samePath, localIdx-1)
			}
		case OpAdd:
			if remoteIdx <= localIdx {
				local.Path = withLastIndex(samePath, localIdx+1)
			}
		case OpMove:
			// Treat a move as remove-from+add-to for index shifting;
			// move.From is the vacated slot, move.Path the inserted one.
			idx := localIdx
			if parent, ownIdx, remoteFromIdx, fromOK := sameParentArrayIndices(local.Path, remote.From); fromOK && remoteFromIdx < ownIdx {
				idx--
				_ = parent
			}
			if parent, _, remoteToIdx, toOK := sameParentArrayIndices(local.Path, remote.Path); toOK && remoteToIdx <= idx {
				idx++
				_ = parent
			}
			local.Path = withLastIndex(samePath, idx)
		}
	}

	return local, true
}

// sameParentArrayIndices reports whether a and b address the same
// parent container with integer last segments, returning the shared
// parent path and both indices.
func sameParentArrayIndices(a, b Path) (parent Path, aIdx, bIdx int, ok bool) {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return nil, 0, 0, false
	}
	for i := 0; i < len(a)-1; i++ {
		if !segmentsEqual(a[i], b[i]) {
			return nil, 0, 0, false
		}
	}
	ai, aok := a[len(a)-1].(int)
	bi, bok := b[len(b)-1].(int)
	if !aok || !bok {
		return nil, 0, 0, false
	}
	return a[:len(a)-1].clone(), ai, bi, true
}

func withLastIndex(parent Path, idx int) Path {
	out := make(Path, len(parent)+1)
	copy(out, parent)
	out[len(parent)] = idx
	return out
}
