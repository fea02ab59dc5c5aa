package patches

import (
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
)

// Strategy is the pluggable algorithm behind a tracked document (§4.1).
// The core depends only on this contract, never on which arm (OT or
// LWW) a given document is bound to.
type Strategy interface {
	// Name identifies the strategy for persistence in TrackedDoc.Algorithm.
	Name() string

	// ComposeOps folds newly authored ops into the pending queue,
	// returning the queue that represents the user's combined intent.
	ComposeOps(prevPending []Change, ops []Operation, committedRev int64) ([]Change, error)

	// Rebase interleaves serverChanges before the still-pending local
	// changes, returning the transformed pending queue and the
	// resulting state. serverChanges[0].BaseRev must equal the
	// revision baseState was captured at.
	Rebase(pending []Change, serverChanges []Change, baseState json.RawMessage) (newPending []Change, newState json.RawMessage, err error)

	// Confirm removes the leading prefix of pending that committed
	// names as accepted.
	Confirm(pending []Change, committed []Change) ([]Change, error)
}

// idGenerator and clock are the authoring-side side effects every
// strategy constructor accepts as functional options, so tests can
// supply deterministic values without the strategy importing testing
// helpers.
type idGenerator func() string
type clock func() int64

func defaultIDGenerator() string { return uuid.NewString() }

func defaultClock() int64 { return time.Now().UnixMilli() }

// defaultComposeOps implements the default §4.1.1 behavior shared by
// both strategies: append a new change, literal ops, fresh id.
func defaultComposeOps(prevPending []Change, ops []Operation, committedRev int64, newID idGenerator, now clock) ([]Change, error) {
	if len(ops) == 0 {
		return prevPending, nil
	}
	cloned := make([]Operation, len(ops))
	for i, op := range ops {
		cloned[i] = op.Clone()
	}
	next := Change{
		ID:        newID(),
		Ops:       cloned,
		BaseRev:   committedRev,
		CreatedAt: now(),
	}
	out := make([]Change, 0, len(prevPending)+1)
	out = append(out, prevPending...)
	out = append(out, next)
	return out, nil
}

// defaultConfirm implements §4.1.3: committed is the accepted
// continuation of pending's leading prefix, so dropping
// len(committed) entries from the front recovers the remainder.
func defaultConfirm(pending []Change, committed []Change) ([]Change, error) {
	if len(committed) > len(pending) {
		return nil, fmt.Errorf("patches: confirm: committed batch (%d) longer than pending queue (%d)", len(committed), len(pending))
	}
	return CloneChanges(pending[len(committed):]), nil
}

// dropOwnCommitted filters out any pending change whose id also appears
// in serverChanges: the sync engine calls Rebase with both the batch it
// just flushed and that same batch's server-stamped echo, and an
// already-committed change must be dropped outright rather than
// transformed against itself (which would at best double it up, and at
// worst double-apply a non-idempotent @inc/@txt leaf op).
func dropOwnCommitted(pending []Change, serverChanges []Change) []Change {
	if len(serverChanges) == 0 {
		return pending
	}
	committedIDs := make(map[string]struct{}, len(serverChanges))
	for _, sc := range serverChanges {
		committedIDs[sc.ID] = struct{}{}
	}
	out := make([]Change, 0, len(pending))
	for _, c := range pending {
		if _, ok := committedIDs[c.ID]; ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// dropAlreadyCommitted filters serverChanges down to those whose Rev is
// strictly greater than committedRev (I1/I5): a redelivered
// changesCommitted push must never regress committedRev or re-apply a
// change the core has already folded into its base state.
func dropAlreadyCommitted(serverChanges []Change, committedRev int64) []Change {
	out := make([]Change, 0, len(serverChanges))
	for _, sc := range serverChanges {
		if sc.Rev <= committedRev {
			continue
		}
		out = append(out, sc)
	}
	return out
}

// applyChanges applies an ordered sequence of changes' ops to state, in
// order, returning the resulting state.
func applyChanges(state json.RawMessage, changes []Change) (json.RawMessage, error) {
	for _, c := range changes {
		var err error
		state, err = applyOps(state, c.Ops)
		if err != nil {
			return nil, fmt.Errorf("patches: applying change %s: %w", c.ID, err)
		}
	}
	return state, nil
}

// ApplyChanges is applyChanges exported for Store implementations
// (outside this package) that need to fold confirmed server changes
// into a base document themselves, e.g. to implement ApplyServerChanges.
func ApplyChanges(state json.RawMessage, changes []Change) (json.RawMessage, error) {
	return applyChanges(state, changes)
}

// applyOps applies a left-to-right ordered sequence of operations to a
// JSON document. The six RFC 6902 tags go through evanphx/json-patch;
// @txt and @inc are hand-rolled since no generic patch library carries
// merge-by-concatenation/merge-by-sum semantics.
func applyOps(state json.RawMessage, ops []Operation) (json.RawMessage, error) {
	if len(state) == 0 {
		state = json.RawMessage("{}")
	}
	for _, op := range ops {
		var err error
		state, err = applyOperation(state, op)
		if err != nil {
			return nil, err
		}
	}
	return state, nil
}

func applyOperation(state json.RawMessage, op Operation) (json.RawMessage, error) {
	switch op.Op {
	case OpAdd, OpRemove, OpReplace, OpMove, OpCopy, OpTest:
		raw, err := encodeStandardOp(op)
		if err != nil {
			return nil, err
		}
		patch, err := jsonpatch.DecodePatch(raw)
		if err != nil {
			return nil, fmt.Errorf("patches: decoding %s op: %w", op.Op, err)
		}
		out, err := patch.Apply(state)
		if err != nil {
			return nil, fmt.Errorf("patches: applying %s %s: %w", op.Op, op.Path, err)
		}
		return out, nil
	case OpText:
		return applyTextOp(state, op)
	case OpIncrement:
		return applyIncrementOp(state, op)
	default:
		return nil, fmt.Errorf("%w: unknown op tag %q", ErrInvalidOps, op.Op)
	}
}

// encodeStandardOp renders a single RFC 6902 operation as a one-element
// JSON Patch document.
func encodeStandardOp(op Operation) ([]byte, error) {
	entry := map[string]interface{}{
		"op":   string(op.Op),
		"path": op.Path.String(),
	}
	switch op.Op {
	case OpAdd, OpReplace, OpTest:
		entry["value"] = op.Value
	case OpMove, OpCopy:
		entry["from"] = op.From.String()
	}
	return json.Marshal([]interface{}{entry})
}

// applyTextOp splices op.Value (a string) into the string leaf at
// op.Path, at rune offset op.Offset; offset 0 with an existing leaf
// appends only when the leaf is empty, otherwise it inserts at the
// start — callers wanting append-at-end pass Offset == rune length of
// the current leaf.
func applyTextOp(state json.RawMessage, op Operation) (json.RawMessage, error) {
	text, ok := op.Value.(string)
	if !ok {
		return nil, fmt.Errorf("%w: @txt requires a string value", ErrInvalidOps)
	}
	return mutateLeaf(state, op.Path, func(leaf interface{}) (interface{}, error) {
		current, _ := leaf.(string)
		runes := []rune(current)
		offset := op.Offset
		if offset < 0 {
			offset = 0
		}
		if offset > len(runes) {
			offset = len(runes)
		}
		merged := string(runes[:offset]) + text + string(runes[offset:])
		return merged, nil
	})
}

// applyIncrementOp adds op.Value (a number) to the numeric leaf at op.Path.
func applyIncrementOp(state json.RawMessage, op Operation) (json.RawMessage, error) {
	delta, ok := toFloat64(op.Value)
	if !ok {
		return nil, fmt.Errorf("%w: @inc requires a numeric value", ErrInvalidOps)
	}
	return mutateLeaf(state, op.Path, func(leaf interface{}) (interface{}, error) {
		current, _ := toFloat64(leaf)
		return current + delta, nil
	})
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

// mutateLeaf decodes state into a generic JSON tree, replaces the leaf
// at path with the result of fn, and re-encodes the tree.
func mutateLeaf(state json.RawMessage, path Path, fn func(current interface{}) (interface{}, error)) (json.RawMessage, error) {
	var root interface{}
	if err := json.Unmarshal(state, &root); err != nil {
		return nil, fmt.Errorf("patches: decoding state: %w", err)
	}
	if len(path) == 0 {
		next, err := fn(root)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	}
	container, key, err := navigateToParent(root, path)
	if err != nil {
		return nil, err
	}
	switch c := container.(type) {
	case map[string]interface{}:
		k := key.(string)
		next, err := fn(c[k])
		if err != nil {
			return nil, err
		}
		c[k] = next
	case []interface{}:
		idx := key.(int)
		if idx < 0 || idx >= len(c) {
			return nil, fmt.Errorf("patches: path %s: index %d out of range", path, idx)
		}
		next, err := fn(c[idx])
		if err != nil {
			return nil, err
		}
		c[idx] = next
	default:
		return nil, fmt.Errorf("patches: path %s: parent is not a container", path)
	}
	return json.Marshal(root)
}

// navigateToParent walks root along path[:len(path)-1] and returns the
// container holding the final segment, plus that final segment as the
// lookup key (string for objects, int for arrays).
func navigateToParent(root interface{}, path Path) (container interface{}, key interface{}, err error) {
	cur := root
	for _, seg := range path[:len(path)-1] {
		switch c := cur.(type) {
		case map[string]interface{}:
			k, ok := seg.(string)
			if !ok {
				return nil, nil, fmt.Errorf("patches: path %s: expected object key", path)
			}
			next, ok := c[k]
			if !ok {
				return nil, nil, fmt.Errorf("patches: path %s: no such key %q", path, k)
			}
			cur = next
		case []interface{}:
			idx, ok := seg.(int)
			if !ok {
				return nil, nil, fmt.Errorf("patches: path %s: expected array index", path)
			}
			if idx < 0 || idx >= len(c) {
				return nil, nil, fmt.Errorf("patches: path %s: index %d out of range", path, idx)
			}
			cur = c[idx]
		default:
			return nil, nil, fmt.Errorf("patches: path %s: cannot descend into leaf", path)
		}
	}
	return cur, path[len(path)-1], nil
}
