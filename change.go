// Package patches is the client-side core of a collaborative document
// synchronization library: a local replica per tracked document, a
// pluggable operational-transform/last-writer-wins algorithm, and a doc
// manager that feeds the sync engine (PatchesSync, in this package)
// through a small set of signals.
package patches

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// OpTag names the kind of edit an Operation performs. The six RFC 6902
// tags are applied with a generic JSON-Patch library; the two trailing
// tags are domain extensions with merge semantics a generic patch apply
// cannot express (concatenation, summation).
type OpTag string

const (
	OpAdd       OpTag = "add"
	OpRemove    OpTag = "remove"
	OpReplace   OpTag = "replace"
	OpMove      OpTag = "move"
	OpCopy      OpTag = "copy"
	OpTest      OpTag = "test"
	OpText      OpTag = "@txt"
	OpIncrement OpTag = "@inc"
)

// Path is a sequence of string (object key) or int (array index)
// segments addressing a location in a document, root first.
type Path []interface{}

// String renders the path as an RFC 6902 JSON-Pointer, for interop with
// json-patch libraries and for log messages.
func (p Path) String() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for _, seg := range p {
		b.WriteByte('/')
		switch v := seg.(type) {
		case string:
			b.WriteString(strings.NewReplacer("~", "~0", "/", "~1").Replace(v))
		case int:
			b.WriteString(strconv.Itoa(v))
		default:
			fmt.Fprintf(&b, "%v", v)
		}
	}
	return b.String()
}

// Equal reports whether two paths address the same location.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if !segmentsEqual(p[i], other[i]) {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is a leading subsequence of p (including p itself).
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if !segmentsEqual(p[i], prefix[i]) {
			return false
		}
	}
	return true
}

func segmentsEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case int:
		switch bv := b.(type) {
		case int:
			return av == bv
		case float64:
			return float64(av) == bv
		}
		return false
	case float64:
		switch bv := b.(type) {
		case int:
			return av == float64(bv)
		case float64:
			return av == bv
		}
		return false
	}
	return false
}

// clone returns a copy of the path, safe to retain past the caller's scope.
func (p Path) clone() Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// UnmarshalJSON normalizes numeric array-index segments to int, since
// encoding/json otherwise decodes every bare number as float64.
func (p *Path) UnmarshalJSON(data []byte) error {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Path, len(raw))
	for i, seg := range raw {
		if f, ok := seg.(float64); ok && f == float64(int(f)) {
			out[i] = int(f)
			continue
		}
		out[i] = seg
	}
	*p = out
	return nil
}

// Operation is an atomic edit: a tag plus a path plus tag-dependent
// auxiliary fields. It is opaque to the core beyond composition and
// transform, both delegated to the bound Strategy (algorithm.go).
type Operation struct {
	Op OpTag `json:"op"`
	// Path is the target location for every tag.
	Path Path `json:"path"`
	// Value carries the new value (add/replace), the inserted text
	// (@txt) or the numeric delta (@inc).
	Value interface{} `json:"value,omitempty"`
	// From is the source location for move/copy.
	From Path `json:"from,omitempty"`
	// Offset is the insertion point within a string leaf for @txt;
	// absent (0) inserts at the start of the leaf.
	Offset int `json:"offset,omitempty"`
}

// Clone returns a deep-enough copy of the operation: the Path/From
// slices are copied so callers may mutate them independently. Value is
// left shared since operations treat it as immutable once authored.
func (o Operation) Clone() Operation {
	o.Path = o.Path.clone()
	o.From = o.From.clone()
	return o
}

// Change is the unit of synchronization: a non-empty, left-to-right
// ordered sequence of operations plus revision bookkeeping.
type Change struct {
	ID      string      `json:"id"`
	Ops     []Operation `json:"ops"`
	BaseRev int64       `json:"baseRev"`
	// Rev is 0 while pending, a positive strictly-increasing-per-doc
	// integer once committed.
	Rev int64 `json:"rev"`
	// CreatedAt is the authoring timestamp in epoch milliseconds.
	CreatedAt int64 `json:"createdAt"`
	// CommittedAt is the server-assigned timestamp; 0 while pending.
	CommittedAt int64 `json:"committedAt,omitempty"`
	// BatchID marks a change that was split off a larger pending batch
	// to honour the transport payload budget (§4.6); empty otherwise.
	BatchID string `json:"batchId,omitempty"`
}

// Committed reports whether the server has assigned this change a revision.
func (c Change) Committed() bool { return c.Rev > 0 }

// Clone deep-copies a Change so callers may retain it independently of
// the pending queue it came from.
func (c Change) Clone() Change {
	ops := make([]Operation, len(c.Ops))
	for i, op := range c.Ops {
		ops[i] = op.Clone()
	}
	c.Ops = ops
	return c
}

// CloneChanges deep-copies an ordered slice of changes.
func CloneChanges(changes []Change) []Change {
	out := make([]Change, len(changes))
	for i, c := range changes {
		out[i] = c.Clone()
	}
	return out
}

// Snapshot is a document state at a particular committed revision plus
// the pending local changes layered on top of it.
type Snapshot struct {
	State   json.RawMessage `json:"state"`
	Rev     int64           `json:"rev"`
	Changes []Change        `json:"changes,omitempty"`
}

// Clone deep-copies a snapshot.
func (s Snapshot) Clone() Snapshot {
	state := make(json.RawMessage, len(s.State))
	copy(state, s.State)
	s.State = state
	s.Changes = CloneChanges(s.Changes)
	return s
}

// TrackedDoc is the persistent metadata record for a tracked document.
type TrackedDoc struct {
	DocID        string `json:"docId"`
	CommittedRev int64  `json:"committedRev"`
	Deleted      bool   `json:"deleted,omitempty"`
	// Algorithm names the strategy bound to this doc ("ot" or "lww"),
	// recorded at trackDocs time and immutable thereafter (see
	// DESIGN.md, "Strategy switching mid-life").
	Algorithm string `json:"algorithm,omitempty"`
}

// SyncStatus is the observable per-doc sync state.
type SyncStatus string

const (
	StatusUnsynced SyncStatus = "unsynced"
	StatusSynced   SyncStatus = "synced"
	StatusSyncing  SyncStatus = "syncing"
	StatusError    SyncStatus = "error"
)

// SyncedEntry is the denormalised projection the sync engine publishes
// per tracked doc (§4.4.5).
type SyncedEntry struct {
	CommittedRev int64
	HasPending   bool
	Status       SyncStatus
}

// Equal reports structural equality, used by the sync engine to decide
// whether an update to the synced map is observable (§4.4.5).
func (e SyncedEntry) Equal(other SyncedEntry) bool {
	return e.CommittedRev == other.CommittedRev && e.HasPending == other.HasPending && e.Status == other.Status
}
