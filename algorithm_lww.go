package patches

import "encoding/json"

// LWWStrategy is the last-writer-wins arm of §4.1: rebase discards any
// pending change whose ops target a path that intersects (is equal to,
// an ancestor of, or a descendant of) a path any server op touched,
// rather than transforming it.
type LWWStrategy struct {
	newID idGenerator
	now   clock
}

// LWWOption configures an LWWStrategy.
type LWWOption func(*LWWStrategy)

// WithLWWIDGenerator overrides change id generation (default: uuid v4).
func WithLWWIDGenerator(fn func() string) LWWOption {
	return func(s *LWWStrategy) { s.newID = fn }
}

// WithLWWClock overrides the authoring clock (default: time.Now, ms).
func WithLWWClock(fn func() int64) LWWOption {
	return func(s *LWWStrategy) { s.now = fn }
}

// NewLWWStrategy constructs the last-writer-wins strategy.
func NewLWWStrategy(opts ...LWWOption) *LWWStrategy {
	s := &LWWStrategy{newID: defaultIDGenerator, now: defaultClock}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LWWStrategy) Name() string { return "lww" }

func (s *LWWStrategy) ComposeOps(prevPending []Change, ops []Operation, committedRev int64) ([]Change, error) {
	return defaultComposeOps(prevPending, ops, committedRev, s.newID, s.now)
}

func (s *LWWStrategy) Confirm(pending []Change, committed []Change) ([]Change, error) {
	return defaultConfirm(pending, committed)
}

func (s *LWWStrategy) Rebase(pending []Change, serverChanges []Change, baseState json.RawMessage) ([]Change, json.RawMessage, error) {
	newState, err := applyChanges(baseState, serverChanges)
	if err != nil {
		return nil, nil, err
	}
	var lastRev int64
	if len(serverChanges) > 0 {
		lastRev = serverChanges[len(serverChanges)-1].Rev
	}

	var serverPaths []Path
	for _, sc := range serverChanges {
		for _, op := range sc.Ops {
			serverPaths = append(serverPaths, op.Path)
		}
	}

	pending = dropOwnCommitted(pending, serverChanges)

	out := make([]Change, 0, len(pending))
	for _, c := range pending {
		if changeIntersects(c, serverPaths) {
			continue
		}
		clone := c.Clone()
		clone.BaseRev = lastRev
		out = append(out, clone)
	}
	return out, newState, nil
}

func changeIntersects(c Change, serverPaths []Path) bool {
	for _, op := range c.Ops {
		for _, sp := range serverPaths {
			if op.Path.HasPrefix(sp) || sp.HasPrefix(op.Path) {
				return true
			}
		}
	}
	return false
}
