package patches

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReplica(t *testing.T, strategy Strategy, snap Snapshot) *Replica {
	t.Helper()
	r, err := NewReplica("doc1", strategy, snap)
	require.NoError(t, err)
	return r
}

func TestReplicaChangeUpdatesStateAndPending(t *testing.T) {
	r := newTestReplica(t, NewOTStrategy(), Snapshot{State: json.RawMessage(`{}`)})

	var captured []Mutation
	r.Subscribe(func(m Mutation) { captured = append(captured, m) })

	err := r.Change(func(d *Draft) error {
		d.Set(Path{"name"}, "A")
		return nil
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{"name":"A"}`, string(r.State()))
	assert.True(t, r.HasPending())
	require.Len(t, r.PendingChanges(), 1)
	require.Len(t, captured, 1)
	assert.Equal(t, MutationLocal, captured[0].Kind)
	assert.Len(t, captured[0].Ops, 1)
}

func TestReplicaChangeFailsWhenClosed(t *testing.T) {
	r := newTestReplica(t, NewOTStrategy(), Snapshot{State: json.RawMessage(`{}`)})
	r.Close()
	err := r.Change(func(d *Draft) error { d.Set(Path{"x"}, 1); return nil })
	assert.ErrorIs(t, err, ErrClosedDoc)
}

func TestReplicaChangeWithNoOpsIsANoop(t *testing.T) {
	r := newTestReplica(t, NewOTStrategy(), Snapshot{State: json.RawMessage(`{}`)})
	var notified bool
	r.Subscribe(func(Mutation) { notified = true })
	err := r.Change(func(d *Draft) error { return nil })
	require.NoError(t, err)
	assert.False(t, notified)
	assert.False(t, r.HasPending())
}

// TestReplicaDurability is P1: reconstructing a replica from an exported
// snapshot reproduces the same observable state and pending queue, in
// order, standing in for a process restart since there is no separate
// on-disk replica state beyond what Export captures.
func TestReplicaDurability(t *testing.T) {
	r := newTestReplica(t, NewOTStrategy(), Snapshot{State: json.RawMessage(`{}`)})
	require.NoError(t, r.Change(func(d *Draft) error { d.Set(Path{"a"}, 1); return nil }))
	require.NoError(t, r.Change(func(d *Draft) error { d.Set(Path{"b"}, 2); return nil }))

	snap := r.Export()

	restarted := newTestReplica(t, NewOTStrategy(), snap)
	assert.JSONEq(t, string(r.State()), string(restarted.State()))
	assert.Equal(t, r.PendingChanges(), restarted.PendingChanges())
}

// TestReplicaImportExportRoundTrip is P5: import(export(replica)) yields
// a replica observationally equal to the original.
func TestReplicaImportExportRoundTrip(t *testing.T) {
	r := newTestReplica(t, NewOTStrategy(), Snapshot{State: json.RawMessage(`{"title":"hi"}`), Rev: 3})
	require.NoError(t, r.Change(func(d *Draft) error { d.Set(Path{"body"}, "draft"); return nil }))

	snap := r.Export()

	other := newTestReplica(t, NewOTStrategy(), Snapshot{State: json.RawMessage(`{"unrelated":true}`)})
	require.NoError(t, other.Import(snap))

	assert.JSONEq(t, string(r.State()), string(other.State()))
	assert.Equal(t, r.CommittedRev(), other.CommittedRev())
	assert.Equal(t, r.PendingChanges(), other.PendingChanges())
}

func TestReplicaImportEmitsSummarizingDiff(t *testing.T) {
	r := newTestReplica(t, NewOTStrategy(), Snapshot{State: json.RawMessage(`{"a":1}`)})
	var captured Mutation
	r.Subscribe(func(m Mutation) { captured = m })

	require.NoError(t, r.Import(Snapshot{State: json.RawMessage(`{"a":2,"b":3}`), Rev: 1}))

	assert.Equal(t, MutationImport, captured.Kind)
	assert.NotEmpty(t, captured.Ops)
}

func TestReplicaApplyCommittedChangesFastPath(t *testing.T) {
	r := newTestReplica(t, NewOTStrategy(), Snapshot{State: json.RawMessage(`{"title":"t0","body":"b0"}`), Rev: 5})
	require.NoError(t, r.Change(func(d *Draft) error { d.Set(Path{"title"}, "local"); return nil }))

	serverChanges := []Change{{ID: "s1", Rev: 6, BaseRev: 5, Ops: []Operation{{Op: OpReplace, Path: Path{"body"}, Value: "remote"}}}}
	newPending, _, err := NewOTStrategy().Rebase(r.PendingChanges(), serverChanges, json.RawMessage(`{"title":"t0","body":"b0"}`))
	require.NoError(t, err)

	require.NoError(t, r.ApplyCommittedChanges(serverChanges, newPending))

	assert.EqualValues(t, 6, r.CommittedRev())
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(r.State(), &decoded))
	assert.Equal(t, "remote", decoded["body"])
	assert.Equal(t, "local", decoded["title"])
}

func TestReplicaSubscribeUnsubscribe(t *testing.T) {
	r := newTestReplica(t, NewOTStrategy(), Snapshot{State: json.RawMessage(`{}`)})
	var count int
	unsub := r.Subscribe(func(Mutation) { count++ })
	require.NoError(t, r.Change(func(d *Draft) error { d.Set(Path{"x"}, 1); return nil }))
	unsub()
	require.NoError(t, r.Change(func(d *Draft) error { d.Set(Path{"y"}, 2); return nil }))
	assert.Equal(t, 1, count)
}
