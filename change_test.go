package patches

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathString(t *testing.T) {
	cases := []struct {
		path Path
		want string
	}{
		{Path{}, ""},
		{Path{"title"}, "/title"},
		{Path{"a", 2, "b"}, "/a/2/b"},
		{Path{"a/b"}, "/a~1b"},
		{Path{"a~b"}, "/a~0b"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.path.String())
	}
}

func TestPathEqualAndHasPrefix(t *testing.T) {
	a := Path{"users", 0, "name"}
	b := Path{"users", float64(0), "name"}
	assert.True(t, a.Equal(b), "int and float64 segments from JSON decode should compare equal")
	assert.True(t, a.HasPrefix(Path{"users"}))
	assert.True(t, a.HasPrefix(a))
	assert.False(t, a.HasPrefix(Path{"users", 1}))
	assert.False(t, Path{"users"}.HasPrefix(a))
}

func TestPathUnmarshalJSONNormalizesIndices(t *testing.T) {
	var p Path
	require.NoError(t, json.Unmarshal([]byte(`["users", 3, "name"]`), &p))
	require.Len(t, p, 3)
	idx, ok := p[1].(int)
	require.True(t, ok, "numeric segment should decode as int, got %T", p[1])
	assert.Equal(t, 3, idx)
}

func TestOperationCloneIsIndependent(t *testing.T) {
	op := Operation{Op: OpAdd, Path: Path{"a"}, From: Path{"b"}}
	clone := op.Clone()
	clone.Path[0] = "mutated"
	assert.Equal(t, "a", op.Path[0], "mutating the clone's path must not affect the original")
}

func TestCloneChangesDeepCopies(t *testing.T) {
	original := []Change{{ID: "c1", Ops: []Operation{{Op: OpAdd, Path: Path{"x"}}}}}
	clone := CloneChanges(original)
	clone[0].Ops[0].Path[0] = "mutated"
	assert.Equal(t, "x", original[0].Ops[0].Path[0])
}

func TestSyncedEntryEqual(t *testing.T) {
	a := SyncedEntry{CommittedRev: 1, HasPending: true, Status: StatusSyncing}
	b := SyncedEntry{CommittedRev: 1, HasPending: true, Status: StatusSyncing}
	c := SyncedEntry{CommittedRev: 2, HasPending: true, Status: StatusSyncing}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestChangeCommitted(t *testing.T) {
	assert.False(t, Change{Rev: 0}.Committed())
	assert.True(t, Change{Rev: 1}.Committed())
}
