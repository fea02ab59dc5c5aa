package patches

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func changeWithOps(id string, n int) Change {
	ops := make([]Operation, n)
	for i := range ops {
		ops[i] = Operation{Op: OpReplace, Path: Path{"field"}, Value: "xxxxxxxxxx"}
	}
	return Change{ID: id, Ops: ops, BaseRev: 1, CreatedAt: 1}
}

func TestBreakIntoBatchesEmptyPendingReturnsNil(t *testing.T) {
	batches, err := BreakIntoBatches(nil, 1024, sequentialIDs("b"), nil)
	require.NoError(t, err)
	assert.Nil(t, batches)
}

func TestBreakIntoBatchesZeroBudgetReturnsOneBatch(t *testing.T) {
	pending := []Change{changeWithOps("a", 1), changeWithOps("b", 1), changeWithOps("c", 1)}
	batches, err := BreakIntoBatches(pending, 0, sequentialIDs("batch"), nil)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)
	for _, c := range batches[0] {
		assert.Empty(t, c.BatchID, "batching disabled: no batch id should be stamped")
	}
}

func TestBreakIntoBatchesWithinBudgetReturnsOneBatch(t *testing.T) {
	pending := []Change{changeWithOps("a", 1), changeWithOps("b", 1)}
	batches, err := BreakIntoBatches(pending, 10_000, sequentialIDs("batch"), nil)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
}

func TestBreakIntoBatchesSplitsWhenOverBudget(t *testing.T) {
	pending := make([]Change, 10)
	for i := range pending {
		pending[i] = changeWithOps(string(rune('a'+i)), 1)
	}
	budget := len(mustMarshal(t, pending[0])) * 3

	batches, err := BreakIntoBatches(pending, budget, sequentialIDs("batch"), nil)
	require.NoError(t, err)
	require.Greater(t, len(batches), 1, "budget too small for one batch to hold every change")

	var total int
	seenIDs := map[string]bool{}
	batchID := ""
	for _, batch := range batches {
		total += len(batch)
		for _, c := range batch {
			assert.False(t, seenIDs[c.ID], "change %s appeared in more than one batch", c.ID)
			seenIDs[c.ID] = true
			require.NotEmpty(t, c.BatchID, "every change in a multi-batch split must carry the shared batch id")
			if batchID == "" {
				batchID = c.BatchID
			}
			assert.Equal(t, batchID, c.BatchID, "every batch must share the same batch id")
		}
	}
	assert.Equal(t, len(pending), total, "every pending change must appear in exactly one batch")
}

func TestBreakIntoBatchesSingleOversizedChangeSentAlone(t *testing.T) {
	small := changeWithOps("small", 1)
	huge := changeWithOps("huge", 500)
	pending := []Change{small, huge}

	budget := len(mustMarshal(t, small)) + 50

	batches, err := BreakIntoBatches(pending, budget, sequentialIDs("batch"), nil)
	require.NoError(t, err)

	var total int
	foundHuge := false
	for _, batch := range batches {
		total += len(batch)
		for _, c := range batch {
			if c.ID == "huge" {
				foundHuge = true
				assert.Len(t, batch, 1, "an over-budget change must be sent alone rather than dropped")
			}
		}
	}
	assert.True(t, foundHuge, "the oversized change must still be delivered, never dropped")
	assert.Equal(t, len(pending), total)
}

func TestBreakIntoBatchesPreservesOrderWithinEachBatch(t *testing.T) {
	pending := make([]Change, 6)
	for i := range pending {
		pending[i] = changeWithOps(string(rune('a'+i)), 1)
	}
	budget := len(mustMarshal(t, pending[0])) * 3

	batches, err := BreakIntoBatches(pending, budget, sequentialIDs("batch"), nil)
	require.NoError(t, err)

	var flattened []string
	for _, batch := range batches {
		for _, c := range batch {
			flattened = append(flattened, c.ID)
		}
	}
	for i, c := range pending {
		assert.Equal(t, c.ID, flattened[i], "batching must preserve pending order end to end")
	}
}

func mustMarshal(t *testing.T, c Change) []byte {
	t.Helper()
	tagged := c
	tagged.BatchID = "batch1"
	out, err := json.Marshal(tagged)
	require.NoError(t, err)
	return out
}
