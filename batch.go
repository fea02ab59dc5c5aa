package patches

import (
	"encoding/json"

	"go.uber.org/zap"
)

// jsonArrayOverhead accounts for the "[" "]" wrapper of a batch;
// BreakIntoBatches adds one byte per "," separator on top of it when
// deciding whether one more change still fits in the batch under
// construction.
const jsonArrayOverhead = 2

// BreakIntoBatches splits pending into ordered batches whose JSON
// encoding stays within maxPayloadBytes (§4.6). A maxPayloadBytes of 0
// disables batching (single batch). A single change that alone exceeds
// the budget forms its own batch; logger logs a warning for it but it
// is still sent, never dropped. Every batch produced when more than one
// is needed shares one freshly generated batchId.
func BreakIntoBatches(pending []Change, maxPayloadBytes int, newBatchID idGenerator, logger *zap.Logger) ([][]Change, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(pending) == 0 {
		return nil, nil
	}

	whole, err := json.Marshal(pending)
	if err != nil {
		return nil, err
	}
	if maxPayloadBytes <= 0 || len(whole) <= maxPayloadBytes {
		return [][]Change{pending}, nil
	}

	batchID := newBatchID()
	var batches [][]Change
	var current []Change
	currentSize := jsonArrayOverhead

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
			currentSize = jsonArrayOverhead
		}
	}

	for _, c := range pending {
		tagged := c
		tagged.BatchID = batchID
		encoded, err := json.Marshal(tagged)
		if err != nil {
			return nil, err
		}
		size := len(encoded)
		if len(current) > 0 {
			size++ // comma separator
		}

		if len(current) > 0 && currentSize+size > maxPayloadBytes {
			flush()
			size = len(encoded)
		}

		if len(current) == 0 && jsonArrayOverhead+len(encoded) > maxPayloadBytes {
			logger.Warn("change exceeds max payload budget, sending alone",
				zap.String("changeId", c.ID),
				zap.Int("changeBytes", len(encoded)),
				zap.Int("maxPayloadBytes", maxPayloadBytes))
		}

		current = append(current, tagged)
		currentSize += size
	}
	flush()

	return batches, nil
}
