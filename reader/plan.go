package reader

// An EpochPlan is the per-reader iteration plan for a set
// of parallel readers walking one dataset round-robin in
// mini-batch-sized blocks. Reader k starts at offset
// k*batchSize and strides by batchSize*numReaders.
type EpochPlan struct {
	// Iterations is the number of mini-batches this
	// reader fetches per epoch.
	Iterations int

	// UsesAltLastBatch reports whether this reader's final
	// mini-batch is irregular.
	UsesAltLastBatch bool

	// LastBatchSize is the sample count of this reader's
	// final mini-batch.
	LastBatchSize int

	// LastBatchStride is the position stride applied when
	// entering the final mini-batch.
	LastBatchStride int

	// LastBatchThreshold is the position where the ragged
	// tail of the dataset begins.
	LastBatchThreshold int
}

// ComputeMaxParallelReaders reduces a requested parallel
// reader count until every reader has at least one full
// nominal mini-batch of data, mirroring how the I/O layer
// bounds its reader fan-out.
func ComputeMaxParallelReaders(dataSetSize, miniBatchSize, requested int) int {
	if requested < 1 {
		requested = 1
	}
	for requested > 1 && dataSetSize < miniBatchSize*requested {
		requested--
	}
	return requested
}

// PlanEpoch computes reader readerID's iteration plan for
// numReaders parallel readers over numData samples with
// the given nominal mini-batch size.
func PlanEpoch(numData, batchSize, numReaders, readerID int) EpochPlan {
	stride := batchSize * numReaders
	iterations := (numData - readerID*batchSize + stride - 1) / stride
	if iterations < 0 {
		iterations = 0
	}

	plan := EpochPlan{
		Iterations:      iterations,
		LastBatchSize:   batchSize,
		LastBatchStride: stride,
	}
	if iterations == 0 {
		return plan
	}

	threshold := numData - numData%stride
	if numData%stride == 0 {
		threshold = numData - stride
	}
	plan.LastBatchThreshold = threshold

	// Samples left for this reader once its last batch
	// begins.
	lastStart := readerID*batchSize + (iterations-1)*stride
	remaining := numData - lastStart
	if remaining < batchSize {
		plan.UsesAltLastBatch = true
		plan.LastBatchSize = remaining
	}
	return plan
}
