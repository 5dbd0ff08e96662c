package reader

// A Cursor is the mini-batch position state machine for
// one epoch stream. It tracks where the next mini-batch
// starts in the active index sequence, how far each
// completed batch advances the position, and the
// irregular final batch that appears when the dataset
// size does not divide evenly.
//
// The cursor does not fetch samples; it yields positions
// and batch sizes that an external reader turns into
// sample fetches.
type Cursor struct {
	set *IndexSet

	batchSize int

	baseOffset   int
	batchStride  int
	sampleStride int
	modelOffset  int

	currentPos            int
	currentMiniBatchIndex int

	numIterationsPerEpoch int
	miniBatchesPerReader  int

	useAltLastBatch        bool
	lastMiniBatchSize      int
	lastMiniBatchStride    int
	lastMiniBatchThreshold int
}

// NewCursor creates a cursor over an index set with the
// given nominal mini-batch size.
func NewCursor(set *IndexSet, batchSize int) *Cursor {
	return &Cursor{set: set, batchSize: batchSize}
}

// SetMiniBatchesPerReader fixes the externally
// coordinated per-reader mini-batch count used when Setup
// runs in coordinated mode.
func (c *Cursor) SetMiniBatchesPerReader(n int) {
	c.miniBatchesPerReader = n
}

// SetLastMiniBatch configures the irregular final batch:
// its sample count, the position stride applied entering
// it, and the position threshold where the ragged region
// begins.
func (c *Cursor) SetLastMiniBatch(size, stride, threshold int) {
	c.lastMiniBatchSize = size
	c.lastMiniBatchStride = stride
	c.lastMiniBatchThreshold = threshold
}

// Setup initializes the cursor state for an epoch.
//
// baseOffset plus modelOffset is the initial position;
// batchStride is added per completed mini-batch;
// sampleStride is the step between consecutive samples
// within a batch. In coordinated mode the epoch length is
// the externally agreed per-reader mini-batch count and
// the irregular last batch is enabled; otherwise the
// epoch covers the whole active set in ceil(n/batchSize)
// batches. The active indices are reshuffled unless
// first-N mode is on.
func (c *Cursor) Setup(baseOffset, batchStride, sampleStride, modelOffset int, coordinated bool) {
	c.baseOffset = baseOffset
	c.batchStride = batchStride
	c.sampleStride = sampleStride
	c.modelOffset = modelOffset
	if c.lastMiniBatchStride == 0 {
		c.lastMiniBatchStride = batchStride
	}
	c.currentMiniBatchIndex = 0

	if coordinated {
		c.useAltLastBatch = true
		c.numIterationsPerEpoch = c.miniBatchesPerReader
	} else {
		c.numIterationsPerEpoch = (c.set.NumData() + c.batchSize - 1) / c.batchSize
	}

	c.currentPos = c.baseOffset + c.modelOffset
	c.set.Shuffle()
}

// Advance moves the cursor past one completed mini-batch.
// It returns true while the epoch continues. On epoch
// completion the active indices are reshuffled (outside
// first-N mode), the position and batch index reset to
// their initial values, and false is returned.
func (c *Cursor) Advance() bool {
	// Entering the last mini-batch takes the irregular
	// stride when the batch about to finish is the
	// second-to-last one.
	if c.useAltLastBatch && c.currentMiniBatchIndex+1 >= c.numIterationsPerEpoch-1 {
		c.currentPos += c.lastMiniBatchStride
	} else {
		c.currentPos += c.batchStride
	}

	if c.currentPos < c.set.NumData() {
		c.currentMiniBatchIndex++
		return true
	}
	c.set.Shuffle()
	c.currentMiniBatchIndex = 0
	c.currentPos = c.baseOffset + c.modelOffset
	return false
}

// BatchSize returns the number of samples in the current
// mini-batch: the irregular last-batch size when the
// cursor sits on the final batch, the nominal size
// otherwise.
func (c *Cursor) BatchSize() int {
	if c.useAltLastBatch && c.currentMiniBatchIndex >= c.numIterationsPerEpoch-1 {
		return c.lastMiniBatchSize
	}
	return c.batchSize
}

// Position returns the current position in the active
// index sequence.
func (c *Cursor) Position() int {
	return c.currentPos
}

// NextPosition returns where the position will move after
// the current mini-batch completes.
func (c *Cursor) NextPosition() int {
	if c.useAltLastBatch && c.currentMiniBatchIndex+1 >= c.numIterationsPerEpoch-1 {
		return c.currentPos + c.lastMiniBatchStride
	}
	return c.currentPos + c.batchStride
}

// MiniBatchIndex returns the index of the current
// mini-batch within the epoch.
func (c *Cursor) MiniBatchIndex() int {
	return c.currentMiniBatchIndex
}

// IterationsPerEpoch returns the number of mini-batches
// in an epoch.
func (c *Cursor) IterationsPerEpoch() int {
	return c.numIterationsPerEpoch
}

// SampleStride returns the step between consecutive
// samples within a batch.
func (c *Cursor) SampleStride() int {
	return c.sampleStride
}

// restore installs checkpointed position state.
func (c *Cursor) restore(miniBatchIndex, position int) {
	c.currentMiniBatchIndex = miniBatchIndex
	c.currentPos = position
}
