package reader

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorWalksEpoch(t *testing.T) {
	set := NewIndexSet(100, 1)
	c := NewCursor(set, 32)
	c.Setup(0, 32, 1, 0, false)

	require.Equal(t, 4, c.IterationsPerEpoch())
	require.Equal(t, 0, c.Position())
	require.Equal(t, 0, c.MiniBatchIndex())
	require.Equal(t, 32, c.BatchSize())
	require.Equal(t, 1, c.SampleStride())
	require.Equal(t, 32, c.NextPosition())

	wantPositions := []int{32, 64, 96}
	for i, want := range wantPositions {
		require.True(t, c.Advance())
		require.Equal(t, want, c.Position())
		require.Equal(t, i+1, c.MiniBatchIndex())
	}

	// The fourth batch exhausts the data; the cursor wraps
	// back to the start of a fresh epoch.
	require.False(t, c.Advance())
	require.Equal(t, 0, c.Position())
	require.Equal(t, 0, c.MiniBatchIndex())
}

func TestCursorReshufflesBetweenEpochs(t *testing.T) {
	set := NewIndexSet(100, 1)
	c := NewCursor(set, 10)
	c.Setup(0, 10, 1, 0, false)
	epoch1 := append([]int32(nil), set.Indices()...)

	for c.Advance() {
	}
	require.NotEqual(t, epoch1, set.Indices())
}

func TestCursorIrregularLastBatch(t *testing.T) {
	set := NewIndexSet(100, 1)
	c := NewCursor(set, 32)
	plan := PlanEpoch(100, 32, 1, 0)
	require.True(t, plan.UsesAltLastBatch)

	c.SetMiniBatchesPerReader(plan.Iterations)
	c.SetLastMiniBatch(plan.LastBatchSize, plan.LastBatchStride, plan.LastBatchThreshold)
	c.Setup(0, 32, 1, 0, true)

	require.Equal(t, 4, c.IterationsPerEpoch())
	require.Equal(t, 32, c.BatchSize())

	require.True(t, c.Advance())
	require.True(t, c.Advance())
	require.Equal(t, 64, c.Position())
	require.Equal(t, 32, c.BatchSize())

	// Entering the final batch.
	require.True(t, c.Advance())
	require.Equal(t, 96, c.Position())
	require.Equal(t, 3, c.MiniBatchIndex())
	require.Equal(t, 4, c.BatchSize())

	require.False(t, c.Advance())
	require.Equal(t, 0, c.Position())
}

func TestCursorModelOffset(t *testing.T) {
	set := NewIndexSet(100, 1)
	c := NewCursor(set, 10)

	// Two interleaved readers: stride covers both, offset
	// picks this reader's lane.
	c.Setup(0, 20, 1, 10, false)
	require.Equal(t, 10, c.Position())
	require.True(t, c.Advance())
	require.Equal(t, 30, c.Position())

	for c.Advance() {
	}
	require.Equal(t, 10, c.Position())
}

func TestCursorDefaultsLastStride(t *testing.T) {
	set := NewIndexSet(50, 1)
	c := NewCursor(set, 10)
	c.SetMiniBatchesPerReader(5)
	c.Setup(0, 10, 1, 0, true)

	// No explicit last-batch stride configured: the
	// nominal stride applies throughout.
	positions := []int{10, 20, 30, 40}
	for _, want := range positions {
		require.True(t, c.Advance())
		require.Equal(t, want, c.Position())
	}
	require.False(t, c.Advance())
}
