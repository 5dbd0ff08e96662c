package reader

import (
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestIndexSetStartsInOrder(t *testing.T) {
	s := NewIndexSet(5, 1)
	require.Equal(t, 5, s.NumData())
	require.Equal(t, []int32{0, 1, 2, 3, 4}, s.Indices())
	require.Empty(t, s.UnusedIndices())
}

func TestShuffleIsSeeded(t *testing.T) {
	a := NewIndexSet(100, 42)
	b := NewIndexSet(100, 42)
	a.Shuffle()
	b.Shuffle()
	require.Equal(t, a.Indices(), b.Indices())

	c := NewIndexSet(100, 43)
	c.Shuffle()
	require.NotEqual(t, a.Indices(), c.Indices())
}

func TestSelectSubsetMaxCount(t *testing.T) {
	s := NewIndexSet(100, 3)
	s.SetMaxSampleCount(50)
	require.NoError(t, s.SelectSubset())

	require.Equal(t, 50, s.NumData())
	require.True(t, sort.SliceIsSorted(s.Indices(), func(i, j int) bool {
		return s.Index(i) < s.Index(j)
	}))
	seen := map[int32]bool{}
	for _, idx := range s.Indices() {
		require.GreaterOrEqual(t, idx, int32(0))
		require.Less(t, idx, int32(100))
		require.False(t, seen[idx])
		seen[idx] = true
	}
}

func TestSelectSubsetMaxCountTooLarge(t *testing.T) {
	s := NewIndexSet(100, 3)
	s.SetMaxSampleCount(150)
	require.True(t, errors.Is(s.SelectSubset(), ErrInvalidConfig))
}

func TestSelectSubsetConflictingCaps(t *testing.T) {
	s := NewIndexSet(100, 3)
	s.SetMaxSampleCount(10)
	require.NoError(t, s.SetUsePercent(0.5))
	require.True(t, errors.Is(s.SelectSubset(), ErrInvalidConfig))
}

func TestSelectSubsetUsePercent(t *testing.T) {
	s := NewIndexSet(100, 3)
	require.NoError(t, s.SetUsePercent(0.3))
	require.NoError(t, s.SelectSubset())
	require.Equal(t, 30, s.NumData())

	require.Error(t, s.SetUsePercent(1.5))
	require.Error(t, s.SetUsePercent(-0.1))
}

func TestSelectSubsetValidationSplit(t *testing.T) {
	s := NewIndexSet(100, 3)
	require.NoError(t, s.SetValidationPercent(0.2))
	require.NoError(t, s.SelectSubset())

	require.Equal(t, 80, s.NumData())
	require.Len(t, s.UnusedIndices(), 20)

	// The two partitions are disjoint and together cover
	// the full universe.
	seen := map[int32]bool{}
	for _, idx := range s.Indices() {
		seen[idx] = true
	}
	for _, idx := range s.UnusedIndices() {
		require.False(t, seen[idx])
		seen[idx] = true
	}
	require.Len(t, seen, 100)

	require.True(t, sort.SliceIsSorted(s.UnusedIndices(), func(i, j int) bool {
		return s.UnusedIndices()[i] < s.UnusedIndices()[j]
	}))
}

func TestSwapToUnused(t *testing.T) {
	s := NewIndexSet(10, 3)
	require.NoError(t, s.SetValidationPercent(0.3))
	require.NoError(t, s.SelectSubset())
	validation := append([]int32(nil), s.UnusedIndices()...)

	s.SwapToUnused()
	require.Equal(t, validation, s.Indices())
	require.Empty(t, s.UnusedIndices())
}

func TestFirstNKeepsOrder(t *testing.T) {
	s := NewIndexSet(100, 3)
	s.SetFirstN(true)
	require.True(t, s.FirstN())

	s.Shuffle()
	require.Equal(t, int32(0), s.Index(0))
	require.Equal(t, int32(99), s.Index(99))

	s.SetMaxSampleCount(10)
	require.NoError(t, s.SelectSubset())
	require.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, s.Indices())
}

func TestSelectSubsetNoPolicyIsIdentity(t *testing.T) {
	s := NewIndexSet(10, 3)
	require.NoError(t, s.SelectSubset())
	require.Equal(t, 10, s.NumData())
	require.Empty(t, s.UnusedIndices())
}
