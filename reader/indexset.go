// Package reader implements the epoch-iteration core of
// the data-feeding pipeline: the shuffled sample-index
// set, the mini-batch cursor state machine that walks it,
// and coordinated checkpoint/restore of both across a
// multi-process run. Format-specific readers sit on top,
// fetching samples for the index ranges the cursor
// yields.
package reader

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// ErrInvalidConfig is returned for invalid subset
// selection parameters.
var ErrInvalidConfig = errors.New("reader: invalid configuration")

// An IndexSet owns the shuffled sample-index sequence for
// a dataset, split into an active partition that the
// current epoch iterates and an unused partition carved
// off by subset selection (for example a held-out
// validation split).
//
// The two partitions are always disjoint and together
// cover whatever subset selection retained of the
// original universe.
type IndexSet struct {
	active []int32
	unused []int32

	firstN bool

	maxSampleCount    int
	maxSampleCountSet bool
	usePercent        float64
	validationPercent float64

	rng *rand.Rand
}

// NewIndexSet creates an index set over samples
// [0, numData), in order. The seed drives every shuffle
// the set performs, so runs with the same seed walk the
// data identically.
func NewIndexSet(numData int, seed int64) *IndexSet {
	active := make([]int32, numData)
	for i := range active {
		active[i] = int32(i)
	}
	return &IndexSet{
		active:            active,
		usePercent:        -1,
		validationPercent: -1,
		rng:               rand.New(rand.NewSource(seed)),
	}
}

// SetFirstN enables deterministic first-N mode: no
// shuffling, and subset selection preserves the original
// index order instead of sorting.
func (s *IndexSet) SetFirstN(firstN bool) {
	s.firstN = firstN
}

// FirstN reports whether first-N mode is enabled.
func (s *IndexSet) FirstN() bool {
	return s.firstN
}

// SetMaxSampleCount caps the active partition at n
// samples during subset selection.
func (s *IndexSet) SetMaxSampleCount(n int) {
	s.maxSampleCount = n
	s.maxSampleCountSet = true
}

// SetUsePercent caps the active partition at a fraction
// of the data during subset selection.
func (s *IndexSet) SetUsePercent(p float64) error {
	if p < 0 || p > 1 {
		return errors.Wrapf(ErrInvalidConfig, "use percent must be in [0, 1], got %v", p)
	}
	s.usePercent = p
	return nil
}

// SetValidationPercent carves the given fraction of the
// data into the unused partition during subset selection.
func (s *IndexSet) SetValidationPercent(p float64) error {
	if p < 0 || p > 1 {
		return errors.Wrapf(ErrInvalidConfig, "validation percent must be in [0, 1], got %v", p)
	}
	s.validationPercent = p
	return nil
}

// NumData returns the size of the active partition.
func (s *IndexSet) NumData() int {
	return len(s.active)
}

// Index returns the sample index at a position of the
// active partition.
func (s *IndexSet) Index(pos int) int32 {
	return s.active[pos]
}

// Indices returns the active partition. The returned
// slice must not be mutated.
func (s *IndexSet) Indices() []int32 {
	return s.active
}

// UnusedIndices returns the unused partition. The
// returned slice must not be mutated.
func (s *IndexSet) UnusedIndices() []int32 {
	return s.unused
}

// Shuffle reshuffles the active partition, unless
// first-N mode is enabled.
func (s *IndexSet) Shuffle() {
	if s.firstN {
		return
	}
	s.rng.Shuffle(len(s.active), func(i, j int) {
		s.active[i], s.active[j] = s.active[j], s.active[i]
	})
}

// SelectSubset applies the configured selection policy:
// an optional shuffle, at most one of the max-count and
// use-percent caps, and an optional validation split
// carved off the tail into the unused partition. Outside
// first-N mode, both partitions end up sorted ascending.
func (s *IndexSet) SelectSubset() error {
	s.Shuffle()

	if !s.maxSampleCountSet && s.usePercent < 0 && s.validationPercent < 0 {
		return nil
	}
	if s.maxSampleCountSet && s.usePercent >= 0 {
		return errors.Wrap(ErrInvalidConfig, "max sample count and use percent are mutually exclusive")
	}

	if s.maxSampleCountSet {
		if s.maxSampleCount > len(s.active) {
			return errors.Wrapf(ErrInvalidConfig, "max sample count %d exceeds available data %d",
				s.maxSampleCount, len(s.active))
		}
		s.active = s.active[:s.maxSampleCount]
	} else if s.usePercent >= 0 {
		s.active = s.active[:int(s.usePercent*float64(len(s.active)))]
	}

	if s.validationPercent >= 0 {
		unused := int(s.validationPercent * float64(len(s.active)))
		if unused > 0 {
			keep := len(s.active) - unused
			s.unused = append([]int32(nil), s.active[keep:]...)
			s.active = s.active[:keep]
		}
	}

	if !s.firstN {
		sort.Slice(s.active, func(i, j int) bool { return s.active[i] < s.active[j] })
		sort.Slice(s.unused, func(i, j int) bool { return s.unused[i] < s.unused[j] })
	}
	return nil
}

// SwapToUnused makes the unused partition active, for
// example to iterate a validation split like a dataset.
// The previous active partition is discarded and the
// unused partition's backing storage is released rather
// than merely emptied.
func (s *IndexSet) SwapToUnused() {
	s.active = s.unused
	s.unused = nil
}

// replaceActive installs a restored active partition.
func (s *IndexSet) replaceActive(indices []int32) {
	s.active = indices
}
