// Package allreduce implements collective summation of
// matrices distributed across the members of a
// communicator group.
//
// Three algorithms are provided: recursive doubling for
// power-of-two groups with small payloads, and two
// column-partitioned reduce-scatter/allgather rings for
// everything else. All of them move data exclusively
// through a Codec, so payloads may be plain, quantized,
// or compressed without the algorithms knowing.
//
// Every member of the group must invoke the same
// operation in the same order; collectives are group
// rendezvous points with no timeout.
package allreduce

import (
	"github.com/pkg/errors"

	"github.com/tandem-ml/tandem/matrix"
)

// ErrNotPowerOfTwo is returned when recursive doubling is
// requested for a group whose size is not a power of two.
// The matrix is left unchanged.
var ErrNotPowerOfTwo = errors.New("allreduce: recursive doubling requires a power-of-two group size")

// smallMatrixDim is the largest extent, in either
// dimension, for which automatic selection prefers
// recursive doubling. Recursive doubling finishes in
// log2(n) steps but moves the full payload each step, so
// it only wins for small messages.
const smallMatrixDim = 64

// A Peer is one process's view of the communicator group
// a collective runs over.
//
// Ranks passed to SendRecv are group ranks, not world
// ranks. Buffer returns process-lifetime scratch regions;
// see the communicator's collective buffer pool.
type Peer interface {
	// Rank returns the calling process's rank within the
	// group.
	Rank() int

	// Size returns the number of group members.
	Size() int

	// SendRecv performs one bidirectional exchange: send
	// the payload to dst while receiving into recvBuf from
	// src. It returns the number of bytes received.
	SendRecv(send []byte, dst int, recvBuf []byte, src int) (int, error)

	// Buffer returns the (size, slot) scratch buffer from
	// the collective buffer pool.
	Buffer(size, slot int) ([]byte, error)
}

// Algorithm selects a reduction algorithm.
type Algorithm int

const (
	// Auto picks recursive doubling for small matrices on
	// power-of-two groups and the pairwise-exchange ring
	// otherwise.
	Auto Algorithm = iota

	// RecursiveDoubling exchanges full payloads with
	// partner rank^mask for doubling masks. Power-of-two
	// groups only.
	RecursiveDoubling

	// PairwiseExchangeRing reduce-scatters column slices
	// via pairwise exchanges, then allgathers them around
	// the ring.
	PairwiseExchangeRing

	// Ring reduce-scatters by cycling an accumulator slice
	// around the ring, then allgathers. Same cost profile
	// as PairwiseExchangeRing with different intermediate
	// slice ownership.
	Ring
)

func (a Algorithm) String() string {
	switch a {
	case Auto:
		return "auto"
	case RecursiveDoubling:
		return "recursive-doubling"
	case PairwiseExchangeRing:
		return "pairwise-exchange-ring"
	case Ring:
		return "ring"
	}
	return "unknown"
}

// Sum reduces mat elementwise across the group so that
// every member ends up with the sum, choosing the
// algorithm automatically.
//
// maxRecvBytes bounds the size of any single received
// payload and sizes the scratch buffers; it must be at
// least codec.MaxEncodedBytes over the largest slice
// exchanged.
func Sum(p Peer, mat *matrix.Matrix, maxRecvBytes int, codec Codec) error {
	return SumWith(Auto, p, mat, maxRecvBytes, codec)
}

// SumWith is Sum with an explicitly pinned algorithm.
func SumWith(algo Algorithm, p Peer, mat *matrix.Matrix, maxRecvBytes int, codec Codec) error {
	if p.Size() == 1 {
		return nil
	}
	if algo == Auto {
		n := p.Size()
		if n&(n-1) != 0 {
			algo = PairwiseExchangeRing
		} else if mat.Rows() <= smallMatrixDim && mat.Cols() <= smallMatrixDim {
			algo = RecursiveDoubling
		} else {
			algo = PairwiseExchangeRing
		}
	}
	switch algo {
	case RecursiveDoubling:
		return recursiveDoubling(p, mat, maxRecvBytes, codec)
	case PairwiseExchangeRing:
		return pairwiseExchangeRing(p, mat, maxRecvBytes, codec)
	case Ring:
		return ringAllreduce(p, mat, maxRecvBytes, codec)
	}
	return errors.Errorf("allreduce: unknown algorithm %d", algo)
}

// columnSlices partitions width columns into n contiguous
// slices. The first width%n slices get one extra column,
// so slice lengths are front-loaded. It returns the
// per-slice lengths and their exclusive prefix-sum ends.
func columnSlices(width, n int) (lengths, ends []int) {
	lengths = make([]int, n)
	ends = make([]int, n)
	base := width / n
	remainder := width % n
	total := 0
	for i := range lengths {
		lengths[i] = base
		if i < remainder {
			lengths[i]++
		}
		total += lengths[i]
		ends[i] = total
	}
	return lengths, ends
}
