package allreduce

import (
	"github.com/pkg/errors"

	"github.com/tandem-ml/tandem/matrix"
)

// A doubleBuffer ping-pongs between two scratch regions
// during pipelined ring steps: data to forward stays in
// the active region while a fresh receive lands in the
// standby region.
type doubleBuffer struct {
	active  []byte
	standby []byte
}

func newDoubleBuffer(p Peer, size int) (*doubleBuffer, error) {
	active, err := p.Buffer(size, 0)
	if err != nil {
		return nil, err
	}
	standby, err := p.Buffer(size, 1)
	if err != nil {
		return nil, err
	}
	return &doubleBuffer{active: active, standby: standby}, nil
}

func (b *doubleBuffer) swap() {
	b.active, b.standby = b.standby, b.active
}

// pairwiseExchangeRing sums mat across the group with a
// pairwise-exchange reduce-scatter followed by a ring
// allgather.
//
// The matrix's columns are partitioned into one slice per
// rank. During reduce-scatter, step s exchanges with
// ranks (rank+s) mod n and (rank-s) mod n: the slice owned
// by the partner goes out, the partner's contribution to
// our own slice comes back and is accumulated, so no pair
// ever touches the same data twice. The allgather then
// forwards fully-reduced slices around the ring.
func pairwiseExchangeRing(p Peer, mat *matrix.Matrix, maxRecvBytes int, codec Codec) error {
	rank := p.Rank()
	n := p.Size()
	lengths, ends := columnSlices(mat.Cols(), n)
	buf, err := newDoubleBuffer(p, maxRecvBytes)
	if err != nil {
		return err
	}

	// Reduce-scatter: accumulate everyone's contribution
	// to our own slice.
	ownView := mat.ColRange(ends[rank]-lengths[rank], ends[rank])
	for step := 1; step < n; step++ {
		dst := (rank + step) % n
		src := (rank - step + n) % n
		sendView := mat.ColRange(ends[dst]-lengths[dst], ends[dst])
		payload, err := codec.Encode(sendView, true)
		if err != nil {
			return errors.Wrapf(err, "allreduce: reduce-scatter step %d", step)
		}
		got, err := p.SendRecv(payload, dst, buf.active, src)
		if err != nil {
			return errors.Wrapf(err, "allreduce: reduce-scatter step %d", step)
		}
		if _, err := codec.DecodeAccumulate(buf.active[:got], ownView); err != nil {
			return errors.Wrapf(err, "allreduce: reduce-scatter step %d", step)
		}
	}

	return ringAllgather(p, mat, lengths, ends, codec, buf, rank)
}

// ringAllreduce sums mat across the group with a plain
// ring reduce-scatter followed by a ring allgather.
//
// Unlike the pairwise exchange, the accumulator for each
// slice is cycled around the ring, visiting every rank;
// after n-1 steps slice k sits fully reduced on rank
// (k+n-1) mod n. The allgather's slice bookkeeping
// depends on exactly that placement.
func ringAllreduce(p Peer, mat *matrix.Matrix, maxRecvBytes int, codec Codec) error {
	rank := p.Rank()
	n := p.Size()
	lengths, ends := columnSlices(mat.Cols(), n)
	buf, err := newDoubleBuffer(p, maxRecvBytes)
	if err != nil {
		return err
	}
	dst := (rank + 1) % n
	src := (rank - 1 + n) % n

	// Reduce-scatter: pass partial sums one hop per step.
	for step := 0; step < n-1; step++ {
		sendSlice := (rank - step + n) % n
		recvSlice := (rank - step - 1 + n) % n
		sendView := mat.ColRange(ends[sendSlice]-lengths[sendSlice], ends[sendSlice])
		payload, err := codec.Encode(sendView, false)
		if err != nil {
			return errors.Wrapf(err, "allreduce: ring reduce-scatter step %d", step)
		}
		got, err := p.SendRecv(payload, dst, buf.active, src)
		if err != nil {
			return errors.Wrapf(err, "allreduce: ring reduce-scatter step %d", step)
		}
		recvView := mat.ColRange(ends[recvSlice]-lengths[recvSlice], ends[recvSlice])
		if _, err := codec.DecodeAccumulate(buf.active[:got], recvView); err != nil {
			return errors.Wrapf(err, "allreduce: ring reduce-scatter step %d", step)
		}
	}

	// After the reduce-scatter, the slice this rank owns
	// in full is the one that arrived last: slice rank+1.
	return ringAllgather(p, mat, lengths, ends, codec, buf, (rank+1)%n)
}

// ringAllgather circulates fully-reduced column slices
// around the ring until every rank holds all of them.
// ownedSlice is the slice index this rank holds reduced
// when the allgather starts.
func ringAllgather(p Peer, mat *matrix.Matrix, lengths, ends []int, codec Codec, buf *doubleBuffer, ownedSlice int) error {
	rank := p.Rank()
	n := p.Size()
	dst := (rank + 1) % n
	src := (rank - 1 + n) % n

	// First hop forwards our own reduced slice; what we
	// receive is our upstream neighbor's.
	ownView := mat.ColRange(ends[ownedSlice]-lengths[ownedSlice], ends[ownedSlice])
	payload, err := codec.Encode(ownView, false)
	if err != nil {
		return errors.Wrap(err, "allreduce: allgather first hop")
	}
	recvSlice := (ownedSlice - 1 + n) % n
	got, err := p.SendRecv(payload, dst, buf.active, src)
	if err != nil {
		return errors.Wrap(err, "allreduce: allgather first hop")
	}
	recvView := mat.ColRange(ends[recvSlice]-lengths[recvSlice], ends[recvSlice])
	forward, err := codec.DecodeOverwrite(buf.active[:got], recvView)
	if err != nil {
		return errors.Wrap(err, "allreduce: allgather first hop")
	}

	// Remaining n-2 hops forward whatever arrived last.
	// Fresh receives land in the standby buffer while the
	// active buffer holds the data still in flight.
	for step := 1; step < n-1; step++ {
		recvSlice = (ownedSlice - step - 1 + n) % n
		got, err := p.SendRecv(buf.active[:forward], dst, buf.standby, src)
		if err != nil {
			return errors.Wrapf(err, "allreduce: allgather hop %d", step)
		}
		recvView := mat.ColRange(ends[recvSlice]-lengths[recvSlice], ends[recvSlice])
		forward, err = codec.DecodeOverwrite(buf.standby[:got], recvView)
		if err != nil {
			return errors.Wrapf(err, "allreduce: allgather hop %d", step)
		}
		buf.swap()
	}
	return nil
}
