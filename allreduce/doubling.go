package allreduce

import (
	"github.com/pkg/errors"

	"github.com/tandem-ml/tandem/matrix"
)

// recursiveDoubling sums mat across the group by
// exchanging full transformed payloads with partner
// rank XOR mask for mask = 1, 2, 4, ... and accumulating
// each received payload in place. log2(n) steps.
//
// The group size must be a power of two; otherwise the
// matrix is left untouched and ErrNotPowerOfTwo is
// returned.
func recursiveDoubling(p Peer, mat *matrix.Matrix, maxRecvBytes int, codec Codec) error {
	rank := p.Rank()
	n := p.Size()
	if n&(n-1) != 0 {
		return errors.WithStack(ErrNotPowerOfTwo)
	}
	recvBuf, err := p.Buffer(maxRecvBytes, 0)
	if err != nil {
		return err
	}
	for mask := 1; mask < n; mask <<= 1 {
		partner := rank ^ mask
		payload, err := codec.Encode(mat, false)
		if err != nil {
			return errors.Wrapf(err, "allreduce: encoding for partner %d", partner)
		}
		got, err := p.SendRecv(payload, partner, recvBuf, partner)
		if err != nil {
			return errors.Wrapf(err, "allreduce: exchange with partner %d", partner)
		}
		if _, err := codec.DecodeAccumulate(recvBuf[:got], mat); err != nil {
			return errors.Wrapf(err, "allreduce: accumulating from partner %d", partner)
		}
	}
	return nil
}
