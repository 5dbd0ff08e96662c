package allreduce

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/tandem-ml/tandem/matrix"
	"github.com/tandem-ml/tandem/transport"
)

// meshPeer adapts a transport endpoint to the engine's
// Peer view for tests and benchmarks, with a private
// buffer pool per rank.
type meshPeer struct {
	t    transport.Transport
	bufs map[int][][]byte
}

// NewMeshPeer wraps a transport endpoint as a Peer whose
// group is the whole mesh.
func NewMeshPeer(t transport.Transport) Peer {
	return &meshPeer{t: t, bufs: map[int][][]byte{}}
}

func (p *meshPeer) Rank() int {
	return p.t.Rank()
}

func (p *meshPeer) Size() int {
	return p.t.Size()
}

func (p *meshPeer) SendRecv(send []byte, dst int, recvBuf []byte, src int) (int, error) {
	if err := p.t.Send(dst, send); err != nil {
		return 0, err
	}
	payload, _, err := p.t.Recv(src)
	if err != nil {
		return 0, err
	}
	if len(payload) > len(recvBuf) {
		return 0, errors.Errorf("received %d bytes but the receive bound is %d", len(payload), len(recvBuf))
	}
	return copy(recvBuf, payload), nil
}

func (p *meshPeer) Buffer(size, slot int) ([]byte, error) {
	bufs := p.bufs[size]
	if slot < len(bufs) {
		return bufs[slot], nil
	}
	if slot > len(bufs) {
		return nil, errors.Errorf("buffer slot %d requested before slot %d", slot, slot-1)
	}
	buf := make([]byte, size)
	p.bufs[size] = append(bufs, buf)
	return buf, nil
}

// RunSumTests runs a battery of summation tests against
// one algorithm. Each case spreads random matrices across
// a mesh of ranks, reduces them, and checks every rank's
// result against the serially computed sum within tol.
func RunSumTests(t *testing.T, algo Algorithm, makeCodec func() Codec, tol float64) {
	groupSizes := []int{1, 2, 3, 4, 5, 7, 8, 16}
	if algo == RecursiveDoubling {
		groupSizes = []int{1, 2, 4, 8, 16}
	}
	shapes := [][2]int{{1, 1}, {3, 5}, {8, 8}, {7, 65}, {65, 64}, {4, 130}}

	for _, numRanks := range groupSizes {
		for _, shape := range shapes {
			rows, cols := shape[0], shape[1]
			testName := fmt.Sprintf("Ranks=%d,Shape=%dx%d", numRanks, rows, cols)
			t.Run(testName, func(t *testing.T) {
				rng := rand.New(rand.NewSource(int64(numRanks*1000 + rows*10 + cols)))
				inputs := make([]*matrix.Matrix, numRanks)
				expected := matrix.New(rows, cols)
				for i := range inputs {
					inputs[i] = matrix.New(rows, cols)
					data := inputs[i].Data()
					for j := range data {
						data[j] = rng.Float64()
					}
					expected.AddFrom(inputs[i])
				}

				mesh := transport.NewMesh(numRanks)
				results := make([]*matrix.Matrix, numRanks)
				errs := make([]error, numRanks)
				var wg sync.WaitGroup
				for i := 0; i < numRanks; i++ {
					rank := i
					wg.Add(1)
					go func() {
						defer wg.Done()
						peer := NewMeshPeer(mesh.Endpoint(rank))
						codec := makeCodec()
						mat := inputs[rank].Clone()
						maxBytes := codec.MaxEncodedBytes(rows, cols)
						errs[rank] = SumWith(algo, peer, mat, maxBytes, codec)
						results[rank] = mat
					}()
				}
				wg.Wait()

				for rank, err := range errs {
					require.NoError(t, err, "rank %d", rank)
				}
				for rank, res := range results {
					for j, got := range res.Data() {
						require.InDelta(t, expected.Data()[j], got, tol,
							"rank %d element %d", rank, j)
					}
				}
			})
		}
	}
}
