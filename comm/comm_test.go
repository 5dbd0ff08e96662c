package comm

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/tandem-ml/tandem/allreduce"
	"github.com/tandem-ml/tandem/matrix"
	"github.com/tandem-ml/tandem/transport"
)

// runRanks builds a communicator on every rank of a mesh
// and runs f in one goroutine per rank.
func runRanks(t *testing.T, mesh *transport.Mesh, procsPerModel int, f func(c *Comm) error) {
	errs := make([]error, mesh.Size())
	var wg sync.WaitGroup
	for i := 0; i < mesh.Size(); i++ {
		rank := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := New(mesh.Endpoint(rank), procsPerModel)
			if err != nil {
				errs[rank] = err
				return
			}
			errs[rank] = f(c)
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

func TestCommGroups(t *testing.T) {
	hostnames := []string{"h0", "h0", "h1", "h1", "h2", "h2"}
	mesh := transport.NewMesh(6, transport.WithHostnames(hostnames))
	runRanks(t, mesh, 3, func(c *Comm) error {
		topo := c.Topology()
		if topo.NumModels != 2 {
			return errors.Errorf("rank %d: got %d models", c.WorldRank(), topo.NumModels)
		}
		if c.ModelGroup().Size() != 3 || c.IntermodelGroup().Size() != 2 {
			return errors.New("unexpected group sizes")
		}
		if c.NodeGroup().Size() != 2 || topo.ProcsPerNode != 2 {
			return errors.New("unexpected node group size")
		}
		if got := c.ModelGroup().WorldRank(c.ModelGroup().Rank()); got != c.WorldRank() {
			return errors.Errorf("model group maps self to %d", got)
		}
		// Ranks 2 and 3 share host h1 but belong to
		// different models: rank-in-model 2 and 0.
		if c.WorldRank() == 2 || c.WorldRank() == 3 {
			want := []int{2, 0}
			if len(topo.ModelRanksOnNode) != 2 || topo.ModelRanksOnNode[0] != want[0] ||
				topo.ModelRanksOnNode[1] != want[1] {
				return errors.Errorf("node model ranks %v, want %v", topo.ModelRanksOnNode, want)
			}
		}
		return nil
	})
}

func TestSendRecvRing(t *testing.T) {
	mesh := transport.NewMesh(4)
	runRanks(t, mesh, 2, func(c *Comm) error {
		topo := c.Topology()
		me := c.WorldRank()
		next := (me + 1) % topo.WorldSize
		prev := (me - 1 + topo.WorldSize) % topo.WorldSize

		out := []float64{float64(me), float64(me) * 2}
		if err := c.Send(out, next/topo.ProcsPerModel, next%topo.ProcsPerModel); err != nil {
			return err
		}
		in := make([]float64, 2)
		if err := c.Recv(in, prev/topo.ProcsPerModel, prev%topo.ProcsPerModel); err != nil {
			return err
		}
		if in[0] != float64(prev) || in[1] != float64(prev)*2 {
			return errors.Errorf("rank %d received %v from %d", me, in, prev)
		}

		stats := c.Stats()
		if stats.BytesSent != 16 || stats.BytesReceived != 16 {
			return errors.Errorf("rank %d counters: %+v", me, stats)
		}
		return nil
	})
}

func TestNonBlockingSendRecv(t *testing.T) {
	mesh := transport.NewMesh(2)
	runRanks(t, mesh, 1, func(c *Comm) error {
		me := c.WorldRank()
		other := 1 - me
		out := matrix.New(3, 3)
		out.Set(1, 1, float64(me)+1)
		in := matrix.New(3, 3)

		sendReq := c.NbSendMatrix(out, other, 0)
		recvReq := c.NbRecvMatrix(in, other, 0)
		if err := sendReq.Wait(); err != nil {
			return err
		}
		if err := recvReq.Wait(); err != nil {
			return err
		}
		if in.At(1, 1) != float64(other)+1 {
			return errors.Errorf("rank %d received %v", me, in.At(1, 1))
		}
		return nil
	})
}

func TestRecvAny(t *testing.T) {
	mesh := transport.NewMesh(3)
	runRanks(t, mesh, 1, func(c *Comm) error {
		me := c.WorldRank()
		if me == 0 {
			got := map[int]bool{}
			for i := 0; i < 2; i++ {
				in := make([]float64, 1)
				model, _, err := c.RecvAny(in)
				if err != nil {
					return err
				}
				if in[0] != float64(model) {
					return errors.Errorf("payload %v from model %d", in[0], model)
				}
				got[model] = true
			}
			if !got[1] || !got[2] {
				return errors.Errorf("missing senders: %v", got)
			}
			return nil
		}
		return c.Send([]float64{float64(me)}, 0, 0)
	})
}

func TestBarriers(t *testing.T) {
	mesh := transport.NewMesh(4)
	runRanks(t, mesh, 2, func(c *Comm) error {
		if err := c.ModelBarrier(); err != nil {
			return err
		}
		if err := c.IntermodelBarrier(); err != nil {
			return err
		}
		if err := c.GlobalBarrier(); err != nil {
			return err
		}
		if err := c.GlobalBarrier(); err != nil {
			return err
		}
		stats := c.Stats()
		if stats.ModelBarriers != 1 || stats.IntermodelBarriers != 1 || stats.GlobalBarriers != 2 {
			return errors.Errorf("barrier counts: %+v", stats)
		}
		// Barriers move no payload.
		if stats.BytesSent != 0 || stats.BytesReceived != 0 {
			return errors.Errorf("barriers counted bytes: %+v", stats)
		}
		return nil
	})
}

func TestBcastMatrixModelGroup(t *testing.T) {
	mesh := transport.NewMesh(4)
	runRanks(t, mesh, 4, func(c *Comm) error {
		mat := matrix.New(2, 2)
		if c.ModelGroup().Rank() == 0 {
			mat.Set(0, 1, 42)
		}
		if err := c.BcastMatrix(c.ModelGroup(), 0, mat); err != nil {
			return err
		}
		if mat.At(0, 1) != 42 {
			return errors.Errorf("rank %d got %v", c.WorldRank(), mat.At(0, 1))
		}
		return nil
	})
}

func TestBroadcastDestList(t *testing.T) {
	mesh := transport.NewMesh(4)
	runRanks(t, mesh, 1, func(c *Comm) error {
		me := c.WorldRank()
		if me == 3 {
			// Not a destination; must not participate.
			return nil
		}
		vec := make([]float64, 2)
		if me == 0 {
			vec[0], vec[1] = 3.5, -1
		}
		if err := c.Broadcast(vec, []int{1, 2}, 0); err != nil {
			return err
		}
		if me != 0 && (vec[0] != 3.5 || vec[1] != -1) {
			return errors.Errorf("rank %d got %v", me, vec)
		}
		return nil
	})
}

func TestIntermodelSumMatrix(t *testing.T) {
	mesh := transport.NewMesh(4)
	runRanks(t, mesh, 2, func(c *Comm) error {
		topo := c.Topology()
		mat := matrix.New(2, 3)
		for i := range mat.Data() {
			mat.Data()[i] = float64(topo.ModelRank + 1)
		}
		if err := c.IntermodelSumMatrix(mat); err != nil {
			return err
		}
		// Models 0 and 1 contribute 1 and 2 elementwise.
		for i, x := range mat.Data() {
			if x != 3 {
				return errors.Errorf("rank %d element %d is %v", c.WorldRank(), i, x)
			}
		}
		if c.Stats().BytesSent == 0 {
			return errors.New("reduction did not count traffic")
		}
		return nil
	})
}

func TestIntermodelAllreduceQuantized(t *testing.T) {
	mesh := transport.NewMesh(8)
	runRanks(t, mesh, 1, func(c *Comm) error {
		mat := matrix.New(4, 4)
		for i := range mat.Data() {
			mat.Data()[i] = 0.5
		}
		codec := allreduce.NewFloat16Codec()
		if err := c.IntermodelAllreduce(mat, codec.MaxEncodedBytes(4, 4), codec); err != nil {
			return err
		}
		for i, x := range mat.Data() {
			if x != 4 {
				return errors.Errorf("element %d is %v, want 4", i, x)
			}
		}
		return nil
	})
}

func TestCollectiveBufferPool(t *testing.T) {
	mesh := transport.NewMesh(1)
	c, err := New(mesh.Endpoint(0), 1)
	require.NoError(t, err)

	a, err := c.CollectiveBuffer(128, 0)
	require.NoError(t, err)
	require.Len(t, a, 128)

	// Repeated requests return the same backing buffer.
	b, err := c.CollectiveBuffer(128, 0)
	require.NoError(t, err)
	require.Equal(t, &a[0], &b[0])

	// Contiguous slot allocation is fine.
	s1, err := c.CollectiveBuffer(128, 1)
	require.NoError(t, err)
	require.NotSame(t, &a[0], &s1[0])

	// Skipping a slot is a programming error.
	_, err = c.CollectiveBuffer(128, 3)
	require.True(t, errors.Is(err, ErrBufferSlot), "got %v", err)

	// Other sizes start back at slot 0.
	_, err = c.CollectiveBuffer(64, 1)
	require.True(t, errors.Is(err, ErrBufferSlot), "got %v", err)

	require.NoError(t, c.Close())
}
