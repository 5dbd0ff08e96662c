// Package comm manages the process grid for a
// distributed training run: which processes form a model
// replica, which same-rank processes average gradients
// across replicas, and which processes share a physical
// node. It exposes point-to-point transfers, broadcasts,
// barriers, and sum-reductions over those groups, with
// traffic accounting for diagnostics.
package comm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tandem-ml/tandem/allreduce"
	"github.com/tandem-ml/tandem/matrix"
	"github.com/tandem-ml/tandem/transport"
)

// A Comm is one process's communicator: its view of the
// process grid plus the primitives for exchanging data
// with the other processes.
//
// Collective calls are group rendezvous points. Every
// member of the relevant group must make the matching
// call in the same order or the run deadlocks; there is
// no timeout or partial-quorum behavior.
type Comm struct {
	transport transport.Transport
	topo      *Topology
	hostnames []string

	world      *Group
	model      *Group
	intermodel *Group
	node       *Group

	collectiveBufs map[int][][]byte

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	modelBarriers      atomic.Uint64
	intermodelBarriers atomic.Uint64
	globalBarriers     atomic.Uint64
}

// New builds a communicator over a transport.
//
// procsPerModel is the number of processes per model
// replica; 0 means all processes form one model. New is
// itself a collective: every rank must call it, since
// host identities are exchanged to discover node-level
// groupings.
func New(t transport.Transport, procsPerModel int) (*Comm, error) {
	topo, err := NewTopology(t.Size(), t.Rank(), procsPerModel)
	if err != nil {
		return nil, err
	}
	c := &Comm{
		transport:      t,
		topo:           topo,
		collectiveBufs: map[int][][]byte{},
	}
	if err := c.setupNodeGroups(); err != nil {
		return nil, err
	}

	rank := t.Rank()
	worldRanks := make([]int, topo.WorldSize)
	for i := range worldRanks {
		worldRanks[i] = i
	}
	c.world = newGroup(worldRanks, rank)

	modelRanks := make([]int, topo.ProcsPerModel)
	for i := range modelRanks {
		modelRanks[i] = topo.ModelRank*topo.ProcsPerModel + i
	}
	c.model = newGroup(modelRanks, rank)

	intermodelRanks := make([]int, topo.NumModels)
	for i := range intermodelRanks {
		intermodelRanks[i] = i*topo.ProcsPerModel + topo.RankInModel
	}
	c.intermodel = newGroup(intermodelRanks, rank)

	klog.V(1).Infof("rank %d: communicator up: %d models x %d procs, model %d rank %d, node %d rank %d",
		rank, topo.NumModels, topo.ProcsPerModel, topo.ModelRank, topo.RankInModel,
		topo.NodeRank, topo.RankInNode)
	return c, nil
}

// setupNodeGroups exchanges host identities with every
// other rank and derives the node-level grouping.
func (c *Comm) setupNodeGroups() error {
	rank := c.transport.Rank()
	size := c.transport.Size()
	host := c.transport.Hostname()

	hostnames := make([]string, size)
	hostnames[rank] = host
	for dst := 0; dst < size; dst++ {
		if dst == rank {
			continue
		}
		if err := c.transport.Send(dst, []byte(host)); err != nil {
			return errors.Wrapf(err, "comm: announcing host to rank %d", dst)
		}
	}
	for src := 0; src < size; src++ {
		if src == rank {
			continue
		}
		payload, _, err := c.transport.Recv(src)
		if err != nil {
			return errors.Wrapf(err, "comm: gathering host from rank %d", src)
		}
		hostnames[src] = string(payload)
	}
	c.hostnames = hostnames

	nodeOf := groupHosts(hostnames, hostKey)
	c.topo.setupNodes(rank, nodeOf)

	var nodeRanks []int
	for r, node := range nodeOf {
		if node == nodeOf[rank] {
			nodeRanks = append(nodeRanks, r)
		}
	}
	c.node = newGroup(nodeRanks, rank)
	return nil
}

// Topology returns the process-grid topology.
func (c *Comm) Topology() *Topology {
	return c.topo
}

// WorldRank returns this process's global rank.
func (c *Comm) WorldRank() int {
	return c.transport.Rank()
}

// WorldGroup returns the group of all processes.
func (c *Comm) WorldGroup() *Group {
	return c.world
}

// ModelGroup returns the group of processes cooperating
// on this process's model replica.
func (c *Comm) ModelGroup() *Group {
	return c.model
}

// IntermodelGroup returns the group of same-rank
// processes across model replicas.
func (c *Comm) IntermodelGroup() *Group {
	return c.intermodel
}

// NodeGroup returns the group of processes sharing this
// process's node.
func (c *Comm) NodeGroup() *Group {
	return c.node
}

// Send sends a vector to the given rank of the given
// model, blocking until the transport accepts it.
func (c *Comm) Send(vec []float64, model, rank int) error {
	return c.sendBytes(c.topo.GlobalRank(model, rank), float64Bytes(vec))
}

// SendMatrix sends a matrix's elements to the given rank
// of the given model. The element count follows from the
// matrix's extents.
func (c *Comm) SendMatrix(mat *matrix.Matrix, model, rank int) error {
	return c.Send(mat.Data(), model, rank)
}

// Recv receives a vector from the given rank of the given
// model. The payload must contain exactly len(vec)
// elements.
func (c *Comm) Recv(vec []float64, model, rank int) error {
	payload, _, err := c.transport.Recv(c.topo.GlobalRank(model, rank))
	if err != nil {
		return errors.Wrap(err, "comm: recv")
	}
	c.bytesReceived.Add(uint64(len(payload)))
	return float64sFromBytes(vec, payload)
}

// RecvMatrix receives a matrix's elements from the given
// rank of the given model.
func (c *Comm) RecvMatrix(mat *matrix.Matrix, model, rank int) error {
	return c.Recv(mat.Data(), model, rank)
}

// RecvAny receives a vector from whichever rank sends
// next, returning the sender's model and rank in model.
func (c *Comm) RecvAny(vec []float64) (model, rank int, err error) {
	payload, from, err := c.transport.Recv(transport.AnySource)
	if err != nil {
		return 0, 0, errors.Wrap(err, "comm: recv any")
	}
	c.bytesReceived.Add(uint64(len(payload)))
	if err := float64sFromBytes(vec, payload); err != nil {
		return 0, 0, err
	}
	return from / c.topo.ProcsPerModel, from % c.topo.ProcsPerModel, nil
}

// RecvMatrixAny receives a matrix's elements from
// whichever rank sends next.
func (c *Comm) RecvMatrixAny(mat *matrix.Matrix) (model, rank int, err error) {
	return c.RecvAny(mat.Data())
}

// NbSend starts a non-blocking send and returns a request
// to wait on. The vector must not be mutated until Wait
// returns.
func (c *Comm) NbSend(vec []float64, model, rank int) *Request {
	payload := float64Bytes(vec)
	dst := c.topo.GlobalRank(model, rank)
	return startRequest(func() error {
		return c.sendBytes(dst, payload)
	})
}

// NbSendMatrix starts a non-blocking matrix send.
func (c *Comm) NbSendMatrix(mat *matrix.Matrix, model, rank int) *Request {
	return c.NbSend(mat.Data(), model, rank)
}

// NbRecv starts a non-blocking receive into vec. The
// vector contents are undefined until Wait returns.
func (c *Comm) NbRecv(vec []float64, model, rank int) *Request {
	src := c.topo.GlobalRank(model, rank)
	return startRequest(func() error {
		payload, _, err := c.transport.Recv(src)
		if err != nil {
			return errors.Wrap(err, "comm: recv")
		}
		c.bytesReceived.Add(uint64(len(payload)))
		return float64sFromBytes(vec, payload)
	})
}

// NbRecvMatrix starts a non-blocking receive into a
// matrix.
func (c *Comm) NbRecvMatrix(mat *matrix.Matrix, model, rank int) *Request {
	return c.NbRecv(mat.Data(), model, rank)
}

// Broadcast sends a vector from the root world rank to an
// explicit list of destination world ranks. The root must
// appear in or be excluded from dests consistently across
// callers; every listed destination must call Broadcast.
func (c *Comm) Broadcast(vec []float64, dests []int, root int) error {
	me := c.transport.Rank()
	if me == root {
		payload := float64Bytes(vec)
		for _, dst := range dests {
			if dst == root {
				continue
			}
			if err := c.sendBytes(dst, payload); err != nil {
				return err
			}
		}
		return nil
	}
	payload, _, err := c.transport.Recv(root)
	if err != nil {
		return errors.Wrap(err, "comm: broadcast recv")
	}
	c.bytesReceived.Add(uint64(len(payload)))
	return float64sFromBytes(vec, payload)
}

// BroadcastMatrix sends a matrix from the root world rank
// to an explicit list of destination world ranks.
func (c *Comm) BroadcastMatrix(mat *matrix.Matrix, dests []int, root int) error {
	return c.Broadcast(mat.Data(), dests, root)
}

// BcastBytes broadcasts a byte payload from the root
// group rank to every member of the group. Non-root
// members receive the payload as the return value; the
// data argument is ignored for them. Payload sizes need
// not be known in advance on the receiving side.
func (c *Comm) BcastBytes(g *Group, root int, data []byte) ([]byte, error) {
	if g.Rank() == root {
		for i := 0; i < g.Size(); i++ {
			if i == root {
				continue
			}
			if err := c.sendBytes(g.WorldRank(i), data); err != nil {
				return nil, err
			}
		}
		return data, nil
	}
	payload, _, err := c.transport.Recv(g.WorldRank(root))
	if err != nil {
		return nil, errors.Wrap(err, "comm: bcast recv")
	}
	c.bytesReceived.Add(uint64(len(payload)))
	return payload, nil
}

// BcastMatrix broadcasts a matrix from the root group
// rank to every member of the group, in place.
func (c *Comm) BcastMatrix(g *Group, root int, mat *matrix.Matrix) error {
	if g.Rank() == root {
		_, err := c.BcastBytes(g, root, float64Bytes(mat.Data()))
		return err
	}
	payload, err := c.BcastBytes(g, root, nil)
	if err != nil {
		return err
	}
	return float64sFromBytes(mat.Data(), payload)
}

// IntermodelBroadcastMatrix broadcasts a matrix from the
// root model's copy to every model replica's same-rank
// process.
func (c *Comm) IntermodelBroadcastMatrix(mat *matrix.Matrix, root int) error {
	return c.BcastMatrix(c.intermodel, root, mat)
}

// IntermodelSumMatrix sums a matrix elementwise across
// all model replicas using the plain (lossless) payload
// representation and automatic algorithm selection.
func (c *Comm) IntermodelSumMatrix(mat *matrix.Matrix) error {
	codec := allreduce.NewPlainCodec()
	maxBytes := codec.MaxEncodedBytes(mat.Rows(), mat.Cols())
	return allreduce.Sum(c.Peer(c.intermodel), mat, maxBytes, codec)
}

// IntermodelAllreduce sums a matrix elementwise across
// model replicas with an explicit payload codec and
// receive-size bound.
func (c *Comm) IntermodelAllreduce(mat *matrix.Matrix, maxRecvBytes int, codec allreduce.Codec) error {
	return allreduce.Sum(c.Peer(c.intermodel), mat, maxRecvBytes, codec)
}

// ModelBarrier synchronizes the processes of this model
// replica.
func (c *Comm) ModelBarrier() error {
	c.modelBarriers.Add(1)
	return c.barrier(c.model)
}

// IntermodelBarrier synchronizes the same-rank processes
// across model replicas.
func (c *Comm) IntermodelBarrier() error {
	c.intermodelBarriers.Add(1)
	return c.barrier(c.intermodel)
}

// GlobalBarrier synchronizes every process.
func (c *Comm) GlobalBarrier() error {
	c.globalBarriers.Add(1)
	return c.barrier(c.world)
}

// barrier is a centralized pure-synchronization barrier:
// rank 0 of the group collects a token from every member,
// then releases them. No payload moves, so the byte
// counters are untouched.
func (c *Comm) barrier(g *Group) error {
	if g.Size() == 1 {
		return nil
	}
	root := g.WorldRank(0)
	if c.transport.Rank() == root {
		for i := 1; i < g.Size(); i++ {
			if _, _, err := c.transport.Recv(g.WorldRank(i)); err != nil {
				return errors.Wrap(err, "comm: barrier gather")
			}
		}
		for i := 1; i < g.Size(); i++ {
			if err := c.transport.Send(g.WorldRank(i), nil); err != nil {
				return errors.Wrap(err, "comm: barrier release")
			}
		}
		return nil
	}
	if err := c.transport.Send(root, nil); err != nil {
		return errors.Wrap(err, "comm: barrier enter")
	}
	if _, _, err := c.transport.Recv(root); err != nil {
		return errors.Wrap(err, "comm: barrier wait")
	}
	return nil
}

// Peer adapts a group to the reduction engine's view,
// with byte accounting on every exchange.
func (c *Comm) Peer(g *Group) allreduce.Peer {
	return &groupPeer{c: c, g: g}
}

type groupPeer struct {
	c *Comm
	g *Group
}

func (p *groupPeer) Rank() int {
	return p.g.Rank()
}

func (p *groupPeer) Size() int {
	return p.g.Size()
}

func (p *groupPeer) SendRecv(send []byte, dst int, recvBuf []byte, src int) (int, error) {
	if err := p.c.sendBytes(p.g.WorldRank(dst), send); err != nil {
		return 0, err
	}
	payload, _, err := p.c.transport.Recv(p.g.WorldRank(src))
	if err != nil {
		return 0, errors.Wrap(err, "comm: exchange recv")
	}
	if len(payload) > len(recvBuf) {
		return 0, errors.Errorf("comm: received %d bytes but the receive bound is %d",
			len(payload), len(recvBuf))
	}
	n := copy(recvBuf, payload)
	p.c.bytesReceived.Add(uint64(n))
	return n, nil
}

func (p *groupPeer) Buffer(size, slot int) ([]byte, error) {
	return p.c.CollectiveBuffer(size, slot)
}

// TrafficStats is a snapshot of the communicator's
// monotonic diagnostic counters.
type TrafficStats struct {
	BytesSent          uint64
	BytesReceived      uint64
	ModelBarriers      uint64
	IntermodelBarriers uint64
	GlobalBarriers     uint64
}

func (s TrafficStats) String() string {
	return fmt.Sprintf("sent %s, received %s, barriers model=%d intermodel=%d global=%d",
		humanize.IBytes(s.BytesSent), humanize.IBytes(s.BytesReceived),
		s.ModelBarriers, s.IntermodelBarriers, s.GlobalBarriers)
}

// Stats returns a snapshot of the traffic counters. The
// counters reset only when a communicator is rebuilt.
func (c *Comm) Stats() TrafficStats {
	return TrafficStats{
		BytesSent:          c.bytesSent.Load(),
		BytesReceived:      c.bytesReceived.Load(),
		ModelBarriers:      c.modelBarriers.Load(),
		IntermodelBarriers: c.intermodelBarriers.Load(),
		GlobalBarriers:     c.globalBarriers.Load(),
	}
}

// Close releases the collective buffers and shuts down
// the transport.
func (c *Comm) Close() error {
	klog.V(1).Infof("rank %d: communicator down: %s", c.transport.Rank(), c.Stats())
	c.releaseCollectiveBuffers()
	return c.transport.Close()
}

func (c *Comm) sendBytes(dst int, payload []byte) error {
	if err := c.transport.Send(dst, payload); err != nil {
		return errors.Wrapf(err, "comm: send to rank %d", dst)
	}
	c.bytesSent.Add(uint64(len(payload)))
	return nil
}

// A Request is a handle on a non-blocking operation. It
// must be waited on exactly once, and must not be reused.
type Request struct {
	done chan struct{}
	err  error
}

func startRequest(op func() error) *Request {
	r := &Request{done: make(chan struct{})}
	go func() {
		r.err = op()
		close(r.done)
	}()
	return r
}

// Wait blocks until the operation completes and returns
// its error.
func (r *Request) Wait() error {
	<-r.done
	return r.err
}

func float64Bytes(vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func float64sFromBytes(dst []float64, payload []byte) error {
	if len(payload) != 8*len(dst) {
		return errors.Errorf("comm: payload of %d bytes does not fill %d elements",
			len(payload), len(dst))
	}
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[8*i:]))
	}
	return nil
}
