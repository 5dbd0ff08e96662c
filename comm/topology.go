package comm

import (
	"crypto/md5"
	"sort"

	"github.com/pkg/errors"
)

// ErrInvalidConfig is returned when topology parameters
// do not describe a valid process grid.
var ErrInvalidConfig = errors.New("comm: invalid configuration")

// A Topology describes where one process sits in the
// process grid: which model replica it belongs to, its
// rank within that replica, and its placement on a
// physical node.
//
// A Topology is immutable for the lifetime of a run.
type Topology struct {
	// WorldSize is the total number of processes.
	WorldSize int

	// ProcsPerModel is the number of processes cooperating
	// on a single model replica.
	ProcsPerModel int

	// NumModels is WorldSize / ProcsPerModel.
	NumModels int

	// ModelRank identifies this process's model replica.
	ModelRank int

	// RankInModel is this process's rank within its model
	// replica, in [0, ProcsPerModel).
	RankInModel int

	// NodeRank identifies the physical node this process
	// runs on.
	NodeRank int

	// RankInNode is this process's rank among the
	// processes sharing its node.
	RankInNode int

	// ProcsPerNode is the number of processes on this
	// process's node.
	ProcsPerNode int

	// ModelRanksOnNode lists, in node-rank order, the
	// rank-in-model of every process resident on this
	// process's node.
	ModelRanksOnNode []int
}

// NewTopology derives the grid portion of a topology for
// one process.
//
// A procsPerModel of 0 means all processes form a single
// model. The node fields are filled in separately once
// host identities have been exchanged.
func NewTopology(worldSize, rank, procsPerModel int) (*Topology, error) {
	if worldSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "world size %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Wrapf(ErrInvalidConfig, "rank %d not in [0, %d)", rank, worldSize)
	}
	if procsPerModel == 0 {
		procsPerModel = worldSize
	}
	if procsPerModel > worldSize {
		return nil, errors.Wrapf(ErrInvalidConfig,
			"not enough processes to create one model: procs per model %d > world size %d",
			procsPerModel, worldSize)
	}
	if worldSize%procsPerModel != 0 {
		return nil, errors.Wrapf(ErrInvalidConfig,
			"procs per model %d does not divide world size %d", procsPerModel, worldSize)
	}
	return &Topology{
		WorldSize:     worldSize,
		ProcsPerModel: procsPerModel,
		NumModels:     worldSize / procsPerModel,
		ModelRank:     rank / procsPerModel,
		RankInModel:   rank % procsPerModel,
	}, nil
}

// GlobalRank returns the world rank of the process with
// the given model rank and rank within that model.
func (t *Topology) GlobalRank(modelRank, rankInModel int) int {
	return modelRank*t.ProcsPerModel + rankInModel
}

// setupNodes fills in the node fields from the node
// assignment computed by groupHosts.
func (t *Topology) setupNodes(rank int, nodeOf []int) {
	t.NodeRank = nodeOf[rank]
	t.RankInNode = 0
	t.ProcsPerNode = 0
	t.ModelRanksOnNode = nil
	for r, node := range nodeOf {
		if node != nodeOf[rank] {
			continue
		}
		if r < rank {
			t.RankInNode++
		}
		t.ProcsPerNode++
		t.ModelRanksOnNode = append(t.ModelRanksOnNode, r%t.ProcsPerModel)
	}
}

// hostKey hashes a host identifier into a portable
// 64-bit key. The digest-based construction gives every
// process the same key for the same string regardless of
// platform, unlike Go's runtime string hash.
func hostKey(host string) uint64 {
	digest := md5.Sum([]byte(host))
	var key uint64
	for i, x := range digest[:8] {
		key |= uint64(x) << uint(8*i)
	}
	return key
}

// groupHosts assigns a node number to every rank.
//
// Ranks are grouped first by hashed host key. Within each
// key bucket, hash collisions between distinct hosts are
// resolved by direct string comparison: each distinct
// string gets a sequential node number in rank order. The
// (key, number) pairs are then mapped to dense global
// node numbers, ordered by key and first appearance.
func groupHosts(hostnames []string, hash func(string) uint64) []int {
	type bucketEntry struct {
		rank int
		host string
	}
	buckets := map[uint64][]bucketEntry{}
	for rank, host := range hostnames {
		key := hash(host)
		buckets[key] = append(buckets[key], bucketEntry{rank: rank, host: host})
	}

	keys := make([]uint64, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	nodeOf := make([]int, len(hostnames))
	node := 0
	for _, key := range keys {
		entries := buckets[key]
		// Entries are already in rank order because ranks
		// were appended in increasing order.
		local := map[string]int{}
		next := 0
		for _, entry := range entries {
			if _, ok := local[entry.host]; !ok {
				local[entry.host] = next
				next++
			}
			nodeOf[entry.rank] = node + local[entry.host]
		}
		node += next
	}
	return nodeOf
}
