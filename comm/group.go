package comm

// A Group is an ordered set of world ranks that take part
// in collective operations together, seen from one member
// process.
type Group struct {
	ranks []int
	index int
}

func newGroup(ranks []int, worldRank int) *Group {
	g := &Group{ranks: ranks, index: -1}
	for i, r := range ranks {
		if r == worldRank {
			g.index = i
		}
	}
	if g.index < 0 {
		panic("process is not a member of its own group")
	}
	return g
}

// Size returns the number of members.
func (g *Group) Size() int {
	return len(g.ranks)
}

// Rank returns this process's rank within the group.
func (g *Group) Rank() int {
	return g.index
}

// WorldRank translates a group rank to a world rank.
func (g *Group) WorldRank(groupRank int) int {
	return g.ranks[groupRank]
}

// Ranks returns the group's world ranks in group order.
// The returned slice must not be mutated.
func (g *Group) Ranks() []int {
	return g.ranks
}
