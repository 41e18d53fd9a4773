package tracker

// group is a run of consecutive repository ids that is applied, drained
// and checkpointed together.
type group struct {
	ids     []int64
	members map[int64][]string // id -> job keys it depends on
	size    int
}

func newGroup() *group {
	return &group{members: make(map[int64][]string)}
}

func (g *group) add(id int64, keys ...string) {
	if _, ok := g.members[id]; !ok {
		g.ids = append(g.ids, id)
		g.members[id] = []string{}
	}
	g.members[id] = append(g.members[id], keys...)
	g.size += len(keys)
}

func (g *group) empty() bool { return len(g.ids) == 0 }

func (g *group) last() int64 { return g.ids[len(g.ids)-1] }

// prefix returns the ids that, together with every lower id of the group,
// had all of their jobs succeed.
func (g *group) prefix(failed map[string]error) []int64 {
	for i, id := range g.ids {
		for _, k := range g.members[id] {
			if _, bad := failed[k]; bad {
				return g.ids[:i]
			}
		}
	}
	return g.ids
}
