package query

import (
	"cmp"
	"maps"
	"slices"

	"github.com/OFFIS-RIT/argus/pkg/common"
)

// ShortestPath returns the entity ids of an unweighted shortest path between
// from and to, ignoring edge direction. Among equally short paths the one
// found by visiting neighbours in ascending id order wins. A missing path is
// reported as (nil, false, nil); unknown ids yield a NotFoundError.
func ShortestPath(g Graph, from, to string) ([]string, bool, error) {
	for _, id := range []string{from, to} {
		if _, ok := g.Entity(id); !ok {
			return nil, false, &common.NotFoundError{ID: id}
		}
	}
	if from == to {
		return []string{from}, true, nil
	}

	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, next := range neighborIDs(g, id) {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = id
			if next == to {
				return walkBack(parent, to), true, nil
			}
			queue = append(queue, next)
		}
	}
	return nil, false, nil
}

func walkBack(parent map[string]string, to string) []string {
	var path []string
	for id := to; id != ""; id = parent[id] {
		path = append(path, id)
	}
	slices.Reverse(path)
	return path
}

// neighborIDs returns the distinct entities adjacent to id in ascending order.
func neighborIDs(g Graph, id string) []string {
	set := make(map[string]struct{})
	for _, r := range g.Neighbors(id) {
		if other := r.Other(id); other != id {
			set[other] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// ConnectedComponents partitions all entities by undirected reachability.
// Isolated entities form singleton components. Components are ordered by
// size, largest first, then by their smallest id; ids inside a component are
// ascending.
func ConnectedComponents(g Graph) [][]string {
	parent := make(map[string]string)

	var find func(x string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(x, y string) {
		px, py := find(x), find(y)
		if px == py {
			return
		}
		// smaller id becomes the root so the result does not depend on edge order
		if py < px {
			px, py = py, px
		}
		parent[py] = px
	}

	for _, e := range g.Entities() {
		parent[e.ID] = e.ID
	}
	for _, r := range g.Relationships() {
		if _, ok := parent[r.From]; !ok {
			continue
		}
		if _, ok := parent[r.To]; !ok {
			continue
		}
		union(r.From, r.To)
	}

	groups := make(map[string][]string)
	for _, e := range g.Entities() {
		root := find(e.ID)
		groups[root] = append(groups[root], e.ID)
	}

	result := make([][]string, 0, len(groups))
	for _, group := range groups {
		slices.Sort(group)
		result = append(result, group)
	}
	slices.SortFunc(result, func(a, b []string) int {
		if c := cmp.Compare(len(b), len(a)); c != 0 {
			return c
		}
		return cmp.Compare(a[0], b[0])
	})
	return result
}

// DegreeCentrality counts the distinct relationships incident to each
// entity. Every entity is present, isolated ones with zero.
func DegreeCentrality(g Graph) map[string]int {
	out := make(map[string]int)
	for _, e := range g.Entities() {
		out[e.ID] = len(g.Neighbors(e.ID))
	}
	return out
}

// Ranked is one entry of a degree ranking.
type Ranked struct {
	ID     string `json:"id"`
	Degree int    `json:"degree"`
}

// TopByDegree returns the n entities with the highest degree, ties broken by
// id. n <= 0 returns the full ranking.
func TopByDegree(g Graph, n int) []Ranked {
	degrees := DegreeCentrality(g)
	ranked := make([]Ranked, 0, len(degrees))
	for id, d := range degrees {
		ranked = append(ranked, Ranked{ID: id, Degree: d})
	}
	slices.SortFunc(ranked, func(a, b Ranked) int {
		if c := cmp.Compare(b.Degree, a.Degree); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if n > 0 && n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked
}
