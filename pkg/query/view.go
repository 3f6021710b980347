package query

import (
	"cmp"
	"encoding/json"
	"maps"
	"slices"

	"github.com/OFFIS-RIT/argus/pkg/common"
)

// View is the set of entity and relationship ids a consumer currently
// displays. The caller owns it; Expand and Collapse return new views and
// never modify the graph or the view passed in.
//
// A view also remembers which expand admitted each id, keyed by the node the
// expand started from. Ids without an entry belong to the caller and are
// never hidden by Collapse.
type View struct {
	nodes map[string]struct{}
	edges map[string]struct{}

	nodeOrigin map[string]string
	edgeOrigin map[string]string
}

func NewView(nodeIDs, edgeIDs []string) View {
	v := View{
		nodes: make(map[string]struct{}, len(nodeIDs)),
		edges: make(map[string]struct{}, len(edgeIDs)),
	}
	for _, id := range nodeIDs {
		v.nodes[id] = struct{}{}
	}
	for _, id := range edgeIDs {
		v.edges[id] = struct{}{}
	}
	return v
}

func (v View) HasNode(id string) bool {
	_, ok := v.nodes[id]
	return ok
}

func (v View) HasEdge(id string) bool {
	_, ok := v.edges[id]
	return ok
}

// NodeIDs returns the visible entity ids in ascending order.
func (v View) NodeIDs() []string {
	return slices.Sorted(maps.Keys(v.nodes))
}

// EdgeIDs returns the visible relationship ids in ascending order.
func (v View) EdgeIDs() []string {
	return slices.Sorted(maps.Keys(v.edges))
}

func (v View) Len() int {
	return len(v.nodes)
}

// ExpandedBy returns the node whose expand admitted id, if any.
func (v View) ExpandedBy(id string) (string, bool) {
	if root, ok := v.nodeOrigin[id]; ok {
		return root, true
	}
	root, ok := v.edgeOrigin[id]
	return root, ok
}

func (v View) clone() View {
	out := View{
		nodes:      maps.Clone(v.nodes),
		edges:      maps.Clone(v.edges),
		nodeOrigin: maps.Clone(v.nodeOrigin),
		edgeOrigin: maps.Clone(v.edgeOrigin),
	}
	if out.nodes == nil {
		out.nodes = make(map[string]struct{})
	}
	if out.edges == nil {
		out.edges = make(map[string]struct{})
	}
	if out.nodeOrigin == nil {
		out.nodeOrigin = make(map[string]string)
	}
	if out.edgeOrigin == nil {
		out.edgeOrigin = make(map[string]string)
	}
	return out
}

// Equal reports whether both views show the same ids.
func (v View) Equal(o View) bool {
	return maps.Equal(v.nodes, o.nodes) && maps.Equal(v.edges, o.edges)
}

type originJSON struct {
	Nodes map[string]string `json:"nodes,omitempty"`
	Edges map[string]string `json:"edges,omitempty"`
}

type viewJSON struct {
	Nodes    []string    `json:"nodes"`
	Edges    []string    `json:"edges"`
	Expanded *originJSON `json:"expanded,omitempty"`
}

func (v View) MarshalJSON() ([]byte, error) {
	raw := viewJSON{Nodes: v.NodeIDs(), Edges: v.EdgeIDs()}
	if len(v.nodeOrigin) > 0 || len(v.edgeOrigin) > 0 {
		raw.Expanded = &originJSON{Nodes: v.nodeOrigin, Edges: v.edgeOrigin}
	}
	return json.Marshal(raw)
}

func (v *View) UnmarshalJSON(data []byte) error {
	var raw viewJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	next := NewView(raw.Nodes, raw.Edges)
	if raw.Expanded != nil {
		// Origins of ids no longer visible are dropped.
		for id, root := range raw.Expanded.Nodes {
			if next.HasNode(id) {
				next.nodeOrigin = setOrigin(next.nodeOrigin, id, root)
			}
		}
		for id, root := range raw.Expanded.Edges {
			if next.HasEdge(id) {
				next.edgeOrigin = setOrigin(next.edgeOrigin, id, root)
			}
		}
	}
	*v = next
	return nil
}

func setOrigin(m map[string]string, id, root string) map[string]string {
	if m == nil {
		m = make(map[string]string)
	}
	m[id] = root
	return m
}

// Materialize resolves the view against g. Ids g no longer holds are skipped.
func (v View) Materialize(g Graph) *common.Subgraph {
	sg := &common.Subgraph{}
	for _, id := range v.NodeIDs() {
		if e, ok := g.Entity(id); ok {
			sg.Entities = append(sg.Entities, e)
		}
	}
	for _, r := range g.Relationships() {
		if v.HasEdge(r.ID) && v.HasNode(r.From) && v.HasNode(r.To) {
			sg.Relationships = append(sg.Relationships, r)
		}
	}
	return sg
}

// ExpandResult holds what Expand added and the resulting view.
type ExpandResult struct {
	Added     *common.Subgraph `json:"added"`
	View      View             `json:"view"`
	Truncated bool             `json:"truncated"`
}

type candidate struct {
	id   string
	conf float64
}

// Expand walks breadth-first from nodeID out to depth hops and adds what it
// reaches to view. At most maxNodes entities are newly admitted; within one
// hop candidates are admitted by the best confidence of the edge that reached
// them, then by id. Nodes already visible are traversed without counting
// against the budget. Truncated is set when a reachable node was left out.
func Expand(g Graph, view View, nodeID string, depth, maxNodes int) (*ExpandResult, error) {
	if _, ok := g.Entity(nodeID); !ok {
		return nil, &common.NotFoundError{ID: nodeID}
	}
	limit := budget(maxNodes)
	next := view.clone()
	added := make(map[string]struct{})
	truncated := false

	admit := func(id string) bool {
		if next.HasNode(id) {
			return true
		}
		if len(added) >= limit {
			truncated = true
			return false
		}
		next.nodes[id] = struct{}{}
		if id != nodeID {
			next.nodeOrigin[id] = nodeID
		}
		added[id] = struct{}{}
		return true
	}

	visited := map[string]struct{}{nodeID: {}}
	frontier := []string{}
	if admit(nodeID) {
		frontier = append(frontier, nodeID)
	}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		best := make(map[string]float64)
		for _, id := range frontier {
			for _, r := range g.Neighbors(id) {
				other := r.Other(id)
				if _, seen := visited[other]; seen {
					continue
				}
				if c, ok := best[other]; !ok || r.Confidence > c {
					best[other] = r.Confidence
				}
			}
		}

		level := make([]candidate, 0, len(best))
		for id, c := range best {
			level = append(level, candidate{id: id, conf: c})
		}
		slices.SortFunc(level, func(a, b candidate) int {
			if c := cmp.Compare(b.conf, a.conf); c != 0 {
				return c
			}
			return cmp.Compare(a.id, b.id)
		})

		frontier = frontier[:0]
		for _, c := range level {
			visited[c.id] = struct{}{}
			if admit(c.id) {
				frontier = append(frontier, c.id)
			}
		}
	}

	result := &ExpandResult{Added: &common.Subgraph{}, Truncated: truncated}
	for _, id := range slices.Sorted(maps.Keys(added)) {
		e, _ := g.Entity(id)
		result.Added.Entities = append(result.Added.Entities, e)
	}
	for _, id := range slices.Sorted(maps.Keys(added)) {
		for _, r := range g.Neighbors(id) {
			if next.HasEdge(r.ID) || !next.HasNode(r.Other(id)) {
				continue
			}
			next.edges[r.ID] = struct{}{}
			next.edgeOrigin[r.ID] = nodeID
			result.Added.Relationships = append(result.Added.Relationships, r)
		}
	}
	slices.SortFunc(result.Added.Relationships, func(a, b *common.Relationship) int {
		return cmp.Compare(a.ID, b.ID)
	})
	result.Added.Truncated = truncated
	result.View = next
	return result, nil
}

// CollapseResult holds the ids Collapse removed and the resulting view.
type CollapseResult struct {
	RemovedNodes []string `json:"removed_nodes"`
	RemovedEdges []string `json:"removed_edges"`
	View         View     `json:"view"`
}

// Collapse is the inverse of Expand at the same depth. It hides the nodes
// within depth hops of nodeID that an expand of nodeID admitted, together
// with the edges that expand added among them. Nodes the caller supplied or
// another node's expand admitted stay, as does nodeID itself.
func Collapse(g Graph, view View, nodeID string, depth int) (*CollapseResult, error) {
	if _, ok := g.Entity(nodeID); !ok {
		return nil, &common.NotFoundError{ID: nodeID}
	}

	// Hops are counted over graph edges between visible nodes, the same
	// walk Expand made.
	region := map[string]struct{}{nodeID: {}}
	frontier := []string{nodeID}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var nextFrontier []string
		for _, id := range frontier {
			for _, r := range g.Neighbors(id) {
				other := r.Other(id)
				if _, ok := region[other]; ok || !view.HasNode(other) {
					continue
				}
				region[other] = struct{}{}
				nextFrontier = append(nextFrontier, other)
			}
		}
		frontier = nextFrontier
	}

	next := view.clone()
	result := &CollapseResult{}
	for _, id := range slices.Sorted(maps.Keys(region)) {
		if id == nodeID || view.nodeOrigin[id] != nodeID {
			continue
		}
		delete(next.nodes, id)
		delete(next.nodeOrigin, id)
		result.RemovedNodes = append(result.RemovedNodes, id)
	}
	for _, id := range view.EdgeIDs() {
		r, ok := g.Relationship(id)
		if !ok {
			continue
		}
		_, fromIn := region[r.From]
		_, toIn := region[r.To]
		ownEdge := view.edgeOrigin[id] == nodeID && fromIn && toIn
		if ownEdge || !next.HasNode(r.From) || !next.HasNode(r.To) {
			delete(next.edges, id)
			delete(next.edgeOrigin, id)
			result.RemovedEdges = append(result.RemovedEdges, id)
		}
	}
	result.View = next
	return result, nil
}
