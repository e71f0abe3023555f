// Package updategraph builds the per-tick dependency DAG over the
// fired block set and stages it into topologically-ordered waves. It
// generalizes the teacher's DAGExecutor.topologicalSort (Kahn's
// algorithm: an in-degree map, repeatedly peeling zero-in-degree nodes
// into a stage) and adds the deterministic tie-break within a wave
// that the teacher's version lacks.
package updategraph

import (
	"sort"

	"github.com/openbuildnet/smn/internal/smnerr"
)

// Key identifies one (node, block) pair participating in a tick's
// update graph.
type Key struct {
	NodeID       int32
	LocalBlockID int32
}

// node is the internal DAG vertex.
type node struct {
	key      Key
	rank     int
	children []Key
	parents  int // in-degree
}

// Graph is the per-tick dependency DAG: src must finish UPDATE_Y
// before dst begins UPDATE_Y.
type Graph struct {
	nodes map[Key]*node
}

// New builds an empty graph over the given keys, each carrying a
// tiebreak rank (the block's global registration order) used to order
// members of the same wave deterministically.
func New(keys []Key, rankOf func(Key) int) *Graph {
	g := &Graph{nodes: make(map[Key]*node, len(keys))}
	for _, k := range keys {
		g.nodes[k] = &node{key: k, rank: rankOf(k)}
	}
	return g
}

// AddEdge records that src must complete before dst. Edges whose
// endpoints are not both in the fired set are ignored — a dependency
// on a block that isn't firing this tick imposes no ordering.
func (g *Graph) AddEdge(src, dst Key) {
	s, ok := g.nodes[src]
	if !ok {
		return
	}
	d, ok := g.nodes[dst]
	if !ok {
		return
	}
	s.children = append(s.children, dst)
	d.parents++
}

// Waves computes the maximal-antichain topological staging: each
// returned slice is a wave of keys whose predecessors have all
// completed, ordered deterministically by tiebreak rank within the
// wave. Returns a DependencyCycle error (I2) if any keys remain
// unresolved after peeling — the fired-set projection is not a DAG.
func (g *Graph) Waves() ([][]Key, error) {
	inDegree := make(map[Key]int, len(g.nodes))
	for k, n := range g.nodes {
		inDegree[k] = n.parents
	}

	var waves [][]Key
	remaining := len(inDegree)

	for remaining > 0 {
		var wave []Key
		for k, deg := range inDegree {
			if deg == 0 {
				wave = append(wave, k)
			}
		}
		if len(wave) == 0 {
			return nil, smnerr.ErrDependencyCycle("update graph has no zero-in-degree node but vertices remain")
		}

		sort.Slice(wave, func(i, j int) bool {
			return g.nodes[wave[i]].rank < g.nodes[wave[j]].rank
		})

		for _, k := range wave {
			delete(inDegree, k)
			remaining--
			for _, child := range g.nodes[k].children {
				inDegree[child]--
			}
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// ValidateAcyclic reports a DependencyCycle error if the full
// configuration-time dependency projection (feedthrough + internal_deps
// over every declared block, not just a tick's fired set) contains a
// cycle. Setup calls this once before the run begins (I2).
func ValidateAcyclic(keys []Key, edges [][2]Key) error {
	rankOf := make(map[Key]int, len(keys))
	for i, k := range keys {
		rankOf[k] = i
	}
	g := New(keys, func(k Key) int { return rankOf[k] })
	for _, e := range edges {
		g.AddEdge(e[0], e[1])
	}
	_, err := g.Waves()
	return err
}
