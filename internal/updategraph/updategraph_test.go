package updategraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ranks(keys []Key) func(Key) int {
	idx := make(map[Key]int, len(keys))
	for i, k := range keys {
		idx[k] = i
	}
	return func(k Key) int { return idx[k] }
}

func TestWavesOrdersIndependentNodesByRank(t *testing.T) {
	keys := []Key{{NodeID: 2, LocalBlockID: 0}, {NodeID: 1, LocalBlockID: 0}}
	g := New(keys, ranks(keys))

	waves, err := g.Waves()
	require.NoError(t, err)
	require.Len(t, waves, 1)
	assert.Equal(t, []Key{{NodeID: 2, LocalBlockID: 0}, {NodeID: 1, LocalBlockID: 0}}, waves[0])
}

func TestWavesRespectsFeedthroughEdge(t *testing.T) {
	src := Key{NodeID: 1, LocalBlockID: 0}
	dst := Key{NodeID: 2, LocalBlockID: 0}
	keys := []Key{src, dst}
	g := New(keys, ranks(keys))
	g.AddEdge(src, dst)

	waves, err := g.Waves()
	require.NoError(t, err)
	require.Len(t, waves, 2)
	assert.Equal(t, []Key{src}, waves[0])
	assert.Equal(t, []Key{dst}, waves[1])
}

func TestWavesDetectsCycle(t *testing.T) {
	a := Key{NodeID: 1, LocalBlockID: 0}
	b := Key{NodeID: 1, LocalBlockID: 1}
	keys := []Key{a, b}
	g := New(keys, ranks(keys))
	g.AddEdge(a, b)
	g.AddEdge(b, a)

	_, err := g.Waves()
	require.Error(t, err)
}

func TestValidateAcyclicAcceptsDAG(t *testing.T) {
	a := Key{NodeID: 1, LocalBlockID: 0}
	b := Key{NodeID: 1, LocalBlockID: 1}
	err := ValidateAcyclic([]Key{a, b}, [][2]Key{{a, b}})
	assert.NoError(t, err)
}
