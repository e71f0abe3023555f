package eventqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopMinReturnsAllTiedAtMinimum(t *testing.T) {
	q := New()
	q.Push(&Entry{NodeID: 1, LocalBlockID: 0, FireTime: 100, TiebreakRank: 2, Reason: Periodic})
	q.Push(&Entry{NodeID: 2, LocalBlockID: 0, FireTime: 100, TiebreakRank: 1, Reason: Periodic})
	q.Push(&Entry{NodeID: 3, LocalBlockID: 0, FireTime: 200, TiebreakRank: 0, Reason: Periodic})

	due := q.PopMin()
	require.Len(t, due, 2)
	// tiebreak rank orders entries within the same fire time
	assert.Equal(t, int32(2), due[0].NodeID)
	assert.Equal(t, int32(1), due[1].NodeID)
	assert.Equal(t, 1, q.Len())
}

func TestPeekMinDoesNotRemove(t *testing.T) {
	q := New()
	q.Push(&Entry{NodeID: 1, FireTime: 50, TiebreakRank: 0})

	peeked := q.PeekMin()
	require.NotNil(t, peeked)
	assert.Equal(t, int64(50), peeked.FireTime)
	assert.Equal(t, 1, q.Len())
}

func TestRemoveNodeDropsOnlyThatNode(t *testing.T) {
	q := New()
	q.Push(&Entry{NodeID: 1, FireTime: 10, TiebreakRank: 0})
	q.Push(&Entry{NodeID: 2, FireTime: 20, TiebreakRank: 1})
	q.Push(&Entry{NodeID: 1, FireTime: 30, TiebreakRank: 2})

	q.RemoveNode(1)
	assert.Equal(t, 1, q.Len())
	remaining := q.PeekMin()
	assert.Equal(t, int32(2), remaining.NodeID)
}

func TestOrderingAcrossManyFireTimes(t *testing.T) {
	q := New()
	for i, ft := range []int64{50, 10, 30, 10, 20} {
		q.Push(&Entry{NodeID: int32(i), FireTime: ft, TiebreakRank: i})
	}

	var seen []int64
	for q.Len() > 0 {
		for _, e := range q.PopMin() {
			seen = append(seen, e.FireTime)
		}
	}
	assert.Equal(t, []int64{10, 10, 20, 30, 50}, seen)
}
