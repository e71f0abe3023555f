// Package eventqueue implements the SMN's min-heap scheduling queue:
// entries ordered by (fire_time, tiebreak_rank), generalized from the
// teacher's container/heap-based DeadlineScheduler (priority-ordered
// job queue) to the fire-time-ordered event queue this coordinator
// needs.
package eventqueue

import "container/heap"

// Reason distinguishes why an entry is scheduled to fire.
type Reason uint8

const (
	Periodic Reason = iota
	Triggered
	Irregular
)

func (r Reason) String() string {
	switch r {
	case Periodic:
		return "Periodic"
	case Triggered:
		return "Triggered"
	case Irregular:
		return "Irregular"
	default:
		return "Unknown"
	}
}

// Entry is one scheduled firing.
type Entry struct {
	NodeID       int32
	LocalBlockID int32
	FireTime     int64
	TiebreakRank int
	Reason       Reason

	index int // heap bookkeeping, maintained by container/heap
}

// innerHeap implements heap.Interface ordered by (FireTime,
// TiebreakRank), mirroring the teacher's JobQueue/DeadlineScheduler
// shape (Len/Less/Swap/Push/Pop with an Index field kept in sync).
type innerHeap []*Entry

func (h innerHeap) Len() int { return len(h) }

func (h innerHeap) Less(i, j int) bool {
	if h[i].FireTime != h[j].FireTime {
		return h[i].FireTime < h[j].FireTime
	}
	return h[i].TiebreakRank < h[j].TiebreakRank
}

func (h innerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *innerHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *innerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is the coordinator's event queue: Push, PopMin (all entries
// tied at the minimum fire time), PeekMin, RemoveNode.
type Queue struct {
	h innerHeap
}

func New() *Queue {
	q := &Queue{h: make(innerHeap, 0)}
	heap.Init(&q.h)
	return q
}

// Push inserts an entry.
func (q *Queue) Push(e *Entry) {
	heap.Push(&q.h, e)
}

// Len reports the number of pending entries.
func (q *Queue) Len() int { return q.h.Len() }

// PeekMin returns the entry with the smallest (FireTime, TiebreakRank)
// without removing it, or nil if the queue is empty.
func (q *Queue) PeekMin() *Entry {
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0]
}

// PopMin removes and returns every entry tied at the current minimum
// FireTime (spec.md §4.5 step 1 fires all due entries together, not
// just one).
func (q *Queue) PopMin() []*Entry {
	if q.h.Len() == 0 {
		return nil
	}
	minTime := q.h[0].FireTime
	var out []*Entry
	for q.h.Len() > 0 && q.h[0].FireTime == minTime {
		out = append(out, heap.Pop(&q.h).(*Entry))
	}
	return out
}

// RemoveNode deletes every pending entry belonging to nodeID, used
// when a node is marked TimedOut (after a second missed deadline or a
// TransportDown) and must stop receiving future ticks.
func (q *Queue) RemoveNode(nodeID int32) {
	kept := make(innerHeap, 0, q.h.Len())
	for _, e := range q.h {
		if e.NodeID != nodeID {
			kept = append(kept, e)
		}
	}
	q.h = kept
	heap.Init(&q.h)
}
