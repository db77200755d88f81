// Package sched holds the coordinator's scheduling primitives: the event
// queue that advances virtual time, and the per-tick wave builder that
// orders block updates.
package sched

import (
	"container/heap"
	"fmt"
)

// Reason records why a block firing was scheduled.
type Reason int

const (
	Periodic Reason = iota
	Triggered
	Irregular
)

func (r Reason) String() string {
	switch r {
	case Periodic:
		return "PERIODIC"
	case Triggered:
		return "TRIGGERED"
	case Irregular:
		return "IRREGULAR"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Entry is one scheduled block firing. Rank is the block's global
// registration order and breaks ties at equal fire times, which makes the
// pop order identical across runs.
type Entry struct {
	FireTime int64
	Rank     int
	Node     int32
	Reason   Reason
}

// Queue is a min-heap of future block firings keyed by
// (fire time, rank). It is owned by the coordinator thread.
type Queue struct {
	h entryHeap
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Len returns the number of pending entries.
func (q *Queue) Len() int { return len(q.h) }

// Push schedules an entry.
func (q *Queue) Push(e Entry) {
	heap.Push(&q.h, e)
}

// PeekMin returns the earliest entry without removing it.
func (q *Queue) PeekMin() (Entry, bool) {
	if len(q.h) == 0 {
		return Entry{}, false
	}
	return q.h[0], true
}

// PopMin removes and returns the earliest entry.
func (q *Queue) PopMin() (Entry, bool) {
	if len(q.h) == 0 {
		return Entry{}, false
	}
	return heap.Pop(&q.h).(Entry), true
}

// PopDue removes every entry whose fire time equals the current minimum
// and returns them in rank order, together with that time. This is the set
// of blocks firing simultaneously at the next tick.
func (q *Queue) PopDue() (int64, []Entry) {
	first, ok := q.PopMin()
	if !ok {
		return 0, nil
	}
	due := []Entry{first}
	for {
		next, ok := q.PeekMin()
		if !ok || next.FireTime != first.FireTime {
			break
		}
		e, _ := q.PopMin()
		due = append(due, e)
	}
	return first.FireTime, due
}

// RemoveNode drops every entry belonging to the node, used when a node
// fails mid-run. Returns the number of entries removed.
func (q *Queue) RemoveNode(node int32) int {
	kept := q.h[:0]
	removed := 0
	for _, e := range q.h {
		if e.Node == node {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.h = kept
	heap.Init(&q.h)
	return removed
}

type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].FireTime != h[j].FireTime {
		return h[i].FireTime < h[j].FireTime
	}
	return h[i].Rank < h[j].Rank
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
