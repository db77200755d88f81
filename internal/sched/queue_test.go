package sched

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestQueue(t *testing.T) {
	t.Run("pops in time order", func(t *testing.T) {
		q := NewQueue()
		q.Push(Entry{FireTime: 3000, Rank: 0, Node: 0})
		q.Push(Entry{FireTime: 1000, Rank: 1, Node: 1})
		q.Push(Entry{FireTime: 2000, Rank: 2, Node: 2})

		e, ok := q.PopMin()
		assert.True(t, ok)
		assert.Equal(t, int64(1000), e.FireTime)
		e, _ = q.PopMin()
		assert.Equal(t, int64(2000), e.FireTime)
		e, _ = q.PopMin()
		assert.Equal(t, int64(3000), e.FireTime)
	})

	t.Run("rank breaks ties deterministically", func(t *testing.T) {
		q := NewQueue()
		q.Push(Entry{FireTime: 1000, Rank: 5, Node: 2})
		q.Push(Entry{FireTime: 1000, Rank: 1, Node: 0})
		q.Push(Entry{FireTime: 1000, Rank: 3, Node: 1})

		tAt, due := q.PopDue()
		assert.Equal(t, int64(1000), tAt)
		assert.Equal(t, 3, len(due))
		assert.Equal(t, 1, due[0].Rank)
		assert.Equal(t, 3, due[1].Rank)
		assert.Equal(t, 5, due[2].Rank)
	})

	t.Run("pop due takes only the minimum time", func(t *testing.T) {
		q := NewQueue()
		q.Push(Entry{FireTime: 1000, Rank: 0})
		q.Push(Entry{FireTime: 1000, Rank: 1})
		q.Push(Entry{FireTime: 2000, Rank: 2})

		_, due := q.PopDue()
		assert.Equal(t, 2, len(due))
		assert.Equal(t, 1, q.Len())
	})

	t.Run("remove node drops its entries", func(t *testing.T) {
		q := NewQueue()
		q.Push(Entry{FireTime: 1000, Rank: 0, Node: 0})
		q.Push(Entry{FireTime: 1000, Rank: 1, Node: 1})
		q.Push(Entry{FireTime: 2000, Rank: 2, Node: 1})

		assert.Equal(t, 2, q.RemoveNode(1))
		assert.Equal(t, 1, q.Len())
		e, _ := q.PeekMin()
		assert.Equal(t, int32(0), e.Node)
	})

	t.Run("empty queue", func(t *testing.T) {
		q := NewQueue()
		_, ok := q.PopMin()
		assert.False(t, ok)
		_, due := q.PopDue()
		assert.Equal(t, 0, len(due))
	})
}
