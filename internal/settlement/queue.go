package settlement

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

type armed struct {
	id        uuid.UUID
	expiresAt time.Time
	index     int
}

// expiryQueue is a min-heap on expiresAt, ties broken by id.
type expiryQueue []*armed

func (q expiryQueue) Len() int { return len(q) }

func (q expiryQueue) Less(i, j int) bool {
	if q[i].expiresAt.Equal(q[j].expiresAt) {
		return q[i].id.String() < q[j].id.String()
	}
	return q[i].expiresAt.Before(q[j].expiresAt)
}

func (q expiryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *expiryQueue) Push(x any) {
	a := x.(*armed)
	a.index = len(*q)
	*q = append(*q, a)
}

func (q *expiryQueue) Pop() any {
	old := *q
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	a.index = -1
	*q = old[:n-1]
	return a
}

// timers indexes the heap by trade id so arming is idempotent.
type timers struct {
	q     expiryQueue
	index map[uuid.UUID]*armed
}

func newTimers() *timers {
	return &timers{index: make(map[uuid.UUID]*armed)}
}

// set arms id at t, moving it if already armed.
func (ts *timers) set(id uuid.UUID, t time.Time) {
	if a, ok := ts.index[id]; ok {
		a.expiresAt = t
		heap.Fix(&ts.q, a.index)
		return
	}
	a := &armed{id: id, expiresAt: t}
	heap.Push(&ts.q, a)
	ts.index[id] = a
}

func (ts *timers) remove(id uuid.UUID) bool {
	a, ok := ts.index[id]
	if !ok {
		return false
	}
	heap.Remove(&ts.q, a.index)
	delete(ts.index, id)
	return true
}

// popDue removes every entry due at or before now, earliest first, and
// returns how long until the next one.
func (ts *timers) popDue(now time.Time, idle time.Duration) ([]uuid.UUID, time.Duration) {
	var due []uuid.UUID
	for ts.q.Len() > 0 && !ts.q[0].expiresAt.After(now) {
		a := heap.Pop(&ts.q).(*armed)
		delete(ts.index, a.id)
		due = append(due, a.id)
	}
	if ts.q.Len() == 0 {
		return due, idle
	}
	return due, ts.q[0].expiresAt.Sub(now)
}

func (ts *timers) len() int { return ts.q.Len() }
