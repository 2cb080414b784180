// Package dispatcher implements the Project Queue & Dispatcher (§4.2):
// ordered queue, exclusive fenced claims, lease expiry, and branch
// conflict avoidance. The ordering heap is grounded on FluxForge's
// scheduler/queue.go container/heap TaskQueue, generalized from its
// anti-starvation aging formula to this spec's simpler two-tier
// override (rework, then operator pin) with FIFO/queuedAt beneath.
package dispatcher

import (
	"container/heap"

	"github.com/orchestra-run/orchestrator/internal/store"
)

// orderedQueue is a container/heap priority queue over queued/rework
// projects. less(i, j) encodes §4.2's ordering: rework first, then
// pinned, then FIFO by queuedAt, ties broken by project number
// ascending.
type orderedQueue struct {
	items []*store.Project
}

func newOrderedQueue() *orderedQueue {
	q := &orderedQueue{}
	heap.Init(q)
	return q
}

func (q *orderedQueue) Len() int { return len(q.items) }

func (q *orderedQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	aRework := a.State == store.ProjectRework
	bRework := b.State == store.ProjectRework
	if aRework != bRework {
		return aRework
	}
	if a.Pinned != b.Pinned {
		return a.Pinned
	}
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return a.Number < b.Number
}

func (q *orderedQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *orderedQueue) Push(x any) { q.items = append(q.items, x.(*store.Project)) }

func (q *orderedQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

// refill rebuilds the heap from a fresh snapshot of eligible
// projects. The Dispatcher calls this immediately before each
// tryClaim so ordering always reflects the latest persisted state —
// the store, not this heap, is the durable source of truth; the heap
// only picks a candidate order cheaply.
func (q *orderedQueue) refill(projects []*store.Project) {
	q.items = q.items[:0]
	for _, p := range projects {
		cp := *p
		q.items = append(q.items, &cp)
	}
	heap.Init(q)
}

// popBest returns and removes the current head, or nil if empty.
func (q *orderedQueue) popBest() *store.Project {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*store.Project)
}
