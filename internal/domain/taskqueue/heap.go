package taskqueue

import (
	"sync/atomic"

	"github.com/webitel/im-pulse/internal/domain/model"
)

type taskState = int32

const (
	statePending taskState = iota
	stateDelivered
	stateCancelled
)

// entry is the owned copy of an enqueued task.
// delayIdx is guarded by the delayed heap lock, readyIdx by the named queue
// lock; -1 means "not in that heap".
type entry struct {
	task     *model.Task
	seq      uint64
	delayIdx int
	readyIdx int
	// state leaves pending exactly once: delivery and cancellation race on it.
	state atomic.Int32
}

func newEntry(t *model.Task, seq uint64) *entry {
	return &entry{task: t, seq: seq, delayIdx: -1, readyIdx: -1}
}

// readyHeap orders a named queue: higher priority first, FIFO within a priority.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].readyIdx = i
	h[j].readyIdx = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.readyIdx = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.readyIdx = -1
	*h = old[:n-1]
	return e
}

// delayedHeap is a min-heap on ETA, FIFO among equal ETAs.
type delayedHeap []*entry

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if !h[i].task.ETA.Equal(h[j].task.ETA) {
		return h[i].task.ETA.Before(h[j].task.ETA)
	}
	return h[i].seq < h[j].seq
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].delayIdx = i
	h[j].delayIdx = j
}

func (h *delayedHeap) Push(x any) {
	e := x.(*entry)
	e.delayIdx = len(*h)
	*h = append(*h, e)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.delayIdx = -1
	*h = old[:n-1]
	return e
}

func (h delayedHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
