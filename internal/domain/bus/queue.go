package bus

import (
	"container/heap"
	"sync"
	"time"

	"github.com/webitel/im-pulse/internal/concurrent"
	"github.com/webitel/im-pulse/internal/domain/model"
)

// envelope is the heap entry. It lives in a pooled block while queued.
type envelope struct {
	msg      *model.Message
	seq      uint64
	enqueued time.Time
}

type slotRef = *concurrent.Block[envelope]

// envelopeHeap is a max-heap on priority with FIFO among equal priorities.
type envelopeHeap []slotRef

func (h envelopeHeap) Len() int { return len(h) }

func (h envelopeHeap) Less(i, j int) bool {
	pi, pj := h[i].Value.msg.Metadata.Priority, h[j].Value.msg.Metadata.Priority
	if pi != pj {
		return pi > pj
	}
	return h[i].Value.seq < h[j].Value.seq
}

func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envelopeHeap) Push(x any) { *h = append(*h, x.(slotRef)) }

func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// pqueue is the bounded [PRIORITY_QUEUE] between publishers and workers.
// ready and space are one-token channels: a consumer that takes a token
// passes it on while work (or room) remains, so no wakeup is lost and
// no channel is allocated per message.
type pqueue struct {
	mu     sync.Mutex
	items  envelopeHeap
	seq    uint64
	limit  int
	closed bool

	ready chan struct{}
	space chan struct{}
}

func newPQueue(limit int) *pqueue {
	return &pqueue{
		items: make(envelopeHeap, 0, min(limit, 4096)),
		limit: limit,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// push inserts b unless the queue is full or closed.
func (q *pqueue) push(b slotRef) (pushed, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, true
	}
	if len(q.items) >= q.limit {
		return false, false
	}
	q.insert(b)
	if len(q.items) < q.limit {
		signal(q.space)
	}
	return true, false
}

// pushEvict inserts b, evicting the oldest entry of the lowest queued priority
// when full. If b ranks below everything queued, b itself is refused.
func (q *pqueue) pushEvict(b slotRef) (victim slotRef, pushed, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false, true
	}
	if len(q.items) < q.limit {
		q.insert(b)
		return nil, true, false
	}

	idx := q.lowest()
	if idx < 0 || b.Value.msg.Metadata.Priority < q.items[idx].Value.msg.Metadata.Priority {
		return nil, false, false
	}
	victim = heap.Remove(&q.items, idx).(slotRef)
	q.insert(b)
	return victim, true, false
}

// lowest finds the oldest entry among those with the lowest priority.
// Only leaves can hold the minimum of a max-heap.
func (q *pqueue) lowest() int {
	n := len(q.items)
	if n == 0 {
		return -1
	}
	best := n / 2
	for i := best + 1; i < n; i++ {
		a, c := q.items[i].Value, q.items[best].Value
		if a.msg.Metadata.Priority < c.msg.Metadata.Priority ||
			(a.msg.Metadata.Priority == c.msg.Metadata.Priority && a.seq < c.seq) {
			best = i
		}
	}
	return best
}

func (q *pqueue) insert(b slotRef) {
	q.seq++
	b.Value.seq = q.seq
	heap.Push(&q.items, b)
	signal(q.ready)
}

// pop removes the highest-priority entry. With nothing queued it returns nil
// and whether the queue has been closed.
func (q *pqueue) pop() (b slotRef, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, q.closed
	}
	b = heap.Pop(&q.items).(slotRef)
	// Once closed both channels are closed and wake everyone on their own.
	if !q.closed {
		if len(q.items) > 0 {
			signal(q.ready)
		}
		signal(q.space)
	}
	return b, false
}

// close stops intake and wakes every waiter. With discard set, pending entries
// are removed and returned.
func (q *pqueue) close(discard bool) []slotRef {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ready)
	close(q.space)

	if !discard {
		return nil
	}
	out := []slotRef(q.items)
	q.items = nil
	return out
}

func (q *pqueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
