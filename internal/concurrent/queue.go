package concurrent

import (
	"sync/atomic"
)

// QueueConfig bounds a Queue.
type QueueConfig struct {
	// InitialCapacity is the logical capacity before the first growth.
	InitialCapacity int
	// MaxCapacity is the hard limit; zero means unbounded.
	MaxCapacity int
}

// QueueStats is a snapshot of the queue counters.
type QueueStats struct {
	Size           int     `json:"size"`
	Capacity       int     `json:"capacity"`
	Pushes         uint64  `json:"pushes"`
	Pops           uint64  `json:"pops"`
	FailedPushes   uint64  `json:"failed_pushes"`
	FailedPops     uint64  `json:"failed_pops"`
	Growths        uint64  `json:"growths"`
	PushSuccessPct float64 `json:"push_success_pct"`
	PopSuccessPct  float64 `json:"pop_success_pct"`
}

type node[T any] struct {
	val  T
	next atomic.Pointer[node[T]]
}

// Queue is a multi-producer multi-consumer Michael–Scott queue.
// Nodes are never reused, so the garbage collector rules out ABA.
type Queue[T any] struct {
	head atomic.Pointer[node[T]]
	_    [56]byte
	tail atomic.Pointer[node[T]]
	_    [56]byte

	size     atomic.Int64
	capacity atomic.Int64
	max      int64

	pushes       atomic.Uint64
	pops         atomic.Uint64
	failedPushes atomic.Uint64
	failedPops   atomic.Uint64
	growths      atomic.Uint64
}

// NewQueue builds an empty queue. A non-positive InitialCapacity defaults to 64.
func NewQueue[T any](cfg QueueConfig) *Queue[T] {
	initial := int64(cfg.InitialCapacity)
	if initial <= 0 {
		initial = 64
	}
	maxCap := int64(cfg.MaxCapacity)
	if maxCap > 0 && initial > maxCap {
		initial = maxCap
	}

	q := &Queue[T]{max: maxCap}
	q.capacity.Store(initial)
	sentinel := &node[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Push appends v. It returns false when the queue is at MaxCapacity.
func (q *Queue[T]) Push(v T) bool {
	if !q.reserve() {
		q.failedPushes.Add(1)
		return false
	}

	n := &node[T]{val: v}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// Tail is lagging; help it forward.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.pushes.Add(1)
			return true
		}
	}
}

// reserve claims room for one element, doubling the logical capacity when needed.
func (q *Queue[T]) reserve() bool {
	for {
		size := q.size.Load()
		if q.max > 0 && size >= q.max {
			return false
		}
		if q.size.CompareAndSwap(size, size+1) {
			q.grow(size + 1)
			return true
		}
	}
}

func (q *Queue[T]) grow(size int64) {
	for {
		c := q.capacity.Load()
		if size <= c {
			return
		}
		next := c * 2
		if q.max > 0 && next > q.max {
			next = q.max
		}
		if q.capacity.CompareAndSwap(c, next) {
			q.growths.Add(1)
			return
		}
	}
}

// Pop removes the oldest element; ok is false when the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			q.failedPops.Add(1)
			return zero, false
		}
		if head == tail {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		// next.val is read before the CAS and never written afterwards:
		// losing poppers may still be reading it.
		v := next.val
		if q.head.CompareAndSwap(head, next) {
			q.size.Add(-1)
			q.pops.Add(1)
			return v, true
		}
	}
}

// Drain pops until empty and returns what it collected.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		v, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func (q *Queue[T]) Len() int      { return int(q.size.Load()) }
func (q *Queue[T]) IsEmpty() bool { return q.head.Load().next.Load() == nil }

// Stats returns the counters and derived success rates.
func (q *Queue[T]) Stats() QueueStats {
	s := QueueStats{
		Size:         q.Len(),
		Capacity:     int(q.capacity.Load()),
		Pushes:       q.pushes.Load(),
		Pops:         q.pops.Load(),
		FailedPushes: q.failedPushes.Load(),
		FailedPops:   q.failedPops.Load(),
		Growths:      q.growths.Load(),
	}
	s.PushSuccessPct = pct(s.Pushes, s.FailedPushes)
	s.PopSuccessPct = pct(s.Pops, s.FailedPops)
	return s
}

func pct(ok, failed uint64) float64 {
	total := ok + failed
	if total == 0 {
		return 100
	}
	return float64(ok) / float64(total) * 100
}
