package concurrent

import (
	"runtime"
	"sync/atomic"

	"github.com/webitel/im-pulse/internal/errs"
)

const defaultBatchSize = 64

// RingBufferConfig configures a RingBuffer.
type RingBufferConfig struct {
	// Capacity must be a power of two. One slot stays free to tell full from
	// empty, so at most Capacity-1 items are held.
	Capacity int
	// OverwriteOld discards the oldest item instead of failing when full.
	OverwriteOld bool
	// BatchSize caps a single ReadBatch call. Defaults to 64.
	BatchSize int
}

// RingBufferStats is a point-in-time snapshot of the buffer counters.
type RingBufferStats struct {
	Capacity     int    `json:"capacity"`
	Size         int    `json:"size"`
	TotalWrites  uint64 `json:"total_writes"`
	TotalReads   uint64 `json:"total_reads"`
	Overwrites   uint64 `json:"overwrites"`
	FailedWrites uint64 `json:"failed_writes"`
	FailedReads  uint64 `json:"failed_reads"`
}

type slot[T any] struct {
	// seq == pos when the slot is free for the writer at pos,
	// seq == pos+1 when it holds the item written at pos.
	seq atomic.Uint64
	val atomic.Pointer[T]
}

// RingBuffer is a bounded MPMC circular buffer.
// Cursors are monotonically increasing positions; the slot index is pos & mask.
type RingBuffer[T any] struct {
	slots     []slot[T]
	mask      uint64
	limit     uint64
	overwrite bool
	batchSize int

	_     [56]byte
	write atomic.Uint64
	_     [56]byte
	read  atomic.Uint64
	_     [56]byte

	totalWrites  atomic.Uint64
	totalReads   atomic.Uint64
	overwrites   atomic.Uint64
	failedWrites atomic.Uint64
	failedReads  atomic.Uint64
}

// NewRingBuffer validates cfg and allocates the slots.
func NewRingBuffer[T any](cfg RingBufferConfig) (*RingBuffer[T], error) {
	if cfg.Capacity < 2 || cfg.Capacity&(cfg.Capacity-1) != 0 {
		return nil, errs.ErrInvalidCapacity.Withf("ringbuffer.new", "capacity %d is not a power of two >= 2", cfg.Capacity)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	rb := &RingBuffer[T]{
		slots:     make([]slot[T], cfg.Capacity),
		mask:      uint64(cfg.Capacity - 1),
		limit:     uint64(cfg.Capacity - 1),
		overwrite: cfg.OverwriteOld,
		batchSize: cfg.BatchSize,
	}
	for i := range rb.slots {
		rb.slots[i].seq.Store(uint64(i))
	}
	return rb, nil
}

// Write appends item. When full it either evicts the oldest item
// (OverwriteOld) or fails with errs.ErrStorageFull.
func (rb *RingBuffer[T]) Write(item T) error {
	for {
		if rb.tryWrite(&item) {
			rb.totalWrites.Add(1)
			return nil
		}
		if !rb.overwrite {
			rb.failedWrites.Add(1)
			return errs.ErrStorageFull.With("ringbuffer.write")
		}
		if _, ok := rb.tryRead(); ok {
			rb.overwrites.Add(1)
		}
	}
}

// tryWrite returns false only when the buffer is full.
func (rb *RingBuffer[T]) tryWrite(item *T) bool {
	for {
		pos := rb.write.Load()
		r := rb.read.Load()
		if r > pos {
			// Stale snapshot of the write cursor.
			continue
		}
		if pos-r >= rb.limit {
			return false
		}

		s := &rb.slots[pos&rb.mask]
		seq := s.seq.Load()
		switch {
		case seq == pos:
			if rb.write.CompareAndSwap(pos, pos+1) {
				v := *item
				s.val.Store(&v)
				s.seq.Store(pos + 1)
				return true
			}
		case seq < pos:
			// A reader claimed this slot on the previous lap and has not released it yet.
			runtime.Gosched()
		}
	}
}

// tryRead returns false only when the buffer is empty.
func (rb *RingBuffer[T]) tryRead() (T, bool) {
	var zero T
	for {
		pos := rb.read.Load()
		s := &rb.slots[pos&rb.mask]
		seq := s.seq.Load()
		switch {
		case seq == pos+1:
			if rb.read.CompareAndSwap(pos, pos+1) {
				p := s.val.Swap(nil)
				s.seq.Store(pos + rb.mask + 1)
				if p == nil {
					panic("concurrent: ring buffer slot published without a value")
				}
				return *p, true
			}
		case seq <= pos:
			if pos == rb.write.Load() {
				return zero, false
			}
			// A writer reserved the slot but has not published it yet.
			runtime.Gosched()
		}
	}
}

// Read removes the oldest item or fails with errs.ErrCollectionFailed when empty.
func (rb *RingBuffer[T]) Read() (T, error) {
	v, ok := rb.tryRead()
	if !ok {
		rb.failedReads.Add(1)
		return v, errs.ErrCollectionFailed.With("ringbuffer.read")
	}
	rb.totalReads.Add(1)
	return v, nil
}

// WriteBatch writes items in order and stops at the first failure.
// It returns how many items were written.
func (rb *RingBuffer[T]) WriteBatch(items []T) (int, error) {
	for i, item := range items {
		if err := rb.Write(item); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

// ReadBatch reads up to min(maxCount, BatchSize) items. An empty buffer yields
// an empty slice, not an error.
func (rb *RingBuffer[T]) ReadBatch(maxCount int) []T {
	n := min(maxCount, rb.batchSize)
	if n <= 0 {
		return nil
	}
	out := make([]T, 0, n)
	for len(out) < n {
		v, ok := rb.tryRead()
		if !ok {
			break
		}
		out = append(out, v)
	}
	rb.totalReads.Add(uint64(len(out)))
	return out
}

// Peek returns the next readable item without moving the cursors.
func (rb *RingBuffer[T]) Peek() (T, error) {
	var zero T
	for {
		pos := rb.read.Load()
		if pos == rb.write.Load() {
			return zero, errs.ErrCollectionFailed.With("ringbuffer.peek")
		}
		s := &rb.slots[pos&rb.mask]
		if s.seq.Load() == pos+1 {
			p := s.val.Load()
			if p != nil && rb.read.Load() == pos {
				return *p, nil
			}
		}
		runtime.Gosched()
	}
}

// Snapshot copies the readable items, oldest first, without consuming them.
// Under concurrent reads the result may skip items consumed meanwhile.
func (rb *RingBuffer[T]) Snapshot() []T {
	r := rb.read.Load()
	w := rb.write.Load()
	if w <= r {
		return nil
	}
	out := make([]T, 0, w-r)
	for pos := r; pos < w; pos++ {
		s := &rb.slots[pos&rb.mask]
		if s.seq.Load() != pos+1 {
			continue
		}
		if p := s.val.Load(); p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// Size is (write - read) mod capacity.
func (rb *RingBuffer[T]) Size() int {
	for {
		r := rb.read.Load()
		w := rb.write.Load()
		if w >= r {
			return int(w - r)
		}
	}
}

func (rb *RingBuffer[T]) IsEmpty() bool   { return rb.Size() == 0 }
func (rb *RingBuffer[T]) IsFull() bool    { return uint64(rb.Size()) >= rb.limit }
func (rb *RingBuffer[T]) Capacity() int   { return len(rb.slots) }
func (rb *RingBuffer[T]) WriteIndex() int { return int(rb.write.Load() & rb.mask) }
func (rb *RingBuffer[T]) ReadIndex() int  { return int(rb.read.Load() & rb.mask) }

// Stats returns the diagnostic counters.
func (rb *RingBuffer[T]) Stats() RingBufferStats {
	return RingBufferStats{
		Capacity:     len(rb.slots),
		Size:         rb.Size(),
		TotalWrites:  rb.totalWrites.Load(),
		TotalReads:   rb.totalReads.Load(),
		Overwrites:   rb.overwrites.Load(),
		FailedWrites: rb.failedWrites.Load(),
		FailedReads:  rb.failedReads.Load(),
	}
}
