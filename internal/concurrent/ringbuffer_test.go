package concurrent

import (
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/im-pulse/internal/errs"
)

func TestNewRingBufferRejectsCapacity(t *testing.T) {
	for _, c := range []int{-8, 0, 1, 3, 6, 100} {
		_, err := NewRingBuffer[int](RingBufferConfig{Capacity: c})
		require.Error(t, err, "capacity %d", c)
		assert.ErrorIs(t, err, errs.ErrInvalidCapacity)
		assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
	}
}

func TestRingBufferFillAndDrain(t *testing.T) {
	rb, err := NewRingBuffer[int](RingBufferConfig{Capacity: 8})
	require.NoError(t, err)

	for i := range 7 {
		require.NoError(t, rb.Write(i*10), "write %d", i)
	}
	assert.True(t, rb.IsFull())

	err = rb.Write(70)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrStorageFull)
	assert.Equal(t, errs.KindResourceExhausted, errs.KindOf(err))

	for i := range 7 {
		v, err := rb.Read()
		require.NoError(t, err)
		assert.Equal(t, i*10, v)
	}
	assert.True(t, rb.IsEmpty())

	_, err = rb.Read()
	assert.ErrorIs(t, err, errs.ErrCollectionFailed)

	st := rb.Stats()
	assert.Equal(t, uint64(7), st.TotalWrites)
	assert.Equal(t, uint64(7), st.TotalReads)
	assert.Equal(t, uint64(1), st.FailedWrites)
	assert.Equal(t, uint64(1), st.FailedReads)
	assert.Zero(t, st.Overwrites)
}

func TestRingBufferOverwriteKeepsNewest(t *testing.T) {
	rb, err := NewRingBuffer[int](RingBufferConfig{Capacity: 8, OverwriteOld: true})
	require.NoError(t, err)

	for i := range 20 {
		require.NoError(t, rb.Write(i))
	}

	assert.Equal(t, []int{13, 14, 15, 16, 17, 18, 19}, rb.Snapshot())
	st := rb.Stats()
	assert.Equal(t, uint64(13), st.Overwrites)
	assert.Zero(t, st.FailedWrites)
	assert.Equal(t, 7, st.Size)
}

func TestRingBufferRejectLeavesContents(t *testing.T) {
	rb, err := NewRingBuffer[string](RingBufferConfig{Capacity: 4})
	require.NoError(t, err)

	n, err := rb.WriteBatch([]string{"a", "b", "c", "d", "e"})
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, errs.ErrStorageFull)
	assert.Equal(t, []string{"a", "b", "c"}, rb.Snapshot())
}

func TestRingBufferPeekAndBatch(t *testing.T) {
	rb, err := NewRingBuffer[int](RingBufferConfig{Capacity: 16, BatchSize: 4})
	require.NoError(t, err)

	_, err = rb.Peek()
	assert.ErrorIs(t, err, errs.ErrCollectionFailed)

	n, err := rb.WriteBatch([]int{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	require.Equal(t, 6, n)

	v, err := rb.Peek()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, 6, rb.Size())

	assert.Equal(t, []int{1, 2, 3, 4}, rb.ReadBatch(10))
	assert.Equal(t, []int{5}, rb.ReadBatch(1))
	assert.Equal(t, []int{6}, rb.ReadBatch(10))
	assert.Empty(t, rb.ReadBatch(10))
}

func TestRingBufferIndexInvariant(t *testing.T) {
	for _, capacity := range []int{2, 4, 8, 64} {
		rb, err := NewRingBuffer[int](RingBufferConfig{Capacity: capacity, OverwriteOld: capacity == 8})
		require.NoError(t, err)

		rng := rand.New(rand.NewPCG(uint64(capacity), 7))
		for i := range 5000 {
			if rng.IntN(3) > 0 {
				_ = rb.Write(i)
			} else {
				_, _ = rb.Read()
			}
			size := rb.Size()
			want := (rb.WriteIndex() - rb.ReadIndex() + capacity) % capacity
			require.Equal(t, want, size, "capacity %d step %d", capacity, i)
			require.LessOrEqual(t, size, capacity)
		}
	}
}

func TestRingBufferConcurrentProducersConsumers(t *testing.T) {
	const (
		producers = 4
		consumers = 4
		perWriter = 10000
		total     = producers * perWriter
	)
	rb, err := NewRingBuffer[int](RingBufferConfig{Capacity: 1024})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		consumed atomic.Int64
		sum      atomic.Int64
	)
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				for rb.Write(p*perWriter+i) != nil {
					runtime.Gosched()
				}
			}
		}()
	}
	for range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for consumed.Load() < total {
				v, err := rb.Read()
				if err != nil {
					runtime.Gosched()
					continue
				}
				sum.Add(int64(v))
				consumed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(total), consumed.Load())
	assert.Equal(t, int64(total*(total-1)/2), sum.Load())
	assert.True(t, rb.IsEmpty())
}
