package concurrent

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/im-pulse/internal/errs"
)

type frame struct {
	id   int
	body []byte
}

func TestNewPoolValidation(t *testing.T) {
	newFrame := func() frame { return frame{} }

	_, err := NewPool(PoolConfig{InitialBlocks: 4, MaxBlocks: 2}, newFrame, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidCapacity)

	_, err = NewPool(PoolConfig{}, newFrame, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidCapacity)

	_, err = NewPool[frame](PoolConfig{InitialBlocks: 1}, nil, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidCapacity)

	_, err = NewBytePool(0, PoolConfig{InitialBlocks: 1})
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
}

func TestPoolGrowsToMaxBlocks(t *testing.T) {
	p, err := NewPool(PoolConfig{InitialBlocks: 2, MaxBlocks: 4}, func() frame { return frame{} }, nil)
	require.NoError(t, err)

	var held []*Block[frame]
	for range 4 {
		b, err := p.Allocate()
		require.NoError(t, err)
		held = append(held, b)
	}

	_, err = p.Allocate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMaxBlocks)
	assert.Equal(t, errs.KindResourceExhausted, errs.KindOf(err))

	st := p.Stats()
	assert.Equal(t, int64(4), st.Created)
	assert.Equal(t, int64(4), st.InUse)
	assert.Equal(t, uint64(2), st.Grows)
	assert.Equal(t, uint64(1), st.FailedAllocations)

	require.NoError(t, p.Deallocate(held[0]))
	b, err := p.Allocate()
	require.NoError(t, err)
	assert.Same(t, held[0], b)
}

func TestPoolDeallocateErrors(t *testing.T) {
	newFrame := func() frame { return frame{} }
	p, err := NewPool(PoolConfig{InitialBlocks: 1}, newFrame, nil)
	require.NoError(t, err)
	other, err := NewPool(PoolConfig{InitialBlocks: 1}, newFrame, nil)
	require.NoError(t, err)

	b, err := p.Allocate()
	require.NoError(t, err)

	assert.ErrorIs(t, other.Deallocate(b), errs.ErrForeignBlock)
	assert.ErrorIs(t, p.Deallocate(nil), errs.ErrForeignBlock)

	require.NoError(t, p.Deallocate(b))
	err = p.Deallocate(b)
	assert.ErrorIs(t, err, errs.ErrDoubleFree)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
	assert.Equal(t, int64(0), p.Stats().InUse)
}

func TestPoolAllocateWith(t *testing.T) {
	p, err := NewPool(PoolConfig{InitialBlocks: 1},
		func() frame { return frame{body: make([]byte, 0, 16)} },
		func(f *frame) { *f = frame{body: f.body[:0]} },
	)
	require.NoError(t, err)

	b, err := p.AllocateWith(func(f *frame) {
		f.id = 7
		f.body = append(f.body, "hello"...)
	})
	require.NoError(t, err)
	assert.Equal(t, 7, b.Value.id)
	assert.Equal(t, "hello", string(b.Value.body))

	require.NoError(t, p.Deallocate(b))
	b, err = p.Allocate()
	require.NoError(t, err)
	assert.Zero(t, b.Value.id)
	assert.Empty(t, b.Value.body)
	assert.Equal(t, 16, cap(b.Value.body))
}

func TestBytePoolZeroesOnRelease(t *testing.T) {
	p, err := NewBytePool(32, PoolConfig{InitialBlocks: 1})
	require.NoError(t, err)

	b, err := p.Allocate()
	require.NoError(t, err)
	require.Len(t, b.Value, 32)
	copy(b.Value, "dirty")
	require.NoError(t, p.Deallocate(b))

	b, err = p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), b.Value)
}

func TestPoolLocalCacheFallsBackUnderExhaustion(t *testing.T) {
	p, err := NewPool(PoolConfig{InitialBlocks: 4, LocalCache: true, LocalCacheSize: 8},
		func() frame { return frame{} }, nil)
	require.NoError(t, err)

	var held []*Block[frame]
	for range 4 {
		b, err := p.Allocate()
		require.NoError(t, err)
		held = append(held, b)
	}
	for _, b := range held {
		require.NoError(t, p.Deallocate(b))
	}

	// Every block now sits in some local cache; all of them must be reachable.
	for range 4 {
		_, err := p.Allocate()
		require.NoError(t, err)
	}
	_, err = p.Allocate()
	assert.ErrorIs(t, err, errs.ErrMaxBlocks)
}

func TestPoolConcurrentAllocateDeallocate(t *testing.T) {
	const workers = 8
	p, err := NewPool(PoolConfig{InitialBlocks: 2, MaxBlocks: workers, LocalCache: true},
		func() frame { return frame{} }, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 2000 {
				b, err := p.AllocateWith(func(f *frame) { f.id = w*10000 + i })
				if err != nil {
					// A block can be in transit between Deallocate and a cache.
					runtime.Gosched()
					continue
				}
				if b.Value.id != w*10000+i {
					panic("block shared between owners")
				}
				if err := p.Deallocate(b); err != nil {
					panic(err)
				}
			}
		}()
	}
	wg.Wait()

	st := p.Stats()
	assert.Zero(t, st.InUse)
	assert.LessOrEqual(t, st.Created, int64(workers))
	assert.Equal(t, st.Allocations, st.Deallocations)
}
