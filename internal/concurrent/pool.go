package concurrent

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/webitel/im-pulse/internal/errs"
)

const defaultLocalCacheSize = 32

// PoolConfig sizes a Pool.
type PoolConfig struct {
	// InitialBlocks are allocated up front.
	InitialBlocks int
	// MaxBlocks is the hard ceiling. Zero means no growth past InitialBlocks.
	MaxBlocks int
	// LocalCache enables per-P caches in front of the shared free list.
	LocalCache bool
	// LocalCacheSize caps each local cache. Defaults to 32.
	LocalCacheSize int
}

// PoolStats is a snapshot of allocator activity.
type PoolStats struct {
	MaxBlocks         int    `json:"max_blocks"`
	Created           int64  `json:"created"`
	InUse             int64  `json:"in_use"`
	Allocations       uint64 `json:"allocations"`
	Deallocations     uint64 `json:"deallocations"`
	FailedAllocations uint64 `json:"failed_allocations"`
	LocalHits         uint64 `json:"local_hits"`
	SharedHits        uint64 `json:"shared_hits"`
	Grows             uint64 `json:"grows"`
}

// Block is a pooled slot. Value is owned by the caller between Allocate and Deallocate.
type Block[T any] struct {
	Value T

	pool  *Pool[T]
	inUse atomic.Bool
}

type localCache[T any] struct {
	mu     sync.Mutex
	blocks []*Block[T]
	_      [40]byte
}

// Pool is a fixed-population block allocator.
type Pool[T any] struct {
	maxBlocks int64
	cacheSize int
	newFn     func() T
	resetFn   func(*T)

	shared *Queue[*Block[T]]
	shards []*localCache[T]
	// affinity hands out shards through sync.Pool so a P tends to get the
	// same shard back on the next call.
	affinity sync.Pool
	rr       atomic.Uint32

	created       atomic.Int64
	inUse         atomic.Int64
	allocations   atomic.Uint64
	deallocations atomic.Uint64
	failed        atomic.Uint64
	localHits     atomic.Uint64
	sharedHits    atomic.Uint64
	grows         atomic.Uint64
}

// NewPool builds a pool whose blocks are initialised by newFn. resetFn, when
// non-nil, runs on every Deallocate.
func NewPool[T any](cfg PoolConfig, newFn func() T, resetFn func(*T)) (*Pool[T], error) {
	if newFn == nil {
		return nil, errs.ErrInvalidCapacity.Withf("pool.new", "block constructor is required")
	}
	if cfg.MaxBlocks == 0 {
		cfg.MaxBlocks = cfg.InitialBlocks
	}
	if cfg.InitialBlocks < 0 || cfg.MaxBlocks <= 0 || cfg.MaxBlocks < cfg.InitialBlocks {
		return nil, errs.ErrInvalidCapacity.Withf("pool.new", "initial=%d max=%d", cfg.InitialBlocks, cfg.MaxBlocks)
	}
	if cfg.LocalCacheSize <= 0 {
		cfg.LocalCacheSize = defaultLocalCacheSize
	}

	p := &Pool[T]{
		maxBlocks: int64(cfg.MaxBlocks),
		cacheSize: cfg.LocalCacheSize,
		newFn:     newFn,
		resetFn:   resetFn,
		shared:    NewQueue[*Block[T]](QueueConfig{InitialCapacity: cfg.InitialBlocks, MaxCapacity: cfg.MaxBlocks}),
	}

	if cfg.LocalCache {
		n := runtime.GOMAXPROCS(0)
		p.shards = make([]*localCache[T], n)
		for i := range p.shards {
			p.shards[i] = &localCache[T]{blocks: make([]*Block[T], 0, cfg.LocalCacheSize)}
		}
		p.affinity.New = func() any {
			return p.shards[int(p.rr.Add(1))%len(p.shards)]
		}
	}

	for range cfg.InitialBlocks {
		p.shared.Push(p.newBlock())
	}
	return p, nil
}

// NewBytePool returns a pool of zeroed []byte blocks of blockSize bytes.
func NewBytePool(blockSize int, cfg PoolConfig) (*Pool[[]byte], error) {
	if blockSize <= 0 {
		return nil, errs.ErrInvalidCapacity.Withf("pool.new", "block size %d", blockSize)
	}
	return NewPool(cfg,
		func() []byte { return make([]byte, blockSize) },
		func(b *[]byte) { clear(*b) },
	)
}

func (p *Pool[T]) newBlock() *Block[T] {
	p.created.Add(1)
	return &Block[T]{Value: p.newFn(), pool: p}
}

// Allocate hands out a free block, growing up to MaxBlocks.
// Exhaustion fails with errs.ErrMaxBlocks.
func (p *Pool[T]) Allocate() (*Block[T], error) {
	b := p.take()
	if b == nil {
		p.failed.Add(1)
		return nil, errs.ErrMaxBlocks.With("pool.allocate")
	}
	if !b.inUse.CompareAndSwap(false, true) {
		panic("concurrent: pool handed out a block that is already in use")
	}
	p.inUse.Add(1)
	p.allocations.Add(1)
	return b, nil
}

// AllocateWith allocates a block and runs init on its value before returning it.
func (p *Pool[T]) AllocateWith(init func(*T)) (*Block[T], error) {
	b, err := p.Allocate()
	if err != nil {
		return nil, err
	}
	if init != nil {
		init(&b.Value)
	}
	return b, nil
}

func (p *Pool[T]) take() *Block[T] {
	if p.shards != nil {
		lc := p.affinity.Get().(*localCache[T])
		b := lc.pop()
		p.affinity.Put(lc)
		if b != nil {
			p.localHits.Add(1)
			return b
		}
	}

	if b, ok := p.shared.Pop(); ok {
		p.sharedHits.Add(1)
		return b
	}

	for {
		c := p.created.Load()
		if c >= p.maxBlocks {
			break
		}
		if p.created.CompareAndSwap(c, c+1) {
			p.grows.Add(1)
			return &Block[T]{Value: p.newFn(), pool: p}
		}
	}

	// Exhausted: reclaim blocks parked in other Ps' caches before giving up.
	for _, lc := range p.shards {
		if b := lc.pop(); b != nil {
			p.localHits.Add(1)
			return b
		}
	}
	return nil
}

// Deallocate returns b to the pool. Blocks from another pool fail with
// errs.ErrForeignBlock, a second release with errs.ErrDoubleFree.
func (p *Pool[T]) Deallocate(b *Block[T]) error {
	if b == nil || b.pool != p {
		return errs.ErrForeignBlock.With("pool.deallocate")
	}
	if !b.inUse.CompareAndSwap(true, false) {
		return errs.ErrDoubleFree.With("pool.deallocate")
	}
	if p.resetFn != nil {
		p.resetFn(&b.Value)
	}
	p.inUse.Add(-1)
	p.deallocations.Add(1)

	if p.shards != nil {
		lc := p.affinity.Get().(*localCache[T])
		ok := lc.push(b, p.cacheSize)
		p.affinity.Put(lc)
		if ok {
			return nil
		}
	}
	if !p.shared.Push(b) {
		panic("concurrent: shared free list rejected a block owned by the pool")
	}
	return nil
}

// Stats reports allocator counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		MaxBlocks:         int(p.maxBlocks),
		Created:           p.created.Load(),
		InUse:             p.inUse.Load(),
		Allocations:       p.allocations.Load(),
		Deallocations:     p.deallocations.Load(),
		FailedAllocations: p.failed.Load(),
		LocalHits:         p.localHits.Load(),
		SharedHits:        p.sharedHits.Load(),
		Grows:             p.grows.Load(),
	}
}

func (lc *localCache[T]) pop() *Block[T] {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	n := len(lc.blocks)
	if n == 0 {
		return nil
	}
	b := lc.blocks[n-1]
	lc.blocks[n-1] = nil
	lc.blocks = lc.blocks[:n-1]
	return b
}

func (lc *localCache[T]) push(b *Block[T], limit int) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.blocks) >= limit {
		return false
	}
	lc.blocks = append(lc.blocks, b)
	return true
}
