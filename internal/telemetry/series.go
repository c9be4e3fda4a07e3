package telemetry

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Point is one flushed observation.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// SeriesStore is the longer-term time-series storage behind the ring buffers.
type SeriesStore interface {
	// Append adds points to the named series. Points need not be sorted.
	Append(ctx context.Context, name string, points []Point) error
	// Range returns the points with from <= timestamp <= to, oldest first.
	// A zero bound is open.
	Range(ctx context.Context, name string, from, to time.Time) ([]Point, error)
	Names(ctx context.Context) ([]string, error)
	Close() error
}

// Interface guard
var _ SeriesStore = (*MemoryStore)(nil)

// MemoryStore keeps series in process memory, pruned by age and length.
type MemoryStore struct {
	mu        sync.RWMutex
	series    map[string][]Point
	retention time.Duration
	maxPoints int
	now       func() time.Time
}

// NewMemoryStore builds a store. Zero retention or maxPoints disables that limit.
func NewMemoryStore(retention time.Duration, maxPoints int) *MemoryStore {
	return &MemoryStore{
		series:    make(map[string][]Point),
		retention: retention,
		maxPoints: maxPoints,
		now:       time.Now,
	}
}

func (m *MemoryStore) Append(_ context.Context, name string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := append(m.series[name], points...)
	slices.SortStableFunc(cur, func(a, b Point) int { return a.Timestamp.Compare(b.Timestamp) })

	if m.retention > 0 {
		cutoff := m.now().Add(-m.retention)
		idx, _ := slices.BinarySearchFunc(cur, cutoff, func(p Point, t time.Time) int { return p.Timestamp.Compare(t) })
		cur = cur[idx:]
	}
	if m.maxPoints > 0 && len(cur) > m.maxPoints {
		cur = cur[len(cur)-m.maxPoints:]
	}
	m.series[name] = slices.Clip(cur)
	return nil
}

func (m *MemoryStore) Range(_ context.Context, name string, from, to time.Time) ([]Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Point
	for _, p := range m.series[name] {
		if inRange(p.Timestamp, from, to) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) Names(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.series))
	for name := range m.series {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (m *MemoryStore) Close() error { return nil }

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}
