package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/im-pulse/internal/domain/model"
	"github.com/webitel/im-pulse/internal/errs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStorage(t *testing.T, cfg StorageConfig, store SeriesStore) *Storage {
	t.Helper()
	if cfg.BufferCapacity == 0 {
		cfg.BufferCapacity = 16
	}
	if cfg.MaxMetrics == 0 {
		cfg.MaxMetrics = 10
	}
	if store == nil {
		store = NewMemoryStore(0, 0)
	}
	s, err := NewStorage(cfg, store, NewAggregator(), testLogger())
	require.NoError(t, err)
	return s
}

// flakyStore fails Append while failing is set.
type flakyStore struct {
	*MemoryStore
	failing atomic.Bool
	calls   atomic.Int32
}

func (f *flakyStore) Append(ctx context.Context, name string, points []Point) error {
	f.calls.Add(1)
	if f.failing.Load() {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.Append(ctx, name, points)
}

func TestNewStorageValidation(t *testing.T) {
	store := NewMemoryStore(0, 0)
	tests := []struct {
		name string
		cfg  StorageConfig
		st   SeriesStore
	}{
		{"capacity not power of two", StorageConfig{BufferCapacity: 12, MaxMetrics: 1}, store},
		{"zero max metrics", StorageConfig{BufferCapacity: 8}, store},
		{"nil store", StorageConfig{BufferCapacity: 8, MaxMetrics: 1}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStorage(tt.cfg, tt.st, nil, nil)
			assert.ErrorIs(t, err, errs.ErrInvalidCapacity)
		})
	}
}

func TestStoreAndLatest(t *testing.T) {
	s := newTestStorage(t, StorageConfig{}, nil)

	require.NoError(t, s.StoreMetric("cpu", 0.5, model.MetricGauge))
	require.NoError(t, s.StoreMetric("cpu", 0.75, model.MetricGauge))

	latest, err := s.GetLatestValue("cpu")
	require.NoError(t, err)
	assert.Equal(t, 0.75, latest.Value)
	assert.False(t, latest.Timestamp.IsZero())

	_, err = s.GetLatestValue("missing")
	assert.ErrorIs(t, err, errs.ErrMetricNotFound)

	assert.ErrorIs(t, s.StoreMetric("", 1, model.MetricGauge), errs.ErrInvalidMetric)

	st := s.Stats()
	assert.Equal(t, 1, st.Metrics)
	assert.Equal(t, uint64(2), st.SamplesStored)
	assert.Equal(t, 2, st.Buffered)
}

func TestStoreBufferFull(t *testing.T) {
	s := newTestStorage(t, StorageConfig{BufferCapacity: 4}, nil)

	for i := range 3 {
		require.NoError(t, s.StoreMetric("q", float64(i), model.MetricGauge))
	}
	err := s.StoreMetric("q", 3, model.MetricGauge)
	assert.ErrorIs(t, err, errs.ErrStorageFull)
	assert.Equal(t, uint64(1), s.Stats().SamplesRejected)

	// The rejected sample does not become the latest.
	latest, _ := s.GetLatestValue("q")
	assert.Equal(t, 2.0, latest.Value)
}

func TestStoreOverwriteOld(t *testing.T) {
	s := newTestStorage(t, StorageConfig{BufferCapacity: 4, OverwriteOld: true}, nil)

	for i := range 10 {
		require.NoError(t, s.StoreMetric("q", float64(i), model.MetricCounter))
	}
	st := s.Stats()
	assert.Equal(t, 3, st.Buffered)
	assert.Equal(t, uint64(7), st.Overwrites)
}

func TestMaxMetrics(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		s := newTestStorage(t, StorageConfig{MaxMetrics: 2, RejectOverLimit: true}, nil)
		require.NoError(t, s.StoreMetric("a", 1, model.MetricGauge))
		require.NoError(t, s.StoreMetric("b", 1, model.MetricGauge))

		err := s.StoreMetric("c", 1, model.MetricGauge)
		assert.ErrorIs(t, err, errs.ErrMaxMetrics)
		assert.Equal(t, errs.KindResourceExhausted, errs.KindOf(err))

		// Existing metrics still accept samples.
		assert.NoError(t, s.StoreMetric("a", 2, model.MetricGauge))
		assert.Equal(t, uint64(1), s.Stats().CapacityExceeded)
	})

	t.Run("tolerate", func(t *testing.T) {
		s := newTestStorage(t, StorageConfig{MaxMetrics: 1}, nil)
		require.NoError(t, s.StoreMetric("a", 1, model.MetricGauge))
		require.NoError(t, s.StoreMetric("b", 1, model.MetricGauge))

		_, err := s.GetLatestValue("b")
		assert.ErrorIs(t, err, errs.ErrMetricNotFound)
		st := s.Stats()
		assert.Equal(t, 1, st.Metrics)
		assert.Equal(t, uint64(1), st.CapacityExceeded)
	})
}

func TestStoreMetricsBatch(t *testing.T) {
	s := newTestStorage(t, StorageConfig{}, nil)
	n, err := s.StoreMetricsBatch([]model.Sample{
		{Name: "a", Value: 1},
		{Name: "", Value: 2},
		{Name: "b", Value: 3, Type: model.MetricCounter},
	})
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, errs.ErrInvalidMetric)

	list := s.ListMetrics()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, model.MetricGauge, list[0].Type)
	assert.Equal(t, model.MetricCounter, list[1].Type)
}

func TestFlushAndQuery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, 0)
	s := newTestStorage(t, StorageConfig{BatchSize: 2}, store)

	base := time.Now().Add(-time.Minute)
	for i := range 5 {
		require.NoError(t, s.StoreSample(model.Sample{
			Name:      "lat",
			Value:     float64(i + 1),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	require.NoError(t, s.Flush(ctx))
	st := s.Stats()
	assert.Equal(t, 0, st.Buffered)
	assert.Equal(t, uint64(5), st.FlushedSamples)
	assert.Equal(t, uint64(1), st.Flushes)

	flushed, err := store.Range(ctx, "lat", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, flushed, 5)

	// One more sample stays buffered and is merged into queries.
	require.NoError(t, s.StoreSample(model.Sample{Name: "lat", Value: 6, Timestamp: base.Add(5 * time.Second)}))

	res, err := s.QueryMetric(ctx, "lat", MetricQuery{})
	require.NoError(t, err)
	require.Len(t, res.Points, 6)
	assert.Equal(t, 1.0, res.Points[0].Value)
	assert.Equal(t, 6.0, res.Points[5].Value)
	assert.Equal(t, 6, res.Summary.Count)
	assert.Equal(t, 21.0, res.Summary.Sum)
	assert.InDelta(t, 3.5, res.P50, 1e-9)

	bounded, err := s.QueryMetric(ctx, "lat", MetricQuery{From: base.Add(2 * time.Second), To: base.Add(4 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 3, bounded.Summary.Count)
	assert.Equal(t, 12.0, bounded.Summary.Sum)

	limited, err := s.QueryMetric(ctx, "lat", MetricQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited.Points, 2)
	assert.Equal(t, 5.0, limited.Points[0].Value)

	_, err = s.QueryMetric(ctx, "nope", MetricQuery{})
	assert.ErrorIs(t, err, errs.ErrMetricNotFound)

	list := s.ListMetrics()
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].LastSummary.Count)
	assert.Equal(t, 5.0, list[0].LastSummary.Sum)
}

func TestFlushBreaker(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(0, 0)}
	store.failing.Store(true)
	s := newTestStorage(t, StorageConfig{}, store)

	for i := range 4 {
		require.NoError(t, s.StoreMetric("x", float64(i), model.MetricGauge))
	}

	for range 3 {
		err := s.Flush(ctx)
		require.Error(t, err)
		assert.Zero(t, s.Stats().Buffered)
		assert.Equal(t, 4, s.Stats().Pending, "failed batch is held back")
	}
	assert.Equal(t, gobreaker.StateOpen.String(), s.Stats().BreakerState)

	calls := store.calls.Load()
	err := s.Flush(ctx)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, calls, store.calls.Load(), "open breaker skips the store")
	assert.Equal(t, 4, s.Stats().Pending)
	assert.Equal(t, uint64(3), s.Stats().FlushFailures)

	res, err := s.QueryMetric(ctx, "x", MetricQuery{})
	require.NoError(t, err)
	assert.Len(t, res.Points, 4, "held back samples stay queryable")
}

// intrudingStore fails Append and, while doing so, lets producers write into
// the same series, as happens when a flush overlaps ingestion.
type intrudingStore struct {
	*MemoryStore
	storage *Storage
	failing atomic.Bool
	next    atomic.Int64
}

func (f *intrudingStore) Append(ctx context.Context, name string, points []Point) error {
	if f.failing.Load() {
		for range 7 {
			_ = f.storage.StoreMetric(name, float64(f.next.Add(1)+99), model.MetricGauge)
		}
		return errors.New("store unavailable")
	}
	return f.MemoryStore.Append(ctx, name, points)
}

func TestFlushFailureKeepsNewestSamples(t *testing.T) {
	for _, overwrite := range []bool{true, false} {
		t.Run(fmt.Sprintf("overwrite=%v", overwrite), func(t *testing.T) {
			ctx := context.Background()
			store := &intrudingStore{MemoryStore: NewMemoryStore(0, 0)}
			store.failing.Store(true)
			s := newTestStorage(t, StorageConfig{BufferCapacity: 8, OverwriteOld: overwrite}, store)
			store.storage = s

			for i := range 7 {
				require.NoError(t, s.StoreMetric("load", float64(i), model.MetricGauge))
			}
			require.Error(t, s.Flush(ctx))

			st := s.Stats()
			assert.Equal(t, 7, st.Buffered, "samples written during the flush stay in the ring")
			assert.Equal(t, 7, st.Pending)
			assert.Zero(t, st.Overwrites)
			assert.Zero(t, st.SamplesRejected)

			store.failing.Store(false)
			require.NoError(t, s.Flush(ctx))

			pts, err := store.MemoryStore.Range(ctx, "load", time.Time{}, time.Time{})
			require.NoError(t, err)
			got := make([]float64, len(pts))
			for i, p := range pts {
				got[i] = p.Value
			}
			assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 100, 101, 102, 103, 104, 105, 106}, got)
			assert.Zero(t, s.Stats().Pending)
		})
	}
}

func TestPendingIsBounded(t *testing.T) {
	ms := &metricSeries{}
	batch := func(vals ...float64) []model.Sample {
		out := make([]model.Sample, len(vals))
		for i, v := range vals {
			out[i] = model.Sample{Value: v}
		}
		return out
	}

	assert.Zero(t, ms.holdBack(batch(0, 1, 2), 4))
	assert.Equal(t, 2, ms.holdBack(batch(3, 4, 5), 4))

	var got []float64
	for _, smp := range ms.pendingSnapshot() {
		got = append(got, smp.Value)
	}
	assert.Equal(t, []float64{2, 3, 4, 5}, got)

	taken := ms.takePending(3)
	require.Len(t, taken, 3)
	assert.Equal(t, 1, ms.pendingLen())

	ms.restorePending(taken)
	assert.Equal(t, 4, ms.pendingLen())
	assert.Equal(t, 2.0, ms.pendingSnapshot()[0].Value)
}

func TestStartStop(t *testing.T) {
	store := NewMemoryStore(0, 0)
	s := newTestStorage(t, StorageConfig{FlushSchedule: "@every 1s"}, store)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), errs.ErrAlreadyRunning)

	require.NoError(t, s.StoreMetric("tick", 1, model.MetricCounter))
	assert.Eventually(t, func() bool {
		pts, _ := store.Range(context.Background(), "tick", time.Time{}, time.Time{})
		return len(pts) == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, s.StoreMetric("tick", 2, model.MetricCounter))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	pts, _ := store.Range(context.Background(), "tick", time.Time{}, time.Time{})
	assert.Len(t, pts, 2)
}

func TestStartBadSchedule(t *testing.T) {
	s := newTestStorage(t, StorageConfig{FlushSchedule: "every now and then"}, nil)
	assert.Error(t, s.Start())
}

func TestConcurrentIngest(t *testing.T) {
	s := newTestStorage(t, StorageConfig{BufferCapacity: 1 << 14, MaxMetrics: 4}, nil)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := []string{"a", "b", "c", "d"}[w%4]
			for i := range 1000 {
				_ = s.StoreMetric(name, float64(i), model.MetricGauge)
			}
		}()
	}
	wg.Wait()

	st := s.Stats()
	assert.Equal(t, 4, st.Metrics)
	assert.Equal(t, uint64(8000), st.SamplesStored)
	assert.Equal(t, 8000, st.Buffered)
}
