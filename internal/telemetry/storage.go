/*
Package telemetry ingests metric samples into per-metric ring buffers and
periodically flushes them into a SeriesStore.

Ingestion only touches atomics: the series lookup is a read-locked map hit and
the write goes into a lock-free RingBuffer. Flushing drains every buffer in
batches, summarises each batch with the Aggregator and appends it to the store
through a circuit breaker, so an unavailable store leaves samples buffered
instead of stalling producers.
*/
package telemetry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/webitel/im-pulse/internal/concurrent"
	"github.com/webitel/im-pulse/internal/domain/model"
	"github.com/webitel/im-pulse/internal/errs"
)

// StorageConfig sizes metric storage.
type StorageConfig struct {
	// BufferCapacity is the per-metric ring buffer size, a power of two.
	BufferCapacity int
	OverwriteOld   bool
	BatchSize      int
	MaxMetrics     int
	// RejectOverLimit fails samples for new metrics past MaxMetrics with
	// errs.ErrMaxMetrics. When false they are accepted, dropped and counted.
	RejectOverLimit bool
	// FlushSchedule is a cron spec such as "@every 10s".
	FlushSchedule string
	// FlushParallelism bounds concurrent series appends during a flush.
	FlushParallelism int
}

// StorageStats is a snapshot of ingestion and flush counters.
type StorageStats struct {
	Metrics          int    `json:"metrics"`
	MaxMetrics       int    `json:"max_metrics"`
	SamplesStored    uint64 `json:"samples_stored"`
	SamplesRejected  uint64 `json:"samples_rejected"`
	CapacityExceeded uint64 `json:"capacity_exceeded"`
	Overwrites       uint64 `json:"overwrites"`
	Buffered         int    `json:"buffered"`
	Flushes          uint64 `json:"flushes"`
	FlushedSamples   uint64 `json:"flushed_samples"`
	FlushFailures    uint64 `json:"flush_failures"`
	// Pending counts drained samples held back by failed appends.
	Pending int `json:"pending"`
	// PendingDropped counts held-back samples discarded to stay within BufferCapacity.
	PendingDropped uint64 `json:"pending_dropped"`
	BreakerState     string `json:"breaker_state"`
}

// MetricQuery bounds a QueryMetric call. Zero bounds are open.
type MetricQuery struct {
	From time.Time
	To   time.Time
	// Limit keeps only the newest Limit points when positive.
	Limit int
}

// QueryResult is the answer of QueryMetric.
type QueryResult struct {
	Name    string           `json:"name"`
	Type    model.MetricType `json:"type"`
	Points  []Point          `json:"points"`
	Summary Summary          `json:"summary"`
	P50     float64          `json:"p50"`
	P95     float64          `json:"p95"`
	P99     float64          `json:"p99"`
}

// SeriesInfo describes one metric for listings.
type SeriesInfo struct {
	Name        string           `json:"name"`
	Type        model.MetricType `json:"type"`
	Buffered    int              `json:"buffered"`
	Pending     int              `json:"pending"`
	Latest      *model.Sample    `json:"latest,omitempty"`
	LastSummary Summary          `json:"last_summary"`
}

type metricSeries struct {
	name   string
	typ    model.MetricType
	buf    *concurrent.RingBuffer[model.Sample]
	latest atomic.Pointer[model.Sample]

	// flushMu serialises flushes of this series.
	flushMu     sync.Mutex
	lastSummary atomic.Pointer[Summary]

	// pending holds drained samples whose append failed, oldest first.
	// They are retried before the ring buffer on the next flush.
	pendMu  sync.Mutex
	pending []model.Sample
}

func (ms *metricSeries) pendingSnapshot() []model.Sample {
	ms.pendMu.Lock()
	defer ms.pendMu.Unlock()
	return slices.Clone(ms.pending)
}

func (ms *metricSeries) pendingLen() int {
	ms.pendMu.Lock()
	defer ms.pendMu.Unlock()
	return len(ms.pending)
}

// holdBack appends batch to the pending samples, keeping at most limit of the
// newest ones, and reports how many old samples were discarded.
func (ms *metricSeries) holdBack(batch []model.Sample, limit int) int {
	ms.pendMu.Lock()
	defer ms.pendMu.Unlock()
	ms.pending = append(ms.pending, batch...)
	over := len(ms.pending) - limit
	if over <= 0 {
		return 0
	}
	ms.pending = slices.Delete(ms.pending, 0, over)
	return over
}

// takePending removes and returns up to n of the oldest pending samples.
func (ms *metricSeries) takePending(n int) []model.Sample {
	ms.pendMu.Lock()
	defer ms.pendMu.Unlock()
	n = min(n, len(ms.pending))
	out := slices.Clone(ms.pending[:n])
	ms.pending = slices.Delete(ms.pending, 0, n)
	return out
}

// restorePending puts a batch taken by takePending back in front.
func (ms *metricSeries) restorePending(batch []model.Sample) {
	ms.pendMu.Lock()
	defer ms.pendMu.Unlock()
	ms.pending = append(slices.Clone(batch), ms.pending...)
}

// Storage is the metric sink.
type Storage struct {
	cfg     StorageConfig
	logger  *slog.Logger
	agg     *Aggregator
	store   SeriesStore
	breaker *gobreaker.CircuitBreaker
	cron    *cron.Cron

	mu     sync.RWMutex
	series map[string]*metricSeries

	stored           atomic.Uint64
	rejected         atomic.Uint64
	capacityExceeded atomic.Uint64
	flushes          atomic.Uint64
	flushed          atomic.Uint64
	flushFailures    atomic.Uint64
	pendingDropped   atomic.Uint64
}

// NewStorage validates cfg. store receives flushed samples.
func NewStorage(cfg StorageConfig, store SeriesStore, agg *Aggregator, logger *slog.Logger) (*Storage, error) {
	if n := cfg.BufferCapacity; n < 2 || n&(n-1) != 0 {
		return nil, errs.ErrInvalidCapacity.Withf("telemetry.new", "buffer capacity %d is not a power of two", n)
	}
	if cfg.MaxMetrics <= 0 {
		return nil, errs.ErrInvalidCapacity.Withf("telemetry.new", "max metrics must be positive")
	}
	if store == nil {
		return nil, errs.ErrInvalidCapacity.Withf("telemetry.new", "series store is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushParallelism <= 0 {
		cfg.FlushParallelism = 4
	}
	if cfg.FlushSchedule == "" {
		cfg.FlushSchedule = "@every 10s"
	}
	if agg == nil {
		agg = NewAggregator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "telemetry")

	s := &Storage{
		cfg:    cfg,
		logger: logger,
		agg:    agg,
		store:  store,
		series: make(map[string]*metricSeries),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "series-store",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("FLUSH_BREAKER_STATE", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s, nil
}

// StoreMetric records value for name at the current time.
func (s *Storage) StoreMetric(name string, value float64, typ model.MetricType) error {
	return s.StoreSample(model.Sample{Name: name, Value: value, Type: typ})
}

// StoreSample records one sample. A zero timestamp means now.
func (s *Storage) StoreSample(sample model.Sample) error {
	const op = "telemetry.store"
	if sample.Name == "" {
		return errs.ErrInvalidMetric.Withf(op, "metric name is required")
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	if sample.Type == 0 {
		sample.Type = model.MetricGauge
	}

	ms, err := s.lookup(sample.Name, sample.Type, true)
	if err != nil {
		return err
	}
	if ms == nil {
		// Over the limit and tolerated.
		return nil
	}

	if err := ms.buf.Write(sample); err != nil {
		s.rejected.Add(1)
		return fmt.Errorf("%s %s: %w", op, sample.Name, err)
	}
	s.stored.Add(1)
	ms.latest.Store(&sample)
	return nil
}

// StoreMetricsBatch stores every sample independently and returns how many
// were accepted, with the failures joined.
func (s *Storage) StoreMetricsBatch(samples []model.Sample) (int, error) {
	var (
		n       int
		errList []error
	)
	for _, sample := range samples {
		if err := s.StoreSample(sample); err != nil {
			errList = append(errList, err)
			continue
		}
		n++
	}
	return n, errors.Join(errList...)
}

// lookup returns the series for name, creating it when create is set.
// It returns nil without error when the limit is reached and tolerated.
func (s *Storage) lookup(name string, typ model.MetricType, create bool) (*metricSeries, error) {
	s.mu.RLock()
	ms, ok := s.series[name]
	s.mu.RUnlock()
	if ok || !create {
		return ms, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ms, ok = s.series[name]; ok {
		return ms, nil
	}
	if len(s.series) >= s.cfg.MaxMetrics {
		s.capacityExceeded.Add(1)
		if s.cfg.RejectOverLimit {
			return nil, errs.ErrMaxMetrics.Withf("telemetry.store", "%d metrics tracked, %q refused", s.cfg.MaxMetrics, name)
		}
		return nil, nil
	}

	buf, err := concurrent.NewRingBuffer[model.Sample](concurrent.RingBufferConfig{
		Capacity:     s.cfg.BufferCapacity,
		OverwriteOld: s.cfg.OverwriteOld,
		BatchSize:    s.cfg.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	ms = &metricSeries{name: name, typ: typ, buf: buf}
	s.series[name] = ms
	return ms, nil
}

// GetLatestValue returns the most recent sample stored for name.
func (s *Storage) GetLatestValue(name string) (model.Sample, error) {
	ms, _ := s.lookup(name, 0, false)
	if ms != nil {
		if p := ms.latest.Load(); p != nil {
			return *p, nil
		}
	}
	return model.Sample{}, errs.ErrMetricNotFound.Withf("telemetry.latest", "%s", name)
}

// QueryMetric merges flushed points with still-buffered samples inside the
// query bounds, oldest first, and summarises them.
func (s *Storage) QueryMetric(ctx context.Context, name string, q MetricQuery) (*QueryResult, error) {
	const op = "telemetry.query"

	ms, _ := s.lookup(name, 0, false)
	points, err := s.store.Range(ctx, name, q.From, q.To)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, name, err)
	}
	if ms == nil && len(points) == 0 {
		return nil, errs.ErrMetricNotFound.Withf(op, "%s", name)
	}

	res := &QueryResult{Name: name}
	if ms != nil {
		res.Type = ms.typ
		for _, smp := range slices.Concat(ms.pendingSnapshot(), ms.buf.Snapshot()) {
			if inRange(smp.Timestamp, q.From, q.To) {
				points = append(points, Point{Timestamp: smp.Timestamp, Value: smp.Value})
			}
		}
	}
	slices.SortStableFunc(points, func(a, b Point) int { return a.Timestamp.Compare(b.Timestamp) })
	if q.Limit > 0 && len(points) > q.Limit {
		points = points[len(points)-q.Limit:]
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	res.Points = points
	res.Summary = s.agg.Aggregate(values)
	if len(values) > 0 {
		res.P50 = Percentile(values, 50)
		res.P95 = Percentile(values, 95)
		res.P99 = Percentile(values, 99)
	}
	return res, nil
}

// ListMetrics describes every tracked metric, sorted by name.
func (s *Storage) ListMetrics() []SeriesInfo {
	s.mu.RLock()
	out := make([]SeriesInfo, 0, len(s.series))
	for _, ms := range s.series {
		info := SeriesInfo{Name: ms.name, Type: ms.typ, Buffered: ms.buf.Size(), Pending: ms.pendingLen(), Latest: ms.latest.Load()}
		if sum := ms.lastSummary.Load(); sum != nil {
			info.LastSummary = *sum
		}
		out = append(out, info)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b SeriesInfo) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func (s *Storage) snapshotSeries() []*metricSeries {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*metricSeries, 0, len(s.series))
	for _, ms := range s.series {
		out = append(out, ms)
	}
	return out
}

// Flush drains every ring buffer into the series store. With the breaker
// open nothing is drained and gobreaker.ErrOpenState is returned.
func (s *Storage) Flush(ctx context.Context) error {
	if s.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("telemetry: flush: %w", gobreaker.ErrOpenState)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FlushParallelism)
	for _, ms := range s.snapshotSeries() {
		g.Go(func() error {
			return s.flushSeries(gctx, ms)
		})
	}
	err := g.Wait()
	s.flushes.Add(1)
	if err != nil {
		s.flushFailures.Add(1)
		return fmt.Errorf("telemetry: flush: %w", err)
	}
	return nil
}

func (s *Storage) flushSeries(ctx context.Context, ms *metricSeries) error {
	ms.flushMu.Lock()
	defer ms.flushMu.Unlock()

	// Samples held back by an earlier failure go first so the store stays ordered.
	for {
		batch := ms.takePending(s.cfg.BatchSize)
		if len(batch) == 0 {
			break
		}
		if err := s.appendBatch(ctx, ms, batch); err != nil {
			ms.restorePending(batch)
			return err
		}
	}

	for {
		batch := ms.buf.ReadBatch(s.cfg.BatchSize)
		if len(batch) == 0 {
			return nil
		}
		if err := s.appendBatch(ctx, ms, batch); err != nil {
			// The ring may already hold newer samples; the batch waits in pending.
			if dropped := ms.holdBack(batch, s.cfg.BufferCapacity); dropped > 0 {
				s.pendingDropped.Add(uint64(dropped))
				s.logger.Warn("PENDING_SAMPLES_DROPPED", "metric", ms.name, "samples", dropped)
			}
			return err
		}
	}
}

func (s *Storage) appendBatch(ctx context.Context, ms *metricSeries, batch []model.Sample) error {
	points := make([]Point, len(batch))
	values := make([]float64, len(batch))
	for i, smp := range batch {
		points[i] = Point{Timestamp: smp.Timestamp, Value: smp.Value}
		values[i] = smp.Value
	}

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.store.Append(ctx, ms.name, points)
	})
	if err != nil {
		s.logger.Warn("SERIES_FLUSH_FAILED", "err", err, "metric", ms.name, "samples", len(batch))
		return fmt.Errorf("series %s: %w", ms.name, err)
	}

	sum := s.agg.Aggregate(values)
	ms.lastSummary.Store(&sum)
	s.flushed.Add(uint64(len(batch)))
	return nil
}

// Start schedules periodic flushes.
func (s *Storage) Start() error {
	if s.cron != nil {
		return errs.ErrAlreadyRunning.With("telemetry.start")
	}
	c := NewCron(s.logger)
	_, err := c.AddFunc(s.cfg.FlushSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("SCHEDULED_FLUSH_FAILED", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("telemetry: flush schedule %q: %w", s.cfg.FlushSchedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("TELEMETRY_STARTED", "flush_schedule", s.cfg.FlushSchedule, "max_metrics", s.cfg.MaxMetrics)
	return nil
}

// Stop waits for a running flush, then flushes once more.
func (s *Storage) Stop(ctx context.Context) error {
	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
			return fmt.Errorf("telemetry: stop: %w", ctx.Err())
		}
	}
	return s.Flush(ctx)
}

// Stats returns the ingestion and flush counters.
func (s *Storage) Stats() StorageStats {
	st := StorageStats{
		MaxMetrics:       s.cfg.MaxMetrics,
		SamplesStored:    s.stored.Load(),
		SamplesRejected:  s.rejected.Load(),
		CapacityExceeded: s.capacityExceeded.Load(),
		Flushes:          s.flushes.Load(),
		FlushedSamples:   s.flushed.Load(),
		FlushFailures:    s.flushFailures.Load(),
		PendingDropped:   s.pendingDropped.Load(),
		BreakerState:     s.breaker.State().String(),
	}
	for _, ms := range s.snapshotSeries() {
		st.Metrics++
		bs := ms.buf.Stats()
		st.Buffered += bs.Size
		st.Overwrites += bs.Overwrites
		st.Pending += ms.pendingLen()
	}
	return st
}

// NewCron returns a seconds-less cron scheduler logging through logger.
// Panicking jobs are recovered and overlapping runs skipped.
func NewCron(logger *slog.Logger) *cron.Cron {
	l := cronLogger{logger}
	return cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("CRON_"+strings.ToUpper(msg), keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("CRON_"+strings.ToUpper(msg), append([]any{"err", err}, keysAndValues...)...)
}
