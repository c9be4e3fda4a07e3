package service

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/webitel/im-pulse/internal/concurrent"
	"github.com/webitel/im-pulse/internal/domain/bus"
	"github.com/webitel/im-pulse/internal/domain/model"
	"github.com/webitel/im-pulse/internal/domain/taskqueue"
	"github.com/webitel/im-pulse/internal/errs"
	"github.com/webitel/im-pulse/internal/telemetry"
)

// BusStats is the read side of the bus used for self-monitoring.
type BusStats interface {
	Statistics() bus.Statistics
	PoolStats() concurrent.PoolStats
}

// TaskStats is the read side of the task queue used for self-monitoring.
type TaskStats interface {
	Stats() taskqueue.Stats
}

// MetricSink receives self-monitoring samples.
type MetricSink interface {
	StoreSample(model.Sample) error
	StoreMetricsBatch([]model.Sample) (int, error)
}

// Interface guards
var (
	_ BusStats   = (*bus.Bus)(nil)
	_ TaskStats  = (*taskqueue.Queue)(nil)
	_ MetricSink = (*telemetry.Storage)(nil)
)

// Sampler periodically records bus and task queue statistics as metrics,
// so they get the same buffering, flushing and querying as user metrics.
type Sampler struct {
	bus      BusStats
	tasks    TaskStats
	sink     MetricSink
	schedule string
	logger   *slog.Logger
	now      func() time.Time

	cron *cron.Cron
}

func NewSampler(b BusStats, tasks TaskStats, sink MetricSink, schedule string, logger *slog.Logger) *Sampler {
	if schedule == "" {
		schedule = "@every 5s"
	}
	return &Sampler{
		bus:      b,
		tasks:    tasks,
		sink:     sink,
		schedule: schedule,
		logger:   logger.With("component", "sampler"),
		now:      time.Now,
	}
}

// Collect builds one round of samples, all stamped with the same time.
func (s *Sampler) Collect() []model.Sample {
	ts := s.now()
	gauge := func(name string, v float64) model.Sample {
		return model.Sample{Name: name, Value: v, Type: model.MetricGauge, Timestamp: ts}
	}
	counter := func(name string, v uint64) model.Sample {
		return model.Sample{Name: name, Value: float64(v), Type: model.MetricCounter, Timestamp: ts}
	}

	var out []model.Sample
	if s.bus != nil {
		st := s.bus.Statistics()
		ps := s.bus.PoolStats()
		out = append(out,
			counter("bus.messages_published", st.MessagesPublished),
			counter("bus.messages_processed", st.MessagesProcessed),
			counter("bus.messages_failed", st.MessagesFailed),
			counter("bus.messages_dropped", st.MessagesDropped),
			counter("bus.messages_rejected", st.MessagesRejected),
			counter("bus.messages_unrouted", st.MessagesUnrouted),
			gauge("bus.queue_depth", float64(st.QueueDepth)),
			gauge("bus.dead_letters", float64(st.DeadLetters)),
			gauge("bus.subscriptions", float64(st.Subscriptions)),
			gauge("bus.pool.in_use", float64(ps.InUse)),
			counter("bus.pool.failed_allocations", ps.FailedAllocations),
		)
	}
	if s.tasks != nil {
		st := s.tasks.Stats()
		out = append(out,
			counter("tasks.enqueued", st.Enqueued),
			counter("tasks.delivered", st.Delivered),
			counter("tasks.cancelled", st.Cancelled),
			counter("tasks.rejected", st.Rejected),
			gauge("tasks.total", float64(st.Total)),
			gauge("tasks.delayed", float64(st.Delayed)),
			gauge("tasks.queues", float64(st.Queues)),
		)
	}
	return out
}

// SampleOnce collects and stores one round.
func (s *Sampler) SampleOnce() error {
	samples := s.Collect()
	n, err := s.sink.StoreMetricsBatch(samples)
	if err != nil {
		return fmt.Errorf("sampler: stored %d of %d: %w", n, len(samples), err)
	}
	return nil
}

func (s *Sampler) Start() error {
	if s.cron != nil {
		return errs.ErrAlreadyRunning.With("sampler.start")
	}
	c := telemetry.NewCron(s.logger)
	if _, err := c.AddFunc(s.schedule, func() {
		if err := s.SampleOnce(); err != nil {
			s.logger.Warn("SAMPLE_FAILED", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("sampler: schedule %q: %w", s.schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("SAMPLER_STARTED", "schedule", s.schedule)
	return nil
}

// Stop waits for a running sample to finish.
func (s *Sampler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
