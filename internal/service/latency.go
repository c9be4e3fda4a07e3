package service

import (
	"time"

	"github.com/webitel/im-pulse/internal/domain/bus"
	"github.com/webitel/im-pulse/internal/domain/model"
)

const (
	MetricQueueLatency  = "bus.dispatch.queue_ms"
	MetricHandleLatency = "bus.dispatch.handle_ms"
)

// LatencyRecorder turns per-message dispatch timings into samples and
// histogram observations. It must stay independent of the bus it observes.
type LatencyRecorder struct {
	sink    MetricSink
	metrics *Metrics
}

func NewLatencyRecorder(sink MetricSink, metrics *Metrics) *LatencyRecorder {
	return &LatencyRecorder{sink: sink, metrics: metrics}
}

// Observe has the bus.DispatchObserver signature. It runs on bus workers,
// so it only does non-blocking writes.
func (r *LatencyRecorder) Observe(msg *model.Message, queued, handled time.Duration) {
	now := time.Now()
	if r.sink != nil {
		// Storage errors (full buffer, metric limit) are accounted there.
		_ = r.sink.StoreSample(model.Sample{Name: MetricQueueLatency, Value: ms(queued), Type: model.MetricHistogram, Timestamp: now})
		_ = r.sink.StoreSample(model.Sample{Name: MetricHandleLatency, Value: ms(handled), Type: model.MetricHistogram, Timestamp: now})
	}
	if r.metrics != nil {
		prio := msg.GetPriority().String()
		r.metrics.QueueLatency.WithLabelValues(prio).Observe(queued.Seconds())
		r.metrics.HandleLatency.WithLabelValues(prio).Observe(handled.Seconds())
	}
}

// Observer exposes Observe as a bus option value.
func (r *LatencyRecorder) Observer() bus.DispatchObserver { return r.Observe }

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
