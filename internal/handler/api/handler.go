package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webitel/im-pulse/internal/concurrent"
	"github.com/webitel/im-pulse/internal/domain/bus"
	"github.com/webitel/im-pulse/internal/domain/model"
	"github.com/webitel/im-pulse/internal/domain/registry"
	"github.com/webitel/im-pulse/internal/domain/taskqueue"
	"github.com/webitel/im-pulse/internal/service"
	"github.com/webitel/im-pulse/internal/telemetry"
)

// Bus is the bus surface used by the admin API.
type Bus interface {
	bus.Publisher
	Statistics() bus.Statistics
	PoolStats() concurrent.PoolStats
	DeadLetters() []*model.Message
}

// Tasks is the task queue surface used by the admin API.
type Tasks interface {
	Enqueue(task *model.Task) (string, error)
	EnqueueBulk(tasks []*model.Task) ([]string, error)
	GetTask(id string) (*model.Task, error)
	Cancel(id string) error
	CancelByTag(tag string) int
	ListQueues() []string
	QueueSize(name string) int
	TotalSize() int
	DelayedSize() int
	Stats() taskqueue.Stats
}

// Metrics is the metric storage surface used by the admin API.
type Metrics interface {
	StoreMetricsBatch(samples []model.Sample) (int, error)
	GetLatestValue(name string) (model.Sample, error)
	QueryMetric(ctx context.Context, name string, q telemetry.MetricQuery) (*telemetry.QueryResult, error)
	ListMetrics() []telemetry.SeriesInfo
	Stats() telemetry.StorageStats
}

// Interface guards
var (
	_ Bus     = (*bus.Bus)(nil)
	_ Tasks   = (*taskqueue.Queue)(nil)
	_ Metrics = (*telemetry.Storage)(nil)
)

// Handler serves the admin API.
type Handler struct {
	bus     Bus
	tasks   Tasks
	storage Metrics
	taps    registry.Hubber
	promReg *service.Metrics
	logger  *slog.Logger
}

func NewHandler(b Bus, tasks Tasks, storage Metrics, taps registry.Hubber, prom *service.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		bus:     b,
		tasks:   tasks,
		storage: storage,
		taps:    taps,
		promReg: prom,
		logger:  logger,
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	st := h.bus.Statistics()
	status := http.StatusOK
	if st.State != "running" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, map[string]string{"status": st.State})
}

type statsResponse struct {
	Bus       bus.Statistics         `json:"bus"`
	Pool      concurrent.PoolStats   `json:"pool"`
	Tasks     taskqueue.Stats        `json:"tasks"`
	Telemetry telemetry.StorageStats `json:"telemetry"`
	Taps      []registry.TapInfo     `json:"taps"`
}

func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Bus:       h.bus.Statistics(),
		Pool:      h.bus.PoolStats(),
		Tasks:     h.tasks.Stats(),
		Telemetry: h.storage.Stats(),
	}
	if h.taps != nil {
		resp.Taps = h.taps.Taps()
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) Prometheus() http.Handler {
	return promhttp.HandlerFor(h.promReg.Registry, promhttp.HandlerOpts{})
}
