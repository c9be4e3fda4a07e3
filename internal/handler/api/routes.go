package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpsrv "github.com/webitel/im-pulse/infra/server/http"
)

// MounterGroup is the fx value group collecting transport routes.
const MounterGroup = `group:"routes"`

// Mounter is implemented by transports that add their own endpoints.
type Mounter interface {
	Mount(r chi.Router)
}

// NewRouter wires the admin endpoints and every mounted transport.
func NewRouter(h *Handler, mounters []Mounter, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpsrv.NewRequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/stats", h.Stats)
	r.Method(http.MethodGet, "/metrics", h.Prometheus())
	r.Get("/deadletters", h.DeadLetters)
	r.Get("/queues", h.ListQueues)

	r.Post("/publish/{topic}", h.Publish)

	// Flat routes so transports can add siblings such as /tasks/dequeue.
	r.Post("/tasks", h.EnqueueTask)
	r.Post("/tasks/bulk", h.EnqueueBulk)
	r.Get("/tasks/{id}", h.GetTask)
	r.Delete("/tasks/{id}", h.CancelTask)
	r.Delete("/tasks/tags/{tag}", h.CancelByTag)

	r.Get("/series", h.ListSeries)
	r.Post("/series", h.StoreSamples)
	r.Get("/series/{name}", h.QuerySeries)
	r.Get("/series/{name}/latest", h.LatestSample)

	for _, m := range mounters {
		m.Mount(r)
	}
	return r
}
