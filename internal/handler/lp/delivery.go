package lp

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/webitel/im-pulse/internal/domain/model"
	"github.com/webitel/im-pulse/internal/domain/registry"
	"github.com/webitel/im-pulse/internal/handler/api"
	lpmarshaller "github.com/webitel/im-pulse/internal/handler/marshaller/lp"
	"github.com/webitel/im-pulse/internal/service"
)

// maxBatch bounds how many buffered messages one poll returns.
const maxBatch = 16

type LPHandler struct {
	tapper  service.Tapper
	tasks   Dequeuer
	timeout time.Duration
	logger  *slog.Logger
}

func NewLPHandler(tapper service.Tapper, tasks Dequeuer, timeout time.Duration, logger *slog.Logger) *LPHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LPHandler{
		tapper:  tapper,
		tasks:   tasks,
		timeout: timeout,
		logger:  logger,
	}
}

// Mount registers the long-poll endpoints.
func (h *LPHandler) Mount(r chi.Router) {
	r.Get("/tap", h.PollTap)
	r.Post("/tasks/dequeue", h.DequeueTask)
}

// waitFor clamps a client supplied wait to the server cap.
func (h *LPHandler) waitFor(raw string) (time.Duration, error) {
	if raw == "" {
		return h.timeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return min(max(d, 0), h.timeout), nil
}

// PollTap handles GET /tap?pattern=&wait=.
// It holds the connection until a matching message arrives or the wait elapses.
func (h *LPHandler) PollTap(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	wait, err := h.waitFor(r.URL.Query().Get("wait"))
	if err != nil {
		api.BadRequest(w, "invalid wait: "+err.Error())
		return
	}

	// The connector lives only for the duration of this request.
	conn, err := h.tapper.Subscribe(r.Context(), pattern, registry.ConnectMetadata{
		Transport: "long_poll",
		RemoteIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	defer h.tapper.Unsubscribe(conn.GetID())

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var msgs []*model.Message
	select {
	case <-r.Context().Done():
		return
	case <-conn.Done():
		w.WriteHeader(http.StatusNoContent)
		return
	case <-timer.C:
		w.WriteHeader(http.StatusNoContent)
		return
	case msg := <-conn.Recv():
		msgs = append(msgs, msg)

		// [BATCHING] drain what is already buffered to save round trips.
	drainLoop:
		for len(msgs) < maxBatch {
			select {
			case next := <-conn.Recv():
				msgs = append(msgs, next)
			default:
				break drainLoop
			}
		}
	}

	data, err := lpmarshaller.MarshallMessages(msgs)
	if err != nil {
		h.logger.Error("LP_MARSHAL_FAILED", "err", err)
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type dequeueRequest struct {
	Queues []string `json:"queues"`
	// Wait is a Go duration string, capped by the server long-poll timeout.
	Wait string `json:"wait"`
}

// DequeueTask handles POST /tasks/dequeue. Nothing ready within the wait is a 204.
func (h *LPHandler) DequeueTask(w http.ResponseWriter, r *http.Request) {
	var req dequeueRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.BadRequest(w, "invalid body: "+err.Error())
		return
	}
	wait, err := h.waitFor(req.Wait)
	if err != nil {
		api.BadRequest(w, "invalid wait: "+err.Error())
		return
	}
	queues := make([]string, 0, len(req.Queues))
	for _, q := range req.Queues {
		if q = strings.TrimSpace(q); q != "" {
			queues = append(queues, q)
		}
	}

	task, err := h.tasks.Dequeue(r.Context(), queues, wait)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, task)
}
