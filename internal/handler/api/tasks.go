package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/webitel/im-pulse/internal/domain/model"
	"github.com/webitel/im-pulse/internal/errs"
)

type taskRequest struct {
	ID       string         `json:"id"`
	Queue    string         `json:"queue"`
	Priority string         `json:"priority"`
	Payload  map[string]any `json:"payload"`
	ETA      time.Time      `json:"eta"`
	// Delay is a Go duration string applied relative to now when ETA is unset.
	Delay string   `json:"delay"`
	Tags  []string `json:"tags"`
}

func (r taskRequest) toTask(now time.Time) (*model.Task, error) {
	prio, err := model.ParsePriority(r.Priority)
	if err != nil {
		return nil, err
	}
	payload, err := model.PayloadFromMap(r.Payload)
	if err != nil {
		return nil, err
	}
	eta := r.ETA
	if eta.IsZero() && r.Delay != "" {
		d, err := time.ParseDuration(r.Delay)
		if err != nil {
			return nil, errors.New("invalid delay: " + err.Error())
		}
		eta = now.Add(d)
	}
	return &model.Task{
		ID:       r.ID,
		Queue:    r.Queue,
		Priority: prio,
		Payload:  payload,
		ETA:      eta,
		Tags:     r.Tags,
	}, nil
}

// EnqueueTask handles POST /tasks.
func (h *Handler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		BadRequest(w, "invalid body: "+err.Error())
		return
	}
	task, err := req.toTask(time.Now())
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	id, err := h.tasks.Enqueue(task)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, idResponse{ID: id})
}

type bulkResponse struct {
	IDs    []string `json:"ids"`
	Failed int      `json:"failed"`
	Error  string   `json:"error,omitempty"`
}

// EnqueueBulk handles POST /tasks/bulk. Every item is enqueued on its own:
// slots that failed, malformed ones included, hold "" in ids and the
// response turns into 207.
func (h *Handler) EnqueueBulk(w http.ResponseWriter, r *http.Request) {
	var reqs []taskRequest
	if err := DecodeJSON(w, r, &reqs); err != nil {
		BadRequest(w, "invalid body: "+err.Error())
		return
	}
	now := time.Now()
	ids := make([]string, len(reqs))
	tasks := make([]*model.Task, 0, len(reqs))
	slots := make([]int, 0, len(reqs))
	var errList []error
	for i, req := range reqs {
		t, err := req.toTask(now)
		if err != nil {
			errList = append(errList, errs.ErrTaskInvalid.Withf("api.enqueue_bulk", "task %d: %v", i, err))
			continue
		}
		tasks = append(tasks, t)
		slots = append(slots, i)
	}

	if len(tasks) > 0 {
		accepted, err := h.tasks.EnqueueBulk(tasks)
		for j, id := range accepted {
			ids[slots[j]] = id
		}
		if err != nil {
			errList = append(errList, err)
		}
	}

	resp := bulkResponse{IDs: ids}
	for _, id := range ids {
		if id == "" {
			resp.Failed++
		}
	}
	status := http.StatusCreated
	if err := errors.Join(errList...); err != nil {
		resp.Error = err.Error()
		status = http.StatusMultiStatus
	}
	WriteJSON(w, status, resp)
}

// GetTask handles GET /tasks/{id}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// CancelTask handles DELETE /tasks/{id}.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.tasks.Cancel(chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelByTag handles DELETE /tasks/tags/{tag}.
func (h *Handler) CancelByTag(w http.ResponseWriter, r *http.Request) {
	n := h.tasks.CancelByTag(chi.URLParam(r, "tag"))
	WriteJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

type queueInfo struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type queuesResponse struct {
	Queues  []queueInfo `json:"queues"`
	Total   int         `json:"total"`
	Delayed int         `json:"delayed"`
}

// ListQueues handles GET /queues.
func (h *Handler) ListQueues(w http.ResponseWriter, _ *http.Request) {
	names := h.tasks.ListQueues()
	resp := queuesResponse{
		Queues:  make([]queueInfo, 0, len(names)),
		Total:   h.tasks.TotalSize(),
		Delayed: h.tasks.DelayedSize(),
	}
	for _, name := range names {
		resp.Queues = append(resp.Queues, queueInfo{Name: name, Size: h.tasks.QueueSize(name)})
	}
	WriteJSON(w, http.StatusOK, resp)
}
