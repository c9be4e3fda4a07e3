package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/webitel/im-pulse/internal/domain/bus"
	"github.com/webitel/im-pulse/internal/domain/model"
)

type publishRequest struct {
	Priority string         `json:"priority"`
	Payload  map[string]any `json:"payload"`
}

type idResponse struct {
	ID string `json:"id"`
}

// Publish handles POST /publish/{topic}.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")

	var req publishRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(w, r, &req); err != nil {
			BadRequest(w, "invalid body: "+err.Error())
			return
		}
	}
	prio, err := model.ParsePriority(req.Priority)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	payload, err := model.PayloadFromMap(req.Payload)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	id, err := h.bus.Publish(r.Context(), topic, payload, bus.WithPriority(prio))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, idResponse{ID: id})
}

// DeadLetters handles GET /deadletters. Reading drains the queue.
func (h *Handler) DeadLetters(w http.ResponseWriter, _ *http.Request) {
	msgs := h.bus.DeadLetters()
	if msgs == nil {
		msgs = []*model.Message{}
	}
	WriteJSON(w, http.StatusOK, msgs)
}
