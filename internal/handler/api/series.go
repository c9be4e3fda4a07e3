package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/webitel/im-pulse/internal/domain/model"
	"github.com/webitel/im-pulse/internal/telemetry"
)

type sampleRequest struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels"`
}

func parseMetricType(s string) (model.MetricType, error) {
	switch strings.ToLower(s) {
	case "", "gauge":
		return model.MetricGauge, nil
	case "counter":
		return model.MetricCounter, nil
	case "histogram":
		return model.MetricHistogram, nil
	case "summary":
		return model.MetricSummary, nil
	}
	return 0, fmt.Errorf("unknown metric type %q", s)
}

type storeResponse struct {
	Stored int    `json:"stored"`
	Error  string `json:"error,omitempty"`
}

// StoreSamples handles POST /series with a JSON array of samples.
func (h *Handler) StoreSamples(w http.ResponseWriter, r *http.Request) {
	var reqs []sampleRequest
	if err := DecodeJSON(w, r, &reqs); err != nil {
		BadRequest(w, "invalid body: "+err.Error())
		return
	}
	samples := make([]model.Sample, 0, len(reqs))
	for _, req := range reqs {
		typ, err := parseMetricType(req.Type)
		if err != nil {
			BadRequest(w, err.Error())
			return
		}
		samples = append(samples, model.Sample{
			Name:      req.Name,
			Value:     req.Value,
			Type:      typ,
			Timestamp: req.Timestamp,
			Labels:    req.Labels,
		})
	}

	n, err := h.storage.StoreMetricsBatch(samples)
	if err != nil && n == 0 {
		WriteError(w, err)
		return
	}
	resp := storeResponse{Stored: n}
	status := http.StatusAccepted
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusMultiStatus
	}
	WriteJSON(w, status, resp)
}

// ListSeries handles GET /series.
func (h *Handler) ListSeries(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.storage.ListMetrics())
}

// LatestSample handles GET /series/{name}/latest.
func (h *Handler) LatestSample(w http.ResponseWriter, r *http.Request) {
	s, err := h.storage.GetLatestValue(chi.URLParam(r, "name"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s)
}

// QuerySeries handles GET /series/{name}?from=&to=&limit=. Bounds are RFC3339.
func (h *Handler) QuerySeries(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	res, err := h.storage.QueryMetric(r.Context(), chi.URLParam(r, "name"), q)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func parseQuery(r *http.Request) (telemetry.MetricQuery, error) {
	var q telemetry.MetricQuery
	v := r.URL.Query()
	if s := v.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return q, fmt.Errorf("invalid from: %w", err)
		}
		q.From = t
	}
	if s := v.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return q, fmt.Errorf("invalid to: %w", err)
		}
		q.To = t
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid limit %q", s)
		}
		q.Limit = n
	}
	return q, nil
}
