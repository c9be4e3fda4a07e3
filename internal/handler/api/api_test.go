package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/im-pulse/internal/domain/bus"
	"github.com/webitel/im-pulse/internal/domain/registry"
	"github.com/webitel/im-pulse/internal/domain/taskqueue"
	"github.com/webitel/im-pulse/internal/handler/api"
	"github.com/webitel/im-pulse/internal/handler/lp"
	lpmarshaller "github.com/webitel/im-pulse/internal/handler/marshaller/lp"
	wsmarshaller "github.com/webitel/im-pulse/internal/handler/marshaller/ws"
	"github.com/webitel/im-pulse/internal/handler/ws"
	"github.com/webitel/im-pulse/internal/service"
	"github.com/webitel/im-pulse/internal/telemetry"
)

type env struct {
	srv *httptest.Server
	bus *bus.Bus
	hub *registry.Hub
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := testLogger()

	b, err := bus.New(bus.WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, b.Initialize())
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	q, err := taskqueue.New(taskqueue.WithLogger(logger), taskqueue.WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, q.Start())
	t.Cleanup(func() { _ = q.Stop(context.Background()) })

	storage, err := telemetry.NewStorage(telemetry.StorageConfig{
		BufferCapacity: 64,
		MaxMetrics:     16,
	}, telemetry.NewMemoryStore(0, 0), nil, logger)
	require.NoError(t, err)

	hub := registry.NewHub(b, registry.WithLogger(logger), registry.WithIdleTimeout(0))
	t.Cleanup(hub.Shutdown)

	metrics := service.NewMetrics()
	metrics.Registry.MustRegister(service.NewStatsCollector(b, q, storage, hub))

	tapper := service.NewTapService(hub, 16)
	h := api.NewHandler(b, q, storage, hub, metrics, logger)
	router := api.NewRouter(h, []api.Mounter{
		lp.NewLPHandler(tapper, q, 2*time.Second, logger),
		ws.NewWSHandler(logger, tapper),
	}, logger)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &env{srv: srv, bus: b, hub: hub}
}

func (e *env) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealthAndStats(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"running"}`, string(body))

	code, body = e.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, code)
	stats := decode[map[string]json.RawMessage](t, body)
	for _, k := range []string{"bus", "pool", "tasks", "telemetry", "taps"} {
		assert.Contains(t, stats, k)
	}

	code, body = e.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "pulse_bus_")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestPublish(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, http.MethodPost, "/publish/orders.created", `{"priority":"high","payload":{"n":1,"ok":true}}`)
	require.Equal(t, http.StatusAccepted, code, string(body))
	assert.NotEmpty(t, decode[map[string]string](t, body)["id"])

	code, _ = e.do(t, http.MethodPost, "/publish/orders.created", "")
	assert.Equal(t, http.StatusAccepted, code)

	code, _ = e.do(t, http.MethodPost, "/publish/orders.created", `{"priority":"urgent"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/publish/orders.created", `{"payload":{"n":[1,2]}}`)
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Eventually(t, func() bool {
		return e.bus.Statistics().MessagesPublished == 2
	}, time.Second, 10*time.Millisecond)

	code, body = e.do(t, http.MethodGet, "/deadletters", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))
}

func TestTaskLifecycle(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, http.MethodPost, "/tasks", `{"queue":"emails","priority":"high","payload":{"to":"a@b.c"},"tags":["batch-1"]}`)
	require.Equal(t, http.StatusCreated, code, string(body))
	id := decode[map[string]string](t, body)["id"]
	require.NotEmpty(t, id)

	code, body = e.do(t, http.MethodGet, "/tasks/"+id, "")
	require.Equal(t, http.StatusOK, code)
	got := decode[map[string]any](t, body)
	assert.Equal(t, "emails", got["queue"])

	code, _ = e.do(t, http.MethodPost, "/tasks", `{"id":"`+id+`","queue":"emails"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = e.do(t, http.MethodPost, "/tasks", `{"priority":"low"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/tasks", `{"queue":"emails","delay":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, http.MethodPost, "/tasks/dequeue", `{"queues":["emails"],"wait":"0s"}`)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, id, decode[map[string]any](t, body)["id"])

	code, _ = e.do(t, http.MethodPost, "/tasks/dequeue", `{"queues":["emails"],"wait":"20ms"}`)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = e.do(t, http.MethodGet, "/tasks/"+id, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodDelete, "/tasks/"+id, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestBulkAndTagCancel(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, http.MethodPost, "/tasks/bulk",
		`[{"queue":"reports","tags":["nightly"]},{"queue":"reports","tags":["nightly"]},{"queue":"reports","delay":"1h","tags":["nightly"]}]`)
	require.Equal(t, http.StatusCreated, code, string(body))
	bulk := decode[struct {
		IDs    []string `json:"ids"`
		Failed int      `json:"failed"`
	}](t, body)
	assert.Len(t, bulk.IDs, 3)
	assert.Zero(t, bulk.Failed)

	code, body = e.do(t, http.MethodGet, "/queues", "")
	require.Equal(t, http.StatusOK, code)
	queues := decode[struct {
		Queues []struct {
			Name string `json:"name"`
			Size int    `json:"size"`
		} `json:"queues"`
		Total   int `json:"total"`
		Delayed int `json:"delayed"`
	}](t, body)
	assert.Equal(t, 3, queues.Total)
	assert.Equal(t, 1, queues.Delayed)
	require.Len(t, queues.Queues, 1)
	assert.Equal(t, "reports", queues.Queues[0].Name)
	assert.Equal(t, 2, queues.Queues[0].Size)

	code, body = e.do(t, http.MethodDelete, "/tasks/tags/nightly", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"cancelled":3}`, string(body))

	code, _ = e.do(t, http.MethodDelete, "/tasks/"+bulk.IDs[0], "")
	assert.Equal(t, http.StatusNoContent, code, "cancelling twice is idempotent")
}

func TestBulkKeepsValidItems(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, http.MethodPost, "/tasks/bulk",
		`[{"queue":"reports"},{"queue":"reports","priority":"urgent"},{"queue":"reports"}]`)
	require.Equal(t, http.StatusMultiStatus, code, string(body))
	bulk := decode[struct {
		IDs    []string `json:"ids"`
		Failed int      `json:"failed"`
		Error  string   `json:"error"`
	}](t, body)
	require.Len(t, bulk.IDs, 3)
	assert.NotEmpty(t, bulk.IDs[0])
	assert.Empty(t, bulk.IDs[1])
	assert.NotEmpty(t, bulk.IDs[2])
	assert.Equal(t, 1, bulk.Failed)
	assert.Contains(t, bulk.Error, "task_invalid_argument")
	assert.Contains(t, bulk.Error, "task 1")

	code, body = e.do(t, http.MethodGet, "/tasks/"+bulk.IDs[2], "")
	assert.Equal(t, http.StatusOK, code, string(body))

	code, _ = e.do(t, http.MethodPost, "/tasks/bulk", `{"queue":"reports"}`)
	assert.Equal(t, http.StatusBadRequest, code, "a body that is not a list is rejected whole")
}

func TestSeries(t *testing.T) {
	e := newEnv(t)

	now := time.Now().UTC()
	body := bytes.NewBufferString(`[`)
	for i, v := range []float64{1, 2, 3} {
		if i > 0 {
			body.WriteString(",")
		}
		ts := now.Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano)
		body.WriteString(`{"name":"cpu.load","type":"gauge","value":` + jsonNum(v) + `,"timestamp":"` + ts + `"}`)
	}
	body.WriteString(`]`)

	code, resp := e.do(t, http.MethodPost, "/series", body.String())
	require.Equal(t, http.StatusAccepted, code, string(resp))
	assert.JSONEq(t, `{"stored":3}`, string(resp))

	code, _ = e.do(t, http.MethodPost, "/series", `[{"name":"x","type":"meter"}]`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/series", `[{"name":"","value":1}]`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = e.do(t, http.MethodGet, "/series/cpu.load/latest", "")
	require.Equal(t, http.StatusOK, code)
	assert.InDelta(t, 3.0, decode[map[string]any](t, resp)["value"], 1e-9)

	code, resp = e.do(t, http.MethodGet, "/series/cpu.load?limit=2", "")
	require.Equal(t, http.StatusOK, code)
	res := decode[telemetry.QueryResult](t, resp)
	assert.Len(t, res.Points, 2)
	assert.InDelta(t, 5.0, res.Summary.Sum, 1e-9)

	code, _ = e.do(t, http.MethodGet, "/series/cpu.load?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodGet, "/series/missing/latest", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, resp = e.do(t, http.MethodGet, "/series", "")
	require.Equal(t, http.StatusOK, code)
	list := decode[[]telemetry.SeriesInfo](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "cpu.load", list[0].Name)
}

func jsonNum(v float64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func waitForTap(t *testing.T, hub *registry.Hub, pattern string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, tap := range hub.Taps() {
			if tap.Pattern == pattern && len(tap.Connectors) > 0 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestLongPollTap(t *testing.T) {
	e := newEnv(t)

	code, _ := e.do(t, http.MethodGet, "/tap?pattern=", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodGet, "/tap?pattern=idle.*&wait=20ms", "")
	assert.Equal(t, http.StatusNoContent, code)

	type result struct {
		code int
		body []byte
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Get(e.srv.URL + "/tap?pattern=orders.%23")
		if err != nil {
			done <- result{}
			return
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		done <- result{resp.StatusCode, data}
	}()

	waitForTap(t, e.hub, "orders.#")
	_, err := e.bus.Publish(context.Background(), "orders.eu.created", nil)
	require.NoError(t, err)

	select {
	case r := <-done:
		require.Equal(t, http.StatusOK, r.code)
		res := decode[lpmarshaller.Response](t, r.body)
		require.NotEmpty(t, res.Events)
		assert.Equal(t, "orders.eu.created", res.Events[0].Topic)
		assert.Equal(t, "normal", res.Events[0].Priority)
	case <-time.After(5 * time.Second):
		t.Fatal("long poll never returned")
	}
}

func TestWebsocketTap(t *testing.T) {
	e := newEnv(t)

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?pattern=chat.*"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello wsmarshaller.WSEvent
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, wsmarshaller.EventConnected, hello.Event)

	waitForTap(t, e.hub, "chat.*")
	_, err = e.bus.Publish(context.Background(), "chat.message", nil, bus.WithMessageID("m-1"))
	require.NoError(t, err)

	var ev wsmarshaller.WSEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, wsmarshaller.EventMessage, ev.Event)
	assert.Equal(t, "m-1", ev.ID)
	payload, ok := ev.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "chat.message", payload["topic"])

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+"/ws", nil)
	assert.Error(t, err, "empty pattern is refused before the upgrade")
}
