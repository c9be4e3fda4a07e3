package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/webitel/im-pulse/internal/domain/registry"
	"github.com/webitel/im-pulse/internal/handler/api"
	wsmarshaller "github.com/webitel/im-pulse/internal/handler/marshaller/ws"
	"github.com/webitel/im-pulse/internal/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type WSHandler struct {
	logger   *slog.Logger
	tapper   service.Tapper
	upgrader websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, tapper service.Tapper) *WSHandler {
	return &WSHandler{
		logger: logger,
		tapper: tapper,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Mount registers the websocket tap.
func (h *WSHandler) Mount(r chi.Router) {
	r.Get("/ws", h.ServeHTTP)
}

// ServeHTTP streams every bus message matching ?pattern= until the client goes away.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")

	// 1. SUBSCRIBE BEFORE THE UPGRADE so a bad pattern is still a plain 400
	conn, err := h.tapper.Subscribe(r.Context(), pattern, registry.ConnectMetadata{
		Transport: "websocket",
		RemoteIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	defer h.tapper.Unsubscribe(conn.GetID())

	// 2. UPGRADE TO WEBSOCKET
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WS_UPGRADE_FAILED", "err", err)
		return
	}
	defer ws.Close()

	log := h.logger.With("conn_id", conn.GetID(), "pattern", pattern)
	log.Info("WS_OPENED")
	defer log.Info("WS_CLOSED", "dropped", conn.Dropped())

	// 3. READ PUMP: only control frames are expected; it detects the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if data, err := wsmarshaller.MarshallConnected(conn.GetID().String(), pattern); err == nil {
		if !h.write(ws, websocket.TextMessage, data) {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	// 4. MAIN WS PUMP LOOP
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-conn.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(writeWait))
			return
		case <-ping.C:
			if !h.write(ws, websocket.PingMessage, nil) {
				return
			}
		case msg := <-conn.Recv():
			data, err := wsmarshaller.MarshallMessage(msg)
			if err != nil {
				log.Error("WS_MARSHAL_FAILED", "err", err)
				continue
			}
			if !h.write(ws, websocket.TextMessage, data) {
				return
			}
		}
	}
}

func (h *WSHandler) write(ws *websocket.Conn, kind int, data []byte) bool {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(kind, data); err != nil {
		h.logger.Warn("WS_SEND_FAILED", "err", err)
		return false
	}
	return true
}
