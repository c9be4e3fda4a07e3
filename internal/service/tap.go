package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/webitel/im-pulse/internal/domain/registry"
)

// [TAP_SERVICE] PRIMARY INTERFACE FOR TRANSPORT HANDLERS (Websocket/long-poll)
type Tapper interface {
	Subscribe(ctx context.Context, pattern string, meta registry.ConnectMetadata) (registry.Connector, error)
	Unsubscribe(connID uuid.UUID)
}

// Interface guard
var _ Tapper = (*TapService)(nil)

type TapService struct {
	hub        registry.Hubber
	bufferSize int
}

func NewTapService(hub registry.Hubber, bufferSize int) *TapService {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &TapService{
		hub:        hub,
		bufferSize: bufferSize,
	}
}

// [SUBSCRIBE] HANDLES TAP LIFECYCLE INITIATION
// The connector lives as long as ctx; callers still have to Unsubscribe.
func (s *TapService) Subscribe(ctx context.Context, pattern string, meta registry.ConnectMetadata) (registry.Connector, error) {
	conn := registry.NewConnector(ctx, pattern, s.bufferSize, meta)
	if err := s.hub.Register(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// [UNSUBSCRIBE] TRIGGERS CLEANUP
// Hub.Unregister closes the connector and may release the bus subscription.
func (s *TapService) Unsubscribe(connID uuid.UUID) {
	s.hub.Unregister(connID)
}
