package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/webitel/im-pulse/internal/domain/model"
)

// Interface guard
var _ Connector = (*connect)(nil)

// [CONNECTOR] THE INTERFACE FOR EXTERNAL LAYERS (HUB/TRANSPORT)
type Connector interface {
	GetID() uuid.UUID
	GetPattern() string
	GetMetadata() ConnectMetadata
	// Send is thread-safe and applies priority backpressure when the buffer is full.
	Send(msg *model.Message, timeout time.Duration) bool
	Recv() <-chan *model.Message
	// Done is closed once the connector is closed.
	Done() <-chan struct{}
	Dropped() uint64
	Close()
}

// [METADATA] EXPORTED FOR TRANSPORT AND ANALYTICS LAYERS
type ConnectMetadata struct {
	Transport string `json:"transport"`
	RemoteIP  string `json:"remote_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type connect struct {
	id        uuid.UUID
	pattern   string
	metadata  ConnectMetadata
	createdAt time.Time
	ctx       context.Context
	cancelFn  context.CancelFunc
	// sendCh is never closed: readers stop on Done, so a late Send cannot panic.
	sendCh    chan *model.Message
	closeOnce sync.Once

	lastActivityAt atomic.Int64
	dropped        atomic.Uint64
}

// NewConnector creates a tap on pattern. It is closed when ctx is cancelled
// or Close is called.
func NewConnector(ctx context.Context, pattern string, bufferSize int, meta ConnectMetadata) Connector {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	childCtx, cancel := context.WithCancel(ctx)
	c := &connect{
		id:        uuid.New(),
		pattern:   pattern,
		metadata:  meta,
		createdAt: time.Now(),
		ctx:       childCtx,
		cancelFn:  cancel,
		sendCh:    make(chan *model.Message, bufferSize),
	}
	c.lastActivityAt.Store(c.createdAt.UnixNano())
	return c
}

func (c *connect) GetID() uuid.UUID             { return c.id }
func (c *connect) GetPattern() string           { return c.pattern }
func (c *connect) GetMetadata() ConnectMetadata { return c.metadata }
func (c *connect) Recv() <-chan *model.Message  { return c.sendCh }
func (c *connect) Done() <-chan struct{}        { return c.ctx.Done() }
func (c *connect) Dropped() uint64              { return c.dropped.Load() }

// Send waits up to timeout for buffer space, then falls back to eviction.
func (c *connect) Send(msg *model.Message, timeout time.Duration) bool {
	// [FAST_PATH] Free slot, no timer needed.
	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- msg:
		c.lastActivityAt.Store(time.Now().UnixNano())
		return true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	// 1. [LIFECYCLE_GATE] Abort if the transport is already gone.
	case <-c.ctx.Done():
		return false

	// 2. [PRIMARY_DELIVERY] Wait for the reader to make room.
	case c.sendCh <- msg:
		c.lastActivityAt.Store(time.Now().UnixNano())
		return true

	// 3. [BACKPRESSURE_THRESHOLD] Persistent slow consumer.
	case <-t.C:
		return c.handleBackpressure(msg)
	}
}

// handleBackpressure makes room for msg by evicting one buffered message of
// lower priority. Low priority messages are shed outright.
func (c *connect) handleBackpressure(msg *model.Message) bool {
	if msg.GetPriority() <= model.PriorityLow {
		c.dropped.Add(1)
		return false
	}

	select {
	case old := <-c.sendCh:
		if old.GetPriority() < msg.GetPriority() {
			select {
			case c.sendCh <- msg:
				c.dropped.Add(1) // the evicted one
				return true
			default:
			}
			// The reader raced us; old is lost either way.
			c.dropped.Add(1)
			return false
		}
		// Equal or higher priority stays (best effort, it moves to the tail).
		select {
		case c.sendCh <- old:
		default:
			c.dropped.Add(1)
		}
	default:
	}

	c.dropped.Add(1)
	return false
}

// Close cancels the connector. It is idempotent.
func (c *connect) Close() {
	c.closeOnce.Do(func() {
		c.cancelFn()
	})
}
