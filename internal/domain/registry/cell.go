package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/webitel/im-pulse/internal/domain/bus"
	"github.com/webitel/im-pulse/internal/domain/model"
)

// Celler defines the internal API of a per-pattern delivery unit.
type Celler interface {
	Push(msg *model.Message) bool
	Attach(conn Connector)
	Detach(connID uuid.UUID) bool
	Sessions() []Connector
	IsIdle(timeout time.Duration) bool
	Stop()
}

// Interface guard
var _ Celler = (*Cell)(nil)

// Cell implements [ISOLATED_DELIVERY] for one topic pattern. It owns a single
// bus subscription and fans every matching message out to its connectors.
type Cell struct {
	pattern string
	subID   bus.SubscriptionID

	// [MAILBOX]
	// Decouples bus workers from connector delivery: a full mailbox drops
	// instead of stalling the bus.
	mailbox chan *model.Message

	sessions map[uuid.UUID]Connector
	mu       sync.RWMutex

	sendTimeout time.Duration
	doneCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	lastActivityAt atomic.Int64
	dropped        atomic.Uint64
	delivered      atomic.Uint64
}

func NewCell(pattern string, mailboxSize int, sendTimeout time.Duration) *Cell {
	c := &Cell{
		pattern:     pattern,
		mailbox:     make(chan *model.Message, mailboxSize),
		sessions:    make(map[uuid.UUID]Connector),
		sendTimeout: sendTimeout,
		doneCh:      make(chan struct{}),
	}
	c.touch()
	c.wg.Add(1)
	go c.loop()
	return c
}

// Handle is the bus handler of the cell.
func (c *Cell) Handle(_ context.Context, msg *model.Message) error {
	c.Push(msg)
	return nil
}

func (c *Cell) touch() {
	c.lastActivityAt.Store(time.Now().UnixNano())
}

// IsIdle is true once the cell has had no connectors for longer than timeout.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sessions) > 0 {
		return false
	}
	return time.Since(time.Unix(0, c.lastActivityAt.Load())) >= timeout
}

func (c *Cell) Push(msg *model.Message) bool {
	select {
	case c.mailbox <- msg:
		return true
	case <-c.doneCh:
		return false
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *Cell) Attach(conn Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[conn.GetID()] = conn
	c.touch()
}

// Detach reports whether the cell is left without connectors.
func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, connID)
	c.touch()
	return len(c.sessions) == 0
}

func (c *Cell) Sessions() []Connector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Connector, 0, len(c.sessions))
	for _, conn := range c.sessions {
		out = append(out, conn)
	}
	return out
}

func (c *Cell) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.doneCh:
			return
		case msg := <-c.mailbox:
			c.deliver(msg)
		}
	}
}

func (c *Cell) deliver(msg *model.Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, conn := range c.sessions {
		if conn.Send(msg, c.sendTimeout) {
			c.delivered.Add(1)
		}
	}
}

// Stop terminates the delivery loop and waits for it.
func (c *Cell) Stop() {
	c.stopOnce.Do(func() {
		close(c.doneCh)
	})
	c.wg.Wait()
}
