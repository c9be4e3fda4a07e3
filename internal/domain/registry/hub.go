/*
Package registry streams bus traffic to live observers ("taps").

Key Architectural Concepts:
  - Cells: every distinct topic pattern being watched is served by one Cell
    that owns a single bus subscription and an isolated mailbox goroutine.
    Any number of connectors (websocket or long-poll sessions) attach to it.
  - Backpressure: bus workers only do a non-blocking mailbox push. Slow
    connectors are handled inside the cell with priority-aware eviction, so
    observers can never slow the bus down.
  - Reclamation: a janitor drops the bus subscription of cells that have had
    no connectors for the idle timeout.
*/
package registry

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webitel/im-pulse/internal/domain/bus"
	"github.com/webitel/im-pulse/internal/errs"
)

// Hubber defines the gateway for tap registration.
type Hubber interface {
	Register(conn Connector) error
	Unregister(connID uuid.UUID)
	IsConnected(connID uuid.UUID) bool
	Taps() []TapInfo
	Shutdown()
}

// Interface guard
var _ Hubber = (*Hub)(nil)

// TapInfo describes one watched pattern.
type TapInfo struct {
	Pattern    string          `json:"pattern"`
	Connectors []ConnectorInfo `json:"connectors"`
	Delivered  uint64          `json:"delivered"`
	Dropped    uint64          `json:"dropped"`
	Pending    int             `json:"pending"`
}

type ConnectorInfo struct {
	ID       uuid.UUID       `json:"id"`
	Metadata ConnectMetadata `json:"metadata"`
	Dropped  uint64          `json:"dropped"`
}

// Hub implements a [SCALABLE_REGISTRY] of pattern cells.
type Hub struct {
	config settings
	sub    bus.Subscriber

	// mu guards cells and owners; creating a cell subscribes on the bus, so
	// LoadOrStore-style races would leak subscriptions.
	mu     sync.Mutex
	cells  map[string]*Cell
	owners map[uuid.UUID]string
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewHub(sub bus.Subscriber, opts ...Option) *Hub {
	h := &Hub{
		config: defaultSettings(),
		sub:    sub,
		cells:  make(map[string]*Cell),
		owners: make(map[uuid.UUID]string),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.config.logger = h.config.logger.With("component", "registry")

	h.wg.Add(1)
	go h.janitor()
	return h
}

// Register attaches conn to the cell of its pattern, subscribing on the bus
// when the pattern is new.
func (h *Hub) Register(conn Connector) error {
	pattern := strings.TrimSpace(conn.GetPattern())
	if pattern == "" {
		return errs.ErrInvalidPattern.Withf("registry.register", "empty pattern")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errs.ErrShutdown.With("registry.register")
	}

	cell, ok := h.cells[pattern]
	if !ok {
		// [LAZY_INIT] Create the cell only when the first observer arrives.
		cell = NewCell(pattern, h.config.mailboxSize, h.config.sendTimeout)
		id, err := h.sub.Subscribe(pattern, cell.Handle)
		if err != nil {
			cell.Stop()
			return fmt.Errorf("registry: subscribe %q: %w", pattern, err)
		}
		cell.subID = id
		h.cells[pattern] = cell
		h.config.logger.Debug("TAP_OPENED", "pattern", pattern, "subscription", id)
	}
	cell.Attach(conn)
	h.owners[conn.GetID()] = pattern
	return nil
}

// Unregister detaches and closes the connector. A cell left empty is
// released immediately with a zero idle timeout, otherwise by the janitor.
func (h *Hub) Unregister(connID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pattern, ok := h.owners[connID]
	if !ok {
		return
	}
	delete(h.owners, connID)

	cell := h.cells[pattern]
	var conn Connector
	for _, c := range cell.Sessions() {
		if c.GetID() == connID {
			conn = c
			break
		}
	}
	empty := cell.Detach(connID)
	if conn != nil {
		conn.Close()
	}
	if empty && h.config.idleTimeout == 0 {
		h.release(pattern, cell)
	}
}

func (h *Hub) IsConnected(connID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.owners[connID]
	return ok
}

// Taps lists watched patterns, sorted.
func (h *Hub) Taps() []TapInfo {
	h.mu.Lock()
	cells := make([]*Cell, 0, len(h.cells))
	for _, c := range h.cells {
		cells = append(cells, c)
	}
	h.mu.Unlock()

	out := make([]TapInfo, 0, len(cells))
	for _, c := range cells {
		info := TapInfo{
			Pattern:   c.pattern,
			Delivered: c.delivered.Load(),
			Dropped:   c.dropped.Load(),
			Pending:   len(c.mailbox),
		}
		for _, conn := range c.Sessions() {
			info.Connectors = append(info.Connectors, ConnectorInfo{
				ID:       conn.GetID(),
				Metadata: conn.GetMetadata(),
				Dropped:  conn.Dropped(),
			})
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b TapInfo) int { return strings.Compare(a.Pattern, b.Pattern) })
	return out
}

// release must be called with h.mu held.
func (h *Hub) release(pattern string, cell *Cell) {
	if err := h.sub.Unsubscribe(cell.subID); err != nil {
		h.config.logger.Warn("TAP_UNSUBSCRIBE_FAILED", "err", err, "pattern", pattern)
	}
	cell.Stop()
	delete(h.cells, pattern)
	h.config.logger.Debug("TAP_CLOSED", "pattern", pattern)
}

// [JANITOR] Periodically releases cells nobody watches.
func (h *Hub) janitor() {
	defer h.wg.Done()
	t := time.NewTicker(h.config.evictionInterval)
	defer t.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-t.C:
			h.evictIdle()
		}
	}
}

func (h *Hub) evictIdle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for pattern, cell := range h.cells {
		if cell.IsIdle(h.config.idleTimeout) {
			h.release(pattern, cell)
		}
	}
}

// Shutdown closes every connector and releases every cell.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.stopCh)
	for pattern, cell := range h.cells {
		for _, conn := range cell.Sessions() {
			conn.Close()
		}
		h.release(pattern, cell)
	}
	clear(h.owners)
	h.mu.Unlock()

	h.wg.Wait()
}
