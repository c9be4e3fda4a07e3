package registry

import (
	"log/slog"
	"time"
)

type settings struct {
	evictionInterval time.Duration
	idleTimeout      time.Duration
	mailboxSize      int
	sendTimeout      time.Duration
	logger           *slog.Logger
}

func defaultSettings() settings {
	return settings{
		evictionInterval: 30 * time.Second,
		idleTimeout:      time.Minute,
		mailboxSize:      1024,
		sendTimeout:      500 * time.Millisecond,
		logger:           slog.Default(),
	}
}

// Option defines a functional configuration type for the Hub.
type Option func(*Hub)

// WithEvictionInterval configures how often the [JANITOR] process runs
// to release taps nobody watches any more.
func WithEvictionInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.config.evictionInterval = d
		}
	}
}

// WithIdleTimeout defines the [QUIET_PERIOD] after which a cell without
// connectors drops its bus subscription. Zero releases it on the last detach.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d >= 0 {
			h.config.idleTimeout = d
		}
	}
}

// WithMailboxSize sets the [BACKPRESSURE] threshold of every cell mailbox.
func WithMailboxSize(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.config.mailboxSize = size
		}
	}
}

// WithSendTimeout bounds how long a cell waits on one slow connector.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.config.sendTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.config.logger = l
		}
	}
}
