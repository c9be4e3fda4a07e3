package bus

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/webitel/im-pulse/internal/domain/model"
)

// OverflowPolicy decides what Publish does when the queue is at capacity.
type OverflowPolicy uint8

const (
	// OverflowReject fails fast with errs.ErrQueueFull.
	OverflowReject OverflowPolicy = iota
	// OverflowBlock waits for room up to the block timeout.
	OverflowBlock
	// OverflowDropOldest evicts the oldest message of the lowest queued priority.
	OverflowDropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowReject:
		return "reject"
	case OverflowBlock:
		return "block"
	case OverflowDropOldest:
		return "drop_oldest"
	}
	return fmt.Sprintf("overflow(%d)", uint8(p))
}

// ParseOverflowPolicy maps the config spelling onto a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return OverflowReject, nil
	case "block":
		return OverflowBlock, nil
	case "drop_oldest", "drop-oldest":
		return OverflowDropOldest, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

// DispatchObserver receives the timings of every dispatched message:
// how long it waited in the queue and how long its handlers ran.
type DispatchObserver func(msg *model.Message, queued, handled time.Duration)

type settings struct {
	workers         int
	maxQueueSize    int
	policy          OverflowPolicy
	blockTimeout    time.Duration
	drainOnShutdown bool
	deadLetterSize  int
	logger          *slog.Logger
	tracer          trace.Tracer
	observer        DispatchObserver
}

func defaultSettings() settings {
	return settings{
		workers:         4,
		maxQueueSize:    10000,
		policy:          OverflowReject,
		blockTimeout:    time.Second,
		drainOnShutdown: true,
		deadLetterSize:  1024,
	}
}

// Option defines a functional configuration type for the Bus.
type Option func(*Bus)

// WithWorkers sets the number of dispatch goroutines.
func WithWorkers(n int) Option {
	return func(b *Bus) {
		b.config.workers = n
	}
}

// WithMaxQueueSize sets the [BACKPRESSURE] threshold of the pending queue.
func WithMaxQueueSize(n int) Option {
	return func(b *Bus) {
		b.config.maxQueueSize = n
	}
}

// WithOverflowPolicy selects the behaviour of Publish on a full queue.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(b *Bus) {
		b.config.policy = p
	}
}

// WithBlockTimeout bounds how long OverflowBlock waits for room.
func WithBlockTimeout(d time.Duration) Option {
	return func(b *Bus) {
		b.config.blockTimeout = d
	}
}

// WithDrainOnShutdown makes Shutdown deliver pending messages instead of discarding them.
func WithDrainOnShutdown(drain bool) Option {
	return func(b *Bus) {
		b.config.drainOnShutdown = drain
	}
}

// WithDeadLetterSize caps the buffer of messages whose handlers failed. Zero disables it.
func WithDeadLetterSize(n int) Option {
	return func(b *Bus) {
		b.config.deadLetterSize = n
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		b.config.logger = l
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(b *Bus) {
		b.config.tracer = t
	}
}

func WithDispatchObserver(fn DispatchObserver) Option {
	return func(b *Bus) {
		b.config.observer = fn
	}
}

// PublishOption tunes a single Publish call.
type PublishOption func(*model.Message)

// WithPriority overrides the default normal priority.
func WithPriority(p model.Priority) PublishOption {
	return func(m *model.Message) {
		m.Metadata.Priority = p
	}
}

// WithMessageID sets a caller-chosen id instead of a generated one.
func WithMessageID(id string) PublishOption {
	return func(m *model.Message) {
		m.Metadata.ID = id
	}
}
