/*
Package bus is the in-process priority message bus.

Publishers push messages into a bounded priority queue; a fixed set of worker
goroutines pops the highest-priority message and invokes every subscription
whose pattern matches its topic, synchronously and in subscription order.

  - Ordering: FIFO within a priority, higher priority first. With more than one
    worker the global order is best-effort.
  - Backpressure: a full queue rejects, blocks for a bounded time, or evicts the
    oldest lowest-priority message depending on OverflowPolicy.
  - Isolation: a failing or panicking handler is counted and logged; it never
    reaches the publisher or the other handlers.
*/
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/webitel/im-pulse/internal/concurrent"
	"github.com/webitel/im-pulse/internal/domain/model"
	"github.com/webitel/im-pulse/internal/errs"
)

const tracerName = "github.com/webitel/im-pulse/internal/domain/bus"

// Handler consumes a delivered message. The message is shared between all
// matching handlers and must be treated as read-only.
type Handler func(ctx context.Context, msg *model.Message) error

// SubscriptionID identifies a registered handler.
type SubscriptionID string

// Publisher is the producer side of the bus used by transports.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload model.Payload, opts ...PublishOption) (string, error)
	PublishMessage(ctx context.Context, msg *model.Message) (string, error)
}

// Subscriber is the consumer side of the bus used by transports.
type Subscriber interface {
	Subscribe(pattern string, h Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
}

// Interface guards
var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

type subscription struct {
	id      SubscriptionID
	pattern pattern
	handler Handler
}

type state int32

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateRunning:
		return "running"
	}
	return "stopped"
}

// Bus dispatches published messages to matching subscriptions.
type Bus struct {
	config settings
	logger *slog.Logger
	tracer trace.Tracer

	queue *pqueue
	pool  *concurrent.Pool[envelope]
	dead  *concurrent.Queue[*model.Message]

	// [COPY_ON_WRITE] readers load the slice without locking.
	subs  atomic.Pointer[[]*subscription]
	subMu sync.Mutex

	state  atomic.Int32
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats counters
}

// New builds a stopped bus. Call Initialize to start the workers.
func New(opts ...Option) (*Bus, error) {
	b := &Bus{config: defaultSettings()}
	for _, opt := range opts {
		opt(b)
	}

	cfg := b.config
	if cfg.workers <= 0 {
		return nil, errs.ErrInvalidCapacity.Withf("bus.new", "workers must be positive, got %d", cfg.workers)
	}
	if cfg.maxQueueSize <= 0 {
		return nil, errs.ErrInvalidCapacity.Withf("bus.new", "max queue size must be positive, got %d", cfg.maxQueueSize)
	}

	b.logger = cfg.logger
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("component", "bus")
	b.tracer = cfg.tracer
	if b.tracer == nil {
		b.tracer = otel.Tracer(tracerName)
	}

	pool, err := concurrent.NewPool(concurrent.PoolConfig{
		InitialBlocks: min(cfg.maxQueueSize, 1024),
		MaxBlocks:     cfg.maxQueueSize,
		LocalCache:    true,
	}, func() envelope { return envelope{} }, func(e *envelope) { *e = envelope{} })
	if err != nil {
		return nil, fmt.Errorf("bus: entry pool: %w", err)
	}

	b.pool = pool
	b.queue = newPQueue(cfg.maxQueueSize)
	if cfg.deadLetterSize > 0 {
		b.dead = concurrent.NewQueue[*model.Message](concurrent.QueueConfig{
			InitialCapacity: min(cfg.deadLetterSize, 64),
			MaxCapacity:     cfg.deadLetterSize,
		})
	}
	b.stop = make(chan struct{})
	b.subs.Store(&[]*subscription{})
	return b, nil
}

// Initialize starts the dispatch workers.
func (b *Bus) Initialize() error {
	if !b.state.CompareAndSwap(int32(stateNew), int32(stateRunning)) {
		if state(b.state.Load()) == stateRunning {
			return errs.ErrAlreadyRunning.With("bus.initialize")
		}
		return errs.ErrShutdown.With("bus.initialize")
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	for i := range b.config.workers {
		b.wg.Add(1)
		go b.worker(i)
	}

	b.logger.Info("BUS_STARTED",
		"workers", b.config.workers,
		"max_queue_size", b.config.maxQueueSize,
		"overflow_policy", b.config.policy.String(),
	)
	return nil
}

// Shutdown stops intake, drains or discards pending messages and joins the
// workers. If ctx expires first, in-flight handlers see their context cancelled.
func (b *Bus) Shutdown(ctx context.Context) error {
	prev := state(b.state.Swap(int32(stateStopped)))
	switch prev {
	case stateStopped:
		return nil
	case stateNew:
		b.queue.close(true)
		close(b.stop)
		return nil
	}
	close(b.stop)

	discarded := b.queue.close(!b.config.drainOnShutdown)
	for _, slot := range discarded {
		b.release(slot)
	}
	b.stats.dropped.Add(uint64(len(discarded)))

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("bus: shutdown: %w", ctx.Err())
	}
	b.cancel()

	b.logger.Info("BUS_STOPPED",
		"drained", b.config.drainOnShutdown,
		"discarded", len(discarded),
		"processed", b.stats.processed.Load(),
	)
	return err
}

// Subscribe registers h for every topic matching pattern. Several
// subscriptions on the same pattern are all invoked.
func (b *Bus) Subscribe(pattern string, h Handler) (SubscriptionID, error) {
	if pattern == "" {
		return "", errs.ErrInvalidPattern.Withf("bus.subscribe", "empty pattern")
	}
	if h == nil {
		return "", errs.ErrInvalidPattern.Withf("bus.subscribe", "nil handler for %q", pattern)
	}

	sub := &subscription{
		id:      SubscriptionID(uuid.NewString()),
		pattern: compilePattern(pattern),
		handler: h,
	}

	b.subMu.Lock()
	next := append(slices.Clone(*b.subs.Load()), sub)
	b.subs.Store(&next)
	b.subMu.Unlock()

	b.logger.Debug("SUBSCRIPTION_ADDED", "id", sub.id, "pattern", pattern)
	return sub.id, nil
}

// Unsubscribe removes a subscription. Messages already being dispatched may
// still reach it.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	cur := *b.subs.Load()
	idx := slices.IndexFunc(cur, func(s *subscription) bool { return s.id == id })
	if idx < 0 {
		return errs.ErrSubscriptionNotFound.Withf("bus.unsubscribe", "%s", id)
	}
	next := slices.Delete(slices.Clone(cur), idx, idx+1)
	b.subs.Store(&next)
	return nil
}

// Publish wraps payload in a message on topic and enqueues it.
// It returns the message id.
func (b *Bus) Publish(ctx context.Context, topic string, payload model.Payload, opts ...PublishOption) (string, error) {
	msg := &model.Message{
		Topic:    topic,
		Payload:  payload,
		Metadata: model.Metadata{Priority: model.PriorityNormal},
	}
	for _, opt := range opts {
		opt(msg)
	}
	return b.PublishMessage(ctx, msg)
}

// PublishMessage enqueues a copy of msg. Missing id, priority and timestamp
// are filled in. A full queue is handled per OverflowPolicy.
func (b *Bus) PublishMessage(ctx context.Context, msg *model.Message) (string, error) {
	const op = "bus.publish"

	switch state(b.state.Load()) {
	case stateNew:
		return "", errs.ErrNotInitialized.With(op)
	case stateStopped:
		return "", errs.ErrShutdown.With(op)
	}
	if msg == nil || msg.Topic == "" {
		return "", errs.ErrInvalidMessage.Withf(op, "topic is required")
	}

	m := msg.Clone()
	if m.Metadata.Priority == 0 {
		m.Metadata.Priority = model.PriorityNormal
	}
	if !m.Metadata.Priority.Valid() {
		return "", errs.ErrInvalidMessage.Withf(op, "unknown priority %d", int32(m.Metadata.Priority))
	}
	if m.Metadata.ID == "" {
		m.Metadata.ID = uuid.NewString()
	}
	if m.Metadata.Timestamp.IsZero() {
		m.Metadata.Timestamp = time.Now()
	}

	slot := b.acquire()
	slot.Value.msg = m
	slot.Value.enqueued = time.Now()

	if err := b.enqueue(ctx, slot); err != nil {
		b.release(slot)
		return "", err
	}
	b.stats.published.Add(1)
	return m.Metadata.ID, nil
}

func (b *Bus) enqueue(ctx context.Context, slot slotRef) error {
	const op = "bus.publish"

	switch b.config.policy {
	case OverflowDropOldest:
		victim, pushed, closed := b.queue.pushEvict(slot)
		if closed {
			return errs.ErrShutdown.With(op)
		}
		if !pushed {
			b.stats.rejected.Add(1)
			return errs.ErrQueueFull.Withf(op, "priority %s is below every queued message", slot.Value.msg.Metadata.Priority)
		}
		if victim != nil {
			b.stats.dropped.Add(1)
			b.logger.Debug("MESSAGE_EVICTED",
				"id", victim.Value.msg.Metadata.ID,
				"topic", victim.Value.msg.Topic,
				"priority", victim.Value.msg.Metadata.Priority.String(),
			)
			b.release(victim)
		}
		return nil

	case OverflowBlock:
		timer := time.NewTimer(b.config.blockTimeout)
		defer timer.Stop()
		for {
			pushed, closed := b.queue.push(slot)
			if closed {
				return errs.ErrShutdown.With(op)
			}
			if pushed {
				return nil
			}
			select {
			case <-b.queue.space:
			case <-timer.C:
				b.stats.rejected.Add(1)
				return errs.ErrQueueFull.Withf(op, "no room after %s", b.config.blockTimeout)
			case <-ctx.Done():
				b.stats.rejected.Add(1)
				return errs.ErrQueueFull.Withf(op, "%w", ctx.Err())
			case <-b.stop:
				return errs.ErrShutdown.With(op)
			}
		}

	default:
		pushed, closed := b.queue.push(slot)
		if closed {
			return errs.ErrShutdown.With(op)
		}
		if !pushed {
			b.stats.rejected.Add(1)
			return errs.ErrQueueFull.Withf(op, "%d messages pending", b.config.maxQueueSize)
		}
		return nil
	}
}

// acquire takes an entry from the pool, falling back to the heap when the
// pool is exhausted.
func (b *Bus) acquire() slotRef {
	if slot, err := b.pool.Allocate(); err == nil {
		return slot
	}
	return &concurrent.Block[envelope]{}
}

func (b *Bus) release(slot slotRef) {
	err := b.pool.Deallocate(slot)
	// Heap fallbacks are not pool-owned and are left to the GC.
	if err != nil && !errors.Is(err, errs.ErrForeignBlock) {
		panic(fmt.Sprintf("bus: entry released twice: %v", err))
	}
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	for {
		slot, closed := b.queue.pop()
		if slot == nil {
			if closed {
				return
			}
			<-b.queue.ready
			continue
		}

		env := slot.Value
		b.release(slot)
		b.dispatch(id, env)
	}
}

func (b *Bus) dispatch(worker int, env envelope) {
	msg := env.msg
	started := time.Now()

	ctx, span := b.tracer.Start(b.ctx, "bus.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.String("messaging.message.id", msg.Metadata.ID),
			attribute.String("pulse.priority", msg.Metadata.Priority.String()),
			attribute.Int("pulse.worker", worker),
		),
	)
	defer span.End()

	matched, failed := 0, 0
	for _, sub := range *b.subs.Load() {
		if !sub.pattern.match(msg.Topic) {
			continue
		}
		matched++
		if err := b.invoke(ctx, sub, msg); err != nil {
			failed++
			b.stats.failed.Add(1)
			span.RecordError(err)
			b.logger.Warn("HANDLER_FAILED",
				"err", err,
				"subscription", sub.id,
				"pattern", sub.pattern.raw,
				"topic", msg.Topic,
				"message_id", msg.Metadata.ID,
			)
			continue
		}
		b.stats.deliveries.Add(1)
	}

	if matched == 0 {
		b.stats.unrouted.Add(1)
	}
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d handlers failed", failed, matched))
		b.deadLetter(msg)
	}
	span.SetAttributes(attribute.Int("pulse.handlers", matched))
	b.stats.processed.Add(1)

	if b.config.observer != nil {
		b.config.observer(msg, started.Sub(env.enqueued), time.Since(started))
	}
}

// invoke runs one handler and converts a panic into an error.
func (b *Bus) invoke(ctx context.Context, sub *subscription, msg *model.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("HANDLER_PANIC",
				"panic", r,
				"subscription", sub.id,
				"topic", msg.Topic,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, msg)
}

// deadLetter keeps the newest failed messages, dropping the oldest when full.
func (b *Bus) deadLetter(msg *model.Message) {
	if b.dead == nil {
		return
	}
	for !b.dead.Push(msg) {
		b.dead.Pop()
	}
}

// DeadLetters drains the messages whose handlers failed, oldest first.
func (b *Bus) DeadLetters() []*model.Message {
	if b.dead == nil {
		return nil
	}
	return b.dead.Drain()
}

// Statistics returns a snapshot of the counters.
func (b *Bus) Statistics() Statistics {
	st := Statistics{
		MessagesPublished: b.stats.published.Load(),
		MessagesProcessed: b.stats.processed.Load(),
		MessagesFailed:    b.stats.failed.Load(),
		MessagesDropped:   b.stats.dropped.Load(),
		MessagesRejected:  b.stats.rejected.Load(),
		MessagesUnrouted:  b.stats.unrouted.Load(),
		Deliveries:        b.stats.deliveries.Load(),
		QueueDepth:        b.queue.len(),
		Subscriptions:     len(*b.subs.Load()),
		Workers:           b.config.workers,
		State:             state(b.state.Load()).String(),
	}
	if b.dead != nil {
		st.DeadLetters = b.dead.Len()
	}
	return st
}

// PoolStats exposes the entry pool counters.
func (b *Bus) PoolStats() concurrent.PoolStats { return b.pool.Stats() }
