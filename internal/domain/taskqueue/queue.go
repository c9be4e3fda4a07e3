/*
Package taskqueue schedules tasks across named priority queues.

A task without an ETA, or with one already elapsed, goes straight into its
named queue. Otherwise it waits in a min-heap keyed by ETA until the
[DELAYED_WORKER] moves it over. Dequeue scans the requested queue names in
order and pops the highest-priority task of the first non-empty one.

Each task leaves the pending state exactly once, either by delivery or by
cancellation, so it is never delivered twice nor delivered after Cancel
returned successfully.
*/
package taskqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/webitel/im-pulse/internal/domain/model"
	"github.com/webitel/im-pulse/internal/errs"
)

type outcome uint8

const (
	outcomeDelivered outcome = iota + 1
	outcomeCancelled
)

type namedQueue struct {
	mu    sync.Mutex
	items readyHeap
}

// Stats is a snapshot of the queue counters.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Cancelled uint64 `json:"cancelled"`
	// Discarded counts cancelled tasks dropped by a dequeue that popped them.
	Discarded uint64 `json:"discarded"`
	Rejected  uint64 `json:"rejected"`
	Promoted  uint64 `json:"promoted"`
	Total     int    `json:"total"`
	Delayed   int    `json:"delayed"`
	Queues    int    `json:"queues"`
	Tags      int    `json:"tags"`
}

// Queue is the task scheduler. The queue registry, each named queue, the
// delayed heap, the task registry and the tag index each have their own lock.
type Queue struct {
	config settings
	logger *slog.Logger

	qMu    sync.RWMutex
	queues map[string]*namedQueue

	regMu   sync.Mutex
	tasks   map[string]*entry
	history *lru.Cache[string, outcome]
	seq     uint64

	delayMu    sync.Mutex
	delayed    delayedHeap
	sleepUntil time.Time
	wake       chan struct{}

	tags *tagIndex

	// arrivals is closed and replaced when a task becomes ready while
	// somebody waits in Dequeue.
	arrMu    sync.Mutex
	arrivals chan struct{}
	waiters  atomic.Int32

	total atomic.Int64

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	enqueued  atomic.Uint64
	delivered atomic.Uint64
	cancelled atomic.Uint64
	discarded atomic.Uint64
	rejected  atomic.Uint64
	promoted  atomic.Uint64
}

// New builds an idle queue. Start launches the delayed-task worker.
func New(opts ...Option) (*Queue, error) {
	q := &Queue{config: defaultSettings()}
	for _, opt := range opts {
		opt(q)
	}
	if q.config.pollInterval <= 0 {
		return nil, errs.ErrInvalidCapacity.Withf("taskqueue.new", "poll interval must be positive")
	}
	if q.config.maxSize < 0 {
		return nil, errs.ErrInvalidCapacity.Withf("taskqueue.new", "max size %d", q.config.maxSize)
	}
	if q.config.clock == nil {
		q.config.clock = time.Now
	}

	history, err := lru.New[string, outcome](max(q.config.deliveredHistory, 1))
	if err != nil {
		return nil, fmt.Errorf("taskqueue: history: %w", err)
	}

	q.logger = q.config.logger
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.logger = q.logger.With("component", "taskqueue")

	q.queues = make(map[string]*namedQueue)
	q.tasks = make(map[string]*entry)
	q.history = history
	q.tags = newTagIndex()
	q.wake = make(chan struct{}, 1)
	q.arrivals = make(chan struct{})
	q.stopCh = make(chan struct{})
	q.done = make(chan struct{})
	return q, nil
}

// Start launches the [DELAYED_WORKER].
func (q *Queue) Start() error {
	if q.stopped.Load() {
		return errs.ErrShutdown.With("taskqueue.start")
	}
	if !q.started.CompareAndSwap(false, true) {
		return errs.ErrAlreadyRunning.With("taskqueue.start")
	}
	go q.runDelayed()
	q.logger.Info("TASKQUEUE_STARTED", "poll_interval", q.config.pollInterval, "max_size", q.config.maxSize)
	return nil
}

// Stop halts the delayed worker and wakes blocked Dequeue calls.
// Pending tasks stay in memory and can still be read with TryDequeue.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.stopped.Store(true)
		close(q.stopCh)
	})
	if !q.started.Load() {
		return nil
	}
	select {
	case <-q.done:
		q.logger.Info("TASKQUEUE_STOPPED", "pending", q.total.Load())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("taskqueue: stop: %w", ctx.Err())
	}
}

// Enqueue stores a copy of task and returns its id. A missing id is generated.
func (q *Queue) Enqueue(task *model.Task) (string, error) {
	const op = "taskqueue.enqueue"

	if q.stopped.Load() {
		return "", errs.ErrShutdown.With(op)
	}
	if task == nil || task.Queue == "" {
		return "", errs.ErrTaskInvalid.Withf(op, "queue name is required")
	}

	t := task.Clone()
	if t.Priority == 0 {
		t.Priority = model.PriorityNormal
	}
	if !t.Priority.Valid() {
		return "", errs.ErrTaskInvalid.Withf(op, "unknown priority %d", int32(t.Priority))
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := q.config.clock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if len(t.Tags) > 0 {
		slices.Sort(t.Tags)
		t.Tags = slices.Compact(t.Tags)
	}

	q.regMu.Lock()
	if _, live := q.tasks[t.ID]; live {
		q.regMu.Unlock()
		return "", errs.ErrTaskExists.Withf(op, "task %s is pending", t.ID)
	}
	if out, seen := q.history.Peek(t.ID); seen && out == outcomeDelivered {
		q.regMu.Unlock()
		return "", errs.ErrTaskExists.Withf(op, "task %s was already delivered", t.ID)
	}
	if !q.reserve() {
		q.regMu.Unlock()
		q.rejected.Add(1)
		return "", errs.ErrQueueFull.Withf(op, "%d tasks pending", q.config.maxSize)
	}
	q.history.Remove(t.ID)
	q.seq++
	e := newEntry(t, q.seq)
	q.tasks[t.ID] = e
	q.tags.add(t.ID, t.Tags)
	q.regMu.Unlock()

	q.enqueued.Add(1)

	if t.IsDelayed(now) {
		q.pushDelayed(e)
	} else {
		q.pushReady(e)
	}
	return t.ID, nil
}

// EnqueueBulk enqueues every task independently. The returned ids line up
// with tasks; a failed slot holds "" and its error is joined into err.
func (q *Queue) EnqueueBulk(tasks []*model.Task) ([]string, error) {
	ids := make([]string, len(tasks))
	var errList []error
	for i, t := range tasks {
		id, err := q.Enqueue(t)
		if err != nil {
			errList = append(errList, fmt.Errorf("task %d: %w", i, err))
			continue
		}
		ids[i] = id
	}
	return ids, errors.Join(errList...)
}

// reserve claims one slot of MaxSize.
func (q *Queue) reserve() bool {
	for {
		n := q.total.Load()
		if q.config.maxSize > 0 && n >= int64(q.config.maxSize) {
			return false
		}
		if q.total.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (q *Queue) namedQueue(name string, create bool) *namedQueue {
	q.qMu.RLock()
	nq, ok := q.queues[name]
	q.qMu.RUnlock()
	if ok || !create {
		return nq
	}

	q.qMu.Lock()
	defer q.qMu.Unlock()
	// [LAZY_INIT] another goroutine may have created it meanwhile.
	if nq, ok = q.queues[name]; !ok {
		nq = &namedQueue{}
		q.queues[name] = nq
	}
	return nq
}

func (q *Queue) pushReady(e *entry) {
	nq := q.namedQueue(e.task.Queue, true)
	nq.mu.Lock()
	if e.state.Load() != statePending {
		// Cancelled before it reached the queue.
		nq.mu.Unlock()
		return
	}
	heap.Push(&nq.items, e)
	nq.mu.Unlock()

	// A waiter registers before it looks at the queues, so a zero count here
	// means any later waiter will find this task on its own.
	if q.waiters.Load() > 0 {
		q.arrMu.Lock()
		close(q.arrivals)
		q.arrivals = make(chan struct{})
		q.arrMu.Unlock()
	}
}

func (q *Queue) arrivalCh() <-chan struct{} {
	q.arrMu.Lock()
	defer q.arrMu.Unlock()
	return q.arrivals
}

// TryDequeue pops the best ready task of the first non-empty queue in names.
// Nothing ready yields errs.ErrQueueEmpty.
func (q *Queue) TryDequeue(names ...string) (*model.Task, error) {
	const op = "taskqueue.try_dequeue"
	if len(names) == 0 {
		return nil, errs.ErrTaskInvalid.Withf(op, "at least one queue name is required")
	}
	if t := q.tryDequeue(names); t != nil {
		return t, nil
	}
	return nil, errs.ErrQueueEmpty.With(op)
}

// Dequeue is TryDequeue that waits up to timeout for a task to become ready.
// Timing out is reported as errs.ErrQueueEmpty, a normal outcome.
func (q *Queue) Dequeue(ctx context.Context, names []string, timeout time.Duration) (*model.Task, error) {
	const op = "taskqueue.dequeue"
	if len(names) == 0 {
		return nil, errs.ErrTaskInvalid.Withf(op, "at least one queue name is required")
	}

	q.waiters.Add(1)
	defer q.waiters.Add(-1)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		arrived := q.arrivalCh()
		if t := q.tryDequeue(names); t != nil {
			return t, nil
		}
		if timeout <= 0 {
			return nil, errs.ErrQueueEmpty.With(op)
		}
		select {
		case <-arrived:
		case <-expired:
			return nil, errs.ErrQueueEmpty.Withf(op, "nothing ready after %s", timeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		case <-q.stopCh:
			return nil, errs.ErrShutdown.With(op)
		}
	}
}

func (q *Queue) tryDequeue(names []string) *model.Task {
	for _, name := range names {
		nq := q.namedQueue(name, false)
		if nq == nil {
			continue
		}
		for {
			nq.mu.Lock()
			if len(nq.items) == 0 {
				nq.mu.Unlock()
				break
			}
			e := heap.Pop(&nq.items).(*entry)
			nq.mu.Unlock()

			if !e.state.CompareAndSwap(statePending, stateDelivered) {
				// [LAZY_DISCARD] cancelled between Cancel's state change and its removal.
				q.discarded.Add(1)
				continue
			}
			q.settle(e, outcomeDelivered)
			q.delivered.Add(1)
			return e.task.Clone()
		}
	}
	return nil
}

// settle forgets a task that left the pending state.
func (q *Queue) settle(e *entry, out outcome) {
	q.regMu.Lock()
	delete(q.tasks, e.task.ID)
	q.history.Add(e.task.ID, out)
	q.tags.remove(e.task.ID, e.task.Tags)
	q.regMu.Unlock()

	q.total.Add(-1)
}

// Cancel prevents future delivery of a pending task. Delivered or unknown ids
// fail with errs.ErrTaskNotFound; cancelling twice is not an error.
func (q *Queue) Cancel(id string) error {
	_, err := q.cancel(id)
	return err
}

func (q *Queue) cancel(id string) (bool, error) {
	const op = "taskqueue.cancel"

	q.regMu.Lock()
	e, live := q.tasks[id]
	if !live {
		out, seen := q.history.Peek(id)
		q.regMu.Unlock()
		if seen && out == outcomeCancelled {
			return false, nil
		}
		return false, errs.ErrTaskNotFound.Withf(op, "%s", id)
	}
	if !e.state.CompareAndSwap(statePending, stateCancelled) {
		// Lost the race against a dequeue.
		q.regMu.Unlock()
		return false, errs.ErrTaskNotFound.Withf(op, "%s was just delivered", id)
	}
	q.regMu.Unlock()

	q.settle(e, outcomeCancelled)
	q.cancelled.Add(1)
	q.evict(e)
	return true, nil
}

// evict removes a cancelled entry from whichever heap holds it.
// The delayed lock is always taken first: it orders this read of readyIdx
// after a concurrent promotion that popped e from the delayed heap.
func (q *Queue) evict(e *entry) {
	q.delayMu.Lock()
	if e.delayIdx >= 0 {
		heap.Remove(&q.delayed, e.delayIdx)
		q.delayMu.Unlock()
		return
	}
	q.delayMu.Unlock()

	nq := q.namedQueue(e.task.Queue, false)
	if nq == nil {
		return
	}
	nq.mu.Lock()
	if e.readyIdx >= 0 {
		heap.Remove(&nq.items, e.readyIdx)
	}
	nq.mu.Unlock()
}

// CancelByTag cancels every pending task carrying tag and reports how many
// were cancelled. No match is not an error.
func (q *Queue) CancelByTag(tag string) int {
	n := 0
	for _, id := range q.tags.lookup(tag) {
		if ok, _ := q.cancel(id); ok {
			n++
		}
	}
	if n > 0 {
		q.logger.Debug("TASKS_CANCELLED_BY_TAG", "tag", tag, "count", n)
	}
	return n
}

// QueueSize is the number of ready tasks in the named queue.
func (q *Queue) QueueSize(name string) int {
	nq := q.namedQueue(name, false)
	if nq == nil {
		return 0
	}
	nq.mu.Lock()
	defer nq.mu.Unlock()
	return len(nq.items)
}

// TotalSize counts every pending task, delayed ones included. MaxSize bounds it.
func (q *Queue) TotalSize() int { return int(q.total.Load()) }

func (q *Queue) DelayedSize() int {
	q.delayMu.Lock()
	defer q.delayMu.Unlock()
	return len(q.delayed)
}

// ListQueues returns the names of the queues created so far, sorted.
func (q *Queue) ListQueues() []string {
	q.qMu.RLock()
	names := make([]string, 0, len(q.queues))
	for name := range q.queues {
		names = append(names, name)
	}
	q.qMu.RUnlock()
	slices.Sort(names)
	return names
}

func (q *Queue) HasQueue(name string) bool {
	return q.namedQueue(name, false) != nil
}

// GetTask returns a copy of a pending task.
func (q *Queue) GetTask(id string) (*model.Task, error) {
	q.regMu.Lock()
	defer q.regMu.Unlock()
	e, ok := q.tasks[id]
	if !ok {
		return nil, errs.ErrTaskNotFound.Withf("taskqueue.get_task", "%s", id)
	}
	return e.task.Clone(), nil
}

func (q *Queue) Stats() Stats {
	q.qMu.RLock()
	queues := len(q.queues)
	q.qMu.RUnlock()

	return Stats{
		Enqueued:  q.enqueued.Load(),
		Delivered: q.delivered.Load(),
		Cancelled: q.cancelled.Load(),
		Discarded: q.discarded.Load(),
		Rejected:  q.rejected.Load(),
		Promoted:  q.promoted.Load(),
		Total:     q.TotalSize(),
		Delayed:   q.DelayedSize(),
		Queues:    queues,
		Tags:      q.tags.len(),
	}
}
