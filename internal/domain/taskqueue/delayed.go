package taskqueue

import (
	"container/heap"
	"time"
)

func (q *Queue) pushDelayed(e *entry) {
	q.delayMu.Lock()
	if e.state.Load() != statePending {
		q.delayMu.Unlock()
		return
	}
	heap.Push(&q.delayed, e)
	sooner := e.task.ETA.Before(q.sleepUntil)
	q.delayMu.Unlock()

	// [EARLY_WAKEUP] the worker sleeps past this ETA; cut the sleep short.
	if sooner {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// runDelayed is the [DELAYED_WORKER]: it sleeps until the earlier of the
// poll interval and the next ETA, then moves every due task to its queue.
func (q *Queue) runDelayed() {
	defer close(q.done)

	timer := time.NewTimer(q.config.pollInterval)
	defer timer.Stop()

	for {
		wait := q.promoteDue()
		timer.Reset(wait)

		select {
		case <-q.stopCh:
			return
		case <-timer.C:
		case <-q.wake:
		}
	}
}

// promoteDue moves due tasks into their named queues and returns how long to
// sleep before the next check.
func (q *Queue) promoteDue() time.Duration {
	now := q.config.clock()

	q.delayMu.Lock()
	var due []*entry
	for {
		e := q.delayed.peek()
		if e == nil || e.task.ETA.After(now) {
			break
		}
		heap.Pop(&q.delayed)
		due = append(due, e)
	}

	wait := q.config.pollInterval
	if next := q.delayed.peek(); next != nil {
		wait = max(min(wait, next.task.ETA.Sub(now)), 0)
	}
	q.sleepUntil = now.Add(wait)
	q.delayMu.Unlock()

	for _, e := range due {
		q.pushReady(e)
	}
	if len(due) > 0 {
		q.promoted.Add(uint64(len(due)))
		q.logger.Debug("DELAYED_TASKS_PROMOTED", "count", len(due))
	}
	return wait
}
