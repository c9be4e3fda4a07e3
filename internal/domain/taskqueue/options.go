package taskqueue

import (
	"log/slog"
	"time"
)

type settings struct {
	pollInterval     time.Duration
	maxSize          int
	deliveredHistory int
	logger           *slog.Logger
	clock            func() time.Time
}

func defaultSettings() settings {
	return settings{
		pollInterval:     100 * time.Millisecond,
		deliveredHistory: 65536,
		clock:            time.Now,
	}
}

// Option defines a functional configuration type for the Queue.
type Option func(*Queue)

// WithPollInterval sets the longest sleep of the [DELAYED_WORKER].
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.config.pollInterval = d
	}
}

// WithMaxSize caps queued plus delayed tasks. Zero means unbounded.
func WithMaxSize(n int) Option {
	return func(q *Queue) {
		q.config.maxSize = n
	}
}

// WithDeliveredHistory sets how many delivered and cancelled ids are
// remembered to refuse re-enqueue and to answer Cancel precisely.
func WithDeliveredHistory(n int) Option {
	return func(q *Queue) {
		q.config.deliveredHistory = n
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.config.logger = l
	}
}

// WithClock replaces time.Now when deciding whether an ETA has elapsed.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.config.clock = now
	}
}
