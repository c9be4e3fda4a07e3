package bus

import "sync/atomic"

// Statistics is a read-only snapshot for monitoring collaborators.
type Statistics struct {
	MessagesPublished uint64 `json:"messages_published"`
	MessagesProcessed uint64 `json:"messages_processed"`
	// MessagesFailed counts failed handler invocations, not messages.
	MessagesFailed   uint64 `json:"messages_failed"`
	MessagesDropped  uint64 `json:"messages_dropped"`
	MessagesRejected uint64 `json:"messages_rejected"`
	MessagesUnrouted uint64 `json:"messages_unrouted"`
	Deliveries       uint64 `json:"deliveries"`
	QueueDepth       int    `json:"queue_depth"`
	DeadLetters      int    `json:"dead_letters"`
	Subscriptions    int    `json:"subscriptions"`
	Workers          int    `json:"workers"`
	State            string `json:"state"`
}

type counters struct {
	published  atomic.Uint64
	processed  atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
	rejected   atomic.Uint64
	unrouted   atomic.Uint64
	deliveries atomic.Uint64
}
