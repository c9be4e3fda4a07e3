package model

import (
	"slices"
	"time"
)

// Task is a unit of work held by the task queue until a worker dequeues it.
type Task struct {
	ID       string   `json:"id"`
	Queue    string   `json:"queue"`
	Priority Priority `json:"priority"`
	Payload  Payload  `json:"payload,omitempty"`
	// ETA, when in the future, keeps the task invisible to dequeue until it elapses.
	ETA       time.Time `json:"eta,omitzero"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Payload = t.Payload.Clone()
	out.Tags = slices.Clone(t.Tags)
	return &out
}

// HasTag reports whether tag is in the task's tag set.
func (t *Task) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

// IsDelayed reports whether the task is not yet eligible at now.
func (t *Task) IsDelayed(now time.Time) bool {
	return !t.ETA.IsZero() && t.ETA.After(now)
}
