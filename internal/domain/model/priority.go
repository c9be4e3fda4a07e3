package model

import (
	"fmt"
	"strings"
)

// Priority orders messages and tasks. Higher values are served first.
type Priority int32

// Values are spaced so intermediate levels can be introduced without
// renumbering anything persisted or on the wire.
const (
	PriorityLow      Priority = 10
	PriorityNormal   Priority = 20
	PriorityHigh     Priority = 30
	PriorityCritical Priority = 40
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int32(p))
	}
}

// Valid reports whether p is one of the declared levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ParsePriority accepts the level names used in configs, headers and the admin API.
// An empty string resolves to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}
