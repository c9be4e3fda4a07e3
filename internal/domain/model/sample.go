package model

import "time"

// MetricType describes how a series should be interpreted by exporters.
type MetricType uint8

const (
	MetricGauge MetricType = iota + 1
	MetricCounter
	MetricHistogram
	MetricSummary
)

func (t MetricType) String() string {
	switch t {
	case MetricGauge:
		return "gauge"
	case MetricCounter:
		return "counter"
	case MetricHistogram:
		return "histogram"
	case MetricSummary:
		return "summary"
	}
	return "untyped"
}

// Sample is a single observation pushed into metric storage.
type Sample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Type      MetricType        `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
}
