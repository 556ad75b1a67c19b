package domain

import (
	"encoding/json"
	"fmt"
)

// Resolution names used as keys of every Series.
const (
	ResolutionSeconds = "seconds"
	ResolutionMinutes = "minutes"
	ResolutionHours   = "hours"
	ResolutionDays    = "days"
)

// Sample is a single time-series point. It encodes as [time, value].
type Sample[T any] struct {
	Time  int64
	Value T
}

func (s Sample[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{s.Time, s.Value})
}

func (s *Sample[T]) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("sample: expected 2 elements, got %d", len(raw))
	}
	var ts float64
	if err := json.Unmarshal(raw[0], &ts); err != nil {
		return fmt.Errorf("sample time: %w", err)
	}
	s.Time = int64(ts)
	return json.Unmarshal(raw[1], &s.Value)
}

// Series maps a resolution name to its samples, oldest first.
type Series[T any] map[string][]Sample[T]

// TopicMetrics is the per (consumer group, topic) materialization.
type TopicMetrics struct {
	Lag        int64 `json:"lag"`
	LagStored  int64 `json:"lag_stored"`
	LagHybrid  int64 `json:"lag_hybrid"`
	Pace       int64 `json:"pace"`
	LsOffsetFD int64 `json:"ls_offset_fd"`
}

// GroupTopics is keyed by consumer group then topic.
type GroupTopics map[string]map[string]TopicMetrics

// Metrics is the companion singleton document holding the fleet history.
type Metrics struct {
	Aggregated     Series[StateStats]  `json:"aggregated"`
	ConsumerGroups Series[GroupTopics] `json:"consumer_groups"`
	SchemaVersion  string              `json:"schema_version"`
	DispatchedAt   float64             `json:"dispatched_at"`
}

// NewMetrics returns an empty metrics document at the given schema version.
func NewMetrics(version string) *Metrics {
	return &Metrics{
		Aggregated:     Series[StateStats]{},
		ConsumerGroups: Series[GroupTopics]{},
		SchemaVersion:  version,
	}
}
