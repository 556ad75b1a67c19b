package domain

import "sort"

// Schema states stamped on the canonical state document.
const (
	SchemaStateAccepted     = "accepted"
	SchemaStateIncompatible = "incompatible"
)

// ProcessRecord is an entry of the canonical process table.
type ProcessRecord struct {
	DispatchedAt float64 `json:"dispatched_at"`
	Offset       int64   `json:"offset"`
}

// State is the single materialized fleet-state document.
type State struct {
	Processes     map[string]ProcessRecord `json:"processes"`
	Stats         StateStats               `json:"stats"`
	SchemaState   string                   `json:"schema_state"`
	SchemaVersion string                   `json:"schema_version"`
	DispatchedAt  float64                  `json:"dispatched_at"`
}

// StateStats is the gauge subtree of the state document. Totals are
// cumulative and never reset; everything else is recomputed on every fold.
type StateStats struct {
	Totals      Counters  `json:"totals"`
	Busy        int       `json:"busy"`
	Enqueued    int       `json:"enqueued"`
	Waiting     int       `json:"waiting"`
	Workers     int       `json:"workers"`
	Processes   int       `json:"processes"`
	RSS         uint64    `json:"rss"`
	Listeners   Listeners `json:"listeners"`
	Utilization float64   `json:"utilization"`
	Lag         int64     `json:"lag"`
	LagStored   int64     `json:"lag_stored"`
	LagHybrid   int64     `json:"lag_hybrid"`
}

// NewState returns a zero-value state document at the given schema version.
func NewState(version string) *State {
	return &State{
		Processes:     map[string]ProcessRecord{},
		SchemaState:   SchemaStateAccepted,
		SchemaVersion: version,
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s *State) Clone() *State {
	out := *s
	out.Processes = make(map[string]ProcessRecord, len(s.Processes))
	for id, rec := range s.Processes {
		out.Processes[id] = rec
	}
	return &out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
