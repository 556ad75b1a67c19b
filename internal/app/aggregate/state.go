package aggregate

import (
	"time"

	"github.com/ghalamif/fleetlog/internal/domain"
)

// Clock returns the current time. Aggregators take one so TTL eviction can be
// tested deterministically.
type Clock func() time.Time

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// StateAggregator folds accepted reports into the canonical state document.
// It has no internal locking and is driven by a single consume loop.
type StateAggregator struct {
	state   *domain.State
	reports map[string]*domain.Report
	ttl     time.Duration
	now     Clock
}

// NewStateAggregator continues from seed, which may be nil. The seed's
// process table is kept but its gauges are recomputed on the first fold.
func NewStateAggregator(seed *domain.State, ttl time.Duration, now Clock) *StateAggregator {
	if seed == nil {
		seed = domain.NewState(domain.StateSchemaVersion)
	}
	seed = seed.Clone()
	if now == nil {
		now = time.Now
	}
	return &StateAggregator{
		state:   seed,
		reports: make(map[string]*domain.Report),
		ttl:     ttl,
		now:     now,
	}
}

// Add folds r, read from the reports log at offset, and returns the ids of
// processes evicted by the TTL on this fold.
func (a *StateAggregator) Add(r *domain.Report, offset int64) []string {
	id := r.Process.ID
	a.reports[id] = r
	a.state.Stats.Totals.Add(r.Stats.Total)
	a.state.Processes[id] = domain.ProcessRecord{DispatchedAt: r.DispatchedAt, Offset: offset}

	evicted := a.evictExpired()
	a.refreshGauges()
	return evicted
}

func (a *StateAggregator) evictExpired() []string {
	now := epoch(a.now())
	ttl := a.ttl.Seconds()
	var evicted []string
	for id, rec := range a.state.Processes {
		if now-rec.DispatchedAt > ttl {
			delete(a.state.Processes, id)
			delete(a.reports, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (a *StateAggregator) refreshGauges() {
	totals := a.state.Stats.Totals
	stats := domain.StateStats{Totals: totals}
	var utilization float64

	for _, r := range a.reports {
		if r.Stopped() {
			continue
		}
		stats.Processes++
		stats.Busy += r.Stats.Busy
		stats.Enqueued += r.Stats.Enqueued
		stats.Waiting += r.Stats.Waiting
		stats.Workers += r.Process.Workers
		stats.RSS += r.Process.MemoryUsage
		stats.Listeners.Active += r.Process.Listeners.Active
		stats.Listeners.Standby += r.Process.Listeners.Standby
		utilization += r.Stats.Utilization

		r.EachPartition(func(_, _, _ string, p domain.PartitionStats) {
			if p.Lag >= 0 {
				stats.Lag += p.Lag
			}
			if p.LagStored >= 0 {
				stats.LagStored += p.LagStored
			}
			if h := hybridLag(p); h >= 0 {
				stats.LagHybrid += h
			}
		})
	}
	stats.Utilization = utilization / (float64(stats.Processes) + 0.0001)
	a.state.Stats = stats
}

// Stats returns a copy of the current gauge subtree.
func (a *StateAggregator) Stats() domain.StateStats {
	return a.state.Stats
}

// Document returns a copy of the state stamped with the current schema
// version and the fold time.
func (a *StateAggregator) Document(schemaState string) *domain.State {
	doc := a.state.Clone()
	doc.SchemaVersion = domain.StateSchemaVersion
	doc.SchemaState = schemaState
	doc.DispatchedAt = epoch(a.now())
	return doc
}

// Live reports whether id is currently in the process table.
func (a *StateAggregator) Live(id string) bool {
	_, ok := a.state.Processes[id]
	return ok
}

// hybridLag prefers the stored-offset lag and falls back to the consumer lag.
func hybridLag(p domain.PartitionStats) int64 {
	if p.LagStored >= 0 {
		return p.LagStored
	}
	return p.Lag
}
