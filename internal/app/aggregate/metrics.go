package aggregate

import (
	"sort"
	"time"

	"github.com/ghalamif/fleetlog/internal/app/timeseries"
	"github.com/ghalamif/fleetlog/internal/domain"
)

// MetricsAggregator keeps its own report cache and turns it into the fleet
// and per consumer group histories.
type MetricsAggregator struct {
	reports      map[string]*domain.Report
	aggregated   *timeseries.Tracker[domain.StateStats]
	groups       *timeseries.Tracker[domain.GroupTopics]
	dispatchedAt float64
	ttl          time.Duration
	now          Clock
}

// NewMetricsAggregator continues the series held by seed, which may be nil.
func NewMetricsAggregator(seed *domain.Metrics, ttl time.Duration, now Clock, resolutions ...timeseries.Resolution) *MetricsAggregator {
	if seed == nil {
		seed = domain.NewMetrics(domain.MetricsSchemaVersion)
	}
	if now == nil {
		now = time.Now
	}
	return &MetricsAggregator{
		reports:      make(map[string]*domain.Report),
		aggregated:   timeseries.New(seed.Aggregated, resolutions...),
		groups:       timeseries.New(seed.ConsumerGroups, resolutions...),
		dispatchedAt: seed.DispatchedAt,
		ttl:          ttl,
		now:          now,
	}
}

// AddReport folds r and records the resulting per group and topic view.
func (a *MetricsAggregator) AddReport(r *domain.Report) {
	if r.DispatchedAt > a.dispatchedAt {
		a.dispatchedAt = r.DispatchedAt
	}
	if r.Stopped() {
		delete(a.reports, r.Process.ID)
	} else {
		a.reports[r.Process.ID] = r
	}
	a.evictExpired()
	a.groups.Add(a.materialize(), a.dispatchedAt)
}

// AddStats records the fleet gauges at the newest dispatch time seen so far.
func (a *MetricsAggregator) AddStats(stats domain.StateStats) {
	a.aggregated.Add(stats, a.dispatchedAt)
}

func (a *MetricsAggregator) evictExpired() {
	now := epoch(a.now())
	ttl := a.ttl.Seconds()
	for id, r := range a.reports {
		if now-r.DispatchedAt > ttl {
			delete(a.reports, id)
		}
	}
}

type partitionKey struct {
	group, topic, partition string
}

// materialize walks the cached reports oldest first so the newest report wins
// for every partition, even when it moved between processes.
func (a *MetricsAggregator) materialize() domain.GroupTopics {
	reports := make([]*domain.Report, 0, len(a.reports))
	for _, r := range a.reports {
		reports = append(reports, r)
	}
	sort.SliceStable(reports, func(i, j int) bool {
		if reports[i].DispatchedAt == reports[j].DispatchedAt {
			return reports[i].Process.ID < reports[j].Process.ID
		}
		return reports[i].DispatchedAt < reports[j].DispatchedAt
	})

	latest := make(map[partitionKey]domain.PartitionStats)
	for _, r := range reports {
		for g, cg := range r.ConsumerGroups {
			for _, sg := range cg.SubscriptionGroups {
				for t, ts := range sg.Topics {
					for p, ps := range ts.Partitions {
						latest[partitionKey{g, t, p}] = ps
					}
				}
			}
		}
	}

	out := domain.GroupTopics{}
	for key, p := range latest {
		topics, ok := out[key.group]
		if !ok {
			topics = map[string]domain.TopicMetrics{}
			out[key.group] = topics
		}
		m := topics[key.topic]
		if p.Lag >= 0 {
			m.Lag += p.Lag
		}
		if p.LagStored >= 0 {
			m.LagStored += p.LagStored
		}
		if h := hybridLag(p); h >= 0 {
			m.LagHybrid += h
		}
		m.Pace += p.HiOffset
		if p.LsOffset != p.HiOffset && p.LsOffsetFD > m.LsOffsetFD {
			m.LsOffsetFD = p.LsOffsetFD
		}
		topics[key.topic] = m
	}
	return out
}

// Document returns the series derived so far, stamped with the current time
// like the state document. Samples keep the newest report time.
func (a *MetricsAggregator) Document() *domain.Metrics {
	return &domain.Metrics{
		Aggregated:     a.aggregated.Series(),
		ConsumerGroups: a.groups.Series(),
		SchemaVersion:  domain.MetricsSchemaVersion,
		DispatchedAt:   epoch(a.now()),
	}
}

// Compact bounds the trackers' memory. Call it after a successful publish.
func (a *MetricsAggregator) Compact() {
	a.aggregated.Compact()
	a.groups.Compact()
}
