package reporter

import (
	"context"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

// Version is reported under versions.fleetlog.
const Version = "0.4.0"

// Sampler accumulates what a worker process reports about itself. Workers
// call its tracking methods concurrently; the Reporter drains it once per
// interval.
type Sampler struct {
	probe ports.Probe

	mu          sync.Mutex
	id          string
	processType string
	tags        []string
	startedAt   time.Time
	status      string
	workers     int
	listeners   domain.Listeners
	busy        int
	enqueued    int
	waiting     int
	busyTime    time.Duration
	lastDrain   time.Time
	counters    domain.Counters
	groups      map[string]domain.ConsumerGroup
	jobs        map[string]domain.Job
	errors      []domain.ErrorRecord
	system      ports.SystemSnapshot
}

// NewSampler returns a Sampler for a consumer process. probe may be nil.
func NewSampler(id string, tags []string, probe ports.Probe, now time.Time) *Sampler {
	return &Sampler{
		probe:       probe,
		id:          id,
		processType: domain.ProcessTypeConsumer,
		tags:        append([]string(nil), tags...),
		startedAt:   now,
		status:      domain.StatusInitialized,
		lastDrain:   now,
		groups:      map[string]domain.ConsumerGroup{},
		jobs:        map[string]domain.Job{},
	}
}

func (s *Sampler) ID() string { return s.id }

func (s *Sampler) SetProcessType(t string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processType = t
}

func (s *Sampler) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *Sampler) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sampler) SetWorkers(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = n
}

func (s *Sampler) SetListeners(active, standby int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = domain.Listeners{Active: active, Standby: standby}
}

// SetQueue records the worker pool gauges: jobs running, jobs queued and
// jobs waiting on a dependency.
func (s *Sampler) SetQueue(busy, enqueued, waiting int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy, s.enqueued, s.waiting = busy, enqueued, waiting
}

// JobStarted registers a running job. It shows up in every report until
// JobFinished is called for the same id.
func (s *Sampler) JobStarted(job domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

// JobFinished counts a processed batch of messages.
func (s *Sampler) JobFinished(id string, messages int, took time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	s.counters.Jobs++
	s.counters.Batches++
	s.counters.Messages += int64(messages)
	s.busyTime += took
}

func (s *Sampler) TrackRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Retries++
}

func (s *Sampler) TrackDead(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Dead += int64(n)
}

// TrackError counts rec and buffers it for the errors topic.
func (s *Sampler) TrackError(rec domain.ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Errors++
	rec.ProcessID = s.id
	s.errors = append(s.errors, rec)
}

// UpdatePartition replaces the statistics of one assigned partition.
func (s *Sampler) UpdatePartition(group, subscription, topic string, p domain.PartitionStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cg, ok := s.groups[group]
	if !ok {
		cg = domain.ConsumerGroup{ID: group, SubscriptionGroups: map[string]domain.SubscriptionGroup{}}
		s.groups[group] = cg
	}
	sg, ok := cg.SubscriptionGroups[subscription]
	if !ok {
		sg = domain.SubscriptionGroup{ID: subscription, Topics: map[string]domain.TopicStats{}}
	}
	ts, ok := sg.Topics[topic]
	if !ok {
		ts = domain.TopicStats{Name: topic, Partitions: map[string]domain.PartitionStats{}}
	}
	ts.Partitions[strconv.Itoa(int(p.ID))] = p
	sg.Topics[topic] = ts
	cg.SubscriptionGroups[subscription] = sg
}

// RevokePartition forgets a partition after a rebalance.
func (s *Sampler) RevokePartition(group, subscription, topic string, partition int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.groups[group].SubscriptionGroups[subscription].Topics[topic]; ok {
		delete(ts.Partitions, strconv.Itoa(int(partition)))
	}
}

// Sample refreshes the resource usage through the probe. It must be called
// without holding any lock since probing hits the operating system.
func (s *Sampler) Sample(ctx context.Context) error {
	if s.probe == nil {
		return nil
	}
	snap, err := s.probe.Probe(ctx)
	s.mu.Lock()
	s.system = snap
	s.mu.Unlock()
	return err
}

// Drain builds the report for the interval ending at now and hands it to
// fn while holding the lock. Counters and buffered errors are reset only if
// fn succeeds. fn must not retain the report.
func (s *Sampler) Drain(now time.Time, fn func(r *domain.Report) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &domain.Report{
		SchemaVersion: domain.ReportSchemaVersion,
		Type:          s.processType,
		DispatchedAt:  epoch(now),
		Process: domain.ProcessInfo{
			ID:               s.id,
			StartedAt:        epoch(s.startedAt),
			Status:           s.status,
			Listeners:        s.listeners,
			Workers:          s.workers,
			MemoryUsage:      s.system.MemoryUsage,
			MemoryTotalUsage: s.system.MemoryTotalUsage,
			MemorySize:       s.system.MemorySize,
			CPUs:             s.system.CPUs,
			Threads:          s.system.Threads,
			CPUUsage:         s.system.CPUUsage,
			BytesReceived:    s.system.BytesReceived,
			BytesSent:        s.system.BytesSent,
			Tags:             s.tags,
		},
		Versions: map[string]string{"fleetlog": Version, "go": runtime.Version()},
		Stats: domain.ReportStats{
			Busy:        s.busy,
			Enqueued:    s.enqueued,
			Waiting:     s.waiting,
			Utilization: s.utilization(now),
			Total:       s.counters,
		},
		ConsumerGroups: s.groups,
		Jobs:           s.runningJobs(),
		Errors:         s.errors,
	}

	if err := fn(r); err != nil {
		return err
	}

	s.counters = domain.Counters{}
	s.errors = nil
	s.busyTime = 0
	s.lastDrain = now
	return nil
}

// utilization is the share of worker time spent processing since the last
// drain, in percent.
func (s *Sampler) utilization(now time.Time) float64 {
	elapsed := now.Sub(s.lastDrain)
	if s.workers <= 0 || elapsed <= 0 {
		return 0
	}
	u := float64(s.busyTime) / (float64(elapsed) * float64(s.workers)) * 100
	if u > 100 {
		return 100
	}
	return u
}

func (s *Sampler) runningJobs() []domain.Job {
	if len(s.jobs) == 0 {
		return nil
	}
	out := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
