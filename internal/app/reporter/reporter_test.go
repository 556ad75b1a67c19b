package reporter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/fleetlog/internal/adapters/codec"
	"github.com/ghalamif/fleetlog/internal/adapters/memlog"
	"github.com/ghalamif/fleetlog/internal/adapters/validation"
	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

var topics = Topics{Reports: "reports", Errors: "errors"}

type stubProbe struct{ snap ports.SystemSnapshot }

func (p stubProbe) Probe(context.Context) (ports.SystemSnapshot, error) { return p.snap, nil }

// recordingLog captures how records were produced.
type recordingLog struct {
	mu      sync.Mutex
	direct  []*ports.Record
	async   []*ports.Record
	closed  bool
	reduced *recordingLog
}

func (l *recordingLog) Produce(_ context.Context, rec *ports.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.direct = append(l.direct, rec)
	return nil
}

func (l *recordingLog) ProduceAsync(rec *ports.Record, _ func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.async = append(l.async, rec)
}

func (l *recordingLog) Poll(context.Context, int) ([]*ports.Record, error) { return nil, nil }
func (l *recordingLog) Commit(context.Context, []*ports.Record) error     { return nil }
func (l *recordingLog) Latest(context.Context, string, []byte) (*ports.Record, error) {
	return nil, domain.ErrMissingDocument
}
func (l *recordingLog) Close() error {
	l.closed = true
	return nil
}

type tunableLog struct {
	recordingLog
}

func (l *tunableLog) WithReducedAcks() (ports.Log, error) {
	l.reduced = &recordingLog{}
	return l.reduced, nil
}

func newCodec(t *testing.T) *codec.Codec {
	t.Helper()
	c, err := codec.New(codec.None)
	require.NoError(t, err)
	return c
}

func policy(threshold int) ports.Policy {
	return ports.Policy{ReportInterval: time.Second, SyncThreshold: threshold, TTL: 30 * time.Second}
}

func TestSamplerDrainResetsOnlyOnSuccess(t *testing.T) {
	start := time.Unix(1700000000, 0)
	s := NewSampler("p1", nil, nil, start)
	s.SetWorkers(2)
	s.JobFinished("j1", 10, 500*time.Millisecond)
	s.TrackError(domain.ErrorRecord{Type: "consumer.consume.error"})

	err := s.Drain(start.Add(time.Second), func(*domain.Report) error { return errors.New("encode failed") })
	require.Error(t, err)

	var got *domain.Report
	require.NoError(t, s.Drain(start.Add(time.Second), func(r *domain.Report) error { got = r; return nil }))
	require.Equal(t, int64(10), got.Stats.Total.Messages)
	require.Equal(t, int64(1), got.Stats.Total.Errors)
	require.Len(t, got.Errors, 1)
	require.Equal(t, "p1", got.Errors[0].ProcessID)
	require.InDelta(t, 25.0, got.Stats.Utilization, 0.001)

	require.NoError(t, s.Drain(start.Add(2*time.Second), func(r *domain.Report) error { got = r; return nil }))
	require.Equal(t, domain.Counters{}, got.Stats.Total, "counters cover one interval")
	require.Empty(t, got.Errors)
}

func TestSamplerTracksJobsAndPartitions(t *testing.T) {
	s := NewSampler("p1", []string{"blue"}, stubProbe{snap: ports.SystemSnapshot{MemoryUsage: 1024, CPUs: 4}}, time.Now())
	s.JobStarted(domain.Job{ID: "b"})
	s.JobStarted(domain.Job{ID: "a"})
	s.JobFinished("b", 1, time.Millisecond)
	s.UpdatePartition("g", "sg", "orders", domain.PartitionStats{ID: 3, Lag: 7})
	s.UpdatePartition("g", "sg", "orders", domain.PartitionStats{ID: 4, Lag: 1})
	s.RevokePartition("g", "sg", "orders", 4)
	require.NoError(t, s.Sample(context.Background()))

	require.NoError(t, s.Drain(time.Now(), func(r *domain.Report) error {
		require.Equal(t, []domain.Job{{ID: "a"}}, r.Jobs)
		parts := r.ConsumerGroups["g"].SubscriptionGroups["sg"].Topics["orders"].Partitions
		require.Len(t, parts, 1)
		require.Equal(t, int64(7), parts["3"].Lag)
		require.Equal(t, uint64(1024), r.Process.MemoryUsage)
		require.Equal(t, 4, r.Process.CPUs)
		require.Equal(t, []string{"blue"}, r.Process.Tags)
		return nil
	}))
}

func TestReporterWritesReportAndErrors(t *testing.T) {
	b := memlog.NewBroker(0, topics.Reports, topics.Errors)
	s := NewSampler("p1", nil, nil, time.Now())
	s.SetStatus(domain.StatusRunning)
	s.TrackError(domain.ErrorRecord{Type: "a"})
	s.TrackError(domain.ErrorRecord{Type: "b"})

	r, err := New(s, b.Log(ports.Subscription{}), newCodec(t), topics, policy(25), Options{Validator: validation.NewReports()})
	require.NoError(t, err)
	require.NoError(t, r.report(context.Background()))

	reports := b.Records(topics.Reports)
	require.Len(t, reports, 1)
	require.Equal(t, "p1", string(reports[0].Key))
	var rep domain.Report
	require.NoError(t, newCodec(t).Decode(reports[0], &rep))
	require.Equal(t, domain.ReportSchemaVersion, rep.SchemaVersion)
	require.Equal(t, int64(2), rep.Stats.Total.Errors)
	require.Len(t, b.Records(topics.Errors), 2)
}

func TestReporterSyncThreshold(t *testing.T) {
	s := NewSampler("p1", nil, nil, time.Now())
	s.SetStatus(domain.StatusRunning)
	log := &recordingLog{}

	r, err := New(s, log, newCodec(t), topics, policy(3), Options{})
	require.NoError(t, err)

	require.NoError(t, r.report(context.Background()))
	require.Len(t, log.async, 1, "one message is below the threshold")
	require.Empty(t, log.direct)

	for i := 0; i < 2; i++ {
		s.TrackError(domain.ErrorRecord{Type: "x"})
	}
	require.NoError(t, r.report(context.Background()))
	require.Len(t, log.direct, 3, "three messages reach the threshold")
}

func TestReporterUsesReducedAcks(t *testing.T) {
	s := NewSampler("p1", nil, nil, time.Now())
	s.SetStatus(domain.StatusRunning)
	log := &tunableLog{}

	r, err := New(s, log, newCodec(t), topics, policy(25), Options{})
	require.NoError(t, err)
	require.NoError(t, r.report(context.Background()))

	require.Empty(t, log.async)
	require.Len(t, log.reduced.async, 1)
	require.NoError(t, r.Close())
	require.True(t, log.reduced.closed)
	require.False(t, log.closed, "the caller's transport stays open")
}

func TestReporterSwallowsClosedTransport(t *testing.T) {
	b := memlog.NewBroker(0, topics.Reports, topics.Errors)
	l := b.Log(ports.Subscription{})
	require.NoError(t, l.Close())
	s := NewSampler("p1", nil, nil, time.Now())
	s.SetStatus(domain.StatusRunning)

	for _, threshold := range []int{1, 25} {
		r, err := New(s, l, newCodec(t), topics, policy(threshold), Options{})
		require.NoError(t, err)
		require.NoError(t, r.report(context.Background()))
	}
	require.Empty(t, b.Records(topics.Reports))
}

func TestReporterRejectsInvalidReport(t *testing.T) {
	b := memlog.NewBroker(0, topics.Reports, topics.Errors)
	s := NewSampler("", nil, nil, time.Now())
	s.JobFinished("j", 5, 0)

	r, err := New(s, b.Log(ports.Subscription{}), newCodec(t), topics, policy(25), Options{Validator: validation.NewReports()})
	require.NoError(t, err)
	err = r.report(context.Background())
	require.True(t, errors.Is(err, domain.ErrValidation))
	require.Empty(t, b.Records(topics.Reports))
}

func TestReporterRunFlushAndShutdown(t *testing.T) {
	b := memlog.NewBroker(0, topics.Reports, topics.Errors)
	s := NewSampler("p1", nil, nil, time.Now())
	s.SetStatus(domain.StatusRunning)

	r, err := New(s, b.Log(ports.Subscription{}), newCodec(t), topics, ports.Policy{ReportInterval: time.Hour, SyncThreshold: 25}, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.NoError(t, r.Flush(context.Background()))
	require.Len(t, b.Records(topics.Reports), 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reporter did not stop")
	}

	reports := b.Records(topics.Reports)
	require.Len(t, reports, 2, "a final report is sent on shutdown")
	var last domain.Report
	require.NoError(t, newCodec(t).Decode(reports[1], &last))
	require.Equal(t, domain.StatusStopped, last.Process.Status)
}
