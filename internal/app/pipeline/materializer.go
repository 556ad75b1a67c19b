package pipeline

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ghalamif/fleetlog/internal/adapters/codec"
	"github.com/ghalamif/fleetlog/internal/adapters/observability"
	"github.com/ghalamif/fleetlog/internal/app/aggregate"
	"github.com/ghalamif/fleetlog/internal/app/migrate"
	"github.com/ghalamif/fleetlog/internal/app/publish"
	"github.com/ghalamif/fleetlog/internal/app/schema"
	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

// Deps wires a Materializer. Log must be subscribed to the reports topic
// under the materializer's consumer group.
type Deps struct {
	Log       ports.Log
	Codec     *codec.Codec
	Publisher *publish.Publisher
	Migrator  *migrate.Migrator
	Validator ports.ReportValidator
	Topics    publish.Topics
	Policy    ports.Policy
	Obs       ports.Observability
	Clock     aggregate.Clock
}

// Materializer consumes reports and keeps the canonical documents up to date.
// Everything runs on the goroutine calling Run.
type Materializer struct {
	d Deps

	schema  *schema.Manager
	state   *aggregate.StateAggregator
	metrics *aggregate.MetricsAggregator

	pending   map[int32]*ports.Record
	dirty     bool
	lastFlush time.Time
}

func NewMaterializer(d Deps) *Materializer {
	if d.Obs == nil {
		d.Obs = observability.Nop{}
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Policy.FlushInterval <= 0 {
		d.Policy.FlushInterval = 5 * time.Second
	}
	if d.Policy.IdleSleep <= 0 {
		d.Policy.IdleSleep = 250 * time.Millisecond
	}
	return &Materializer{d: d, pending: map[int32]*ports.Record{}}
}

// Run migrates the documents, loads them and folds reports until ctx is
// done, publishing every FlushInterval and once more on the way out. It
// returns ErrSchemaIncompatible after publishing what it had once a newer
// report shows up, and ErrValidation the same way for an invalid report at
// the current version.
func (m *Materializer) Run(ctx context.Context) error {
	if m.d.Migrator != nil {
		if _, err := m.d.Migrator.Run(ctx); err != nil {
			return errors.Wrap(err, "migrate documents")
		}
	}
	if err := m.load(ctx); err != nil {
		return err
	}
	m.d.Obs.LogInfo("materializer_started",
		ports.Field{Key: "states", Value: m.d.Topics.States},
		ports.Field{Key: "metrics", Value: m.d.Topics.Metrics},
	)

	for {
		if ctx.Err() != nil {
			return m.shutdown()
		}

		wait := m.d.Policy.FlushInterval - time.Since(m.lastFlush)
		if wait <= 0 {
			if err := m.flush(ctx); err != nil {
				return err
			}
			continue
		}

		pollCtx, cancel := context.WithTimeout(ctx, wait)
		batch, err := m.d.Log.Poll(pollCtx, m.d.Policy.MaxBatchSize)
		cancel()
		switch {
		case ctx.Err() != nil:
			return m.shutdown()
		case errors.Is(err, context.DeadlineExceeded):
			continue
		case errors.Is(err, domain.ErrTransportClosed):
			return m.shutdown()
		case err != nil:
			m.d.Obs.LogError("reports_poll_failed", err)
			time.Sleep(m.d.Policy.IdleSleep)
			continue
		}

		if err := m.fold(batch); err != nil {
			switch {
			case errors.Is(err, domain.ErrSchemaIncompatible):
				m.d.Obs.LogCritical("schema_incompatible", err)
			case errors.Is(err, domain.ErrValidation):
				m.d.Obs.LogCritical("report_invalid", err)
			default:
				return err
			}
			// publish and commit what was folded ahead of the offending report
			if ferr := m.flush(context.WithoutCancel(ctx)); ferr != nil {
				return errors.CombineErrors(err, ferr)
			}
			return err
		}
	}
}

func (m *Materializer) load(ctx context.Context) error {
	sm, err := schema.NewManager(domain.ReportSchemaVersion)
	if err != nil {
		return err
	}
	m.schema = sm

	var (
		state   *domain.State
		metrics *domain.Metrics
	)
	if err := loadDoc(ctx, m.d.Log, m.d.Codec, m.d.Topics.States, domain.StateKey, &state); err != nil {
		return err
	}
	if err := loadDoc(ctx, m.d.Log, m.d.Codec, m.d.Topics.Metrics, domain.MetricsKey, &metrics); err != nil {
		return err
	}
	if state == nil || metrics == nil {
		m.dirty = true
	}
	if state != nil && state.Processes == nil {
		state.Processes = map[string]domain.ProcessRecord{}
	}
	m.state = aggregate.NewStateAggregator(state, m.d.Policy.TTL, m.d.Clock)
	m.metrics = aggregate.NewMetricsAggregator(metrics, m.d.Policy.TTL, m.d.Clock)
	m.lastFlush = time.Now()
	return nil
}

// loadDoc leaves *out nil when the document has not been written yet.
func loadDoc[T any](ctx context.Context, log ports.Log, c *codec.Codec, topic, key string, out **T) error {
	rec, err := log.Latest(ctx, topic, []byte(key))
	if errors.Is(err, domain.ErrMissingDocument) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "load %s", key)
	}
	doc := new(T)
	if err := c.Decode(rec, doc); err != nil {
		return errors.Wrapf(err, "decode %s", key)
	}
	*out = doc
	return nil
}

// fold runs a polled batch to completion.
func (m *Materializer) fold(batch []*ports.Record) error {
	start := time.Now()
	folded := 0
	defer func() {
		if folded > 0 {
			m.dirty = true
			m.d.Obs.IncCounter(observability.ReportsFolded, float64(folded))
			m.d.Obs.ObserveLatency(observability.FoldLatency, time.Since(start).Seconds())
		}
	}()
	for _, rec := range batch {
		var rep domain.Report
		if err := m.d.Codec.Decode(rec, &rep); err != nil {
			m.d.Obs.RecordSkipped("decode", err, offsetField(rec))
			m.track(rec)
			continue
		}

		// gate on version first; validation only knows this build's shape
		switch m.schema.Classify(rep.SchemaVersion) {
		case schema.Older:
			m.d.Obs.RecordSkipped("older_schema", nil, offsetField(rec), ports.Field{Key: "version", Value: rep.SchemaVersion})
			m.track(rec)
			continue
		case schema.Newer:
			m.dirty = true
			return domain.Incompatible("report from %s is at %s, this build supports %s",
				rep.Process.ID, rep.SchemaVersion, domain.ReportSchemaVersion)
		}

		// an invalid report stays uncommitted and ends the run
		if m.d.Validator != nil {
			if err := m.d.Validator.ValidateReport(&rep); err != nil {
				return errors.Wrapf(err, "offset %d", rec.Offset)
			}
		}

		if evicted := m.state.Add(&rep, rec.Offset); len(evicted) > 0 {
			m.d.Obs.IncCounter(observability.ProcessesEvicted, float64(len(evicted)))
		}
		m.metrics.AddReport(&rep)
		m.metrics.AddStats(m.state.Stats())
		m.track(rec)
		folded++
	}
	return nil
}

// track remembers the newest record per partition so it can be committed
// once the documents covering it are published.
func (m *Materializer) track(rec *ports.Record) {
	m.pending[rec.Partition] = rec
	m.dirty = true
}

// flush publishes the documents when something changed since the last
// flush, then commits the reports they cover.
func (m *Materializer) flush(ctx context.Context) error {
	m.lastFlush = time.Now()
	if !m.dirty {
		return nil
	}

	state := m.state.Document(m.schema.State())
	if err := m.d.Publisher.PublishSync(ctx, state, m.metrics.Document()); err != nil {
		if errors.Is(err, domain.ErrTransportClosed) {
			return nil
		}
		if errors.Is(err, domain.ErrValidation) {
			return err
		}
		m.d.Obs.LogError("documents_publish_failed", err)
		return nil
	}
	m.metrics.Compact()
	m.dirty = false
	m.d.Obs.SetGauge(observability.ProcessesLive, float64(state.Stats.Processes))
	m.d.Obs.SetGauge(observability.FleetLagHybrid, float64(state.Stats.LagHybrid))

	if len(m.pending) == 0 {
		return nil
	}
	recs := make([]*ports.Record, 0, len(m.pending))
	for _, rec := range m.pending {
		recs = append(recs, rec)
	}
	if err := m.d.Log.Commit(ctx, recs); err != nil && !errors.Is(err, domain.ErrTransportClosed) {
		m.d.Obs.LogError("reports_commit_failed", err)
		return nil
	}
	m.pending = map[int32]*ports.Record{}
	return nil
}

func (m *Materializer) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.flush(ctx)
}

func offsetField(rec *ports.Record) ports.Field {
	return ports.Field{Key: "offset", Value: rec.Offset}
}
