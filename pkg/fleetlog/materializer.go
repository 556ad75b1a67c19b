package fleetlog

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ghalamif/fleetlog/internal/adapters/validation"
	"github.com/ghalamif/fleetlog/internal/app/migrate"
	"github.com/ghalamif/fleetlog/internal/app/pipeline"
	"github.com/ghalamif/fleetlog/internal/app/publish"
	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

// Materializer consumes the reports topic and keeps the canonical state and
// metrics documents up to date. Exactly one should run per fleet.
type Materializer struct {
	*runtime

	publisher *publish.Publisher
	pipeline  *pipeline.Materializer

	mu       sync.Mutex
	watchers []Watcher
}

// NewMaterializer wires migrator, aggregators and publisher on top of a
// transport subscribed to the reports topic.
func NewMaterializer(cfg *Config, opts ...Option) (*Materializer, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	group := cfg.Materializer.Group
	if cfg.Kafka.ConsumerGroup != "" {
		group = cfg.Kafka.ConsumerGroup
	}
	sub := ports.Subscription{Topic: cfg.Topics.Reports, Group: group}

	rt, err := newRuntime(context.Background(), cfg, sub, "fleetlog-materializer", opts)
	if err != nil {
		return nil, err
	}

	reports := rt.o.reports
	if reports == nil {
		reports = validation.NewReports()
	}
	documents := rt.o.documents
	if documents == nil {
		d, err := validation.NewDocuments()
		if err != nil {
			_ = rt.close()
			return nil, err
		}
		documents = d
	}

	topics := publish.Topics{States: cfg.Topics.States, Metrics: cfg.Topics.Metrics}
	pub := publish.New(rt.log, rt.codec, documents, topics, rt.obs)
	m := &Materializer{runtime: rt, publisher: pub}
	pub.OnPublished(m.deliver)

	m.pipeline = pipeline.NewMaterializer(pipeline.Deps{
		Log:       rt.log,
		Codec:     rt.codec,
		Publisher: pub,
		Migrator:  migrate.New(rt.log, rt.codec, pub, topics, migrate.Registry(), rt.obs),
		Validator: reports,
		Topics:    topics,
		Policy:    cfg.Policy(),
		Obs:       rt.obs,
		Clock:     rt.o.clock,
	})
	return m, nil
}

// Watch registers w to receive every published document pair. Register
// watchers before calling Run.
func (m *Materializer) Watch(w Watcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, w)
}

func (m *Materializer) deliver(state *domain.State, metrics *domain.Metrics) {
	m.mu.Lock()
	watchers := m.watchers
	m.mu.Unlock()

	u := Update{State: state, Metrics: metrics}
	for _, w := range watchers {
		if err := w.Deliver(u); err != nil {
			m.obs.LogError("watcher_delivery_failed", err, ports.Field{Key: "watcher", Value: w.Name()})
		}
	}
}

// Run serves metrics and folds reports until ctx is cancelled or a report
// with a newer schema arrives, in which case ErrSchemaIncompatible is
// returned. The transport is closed on exit.
func (m *Materializer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := m.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error {
			return m.serveMetrics(gctx, addr)
		})
	}
	g.Go(func() error {
		if err := m.pipeline.Run(gctx); err != nil {
			return err
		}
		// a closed transport ends the pipeline early; take the server down too
		if ctx.Err() == nil {
			return context.Canceled
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		err = nil
	}
	return errors.CombineErrors(err, m.close())
}
