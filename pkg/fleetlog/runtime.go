package fleetlog

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ghalamif/fleetlog/internal/adapters/codec"
	"github.com/ghalamif/fleetlog/internal/adapters/filelog"
	"github.com/ghalamif/fleetlog/internal/adapters/kafka"
	"github.com/ghalamif/fleetlog/internal/adapters/memlog"
	"github.com/ghalamif/fleetlog/internal/adapters/observability"
	"github.com/ghalamif/fleetlog/internal/ports"
)

// Option customizes the dependencies used by Agent and Materializer.
type Option func(*overrides)

type overrides struct {
	log       ports.Log
	obs       ports.Observability
	logger    *zap.Logger
	probe     ports.Probe
	noProbe   bool
	clock     func() time.Time
	reports   ports.ReportValidator
	documents ports.DocumentValidator
	broker    *memlog.Broker
}

// WithLog runs the runtime on an existing transport instead of opening one
// from the configuration. The caller keeps ownership and closes it.
func WithLog(l Log) Option {
	return func(o *overrides) {
		o.log = l
	}
}

// WithMemoryBroker binds the runtime to a shared in-memory broker so an
// Agent and a Materializer can run in the same process without Kafka.
func WithMemoryBroker(b *MemoryBroker) Option {
	return func(o *overrides) {
		o.broker = b
	}
}

// MemoryBroker holds in-memory topics shared by several runtimes.
type MemoryBroker = memlog.Broker

// NewMemoryBroker creates the four configured topics in memory.
func NewMemoryBroker(cfg *Config) *MemoryBroker {
	return memlog.NewBroker(cfg.Log.Retain, topicNames(cfg)...)
}

func topicNames(cfg *Config) []string {
	return []string{cfg.Topics.Reports, cfg.Topics.Errors, cfg.Topics.States, cfg.Topics.Metrics}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) Option {
	return func(o *overrides) {
		o.obs = obs
	}
}

// WithLogger replaces the zap logger built from the logging section.
func WithLogger(l *zap.Logger) Option {
	return func(o *overrides) {
		o.logger = l
	}
}

// WithProbe overrides the gopsutil based resource probe. A nil probe turns
// resource sampling off.
func WithProbe(p Probe) Option {
	return func(o *overrides) {
		o.probe = p
		o.noProbe = p == nil
	}
}

// WithClock injects the wall clock used for report timestamps and TTL
// eviction.
func WithClock(now func() time.Time) Option {
	return func(o *overrides) {
		o.clock = now
	}
}

// WithReportValidator overrides the struct-tag based report validator.
func WithReportValidator(v ReportValidator) Option {
	return func(o *overrides) {
		o.reports = v
	}
}

// WithDocumentValidator overrides the JSON schema based document validator.
func WithDocumentValidator(v DocumentValidator) Option {
	return func(o *overrides) {
		o.documents = v
	}
}

// runtime holds what Agent and Materializer share: logger, metrics
// registry, observability, codec and the transport.
type runtime struct {
	cfg      *Config
	o        overrides
	logger   *zap.Logger
	registry *prometheus.Registry
	obs      ports.Observability
	codec    *codec.Codec
	log      ports.Log
	closeLog func() error
}

func newRuntime(ctx context.Context, cfg *Config, sub ports.Subscription, service string, opts []Option) (*runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	rt := &runtime{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(&rt.o)
		}
	}
	if rt.o.clock == nil {
		rt.o.clock = time.Now
	}

	rt.logger = rt.o.logger
	if rt.logger == nil {
		logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Development, service)
		if err != nil {
			return nil, err
		}
		rt.logger = logger
	}

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.obs = rt.o.obs
	if rt.obs == nil {
		rt.obs = observability.NewPromObsWith(rt.registry, rt.logger)
	}

	compression, err := codec.ParseCompression(cfg.Materializer.Compression)
	if err != nil {
		return nil, err
	}
	if rt.codec, err = codec.New(compression); err != nil {
		return nil, err
	}

	switch {
	case rt.o.log != nil:
		rt.log = rt.o.log
		rt.closeLog = func() error { return nil }
		return rt, nil
	case rt.o.broker != nil:
		l := rt.o.broker.Log(sub)
		rt.log, rt.closeLog = l, l.Close
		return rt, nil
	}
	rt.log, rt.closeLog, err = OpenLog(ctx, cfg, sub, rt.logger)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// OpenLog opens the transport selected by cfg.Log.Driver bound to sub. The
// returned func closes it. A zero Subscription opens a produce and read only
// client.
func OpenLog(ctx context.Context, cfg *Config, sub Subscription, logger *zap.Logger) (Log, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	names := topicNames(cfg)

	switch cfg.Log.Driver {
	case DriverKafka:
		l, err := kafka.New(cfg.Kafka, sub, logger)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Kafka.CreateTopics {
			if err := l.EnsureTopics(ctx, cfg.TopicSpecs()...); err != nil {
				_ = l.Close()
				return nil, nil, errors.Wrap(err, "create topics")
			}
		}
		return l, l.Close, nil
	case DriverFile:
		store, err := filelog.Open(cfg.Log.Dir, names...)
		if err != nil {
			return nil, nil, err
		}
		l, err := store.Log(sub)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return l, func() error { return errors.CombineErrors(l.Close(), store.Close()) }, nil
	case DriverMemory:
		l := NewMemoryBroker(cfg).Log(sub)
		return l, l.Close, nil
	default:
		return nil, nil, errors.Newf("unknown log.driver %q", cfg.Log.Driver)
	}
}

// Handler serves the runtime's Prometheus registry.
func (rt *runtime) Handler() http.Handler {
	return promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{Registry: rt.registry})
}

// serveMetrics exposes /metrics and /healthz on addr until ctx is done.
func (rt *runtime) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "metrics server on %s", addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (rt *runtime) close() error {
	err := rt.closeLog()
	_ = rt.logger.Sync()
	return err
}
