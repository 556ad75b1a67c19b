package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ghalamif/fleetlog/internal/ports"
)

// Metric names understood by PromObs. Unknown names are ignored.
const (
	ReportsDispatched   = "fleetlog_reports_dispatched_total"
	ReportsDropped      = "fleetlog_reports_dropped_total"
	ErrorsDispatched    = "fleetlog_errors_dispatched_total"
	ReportsFolded       = "fleetlog_reports_folded_total"
	ReportsSkipped      = "fleetlog_reports_skipped_total"
	DocumentsPublished  = "fleetlog_documents_published_total"
	ProcessesEvicted    = "fleetlog_processes_evicted_total"
	ProcessesLive       = "fleetlog_processes"
	FleetLagHybrid      = "fleetlog_lag_hybrid"
	ReportSampleLatency = "fleetlog_report_sample_seconds"
	PublishLatency      = "fleetlog_publish_seconds"
	FoldLatency         = "fleetlog_fold_batch_seconds"
)

type PromObs struct {
	logger   *zap.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers its collectors with prometheus.DefaultRegisterer.
func NewPromObs(logger *zap.Logger) *PromObs {
	return NewPromObsWith(prometheus.DefaultRegisterer, logger)
}

func NewPromObsWith(reg prometheus.Registerer, logger *zap.Logger) *PromObs {
	if logger == nil {
		logger = zap.NewNop()
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	histo := func(name, help string) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		})
	}

	p := &PromObs{
		logger: logger,
		counters: map[string]prometheus.Counter{
			ReportsDispatched:  counter(ReportsDispatched, "Reports handed to the log by this process."),
			ReportsDropped:     counter(ReportsDropped, "Reports lost to transport failures or shutdown."),
			ErrorsDispatched:   counter(ErrorsDispatched, "Error records written to the errors topic."),
			ReportsFolded:      counter(ReportsFolded, "Reports folded into the canonical state."),
			ReportsSkipped:     counter(ReportsSkipped, "Reports skipped as undecodable, invalid or older schema."),
			DocumentsPublished: counter(DocumentsPublished, "State and metrics documents written."),
			ProcessesEvicted:   counter(ProcessesEvicted, "Processes evicted after the liveness TTL."),
		},
		gauges: map[string]prometheus.Gauge{
			ProcessesLive:  gauge(ProcessesLive, "Live processes in the canonical state."),
			FleetLagHybrid: gauge(FleetLagHybrid, "Fleet-wide hybrid consumer lag."),
		},
		histos: map[string]prometheus.Observer{},
	}
	for _, name := range []string{ReportSampleLatency, PublishLatency, FoldLatency} {
		p.histos[name] = histo(name, "Duration of "+name[len("fleetlog_"):len(name)-len("_seconds")]+".")
	}

	for _, c := range p.counters {
		reg.MustRegister(c)
	}
	for _, g := range p.gauges {
		reg.MustRegister(g)
	}
	for _, h := range p.histos {
		reg.MustRegister(h.(prometheus.Collector))
	}
	return p
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Info(msg, zapFields(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.logger.DPanic(msg, append(zapFields(fields), zap.Error(err), zap.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordSkipped(reason string, err error, fields ...ports.Field) {
	p.IncCounter(ReportsSkipped, 1)
	p.logger.Warn("report_skipped", append(zapFields(fields), zap.String("reason", reason), zap.Error(err))...)
}

func zapFields(fields []ports.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+2)
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
