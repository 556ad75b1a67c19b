package fleetlog

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ghalamif/fleetlog/internal/adapters/sysstats"
	"github.com/ghalamif/fleetlog/internal/adapters/validation"
	"github.com/ghalamif/fleetlog/internal/app/reporter"
	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

// Agent runs inside a worker process. Workers feed its Tracker and the
// Agent writes one report per interval to the reports topic.
type Agent struct {
	*runtime

	sampler  *reporter.Sampler
	reporter *reporter.Reporter

	closeOnce sync.Once
	closeErr  error
}

// NewAgent wires the Tracker and Reporter for the process named by
// cfg.Process.ID. The transport is opened produce-only.
func NewAgent(cfg *Config, opts ...Option) (*Agent, error) {
	rt, err := newRuntime(context.Background(), cfg, ports.Subscription{}, "fleetlog-agent", opts)
	if err != nil {
		return nil, err
	}

	probe := rt.o.probe
	if probe == nil && !rt.o.noProbe {
		p, err := sysstats.New()
		if err != nil {
			rt.obs.LogError("process_probe_unavailable", err)
		} else {
			probe = p
		}
	}

	validator := rt.o.reports
	if validator == nil {
		validator = validation.NewReports()
	}

	sampler := reporter.NewSampler(cfg.Process.ID, cfg.Process.Tags, probe, rt.o.clock())
	rep, err := reporter.New(sampler, rt.log, rt.codec,
		reporter.Topics{Reports: cfg.Topics.Reports, Errors: cfg.Topics.Errors},
		cfg.Policy(),
		reporter.Options{Validator: validator, Obs: rt.obs, Now: rt.o.clock},
	)
	if err != nil {
		_ = rt.close()
		return nil, err
	}
	return &Agent{runtime: rt, sampler: sampler, reporter: rep}, nil
}

// Tracker returns the counters the worker updates.
func (a *Agent) Tracker() *Tracker {
	return a.sampler
}

// Run marks the process running and reports until ctx is cancelled. On the
// way out a final report with status stopped is written and the transport
// is closed.
func (a *Agent) Run(ctx context.Context) error {
	a.sampler.SetStatus(domain.StatusRunning)
	a.obs.LogInfo("agent_started",
		ports.Field{Key: "process", Value: a.sampler.ID()},
		ports.Field{Key: "interval", Value: a.cfg.Reporting.Interval.String()},
	)

	runErr := a.reporter.Run(ctx)
	if runErr != nil && !errors.Is(runErr, domain.ErrTransportClosed) {
		a.obs.LogError("agent_final_report_failed", runErr, ports.Field{Key: "process", Value: a.sampler.ID()})
	}
	return errors.CombineErrors(runErr, a.Close())
}

// Flush forces an immediate report. Run must be active.
func (a *Agent) Flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Reporting.Interval+5*time.Second)
	defer cancel()
	return a.reporter.Flush(ctx)
}

// Close releases the transports. Run calls it on exit.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = errors.CombineErrors(a.reporter.Close(), a.close())
	})
	return a.closeErr
}
