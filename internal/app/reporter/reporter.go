package reporter

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ghalamif/fleetlog/internal/adapters/codec"
	"github.com/ghalamif/fleetlog/internal/adapters/observability"
	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

// Topics the reporter writes to.
type Topics struct {
	Reports string
	Errors  string
}

// Reporter periodically drains a Sampler and writes the report, plus one
// message per buffered error, to the log. It runs as a single goroutine;
// forced reports are requested through its mailbox.
type Reporter struct {
	sampler   *Sampler
	log       ports.Log
	ownsLog   bool
	codec     *codec.Codec
	validator ports.ReportValidator
	topics    Topics
	policy    ports.Policy
	obs       ports.Observability
	now       func() time.Time

	flush      chan chan error
	lastReport time.Time
}

// Options bundles the Reporter's optional collaborators.
type Options struct {
	Validator ports.ReportValidator
	Obs       ports.Observability
	Now       func() time.Time
}

// New builds a Reporter. Transports implementing ports.AckTuner are asked for
// their reduced acknowledgement variant since reports tolerate loss.
func New(s *Sampler, log ports.Log, c *codec.Codec, topics Topics, policy ports.Policy, opts Options) (*Reporter, error) {
	if opts.Obs == nil {
		opts.Obs = observability.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Reporter{
		sampler:   s,
		log:       log,
		codec:     c,
		validator: opts.Validator,
		topics:    topics,
		policy:    policy,
		obs:       opts.Obs,
		now:       opts.Now,
		flush:     make(chan chan error),
	}
	if tuner, ok := log.(ports.AckTuner); ok {
		reduced, err := tuner.WithReducedAcks()
		if err != nil {
			return nil, errors.Wrap(err, "reduced acks transport")
		}
		if reduced != log {
			r.log = reduced
			r.ownsLog = true
		}
	}
	return r, nil
}

// tick is interval/10 with a 10ms floor.
func (r *Reporter) tick() time.Duration {
	d := r.policy.ReportInterval / 10
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// Run reports every ReportInterval until ctx is done, then sends a final
// report with the process marked stopped.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.tick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.sampler.SetStatus(domain.StatusStopped)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), r.policy.ReportInterval)
			err := r.report(shutdownCtx)
			cancel()
			return err
		case reply := <-r.flush:
			reply <- r.report(ctx)
		case <-ticker.C:
			if r.now().Sub(r.lastReport) < r.policy.ReportInterval {
				continue
			}
			if err := r.report(ctx); err != nil {
				r.obs.LogError("report_dispatch_failed", err, ports.Field{Key: "process", Value: r.sampler.ID()})
			}
		}
	}
}

// Flush asks the running loop for an immediate report and waits for it.
func (r *Reporter) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case r.flush <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reporter) report(ctx context.Context) error {
	start := time.Now()
	if err := r.sampler.Sample(ctx); err != nil {
		r.obs.LogError("process_sample_failed", err)
	}
	r.obs.ObserveLatency(observability.ReportSampleLatency, time.Since(start).Seconds())

	now := r.now()
	var batch []*ports.Record
	err := r.sampler.Drain(now, func(rep *domain.Report) error {
		if r.validator != nil {
			if err := r.validator.ValidateReport(rep); err != nil {
				return err
			}
		}
		var err error
		batch, err = r.encode(rep)
		return err
	})
	if err != nil {
		return err
	}
	r.lastReport = now
	return r.dispatch(ctx, batch)
}

func (r *Reporter) encode(rep *domain.Report) ([]*ports.Record, error) {
	key := []byte(rep.Process.ID)
	value, headers, err := r.codec.Encode(rep)
	if err != nil {
		return nil, errors.Wrap(err, "encode report")
	}
	batch := []*ports.Record{{Topic: r.topics.Reports, Key: key, Value: value, Headers: headers}}
	for _, e := range rep.Errors {
		value, headers, err := r.codec.Encode(e)
		if err != nil {
			return nil, errors.Wrap(err, "encode error record")
		}
		batch = append(batch, &ports.Record{Topic: r.topics.Errors, Key: key, Value: value, Headers: headers})
	}
	return batch, nil
}

// dispatch writes small batches fire-and-forget and waits for large ones.
func (r *Reporter) dispatch(ctx context.Context, batch []*ports.Record) error {
	errorCount := float64(len(batch) - 1)
	if len(batch) < r.policy.SyncThreshold {
		for _, rec := range batch {
			r.log.ProduceAsync(rec, r.onAsyncError)
		}
	} else {
		for _, rec := range batch {
			if err := r.log.Produce(ctx, rec); err != nil {
				if errors.Is(err, domain.ErrTransportClosed) {
					return nil
				}
				r.obs.IncCounter(observability.ReportsDropped, 1)
				return errors.Wrapf(err, "dispatch to %s", rec.Topic)
			}
		}
	}
	r.obs.IncCounter(observability.ReportsDispatched, 1)
	r.obs.IncCounter(observability.ErrorsDispatched, errorCount)
	return nil
}

func (r *Reporter) onAsyncError(err error) {
	if errors.Is(err, domain.ErrTransportClosed) {
		return
	}
	r.obs.IncCounter(observability.ReportsDropped, 1)
	r.obs.LogError("report_dispatch_failed", err, ports.Field{Key: "process", Value: r.sampler.ID()})
}

// Close releases the reduced acknowledgement transport if the Reporter
// created one.
func (r *Reporter) Close() error {
	if r.ownsLog {
		return r.log.Close()
	}
	return nil
}
