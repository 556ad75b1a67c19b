package publish

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ghalamif/fleetlog/internal/adapters/codec"
	"github.com/ghalamif/fleetlog/internal/adapters/observability"
	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

// Topics names the compacted topics holding the canonical documents.
type Topics struct {
	States  string
	Metrics string
}

// Publisher writes the canonical documents under their constant keys.
type Publisher struct {
	log       ports.Log
	codec     *codec.Codec
	validator ports.DocumentValidator
	topics    Topics
	obs       ports.Observability
	notify    []func(*domain.State, *domain.Metrics)
}

// New returns a Publisher. validator may be nil to skip validation.
func New(log ports.Log, c *codec.Codec, validator ports.DocumentValidator, topics Topics, obs ports.Observability) *Publisher {
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Publisher{log: log, codec: c, validator: validator, topics: topics, obs: obs}
}

// OnPublished registers fn to receive every document pair after it was
// handed to the log. Either document may be nil. fn runs on the publishing
// goroutine and must not block. Register hooks before publishing starts.
func (p *Publisher) OnPublished(fn func(*domain.State, *domain.Metrics)) {
	p.notify = append(p.notify, fn)
}

func (p *Publisher) published(state *domain.State, metrics *domain.Metrics) {
	for _, fn := range p.notify {
		fn(state, metrics)
	}
}

// PublishSync validates both documents and writes them, waiting for the
// log's acknowledgement. Nil documents are skipped. If either document is
// invalid nothing is written.
func (p *Publisher) PublishSync(ctx context.Context, state *domain.State, metrics *domain.Metrics) error {
	recs, err := p.records(state, metrics)
	if err != nil {
		return err
	}
	start := time.Now()
	for _, rec := range recs {
		if err := p.log.Produce(ctx, rec); err != nil {
			return errors.Wrapf(err, "publish %s", rec.Topic)
		}
		p.obs.IncCounter(observability.DocumentsPublished, 1)
	}
	p.obs.ObserveLatency(observability.PublishLatency, time.Since(start).Seconds())
	p.published(state, metrics)
	return nil
}

// PublishAsync is the best-effort variant. Delivery failures are logged;
// a closed transport is ignored.
func (p *Publisher) PublishAsync(state *domain.State, metrics *domain.Metrics) error {
	recs, err := p.records(state, metrics)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		topic := rec.Topic
		p.log.ProduceAsync(rec, func(err error) {
			if errors.Is(err, domain.ErrTransportClosed) {
				return
			}
			p.obs.LogError("document_publish_failed", err, ports.Field{Key: "topic", Value: topic})
		})
		p.obs.IncCounter(observability.DocumentsPublished, 1)
	}
	p.published(state, metrics)
	return nil
}

func (p *Publisher) records(state *domain.State, metrics *domain.Metrics) ([]*ports.Record, error) {
	if p.validator != nil {
		if state != nil {
			if err := p.validator.ValidateState(state); err != nil {
				return nil, err
			}
		}
		if metrics != nil {
			if err := p.validator.ValidateMetrics(metrics); err != nil {
				return nil, err
			}
		}
	}

	var recs []*ports.Record
	if state != nil {
		rec, err := p.record(p.topics.States, domain.StateKey, state)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if metrics != nil {
		rec, err := p.record(p.topics.Metrics, domain.MetricsKey, metrics)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (p *Publisher) record(topic, key string, doc any) (*ports.Record, error) {
	value, headers, err := p.codec.Encode(doc)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", key)
	}
	return &ports.Record{Topic: topic, Key: []byte(key), Value: value, Headers: headers}, nil
}
