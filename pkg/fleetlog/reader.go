package fleetlog

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/ghalamif/fleetlog/internal/adapters/codec"
	"github.com/ghalamif/fleetlog/internal/domain"
)

// Reader returns the latest canonical documents from their compacted
// topics. It never writes.
type Reader struct {
	log    Log
	topics DocumentTopics
	codec  *codec.Codec
}

// NewReader reads documents through l. Any compression the materializer used
// is detected from the record headers.
func NewReader(l Log, topics DocumentTopics) *Reader {
	c, _ := codec.New(codec.None)
	return &Reader{log: l, topics: topics, codec: c}
}

// State returns the latest state document. ErrMissingDocument means no
// materializer has published yet; ErrMissingTopic means the topic does not
// exist.
func (r *Reader) State(ctx context.Context) (*State, error) {
	var s State
	if err := r.read(ctx, r.topics.States, domain.StateKey, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Metrics returns the latest metrics document.
func (r *Reader) Metrics(ctx context.Context) (*Metrics, error) {
	var m Metrics
	if err := r.read(ctx, r.topics.Metrics, domain.MetricsKey, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Reader) read(ctx context.Context, topic, key string, out any) error {
	rec, err := r.log.Latest(ctx, topic, []byte(key))
	if err != nil {
		return err
	}
	if err := r.codec.Decode(rec, out); err != nil {
		return errors.Wrapf(err, "decode %s", key)
	}
	return nil
}

// Reader returns a Reader on the materializer's own transport.
func (m *Materializer) Reader() *Reader {
	return NewReader(m.log, DocumentTopics{States: m.cfg.Topics.States, Metrics: m.cfg.Topics.Metrics})
}
