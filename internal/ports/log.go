package ports

import (
	"context"
	"time"
)

// Record is one message on the log.
type Record struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Subscription selects the topic a Log consumes and the group it commits for.
// A zero Subscription means the Log only produces and reads.
type Subscription struct {
	Topic string
	Group string
}

// Log is the append-only transport the pipeline runs on. Reports travel on it
// and the canonical documents are persisted back to it.
type Log interface {
	// Produce blocks until the record is acknowledged.
	Produce(ctx context.Context, rec *Record) error
	// ProduceAsync hands the record off without waiting. onErr, if non-nil,
	// receives delivery failures.
	ProduceAsync(rec *Record, onErr func(error))
	// Poll blocks until records are available on the subscription or ctx is done.
	Poll(ctx context.Context, max int) ([]*Record, error)
	// Commit marks the given records as processed for the subscription group.
	Commit(ctx context.Context, recs []*Record) error
	// Latest returns the newest record stored under key in topic.
	Latest(ctx context.Context, topic string, key []byte) (*Record, error)
	Close() error
}

// AckTuner is implemented by transports that can hand out a variant with a
// reduced acknowledgement level. Strict transports return themselves.
type AckTuner interface {
	WithReducedAcks() (Log, error)
}

// TopicSpec describes a topic the pipeline expects to exist.
type TopicSpec struct {
	Name       string
	Partitions int32
	Compacted  bool
	Retention  time.Duration
}
