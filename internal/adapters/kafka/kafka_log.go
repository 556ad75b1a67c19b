package kafka

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

// Acknowledgement levels accepted in Config.RequiredAcks.
const (
	AcksAll    = "all"
	AcksLeader = "leader"
	AcksNone   = "none"
)

// Config configures the franz-go backed log.
type Config struct {
	Brokers           []string      `yaml:"brokers"`
	ClientID          string        `yaml:"client_id"`
	ConsumerGroup     string        `yaml:"consumer_group"`
	RequiredAcks      string        `yaml:"required_acks"`
	Idempotent        bool          `yaml:"idempotent"`
	CreateTopics      bool          `yaml:"create_topics"`
	ReplicationFactor int16         `yaml:"replication_factor"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "fleetlog"
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = AcksAll
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = 1
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if _, err := parseAcks(c.RequiredAcks); err != nil {
		return err
	}
	if c.Idempotent && c.RequiredAcks != AcksAll {
		return errors.Newf("kafka.idempotent requires required_acks=%s, got %q", AcksAll, c.RequiredAcks)
	}
	return nil
}

func parseAcks(s string) (kgo.Acks, error) {
	switch strings.ToLower(s) {
	case AcksAll, "-1":
		return kgo.AllISRAcks(), nil
	case AcksLeader, "1":
		return kgo.LeaderAck(), nil
	case AcksNone, "0":
		return kgo.NoAck(), nil
	default:
		return kgo.Acks{}, errors.Newf("unknown kafka.required_acks %q", s)
	}
}

// Log is a ports.Log on top of a franz-go client and its admin wrapper.
type Log struct {
	cfg    Config
	sub    ports.Subscription
	logger *zap.Logger

	client *kgo.Client
	admin  *kadm.Client
}

// New connects a client for sub. The client joins sub.Group and consumes
// sub.Topic when both are set; otherwise it only produces and reads.
func New(cfg Config, sub ports.Subscription, logger *zap.Logger) (*Log, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := clientOpts(cfg, sub, logger)
	if err != nil {
		return nil, err
	}
	return dial(cfg, sub, logger, opts)
}

func dial(cfg Config, sub ports.Subscription, logger *zap.Logger, opts []kgo.Opt) (*Log, error) {
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "kafka client")
	}
	return &Log{cfg: cfg, sub: sub, logger: logger, client: cl, admin: kadm.NewClient(cl)}, nil
}

func clientOpts(cfg Config, sub ports.Subscription, logger *zap.Logger) ([]kgo.Opt, error) {
	acks, err := parseAcks(cfg.RequiredAcks)
	if err != nil {
		return nil, err
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.WithLogger(zapLogger{l: logger.Named("kgo")}),
		kgo.RequiredAcks(acks),
		kgo.RecordRetries(5),
		kgo.RequestRetries(5),
		kgo.ProduceRequestTimeout(cfg.RequestTimeout),
	}
	if !cfg.Idempotent {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}
	if sub.Topic != "" && sub.Group != "" {
		opts = append(opts,
			kgo.ConsumerGroup(sub.Group),
			kgo.ConsumeTopics(sub.Topic),
			kgo.DisableAutoCommit(),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		)
	}
	return opts, nil
}

// WithReducedAcks returns a produce-only client that does not wait for
// acknowledgements. Idempotent logs return themselves.
func (l *Log) WithReducedAcks() (ports.Log, error) {
	if l.cfg.Idempotent {
		return l, nil
	}
	cfg := l.cfg
	cfg.RequiredAcks = AcksNone
	opts, err := clientOpts(cfg, ports.Subscription{}, l.logger)
	if err != nil {
		return nil, err
	}
	return dial(cfg, ports.Subscription{}, l.logger, opts)
}

func (l *Log) Produce(ctx context.Context, rec *ports.Record) error {
	kr := toKgo(rec)
	if err := l.client.ProduceSync(ctx, kr).FirstErr(); err != nil {
		return mapErr(err, rec.Topic)
	}
	rec.Partition = kr.Partition
	rec.Offset = kr.Offset
	return nil
}

func (l *Log) ProduceAsync(rec *ports.Record, onErr func(error)) {
	l.client.Produce(context.Background(), toKgo(rec), func(_ *kgo.Record, err error) {
		if err != nil && onErr != nil {
			onErr(mapErr(err, rec.Topic))
		}
	})
}

func (l *Log) Poll(ctx context.Context, max int) ([]*ports.Record, error) {
	if l.sub.Topic == "" {
		return nil, nil
	}
	fetches := l.client.PollRecords(ctx, max)
	if fetches.IsClientClosed() {
		return nil, domain.ErrTransportClosed
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(mapErr(fe.Err, fe.Topic), "fetch %s/%d", fe.Topic, fe.Partition)
	}
	var out []*ports.Record
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, fromKgo(r))
	})
	return out, nil
}

func (l *Log) Commit(ctx context.Context, recs []*ports.Record) error {
	if len(recs) == 0 || l.sub.Group == "" {
		return nil
	}
	krs := make([]*kgo.Record, 0, len(recs))
	for _, r := range recs {
		krs = append(krs, &kgo.Record{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, LeaderEpoch: -1})
	}
	return mapErr(l.client.CommitRecords(ctx, krs...), l.sub.Topic)
}

// Latest reads the newest record under key from partition 0 of a compacted
// topic. It only scans the whole partition when the tail record carries a
// different key.
func (l *Log) Latest(ctx context.Context, topic string, key []byte) (*ports.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
	defer cancel()

	ends, err := l.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, mapErr(err, topic)
	}
	end, ok := ends.Lookup(topic, 0)
	if !ok {
		return nil, errors.Wrapf(domain.ErrMissingTopic, "%s", topic)
	}
	if end.Err != nil {
		return nil, mapErr(end.Err, topic)
	}
	starts, err := l.admin.ListStartOffsets(ctx, topic)
	if err != nil {
		return nil, mapErr(err, topic)
	}
	start, _ := starts.Lookup(topic, 0)
	if end.Offset <= start.Offset {
		return nil, errors.Wrapf(domain.ErrMissingDocument, "%s", topic)
	}

	rec, err := l.scan(ctx, topic, key, end.Offset-1, end.Offset)
	if err == nil && rec == nil && end.Offset-1 > start.Offset {
		rec, err = l.scan(ctx, topic, key, start.Offset, end.Offset)
	}
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.Wrapf(domain.ErrMissingDocument, "%s", topic)
	}
	return rec, nil
}

func (l *Log) scan(ctx context.Context, topic string, key []byte, from, to int64) (*ports.Record, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(l.cfg.Brokers...),
		kgo.ClientID(l.cfg.ClientID+"-reader"),
		kgo.WithLogger(zapLogger{l: l.logger.Named("kgo")}),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			topic: {0: kgo.NewOffset().At(from)},
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "kafka reader")
	}
	defer cl.Close()

	var latest *ports.Record
	for {
		fetches := cl.PollFetches(ctx)
		for _, fe := range fetches.Errors() {
			return nil, mapErr(fe.Err, topic)
		}
		done := false
		fetches.EachRecord(func(r *kgo.Record) {
			if string(r.Key) == string(key) {
				latest = fromKgo(r)
			}
			if r.Offset >= to-1 {
				done = true
			}
		})
		if done {
			return latest, nil
		}
	}
}

// EnsureTopics creates the given topics, ignoring ones that already exist.
func (l *Log) EnsureTopics(ctx context.Context, specs ...ports.TopicSpec) error {
	for _, spec := range specs {
		configs := topicConfigs(spec)
		partitions := spec.Partitions
		if partitions <= 0 {
			partitions = 1
		}
		// kadm surfaces the per-topic error code as err as well as resp.Err
		_, err := l.admin.CreateTopic(ctx, partitions, l.cfg.ReplicationFactor, configs, spec.Name)
		switch {
		case errors.Is(err, kerr.TopicAlreadyExists):
			l.logger.Debug("topic_exists", zap.String("topic", spec.Name))
			continue
		case err != nil:
			return errors.Wrapf(err, "create topic %s", spec.Name)
		}
		l.logger.Info("topic_created", zap.String("topic", spec.Name), zap.Bool("compacted", spec.Compacted))
	}
	return nil
}

func topicConfigs(spec ports.TopicSpec) map[string]*string {
	configs := map[string]*string{}
	if spec.Compacted {
		configs["cleanup.policy"] = kadm.StringPtr("compact")
	}
	if spec.Retention > 0 {
		configs["retention.ms"] = kadm.StringPtr(formatMillis(spec.Retention))
	}
	return configs
}

// Close waits up to RequestTimeout for buffered records to be delivered,
// then closes the client.
func (l *Log) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.RequestTimeout)
	defer cancel()
	err := l.client.Flush(ctx)
	l.client.Close()
	if err != nil {
		return errors.Wrap(err, "flush on close")
	}
	return nil
}

func toKgo(rec *ports.Record) *kgo.Record {
	kr := &kgo.Record{Topic: rec.Topic, Key: rec.Key, Value: rec.Value, Timestamp: rec.Timestamp}
	for k, v := range rec.Headers {
		kr.Headers = append(kr.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return kr
}

func fromKgo(r *kgo.Record) *ports.Record {
	rec := &ports.Record{
		Topic:     r.Topic,
		Key:       r.Key,
		Value:     r.Value,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
	}
	if len(r.Headers) > 0 {
		rec.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			rec.Headers[h.Key] = string(h.Value)
		}
	}
	return rec
}

func mapErr(err error, topic string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kgo.ErrClientClosed):
		return domain.ErrTransportClosed
	case errors.Is(err, kerr.UnknownTopicOrPartition):
		return errors.Wrapf(domain.ErrMissingTopic, "%s", topic)
	default:
		return err
	}
}

var (
	_ ports.Log      = (*Log)(nil)
	_ ports.AckTuner = (*Log)(nil)
)
