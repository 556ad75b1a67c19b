package kafka

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

func TestConfigDefaultsAndValidate(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	require.Equal(t, AcksAll, cfg.RequiredAcks)
	require.Equal(t, int16(1), cfg.ReplicationFactor)
	require.Error(t, cfg.Validate(), "brokers are required")

	cfg.Brokers = []string{"localhost:9092"}
	require.NoError(t, cfg.Validate())

	cfg.RequiredAcks = "sometimes"
	require.Error(t, cfg.Validate())

	cfg.RequiredAcks = AcksLeader
	cfg.Idempotent = true
	require.Error(t, cfg.Validate(), "idempotence needs acks=all")
}

func TestParseAcks(t *testing.T) {
	for _, s := range []string{"all", "-1", "leader", "1", "none", "0", "ALL"} {
		_, err := parseAcks(s)
		require.NoError(t, err, s)
	}
	_, err := parseAcks("2")
	require.Error(t, err)
}

func TestRecordMapping(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	rec := &ports.Record{
		Topic:     "reports",
		Key:       []byte("host:1:abc"),
		Value:     []byte("{}"),
		Headers:   map[string]string{"compression": "zstd"},
		Timestamp: ts,
	}
	kr := toKgo(rec)
	require.Equal(t, "reports", kr.Topic)
	require.Len(t, kr.Headers, 1)
	require.Equal(t, "compression", kr.Headers[0].Key)

	kr.Partition = 3
	kr.Offset = 42
	back := fromKgo(kr)
	require.Equal(t, int32(3), back.Partition)
	require.Equal(t, int64(42), back.Offset)
	require.Equal(t, "zstd", back.Headers["compression"])
	require.Equal(t, ts, back.Timestamp)
}

func TestMapErr(t *testing.T) {
	require.NoError(t, mapErr(nil, "x"))
	require.True(t, errors.Is(mapErr(kgo.ErrClientClosed, "x"), domain.ErrTransportClosed))
	require.True(t, errors.Is(mapErr(kerr.UnknownTopicOrPartition, "states"), domain.ErrMissingTopic))

	other := errors.New("boom")
	require.Equal(t, other, mapErr(other, "x"))
}

func TestTopicConfigs(t *testing.T) {
	cfg := topicConfigs(ports.TopicSpec{Name: "states", Compacted: true, Retention: 7 * 24 * time.Hour})
	require.Equal(t, "compact", *cfg["cleanup.policy"])
	require.Equal(t, "604800000", *cfg["retention.ms"])

	require.Empty(t, topicConfigs(ports.TopicSpec{Name: "reports"}))
}

func TestZapLoggerLevels(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := zapLogger{l: zap.New(core)}

	require.Equal(t, kgo.LogLevelInfo, l.Level())
	l.Log(kgo.LogLevelWarn, "metadata refresh failed", "broker", 1)
	l.Log(kgo.LogLevelDebug, "dropped")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "metadata refresh failed", entries[0].Message)
	require.Equal(t, int64(1), entries[0].ContextMap()["broker"])
}
