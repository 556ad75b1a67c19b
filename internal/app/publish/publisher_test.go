package publish

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/fleetlog/internal/adapters/codec"
	"github.com/ghalamif/fleetlog/internal/adapters/memlog"
	"github.com/ghalamif/fleetlog/internal/adapters/validation"
	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

var topics = Topics{States: "states", Metrics: "metrics"}

func newPublisher(t *testing.T, c codec.Compression) (*Publisher, *memlog.Broker, *codec.Codec) {
	t.Helper()
	b := memlog.NewBroker(0, topics.States, topics.Metrics)
	cd, err := codec.New(c)
	require.NoError(t, err)
	docs, err := validation.NewDocuments()
	require.NoError(t, err)
	return New(b.Log(ports.Subscription{}), cd, docs, topics, nil), b, cd
}

func TestPublishSyncWritesBothDocuments(t *testing.T) {
	p, b, cd := newPublisher(t, codec.Zstd)
	state := domain.NewState(domain.StateSchemaVersion)
	state.Processes["p1"] = domain.ProcessRecord{DispatchedAt: 1, Offset: 0}
	metrics := domain.NewMetrics(domain.MetricsSchemaVersion)

	require.NoError(t, p.PublishSync(context.Background(), state, metrics))

	recs := b.Records(topics.States)
	require.Len(t, recs, 1)
	require.Equal(t, domain.StateKey, string(recs[0].Key))
	require.Equal(t, "zstd", recs[0].Headers[codec.HeaderCompression])

	var got domain.State
	require.NoError(t, cd.Decode(recs[0], &got))
	require.Equal(t, int64(0), got.Processes["p1"].Offset)
	require.Len(t, b.Records(topics.Metrics), 1)
}

func TestPublishRejectsInvalidWithoutWriting(t *testing.T) {
	p, b, _ := newPublisher(t, codec.None)
	state := domain.NewState("not-semver")
	metrics := domain.NewMetrics(domain.MetricsSchemaVersion)

	err := p.PublishSync(context.Background(), state, metrics)
	require.True(t, errors.Is(err, domain.ErrValidation))
	require.Empty(t, b.Records(topics.States))
	require.Empty(t, b.Records(topics.Metrics))

	require.True(t, errors.Is(p.PublishAsync(state, nil), domain.ErrValidation))
	require.Empty(t, b.Records(topics.States))
}

func TestPublishAsyncSwallowsClosedTransport(t *testing.T) {
	b := memlog.NewBroker(0, topics.States, topics.Metrics)
	cd, err := codec.New(codec.None)
	require.NoError(t, err)
	l := b.Log(ports.Subscription{})
	require.NoError(t, l.Close())

	p := New(l, cd, nil, topics, nil)
	require.NoError(t, p.PublishAsync(domain.NewState(domain.StateSchemaVersion), nil))
	require.Empty(t, b.Records(topics.States))

	err = p.PublishSync(context.Background(), domain.NewState(domain.StateSchemaVersion), nil)
	require.True(t, errors.Is(err, domain.ErrTransportClosed))
}

func TestPublishedHookSeesOnlyWrittenDocuments(t *testing.T) {
	p, _, _ := newPublisher(t, codec.None)
	var seen []*domain.State
	p.OnPublished(func(s *domain.State, m *domain.Metrics) {
		require.Nil(t, m)
		seen = append(seen, s)
	})

	bad := domain.NewState(domain.StateSchemaVersion)
	bad.SchemaState = "bogus"
	require.Error(t, p.PublishSync(context.Background(), bad, nil))
	require.Empty(t, seen)

	good := domain.NewState(domain.StateSchemaVersion)
	require.NoError(t, p.PublishAsync(good, nil))
	require.Equal(t, []*domain.State{good}, seen)
}
