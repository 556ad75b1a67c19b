package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"go.uber.org/zap/zaptest"

	"github.com/ghalamif/fleetlog/internal/ports"
)

func newCluster(t *testing.T, seed ...string) Config {
	t.Helper()
	c, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, seed...))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return Config{Brokers: c.ListenAddrs(), RequestTimeout: 5 * time.Second}
}

func TestEnsureTopicsToleratesExistingTopics(t *testing.T) {
	cfg := newCluster(t, "reports")
	l, err := New(cfg, ports.Subscription{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	specs := []ports.TopicSpec{
		{Name: "reports", Retention: time.Hour},
		{Name: "states", Compacted: true},
		{Name: "metrics", Compacted: true},
	}
	require.NoError(t, l.EnsureTopics(ctx, specs...))
	// a restarted process runs the same call against existing topics
	require.NoError(t, l.EnsureTopics(ctx, specs...))

	topics, err := l.admin.ListTopics(ctx, "reports", "states", "metrics")
	require.NoError(t, err)
	for _, spec := range specs {
		require.True(t, topics.Has(spec.Name), spec.Name)
	}
}

func TestCloseDeliversBufferedRecords(t *testing.T) {
	cfg := newCluster(t, "reports")
	l, err := New(cfg, ports.Subscription{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer l.Close()

	reduced, err := l.WithReducedAcks()
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		errs []error
	)
	reduced.ProduceAsync(&ports.Record{Topic: "reports", Key: []byte("p1"), Value: []byte(`{"status":"stopped"}`)}, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	})
	require.NoError(t, reduced.Close())

	mu.Lock()
	require.Empty(t, errs)
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := l.Latest(ctx, "reports", []byte("p1"))
	require.NoError(t, err)
	require.Equal(t, `{"status":"stopped"}`, string(rec.Value))
}
