package sysstats

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProbeReadsSelf(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("load average and procfs readings are unix only")
	}
	p, err := New()
	require.NoError(t, err)

	snap, _ := p.Probe(context.Background())
	require.NotZero(t, snap.MemoryUsage, "rss of a running test binary")
	require.NotZero(t, snap.MemorySize)
	require.GreaterOrEqual(t, snap.MemorySize, snap.MemoryUsage)
	require.Positive(t, snap.CPUs)
	require.Positive(t, snap.Threads)
}
