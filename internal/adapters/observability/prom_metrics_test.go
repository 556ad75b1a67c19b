package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ghalamif/fleetlog/internal/ports"
)

func TestPromObsMetrics(t *testing.T) {
	origReg := prometheus.DefaultRegisterer
	origGatherer := prometheus.DefaultGatherer
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGatherer
	})

	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	obs := NewPromObs(nil)

	obs.IncCounter(ReportsFolded, 5)
	if got := testutil.ToFloat64(obs.counters[ReportsFolded]); got != 5 {
		t.Fatalf("expected folded counter 5, got %f", got)
	}

	obs.IncCounter("not_a_metric", 2)

	obs.SetGauge(ProcessesLive, 42)
	if got := testutil.ToFloat64(obs.gauges[ProcessesLive]); got != 42 {
		t.Fatalf("expected processes gauge 42, got %f", got)
	}

	obs.ObserveLatency(PublishLatency, 0.5)
	hCollector := obs.histos[PublishLatency].(prometheus.Collector)
	if samples := testutil.CollectAndCount(hCollector); samples != 1 {
		t.Fatalf("expected publish histogram to record 1 sample, got %d", samples)
	}

	obs.RecordSkipped("older_schema", nil)
	if got := testutil.ToFloat64(obs.counters[ReportsSkipped]); got != 1 {
		t.Fatalf("expected skipped counter 1, got %f", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != len(obs.counters)+len(obs.gauges)+len(obs.histos) {
		t.Fatalf("expected every collector registered, got %d families", len(families))
	}
}

func TestPromObsLogsThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	obs := NewPromObsWith(prometheus.NewRegistry(), zap.New(core))

	obs.LogInfo("materializer_started", ports.Field{Key: "group", Value: "fleetlog"})
	obs.LogError("publish_failed", errors.New("broker down"), ports.Field{Key: "topic", Value: "states"})
	obs.RecordSkipped("decode", errors.New("bad json"), ports.Field{Key: "offset", Value: int64(7)})

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(entries))
	}
	if entries[0].Message != "materializer_started" || entries[0].ContextMap()["group"] != "fleetlog" {
		t.Fatalf("unexpected info entry: %+v", entries[0])
	}
	if entries[1].Level != zapcore.ErrorLevel || entries[1].ContextMap()["error"] != "broker down" {
		t.Fatalf("unexpected error entry: %+v", entries[1])
	}
	if entries[2].Message != "report_skipped" || entries[2].ContextMap()["reason"] != "decode" {
		t.Fatalf("unexpected skipped entry: %+v", entries[2])
	}
}

func TestNewLoggerParsesLevel(t *testing.T) {
	logger, err := NewLogger("warn", false, "fleetlog")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info must be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("error must be enabled at warn level")
	}

	if _, err := NewLogger("loud", true, ""); err == nil {
		t.Fatalf("expected an error for an unknown level")
	}
}
