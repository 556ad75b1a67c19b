package fleetlog

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Process.ID = "worker-1"
	cfg.Metrics.Addr = ""
	cfg.Reporting.Interval = time.Hour
	cfg.Materializer.FlushInterval = 20 * time.Millisecond
	return cfg
}

func TestNewMaterializerWithCustomAdapters(t *testing.T) {
	cfg := testConfig()
	logStub := NewMemoryBroker(cfg).Log(Subscription{Topic: cfg.Topics.Reports, Group: "g"})
	obsStub := &stubObservability{}

	m, err := NewMaterializer(cfg, WithLog(logStub), WithObservability(obsStub), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewMaterializer returned error: %v", err)
	}
	if m.log != logStub {
		t.Fatalf("expected custom log to be used")
	}
	if m.obs != obsStub {
		t.Fatalf("expected custom observability to be used")
	}
	if err := m.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := logStub.Poll(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("a log passed with WithLog must stay open, got %v", err)
	}
}

func TestNewRuntimeRequiresConfig(t *testing.T) {
	if _, err := NewAgent(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
	m, err := NewMaterializer(DefaultConfig(), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("memory driver must open without a transport option: %v", err)
	}
	_ = m.close()
}

func TestAgentAndMaterializerShareMemoryBroker(t *testing.T) {
	cfg := testConfig()
	broker := NewMemoryBroker(cfg)
	nop := WithLogger(zap.NewNop())

	agent, err := NewAgent(cfg, WithMemoryBroker(broker), WithProbe(nil), nop)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	mat, err := NewMaterializer(cfg, WithMemoryBroker(broker), nop)
	if err != nil {
		t.Fatalf("NewMaterializer: %v", err)
	}
	w, updates, closeUpdates := NewChannelWatcher("test", 16)
	defer closeUpdates()
	mat.Watch(w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agentDone := make(chan error, 1)
	matDone := make(chan error, 1)
	go func() { agentDone <- agent.Run(ctx) }()
	go func() { matDone <- mat.Run(ctx) }()

	agent.Tracker().SetWorkers(2)
	agent.Tracker().JobFinished("job-1", 7, time.Millisecond)
	if err := agent.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for found := false; !found; {
		select {
		case u := <-updates:
			found = u.State != nil && u.State.Stats.Totals.Messages == 7
		case <-deadline:
			t.Fatal("no update with the flushed report arrived")
		}
	}

	state, err := mat.Reader().State(ctx)
	if err != nil {
		t.Fatalf("Reader.State: %v", err)
	}
	if _, ok := state.Processes["worker-1"]; !ok || state.Stats.Workers != 2 {
		t.Fatalf("unexpected state %+v", state)
	}
	if _, err := mat.Reader().Metrics(ctx); err != nil {
		t.Fatalf("Reader.Metrics: %v", err)
	}

	cancel()
	for name, ch := range map[string]chan error{"agent": agentDone, "materializer": matDone} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("%s returned %v", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s did not stop", name)
		}
	}
}

func TestReaderDistinguishesMissing(t *testing.T) {
	cfg := testConfig()
	l := NewMemoryBroker(cfg).Log(Subscription{})

	r := NewReader(l, DocumentTopics{States: cfg.Topics.States, Metrics: cfg.Topics.Metrics})
	if _, err := r.State(context.Background()); !errors.Is(err, ErrMissingDocument) {
		t.Fatalf("expected ErrMissingDocument, got %v", err)
	}

	r = NewReader(l, DocumentTopics{States: "nope", Metrics: "nope"})
	if _, err := r.Metrics(context.Background()); !errors.Is(err, ErrMissingTopic) {
		t.Fatalf("expected ErrMissingTopic, got %v", err)
	}
}

func TestRuntimeHandlerServesRegistry(t *testing.T) {
	m, err := NewMaterializer(testConfig(), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewMaterializer: %v", err)
	}
	defer m.close()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "fleetlog_reports_folded_total") {
		t.Fatalf("expected fleetlog collectors in the registry output")
	}
}

type stubObservability struct{}

func (s *stubObservability) LogInfo(string, ...Field)              {}
func (s *stubObservability) LogError(string, error, ...Field)      {}
func (s *stubObservability) LogCritical(string, error, ...Field)   {}
func (s *stubObservability) IncCounter(string, float64)            {}
func (s *stubObservability) ObserveLatency(string, float64)        {}
func (s *stubObservability) SetGauge(string, float64)              {}
func (s *stubObservability) RecordSkipped(string, error, ...Field) {}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := LoadConfig("../../data/config.yaml")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Log.Driver != DriverKafka || !cfg.Kafka.Idempotent {
		t.Fatalf("unexpected config %+v", cfg.Kafka)
	}
	if cfg.Reporting.Interval != 5*time.Second || cfg.Topics.Retention != 168*time.Hour {
		t.Fatalf("durations not decoded: %s %s", cfg.Reporting.Interval, cfg.Topics.Retention)
	}
}
