package fleetlog

import (
	"context"
	"time"

	"go.uber.org/zap"

	base "github.com/ghalamif/fleetlog/pkg/fleetlog"
)

// Re-exported errors for convenience.
var (
	ErrSchemaIncompatible = base.ErrSchemaIncompatible
	ErrValidation         = base.ErrValidation
	ErrMissingDocument    = base.ErrMissingDocument
	ErrMissingTopic       = base.ErrMissingTopic
	ErrTransportClosed    = base.ErrTransportClosed
	ErrWatcherClosed      = base.ErrWatcherClosed
	ErrWatcherBehind      = base.ErrWatcherBehind
)

// Type aliases so consumers can import github.com/ghalamif/fleetlog directly.
type (
	Config            = base.Config
	Policy            = base.Policy
	KafkaConfig       = base.KafkaConfig
	TopicsConfig      = base.TopicsConfig
	LogConfig         = base.LogConfig
	MetricsConfig     = base.MetricsConfig
	LoggingConfig     = base.LoggingConfig
	Agent             = base.Agent
	Materializer      = base.Materializer
	Option            = base.Option
	Tracker           = base.Tracker
	Reader            = base.Reader
	Watcher           = base.Watcher
	Update            = base.Update
	UpdateHandler     = base.UpdateHandler
	MemoryBroker      = base.MemoryBroker
	State             = base.State
	Metrics           = base.Metrics
	Report            = base.Report
	Job               = base.Job
	ErrorRecord       = base.ErrorRecord
	PartitionStats    = base.PartitionStats
	Log               = base.Log
	Record            = base.Record
	Subscription      = base.Subscription
	Observability     = base.Observability
	Field             = base.Field
	Probe             = base.Probe
	SystemSnapshot    = base.SystemSnapshot
	ReportValidator   = base.ReportValidator
	DocumentValidator = base.DocumentValidator
	DocumentTopics    = base.DocumentTopics
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func DefaultConfig() *Config {
	return base.DefaultConfig()
}

// Runtimes.
func NewAgent(cfg *Config, opts ...Option) (*Agent, error) {
	return base.NewAgent(cfg, opts...)
}

func NewMaterializer(cfg *Config, opts ...Option) (*Materializer, error) {
	return base.NewMaterializer(cfg, opts...)
}

func OpenLog(ctx context.Context, cfg *Config, sub Subscription, logger *zap.Logger) (Log, func() error, error) {
	return base.OpenLog(ctx, cfg, sub, logger)
}

// Options.
func WithLog(l Log) Option {
	return base.WithLog(l)
}

func WithMemoryBroker(b *MemoryBroker) Option {
	return base.WithMemoryBroker(b)
}

func NewMemoryBroker(cfg *Config) *MemoryBroker {
	return base.NewMemoryBroker(cfg)
}

func WithObservability(obs Observability) Option {
	return base.WithObservability(obs)
}

func WithLogger(l *zap.Logger) Option {
	return base.WithLogger(l)
}

func WithProbe(p Probe) Option {
	return base.WithProbe(p)
}

func WithClock(now func() time.Time) Option {
	return base.WithClock(now)
}

func WithReportValidator(v ReportValidator) Option {
	return base.WithReportValidator(v)
}

func WithDocumentValidator(v DocumentValidator) Option {
	return base.WithDocumentValidator(v)
}

// Reading and watching the canonical documents.
func NewReader(l Log, topics DocumentTopics) *Reader {
	return base.NewReader(l, topics)
}

func NewCallbackWatcher(name string, fn UpdateHandler) Watcher {
	return base.NewCallbackWatcher(name, fn)
}

func NewChannelWatcher(name string, buffer int) (Watcher, <-chan Update, func()) {
	return base.NewChannelWatcher(name, buffer)
}
