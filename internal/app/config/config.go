package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ghalamif/fleetlog/internal/adapters/codec"
	"github.com/ghalamif/fleetlog/internal/adapters/kafka"
	"github.com/ghalamif/fleetlog/internal/ports"
)

// Log drivers.
const (
	DriverKafka  = "kafka"
	DriverFile   = "file"
	DriverMemory = "memory"
)

type Config struct {
	Process      ProcessConfig      `yaml:"process"`
	Log          LogConfig          `yaml:"log"`
	Kafka        kafka.Config       `yaml:"kafka"`
	Topics       TopicsConfig       `yaml:"topics"`
	Reporting    ReportingConfig    `yaml:"reporting"`
	Tracking     TrackingConfig     `yaml:"tracking"`
	Materializer MaterializerConfig `yaml:"materializer"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ProcessConfig struct {
	ID   string   `yaml:"id"`
	Tags []string `yaml:"tags"`
}

type LogConfig struct {
	Driver string `yaml:"driver"`
	Dir    string `yaml:"dir"`
	// Retain bounds each in-memory topic. Ignored by other drivers.
	Retain int `yaml:"retain"`
}

type TopicsConfig struct {
	Reports   string        `yaml:"reports"`
	Errors    string        `yaml:"errors"`
	States    string        `yaml:"states"`
	Metrics   string        `yaml:"metrics"`
	Retention time.Duration `yaml:"retention"`
}

type ReportingConfig struct {
	Interval      time.Duration `yaml:"interval"`
	SyncThreshold int           `yaml:"sync_threshold"`
}

type TrackingConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type MaterializerConfig struct {
	Group         string        `yaml:"group"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	IdleSleep     time.Duration `yaml:"idle_sleep"`
	Compression   string        `yaml:"compression"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration for an in-memory deployment.
func Default() *Config {
	cfg := &Config{Log: LogConfig{Driver: DriverMemory}}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.Process.ID == "" {
		c.Process.ID = NewProcessID()
	}
	if c.Log.Driver == "" {
		c.Log.Driver = DriverKafka
	}
	if c.Log.Dir == "" {
		c.Log.Dir = "./data/log"
	}
	if c.Topics.Reports == "" {
		c.Topics.Reports = "fleetlog_reports"
	}
	if c.Topics.Errors == "" {
		c.Topics.Errors = "fleetlog_errors"
	}
	if c.Topics.States == "" {
		c.Topics.States = "fleetlog_states"
	}
	if c.Topics.Metrics == "" {
		c.Topics.Metrics = "fleetlog_metrics"
	}
	if c.Topics.Retention == 0 {
		c.Topics.Retention = 7 * 24 * time.Hour
	}
	if c.Reporting.Interval == 0 {
		c.Reporting.Interval = 5 * time.Second
	}
	if c.Reporting.SyncThreshold == 0 {
		c.Reporting.SyncThreshold = 25
	}
	if c.Tracking.TTL == 0 {
		c.Tracking.TTL = 30 * time.Second
	}
	if c.Materializer.Group == "" {
		c.Materializer.Group = "fleetlog_materializer"
	}
	if c.Materializer.FlushInterval == 0 {
		c.Materializer.FlushInterval = 5 * time.Second
	}
	if c.Materializer.BatchSize == 0 {
		c.Materializer.BatchSize = 500
	}
	if c.Materializer.IdleSleep == 0 {
		c.Materializer.IdleSleep = 250 * time.Millisecond
	}
	if c.Materializer.Compression == "" {
		c.Materializer.Compression = string(codec.Zstd)
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Log.Driver == DriverKafka {
		c.Kafka.ApplyDefaults()
	}
}

func (c *Config) Validate() error {
	switch c.Log.Driver {
	case DriverKafka:
		if err := c.Kafka.Validate(); err != nil {
			return errors.Wrap(err, "kafka config")
		}
	case DriverFile:
		if c.Log.Dir == "" {
			return errors.New("log.dir is required for the file driver")
		}
	case DriverMemory:
	default:
		return errors.Newf("unknown log.driver %q", c.Log.Driver)
	}
	if _, err := codec.ParseCompression(c.Materializer.Compression); err != nil {
		return errors.Wrap(err, "materializer.compression")
	}
	if c.Reporting.Interval < 10*time.Millisecond {
		return errors.Newf("reporting.interval must be at least 10ms, got %s", c.Reporting.Interval)
	}
	if c.Tracking.TTL <= c.Reporting.Interval {
		return errors.Newf("tracking.ttl (%s) must exceed reporting.interval (%s)", c.Tracking.TTL, c.Reporting.Interval)
	}
	if c.Materializer.BatchSize < 0 || c.Reporting.SyncThreshold < 0 {
		return errors.New("batch_size and sync_threshold must not be negative")
	}
	names := map[string]bool{}
	for _, t := range []string{c.Topics.Reports, c.Topics.Errors, c.Topics.States, c.Topics.Metrics} {
		if names[t] {
			return errors.Newf("topic %q is configured twice", t)
		}
		names[t] = true
	}
	return nil
}

// Policy collects the timing thresholds used by the reporter and materializer.
func (c *Config) Policy() ports.Policy {
	return ports.Policy{
		ReportInterval: c.Reporting.Interval,
		SyncThreshold:  c.Reporting.SyncThreshold,
		TTL:            c.Tracking.TTL,
		FlushInterval:  c.Materializer.FlushInterval,
		MaxBatchSize:   c.Materializer.BatchSize,
		IdleSleep:      c.Materializer.IdleSleep,
	}
}

// TopicSpecs describes the topics the pipeline writes to. The document topics
// are single-partition and compacted.
func (c *Config) TopicSpecs() []ports.TopicSpec {
	return []ports.TopicSpec{
		{Name: c.Topics.Reports, Partitions: 1, Retention: c.Topics.Retention},
		{Name: c.Topics.Errors, Partitions: 1, Retention: c.Topics.Retention},
		{Name: c.Topics.States, Partitions: 1, Compacted: true, Retention: c.Topics.Retention},
		{Name: c.Topics.Metrics, Partitions: 1, Compacted: true, Retention: c.Topics.Retention},
	}
}

// NewProcessID returns hostname:pid:<8 hex chars>.
func NewProcessID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}
