package fleetlog

import (
	"github.com/ghalamif/fleetlog/internal/adapters/kafka"
	"github.com/ghalamif/fleetlog/internal/app/config"
	"github.com/ghalamif/fleetlog/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// Policy controls reporting cadence, liveness and flush thresholds.
	Policy = ports.Policy
	// KafkaConfig configures the franz-go transport.
	KafkaConfig = kafka.Config
	// TopicsConfig names the four topics the pipeline uses.
	TopicsConfig = config.TopicsConfig
	// LogConfig selects the transport driver.
	LogConfig = config.LogConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// LoggingConfig configures the zap logger.
	LoggingConfig = config.LoggingConfig
)

// Log drivers accepted in LogConfig.Driver.
const (
	DriverKafka  = config.DriverKafka
	DriverFile   = config.DriverFile
	DriverMemory = config.DriverMemory
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns a validated configuration for an in-memory deployment.
func DefaultConfig() *Config {
	return config.Default()
}
