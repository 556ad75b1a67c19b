package ports

import "time"

// Policy controls reporting cadence, liveness and materialization thresholds.
type Policy struct {
	ReportInterval time.Duration `yaml:"report_interval"`
	SyncThreshold  int           `yaml:"sync_threshold"`
	TTL            time.Duration `yaml:"ttl"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
	IdleSleep      time.Duration `yaml:"idle_sleep"`
}
