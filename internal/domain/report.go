package domain

// Process types carried in Report.Type.
const (
	ProcessTypeConsumer = "consumer"
	ProcessTypeProducer = "producer"
)

// Process statuses. Only StatusStopped changes aggregation behavior.
const (
	StatusInitialized = "initialized"
	StatusRunning     = "running"
	StatusQuieting    = "quieting"
	StatusStopping    = "stopping"
	StatusStopped     = "stopped"
)

// Report is the point-in-time self description a single process sends every
// reporting interval. Counters under Stats.Total cover the interval since the
// process's previous report.
type Report struct {
	SchemaVersion  string                   `json:"schema_version" validate:"required,schema_version"`
	Type           string                   `json:"type" validate:"required,oneof=consumer producer"`
	DispatchedAt   float64                  `json:"dispatched_at" validate:"gt=0"`
	Process        ProcessInfo              `json:"process"`
	Versions       map[string]string        `json:"versions,omitempty"`
	Stats          ReportStats              `json:"stats"`
	ConsumerGroups map[string]ConsumerGroup `json:"consumer_groups,omitempty" validate:"dive"`
	Jobs           []Job                    `json:"jobs,omitempty" validate:"dive"`
	Errors         []ErrorRecord            `json:"errors,omitempty" validate:"dive"`
}

// ProcessInfo identifies the reporting process and carries its resource usage.
type ProcessInfo struct {
	ID               string     `json:"id" validate:"required"`
	StartedAt        float64    `json:"started_at"`
	Status           string     `json:"status" validate:"required,oneof=initialized running quieting stopping stopped"`
	Listeners        Listeners  `json:"listeners"`
	Workers          int        `json:"workers" validate:"gte=0"`
	MemoryUsage      uint64     `json:"memory_usage"`
	MemoryTotalUsage uint64     `json:"memory_total_usage"`
	MemorySize       uint64     `json:"memory_size"`
	CPUs             int        `json:"cpus"`
	Threads          int        `json:"threads"`
	CPUUsage         [3]float64 `json:"cpu_usage"`
	BytesReceived    uint64     `json:"bytes_received"`
	BytesSent        uint64     `json:"bytes_sent"`
	Tags             []string   `json:"tags,omitempty"`
}

type Listeners struct {
	Active  int `json:"active"`
	Standby int `json:"standby"`
}

// ReportStats holds the live gauges of one process plus the counters accumulated
// since its previous report.
type ReportStats struct {
	Busy        int      `json:"busy" validate:"gte=0"`
	Enqueued    int      `json:"enqueued" validate:"gte=0"`
	Waiting     int      `json:"waiting" validate:"gte=0"`
	Utilization float64  `json:"utilization" validate:"gte=0"`
	Total       Counters `json:"total"`
}

// Counters are additive across reports and processes.
type Counters struct {
	Batches  int64 `json:"batches" validate:"gte=0"`
	Messages int64 `json:"messages" validate:"gte=0"`
	Errors   int64 `json:"errors" validate:"gte=0"`
	Retries  int64 `json:"retries" validate:"gte=0"`
	Dead     int64 `json:"dead" validate:"gte=0"`
	Jobs     int64 `json:"jobs" validate:"gte=0"`
}

// Add folds o into c.
func (c *Counters) Add(o Counters) {
	c.Batches += o.Batches
	c.Messages += o.Messages
	c.Errors += o.Errors
	c.Retries += o.Retries
	c.Dead += o.Dead
	c.Jobs += o.Jobs
}

type ConsumerGroup struct {
	ID                 string                       `json:"id"`
	SubscriptionGroups map[string]SubscriptionGroup `json:"subscription_groups" validate:"dive"`
}

type SubscriptionGroup struct {
	ID     string                `json:"id"`
	State  SubscriptionState     `json:"state"`
	Topics map[string]TopicStats `json:"topics" validate:"dive"`
}

type SubscriptionState struct {
	State           string `json:"state"`
	JoinState       string `json:"join_state"`
	StateAge        int64  `json:"stateage"`
	RebalanceAge    int64  `json:"rebalance_age"`
	RebalanceCount  int64  `json:"rebalance_cnt"`
	RebalanceReason string `json:"rebalance_reason"`
	PollAge         int64  `json:"poll_age"`
}

type TopicStats struct {
	Name       string                    `json:"name"`
	Partitions map[string]PartitionStats `json:"partitions"`
}

// PartitionStats mirrors the per-partition statistics exposed by the Kafka
// client. Negative values mean "not known yet".
type PartitionStats struct {
	ID                   int32  `json:"id"`
	Lag                  int64  `json:"lag"`
	LagDelta             int64  `json:"lag_d"`
	LagStored            int64  `json:"lag_stored"`
	LagStoredDelta       int64  `json:"lag_stored_d"`
	CommittedOffset      int64  `json:"committed_offset"`
	CommittedOffsetFD    int64  `json:"committed_offset_fd"`
	StoredOffset         int64  `json:"stored_offset"`
	StoredOffsetFD       int64  `json:"stored_offset_fd"`
	HiOffset             int64  `json:"hi_offset"`
	HiOffsetFD           int64  `json:"hi_offset_fd"`
	LoOffset             int64  `json:"lo_offset"`
	EOFOffset            int64  `json:"eof_offset"`
	LsOffset             int64  `json:"ls_offset"`
	LsOffsetFD           int64  `json:"ls_offset_fd"`
	FetchState           string `json:"fetch_state"`
	PollState            string `json:"poll_state"`
	PollStateChangeAgeMs int64  `json:"poll_state_ch"`
	Transactional        bool   `json:"transactional"`
}

// Job describes a unit of work currently running in the process.
type Job struct {
	ID                string  `json:"id" validate:"required"`
	Type              string  `json:"type"`
	Consumer          string  `json:"consumer"`
	ConsumerGroup     string  `json:"consumer_group"`
	Topic             string  `json:"topic"`
	Partition         int32   `json:"partition"`
	FirstOffset       int64   `json:"first_offset"`
	LastOffset        int64   `json:"last_offset"`
	CommittedOffset   int64   `json:"committed_offset"`
	Messages          int     `json:"messages"`
	UpdatedAt         float64 `json:"updated_at"`
	StartedAt         float64 `json:"started_at"`
	Status            string  `json:"status"`
	SubscriptionGroup string  `json:"subscription_group_id,omitempty"`
}

// ErrorRecord is a single error observed by the process since its previous report.
type ErrorRecord struct {
	ProcessID  string            `json:"process_id"`
	Type       string            `json:"type" validate:"required"`
	ErrorClass string            `json:"error_class"`
	Message    string            `json:"error_message"`
	Backtrace  string            `json:"backtrace,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	OccurredAt float64           `json:"occurred_at"`
}

// Stopped reports whether the process announced its shutdown.
func (r *Report) Stopped() bool {
	return r.Process.Status == StatusStopped
}

// EachPartition walks the consumer group tree in deterministic order.
func (r *Report) EachPartition(fn func(group, subscription, topic string, p PartitionStats)) {
	for _, g := range sortedKeys(r.ConsumerGroups) {
		cg := r.ConsumerGroups[g]
		for _, s := range sortedKeys(cg.SubscriptionGroups) {
			sg := cg.SubscriptionGroups[s]
			for _, t := range sortedKeys(sg.Topics) {
				ts := sg.Topics[t]
				for _, p := range sortedKeys(ts.Partitions) {
					fn(g, s, t, ts.Partitions[p])
				}
			}
		}
	}
}
