package domain

// Schema versions understood by this build. Bump the matching constant and
// register a migration whenever a persisted document changes shape.
const (
	ReportSchemaVersion  = "1.3.0"
	StateSchemaVersion   = "1.4.0"
	MetricsSchemaVersion = "1.3.0"
)

// Document keys under which the singleton documents are written to their
// compacted topics.
const (
	StateKey   = "state"
	MetricsKey = "metrics"
)
