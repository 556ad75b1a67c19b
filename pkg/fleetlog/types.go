package fleetlog

import (
	"github.com/ghalamif/fleetlog/internal/app/publish"
	"github.com/ghalamif/fleetlog/internal/app/reporter"
	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

// State is the canonical fleet state document.
type State = domain.State

// Metrics is the canonical time-series document.
type Metrics = domain.Metrics

// Report is what a single process sends every reporting interval.
type Report = domain.Report

// Job, ErrorRecord and PartitionStats are what a Tracker is fed with.
type (
	Job            = domain.Job
	ErrorRecord    = domain.ErrorRecord
	PartitionStats = domain.PartitionStats
)

// Tracker accumulates counters and gauges of one worker process. It is safe
// for concurrent use by the worker goroutines.
type Tracker = reporter.Sampler

// Log is the append-only transport reports and documents travel on. Kafka,
// file and in-memory implementations ship with fleetlog.
type Log = ports.Log

// Record is one message on a Log.
type Record = ports.Record

// Subscription selects the topic and consumer group a Log reads.
type Subscription = ports.Subscription

// Observability receives structured logs and metric updates.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// Probe reads process and host resource usage.
type Probe = ports.Probe

// SystemSnapshot is what a Probe returns.
type SystemSnapshot = ports.SystemSnapshot

// ReportValidator checks reports before dispatch and before folding.
type ReportValidator = ports.ReportValidator

// DocumentValidator checks the canonical documents before they are published.
type DocumentValidator = ports.DocumentValidator

// DocumentTopics names the compacted topics holding the canonical documents.
type DocumentTopics = publish.Topics

// Errors callers can match with errors.Is.
var (
	ErrSchemaIncompatible = domain.ErrSchemaIncompatible
	ErrValidation         = domain.ErrValidation
	ErrMissingDocument    = domain.ErrMissingDocument
	ErrMissingTopic       = domain.ErrMissingTopic
	ErrTransportClosed    = domain.ErrTransportClosed
)
