// Package engines implements the three write backends behind one contract:
// the REST collection API, Bulk v1 (batch/poll) and Bulk v2 (CSV ingest).
// An engine is created for one object and one operation, splits records
// into batches under the backend's limits, drives them to completion and
// reports progress through the shared event vocabulary.
package engines

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orgmigrate/orgmigrate/internal/domain/events"
	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/sfapi"
	"github.com/orgmigrate/orgmigrate/pkg/constants"
)

// Config carries the script-level knobs the engines honor.
type Config struct {
	BulkThreshold      int
	BulkAPIVersion     int
	BulkAPIV1BatchSize int
	AllOrNone          bool
	RestForced         bool
	PollingInterval    time.Duration
	PollTimeout        time.Duration
	ParallelBulkJobs   int
	ParallelRestJobs   int
}

// Defaults fills unset knobs.
func (c Config) Defaults() Config {
	if c.BulkThreshold == 0 {
		c.BulkThreshold = constants.DefaultBulkThreshold
	}
	if c.BulkAPIVersion == 0 {
		c.BulkAPIVersion = constants.DefaultBulkAPIVersion
	}
	if c.BulkAPIV1BatchSize == 0 {
		c.BulkAPIV1BatchSize = constants.DefaultBulkAPIV1BatchSize
	}
	if c.PollingInterval == 0 {
		c.PollingInterval = constants.DefaultPollingInterval
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = constants.DefaultPollTimeout
	}
	if c.ParallelBulkJobs == 0 {
		c.ParallelBulkJobs = constants.DefaultParallelBulkJobs
	}
	if c.ParallelRestJobs == 0 {
		c.ParallelRestJobs = constants.DefaultParallelRestJobs
	}
	return c
}

// Batch is one prepared unit of submission.
type Batch struct {
	Records []models.SObject
	Columns []string
	CSV     []byte
}

// BatchPlan is the prepared work for one object and operation.
type BatchPlan struct {
	Object          string
	Operation       models.Operation
	ExternalIDField string
	Batches         []Batch
}

// TotalRecords counts records across batches.
func (p *BatchPlan) TotalRecords() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b.Records)
	}
	return n
}

// RecordResult is the per-record outcome of an engine run.
type RecordResult struct {
	Record  models.SObject
	ID      string
	Success bool
	Created bool
	Error   string

	// Unprocessed marks records a bulk job never attempted.
	Unprocessed bool
	// MissingMapping marks bulk insert results the engine could not
	// reconcile back to a submitted record.
	MissingMapping bool
}

// Engine is the common write-backend contract.
type Engine interface {
	Name() string
	PrepareBatches(recs []models.SObject) (*BatchPlan, error)
	Execute(ctx context.Context, plan *BatchPlan) ([]RecordResult, error)
}

// deps is what every engine needs besides its own limits.
type deps struct {
	api *sfapi.Service
	bus *events.Bus
	log *zap.SugaredLogger
	cfg Config
}

func (d deps) emit(ev events.Event) {
	d.bus.Publish(ev)
}

// Select routes one submission to an engine. Objects the bulk APIs reject
// always go to REST; otherwise record count against the bulk threshold
// decides, with bulkApiVersion picking between the two bulk generations.
func Select(object string, op models.Operation, recordCount int, api *sfapi.Service, bus *events.Bus, log *zap.SugaredLogger, cfg Config) Engine {
	cfg = cfg.Defaults()
	d := deps{api: api, bus: bus, log: log, cfg: cfg}
	useBulk := recordCount > cfg.BulkThreshold && !cfg.RestForced && !constants.NotSupportedInBulk[object]
	if !useBulk {
		return &restEngine{deps: d, object: object, operation: op}
	}
	if cfg.BulkAPIVersion == 1 {
		return &bulkV1Engine{deps: d, object: object, operation: op}
	}
	return &bulkV2Engine{deps: d, object: object, operation: op}
}

// wireOperation maps the script operation onto the API verb.
func wireOperation(op models.Operation) string {
	switch op {
	case models.OperationInsert:
		return "insert"
	case models.OperationUpdate:
		return "update"
	case models.OperationUpsert:
		return "upsert"
	case models.OperationDelete:
		return "delete"
	}
	return ""
}
