package engines

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orgmigrate/orgmigrate/internal/domain/events"
	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/sfapi"
	"github.com/orgmigrate/orgmigrate/pkg/constants"
	"github.com/orgmigrate/orgmigrate/pkg/errors"
)

// bulkV2Engine ingests CSV chunks through the Bulk v2 job lifecycle:
// create, upload, close, poll, then join the three result sets back to the
// submitted records.
type bulkV2Engine struct {
	deps
	object    string
	operation models.Operation
}

func (e *bulkV2Engine) Name() string { return "BulkV2" }

func (e *bulkV2Engine) PrepareBatches(recs []models.SObject) (*BatchPlan, error) {
	plan := &BatchPlan{Object: e.object, Operation: e.operation}
	wire := wireRecords(recs)
	// keep the original records aligned with their wire copies
	batches := chunkByEncodedSize(wire, constants.MaxBulkV2CSVBytes, 1000)
	offset := 0
	for _, b := range batches {
		b.Records = recs[offset : offset+len(b.Records)]
		offset += len(b.Records)
		plan.Batches = append(plan.Batches, b)
	}
	return plan, nil
}

func (e *bulkV2Engine) Execute(ctx context.Context, plan *BatchPlan) ([]RecordResult, error) {
	e.emit(events.Event{Type: events.OperationStarted, Object: e.object, Operation: string(e.operation), Engine: e.Name()})

	// one job per chunk, up to ParallelBulkJobs of them in flight
	results := make([][]RecordResult, len(plan.Batches))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ParallelBulkJobs)

	for i := range plan.Batches {
		batch := plan.Batches[i]
		idx := i
		g.Go(func() error {
			res, err := e.executeChunk(gctx, plan, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			results[idx] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.emit(events.Event{Type: events.FailedOrAborted, Object: e.object, Engine: e.Name(), Message: err.Error()})
		return nil, err
	}

	var out []RecordResult
	for _, part := range results {
		out = append(out, part...)
	}
	e.emit(events.Event{Type: events.OperationFinished, Object: e.object, Engine: e.Name(), Processed: len(out)})
	return out, nil
}

func (e *bulkV2Engine) executeChunk(ctx context.Context, plan *BatchPlan, batch Batch) ([]RecordResult, error) {
	jd := sfapi.JobDefinition{
		Object:    e.object,
		Operation: wireOperation(e.operation),
	}
	if e.operation == models.OperationUpsert {
		jd.ExternalIDFieldName = plan.ExternalIDField
	}
	job, err := e.api.CreateIngestJob(ctx, jd)
	if err != nil {
		return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "ProcessError", err.Error())
	}
	e.emit(events.Event{Type: events.Open, Object: e.object, Engine: e.Name(), JobID: job.ID})

	e.emit(events.Event{Type: events.UploadStart, Object: e.object, Engine: e.Name(), JobID: job.ID})
	if err := e.api.UploadJobData(ctx, job, batch.CSV); err != nil {
		return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "ProcessError", err.Error())
	}
	if _, err := e.api.CloseJob(ctx, job); err != nil {
		return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "ProcessError", err.Error())
	}
	e.emit(events.Event{Type: events.UploadComplete, Object: e.object, Engine: e.Name(), JobID: job.ID})

	final, err := e.poll(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if final.State != sfapi.JobStateCompleted {
		msg := final.ErrorMessage
		if msg == "" {
			msg = "job finished in state " + final.State
		}
		e.emit(events.Event{Type: events.FailedOrAborted, Object: e.object, Engine: e.Name(), JobID: job.ID, Message: msg})
		return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "FailedOrAborted", msg)
	}
	e.emit(events.Event{Type: events.JobComplete, Object: e.object, Engine: e.Name(), JobID: job.ID,
		Processed: final.NumberRecordsProcessed, Failed: final.NumberRecordsFailed})

	return e.collectResults(ctx, job.ID, batch)
}

// poll waits for the job to reach a terminal state, emitting InProgress
// along the way. On timeout the job is aborted in place.
func (e *bulkV2Engine) poll(ctx context.Context, jobID string) (*sfapi.Job, error) {
	deadline := time.Now().Add(e.cfg.PollTimeout)
	for {
		job, err := e.api.GetJob(ctx, jobID)
		if err != nil {
			return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "ProcessError", err.Error())
		}
		if job.Terminal() {
			return job, nil
		}
		e.emit(events.Event{Type: events.InProgress, Object: e.object, Engine: e.Name(), JobID: jobID,
			Processed: job.NumberRecordsProcessed, Failed: job.NumberRecordsFailed})
		if time.Now().After(deadline) {
			e.api.AbortJob(ctx, jobID)
			return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "FailedOrAborted", "poll timeout exceeded")
		}
		select {
		case <-ctx.Done():
			e.api.AbortJob(context.WithoutCancel(ctx), jobID)
			return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "FailedOrAborted", ctx.Err().Error())
		case <-time.After(e.cfg.PollingInterval):
		}
	}
}

// collectResults joins successfulResults, failedResults and
// unprocessedrecords back to the submitted batch. Inserts reconcile by
// content hash, updates and deletes by Id.
func (e *bulkV2Engine) collectResults(ctx context.Context, jobID string, batch Batch) ([]RecordResult, error) {
	read := func(kind sfapi.IngestResultKind) ([]models.SObject, error) {
		body, err := e.api.GetIngestResults(ctx, jobID, kind)
		if err != nil {
			return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "ProcessError", err.Error())
		}
		rows, err := parseResultCSV(body)
		if err != nil {
			return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "ProcessError", err.Error())
		}
		return rows, nil
	}
	succeeded, err := read(sfapi.ResultsSuccessful)
	if err != nil {
		return nil, err
	}
	failed, err := read(sfapi.ResultsFailed)
	if err != nil {
		return nil, err
	}
	unprocessed, err := read(sfapi.ResultsUnprocessed)
	if err != nil {
		return nil, err
	}

	byContent := e.operation == models.OperationInsert
	var hashIdx *hashIndex
	var idIdx map[string]int
	if byContent {
		hashIdx = newHashIndex(batch.Records, batch.Columns)
	} else {
		idIdx = newByIDIndex(batch.Records)
	}
	matched := make([]bool, len(batch.Records))

	resolve := func(row models.SObject) int {
		if byContent {
			pos, ok := hashIdx.claim(row, batch.Columns)
			if !ok {
				return -1
			}
			matched[pos] = true
			return pos
		}
		pos, ok := idIdx[row.GetString("sf__Id")]
		if !ok {
			pos, ok = idIdx[row.ID()]
		}
		if !ok {
			return -1
		}
		matched[pos] = true
		return pos
	}

	var out []RecordResult
	for _, row := range succeeded {
		rr := RecordResult{Success: true, ID: row.GetString("sf__Id"), Created: row.GetString("sf__Created") == "true"}
		if rr.ID == "" {
			rr.ID = row.ID()
		}
		if pos := resolve(row); pos >= 0 {
			rr.Record = batch.Records[pos]
		} else {
			rr.MissingMapping = true
		}
		out = append(out, rr)
	}
	for _, row := range failed {
		rr := RecordResult{Error: row.GetString("sf__Error")}
		if rr.Error == "" {
			rr.Error = "failed without error message"
		}
		if pos := resolve(row); pos >= 0 {
			rr.Record = batch.Records[pos]
		} else {
			rr.MissingMapping = true
		}
		out = append(out, rr)
	}
	for _, row := range unprocessed {
		rr := RecordResult{Unprocessed: true, Error: "record not processed"}
		if pos := resolve(row); pos >= 0 {
			rr.Record = batch.Records[pos]
		} else {
			rr.MissingMapping = true
		}
		out = append(out, rr)
	}

	// Submitted records absent from every result set are reported as
	// unreconciled so the batch always accounts for
	// succeeded + failed + unprocessed + missingSourceTargetMapping.
	for i, rec := range batch.Records {
		if !matched[i] {
			out = append(out, RecordResult{Record: rec, MissingMapping: true, Error: "no result row reconciled"})
		}
	}
	return out, nil
}
