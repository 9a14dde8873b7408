package engines

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orgmigrate/orgmigrate/internal/domain/events"
	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/sfapi"
	"github.com/orgmigrate/orgmigrate/pkg/errors"
)

// bulkV1Engine drives the batch-centric first-generation bulk API: one job
// per object and operation, one CSV batch per chunk, polled to completion.
// Result rows align with request rows by position, so request and result
// are zipped by index.
type bulkV1Engine struct {
	deps
	object    string
	operation models.Operation
}

func (e *bulkV1Engine) Name() string { return "BulkV1" }

func (e *bulkV1Engine) PrepareBatches(recs []models.SObject) (*BatchPlan, error) {
	plan := &BatchPlan{Object: e.object, Operation: e.operation}
	wire := wireRecords(recs)
	batches := chunkByCount(wire, e.cfg.BulkAPIV1BatchSize)
	offset := 0
	for _, b := range batches {
		b.Records = recs[offset : offset+len(b.Records)]
		offset += len(b.Records)
		plan.Batches = append(plan.Batches, b)
	}
	return plan, nil
}

// Execute creates the job and dispatches every prepared batch into it; the
// job-level call is only create-and-dispatch, all processing state lives at
// the batch level.
func (e *bulkV1Engine) Execute(ctx context.Context, plan *BatchPlan) ([]RecordResult, error) {
	e.emit(events.Event{Type: events.OperationStarted, Object: e.object, Operation: string(e.operation), Engine: e.Name()})

	req := sfapi.V1JobRequest{Operation: wireOperation(e.operation), Object: e.object}
	if e.operation == models.OperationUpsert {
		req.ExternalIDFieldName = plan.ExternalIDField
	}
	job, err := e.api.CreateV1Job(ctx, req)
	if err != nil {
		return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "ProcessError", err.Error())
	}
	e.emit(events.Event{Type: events.Open, Object: e.object, Engine: e.Name(), JobID: job.ID})

	// the job takes up to ParallelBulkJobs batches in flight at once
	results := make([][]RecordResult, len(plan.Batches))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ParallelBulkJobs)

	for i := range plan.Batches {
		batch := plan.Batches[i]
		idx := i
		g.Go(func() error {
			res, err := e.executeBatch(gctx, job.ID, batch)
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
		e.api.AbortV1Job(context.WithoutCancel(ctx), job.ID)
		e.emit(events.Event{Type: events.FailedOrAborted, Object: e.object, Engine: e.Name(), JobID: job.ID, Message: err.Error()})
		return nil, err
	}

	var out []RecordResult
	for _, part := range results {
		out = append(out, part...)
	}
	if _, err := e.api.CloseV1Job(ctx, job.ID); err != nil {
		e.log.Warnw("bulk v1 job close failed", "job", job.ID, "error", err)
	}
	e.emit(events.Event{Type: events.OperationFinished, Object: e.object, Engine: e.Name(), JobID: job.ID, Processed: len(out)})
	return out, nil
}

func (e *bulkV1Engine) executeBatch(ctx context.Context, jobID string, batch Batch) ([]RecordResult, error) {
	e.emit(events.Event{Type: events.UploadStart, Object: e.object, Engine: e.Name(), JobID: jobID})
	created, err := e.api.AddV1Batch(ctx, jobID, batch.CSV)
	if err != nil {
		return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "ProcessError", err.Error())
	}
	e.emit(events.Event{Type: events.UploadComplete, Object: e.object, Engine: e.Name(), JobID: jobID, BatchID: created.ID})

	final, err := e.pollBatch(ctx, jobID, created.ID)
	if err != nil {
		return nil, err
	}
	if final.State != sfapi.BatchStateCompleted {
		msg := final.StateMessage
		if msg == "" {
			msg = "batch finished in state " + final.State
		}
		return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "FailedOrAborted", msg)
	}
	e.emit(events.Event{Type: events.JobComplete, Object: e.object, Engine: e.Name(), JobID: jobID, BatchID: created.ID,
		Processed: final.NumberRecordsProcessed, Failed: final.NumberRecordsFailed})

	body, err := e.api.GetV1BatchResult(ctx, jobID, created.ID)
	if err != nil {
		return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "ProcessError", err.Error())
	}
	rows, err := parseResultCSV(body)
	if err != nil {
		return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "ProcessError", err.Error())
	}

	// request and result rows zip by index
	out := make([]RecordResult, 0, len(batch.Records))
	for i, rec := range batch.Records {
		rr := RecordResult{Record: rec}
		if i < len(rows) {
			row := rows[i]
			rr.Success = row.GetString("Success") == "true"
			rr.Created = row.GetString("Created") == "true"
			rr.ID = row.GetString("Id")
			rr.Error = row.GetString("Error")
			if !rr.Success && rr.Error == "" {
				rr.Error = "failed without error message"
			}
		} else {
			rr.Unprocessed = true
			rr.Error = fmt.Sprintf("no result row at index %d", i)
		}
		out = append(out, rr)
	}
	return out, nil
}

func (e *bulkV1Engine) pollBatch(ctx context.Context, jobID, batchID string) (*sfapi.V1Batch, error) {
	deadline := time.Now().Add(e.cfg.PollTimeout)
	for {
		batch, err := e.api.GetV1Batch(ctx, jobID, batchID)
		if err != nil {
			return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "ProcessError", err.Error())
		}
		if batch.Terminal() {
			return batch, nil
		}
		e.emit(events.Event{Type: events.InProgress, Object: e.object, Engine: e.Name(), JobID: jobID, BatchID: batchID,
			Processed: batch.NumberRecordsProcessed, Failed: batch.NumberRecordsFailed})
		if time.Now().After(deadline) {
			return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "FailedOrAborted", "poll timeout exceeded")
		}
		select {
		case <-ctx.Done():
			return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "FailedOrAborted", ctx.Err().Error())
		case <-time.After(e.cfg.PollingInterval):
		}
	}
}
