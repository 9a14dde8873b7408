package engines

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/orgmigrate/orgmigrate/internal/domain/events"
	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/sfapi"
	"github.com/orgmigrate/orgmigrate/pkg/constants"
	"github.com/orgmigrate/orgmigrate/pkg/errors"
)

// restEngine writes through the collections API, one request per batch.
// Results map back to records positionally.
type restEngine struct {
	deps
	object    string
	operation models.Operation
}

func (e *restEngine) Name() string { return "REST" }

func (e *restEngine) PrepareBatches(recs []models.SObject) (*BatchPlan, error) {
	plan := &BatchPlan{Object: e.object, Operation: e.operation}
	for i := 0; i < len(recs); i += constants.DefaultRestBatchSize {
		end := i + constants.DefaultRestBatchSize
		if end > len(recs) {
			end = len(recs)
		}
		plan.Batches = append(plan.Batches, Batch{Records: recs[i:end]})
	}
	return plan, nil
}

func (e *restEngine) Execute(ctx context.Context, plan *BatchPlan) ([]RecordResult, error) {
	e.emit(events.Event{Type: events.OperationStarted, Object: e.object, Operation: string(e.operation), Engine: e.Name()})
	e.emit(events.Event{Type: events.Open, Object: e.object, Engine: e.Name()})

	results := make([][]RecordResult, len(plan.Batches))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ParallelRestJobs)

	for i := range plan.Batches {
		batch := plan.Batches[i]
		idx := i
		g.Go(func() error {
			res, err := e.executeBatch(gctx, plan, batch)
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
		return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "FailedOrAborted", err.Error())
	}

	var out []RecordResult
	for _, part := range results {
		out = append(out, part...)
	}
	e.emit(events.Event{Type: events.OperationFinished, Object: e.object, Engine: e.Name(), Processed: len(out)})
	return out, nil
}

func (e *restEngine) executeBatch(ctx context.Context, plan *BatchPlan, batch Batch) ([]RecordResult, error) {
	var responses []sfapi.OpResponse
	var err error
	switch e.operation {
	case models.OperationInsert:
		responses, err = e.api.CreateRecords(ctx, e.object, e.cfg.AllOrNone, wireRecords(batch.Records))
	case models.OperationUpdate:
		responses, err = e.api.UpdateRecords(ctx, e.object, e.cfg.AllOrNone, wireRecords(batch.Records))
	case models.OperationUpsert:
		responses, err = e.api.UpsertRecords(ctx, e.object, e.cfg.AllOrNone, plan.ExternalIDField, wireRecords(batch.Records))
	case models.OperationDelete:
		ids := make([]string, 0, len(batch.Records))
		for _, rec := range batch.Records {
			ids = append(ids, rec.ID())
		}
		responses, err = e.api.DeleteRecords(ctx, e.cfg.AllOrNone, ids)
	default:
		return nil, errors.NewApiOperationFailedError(e.object, string(e.operation), "ProcessError", "unsupported operation")
	}
	if err != nil {
		return nil, err
	}

	out := make([]RecordResult, 0, len(batch.Records))
	for i, rec := range batch.Records {
		rr := RecordResult{Record: rec}
		if i < len(responses) {
			resp := responses[i]
			rr.Success = resp.Success
			rr.Created = resp.Created
			rr.ID = resp.ID
			rr.Error = resp.FirstError()
		} else {
			rr.Error = "no response for record"
		}
		out = append(out, rr)
	}
	return out, nil
}

// wireRecords strips internal slots and nested relationship records before
// submission.
func wireRecords(recs []models.SObject) []models.SObject {
	out := make([]models.SObject, len(recs))
	for i, r := range recs {
		out[i] = r.WireCopy()
	}
	return out
}
