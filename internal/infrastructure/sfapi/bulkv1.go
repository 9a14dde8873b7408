package sfapi

import (
	"context"
	"fmt"
)

// Bulk v1 batch states.
const (
	BatchStateQueued       = "Queued"
	BatchStateInProgress   = "InProgress"
	BatchStateCompleted    = "Completed"
	BatchStateFailed       = "Failed"
	BatchStateNotProcessed = "NotProcessed"
)

// V1JobRequest is the create body for a Bulk v1 job.
type V1JobRequest struct {
	Operation           string `json:"operation"`
	Object              string `json:"object"`
	ContentType         string `json:"contentType"`
	ConcurrencyMode     string `json:"concurrencyMode,omitempty"`
	ExternalIDFieldName string `json:"externalIdFieldName,omitempty"`
}

// V1Job is the state of a Bulk v1 job.
type V1Job struct {
	ID                     string `json:"id"`
	Object                 string `json:"object,omitempty"`
	Operation              string `json:"operation,omitempty"`
	State                  string `json:"state,omitempty"`
	NumberBatchesQueued    int    `json:"numberBatchesQueued,omitempty"`
	NumberBatchesCompleted int    `json:"numberBatchesCompleted,omitempty"`
	NumberBatchesFailed    int    `json:"numberBatchesFailed,omitempty"`
}

// V1Batch is the state of one batch inside a Bulk v1 job.
type V1Batch struct {
	ID                     string `json:"id"`
	JobID                  string `json:"jobId,omitempty"`
	State                  string `json:"state,omitempty"`
	StateMessage           string `json:"stateMessage,omitempty"`
	NumberRecordsProcessed int    `json:"numberRecordsProcessed"`
	NumberRecordsFailed    int    `json:"numberRecordsFailed"`
}

// Terminal reports whether the batch reached a final state.
func (b *V1Batch) Terminal() bool {
	switch b.State {
	case BatchStateCompleted, BatchStateFailed, BatchStateNotProcessed:
		return true
	}
	return false
}

// CreateV1Job opens a Bulk v1 job with Parallel concurrency.
func (sv *Service) CreateV1Job(ctx context.Context, req V1JobRequest) (*V1Job, error) {
	if req.ContentType == "" {
		req.ContentType = "CSV"
	}
	if req.ConcurrencyMode == "" {
		req.ConcurrencyMode = "Parallel"
	}
	var job *V1Job
	err := sv.call(ctx, "POST", "job", req, &job, callOptions{async: true})
	return job, err
}

// AddV1Batch uploads one CSV batch into the job.
func (sv *Service) AddV1Batch(ctx context.Context, jobID string, csv []byte) (*V1Batch, error) {
	var batch *V1Batch
	path := fmt.Sprintf("job/%s/batch", jobID)
	err := sv.call(ctx, "POST", path, csv, &batch, callOptions{async: true, contentType: "text/csv", longTimeout: true})
	return batch, err
}

// CloseV1Job marks the job closed so no further batches are accepted.
func (sv *Service) CloseV1Job(ctx context.Context, jobID string) (*V1Job, error) {
	var job *V1Job
	err := sv.call(ctx, "POST", "job/"+jobID, map[string]string{"state": "Closed"}, &job, callOptions{async: true})
	return job, err
}

// AbortV1Job terminates the job in place.
func (sv *Service) AbortV1Job(ctx context.Context, jobID string) (*V1Job, error) {
	var job *V1Job
	err := sv.call(ctx, "POST", "job/"+jobID, map[string]string{"state": "Aborted"}, &job, callOptions{async: true})
	return job, err
}

// GetV1Batch polls one batch's state.
func (sv *Service) GetV1Batch(ctx context.Context, jobID, batchID string) (*V1Batch, error) {
	var batch *V1Batch
	path := fmt.Sprintf("job/%s/batch/%s", jobID, batchID)
	err := sv.call(ctx, "GET", path, nil, &batch, callOptions{async: true})
	return batch, err
}

// GetV1BatchResult downloads the result CSV for one batch; rows align
// positionally with the request CSV.
func (sv *Service) GetV1BatchResult(ctx context.Context, jobID, batchID string) ([]byte, error) {
	var body []byte
	path := fmt.Sprintf("job/%s/batch/%s/result", jobID, batchID)
	err := sv.call(ctx, "GET", path, nil, &body, callOptions{async: true, accept: "text/csv", longTimeout: true})
	return body, err
}
