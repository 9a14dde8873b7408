package sfapi

import (
	"context"
	"strings"
)

// Bulk v2 job states.
const (
	JobStateOpen           = "Open"
	JobStateUploadComplete = "UploadComplete"
	JobStateInProgress     = "InProgress"
	JobStateCompleted      = "JobComplete"
	JobStateFailed         = "Failed"
	JobStateAborted        = "Aborted"
)

// JobDefinition is the create body for a Bulk v2 ingest job.
type JobDefinition struct {
	Object              string `json:"object,omitempty"`
	Operation           string `json:"operation,omitempty"`
	ExternalIDFieldName string `json:"externalIdFieldName,omitempty"`
	ContentType         string `json:"contentType,omitempty"`
	LineEnding          string `json:"lineEnding,omitempty"`
	ColumnDelimiter     string `json:"columnDelimiter,omitempty"`
}

// Job is the current state of a Bulk v2 ingest job.
type Job struct {
	ID                     string `json:"id,omitempty"`
	Object                 string `json:"object,omitempty"`
	Operation              string `json:"operation,omitempty"`
	ContentURL             string `json:"contentUrl,omitempty"`
	State                  string `json:"state,omitempty"`
	NumberRecordsProcessed int    `json:"numberRecordsProcessed"`
	NumberRecordsFailed    int    `json:"numberRecordsFailed"`
	ErrorMessage           string `json:"errorMessage,omitempty"`
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	switch j.State {
	case JobStateCompleted, JobStateFailed, JobStateAborted:
		return true
	}
	return false
}

// CreateIngestJob opens a Bulk v2 ingest job.
func (sv *Service) CreateIngestJob(ctx context.Context, jd JobDefinition) (*Job, error) {
	if jd.ContentType == "" {
		jd.ContentType = "CSV"
	}
	if jd.LineEnding == "" {
		jd.LineEnding = "LF"
	}
	var job *Job
	err := sv.Call(ctx, "POST", "jobs/ingest", jd, &job)
	return job, err
}

// contentPath makes the job's contentUrl resolvable against the service
// base. The platform returns it host-relative without a leading slash and
// already carrying the services/data prefix, so it must not be appended to
// the base path again.
func contentPath(contentURL string) string {
	if strings.HasPrefix(contentURL, "services/") {
		return "/" + contentURL
	}
	return contentURL
}

// UploadJobData PUTs the CSV body to the job's content url.
func (sv *Service) UploadJobData(ctx context.Context, job *Job, csv []byte) error {
	path := contentPath(job.ContentURL)
	if path == "" {
		path = "jobs/ingest/" + job.ID + "/batches"
	}
	return sv.call(ctx, "PUT", path, csv, nil, callOptions{contentType: "text/csv", longTimeout: true})
}

// CloseJob flips the job to UploadComplete, which starts processing. The
// state PATCH goes to the job url, i.e. the content url without /batches.
func (sv *Service) CloseJob(ctx context.Context, job *Job) (*Job, error) {
	path := contentPath(strings.TrimSuffix(strings.TrimSuffix(job.ContentURL, "/batches"), "/"))
	if path == "" {
		path = "jobs/ingest/" + job.ID
	}
	var out *Job
	err := sv.Call(ctx, "PATCH", path, map[string]string{"state": JobStateUploadComplete}, &out)
	return out, err
}

// AbortJob terminates the job in place.
func (sv *Service) AbortJob(ctx context.Context, jobID string) (*Job, error) {
	var out *Job
	err := sv.Call(ctx, "PATCH", "jobs/ingest/"+jobID, map[string]string{"state": JobStateAborted}, &out)
	return out, err
}

// GetJob polls job state.
func (sv *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var out *Job
	err := sv.Call(ctx, "GET", "jobs/ingest/"+jobID, nil, &out)
	return out, err
}

// IngestResultKind selects one of the three result CSVs of a finished job.
type IngestResultKind string

// Result kinds.
const (
	ResultsSuccessful  IngestResultKind = "successfulResults"
	ResultsFailed      IngestResultKind = "failedResults"
	ResultsUnprocessed IngestResultKind = "unprocessedrecords"
)

// GetIngestResults downloads one result CSV of a finished job.
func (sv *Service) GetIngestResults(ctx context.Context, jobID string, kind IngestResultKind) ([]byte, error) {
	var body []byte
	path := "jobs/ingest/" + jobID + "/" + string(kind) + "/"
	err := sv.call(ctx, "GET", path, nil, &body, callOptions{accept: "text/csv", longTimeout: true})
	return body, err
}
