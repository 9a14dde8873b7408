package constants

import "time"

// API defaults.
const (
	DefaultAPIVersion = "v58.0"

	// DefaultBulkThreshold is the record count above which a batch is routed
	// to a bulk ingest API instead of the REST collection API.
	DefaultBulkThreshold = 200

	// DefaultBulkAPIVersion selects between the two bulk ingest generations.
	DefaultBulkAPIVersion = 2

	// DefaultBulkAPIV1BatchSize is the record count per Bulk v1 batch.
	DefaultBulkAPIV1BatchSize = 9500

	// DefaultRestBatchSize is the collection API maximum per request.
	DefaultRestBatchSize = 200

	// MaxBulkV2CSVBytes bounds the base64 encoding of one ingest chunk.
	MaxBulkV2CSVBytes = 100 * 1024 * 1024

	// MaxWhereClauseLength bounds generated IN (...) clauses; longer value
	// sets are split into several queries.
	MaxWhereClauseLength = 3900

	DefaultPollingInterval        = 5 * time.Second
	DefaultPollTimeout            = 50 * time.Minute
	DefaultRequestTimeout         = 10 * time.Minute
	DefaultControlRequestTimeout  = 2 * time.Minute
	DefaultParallelBinaryDownload = 20
	DefaultParallelBulkJobs       = 1
	DefaultParallelRestJobs       = 1
	DefaultMaxConcurrentRequests  = 10

	// ProgressReportEvery emits a retrieval progress event each time this
	// many rows have been received for one object side.
	ProgressReportEvery = 1000
)

// Cache directory layout relative to the run's base directory.
const (
	BinaryCacheDir        = "binary_cache"
	SourceRecordsCacheDir = "source_records_cache"
	SourceDirName         = "source"
	TargetDirName         = "target"
	ObjectSetDirPrefix    = "object-set-"
)

// Report file names, written to the run root when non-empty.
const (
	MissingParentReportFile = "MissingParentRecordsReport.csv"
	CSVIssuesReportFile     = "CSVIssuesReport.csv"
)
