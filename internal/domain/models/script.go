package models

import (
	"strings"
	"time"

	"github.com/orgmigrate/orgmigrate/pkg/constants"
)

// Operation is the declared reconciliation mode for one object.
type Operation string

// Operations supported by the engine.
const (
	OperationInsert   Operation = "Insert"
	OperationUpdate   Operation = "Update"
	OperationUpsert   Operation = "Upsert"
	OperationDelete   Operation = "Delete"
	OperationReadonly Operation = "Readonly"
)

// ParseOperation normalizes the script spelling of an operation.
func ParseOperation(s string) (Operation, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert":
		return OperationInsert, true
	case "update":
		return OperationUpdate, true
	case "upsert":
		return OperationUpsert, true
	case "delete":
		return OperationDelete, true
	case "readonly", "":
		return OperationReadonly, true
	}
	return "", false
}

// CacheMode selects how query results and binary data are cached.
type CacheMode string

// Cache modes.
const (
	CacheInMemory  CacheMode = "InMemory"
	CacheFile      CacheMode = "FileCache"
	CacheCleanFile CacheMode = "CleanFileCache"
)

// Org is one connected organization or the file medium.
type Org struct {
	Name        string `json:"name"`
	InstanceURL string `json:"instanceUrl,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

// IsFile reports whether the org entry denotes CSV files on disk.
func (o *Org) IsFile() bool {
	return strings.EqualFold(o.Name, "csvfile") || o.InstanceURL == ""
}

// FieldMappingItem renames an object or one of its fields on the target.
type FieldMappingItem struct {
	TargetObject string `json:"targetObject,omitempty"`
	SourceField  string `json:"sourceField,omitempty"`
	TargetField  string `json:"targetField,omitempty"`
}

// MockField requests anonymization of one field at write time.
type MockField struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
}

// ScriptObject is one objects[] entry of the migration script.
type ScriptObject struct {
	Query               string             `json:"query"`
	DeleteQuery         string             `json:"deleteQuery,omitempty"`
	Operation           string             `json:"operation"`
	ExternalID          string             `json:"externalId,omitempty"`
	DeleteOldData       bool               `json:"deleteOldData,omitempty"`
	AllRecords          *bool              `json:"allRecords,omitempty"`
	MultiselectPattern  string             `json:"multiselectPattern,omitempty"`
	ExcludedFields      []string           `json:"excludedFields,omitempty"`
	FieldMapping        []FieldMappingItem `json:"fieldMapping,omitempty"`
	MockFields          []MockField        `json:"mockFields,omitempty"`
	TargetRecordsFilter string             `json:"targetRecordsFilter,omitempty"`
	UseCSVValuesMapping bool               `json:"useCSVValuesMapping,omitempty"`
}

// ObjectSet groups objects into one isolated sub-job.
type ObjectSet struct {
	Objects []ScriptObject `json:"objects"`
}

// Script is the declarative migration document.
type Script struct {
	Orgs       []Org          `json:"orgs"`
	Objects    []ScriptObject `json:"objects,omitempty"`
	ObjectSets []ObjectSet    `json:"objectSets,omitempty"`

	PollingIntervalMs           int    `json:"pollingIntervalMs,omitempty"`
	BulkThreshold               int    `json:"bulkThreshold,omitempty"`
	BulkAPIVersion              int    `json:"bulkApiVersion,omitempty"`
	BulkAPIV1BatchSize          int    `json:"bulkApiV1BatchSize,omitempty"`
	AllOrNone                   bool   `json:"allOrNone,omitempty"`
	APIVersion                  string `json:"apiVersion,omitempty"`
	ImportCSVFilesAsIs          bool   `json:"importCSVFilesAsIs,omitempty"`
	KeepObjectOrderWhileExecute bool   `json:"keepObjectOrderWhileExecute,omitempty"`
	CreateTargetCSVFiles        bool   `json:"createTargetCSVFiles,omitempty"`
	BinaryDataCache             string `json:"binaryDataCache,omitempty"`
	SourceRecordsCache          string `json:"sourceRecordsCache,omitempty"`
	ParallelBinaryDownloads     int    `json:"parallelBinaryDownloads,omitempty"`
	ParallelBulkJobs            int    `json:"parallelBulkJobs,omitempty"`
	ParallelRestJobs            int    `json:"parallelRestJobs,omitempty"`
	PromptOnIssues              bool   `json:"promptOnIssuesInCSVFiles,omitempty"`
}

// EffectiveObjectSets folds the legacy flat objects[] list into the
// objectSets form; every run is a sequence of sets.
func (s *Script) EffectiveObjectSets() []ObjectSet {
	if len(s.ObjectSets) > 0 {
		return s.ObjectSets
	}
	if len(s.Objects) > 0 {
		return []ObjectSet{{Objects: s.Objects}}
	}
	return nil
}

// PollingInterval returns the poll loop interval.
func (s *Script) PollingInterval() time.Duration {
	if s.PollingIntervalMs > 0 {
		return time.Duration(s.PollingIntervalMs) * time.Millisecond
	}
	return constants.DefaultPollingInterval
}

// EffectiveBulkThreshold returns the REST/bulk routing threshold.
func (s *Script) EffectiveBulkThreshold() int {
	if s.BulkThreshold > 0 {
		return s.BulkThreshold
	}
	return constants.DefaultBulkThreshold
}

// EffectiveBulkAPIVersion returns 1 or 2.
func (s *Script) EffectiveBulkAPIVersion() int {
	if s.BulkAPIVersion == 1 {
		return 1
	}
	return constants.DefaultBulkAPIVersion
}

// EffectiveAPIVersion returns the REST API version path segment.
func (s *Script) EffectiveAPIVersion() string {
	if s.APIVersion != "" {
		if !strings.HasPrefix(s.APIVersion, "v") {
			return "v" + s.APIVersion
		}
		return s.APIVersion
	}
	return constants.DefaultAPIVersion
}

// BinaryCacheMode returns the parsed binary cache mode.
func (s *Script) BinaryCacheMode() CacheMode {
	return parseCacheMode(s.BinaryDataCache)
}

// SourceCacheMode returns the parsed source records cache mode.
func (s *Script) SourceCacheMode() CacheMode {
	return parseCacheMode(s.SourceRecordsCache)
}

func parseCacheMode(s string) CacheMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "filecache":
		return CacheFile
	case "cleanfilecache":
		return CacheCleanFile
	default:
		return CacheInMemory
	}
}
