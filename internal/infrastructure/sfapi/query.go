package sfapi

import (
	"context"
	"fmt"
	"net/url"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
)

// queryResponse is one page of query results.
type queryResponse struct {
	TotalSize      int              `json:"totalSize,omitempty"`
	Done           bool             `json:"done,omitempty"`
	NextRecordsURL string           `json:"nextRecordsUrl,omitempty"`
	Records        []models.SObject `json:"records"`
}

// RowFunc receives each record as it streams in. Returning an error stops
// the query.
type RowFunc func(models.SObject) error

// QueryRecords runs the query and returns all records, following
// nextRecordsUrl pages.
func (sv *Service) QueryRecords(ctx context.Context, soql string) ([]models.SObject, error) {
	var out []models.SObject
	err := sv.QueryStream(ctx, soql, func(rec models.SObject) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

// QueryStream runs the query and feeds records to row one page at a time.
func (sv *Service) QueryStream(ctx context.Context, soql string, row RowFunc) error {
	path := "query/?q=" + url.QueryEscape(soql)
	for {
		var res queryResponse
		if err := sv.call(ctx, "GET", path, nil, &res, callOptions{longTimeout: true}); err != nil {
			return err
		}
		for _, rec := range res.Records {
			delete(rec, "attributes")
			if err := row(rec); err != nil {
				return err
			}
		}
		if res.Done || res.NextRecordsURL == "" {
			return nil
		}
		path = res.NextRecordsURL
	}
}

// GetBlob retrieves the binary content of one record field, e.g.
// Attachment.Body.
func (sv *Service) GetBlob(ctx context.Context, object, id, field string) ([]byte, error) {
	var body []byte
	path := fmt.Sprintf("sobjects/%s/%s/%s", object, id, field)
	err := sv.call(ctx, "GET", path, nil, &body, callOptions{accept: "*/*", longTimeout: true})
	return body, err
}
