package sfapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
)

// OpError is one error entry of a collection operation response.
type OpError struct {
	StatusCode string   `json:"statusCode,omitempty"`
	Message    string   `json:"message,omitempty"`
	Fields     []string `json:"fields,omitempty"`
}

// OpResponse is returned for each record of a collection create, update,
// upsert or delete.
type OpResponse struct {
	ID      string    `json:"id"`
	Success bool      `json:"success"`
	Errors  []OpError `json:"errors"`
	Created bool      `json:"created,omitempty"`
}

// FirstError returns the first error message, empty when successful.
func (r OpResponse) FirstError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0].Message
}

type collectionBody struct {
	AllOrNone bool             `json:"allOrNone"`
	Records   []models.SObject `json:"records"`
}

func withAttributes(object string, recs []models.SObject) []models.SObject {
	out := make([]models.SObject, len(recs))
	for i, r := range recs {
		c := r.Clone()
		c["attributes"] = map[string]interface{}{"type": object}
		out[i] = c
	}
	return out
}

// CreateRecords inserts one batch through the collections endpoint. The
// caller is responsible for batch sizing.
func (sv *Service) CreateRecords(ctx context.Context, object string, allOrNone bool, recs []models.SObject) ([]OpResponse, error) {
	var res []OpResponse
	body := collectionBody{AllOrNone: allOrNone, Records: withAttributes(object, recs)}
	err := sv.call(ctx, "POST", "composite/sobjects", body, &res, callOptions{longTimeout: true})
	return res, err
}

// UpdateRecords updates one batch; every record must carry Id.
func (sv *Service) UpdateRecords(ctx context.Context, object string, allOrNone bool, recs []models.SObject) ([]OpResponse, error) {
	var res []OpResponse
	body := collectionBody{AllOrNone: allOrNone, Records: withAttributes(object, recs)}
	err := sv.call(ctx, "PATCH", "composite/sobjects", body, &res, callOptions{longTimeout: true})
	return res, err
}

// UpsertRecords upserts one batch keyed by externalIDField.
func (sv *Service) UpsertRecords(ctx context.Context, object string, allOrNone bool, externalIDField string, recs []models.SObject) ([]OpResponse, error) {
	var res []OpResponse
	body := collectionBody{AllOrNone: allOrNone, Records: withAttributes(object, recs)}
	path := fmt.Sprintf("composite/sobjects/%s/%s", object, externalIDField)
	err := sv.call(ctx, "PATCH", path, body, &res, callOptions{longTimeout: true})
	return res, err
}

// DeleteRecords deletes one batch of ids.
func (sv *Service) DeleteRecords(ctx context.Context, allOrNone bool, ids []string) ([]OpResponse, error) {
	var res []OpResponse
	path := fmt.Sprintf("composite/sobjects?ids=%s&allOrNone=%t", strings.Join(ids, ","), allOrNone)
	err := sv.call(ctx, "DELETE", path, nil, &res, callOptions{longTimeout: true})
	return res, err
}
