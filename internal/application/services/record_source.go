package services

import (
	"context"
	"os"
	"path/filepath"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/filestore"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/sfapi"
	"github.com/orgmigrate/orgmigrate/pkg/soql"
)

// RecordSource retrieves the records of one composed query on one side of
// the run.
type RecordSource interface {
	Retrieve(ctx context.Context, q *soql.Query) ([]models.SObject, error)
}

// orgSource retrieves through the query API, consulting the query cache
// first when one is configured.
type orgSource struct {
	api   *sfapi.Service
	cache *filestore.QueryCache
}

// NewOrgSource wraps an org connection as a record source.
func NewOrgSource(api *sfapi.Service, cache *filestore.QueryCache) RecordSource {
	return &orgSource{api: api, cache: cache}
}

func (s *orgSource) Retrieve(ctx context.Context, q *soql.Query) ([]models.SObject, error) {
	text := q.Compose()
	if s.cache != nil {
		if recs, ok := s.cache.Get(q.Object, text); ok {
			return recs, nil
		}
	}
	recs, err := s.api.QueryRecords(ctx, text)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Put(q.Object, text, recs); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// fileSource reads object CSV files from a directory. Where clauses are not
// interpreted: the file medium always yields the full file, and the task
// buffers deduplicate. Limit is honored.
type fileSource struct {
	dir string
}

// NewFileSource wraps a CSV directory as a record source.
func NewFileSource(dir string) RecordSource {
	return &fileSource{dir: dir}
}

func (s *fileSource) Retrieve(ctx context.Context, q *soql.Query) ([]models.SObject, error) {
	path := filepath.Join(s.dir, filestore.ObjectFileName(q.Object))
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	recs, _, err := filestore.ReadCSV(path)
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(recs) > q.Limit {
		recs = recs[:q.Limit]
	}
	return recs, nil
}
