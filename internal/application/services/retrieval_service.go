package services

import (
	"context"
	"encoding/base64"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orgmigrate/orgmigrate/internal/domain/events"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/filestore"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/sfapi"
	"github.com/orgmigrate/orgmigrate/pkg/constants"
	"github.com/orgmigrate/orgmigrate/pkg/soql"
)

// RetrievalService fills the task buffers on both sides. The source side
// runs the multi-pass relationship closure; the target side runs one pass
// per task keyed on the external id values the source produced.
type RetrievalService struct {
	source RecordSource
	target RecordSource

	// blobAPI downloads binary field contents; nil for a file source.
	blobAPI  *sfapi.Service
	binCache *filestore.BinaryCache

	bus *events.Bus
	log *zap.SugaredLogger

	parallelBlobs int
	filter        *RecordFilterService

	// reported tracks the row count last published per (side, object) so
	// progress only goes out every ProgressReportEvery rows.
	reported map[string]int
}

// NewRetrievalService wires the retrieval driver.
func NewRetrievalService(source, target RecordSource, blobAPI *sfapi.Service, binCache *filestore.BinaryCache, bus *events.Bus, log *zap.SugaredLogger, parallelBlobs int) *RetrievalService {
	if parallelBlobs < 1 {
		parallelBlobs = constants.DefaultParallelBinaryDownload
	}
	return &RetrievalService{
		source:        source,
		target:        target,
		blobAPI:       blobAPI,
		binCache:      binCache,
		bus:           bus,
		log:           log,
		parallelBlobs: parallelBlobs,
		filter:        NewRecordFilterService(),
		reported:      map[string]int{},
	}
}

// RetrieveSource converges the source buffers: the primary forward pass,
// two backward parent passes, two reversed forward passes, then composite
// column stamping and blob downloads.
func (s *RetrievalService) RetrieveSource(ctx context.Context, g *TaskGraph) error {
	if err := s.forwardPrimary(ctx, g); err != nil {
		return err
	}
	for pass := 0; pass < 2; pass++ {
		if err := s.backwardParents(ctx, g); err != nil {
			return err
		}
	}
	for pass := 0; pass < 2; pass++ {
		if err := s.forwardReversed(ctx, g); err != nil {
			return err
		}
	}
	// parents pulled by reference may themselves chain through self-lookups
	for _, t := range g.QueryOrder {
		if err := s.selfReferenceFixedPoint(ctx, t); err != nil {
			return err
		}
	}
	for _, t := range g.QueryOrder {
		t.StampComplexColumn()
		if err := s.downloadBlobs(ctx, t); err != nil {
			return err
		}
		s.progressDone(t, "source", len(t.SourceRecords))
	}
	return nil
}

// RetrieveTarget runs the target-side pass: unbounded for process-all
// objects, otherwise bounded by the external id values known from the
// source. Matching external ids link source records to target records
// immediately.
func (s *RetrievalService) RetrieveTarget(ctx context.Context, g *TaskGraph) error {
	for _, t := range g.QueryOrder {
		d := t.Descriptor
		if d.IsReadonly() {
			continue
		}
		q, err := s.targetQuery(t)
		if err != nil {
			return err
		}

		// a composite external id cannot serve as a scalar IN operand, so
		// such objects fetch the target unbounded
		if d.AllRecords || d.HasComplexExternalID() {
			q.Where = ""
			recs, err := s.target.Retrieve(ctx, q)
			if err != nil {
				return err
			}
			recs = s.filter.Apply(d.TargetRecordsFilter, recs)
			t.AddTargetRecords(recs)
			s.progressDone(t, "target", len(t.TargetRecords))
			continue
		}

		extField := d.ExternalID
		values := make([]string, 0, len(t.SourceRecords))
		for _, rec := range t.SourceRecords {
			values = append(values, t.ExternalIDOf(rec))
		}
		values = t.UnqueriedValues("target:"+extField, values)
		for _, clause := range soql.BuildInClauses(extField, values, constants.MaxWhereClauseLength) {
			cq := q.Clone()
			cq.Where = clause
			recs, err := s.target.Retrieve(ctx, cq)
			if err != nil {
				return err
			}
			recs = s.filter.Apply(d.TargetRecordsFilter, recs)
			t.AddTargetRecords(recs)
			s.progress(t, "target", len(t.TargetRecords))
		}
		s.progressDone(t, "target", len(t.TargetRecords))
	}
	return nil
}

// targetQuery rebuilds the task query against the target object and field
// spellings.
func (s *RetrievalService) targetQuery(t *Task) (*soql.Query, error) {
	q, err := soql.Parse(t.Descriptor.Query)
	if err != nil {
		return nil, err
	}
	out := q.Clone()
	out.Object = t.Descriptor.EffectiveTargetName()
	out.Where = ""
	out.OrderBy = nil
	out.Limit = 0
	out.Fields = nil
	for _, f := range q.Fields {
		out.AddField(s.wireField(t, f))
	}
	return out, nil
}

func (s *RetrievalService) wireField(t *Task, name string) string {
	if fd := t.Descriptor.Field(name); fd != nil {
		return fd.WireName()
	}
	return name
}

func (s *RetrievalService) progress(t *Task, side string, rows int) {
	key := side + "|" + t.Object()
	if rows-s.reported[key] < constants.ProgressReportEvery {
		return
	}
	s.reported[key] = rows
	s.bus.Publish(events.Event{Type: events.RetrievedRows, Object: t.Object(), Side: side, RowsSoFar: rows})
}

// progressDone publishes the final row count for one task side regardless
// of the reporting interval.
func (s *RetrievalService) progressDone(t *Task, side string, rows int) {
	s.reported[side+"|"+t.Object()] = rows
	s.bus.Publish(events.Event{Type: events.RetrievedRows, Object: t.Object(), Side: side, RowsSoFar: rows})
}

// downloadBlobs fetches binary field contents for every retrieved record,
// bounded by the parallel download knob. Contents inline as base64 with the
// in-memory cache mode, otherwise they move to the sidecar cache behind a
// placeholder.
func (s *RetrievalService) downloadBlobs(ctx context.Context, t *Task) error {
	field := constants.BlobFields[t.Object()]
	if field == "" || s.blobAPI == nil {
		return nil
	}
	if fd := t.Descriptor.Field(field); fd == nil || !fd.IsBlob {
		return nil
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.parallelBlobs)
	for _, rec := range t.SourceRecords {
		rec := rec
		id := rec.ID()
		if id == "" {
			continue
		}
		eg.Go(func() error {
			content, err := s.blobAPI.GetBlob(gctx, t.Object(), id, field)
			if err != nil {
				return err
			}
			if s.binCache != nil && !s.binCache.Inline() {
				placeholder, err := s.binCache.Put(id, content)
				if err != nil {
					return err
				}
				rec[field] = placeholder
				return nil
			}
			rec[field] = base64.StdEncoding.EncodeToString(content)
			return nil
		})
	}
	return eg.Wait()
}
