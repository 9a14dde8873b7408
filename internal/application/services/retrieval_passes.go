package services

import (
	"context"
	"strings"

	"github.com/orgmigrate/orgmigrate/pkg/constants"
	"github.com/orgmigrate/orgmigrate/pkg/soql"
)

// The source-side closure runs four numbered passes over the query order.
// Pass one executes every task's own query as declared; passes two and
// three collect parents demanded by already-loaded children; passes four
// and five do the same walk driven from the parent side. The per-task
// filteredValueCache makes every (task, field, value) triple reach the
// server at most once across all passes.

// forwardPrimary executes each task's declared query: unbounded for
// process-all objects, with the user's own bounds when the query is a
// seed. Objects that are neither are reached by reference only in the
// later passes. Self-lookups are chased to a fixed point straight after.
func (s *RetrievalService) forwardPrimary(ctx context.Context, g *TaskGraph) error {
	for _, t := range g.QueryOrder {
		if !t.Descriptor.AllRecords && !t.Descriptor.HasBoundedQuery {
			continue
		}
		q, err := soql.Parse(t.Descriptor.Query)
		if err != nil {
			return err
		}
		if t.Descriptor.AllRecords {
			q.Where = ""
			q.Limit = 0
		}
		recs, err := s.source.Retrieve(ctx, q)
		if err != nil {
			return err
		}
		t.AddSourceRecords(recs)
		s.progress(t, "source", len(t.SourceRecords))

		if err := s.selfReferenceFixedPoint(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// backwardParents walks each task's simple lookups and pulls the referenced
// parent records the parent's own query did not yield. Process-all parents
// already hold everything and are skipped.
func (s *RetrievalService) backwardParents(ctx context.Context, g *TaskGraph) error {
	for _, t := range g.QueryOrder {
		for _, f := range t.Descriptor.LookupFields() {
			if f.ParentLookupObject == "" {
				continue
			}
			parent := g.Task(f.ParentLookupObject)
			if parent == nil || parent.Descriptor.AllRecords {
				continue
			}
			ids := collectFieldValues(t, f.Name)
			if err := s.pullByID(ctx, parent, ids); err != nil {
				return err
			}
		}
	}
	return nil
}

// forwardReversed walks the query order backwards and, for every field on
// another task that references this one, pulls the records those children
// point at.
func (s *RetrievalService) forwardReversed(ctx context.Context, g *TaskGraph) error {
	for i := len(g.QueryOrder) - 1; i >= 0; i-- {
		t := g.QueryOrder[i]
		if t.Descriptor.AllRecords {
			continue
		}
		for _, ref := range childRefsOf(t.Descriptor) {
			child := g.Task(ref.Object)
			if child == nil {
				continue
			}
			ids := collectFieldValues(child, ref.Field)
			if err := s.pullByID(ctx, t, ids); err != nil {
				return err
			}
		}
	}
	return nil
}

// selfReferenceFixedPoint chases lookups whose parent is the task's own
// object (Account.ParentId) until no new ids appear. Bounded by the record
// count because every round must add at least one record to continue.
func (s *RetrievalService) selfReferenceFixedPoint(ctx context.Context, t *Task) error {
	var selfFields []string
	for _, f := range t.Descriptor.LookupFields() {
		if strings.EqualFold(f.Referenced, t.Object()) {
			selfFields = append(selfFields, f.Name)
		}
	}
	if len(selfFields) == 0 {
		return nil
	}
	for {
		before := len(t.SourceRecords)
		for _, field := range selfFields {
			ids := collectFieldValues(t, field)
			if err := s.pullByID(ctx, t, ids); err != nil {
				return err
			}
		}
		if len(t.SourceRecords) == before {
			return nil
		}
	}
}

// pullByID fetches the task's records whose Id is in ids, minus everything
// already queried, chunked under the where-clause budget.
func (s *RetrievalService) pullByID(ctx context.Context, t *Task, ids []string) error {
	ids = t.UnqueriedValues(constants.FieldID, ids)
	missing := ids[:0]
	for _, id := range ids {
		if _, loaded := t.SourceByID(id); !loaded {
			missing = append(missing, id)
		}
	}
	ids = missing
	if len(ids) == 0 {
		return nil
	}
	base, err := soql.Parse(t.Descriptor.Query)
	if err != nil {
		return err
	}
	for _, clause := range soql.BuildInClauses(constants.FieldID, ids, constants.MaxWhereClauseLength) {
		q := base.Clone()
		q.Where = clause
		q.OrderBy = nil
		q.Limit = 0
		recs, err := s.source.Retrieve(ctx, q)
		if err != nil {
			return err
		}
		t.AddSourceRecords(recs)
	}
	s.progress(t, "source", len(t.SourceRecords))
	return nil
}

// collectFieldValues gathers the distinct non-null values of one field
// across a task's source records, preserving first-seen order.
func collectFieldValues(t *Task, field string) []string {
	seen := map[string]bool{}
	var out []string
	for _, rec := range t.SourceRecords {
		v := rec.GetString(field)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
