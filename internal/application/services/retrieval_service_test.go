package services

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgmigrate/orgmigrate/internal/domain/events"
	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/pkg/logging"
	"github.com/orgmigrate/orgmigrate/pkg/soql"
)

// scriptedSource plays an org: an IN (...) where clause filters the object's
// rows by the named field, an empty clause returns everything, any other
// clause returns the scripted seed rows. Every retrieve is logged.
type scriptedSource struct {
	data    map[string][]models.SObject
	seeds   map[string][]models.SObject
	queries []string
}

var inClauseRe = regexp.MustCompile(`^([A-Za-z0-9_.]+) IN \((.+)\)$`)

func (s *scriptedSource) Retrieve(_ context.Context, q *soql.Query) ([]models.SObject, error) {
	s.queries = append(s.queries, q.Object+"|"+q.Where)
	if q.Where == "" {
		return cloneRecords(s.data[q.Object]), nil
	}
	if m := inClauseRe.FindStringSubmatch(q.Where); m != nil {
		wanted := map[string]bool{}
		for _, part := range strings.Split(m[2], ",") {
			wanted[strings.Trim(strings.TrimSpace(part), "'")] = true
		}
		var out []models.SObject
		for _, rec := range s.data[q.Object] {
			if wanted[rec.GetString(m[1])] {
				out = append(out, rec.Clone())
			}
		}
		return out, nil
	}
	return cloneRecords(s.seeds[q.Object]), nil
}

func cloneRecords(recs []models.SObject) []models.SObject {
	out := make([]models.SObject, len(recs))
	for i, rec := range recs {
		out[i] = rec.Clone()
	}
	return out
}

func (s *scriptedSource) queriesAgainst(object string) []string {
	var out []string
	for _, q := range s.queries {
		if strings.HasPrefix(q, object+"|") {
			out = append(out, q)
		}
	}
	return out
}

func newRetrieval(src, tgt RecordSource) *RetrievalService {
	return NewRetrievalService(src, tgt, nil, nil, events.NewBus(), logging.Nop(), 1)
}

func TestRetrieveSourceFilteredClosure(t *testing.T) {
	opp := testDescriptor("Opportunity", models.OperationUpsert,
		simpleField("Name"), lookupField("AccountId", "Account", false))
	opp.HasBoundedQuery = true
	opp.Query = "SELECT Id, Name, AccountId FROM Opportunity WHERE Amount > 1000"
	account := testDescriptor("Account", models.OperationUpsert, simpleField("Name"))
	account.Fields[0].ChildReferencingFields = []models.FieldRef{{Object: "Opportunity", Field: "AccountId"}}

	src := &scriptedSource{
		data: map[string][]models.SObject{
			"Account": {
				{"Id": "a1", "Name": "Acme 1"},
				{"Id": "a2", "Name": "Acme 2"},
				{"Id": "a3", "Name": "Acme 3"},
				{"Id": "a4", "Name": "Never referenced"},
			},
		},
		seeds: map[string][]models.SObject{
			"Opportunity": {
				{"Id": "o1", "Name": "O1", "AccountId": "a1"},
				{"Id": "o2", "Name": "O2", "AccountId": "a1"},
				{"Id": "o3", "Name": "O3", "AccountId": "a2"},
				{"Id": "o4", "Name": "O4", "AccountId": "a3"},
				{"Id": "o5", "Name": "O5", "AccountId": "a3"},
			},
		},
	}

	g := buildGraph(t, false, opp, account)
	require.NoError(t, newRetrieval(src, nil).RetrieveSource(context.Background(), g))

	accountTask := g.Task("Account")
	require.NotNil(t, accountTask)
	assert.Len(t, accountTask.SourceRecords, 3, "only referenced accounts are pulled")
	ids := map[string]bool{}
	for _, rec := range accountTask.SourceRecords {
		ids[rec.ID()] = true
	}
	assert.Equal(t, map[string]bool{"a1": true, "a2": true, "a3": true}, ids)

	// the three ids reach the server exactly once across all passes
	assert.Len(t, src.queriesAgainst("Account"), 1)
	assert.Len(t, src.queriesAgainst("Opportunity"), 1)
}

func TestRetrieveSourceSelfReferenceChain(t *testing.T) {
	account := testDescriptor("Account", models.OperationUpsert,
		simpleField("Name"), lookupField("ParentId", "Account", false))
	account.HasBoundedQuery = true
	account.Query = "SELECT Id, Name, ParentId FROM Account WHERE Name = 'Leaf'"

	src := &scriptedSource{
		data: map[string][]models.SObject{
			"Account": {
				{"Id": "g1", "Name": "Root"},
				{"Id": "g2", "Name": "Branch", "ParentId": "g1"},
				{"Id": "g3", "Name": "Twig", "ParentId": "g2"},
				{"Id": "g4", "Name": "Leaf", "ParentId": "g3"},
			},
		},
		seeds: map[string][]models.SObject{
			"Account": {{"Id": "g4", "Name": "Leaf", "ParentId": "g3"}},
		},
	}

	g := buildGraph(t, false, account)
	require.NoError(t, newRetrieval(src, nil).RetrieveSource(context.Background(), g))

	task := g.Task("Account")
	assert.Len(t, task.SourceRecords, 4, "chain is chased to the root")
	for _, id := range []string{"g1", "g2", "g3", "g4"} {
		_, ok := task.SourceByID(id)
		assert.True(t, ok, id)
	}
}

func TestRetrieveSourceAllRecordsUnbounded(t *testing.T) {
	account := testDescriptor("Account", models.OperationUpsert, simpleField("Name"))
	account.AllRecords = true
	account.Query = "SELECT Id, Name FROM Account WHERE Name = 'ignored' LIMIT 1"

	src := &scriptedSource{
		data: map[string][]models.SObject{
			"Account": {{"Id": "a1", "Name": "One"}, {"Id": "a2", "Name": "Two"}},
		},
	}
	g := buildGraph(t, false, account)
	require.NoError(t, newRetrieval(src, nil).RetrieveSource(context.Background(), g))

	assert.Len(t, g.Task("Account").SourceRecords, 2)
	require.Len(t, src.queriesAgainst("Account"), 1)
	assert.Equal(t, "Account|", src.queriesAgainst("Account")[0], "bounds are stripped")
}

func TestRetrieveTargetLinksByExternalID(t *testing.T) {
	account := testDescriptor("Account", models.OperationUpsert, simpleField("Name"))
	account.HasBoundedQuery = true
	account.Query = "SELECT Id, Name FROM Account WHERE Industry = 'Tech'"

	src := &scriptedSource{
		seeds: map[string][]models.SObject{
			"Account": {{"Id": "s1", "Name": "Acme"}, {"Id": "s2", "Name": "Beta"}},
		},
	}
	tgt := &scriptedSource{
		data: map[string][]models.SObject{
			"Account": {{"Id": "T1", "Name": "Acme"}, {"Id": "T9", "Name": "Unrelated"}},
		},
	}

	g := buildGraph(t, false, account)
	svc := newRetrieval(src, tgt)
	require.NoError(t, svc.RetrieveSource(context.Background(), g))
	require.NoError(t, svc.RetrieveTarget(context.Background(), g))

	task := g.Task("Account")
	id, ok := task.TargetIDForSource("s1")
	assert.True(t, ok)
	assert.Equal(t, "T1", id)
	_, ok = task.TargetIDForSource("s2")
	assert.False(t, ok, "Beta has no target twin")

	require.Len(t, tgt.queriesAgainst("Account"), 1)
	assert.Contains(t, tgt.queriesAgainst("Account")[0], "Name IN (")
}

func TestRetrieveTargetComplexExternalIDIsUnbounded(t *testing.T) {
	contact := testDescriptor("Contact", models.OperationUpsert,
		simpleField("FirstName"), simpleField("LastName"))
	contact.ExternalID = "FirstName;LastName"
	contact.HasBoundedQuery = true
	contact.Query = "SELECT Id, FirstName, LastName FROM Contact WHERE LastName != null"

	src := &scriptedSource{
		seeds: map[string][]models.SObject{
			"Contact": {{"Id": "c1", "FirstName": "Ada", "LastName": "Reed"}},
		},
	}
	tgt := &scriptedSource{
		data: map[string][]models.SObject{
			"Contact": {
				{"Id": "CT1", "FirstName": "Ada", "LastName": "Reed"},
				{"Id": "CT2", "FirstName": "Sam", "LastName": "Cole"},
			},
		},
	}

	g := buildGraph(t, false, contact)
	svc := newRetrieval(src, tgt)
	require.NoError(t, svc.RetrieveSource(context.Background(), g))
	require.NoError(t, svc.RetrieveTarget(context.Background(), g))

	task := g.Task("Contact")
	require.Len(t, tgt.queriesAgainst("Contact"), 1)
	assert.Equal(t, "Contact|", tgt.queriesAgainst("Contact")[0])
	assert.Len(t, task.TargetRecords, 2)

	id, ok := task.TargetIDForSource("c1")
	assert.True(t, ok)
	assert.Equal(t, "CT1", id)
}

func TestRetrievalProgressThrottle(t *testing.T) {
	bus := events.NewBus()
	var rows []int
	bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.RetrievedRows {
			rows = append(rows, ev.RowsSoFar)
		}
	})
	svc := NewRetrievalService(&scriptedSource{}, nil, nil, nil, bus, logging.Nop(), 1)
	g := buildGraph(t, false, testDescriptor("Account", models.OperationUpsert, simpleField("Name")))
	task := g.Task("Account")

	svc.progress(task, "source", 400)
	svc.progress(task, "source", 999)
	assert.Empty(t, rows, "below the interval nothing is published")
	svc.progress(task, "source", 1400)
	assert.Equal(t, []int{1400}, rows)
	svc.progress(task, "source", 2100)
	assert.Equal(t, []int{1400}, rows, "the next report waits for a full interval")
	svc.progressDone(task, "source", 2100)
	assert.Equal(t, []int{1400, 2100}, rows, "the final count always goes out")
}

func TestRetrieveSourcePublishesFinalRowCount(t *testing.T) {
	account := testDescriptor("Account", models.OperationUpsert,
		simpleField("Name"), lookupField("ParentId", "Account", false))
	account.HasBoundedQuery = true
	account.Query = "SELECT Id, Name, ParentId FROM Account WHERE Name = 'Leaf'"

	src := &scriptedSource{
		data: map[string][]models.SObject{
			"Account": {
				{"Id": "g1", "Name": "Root"},
				{"Id": "g2", "Name": "Leaf", "ParentId": "g1"},
			},
		},
		seeds: map[string][]models.SObject{
			"Account": {{"Id": "g2", "Name": "Leaf", "ParentId": "g1"}},
		},
	}

	bus := events.NewBus()
	var got []events.Event
	bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.RetrievedRows {
			got = append(got, ev)
		}
	})
	g := buildGraph(t, false, account)
	svc := NewRetrievalService(src, nil, nil, nil, bus, logging.Nop(), 1)
	require.NoError(t, svc.RetrieveSource(context.Background(), g))

	// small volumes stay under the interval: one event, the final total
	require.Len(t, got, 1)
	assert.Equal(t, "Account", got[0].Object)
	assert.Equal(t, "source", got[0].Side)
	assert.Equal(t, 2, got[0].RowsSoFar)
}

func TestRetrieveTargetSkipsReadonly(t *testing.T) {
	rt := testDescriptor("RecordType", models.OperationReadonly, simpleField("DeveloperName"))
	rt.AllRecords = true

	tgt := &scriptedSource{}
	g := buildGraph(t, false, rt)
	require.NoError(t, newRetrieval(&scriptedSource{}, tgt).RetrieveTarget(context.Background(), g))
	assert.Empty(t, tgt.queries)
}
