package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgmigrate/orgmigrate/internal/domain/events"
	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/sfapi"
	"github.com/orgmigrate/orgmigrate/pkg/logging"
)

func testService(t *testing.T, h http.Handler) *sfapi.Service {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	api, err := sfapi.New("https://test.my.salesforce.com", "v58.0", "token")
	require.NoError(t, err)
	return api.WithURL(srv.URL)
}

func testConfig() Config {
	return Config{PollingInterval: time.Millisecond, PollTimeout: time.Second}.Defaults()
}

func TestSelectRouting(t *testing.T) {
	api, err := sfapi.New("https://test.my.salesforce.com", "v58.0", "token")
	require.NoError(t, err)
	bus := events.NewBus()
	log := logging.Nop()

	tests := []struct {
		name   string
		object string
		count  int
		cfg    Config
		want   string
	}{
		{"below threshold", "Account", 200, Config{}, "REST"},
		{"above threshold", "Account", 201, Config{}, "BulkV2"},
		{"bulk v1 selected", "Account", 201, Config{BulkAPIVersion: 1}, "BulkV1"},
		{"rest forced", "Account", 50000, Config{RestForced: true}, "REST"},
		{"bulk unsupported object", "Attachment", 50000, Config{}, "REST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := Select(tt.object, models.OperationInsert, tt.count, api, bus, log, tt.cfg)
			assert.Equal(t, tt.want, eng.Name())
		})
	}
}

func TestNormalizeHashValue(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  a   b ", "a b"},
		{"#N/A", ""},
		{"", ""},
		{"TRUE", "true"},
		{"False", "false"},
		{"10.50", "10.5"},
		{"0010", "10"},
		{"2024-03-01T10:00:00.000+0000", "1709287200000"},
		{"2024-03-01T10:00:00Z", "1709287200000"},
		{"Acme Inc", "Acme Inc"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeHashValue(tt.in), "input %q", tt.in)
	}
}

func TestHashIndexDuplicateClaims(t *testing.T) {
	recs := []models.SObject{
		{"Name": "Dup"},
		{"Name": "Dup"},
		{"Name": "Solo"},
	}
	cols := []string{"Name"}
	idx := newHashIndex(recs, cols)

	pos, ok := idx.claim(models.SObject{"Name": "Dup", "sf__Id": "001A"}, cols)
	require.True(t, ok)
	assert.Equal(t, 0, pos)

	pos, ok = idx.claim(models.SObject{"Name": "Dup"}, cols)
	require.True(t, ok)
	assert.Equal(t, 1, pos)

	_, ok = idx.claim(models.SObject{"Name": "Dup"}, cols)
	assert.False(t, ok, "third claim for two submitted duplicates")

	pos, ok = idx.claim(models.SObject{"Name": "Solo"}, cols)
	require.True(t, ok)
	assert.Equal(t, 2, pos)
}

func TestContentHashIgnoresControlAndFormatting(t *testing.T) {
	cols := []string{"Name", "Amount", "sf__Id"}
	submitted := models.SObject{"Name": "Acme  Inc", "Amount": "10.50"}
	result := models.SObject{"Name": "Acme Inc", "Amount": "10.5", "sf__Id": "001X"}
	assert.Equal(t, contentHash(submitted, cols), contentHash(result, cols))
}

func TestBatchColumnsOrder(t *testing.T) {
	recs := []models.SObject{
		{"Name": "a", "___SourceRecordId": "x"},
		{"beta__c": "1", "Id": "001", "Alpha__c": "2"},
	}
	assert.Equal(t, []string{"Id", "Alpha__c", "beta__c", "Name"}, batchColumns(recs))
}

func TestChunkByCount(t *testing.T) {
	recs := make([]models.SObject, 5)
	for i := range recs {
		recs[i] = models.SObject{"Name": fmt.Sprintf("r%d", i)}
	}
	batches := chunkByCount(recs, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Records, 2)
	assert.Len(t, batches[2].Records, 1)
	assert.True(t, strings.HasPrefix(string(batches[0].CSV), "Name\n"))
}

func TestChunkByEncodedSizeSplitsWholeBlocks(t *testing.T) {
	recs := make([]models.SObject, 10)
	for i := range recs {
		recs[i] = models.SObject{"Name": strings.Repeat("x", 100)}
	}
	// each 2-record block encodes to a few hundred bytes, so a 500-byte
	// limit forces one block per batch
	batches := chunkByEncodedSize(recs, 500, 2)
	require.Len(t, batches, 5)
	total := 0
	for _, b := range batches {
		assert.Len(t, b.Records, 2)
		total += len(b.Records)
	}
	assert.Equal(t, 10, total)
}

func TestRestEngineInsert(t *testing.T) {
	var gotBody struct {
		AllOrNone bool             `json:"allOrNone"`
		Records   []models.SObject `json:"records"`
	}
	api := testService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/composite/sobjects", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode([]sfapi.OpResponse{
			{ID: "001A", Success: true, Created: true},
			{Success: false, Errors: []sfapi.OpError{{StatusCode: "REQUIRED_FIELD_MISSING", Message: "name required"}}},
		})
	}))

	eng := Select("Account", models.OperationInsert, 2, api, events.NewBus(), logging.Nop(), testConfig())
	require.Equal(t, "REST", eng.Name())

	recs := []models.SObject{
		{"Name": "Acme", "___SourceRecordId": "001S"},
		{"Name": ""},
	}
	plan, err := eng.PrepareBatches(recs)
	require.NoError(t, err)
	require.Equal(t, 2, plan.TotalRecords())

	results, err := eng.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Success)
	assert.Equal(t, "001A", results[0].ID)
	assert.Equal(t, "001S", results[0].Record.SourceID())
	assert.False(t, results[1].Success)
	assert.Equal(t, "name required", results[1].Error)

	require.Len(t, gotBody.Records, 2)
	assert.NotContains(t, gotBody.Records[0], "___SourceRecordId")
	assert.Contains(t, gotBody.Records[0], "attributes")
}

func TestRestEngineDelete(t *testing.T) {
	api := testService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "DELETE", r.Method)
		require.Equal(t, "001A,001B", r.URL.Query().Get("ids"))
		json.NewEncoder(w).Encode([]sfapi.OpResponse{
			{ID: "001A", Success: true},
			{ID: "001B", Success: true},
		})
	}))

	eng := Select("Account", models.OperationDelete, 2, api, events.NewBus(), logging.Nop(), testConfig())
	plan, err := eng.PrepareBatches([]models.SObject{{"Id": "001A"}, {"Id": "001B"}})
	require.NoError(t, err)
	results, err := eng.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
}

// bulkV2Server scripts the full ingest lifecycle for one job.
type bulkV2Server struct {
	t          *testing.T
	polls      int
	uploaded   []byte
	successCSV string
	failedCSV  string
	unprocCSV  string
}

func (s *bulkV2Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == "POST" && r.URL.Path == "/jobs/ingest":
		json.NewEncoder(w).Encode(sfapi.Job{ID: "750J", State: sfapi.JobStateOpen, ContentURL: "jobs/ingest/750J/batches"})
	case r.Method == "PUT" && r.URL.Path == "/jobs/ingest/750J/batches":
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		s.uploaded = body
		w.WriteHeader(http.StatusCreated)
	case r.Method == "PATCH" && r.URL.Path == "/jobs/ingest/750J":
		json.NewEncoder(w).Encode(sfapi.Job{ID: "750J", State: sfapi.JobStateUploadComplete})
	case r.Method == "GET" && r.URL.Path == "/jobs/ingest/750J":
		s.polls++
		state := sfapi.JobStateInProgress
		if s.polls > 1 {
			state = sfapi.JobStateCompleted
		}
		json.NewEncoder(w).Encode(sfapi.Job{ID: "750J", State: state, NumberRecordsProcessed: 3, NumberRecordsFailed: 1})
	case r.Method == "GET" && strings.HasPrefix(r.URL.Path, "/jobs/ingest/750J/successfulResults"):
		fmt.Fprint(w, s.successCSV)
	case r.Method == "GET" && strings.HasPrefix(r.URL.Path, "/jobs/ingest/750J/failedResults"):
		fmt.Fprint(w, s.failedCSV)
	case r.Method == "GET" && strings.HasPrefix(r.URL.Path, "/jobs/ingest/750J/unprocessedrecords"):
		fmt.Fprint(w, s.unprocCSV)
	default:
		s.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestBulkV2InsertReconciliation(t *testing.T) {
	srv := &bulkV2Server{
		t: t,
		successCSV: "\"sf__Id\",\"sf__Created\",\"Name\"\n" +
			"\"001A\",\"true\",\"Dup\"\n" +
			"\"001B\",\"true\",\"Solo\"\n",
		failedCSV: "\"sf__Id\",\"sf__Error\",\"Name\"\n" +
			"\"\",\"DUPLICATE_VALUE: duplicate\",\"Dup\"\n",
		unprocCSV: "",
	}
	api := testService(t, srv)

	cfg := testConfig()
	eng := &bulkV2Engine{
		deps:      deps{api: api, bus: events.NewBus(), log: logging.Nop(), cfg: cfg},
		object:    "Account",
		operation: models.OperationInsert,
	}

	recs := []models.SObject{
		{"Name": "Dup", "___SourceRecordId": "S1"},
		{"Name": "Dup", "___SourceRecordId": "S2"},
		{"Name": "Solo", "___SourceRecordId": "S3"},
	}
	plan, err := eng.PrepareBatches(recs)
	require.NoError(t, err)
	require.Len(t, plan.Batches, 1)
	assert.NotContains(t, string(plan.Batches[0].CSV), "___SourceRecordId")

	results, err := eng.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byClass := map[string]int{}
	for _, rr := range results {
		switch {
		case rr.Success:
			byClass["succeeded"]++
			require.NotNil(t, rr.Record)
			assert.NotEmpty(t, rr.ID)
		case rr.MissingMapping:
			byClass["missing"]++
		case rr.Unprocessed:
			byClass["unprocessed"]++
		default:
			byClass["failed"]++
			require.NotNil(t, rr.Record)
			assert.Equal(t, "S2", rr.Record.SourceID(), "second duplicate carries the failure")
		}
	}
	assert.Equal(t, 2, byClass["succeeded"])
	assert.Equal(t, 1, byClass["failed"])
	assert.Equal(t, 0, byClass["missing"])
	assert.Equal(t, 0, byClass["unprocessed"])
}

func TestBulkV2UnmatchedSubmissionReported(t *testing.T) {
	srv := &bulkV2Server{
		t:          t,
		successCSV: "\"sf__Id\",\"sf__Created\",\"Name\"\n\"001A\",\"true\",\"Known\"\n",
		failedCSV:  "",
		unprocCSV:  "",
	}
	api := testService(t, srv)
	eng := &bulkV2Engine{
		deps:      deps{api: api, bus: events.NewBus(), log: logging.Nop(), cfg: testConfig()},
		object:    "Account",
		operation: models.OperationInsert,
	}

	recs := []models.SObject{{"Name": "Known"}, {"Name": "Orphan"}}
	plan, err := eng.PrepareBatches(recs)
	require.NoError(t, err)
	results, err := eng.Execute(context.Background(), plan)
	require.NoError(t, err)

	// 1 success + 1 unreconciled submission: every submitted record is
	// accounted for
	require.Len(t, results, 2)
	var missing int
	for _, rr := range results {
		if rr.MissingMapping {
			missing++
			assert.Equal(t, "Orphan", rr.Record.GetString("Name"))
		}
	}
	assert.Equal(t, 1, missing)
}

// bulkV1Server scripts the batch-centric v1 lifecycle.
type bulkV1Server struct {
	t         *testing.T
	polls     int
	uploaded  []byte
	resultCSV string
	closed    bool
}

func (s *bulkV1Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == "POST" && r.URL.Path == "/job":
		var req sfapi.V1JobRequest
		json.NewDecoder(r.Body).Decode(&req)
		require.Equal(s.t, "Parallel", req.ConcurrencyMode)
		require.Equal(s.t, "CSV", req.ContentType)
		json.NewEncoder(w).Encode(sfapi.V1Job{ID: "750V", State: "Open"})
	case r.Method == "POST" && r.URL.Path == "/job/750V":
		s.closed = true
		json.NewEncoder(w).Encode(sfapi.V1Job{ID: "750V", State: "Closed"})
	case r.Method == "POST" && r.URL.Path == "/job/750V/batch":
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		s.uploaded = body
		json.NewEncoder(w).Encode(sfapi.V1Batch{ID: "751B", State: sfapi.BatchStateQueued})
	case r.Method == "GET" && r.URL.Path == "/job/750V/batch/751B":
		s.polls++
		state := sfapi.BatchStateInProgress
		if s.polls > 1 {
			state = sfapi.BatchStateCompleted
		}
		json.NewEncoder(w).Encode(sfapi.V1Batch{ID: "751B", State: state, NumberRecordsProcessed: 2, NumberRecordsFailed: 1})
	case r.Method == "GET" && r.URL.Path == "/job/750V/batch/751B/result":
		fmt.Fprint(w, s.resultCSV)
	default:
		s.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestBulkV1PositionalResults(t *testing.T) {
	srv := &bulkV1Server{
		t: t,
		resultCSV: "\"Id\",\"Success\",\"Created\",\"Error\"\n" +
			"\"001A\",\"true\",\"true\",\"\"\n" +
			"\"\",\"false\",\"false\",\"REQUIRED_FIELD_MISSING:Name\"\n",
	}
	api := testService(t, srv)
	eng := &bulkV1Engine{
		deps:      deps{api: api, bus: events.NewBus(), log: logging.Nop(), cfg: testConfig()},
		object:    "Account",
		operation: models.OperationInsert,
	}

	recs := []models.SObject{
		{"Name": "Acme", "___SourceRecordId": "S1"},
		{"Name": "", "___SourceRecordId": "S2"},
	}
	plan, err := eng.PrepareBatches(recs)
	require.NoError(t, err)
	require.Len(t, plan.Batches, 1)

	results, err := eng.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Success)
	assert.Equal(t, "001A", results[0].ID)
	assert.Equal(t, "S1", results[0].Record.SourceID())

	assert.False(t, results[1].Success)
	assert.Equal(t, "REQUIRED_FIELD_MISSING:Name", results[1].Error)
	assert.Equal(t, "S2", results[1].Record.SourceID())

	assert.True(t, srv.closed)
	assert.Contains(t, string(srv.uploaded), "Name")
}

// bulkV1ParallelServer accepts any number of batches in one job and tracks
// how many uploads were in flight at once.
type bulkV1ParallelServer struct {
	mu       sync.Mutex
	nextID   int
	results  map[string]string
	inflight int32
	maxSeen  int32
}

func (s *bulkV1ParallelServer) trackUpload() func() {
	cur := atomic.AddInt32(&s.inflight, 1)
	for {
		max := atomic.LoadInt32(&s.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&s.maxSeen, max, cur) {
			break
		}
	}
	// hold the request open long enough for a sibling upload to overlap
	time.Sleep(50 * time.Millisecond)
	return func() { atomic.AddInt32(&s.inflight, -1) }
}

func (s *bulkV1ParallelServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == "POST" && r.URL.Path == "/job":
		json.NewEncoder(w).Encode(sfapi.V1Job{ID: "750P", State: "Open"})
	case r.Method == "POST" && r.URL.Path == "/job/750P":
		json.NewEncoder(w).Encode(sfapi.V1Job{ID: "750P", State: "Closed"})
	case r.Method == "POST" && r.URL.Path == "/job/750P/batch":
		done := s.trackUpload()
		defer done()
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		s.mu.Lock()
		s.nextID++
		id := fmt.Sprintf("751B%d", s.nextID)
		if strings.Contains(string(body), "First") {
			s.results[id] = "\"Id\",\"Success\",\"Created\",\"Error\"\n\"001A\",\"true\",\"true\",\"\"\n"
		} else {
			s.results[id] = "\"Id\",\"Success\",\"Created\",\"Error\"\n\"001B\",\"true\",\"true\",\"\"\n"
		}
		s.mu.Unlock()
		json.NewEncoder(w).Encode(sfapi.V1Batch{ID: id, State: sfapi.BatchStateQueued})
	case r.Method == "GET" && len(parts) == 4 && parts[2] == "batch":
		json.NewEncoder(w).Encode(sfapi.V1Batch{ID: parts[3], State: sfapi.BatchStateCompleted, NumberRecordsProcessed: 1})
	case r.Method == "GET" && len(parts) == 5 && parts[4] == "result":
		s.mu.Lock()
		csv := s.results[parts[3]]
		s.mu.Unlock()
		fmt.Fprint(w, csv)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestBulkV1ParallelBatches(t *testing.T) {
	srv := &bulkV1ParallelServer{results: map[string]string{}}
	api := testService(t, srv)
	cfg := testConfig()
	cfg.BulkAPIV1BatchSize = 1
	cfg.ParallelBulkJobs = 2
	eng := &bulkV1Engine{
		deps:      deps{api: api, bus: events.NewBus(), log: logging.Nop(), cfg: cfg},
		object:    "Account",
		operation: models.OperationInsert,
	}

	recs := []models.SObject{{"Name": "First"}, {"Name": "Second"}}
	plan, err := eng.PrepareBatches(recs)
	require.NoError(t, err)
	require.Len(t, plan.Batches, 2)

	results, err := eng.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// results keep batch order no matter which finished first
	assert.Equal(t, "001A", results[0].ID)
	assert.Equal(t, "First", results[0].Record.GetString("Name"))
	assert.Equal(t, "001B", results[1].ID)
	assert.EqualValues(t, 2, atomic.LoadInt32(&srv.maxSeen), "both uploads in flight together")
}

// bulkV2ParallelServer runs one full ingest lifecycle per created job.
type bulkV2ParallelServer struct {
	mu       sync.Mutex
	nextID   int
	uploads  map[string]string
	inflight int32
	maxSeen  int32
}

func (s *bulkV2ParallelServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == "POST" && r.URL.Path == "/jobs/ingest":
		s.mu.Lock()
		s.nextID++
		id := fmt.Sprintf("750P%d", s.nextID)
		s.mu.Unlock()
		json.NewEncoder(w).Encode(sfapi.Job{ID: id, State: sfapi.JobStateOpen, ContentURL: "jobs/ingest/" + id + "/batches"})
	case r.Method == "PUT" && len(parts) == 4 && parts[3] == "batches":
		cur := atomic.AddInt32(&s.inflight, 1)
		defer atomic.AddInt32(&s.inflight, -1)
		for {
			max := atomic.LoadInt32(&s.maxSeen)
			if cur <= max || atomic.CompareAndSwapInt32(&s.maxSeen, max, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		s.mu.Lock()
		s.uploads[parts[2]] = string(body)
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	case r.Method == "PATCH" && len(parts) == 3:
		json.NewEncoder(w).Encode(sfapi.Job{ID: parts[2], State: sfapi.JobStateUploadComplete})
	case r.Method == "GET" && len(parts) == 3:
		json.NewEncoder(w).Encode(sfapi.Job{ID: parts[2], State: sfapi.JobStateCompleted, NumberRecordsProcessed: 1})
	case r.Method == "GET" && len(parts) == 4 && parts[3] == "successfulResults":
		s.mu.Lock()
		upload := s.uploads[parts[2]]
		s.mu.Unlock()
		if strings.Contains(upload, "First") {
			fmt.Fprint(w, "\"sf__Id\",\"sf__Created\",\"Name\"\n\"001A\",\"true\",\"First\"\n")
		} else {
			fmt.Fprint(w, "\"sf__Id\",\"sf__Created\",\"Name\"\n\"001B\",\"true\",\"Second\"\n")
		}
	case r.Method == "GET" && len(parts) == 4:
		fmt.Fprint(w, "")
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestBulkV2ParallelChunks(t *testing.T) {
	srv := &bulkV2ParallelServer{uploads: map[string]string{}}
	api := testService(t, srv)
	cfg := testConfig()
	cfg.ParallelBulkJobs = 2
	eng := &bulkV2Engine{
		deps:      deps{api: api, bus: events.NewBus(), log: logging.Nop(), cfg: cfg},
		object:    "Account",
		operation: models.OperationInsert,
	}

	recs := []models.SObject{{"Name": "First"}, {"Name": "Second"}}
	wire := wireRecords(recs)
	plan := &BatchPlan{Object: "Account", Operation: models.OperationInsert}
	for i, b := range chunkByCount(wire, 1) {
		b.Records = recs[i : i+1]
		plan.Batches = append(plan.Batches, b)
	}

	results, err := eng.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "001A", results[0].ID)
	assert.Equal(t, "First", results[0].Record.GetString("Name"))
	assert.Equal(t, "001B", results[1].ID)
	assert.EqualValues(t, 2, atomic.LoadInt32(&srv.maxSeen), "both chunk uploads in flight together")
}
