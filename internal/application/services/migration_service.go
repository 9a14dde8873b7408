package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/orgmigrate/orgmigrate/internal/domain/events"
	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/engines"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/filestore"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/sfapi"
	"github.com/orgmigrate/orgmigrate/pkg/constants"
	"github.com/orgmigrate/orgmigrate/pkg/errors"
	"github.com/orgmigrate/orgmigrate/pkg/soql"
)

// MigrationService runs the whole pipeline for one script: describe, order,
// repair, retrieve, resolve, write — once per object set. A nil API on a
// side means that side is the CSV file medium.
type MigrationService struct {
	script    *models.Script
	baseDir   string
	sourceAPI *sfapi.Service
	targetAPI *sfapi.Service

	bus *events.Bus
	log *zap.SugaredLogger

	relations *RelationshipService
	filter    *RecordFilterService
}

// NewMigrationService wires the pipeline.
func NewMigrationService(script *models.Script, baseDir string, sourceAPI, targetAPI *sfapi.Service, bus *events.Bus, log *zap.SugaredLogger) *MigrationService {
	return &MigrationService{
		script:    script,
		baseDir:   baseDir,
		sourceAPI: sourceAPI,
		targetAPI: targetAPI,
		bus:       bus,
		log:       log,
		relations: NewRelationshipService(log),
		filter:    NewRecordFilterService(),
	}
}

// Run executes every object set as an isolated sub-job with its own
// directories.
func (m *MigrationService) Run(ctx context.Context) error {
	sets := m.script.EffectiveObjectSets()
	if len(sets) == 0 {
		return errors.NewSchemaError("", "script declares no objects")
	}
	for i, set := range sets {
		dir := m.baseDir
		if len(sets) > 1 {
			dir = filepath.Join(m.baseDir, fmt.Sprintf("%s%d", constants.ObjectSetDirPrefix, i+1))
		}
		if err := m.runSet(ctx, set, dir); err != nil {
			return err
		}
	}
	return nil
}

func (m *MigrationService) runSet(ctx context.Context, set models.ObjectSet, dir string) (err error) {
	meta := NewMetadataService(describerOf(m.sourceAPI), describerOf(m.targetAPI), m.log)
	descs, err := meta.Build(ctx, set.Objects)
	if err != nil {
		return err
	}
	for _, d := range descs {
		if ferr := m.filter.Validate(d.TargetRecordsFilter); ferr != nil {
			return errors.NewSchemaError(d.Name, "bad targetRecordsFilter: "+ferr.Error())
		}
	}

	g := BuildTaskGraph(descs, m.script.KeepObjectOrderWhileExecute, m.bus, m.log)

	// reports flush even when the run aborts mid-way
	var missingParents []models.MissingParentRecord
	var csvIssues []models.CSVIssue
	defer func() {
		if ferr := m.flushReports(dir, missingParents, csvIssues); ferr != nil && err == nil {
			err = ferr
		}
	}()

	sourceDir := dir
	if m.sourceAPI == nil && !m.script.ImportCSVFilesAsIs {
		repair := NewCSVRepairService(dir, m.log)
		var repairMissing []models.MissingParentRecord
		csvIssues, repairMissing, err = repair.Repair(g)
		if err != nil {
			return err
		}
		missingParents = append(missingParents, repairMissing...)
		sourceDir = repair.MirrorDir()
		if len(csvIssues) > 0 {
			m.log.Warnw("issues found in source csv files", "count", len(csvIssues))
			if m.script.PromptOnIssues {
				return errors.NewUserAbortedError()
			}
		}
	}

	retr, binCache, err := m.buildRetrieval(dir, sourceDir)
	if err != nil {
		return err
	}
	if err = retr.RetrieveSource(ctx, g); err != nil {
		return err
	}

	if m.targetAPI != nil {
		if err = m.deleteOldData(ctx, g); err != nil {
			return err
		}
		if err = retr.RetrieveTarget(ctx, g); err != nil {
			return err
		}
	}

	for _, t := range g.Tasks {
		missing, terr := m.executeTask(ctx, t, g, dir, binCache)
		missingParents = append(missingParents, missing...)
		if terr != nil {
			return terr
		}
	}

	m.log.Infow("object set finished",
		"objects", len(g.Tasks),
		"missingParents", len(missingParents),
		"csvIssues", len(csvIssues))
	return nil
}

func (m *MigrationService) buildRetrieval(dir, sourceDir string) (*RetrievalService, *filestore.BinaryCache, error) {
	queryCache, err := filestore.NewQueryCache(m.script.SourceCacheMode(), filepath.Join(dir, constants.SourceRecordsCacheDir))
	if err != nil {
		return nil, nil, err
	}
	binCache, err := filestore.NewBinaryCache(m.script.BinaryCacheMode(), filepath.Join(dir, constants.BinaryCacheDir))
	if err != nil {
		return nil, nil, err
	}

	var source RecordSource
	if m.sourceAPI != nil {
		source = NewOrgSource(m.sourceAPI, queryCache)
	} else {
		source = NewFileSource(sourceDir)
	}
	var target RecordSource
	if m.targetAPI != nil {
		target = NewOrgSource(m.targetAPI, nil)
	} else {
		target = NewFileSource(filepath.Join(dir, constants.TargetDirName))
	}
	retr := NewRetrievalService(source, target, m.sourceAPI, binCache, m.bus, m.log, m.script.ParallelBinaryDownloads)
	return retr, binCache, nil
}

// deleteOldData runs the pre-delete pass in delete order before the target
// side is retrieved, so stale records never enter the linking maps.
func (m *MigrationService) deleteOldData(ctx context.Context, g *TaskGraph) error {
	for _, t := range g.DeleteOrder {
		d := t.Descriptor
		if !d.DeleteOldData && d.Operation != models.OperationDelete {
			continue
		}
		query := d.DeleteQuery
		if query == "" {
			query = "SELECT Id FROM " + d.EffectiveTargetName()
		}
		q, err := soql.Parse(query)
		if err != nil {
			return err
		}
		q.Object = d.EffectiveTargetName()
		recs, err := m.targetAPI.QueryRecords(ctx, q.Compose())
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			continue
		}
		if _, err := m.submit(ctx, d.EffectiveTargetName(), models.OperationDelete, "", recs); err != nil {
			return err
		}
		m.log.Infow("old data deleted", "object", d.EffectiveTargetName(), "records", len(recs))
	}
	return nil
}

// executeTask prepares and writes one task's records per its operation.
func (m *MigrationService) executeTask(ctx context.Context, t *Task, g *TaskGraph, dir string, binCache *filestore.BinaryCache) ([]models.MissingParentRecord, error) {
	d := t.Descriptor
	op := d.Operation
	if op == models.OperationReadonly {
		return nil, nil
	}
	if op == models.OperationDelete {
		// handled by the pre-delete pass
		return nil, nil
	}

	var inserts, updates []models.SObject
	for _, rec := range t.SourceRecords {
		if _, matched := t.TargetIDForSource(rec.SourceID()); matched {
			updates = append(updates, rec)
		} else {
			inserts = append(inserts, rec)
		}
	}

	var missing []models.MissingParentRecord
	run := func(op models.Operation, recs []models.SObject) error {
		if len(recs) == 0 {
			return nil
		}
		prepared, err := m.prepareWriteRecords(t, op, recs, binCache)
		if err != nil {
			return err
		}
		missing = append(missing, m.relations.ResolveLookups(t, g, prepared)...)
		ApplyMockFields(d.MockFields, prepared)
		renameToWire(t, prepared)

		extField := ""
		if op == models.OperationUpsert {
			extField = wireExternalID(t)
		}

		if m.script.CreateTargetCSVFiles || m.targetAPI == nil {
			preview := filepath.Join(dir, constants.TargetDirName, fmt.Sprintf("%s_%s.csv", d.EffectiveTargetName(), strings.ToLower(string(op))))
			if err := filestore.WriteCSV(preview, filestore.ColumnsOf(prepared), prepared); err != nil {
				return err
			}
		}
		if m.targetAPI == nil {
			return nil
		}

		person, business := PartitionPersonAccounts(d.EffectiveTargetName(), prepared)
		for _, part := range [][]models.SObject{business, person} {
			if len(part) == 0 {
				continue
			}
			results, err := m.submit(ctx, d.EffectiveTargetName(), op, extField, part)
			if err != nil {
				return err
			}
			m.recordResults(t, op, results)
		}
		return nil
	}

	switch op {
	case models.OperationInsert:
		// records already on the target are left alone
		if err := run(models.OperationInsert, inserts); err != nil {
			return missing, err
		}
	case models.OperationUpdate:
		if err := run(models.OperationUpdate, updates); err != nil {
			return missing, err
		}
	case models.OperationUpsert:
		if d.HasComplexExternalID() {
			// composite keys cannot ride the upsert endpoint; split into
			// the two primitive operations
			if err := run(models.OperationInsert, inserts); err != nil {
				return missing, err
			}
			if err := run(models.OperationUpdate, updates); err != nil {
				return missing, err
			}
		} else {
			if err := run(models.OperationUpsert, t.SourceRecords); err != nil {
				return missing, err
			}
		}
	}
	return missing, nil
}

// prepareWriteRecords builds the wire copies: writable columns only, blob
// placeholders materialized, Id cleared for insert or rewritten to the
// matched target id for update. The source id rides along in the internal
// slot.
func (m *MigrationService) prepareWriteRecords(t *Task, op models.Operation, recs []models.SObject, binCache *filestore.BinaryCache) ([]models.SObject, error) {
	effectiveOp := op
	if op == models.OperationUpsert {
		effectiveOp = models.OperationInsert
	}
	cols := t.writeColumns(effectiveOp)
	blobField := constants.BlobFields[t.Object()]

	out := make([]models.SObject, 0, len(recs))
	for _, rec := range recs {
		w := make(models.SObject, len(cols)+1)
		for _, f := range t.Descriptor.Fields {
			if f.IsComplex {
				continue
			}
			if !containsColumn(cols, f.WireName()) {
				continue
			}
			v, ok := rec[f.Name]
			if !ok {
				continue
			}
			if f.Name == blobField {
				sv, _ := v.(string)
				if strings.HasPrefix(sv, "[blob[") && binCache != nil && !binCache.Inline() {
					id := strings.TrimSuffix(strings.TrimPrefix(sv, "[blob["), "]]")
					content, err := binCache.Get(id)
					if err != nil {
						return nil, err
					}
					v = string(content)
				}
			}
			w[f.Name] = v
		}
		w.SetSourceID(rec.SourceID())
		switch op {
		case models.OperationInsert, models.OperationUpsert:
			delete(w, constants.FieldID)
		case models.OperationUpdate:
			if targetID, ok := t.TargetIDForSource(rec.SourceID()); ok {
				w[constants.FieldID] = targetID
			}
		}
		out = append(out, w)
	}
	return out, nil
}

// renameToWire applies field-mapping renames in place after resolution.
func renameToWire(t *Task, recs []models.SObject) {
	var renamed []*models.FieldDescriptor
	for _, f := range t.Descriptor.Fields {
		if f.TargetName != "" && f.TargetName != f.Name {
			renamed = append(renamed, f)
		}
	}
	if len(renamed) == 0 {
		return
	}
	for _, rec := range recs {
		for _, f := range renamed {
			if v, ok := rec[f.Name]; ok {
				rec[f.TargetName] = v
				delete(rec, f.Name)
			}
		}
	}
}

func wireExternalID(t *Task) string {
	ext := firstSimpleComponent(t.Descriptor.ExternalID)
	if f := t.Descriptor.Field(ext); f != nil {
		return f.WireName()
	}
	return ext
}

func (m *MigrationService) submit(ctx context.Context, object string, op models.Operation, extField string, recs []models.SObject) ([]engines.RecordResult, error) {
	cfg := engines.Config{
		BulkThreshold:      m.script.EffectiveBulkThreshold(),
		BulkAPIVersion:     m.script.EffectiveBulkAPIVersion(),
		BulkAPIV1BatchSize: m.script.BulkAPIV1BatchSize,
		AllOrNone:          m.script.AllOrNone,
		PollingInterval:    m.script.PollingInterval(),
		ParallelBulkJobs:   m.script.ParallelBulkJobs,
		ParallelRestJobs:   m.script.ParallelRestJobs,
	}
	eng := engines.Select(object, op, len(recs), m.targetAPI, m.bus, m.log, cfg)
	plan, err := eng.PrepareBatches(recs)
	if err != nil {
		return nil, err
	}
	plan.ExternalIDField = extField
	return eng.Execute(ctx, plan)
}

// recordResults links successful writes into the source-to-target map and
// logs the failures; record-level failures are reported, not fatal.
func (m *MigrationService) recordResults(t *Task, op models.Operation, results []engines.RecordResult) {
	failed := 0
	for _, rr := range results {
		if rr.Success && rr.Record != nil && rr.ID != "" {
			t.LinkSourceToTarget(rr.Record.SourceID(), rr.ID)
			continue
		}
		if !rr.Success {
			failed++
			if rr.Error != "" {
				m.log.Warnw("record write failed", "object", t.Object(), "operation", string(op), "error", rr.Error)
			}
		}
	}
	if failed > 0 {
		m.log.Warnw("records failed", "object", t.Object(), "operation", string(op), "failed", failed, "total", len(results))
	}
}

func (m *MigrationService) flushReports(dir string, missing []models.MissingParentRecord, issues []models.CSVIssue) error {
	if len(missing) > 0 {
		rows := make([][]string, len(missing))
		for i, r := range missing {
			rows[i] = r.Row()
		}
		if err := filestore.AppendReport(filepath.Join(dir, constants.MissingParentReportFile), models.MissingParentRecord{}.Header(), rows); err != nil {
			return err
		}
	}
	if len(issues) > 0 {
		rows := make([][]string, len(issues))
		for i, r := range issues {
			rows[i] = r.Row()
		}
		if err := filestore.AppendReport(filepath.Join(dir, constants.CSVIssuesReportFile), models.CSVIssue{}.Header(), rows); err != nil {
			return err
		}
	}
	return nil
}

// describerOf avoids handing a typed nil to the Describer interface.
func describerOf(api *sfapi.Service) Describer {
	if api == nil {
		return nil
	}
	return api
}
