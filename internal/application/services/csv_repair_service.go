package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/filestore"
	"github.com/orgmigrate/orgmigrate/pkg/constants"
	"github.com/orgmigrate/orgmigrate/pkg/soql"
)

// CSVRepairService inspects and repairs the object CSV files before the
// retrieval driver runs on a file source: header trim, value mapping,
// missing Id synthesis, and lookup id / relationship column reconstruction
// across sibling files. Repaired files go to a source/ mirror; originals
// stay untouched.
type CSVRepairService struct {
	rootDir string
	log     *zap.SugaredLogger

	// repaired object data, kept so children reconcile against the already
	// repaired parent rather than the raw file
	repaired map[string]*repairedFile
}

type repairedFile struct {
	records []models.SObject
	columns []string
	byID    map[string]models.SObject
	byExt   map[string]models.SObject
}

// NewCSVRepairService creates the repair stage over the CSV root directory.
func NewCSVRepairService(rootDir string, log *zap.SugaredLogger) *CSVRepairService {
	return &CSVRepairService{rootDir: rootDir, log: log, repaired: map[string]*repairedFile{}}
}

// MirrorDir is where repaired files land.
func (s *CSVRepairService) MirrorDir() string {
	return filepath.Join(s.rootDir, constants.SourceDirName)
}

// Repair walks the tasks in execution order, so every parent file is
// repaired before its children reconcile against it. Returns the collected
// issues and the parent rows no sibling file could resolve; a fatal
// filesystem problem aborts.
func (s *CSVRepairService) Repair(g *TaskGraph) ([]models.CSVIssue, []models.MissingParentRecord, error) {
	var issues []models.CSVIssue
	var missing []models.MissingParentRecord
	valueMapping, err := s.loadValueMapping()
	if err != nil {
		return nil, nil, err
	}

	for _, t := range g.Tasks {
		fileIssues, fileMissing, err := s.repairObject(t, g, valueMapping)
		if err != nil {
			return nil, nil, err
		}
		issues = append(issues, fileIssues...)
		missing = append(missing, fileMissing...)
	}
	return issues, missing, nil
}

func (s *CSVRepairService) repairObject(t *Task, g *TaskGraph, valueMapping map[string]map[string]string) ([]models.CSVIssue, []models.MissingParentRecord, error) {
	object := t.Object()
	path := filepath.Join(s.rootDir, filestore.ObjectFileName(object))
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil, nil
	}
	records, columns, err := filestore.ReadCSV(path)
	if err != nil {
		return nil, nil, err
	}

	var issues []models.CSVIssue
	var missing []models.MissingParentRecord

	columns, records = trimHeaders(columns, records)

	if t.Descriptor.UseCSVValuesMapping {
		applyValueMapping(object, valueMapping, columns, records)
	}

	if !containsColumn(columns, constants.FieldID) {
		columns = append([]string{constants.FieldID}, columns...)
		for i, rec := range records {
			rec[constants.FieldID] = fmt.Sprintf("ID%016d", i+1)
		}
	}

	for _, f := range t.Descriptor.LookupFields() {
		if f.ParentLookupObject == "" {
			continue
		}
		parent := g.Task(f.ParentLookupObject)
		if parent == nil {
			continue
		}
		cols, lookupIssues, lookupMissing := s.repairLookupPair(object, f, parent, columns, records)
		columns = cols
		issues = append(issues, lookupIssues...)
		missing = append(missing, lookupMissing...)
	}

	mirror := filepath.Join(s.MirrorDir(), filestore.ObjectFileName(object))
	if err := filestore.WriteCSV(mirror, columns, records); err != nil {
		return nil, nil, err
	}
	s.repaired[strings.ToLower(object)] = indexRepaired(t, records, columns)
	return issues, missing, nil
}

// repairLookupPair reconciles the id column and the relationship external
// id column of one lookup. Whichever half is present feeds the other
// through the repaired parent file; an unresolvable reference yields both a
// file issue and a missing-parent report row. When both halves are absent,
// matching placeholders keep downstream stages consistent.
func (s *CSVRepairService) repairLookupPair(object string, f *models.FieldDescriptor, parent *Task, columns []string, records []models.SObject) ([]string, []models.CSVIssue, []models.MissingParentRecord) {
	idCol := f.Name
	extField := firstSimpleComponent(parent.Descriptor.ExternalID)
	relCol := f.RelationshipName() + "." + extField

	hasID := containsColumn(columns, idCol)
	hasRel := containsColumn(columns, relCol)
	parentFile := s.repaired[strings.ToLower(parent.Object())]

	var issues []models.CSVIssue
	var missing []models.MissingParentRecord
	switch {
	case hasRel && !hasID:
		columns = append(columns, idCol)
		for _, rec := range records {
			ext := rec.GetString(relCol)
			if ext == "" {
				continue
			}
			if parentFile != nil {
				if prec, ok := parentFile.byExt[ext]; ok {
					rec[idCol] = prec.ID()
					continue
				}
			}
			issues = append(issues, models.CSVIssue{
				Object:      object,
				Field:       idCol,
				RowKey:      ext,
				Description: fmt.Sprintf("no %s row with %s = %q", parent.Object(), extField, ext),
			})
			missing = append(missing, models.MissingParentRecord{
				ChildObject:           object,
				ChildField:            idCol,
				ExternalID:            ext,
				ParentObject:          parent.Object(),
				ParentExternalIDField: extField,
			})
		}
	case hasID && !hasRel:
		columns = append(columns, relCol)
		for _, rec := range records {
			id := rec.GetString(idCol)
			if id == "" {
				continue
			}
			if parentFile != nil {
				if prec, ok := parentFile.byID[id]; ok {
					rec[relCol] = prec.GetString(extField)
					continue
				}
			}
			issues = append(issues, models.CSVIssue{
				Object:      object,
				Field:       relCol,
				RowKey:      id,
				Description: fmt.Sprintf("no %s row with Id = %q", parent.Object(), id),
			})
			missing = append(missing, models.MissingParentRecord{
				ChildObject:           object,
				ChildField:            idCol,
				ExternalID:            id,
				ParentObject:          parent.Object(),
				ParentExternalIDField: constants.FieldID,
			})
		}
	case !hasID && !hasRel:
		// nothing to reconcile against: parallel placeholders keep the
		// downstream report consistent instead of crashing
		columns = append(columns, idCol, relCol)
		for _, rec := range records {
			placeholder := "PL" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
			rec[idCol] = placeholder
			rec[relCol] = placeholder
		}
	}
	return columns, issues, missing
}

func (s *CSVRepairService) loadValueMapping() (map[string]map[string]string, error) {
	path := filepath.Join(s.rootDir, "ValueMapping.csv")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	rows, _, err := filestore.ReadCSV(path)
	if err != nil {
		return nil, err
	}
	out := map[string]map[string]string{}
	for _, row := range rows {
		object := row.GetString("ObjectName")
		field := row.GetString("FieldName")
		if object == "" || field == "" {
			continue
		}
		key := strings.ToLower(object) + "." + strings.ToLower(field)
		if out[key] == nil {
			out[key] = map[string]string{}
		}
		out[key][row.GetString("RawValue")] = row.GetString("Value")
	}
	return out, nil
}

func applyValueMapping(object string, mapping map[string]map[string]string, columns []string, records []models.SObject) {
	if len(mapping) == 0 {
		return
	}
	for _, col := range columns {
		table := mapping[strings.ToLower(object)+"."+strings.ToLower(col)]
		if table == nil {
			continue
		}
		for _, rec := range records {
			if mapped, ok := table[rec.GetString(col)]; ok {
				rec[col] = mapped
			}
		}
	}
}

func trimHeaders(columns []string, records []models.SObject) ([]string, []models.SObject) {
	trimmed := make([]string, len(columns))
	changed := false
	for i, c := range columns {
		trimmed[i] = strings.TrimSpace(c)
		if trimmed[i] != c {
			changed = true
		}
	}
	if !changed {
		return columns, records
	}
	for _, rec := range records {
		for i, c := range columns {
			if trimmed[i] != c {
				rec[trimmed[i]] = rec[c]
				delete(rec, c)
			}
		}
	}
	return trimmed, records
}

func containsColumn(columns []string, name string) bool {
	for _, c := range columns {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

func indexRepaired(t *Task, records []models.SObject, columns []string) *repairedFile {
	rf := &repairedFile{
		records: records,
		columns: columns,
		byID:    map[string]models.SObject{},
		byExt:   map[string]models.SObject{},
	}
	for _, rec := range records {
		if id := rec.ID(); id != "" {
			rf.byID[id] = rec
		}
		if ext := t.ExternalIDOf(rec); ext != "" {
			rf.byExt[ext] = rec
		}
	}
	return rf
}

func firstSimpleComponent(extID string) string {
	for _, comp := range soql.SplitComplex(extID) {
		if !strings.Contains(comp, ".") {
			return comp
		}
	}
	return constants.FieldName
}
