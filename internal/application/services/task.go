package services

import (
	"strings"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/pkg/constants"
	"github.com/orgmigrate/orgmigrate/pkg/soql"
)

// Task binds one described object to its runtime state for the run: the
// source and target record buffers and the composite index that backs the
// externalId -> sourceId -> sourceRecord -> targetRecord chain with single
// map hops.
type Task struct {
	Descriptor *models.ObjectDescriptor

	SourceRecords []models.SObject
	TargetRecords []models.SObject

	extToSourceID    map[string]string
	idToSource       map[string]models.SObject
	sourceToTargetID map[string]string
	targetByExt      map[string]models.SObject
	targetByID       map[string]models.SObject

	// filteredValueCache remembers every value already used in an IN (...)
	// clause against this task, keyed by the queried field. Each
	// (task, field, value) triple reaches the server at most once.
	filteredValueCache map[string]map[string]bool
}

// NewTask creates the runtime state for one descriptor.
func NewTask(desc *models.ObjectDescriptor) *Task {
	return &Task{
		Descriptor:         desc,
		extToSourceID:      map[string]string{},
		idToSource:         map[string]models.SObject{},
		sourceToTargetID:   map[string]string{},
		targetByExt:        map[string]models.SObject{},
		targetByID:         map[string]models.SObject{},
		filteredValueCache: map[string]map[string]bool{},
	}
}

// Object returns the source-side object name.
func (t *Task) Object() string {
	return t.Descriptor.Name
}

// ExternalIDOf evaluates the task's external id over one record. Composite
// declarations join their component values with ";"; components may be
// dotted relationship paths.
func (t *Task) ExternalIDOf(rec models.SObject) string {
	parts := soql.SplitComplex(t.Descriptor.ExternalID)
	if len(parts) == 0 {
		return rec.ID()
	}
	if len(parts) == 1 {
		return rec.GetPath(parts[0])
	}
	values := make([]string, len(parts))
	for i, p := range parts {
		values[i] = rec.GetPath(p)
	}
	return soql.JoinComplexValue(values)
}

// AddSourceRecords unions records into the source buffer, deduplicating by
// record id. Every accepted record gets its source id stamped into the
// reserved internal slot. Returns the number of new records.
func (t *Task) AddSourceRecords(recs []models.SObject) int {
	added := 0
	for _, rec := range recs {
		id := rec.ID()
		if id != "" {
			if _, seen := t.idToSource[id]; seen {
				continue
			}
			t.idToSource[id] = rec
			rec.SetSourceID(id)
		}
		if ext := t.ExternalIDOf(rec); ext != "" && id != "" {
			t.extToSourceID[ext] = id
		}
		t.SourceRecords = append(t.SourceRecords, rec)
		added++
	}
	return added
}

// SourceByID returns the source record with the given id.
func (t *Task) SourceByID(id string) (models.SObject, bool) {
	rec, ok := t.idToSource[id]
	return rec, ok
}

// SourceIDByExternal returns the source id owning the external id value.
func (t *Task) SourceIDByExternal(ext string) (string, bool) {
	id, ok := t.extToSourceID[ext]
	return id, ok
}

// AddTargetRecords unions records into the target buffer, indexing by
// external id and linking source records whose external id matches.
func (t *Task) AddTargetRecords(recs []models.SObject) {
	for _, rec := range recs {
		id := rec.ID()
		if id != "" {
			if _, seen := t.targetByID[id]; seen {
				continue
			}
			t.targetByID[id] = rec
		}
		t.TargetRecords = append(t.TargetRecords, rec)
		ext := t.ExternalIDOf(rec)
		if ext == "" {
			continue
		}
		t.targetByExt[ext] = rec
		if srcID, ok := t.extToSourceID[ext]; ok {
			t.sourceToTargetID[srcID] = id
		}
	}
}

// TargetByExternal returns the target record with the external id value.
func (t *Task) TargetByExternal(ext string) (models.SObject, bool) {
	rec, ok := t.targetByExt[ext]
	return rec, ok
}

// LinkSourceToTarget records that the source record now exists on the
// target under targetID.
func (t *Task) LinkSourceToTarget(sourceID, targetID string) {
	if sourceID == "" || targetID == "" {
		return
	}
	t.sourceToTargetID[sourceID] = targetID
}

// TargetIDForSource resolves a source record id to its target-side id.
func (t *Task) TargetIDForSource(sourceID string) (string, bool) {
	id, ok := t.sourceToTargetID[sourceID]
	return id, ok
}

// UnqueriedValues subtracts the already-queried set for field from values
// and marks the remainder as queried. Blank values never pass through.
func (t *Task) UnqueriedValues(field string, values []string) []string {
	key := strings.ToLower(field)
	cache := t.filteredValueCache[key]
	if cache == nil {
		cache = map[string]bool{}
		t.filteredValueCache[key] = cache
	}
	var out []string
	for _, v := range values {
		if v == "" || cache[v] {
			continue
		}
		cache[v] = true
		out = append(out, v)
	}
	return out
}

// StampComplexColumn materializes the composite external id as the encoded
// phantom column on every source record, after all fetches finished.
func (t *Task) StampComplexColumn() {
	if !t.Descriptor.HasComplexExternalID() {
		return
	}
	col := soql.EncodeComplex(t.Descriptor.ExternalID)
	for _, rec := range t.SourceRecords {
		rec[col] = t.ExternalIDOf(rec)
	}
}

// writeColumns lists every writable wire column of the task per the field
// descriptors, honoring excluded fields.
func (t *Task) writeColumns(op models.Operation) []string {
	excluded := map[string]bool{}
	for _, f := range t.Descriptor.ExcludedFields {
		excluded[strings.ToLower(f)] = true
	}
	for _, f := range constants.AlwaysExcludedFields[""] {
		excluded[strings.ToLower(f)] = true
	}
	var cols []string
	for _, f := range t.Descriptor.Fields {
		if f.IsComplex {
			continue
		}
		if excluded[strings.ToLower(f.Name)] {
			continue
		}
		if f.Name == constants.FieldID && op == models.OperationInsert {
			continue
		}
		if op == models.OperationInsert && !f.Creatable && f.Name != constants.FieldID {
			continue
		}
		if op == models.OperationUpdate && !f.Updateable && f.Name != constants.FieldID {
			continue
		}
		cols = append(cols, f.WireName())
	}
	return cols
}
