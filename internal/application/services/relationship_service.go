package services

import (
	"strings"

	"go.uber.org/zap"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/pkg/constants"
)

// RelationshipService rewrites lookup identifiers from the source id space
// to the target id space at write preparation time. Resolution only reads
// the task maps; a missing parent nulls the lookup and yields a report row
// instead of failing the record.
type RelationshipService struct {
	log *zap.SugaredLogger
}

// NewRelationshipService creates the resolver.
func NewRelationshipService(log *zap.SugaredLogger) *RelationshipService {
	return &RelationshipService{log: log}
}

// ResolveLookups rewrites every lookup field on every prepared record in
// place. The records must be write copies, not the task's source buffer.
func (s *RelationshipService) ResolveLookups(t *Task, g *TaskGraph, recs []models.SObject) []models.MissingParentRecord {
	var missing []models.MissingParentRecord
	for _, f := range t.Descriptor.LookupFields() {
		if f.Referenced == "" && f.ParentLookupObject == "" {
			continue
		}
		var parent *Task
		if f.ParentLookupObject != "" {
			parent = g.Task(f.ParentLookupObject)
		}
		for _, rec := range recs {
			sourceID := rec.GetString(f.Name)
			if sourceID == "" {
				continue
			}
			if parent != nil {
				if targetID, ok := parent.TargetIDForSource(sourceID); ok {
					rec[f.Name] = targetID
					continue
				}
			}
			// a source-org id must never reach the target; null it and report
			rec[f.Name] = nil
			mp := models.MissingParentRecord{
				ChildObject:  t.Object(),
				ChildField:   f.Name,
				ExternalID:   sourceID,
				ParentObject: f.Referenced,
			}
			if parent != nil {
				mp.ExternalID = parentExternalValue(parent, sourceID)
				mp.ParentObject = parent.Object()
				mp.ParentExternalIDField = parent.Descriptor.ExternalID
			} else {
				mp.ParentExternalIDField = constants.FieldID
			}
			missing = append(missing, mp)
		}
	}
	return missing
}

// parentExternalValue names the unresolved parent by its external id when
// the source record is known, falling back to the raw source id.
func parentExternalValue(parent *Task, sourceID string) string {
	if rec, ok := parent.SourceByID(sourceID); ok {
		if ext := parent.ExternalIDOf(rec); ext != "" {
			return ext
		}
	}
	return sourceID
}

// PartitionPersonAccounts splits an Account or Contact batch by the
// IsPersonAccount flag and strips the fields each partition forbids. For
// objects without the flag the input comes back as the single business
// partition.
func PartitionPersonAccounts(object string, recs []models.SObject) (person, business []models.SObject) {
	personExcluded := excludedSet(constants.PersonAccountExcludedFields[object])
	businessExcluded := excludedSet(constants.BusinessAccountExcludedFields[object])

	hasFlag := false
	for _, rec := range recs {
		if _, ok := rec[constants.FieldIsPersonAccount]; ok {
			hasFlag = true
			break
		}
	}
	if !hasFlag {
		return nil, recs
	}

	for _, rec := range recs {
		if rec.GetString(constants.FieldIsPersonAccount) == "true" {
			person = append(person, stripFields(rec, personExcluded))
		} else {
			business = append(business, stripFields(rec, businessExcluded))
		}
	}
	return person, business
}

func excludedSet(fields []string) map[string]bool {
	out := make(map[string]bool, len(fields)+1)
	for _, f := range fields {
		out[strings.ToLower(f)] = true
	}
	out[strings.ToLower(constants.FieldIsPersonAccount)] = true
	return out
}

func stripFields(rec models.SObject, excluded map[string]bool) models.SObject {
	out := make(models.SObject, len(rec))
	for k, v := range rec {
		if excluded[strings.ToLower(k)] {
			continue
		}
		out[k] = v
	}
	return out
}
