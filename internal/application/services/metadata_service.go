package services

import (
	"context"
	goerrors "errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/sfapi"
	"github.com/orgmigrate/orgmigrate/pkg/constants"
	"github.com/orgmigrate/orgmigrate/pkg/errors"
	"github.com/orgmigrate/orgmigrate/pkg/soql"
)

// Describer resolves object metadata on one side of the run.
type Describer interface {
	Describe(ctx context.Context, object string) (*sfapi.SObjectDefinition, error)
}

// MetadataService turns script object declarations into fully described
// object descriptors. The target schema is authoritative; a file medium on
// one side borrows the describe of the org side.
type MetadataService struct {
	source Describer // nil when the source medium is CSV files
	target Describer // nil when the target medium is CSV files
	log    *zap.SugaredLogger

	cache map[string]*sfapi.SObjectDefinition
}

// NewMetadataService builds the service; at least one side must be an org.
func NewMetadataService(source, target Describer, log *zap.SugaredLogger) *MetadataService {
	return &MetadataService{
		source: source,
		target: target,
		log:    log,
		cache:  map[string]*sfapi.SObjectDefinition{},
	}
}

// Build describes every script object and expands its query into field
// descriptors, then links lookup cross-references across the run.
func (s *MetadataService) Build(ctx context.Context, objects []models.ScriptObject) ([]*models.ObjectDescriptor, error) {
	var descs []*models.ObjectDescriptor
	for _, so := range objects {
		d, err := s.describeObject(ctx, so)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	s.linkDescriptors(descs)
	return descs, nil
}

func (s *MetadataService) describeObject(ctx context.Context, so models.ScriptObject) (*models.ObjectDescriptor, error) {
	q, err := soql.Parse(so.Query)
	if err != nil {
		return nil, err
	}
	op, ok := models.ParseOperation(so.Operation)
	if !ok {
		return nil, errors.NewSchemaError(q.Object, fmt.Sprintf("unknown operation %q", so.Operation))
	}

	targetName, renames := applyFieldMapping(so.FieldMapping)

	def, err := s.describe(ctx, q.Object)
	if err != nil {
		return nil, err
	}

	expanded, fields, err := expandQuery(q, def, so, op, renames, s.log)
	if err != nil {
		return nil, err
	}

	extID, err := s.resolveExternalID(q.Object, so.ExternalID, def)
	if err != nil {
		return nil, err
	}
	// the external id components must be part of the query
	for _, comp := range soql.SplitComplex(extID) {
		if strings.Contains(comp, ".") {
			expanded.AddField(comp)
			continue
		}
		if f := def.Field(comp); f != nil && !expanded.HasField(comp) {
			expanded.AddField(f.Name)
			fields = append(fields, fieldDescriptorOf(q.Object, f, renames))
		}
	}

	allRecords := q.Where == "" && q.Limit == 0
	if so.AllRecords != nil {
		allRecords = *so.AllRecords
	}

	d := &models.ObjectDescriptor{
		Name:                q.Object,
		TargetName:          targetName,
		Operation:           op,
		ExternalID:          extID,
		AllRecords:          allRecords,
		DeleteOldData:       so.DeleteOldData,
		DeleteQuery:         so.DeleteQuery,
		Query:               expanded.Compose(),
		HasBoundedQuery:     q.Where != "" || q.Limit > 0,
		TargetRecordsFilter: so.TargetRecordsFilter,
		ExcludedFields:      so.ExcludedFields,
		MockFields:          so.MockFields,
		UseCSVValuesMapping: so.UseCSVValuesMapping,
		MultiselectPattern:  so.MultiselectPattern,
		Fields:              fields,
	}
	for _, f := range fields {
		if f.IsMasterDetail {
			d.MasterDetail = true
		}
	}
	return d, nil
}

// describe resolves the definition, target side first, and checks the
// object exists on both connected orgs. Describe results are cached per
// run; a missing object on either side is a schema error before any data
// moves.
func (s *MetadataService) describe(ctx context.Context, object string) (*sfapi.SObjectDefinition, error) {
	if def, ok := s.cache[strings.ToLower(object)]; ok {
		return def, nil
	}
	side, sideName := s.target, "target"
	if side == nil {
		side, sideName = s.source, "source"
	}
	if side == nil {
		return nil, errors.NewSchemaError(object, "at least one side of the run must be a connected org")
	}
	def, err := s.describeOn(ctx, side, sideName, object)
	if err != nil {
		return nil, err
	}
	if sideName == "target" && s.source != nil {
		if _, err := s.describeOn(ctx, s.source, "source", object); err != nil {
			return nil, err
		}
	}
	s.cache[strings.ToLower(object)] = def
	return def, nil
}

func (s *MetadataService) describeOn(ctx context.Context, side Describer, sideName, object string) (*sfapi.SObjectDefinition, error) {
	def, err := side.Describe(ctx, object)
	if err != nil {
		var te *errors.ApiTransportError
		if goerrors.As(err, &te) && te.StatusCode == 404 {
			return nil, errors.NewSchemaError(object, "object does not exist in the "+sideName+" org")
		}
		return nil, err
	}
	if def == nil || def.Name == "" {
		return nil, errors.NewSchemaError(object, "object does not exist in the "+sideName+" org")
	}
	return def, nil
}

// resolveExternalID validates the declared external id against the
// describe, typo-correcting simple components. An empty declaration is
// substituted by the first of: name field, autonumber, any unique field,
// else Id.
func (s *MetadataService) resolveExternalID(object, decl string, def *sfapi.SObjectDefinition) (string, error) {
	decl = strings.TrimSpace(soql.DecodeComplex(decl))
	if decl == "" {
		return substituteExternalID(def), nil
	}
	parts := soql.SplitComplex(decl)
	resolved := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.Contains(p, ".") {
			resolved = append(resolved, p)
			continue
		}
		f := describeField(def, p)
		if f == nil {
			return "", errors.NewFieldSchemaError(object, p, "external id field does not exist")
		}
		resolved = append(resolved, f.Name)
	}
	return strings.Join(resolved, ";"), nil
}

func substituteExternalID(def *sfapi.SObjectDefinition) string {
	for i := range def.Fields {
		if def.Fields[i].NameField {
			return def.Fields[i].Name
		}
	}
	for i := range def.Fields {
		if def.Fields[i].AutoNumber {
			return def.Fields[i].Name
		}
	}
	for i := range def.Fields {
		if def.Fields[i].Unique {
			return def.Fields[i].Name
		}
	}
	return constants.FieldID
}

// linkDescriptors resolves lookup cross-references by name across the run:
// the referenced object of every lookup, the parent back-reference, the
// child referencing fields on the parent, and the relationship twin column
// in the parent's external id added to the child's query.
func (s *MetadataService) linkDescriptors(descs []*models.ObjectDescriptor) {
	byName := map[string]*models.ObjectDescriptor{}
	for _, d := range descs {
		byName[strings.ToLower(d.Name)] = d
	}
	for _, d := range descs {
		q, err := soql.Parse(d.Query)
		if err != nil {
			continue
		}
		for _, f := range d.Fields {
			if !f.IsLookup {
				continue
			}
			if f.Referenced == "" {
				f.Referenced = pickReferenced(f.ReferenceTo, byName)
			}
			parent, inRun := byName[strings.ToLower(f.Referenced)]
			if !inRun {
				continue
			}
			f.ParentLookupObject = parent.Name
			appendChildRef(parent, d.Name, f.Name)

			// twin relationship column carrying the parent's external id
			rel := f.RelationshipName()
			for _, comp := range soql.SplitComplex(parent.ExternalID) {
				if !strings.Contains(comp, ".") {
					q.AddField(rel + "." + comp)
				}
			}
		}
		d.Query = q.Compose()
	}
}

func pickReferenced(candidates []string, byName map[string]*models.ObjectDescriptor) string {
	for _, c := range candidates {
		if _, ok := byName[strings.ToLower(c)]; ok {
			return c
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return ""
}

func appendChildRef(parent *models.ObjectDescriptor, childObject, childField string) {
	for _, ref := range childRefsOf(parent) {
		if strings.EqualFold(ref.Object, childObject) && strings.EqualFold(ref.Field, childField) {
			return
		}
	}
	idField := parent.Field(constants.FieldID)
	if idField == nil {
		idField = &models.FieldDescriptor{Name: constants.FieldID, Type: "id"}
		parent.Fields = append(parent.Fields, idField)
	}
	idField.ChildReferencingFields = append(idField.ChildReferencingFields, models.FieldRef{Object: childObject, Field: childField})
}

func childRefsOf(parent *models.ObjectDescriptor) []models.FieldRef {
	if f := parent.Field(constants.FieldID); f != nil {
		return f.ChildReferencingFields
	}
	return nil
}

// applyFieldMapping splits the script mapping into the target object rename
// and per-field renames.
func applyFieldMapping(items []models.FieldMappingItem) (string, map[string]string) {
	targetName := ""
	renames := map[string]string{}
	for _, it := range items {
		if it.TargetObject != "" {
			targetName = it.TargetObject
		}
		if it.SourceField != "" && it.TargetField != "" {
			renames[it.SourceField] = it.TargetField
		}
	}
	return targetName, renames
}

func fieldDescriptorOf(object string, f *sfapi.Field, renames map[string]string) *models.FieldDescriptor {
	return &models.FieldDescriptor{
		Name:           f.Name,
		TargetName:     renames[f.Name],
		Type:           f.Type,
		IsLookup:       f.IsLookup(),
		ReferenceTo:    f.ReferenceTo,
		IsPolymorphic:  f.PolymorphicForeignKey || len(f.ReferenceTo) > 1,
		IsMasterDetail: f.IsMasterDetail(),
		IsAutoNumber:   f.AutoNumber,
		IsReadonly:     !f.Createable && !f.Updateable,
		IsExternalID:   f.ExternalID,
		IsUnique:       f.Unique,
		IsNameField:    f.NameField,
		IsCustom:       f.Custom,
		IsBlob:         constants.BlobFields[object] == f.Name,
		Nillable:       f.Nillable,
		Creatable:      f.Createable,
		Updateable:     f.Updateable,
	}
}
