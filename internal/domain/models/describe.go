package models

import (
	"strings"

	"github.com/orgmigrate/orgmigrate/pkg/constants"
)

// FieldRef names a field on an object without owning its descriptor;
// cross-references between descriptors are always by name so the object
// graph may cycle freely.
type FieldRef struct {
	Object string
	Field  string
}

// FieldDescriptor carries the merged source/target metadata for one queried
// field.
type FieldDescriptor struct {
	Name       string
	TargetName string // field-mapping rename; empty means Name

	Type           string
	IsComplex      bool
	IsLookup       bool
	ReferenceTo    []string // candidate parent objects; >1 means polymorphic
	Referenced     string   // resolved parent object
	IsPolymorphic  bool
	IsMasterDetail bool
	IsAutoNumber   bool
	IsReadonly     bool
	IsExternalID   bool
	IsUnique       bool
	IsNameField    bool
	IsCustom       bool
	IsBlob         bool
	Nillable       bool
	Creatable      bool
	Updateable     bool

	// ParentLookupObject names the descriptor of the referenced object when
	// it participates in the run; ChildReferencingFields lists all lookup
	// fields on other objects targeting this object.
	ParentLookupObject     string
	ChildReferencingFields []FieldRef
}

// WireName returns the field name used against the target org.
func (f *FieldDescriptor) WireName() string {
	if f.TargetName != "" {
		return f.TargetName
	}
	return f.Name
}

// RelationshipName returns the __r / relationship spelling of a lookup.
func (f *FieldDescriptor) RelationshipName() string {
	return constants.RelationshipSuffix(f.Name)
}

// ObjectDescriptor binds one script object to its described metadata.
type ObjectDescriptor struct {
	Name       string
	TargetName string // field-mapping rename; empty means Name

	Operation     Operation
	ExternalID    string // declaration form; may be composite "A;B"
	AllRecords    bool   // process-all-source
	DeleteOldData bool
	DeleteQuery   string
	MasterDetail  bool // object is the detail side of a master-detail

	Query           string // original script query text
	HasBoundedQuery bool   // user supplied a WHERE or LIMIT

	TargetRecordsFilter string
	ExcludedFields      []string
	MockFields          []MockField
	UseCSVValuesMapping bool
	MultiselectPattern  string

	Fields []*FieldDescriptor
}

// EffectiveTargetName returns the object name used against the target org.
func (o *ObjectDescriptor) EffectiveTargetName() string {
	if o.TargetName != "" {
		return o.TargetName
	}
	return o.Name
}

// Field returns the descriptor for name, nil when absent.
func (o *ObjectDescriptor) Field(name string) *FieldDescriptor {
	for _, f := range o.Fields {
		if strings.EqualFold(f.Name, name) {
			return f
		}
	}
	return nil
}

// LookupFields returns the simple lookup fields in declaration order.
func (o *ObjectDescriptor) LookupFields() []*FieldDescriptor {
	var out []*FieldDescriptor
	for _, f := range o.Fields {
		if f.IsLookup && !f.IsComplex {
			out = append(out, f)
		}
	}
	return out
}

// HasComplexExternalID reports whether the external id is a composite.
func (o *ObjectDescriptor) HasComplexExternalID() bool {
	return strings.Contains(o.ExternalID, ";")
}

// IsReadonly reports whether the object never writes to the target.
func (o *ObjectDescriptor) IsReadonly() bool {
	return o.Operation == OperationReadonly
}
