package sfapi

import (
	"context"
	"fmt"
)

// Field is the describe metadata for one field, trimmed to what the engine
// consumes.
type Field struct {
	Name                    string   `json:"name"`
	Label                   string   `json:"label,omitempty"`
	Type                    string   `json:"type"`
	AutoNumber              bool     `json:"autoNumber,omitempty"`
	Calculated              bool     `json:"calculated,omitempty"`
	CompoundFieldName       string   `json:"compoundFieldName,omitempty"`
	Createable              bool     `json:"createable,omitempty"`
	Custom                  bool     `json:"custom,omitempty"`
	ExternalID              bool     `json:"externalId,omitempty"`
	IDLookup                bool     `json:"idLookup,omitempty"`
	NameField               bool     `json:"nameField,omitempty"`
	NamePointing            bool     `json:"namePointing,omitempty"`
	Nillable                bool     `json:"nillable,omitempty"`
	PolymorphicForeignKey   bool     `json:"polymorphicForeignKey,omitempty"`
	ReferenceTo             []string `json:"referenceTo,omitempty"`
	RelationshipName        string   `json:"relationshipName,omitempty"`
	RelationshipOrder       int      `json:"relationshipOrder,omitempty"`
	Unique                  bool     `json:"unique,omitempty"`
	Updateable              bool     `json:"updateable,omitempty"`
	WriteRequiresMasterRead bool     `json:"writeRequiresMasterRead,omitempty"`
	CascadeDelete           bool     `json:"cascadeDelete,omitempty"`
}

// IsLookup reports whether the field references another object.
func (f *Field) IsLookup() bool {
	return (f.Type == "reference" || len(f.ReferenceTo) > 0) && f.Name != "Id"
}

// IsMasterDetail approximates the master-detail flag from describe output:
// a required lookup whose writes require master read, or one carrying a
// relationship order.
func (f *Field) IsMasterDetail() bool {
	if !f.IsLookup() {
		return false
	}
	return f.WriteRequiresMasterRead || f.RelationshipOrder > 0 || (!f.Nillable && f.CascadeDelete)
}

// SObjectDefinition is the describe metadata for one object.
type SObjectDefinition struct {
	Name       string  `json:"name"`
	Label      string  `json:"label,omitempty"`
	Custom     bool    `json:"custom,omitempty"`
	Createable bool    `json:"createable,omitempty"`
	Updateable bool    `json:"updateable,omitempty"`
	Deletable  bool    `json:"deletable,omitempty"`
	Queryable  bool    `json:"queryable,omitempty"`
	KeyPrefix  string  `json:"keyPrefix,omitempty"`
	Fields     []Field `json:"fields,omitempty"`
}

// Field returns the described field by name, nil when absent.
func (d *SObjectDefinition) Field(name string) *Field {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i]
		}
	}
	return nil
}

// Describe returns all fields of an object along with top level metadata.
func (sv *Service) Describe(ctx context.Context, name string) (*SObjectDefinition, error) {
	var result *SObjectDefinition
	err := sv.Call(ctx, "GET", fmt.Sprintf("sobjects/%s/describe", name), nil, &result)
	return result, err
}

// ObjectList returns top level metadata for every object in the org.
func (sv *Service) ObjectList(ctx context.Context) ([]SObjectDefinition, error) {
	var result = struct {
		Objects []SObjectDefinition `json:"sobjects,omitempty"`
	}{}
	if err := sv.Call(ctx, "GET", "sobjects/", nil, &result); err != nil {
		return nil, err
	}
	return result.Objects, nil
}
