package models

import (
	"fmt"
	"strings"

	"github.com/orgmigrate/orgmigrate/pkg/constants"
)

// SObject is one record as a field map, the shape every layer of the engine
// exchanges. Values are strings, numbers, bools or nil as decoded from JSON
// or CSV.
type SObject map[string]interface{}

// ID returns the record's public id field.
func (r SObject) ID() string {
	return r.GetString(constants.FieldID)
}

// SourceID returns the reserved internal slot carrying the source-side id.
// It survives clearing or rewriting of the public Id field.
func (r SObject) SourceID() string {
	if v := r.GetString(constants.InternalSourceIDField); v != "" {
		return v
	}
	return r.ID()
}

// SetSourceID stamps the internal source id slot.
func (r SObject) SetSourceID(id string) {
	r[constants.InternalSourceIDField] = id
}

// GetString returns the field as a string, flattening nil to "".
func (r SObject) GetString(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		// JSON numbers decode as float64; render integers without exponent
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// GetPath resolves a dotted path (Account__r.Name) through nested records.
// CSV rows keep dotted columns as flat keys, so an exact key wins over
// traversal.
func (r SObject) GetPath(path string) string {
	if _, ok := r[path]; ok {
		return r.GetString(path)
	}
	parts := strings.Split(path, ".")
	cur := r
	for i, p := range parts {
		if i == len(parts)-1 {
			return cur.GetString(p)
		}
		next, ok := cur[p]
		if !ok || next == nil {
			return ""
		}
		switch t := next.(type) {
		case SObject:
			cur = t
		case map[string]interface{}:
			cur = SObject(t)
		default:
			return ""
		}
	}
	return ""
}

// SetPath writes a value through a dotted path, creating nested records as
// needed.
func (r SObject) SetPath(path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := r
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p]
		if !ok || next == nil {
			child := SObject{}
			cur[p] = child
			cur = child
			continue
		}
		switch t := next.(type) {
		case SObject:
			cur = t
		case map[string]interface{}:
			cur = SObject(t)
		default:
			child := SObject{}
			cur[p] = child
			cur = child
		}
	}
}

// Clone returns a shallow copy with nested records copied one level deep.
func (r SObject) Clone() SObject {
	out := make(SObject, len(r))
	for k, v := range r {
		switch t := v.(type) {
		case SObject:
			out[k] = t.Clone()
		case map[string]interface{}:
			out[k] = SObject(t).Clone()
		default:
			out[k] = v
		}
	}
	return out
}

// WireCopy returns a copy stripped of internal fields, nested relationship
// records and the attributes envelope, ready to be written to the target.
func (r SObject) WireCopy() SObject {
	out := make(SObject, len(r))
	for k, v := range r {
		if constants.IsInternalField(k) || k == "attributes" {
			continue
		}
		switch v.(type) {
		case SObject, map[string]interface{}:
			continue
		}
		out[k] = v
	}
	return out
}
