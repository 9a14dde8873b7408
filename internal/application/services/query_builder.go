package services

import (
	"strings"

	"go.uber.org/zap"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/sfapi"
	"github.com/orgmigrate/orgmigrate/pkg/constants"
	"github.com/orgmigrate/orgmigrate/pkg/errors"
	"github.com/orgmigrate/orgmigrate/pkg/soql"
)

// fieldPredicate filters described fields during multiselect expansion.
type fieldPredicate func(f *sfapi.Field) bool

// parseMultiselectPattern compiles a "readonly_true;custom_false;..."
// conjunction into one predicate. Unknown keywords fail the whole pattern.
func parseMultiselectPattern(object, pattern string) (fieldPredicate, error) {
	if strings.TrimSpace(pattern) == "" {
		return func(*sfapi.Field) bool { return true }, nil
	}
	var terms []fieldPredicate
	for _, token := range strings.Split(pattern, ";") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		idx := strings.LastIndex(token, "_")
		if idx <= 0 {
			return nil, errors.NewSchemaError(object, "bad multiselect token "+token)
		}
		keyword, val := strings.ToLower(token[:idx]), strings.ToLower(token[idx+1:])
		want := val == "true"
		if !want && val != "false" {
			return nil, errors.NewSchemaError(object, "bad multiselect value in "+token)
		}
		var term fieldPredicate
		switch keyword {
		case "readonly":
			term = func(f *sfapi.Field) bool { return (!f.Createable && !f.Updateable) == want }
		case "custom":
			term = func(f *sfapi.Field) bool { return f.Custom == want }
		case "standard":
			term = func(f *sfapi.Field) bool { return f.Custom != want }
		case "lookup":
			term = func(f *sfapi.Field) bool { return f.IsLookup() == want }
		case "createable", "creatable":
			term = func(f *sfapi.Field) bool { return f.Createable == want }
		case "updateable":
			term = func(f *sfapi.Field) bool { return f.Updateable == want }
		case "autonumber":
			term = func(f *sfapi.Field) bool { return f.AutoNumber == want }
		case "person":
			// person-record fields are handled by batch partitioning, the
			// pattern keyword is accepted and ignored
			term = func(*sfapi.Field) bool { return true }
		default:
			return nil, errors.NewSchemaError(object, "unknown multiselect keyword "+keyword)
		}
		terms = append(terms, term)
	}
	return func(f *sfapi.Field) bool {
		for _, t := range terms {
			if !t(f) {
				return false
			}
		}
		return true
	}, nil
}

// expandQuery resolves the user's select list against the describe: the
// `all` pseudo-field, multiselect patterns, compound expansion, mandatory
// and excluded fields, typo correction. Dotted relationship paths pass
// through untouched; composite tokens become complex descriptors.
func expandQuery(q *soql.Query, def *sfapi.SObjectDefinition, so models.ScriptObject, op models.Operation, renames map[string]string, log *zap.SugaredLogger) (*soql.Query, []*models.FieldDescriptor, error) {
	pred, err := parseMultiselectPattern(q.Object, so.MultiselectPattern)
	if err != nil {
		return nil, nil, err
	}

	excluded := map[string]bool{}
	for _, f := range so.ExcludedFields {
		excluded[strings.ToLower(f)] = true
	}
	for _, f := range constants.AlwaysExcludedFields[""] {
		excluded[strings.ToLower(f)] = true
	}
	for _, f := range constants.AlwaysExcludedFields[q.Object] {
		excluded[strings.ToLower(f)] = true
	}

	type entry struct {
		described *sfapi.Field
		// declaredParent pins a polymorphic lookup via Field$Parent syntax
		declaredParent string
		dotted         string // relationship path passthrough
		complex        string // encoded composite token
	}
	var order []string
	entries := map[string]*entry{}
	add := func(key string, e *entry) {
		k := strings.ToLower(key)
		if _, ok := entries[k]; ok {
			return
		}
		entries[k] = e
		order = append(order, key)
	}
	addDescribed := func(f *sfapi.Field, declaredParent string) {
		if f == nil || (excluded[strings.ToLower(f.Name)] && f.Name != constants.FieldID) {
			return
		}
		add(f.Name, &entry{described: f, declaredParent: declaredParent})
	}

	for _, raw := range q.Fields {
		switch {
		case strings.EqualFold(raw, "all"):
			for i := range def.Fields {
				f := &def.Fields[i]
				if pred(f) {
					addDescribed(f, "")
				}
			}
		case soql.IsComplexToken(raw) || strings.Contains(raw, ";"):
			add(soql.EncodeComplex(raw), &entry{complex: soql.EncodeComplex(raw)})
		case strings.Contains(raw, "."):
			add(raw, &entry{dotted: raw})
		default:
			name, declaredParent := raw, ""
			if i := strings.Index(raw, "$"); i > 0 {
				name, declaredParent = raw[:i], raw[i+1:]
			}
			f := describeField(def, name)
			if f == nil {
				log.Warnw("unknown field dropped from query", "object", q.Object, "field", name)
				continue
			}
			addDescribed(f, declaredParent)
		}
	}

	// mandatory fields for the operation
	if op == models.OperationInsert || op == models.OperationUpsert {
		for _, name := range constants.MandatoryFieldsForInsert[q.Object] {
			addDescribed(def.Field(name), "")
		}
	}
	addDescribed(def.Field(constants.FieldID), "")
	if def.Field(constants.FieldID) == nil {
		add(constants.FieldID, &entry{described: &sfapi.Field{Name: constants.FieldID, Type: "id"}})
	}

	// compound fields expand to their components
	var finalOrder []string
	for _, key := range order {
		e := entries[strings.ToLower(key)]
		if e.described != nil && (e.described.Type == "address" || e.described.Type == "location") {
			for i := range def.Fields {
				c := &def.Fields[i]
				if strings.EqualFold(c.CompoundFieldName, e.described.Name) {
					if _, ok := entries[strings.ToLower(c.Name)]; !ok {
						entries[strings.ToLower(c.Name)] = &entry{described: c}
						finalOrder = append(finalOrder, c.Name)
					}
				}
			}
			continue
		}
		finalOrder = append(finalOrder, key)
	}

	out := q.Clone()
	out.Fields = nil
	var fds []*models.FieldDescriptor
	for _, key := range finalOrder {
		e := entries[strings.ToLower(key)]
		switch {
		case e.complex != "":
			fds = append(fds, &models.FieldDescriptor{Name: e.complex, IsComplex: true})
		case e.dotted != "":
			out.AddField(e.dotted)
		default:
			f := e.described
			fd := fieldDescriptorOf(q.Object, f, renames)
			if e.declaredParent != "" {
				fd.Referenced = e.declaredParent
			}
			fds = append(fds, fd)
			out.AddField(f.Name)
		}
	}
	return out, fds, nil
}

// describeField finds a described field by name: exact, case-insensitive,
// then nearest by edit distance when the typo is plausible.
func describeField(def *sfapi.SObjectDefinition, name string) *sfapi.Field {
	if f := def.Field(name); f != nil {
		return f
	}
	for i := range def.Fields {
		if strings.EqualFold(def.Fields[i].Name, name) {
			return &def.Fields[i]
		}
	}
	best, bestDist := -1, len(name)/2+1
	for i := range def.Fields {
		d := editDistance(strings.ToLower(name), strings.ToLower(def.Fields[i].Name))
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best >= 0 && bestDist <= 2 {
		return &def.Fields[best]
	}
	return nil
}

// editDistance is the Levenshtein distance with unit costs.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
