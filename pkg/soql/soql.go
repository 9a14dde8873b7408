// Package soql parses and composes the SOQL-like query dialect used in
// migration scripts. Only the shape the engine needs is modeled: a field
// list, the from-object, an opaque where clause, order by and limit.
package soql

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/orgmigrate/orgmigrate/pkg/errors"
)

// Query is the parsed form of a script query.
type Query struct {
	Fields  []string
	Object  string
	Where   string
	OrderBy []OrderByField
	Limit   int
}

// OrderByField is one ORDER BY term.
type OrderByField struct {
	Field      string
	Descending bool
}

var queryRe = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+([A-Za-z0-9_]+)` +
	`(?:\s+WHERE\s+(.+?))??` +
	`(?:\s+ORDER\s+BY\s+(.+?))??` +
	`(?:\s+LIMIT\s+(\d+))?\s*$`)

// Parse parses a SOQL-like query. The where clause is kept as raw text; the
// engine only appends to it, never interprets it.
func Parse(query string) (*Query, error) {
	m := queryRe.FindStringSubmatch(query)
	if m == nil {
		return nil, errors.NewQueryMalformedError(query, "expected SELECT <fields> FROM <object> [WHERE ...] [ORDER BY ...] [LIMIT n]")
	}
	q := &Query{Object: m[2], Where: strings.TrimSpace(m[3])}
	for _, f := range strings.Split(m[1], ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			return nil, errors.NewQueryMalformedError(query, "empty field in select list")
		}
		q.Fields = append(q.Fields, f)
	}
	if ob := strings.TrimSpace(m[4]); ob != "" {
		for _, term := range strings.Split(ob, ",") {
			parts := strings.Fields(term)
			if len(parts) == 0 {
				return nil, errors.NewQueryMalformedError(query, "empty order by term")
			}
			obf := OrderByField{Field: parts[0]}
			if len(parts) > 1 {
				switch strings.ToUpper(parts[1]) {
				case "ASC":
				case "DESC":
					obf.Descending = true
				default:
					return nil, errors.NewQueryMalformedError(query, fmt.Sprintf("bad order direction %q", parts[1]))
				}
			}
			q.OrderBy = append(q.OrderBy, obf)
		}
	}
	if m[5] != "" {
		n, err := strconv.Atoi(m[5])
		if err != nil {
			return nil, errors.NewQueryMalformedError(query, "bad limit")
		}
		q.Limit = n
	}
	return q, nil
}

// Compose renders the query back to SOQL text.
func (q *Query) Compose() string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(q.Fields, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(q.Object)
	if q.Where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(q.Where)
	}
	if len(q.OrderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		terms := make([]string, 0, len(q.OrderBy))
		for _, ob := range q.OrderBy {
			t := ob.Field
			if ob.Descending {
				t += " DESC"
			}
			terms = append(terms, t)
		}
		sb.WriteString(strings.Join(terms, ", "))
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(q.Limit))
	}
	return sb.String()
}

// Clone returns a deep copy of the query.
func (q *Query) Clone() *Query {
	c := *q
	c.Fields = append([]string(nil), q.Fields...)
	c.OrderBy = append([]OrderByField(nil), q.OrderBy...)
	return &c
}

// HasField reports whether the select list contains name (case-insensitive).
func (q *Query) HasField(name string) bool {
	for _, f := range q.Fields {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

// AddField appends name to the select list unless already present.
func (q *Query) AddField(name string) {
	if !q.HasField(name) {
		q.Fields = append(q.Fields, name)
	}
}

// RemoveField drops name from the select list (case-insensitive).
func (q *Query) RemoveField(name string) {
	out := q.Fields[:0]
	for _, f := range q.Fields {
		if !strings.EqualFold(f, name) {
			out = append(out, f)
		}
	}
	q.Fields = out
}

// QuoteValue renders v as a SOQL literal for IN (...) clauses.
func QuoteValue(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "\\'") + "'"
}

// BuildInClauses builds one or more "<field> IN (...)" clauses such that no
// clause exceeds maxLen characters. Values preserve their input order.
func BuildInClauses(field string, values []string, maxLen int) []string {
	if len(values) == 0 {
		return nil
	}
	prefix := field + " IN ("
	var clauses []string
	var sb strings.Builder
	flush := func() {
		if sb.Len() > 0 {
			clauses = append(clauses, prefix+sb.String()+")")
			sb.Reset()
		}
	}
	for _, v := range values {
		lit := QuoteValue(v)
		// +2 covers the separator and the closing paren
		if sb.Len() > 0 && len(prefix)+sb.Len()+len(lit)+2 > maxLen {
			flush()
		}
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(lit)
	}
	flush()
	return clauses
}
