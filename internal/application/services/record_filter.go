package services

import (
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
)

// RecordFilterService compiles targetRecordsFilter expressions and applies
// them to retrieved target records. The script dialect is SQL-WHERE-like
// (`Industry = 'Tech' AND Active = true`); it is normalized to expression
// syntax before compiling. Programs are cached per filter text.
type RecordFilterService struct {
	programs map[string]*vm.Program
}

// NewRecordFilterService creates the filter service.
func NewRecordFilterService() *RecordFilterService {
	return &RecordFilterService{programs: map[string]*vm.Program{}}
}

var (
	sqlAndRe = regexp.MustCompile(`(?i)\bAND\b`)
	sqlOrRe  = regexp.MustCompile(`(?i)\bOR\b`)
	sqlNotRe = regexp.MustCompile(`(?i)\bNOT\b`)
	sqlEqRe  = regexp.MustCompile(`([^<>!=])=([^=])`)
	sqlNeRe  = regexp.MustCompile(`<>`)
)

// normalizeFilter rewrites the SQL-flavored operators into expression
// operators.
func normalizeFilter(filter string) string {
	out := sqlAndRe.ReplaceAllString(filter, "&&")
	out = sqlOrRe.ReplaceAllString(out, "||")
	out = sqlNotRe.ReplaceAllString(out, "!")
	out = sqlNeRe.ReplaceAllString(out, "!=")
	out = sqlEqRe.ReplaceAllString(out, "$1==$2")
	return out
}

func (s *RecordFilterService) compile(filter string) (*vm.Program, error) {
	if p, ok := s.programs[filter]; ok {
		return p, nil
	}
	p, err := expr.Compile(normalizeFilter(filter))
	if err != nil {
		return nil, err
	}
	s.programs[filter] = p
	return p, nil
}

// Apply keeps the records the filter accepts. An empty filter keeps
// everything; a filter that fails to compile or evaluate drops nothing and
// is reported once through the record's absence of side effects — callers
// log at build time via Validate.
func (s *RecordFilterService) Apply(filter string, recs []models.SObject) []models.SObject {
	if strings.TrimSpace(filter) == "" || len(recs) == 0 {
		return recs
	}
	p, err := s.compile(filter)
	if err != nil {
		return recs
	}
	out := recs[:0:0]
	for _, rec := range recs {
		res, err := expr.Run(p, map[string]interface{}(rec))
		if err != nil {
			continue
		}
		if keep, ok := res.(bool); ok && keep {
			out = append(out, rec)
		}
	}
	return out
}

// Validate compiles the filter and returns the compile error, letting the
// metadata stage fail early on an unusable expression.
func (s *RecordFilterService) Validate(filter string) error {
	if strings.TrimSpace(filter) == "" {
		return nil
	}
	_, err := s.compile(filter)
	return err
}
