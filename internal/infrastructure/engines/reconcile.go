package engines

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/pkg/constants"
)

// The bulk ingest API does not echo a correlation id for inserts, so
// submitted records are matched to result rows by a stable hash over their
// content fields. Values are normalized first so that the round trip
// through CSV and the platform's formatting cannot break equality.

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02",
}

// normalizeHashValue canonicalizes one cell for hashing: whitespace
// collapsed, #N/A emptied, booleans case-normalized, numeric-parseable text
// reduced to its numeric form, parseable dates reduced to epoch millis.
func normalizeHashValue(v string) string {
	v = strings.Join(strings.Fields(v), " ")
	if v == "" || v == "#N/A" {
		return ""
	}
	switch strings.ToLower(v) {
	case "true":
		return "true"
	case "false":
		return "false"
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return strconv.FormatInt(t.UnixMilli(), 10)
		}
	}
	return v
}

// contentHash hashes a record over columns, excluding sf__* control columns
// and engine-internal fields.
func contentHash(rec models.SObject, columns []string) string {
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		if constants.IsBulkResultControlColumn(col) || constants.IsInternalField(col) {
			continue
		}
		parts = append(parts, col+"="+normalizeHashValue(rec.GetString(col)))
	}
	sort.Strings(parts)
	h := fnv.New64a()
	h.Write([]byte(strings.Join(parts, "\x00")))
	return fmt.Sprintf("%016x", h.Sum64())
}

// hashIndex maps content hashes to submitted record positions. Identical
// submissions get _0, _1, ... suffixes at insert time so every key is
// unique per batch; result rows then claim positions in encounter order.
type hashIndex struct {
	positions map[string]int
	counts    map[string]int
	taken     map[string]int
}

// newHashIndex indexes one submitted batch over its columns.
func newHashIndex(recs []models.SObject, columns []string) *hashIndex {
	idx := &hashIndex{
		positions: make(map[string]int, len(recs)),
		counts:    map[string]int{},
		taken:     map[string]int{},
	}
	for i, rec := range recs {
		base := contentHash(rec, columns)
		idx.positions[fmt.Sprintf("%s_%d", base, idx.counts[base])] = i
		idx.counts[base]++
	}
	return idx
}

// claim resolves one result row to the next unclaimed submitted position
// with the same content hash.
func (idx *hashIndex) claim(resultRow models.SObject, columns []string) (int, bool) {
	base := contentHash(resultRow, columns)
	n := idx.taken[base]
	if n >= idx.counts[base] {
		return -1, false
	}
	idx.taken[base] = n + 1
	pos, ok := idx.positions[fmt.Sprintf("%s_%d", base, n)]
	return pos, ok
}

// newByIDIndex maps submitted positions by the record Id field, the
// correlation used for updates and deletes.
func newByIDIndex(recs []models.SObject) map[string]int {
	idx := make(map[string]int, len(recs))
	for i, rec := range recs {
		if id := rec.ID(); id != "" {
			idx[id] = i
		}
	}
	return idx
}
