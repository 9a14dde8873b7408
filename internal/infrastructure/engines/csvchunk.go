package engines

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"sort"
	"strings"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/pkg/constants"
)

// batchColumns collects the union of writable field names across records in
// stable order: Id first when present, then case-insensitive alphabetical.
func batchColumns(recs []models.SObject) []string {
	seen := map[string]bool{}
	var cols []string
	for _, rec := range recs {
		for k := range rec {
			if constants.IsInternalField(k) || k == "attributes" || seen[k] {
				continue
			}
			seen[k] = true
			cols = append(cols, k)
		}
	}
	sort.Slice(cols, func(i, j int) bool {
		if cols[i] == constants.FieldID {
			return cols[j] != constants.FieldID
		}
		if cols[j] == constants.FieldID {
			return false
		}
		return strings.ToLower(cols[i]) < strings.ToLower(cols[j])
	})
	return cols
}

// renderCSV serializes records over columns with LF line endings.
func renderCSV(columns []string, recs []models.SObject) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write(columns)
	row := make([]string, len(columns))
	for _, rec := range recs {
		for i, col := range columns {
			row[i] = rec.GetString(col)
		}
		w.Write(row)
	}
	w.Flush()
	return buf.Bytes()
}

// chunkByEncodedSize splits records into batches so that the base64
// encoding of each batch's CSV stays below limit. Records accumulate in
// whole blockSize groups until the next group would overflow.
func chunkByEncodedSize(recs []models.SObject, limit, blockSize int) []Batch {
	if blockSize < 1 {
		blockSize = 100
	}
	var batches []Batch
	var current []models.SObject
	currentSize := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		cols := batchColumns(current)
		batches = append(batches, Batch{
			Records: current,
			Columns: cols,
			CSV:     renderCSV(cols, current),
		})
		current = nil
		currentSize = 0
	}

	for i := 0; i < len(recs); i += blockSize {
		end := i + blockSize
		if end > len(recs) {
			end = len(recs)
		}
		block := recs[i:end]
		blockBytes := renderCSV(batchColumns(block), block)
		blockSizeB64 := base64.StdEncoding.EncodedLen(len(blockBytes))
		if currentSize > 0 && currentSize+blockSizeB64 > limit {
			flush()
		}
		current = append(current, block...)
		currentSize += blockSizeB64
	}
	flush()
	return batches
}

// chunkByCount splits records into fixed-size batches and renders each.
func chunkByCount(recs []models.SObject, size int) []Batch {
	var batches []Batch
	for i := 0; i < len(recs); i += size {
		end := i + size
		if end > len(recs) {
			end = len(recs)
		}
		part := recs[i:end]
		cols := batchColumns(part)
		batches = append(batches, Batch{Records: part, Columns: cols, CSV: renderCSV(cols, part)})
	}
	return batches
}

// parseResultCSV loads an engine result CSV into records; every value
// stays a string.
func parseResultCSV(body []byte) ([]models.SObject, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, nil
	}
	header := rows[0]
	out := make([]models.SObject, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(models.SObject, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
