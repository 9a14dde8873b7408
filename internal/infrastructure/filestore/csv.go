// Package filestore owns every on-disk surface of a run: object CSV files,
// the repaired source mirror, target write previews, report files and the
// query/binary caches. Directories are single-writer per object per run.
package filestore

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/pkg/constants"
	"github.com/orgmigrate/orgmigrate/pkg/errors"
)

// ObjectFileName maps an object to its CSV file name; User and Group share
// one merged medium.
func ObjectFileName(object string) string {
	if object == constants.ObjectUser || object == constants.ObjectGroup {
		return constants.UserAndGroupFileName + ".csv"
	}
	return object + ".csv"
}

// ReadCSV loads a CSV file into records. All values are strings; empty
// cells become empty strings. The returned columns preserve file order.
func ReadCSV(path string) ([]models.SObject, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.NewFilesystemError(path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, errors.NewFilesystemError(path, err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	columns := rows[0]
	records := make([]models.SObject, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(models.SObject, len(columns))
		for i, col := range columns {
			if i < len(row) {
				rec[col] = row[i]
			} else {
				rec[col] = ""
			}
		}
		records = append(records, rec)
	}
	return records, columns, nil
}

// WriteCSV writes records with the given column order. Columns not present
// on a record render as empty cells; internal fields are skipped.
func WriteCSV(path string, columns []string, records []models.SObject) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.NewFilesystemError(path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.NewFilesystemError(path, err)
	}
	defer f.Close()

	visible := make([]string, 0, len(columns))
	for _, c := range columns {
		if !constants.IsInternalField(c) {
			visible = append(visible, c)
		}
	}

	w := csv.NewWriter(f)
	if err := w.Write(visible); err != nil {
		return errors.NewFilesystemError(path, err)
	}
	row := make([]string, len(visible))
	for _, rec := range records {
		for i, col := range visible {
			row[i] = rec.GetString(col)
		}
		if err := w.Write(row); err != nil {
			return errors.NewFilesystemError(path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.NewFilesystemError(path, err)
	}
	return nil
}

// ColumnsOf collects the union of field names across records, sorted with
// Id first for stable CSV output.
func ColumnsOf(records []models.SObject) []string {
	seen := map[string]bool{}
	var cols []string
	for _, rec := range records {
		for k := range rec {
			if constants.IsInternalField(k) || seen[k] {
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

// AppendReport writes report rows, creating the file with the header when
// absent. Empty reports produce no file.
func AppendReport(path string, header []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.NewFilesystemError(path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if os.IsNotExist(statErr) {
		if err := w.Write(header); err != nil {
			return errors.NewFilesystemError(path, err)
		}
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return errors.NewFilesystemError(path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.NewFilesystemError(path, err)
	}
	return nil
}
