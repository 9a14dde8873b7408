package models

// MissingParentRecord is one row of MissingParentRecordsReport.csv: a child
// lookup whose parent could not be resolved on the target side. It is a
// report entry, not an error; the write continues with the lookup nulled.
type MissingParentRecord struct {
	ChildObject           string
	ChildField            string
	ExternalID            string
	ParentObject          string
	ParentExternalIDField string
}

// Header returns the CSV header row.
func (MissingParentRecord) Header() []string {
	return []string{"ChildSObject", "ChildLookupField", "MissingExternalIdValue", "ParentSObject", "ParentExternalIdField"}
}

// Row returns the CSV row values.
func (m MissingParentRecord) Row() []string {
	return []string{m.ChildObject, m.ChildField, m.ExternalID, m.ParentObject, m.ParentExternalIDField}
}

// CSVIssue is one row of CSVIssuesReport.csv produced by the source file
// repair stage.
type CSVIssue struct {
	Object      string
	Field       string
	RowKey      string
	Description string
}

// Header returns the CSV header row.
func (CSVIssue) Header() []string {
	return []string{"SObject", "Field", "RowKey", "Issue"}
}

// Row returns the CSV row values.
func (i CSVIssue) Row() []string {
	return []string{i.Object, i.Field, i.RowKey, i.Description}
}
