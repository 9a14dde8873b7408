package constants

import "strings"

// Standard field API names used throughout the engine.
const (
	FieldID               = "Id"
	FieldName             = "Name"
	FieldBody             = "Body"
	FieldParentID         = "ParentId"
	FieldOwnerID          = "OwnerId"
	FieldRecordTypeID     = "RecordTypeId"
	FieldIsPersonAccount  = "IsPersonAccount"
	FieldDeveloperName    = "DeveloperName"
	FieldCreatedDate      = "CreatedDate"
	FieldLastModifiedDate = "LastModifiedDate"
	FieldIsDeleted        = "IsDeleted"
)

// InternalSourceIDField is the reserved record slot that carries the
// source-side record id across the whole run, even after the public Id
// field is rewritten or cleared for insert. It never reaches the wire.
const InternalSourceIDField = "___SourceRecordId"

// RelationshipSuffix converts a custom lookup field name (Account__c) into
// its relationship form (Account__r); standard lookups drop the trailing
// "Id" (AccountId -> Account).
func RelationshipSuffix(idField string) string {
	if strings.HasSuffix(idField, "__c") {
		return strings.TrimSuffix(idField, "__c") + "__r"
	}
	if strings.HasSuffix(idField, "Id") && len(idField) > 2 {
		return strings.TrimSuffix(idField, "Id")
	}
	return idField
}

// IDFieldOfRelationship is the inverse of RelationshipSuffix.
func IDFieldOfRelationship(relName string) string {
	if strings.HasSuffix(relName, "__r") {
		return strings.TrimSuffix(relName, "__r") + "__c"
	}
	return relName + "Id"
}

// IsCustomField reports whether the field carries the custom-field suffix.
func IsCustomField(name string) bool {
	return strings.HasSuffix(name, "__c")
}

// IsInternalField reports whether the field is engine-internal and must be
// stripped before records are written or serialized to CSV previews.
func IsInternalField(name string) bool {
	return strings.HasPrefix(name, "___")
}

// IsBulkResultControlColumn identifies the sf__* columns the bulk ingest
// API prepends to its result CSVs.
func IsBulkResultControlColumn(name string) bool {
	return strings.HasPrefix(name, "sf__")
}

// MandatoryFieldsForInsert lists fields that must be queried for an object
// even when the user omitted them, keyed by object name.
var MandatoryFieldsForInsert = map[string][]string{
	"Attachment":  {FieldBody, FieldParentID, FieldName},
	"Note":        {FieldBody, FieldParentID, "Title"},
	"ContentNote": {"Content", "Title"},
}

// AlwaysExcludedFields are never written regardless of the script, keyed by
// object name. An empty key applies to every object.
var AlwaysExcludedFields = map[string][]string{
	"": {FieldCreatedDate, FieldLastModifiedDate, FieldIsDeleted, "SystemModstamp"},
}

// PersonAccountExcludedFields are stripped from person-account batches.
var PersonAccountExcludedFields = map[string][]string{
	"Account": {FieldName},
	"Contact": {"FirstName", "LastName", "Salutation"},
}

// BusinessAccountExcludedFields are stripped from business-account batches
// when the org has person accounts enabled.
var BusinessAccountExcludedFields = map[string][]string{
	"Account": {"FirstName", "LastName", "Salutation"},
	"Contact": {},
}
