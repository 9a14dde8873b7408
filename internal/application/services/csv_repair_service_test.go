package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/filestore"
	"github.com/orgmigrate/orgmigrate/pkg/logging"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func repairGraph(t *testing.T) *TaskGraph {
	account := testDescriptor("Account", models.OperationUpsert, simpleField("Name"))
	contact := testDescriptor("Contact", models.OperationUpsert,
		simpleField("LastName"), lookupField("AccountId", "Account", false))
	return buildGraph(t, false, account, contact)
}

func TestRepairSynthesizesIdsAndResolvesLookups(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "Account.csv", "Name , Industry\nAcme,Tech\nBeta,Retail\n")
	writeFixture(t, dir, "Contact.csv", "LastName,Account.Name\nDoe,Acme\nRoe,Ghost\n")

	g := repairGraph(t)
	svc := NewCSVRepairService(dir, logging.Nop())
	issues, missing, err := svc.Repair(g)
	require.NoError(t, err)

	// the unresolvable parent reference is reported, not fatal
	require.Len(t, issues, 1)
	assert.Equal(t, "Contact", issues[0].Object)
	assert.Equal(t, "AccountId", issues[0].Field)
	assert.Equal(t, "Ghost", issues[0].RowKey)

	// and it lands in the missing-parent report as well
	require.Len(t, missing, 1)
	assert.Equal(t, "Contact", missing[0].ChildObject)
	assert.Equal(t, "AccountId", missing[0].ChildField)
	assert.Equal(t, "Ghost", missing[0].ExternalID)
	assert.Equal(t, "Account", missing[0].ParentObject)
	assert.Equal(t, "Name", missing[0].ParentExternalIDField)

	accounts, accountCols, err := filestore.ReadCSV(filepath.Join(svc.MirrorDir(), "Account.csv"))
	require.NoError(t, err)
	assert.Contains(t, accountCols, "Name", "headers are trimmed")
	assert.Contains(t, accountCols, "Id")
	require.Len(t, accounts, 2)
	acmeID := ""
	for _, rec := range accounts {
		require.NotEmpty(t, rec.ID(), "missing ids are synthesized")
		if rec.GetString("Name") == "Acme" {
			acmeID = rec.ID()
		}
	}
	require.NotEmpty(t, acmeID)

	contacts, contactCols, err := filestore.ReadCSV(filepath.Join(svc.MirrorDir(), "Contact.csv"))
	require.NoError(t, err)
	assert.Contains(t, contactCols, "AccountId")
	require.Len(t, contacts, 2)
	for _, rec := range contacts {
		switch rec.GetString("LastName") {
		case "Doe":
			assert.Equal(t, acmeID, rec.GetString("AccountId"))
		case "Roe":
			assert.Empty(t, rec.GetString("AccountId"))
		}
	}
}

func TestRepairRebuildsRelationshipColumnFromIds(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "Account.csv", "Id,Name\n001A,Acme\n")
	writeFixture(t, dir, "Contact.csv", "Id,LastName,AccountId\n003C,Doe,001A\n")

	g := repairGraph(t)
	svc := NewCSVRepairService(dir, logging.Nop())
	issues, missing, err := svc.Repair(g)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Empty(t, missing)

	contacts, cols, err := filestore.ReadCSV(filepath.Join(svc.MirrorDir(), "Contact.csv"))
	require.NoError(t, err)
	assert.Contains(t, cols, "Account.Name")
	require.Len(t, contacts, 1)
	assert.Equal(t, "Acme", contacts[0].GetString("Account.Name"))
}

func TestRepairPlaceholdersWhenBothHalvesMissing(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "Account.csv", "Id,Name\n001A,Acme\n")
	writeFixture(t, dir, "Contact.csv", "Id,LastName\n003C,Doe\n")

	g := repairGraph(t)
	svc := NewCSVRepairService(dir, logging.Nop())
	_, _, err := svc.Repair(g)
	require.NoError(t, err)

	contacts, cols, err := filestore.ReadCSV(filepath.Join(svc.MirrorDir(), "Contact.csv"))
	require.NoError(t, err)
	assert.Contains(t, cols, "AccountId")
	assert.Contains(t, cols, "Account.Name")
	require.Len(t, contacts, 1)
	id := contacts[0].GetString("AccountId")
	assert.True(t, len(id) > 2 && id[:2] == "PL")
	assert.Equal(t, id, contacts[0].GetString("Account.Name"), "placeholder halves stay in step")
}

func TestRepairAppliesValueMapping(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "ValueMapping.csv", "ObjectName,FieldName,RawValue,Value\nAccount,Industry,IT,Technology\n")
	writeFixture(t, dir, "Account.csv", "Id,Name,Industry\n001A,Acme,IT\n001B,Beta,Retail\n")

	account := testDescriptor("Account", models.OperationUpsert, simpleField("Name"), simpleField("Industry"))
	account.UseCSVValuesMapping = true
	g := buildGraph(t, false, account)

	svc := NewCSVRepairService(dir, logging.Nop())
	_, _, err := svc.Repair(g)
	require.NoError(t, err)

	accounts, _, err := filestore.ReadCSV(filepath.Join(svc.MirrorDir(), "Account.csv"))
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	byName := map[string]models.SObject{}
	for _, rec := range accounts {
		byName[rec.GetString("Name")] = rec
	}
	assert.Equal(t, "Technology", byName["Acme"].GetString("Industry"))
	assert.Equal(t, "Retail", byName["Beta"].GetString("Industry"), "unmapped values pass through")
}

func TestRepairMissingFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	g := repairGraph(t)
	svc := NewCSVRepairService(dir, logging.Nop())
	issues, missing, err := svc.Repair(g)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Empty(t, missing)
}
