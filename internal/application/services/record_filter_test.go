package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
)

func TestNormalizeFilter(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Industry = 'Tech'", "Industry == 'Tech'"},
		{"a = 1 AND b <> 2", "a == 1 && b != 2"},
		{"x = 'a' OR y = 'b'", "x == 'a' || y == 'b'"},
		{"NOT Active", "! Active"},
		{"Amount >= 100", "Amount >= 100"},
		{"Amount <= 100", "Amount <= 100"},
		{"a != 'x'", "a != 'x'"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, normalizeFilter(c.in), c.in)
	}
}

func TestFilterApply(t *testing.T) {
	svc := NewRecordFilterService()
	recs := []models.SObject{
		{"Id": "1", "Industry": "Tech", "Amount": float64(500)},
		{"Id": "2", "Industry": "Tech", "Amount": float64(50)},
		{"Id": "3", "Industry": "Retail", "Amount": float64(900)},
	}

	out := svc.Apply("Industry = 'Tech' AND Amount > 100", recs)
	require.Len(t, out, 1)
	assert.Equal(t, "1", out[0].ID())
}

func TestFilterApplyEmptyAndBroken(t *testing.T) {
	svc := NewRecordFilterService()
	recs := []models.SObject{{"Id": "1"}, {"Id": "2"}}

	assert.Equal(t, recs, svc.Apply("", recs))
	assert.Equal(t, recs, svc.Apply("   ", recs))
	// an uncompilable filter drops nothing
	assert.Equal(t, recs, svc.Apply("((", recs))
}

func TestFilterValidate(t *testing.T) {
	svc := NewRecordFilterService()
	assert.NoError(t, svc.Validate(""))
	assert.NoError(t, svc.Validate("Industry = 'Tech'"))
	assert.Error(t, svc.Validate("(("))
}

func TestApplyMockFields(t *testing.T) {
	recs := []models.SObject{
		{"Id": "1", "LastName": "Real", "Email": "real@corp.example", "Case__c": "X"},
		{"Id": "2", "LastName": "Actual", "Email": "actual@corp.example", "Case__c": "Y"},
	}
	ApplyMockFields([]models.MockField{
		{Name: "LastName", Pattern: "last_name"},
		{Name: "Email", Pattern: "email"},
		{Name: "Case__c", Pattern: "c_seq_number(CASE-)"},
	}, recs)

	assert.NotEqual(t, "Real", recs[0]["LastName"])
	assert.True(t, strings.HasSuffix(recs[0]["Email"].(string), "@example.com"))
	assert.Equal(t, "CASE-1", recs[0]["Case__c"])
	assert.Equal(t, "CASE-2", recs[1]["Case__c"])
}

func TestMockValuePatterns(t *testing.T) {
	assert.Equal(t, "ANON", mockValue("ANON", 0))
	assert.Equal(t, "Ticket-5", mockValue("c_seq_number(Ticket-)", 4))
	assert.Equal(t, "row-3", mockValue("row-%d", 2))
	assert.Regexp(t, `^\+1555\d{7}$`, mockValue("phone", 12))
	assert.NotEmpty(t, mockValue("name", 5))
	assert.Len(t, mockValue("uuid", 0), 36)
}
