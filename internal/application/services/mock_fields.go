package services

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
)

// Mock field patterns anonymize values at write preparation time. The
// built-in generators cover the common cases; anything unrecognized is a
// literal template where "%d" receives the row counter.

var mockFirstNames = []string{"Alex", "Sam", "Jordan", "Casey", "Taylor", "Morgan", "Riley", "Jamie"}
var mockLastNames = []string{"Reed", "Hayes", "Brooks", "Lane", "Parks", "Stone", "Wells", "Cole"}

// ApplyMockFields rewrites the declared fields on every record in place.
func ApplyMockFields(mocks []models.MockField, recs []models.SObject) {
	if len(mocks) == 0 {
		return
	}
	for i, rec := range recs {
		for _, m := range mocks {
			rec[m.Name] = mockValue(m.Pattern, i)
		}
	}
}

func mockValue(pattern string, row int) string {
	p := strings.ToLower(strings.TrimSpace(pattern))
	switch {
	case p == "name":
		return mockFirstNames[row%len(mockFirstNames)] + " " + mockLastNames[(row/len(mockFirstNames))%len(mockLastNames)]
	case p == "first_name":
		return mockFirstNames[row%len(mockFirstNames)]
	case p == "last_name":
		return mockLastNames[row%len(mockLastNames)]
	case p == "email":
		return uuid.NewString()[:8] + "@example.com"
	case p == "id" || p == "uuid" || p == "guid":
		return uuid.NewString()
	case p == "phone":
		return fmt.Sprintf("+1555%07d", row)
	case strings.HasPrefix(p, "c_seq_number("):
		// the prefix keeps the declared casing
		orig := strings.TrimSpace(pattern)
		prefix := strings.TrimSuffix(orig[strings.Index(orig, "(")+1:], ")")
		return fmt.Sprintf("%s%d", prefix, row+1)
	case strings.Contains(pattern, "%d"):
		return fmt.Sprintf(pattern, row+1)
	default:
		return pattern
	}
}
