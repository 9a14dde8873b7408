package soql

import "strings"

// Complex external ids are composites of simple field paths. Two equivalent
// spellings exist: the declaration form "FirstName;LastName" (components
// joined by ";") and the encoded single-token form "$$FirstName$LastName"
// safe for CSV column headers and stored queries.
const (
	complexPrefix    = "$$"
	complexSeparator = "$"
	componentJoin    = ";"
)

// IsComplexField reports whether the declaration uses more than one
// component field.
func IsComplexField(decl string) bool {
	return strings.Contains(decl, componentJoin) || strings.Contains(decl, ".")
}

// IsComplexToken reports whether s is in the encoded single-token form.
func IsComplexToken(s string) bool {
	return strings.HasPrefix(s, complexPrefix)
}

// EncodeComplex converts the declaration form into the encoded token.
// Simple one-component declarations are returned unchanged.
func EncodeComplex(decl string) string {
	parts := SplitComplex(decl)
	if len(parts) < 2 {
		return decl
	}
	return complexPrefix + strings.Join(parts, complexSeparator)
}

// DecodeComplex converts the encoded token back to declaration form.
func DecodeComplex(token string) string {
	if !IsComplexToken(token) {
		return token
	}
	parts := strings.Split(strings.TrimPrefix(token, complexPrefix), complexSeparator)
	return strings.Join(parts, componentJoin)
}

// SplitComplex splits a declaration into its component field paths.
func SplitComplex(decl string) []string {
	decl = DecodeComplex(decl)
	raw := strings.Split(decl, componentJoin)
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// JoinComplexValue builds the composite key value for one record by joining
// the component values with ";". Missing components become empty strings.
func JoinComplexValue(values []string) string {
	return strings.Join(values, componentJoin)
}
