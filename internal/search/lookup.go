// Package search implements the text lookups offered by list filters.
package search

import "strings"

// Lookup selects how a query string is compared with a value. All lookups are
// case-insensitive.
type Lookup string

const (
	Partial    Lookup = "partial"
	Exact      Lookup = "exact"
	StartsWith Lookup = "startswith"
	EndsWith   Lookup = "endswith"
)

// ParseLookup maps a request parameter to a Lookup. Unknown and empty values
// fall back to Partial. The "i" prefixed forms ("iexact", "istartswith") are
// accepted as aliases.
func ParseLookup(s string) Lookup {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "i")
	switch s {
	case "exact":
		return Exact
	case "startswith":
		return StartsWith
	case "endswith":
		return EndsWith
	}
	return Partial
}

// Match reports whether value satisfies query under l. An empty query matches
// everything.
func Match(l Lookup, value, query string) bool {
	if query == "" {
		return true
	}
	v := strings.ToLower(value)
	q := strings.ToLower(query)
	switch l {
	case Exact:
		return v == q
	case StartsWith:
		return strings.HasPrefix(v, q)
	case EndsWith:
		return strings.HasSuffix(v, q)
	}
	return strings.Contains(v, q)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// LikePattern renders query as an ILIKE pattern (escape character '\').
func LikePattern(l Lookup, query string) string {
	q := likeEscaper.Replace(query)
	switch l {
	case Exact:
		return q
	case StartsWith:
		return q + "%"
	case EndsWith:
		return "%" + q
	}
	return "%" + q + "%"
}
