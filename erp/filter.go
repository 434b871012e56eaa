package erp

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Filter expressions for the ERP's OData collections.

// Quote renders s as an OData string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// DateLiteral renders the calendar date of t (UTC) as the ERP expects it in filters.
func DateLiteral(t time.Time) string {
	return Quote(t.UTC().Format("2006-01-02"))
}

func literal(v any) string {
	switch x := v.(type) {
	case string:
		return Quote(x)
	case time.Time:
		return DateLiteral(x)
	case bool:
		if x {
			return "'tYES'"
		}
		return "'tNO'"
	default:
		return fmt.Sprint(x)
	}
}

func Eq(field string, v any) string { return field + " eq " + literal(v) }

func Ge(field string, v any) string { return field + " ge " + literal(v) }

func Le(field string, v any) string { return field + " le " + literal(v) }

// And joins the non-empty clauses.
func And(clauses ...string) string { return join(" and ", clauses) }

func Or(clauses ...string) string {
	joined := join(" or ", clauses)
	if strings.Contains(joined, " or ") {
		return "(" + joined + ")"
	}
	return joined
}

func join(op string, clauses []string) string {
	parts := make([]string, 0, len(clauses))
	for _, c := range clauses {
		if c = strings.TrimSpace(c); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, op)
}

// ModifiedSince selects entities updated on or after the calendar date of since.
// The ERP stores update dates without time zones, so the filter is day-granular
// and items updated earlier the same day are fetched again.
func ModifiedSince(since *time.Time) string {
	if since == nil {
		return ""
	}
	return Ge("UpdateDate", *since)
}

// entityKey renders the key segment of a single-entity path.
func entityKey(collection string, key any) string {
	return collection + "(" + url.PathEscape(literal(key)) + ")"
}
