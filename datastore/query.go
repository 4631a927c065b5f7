package datastore

import (
	"net/url"
	"strconv"
	"strings"
)

// Query selects rows of a table with PostgREST filters.
type Query struct {
	// Columns to return, all when empty.
	Columns []string
	// Eq filters rows by column equality, all must match.
	Eq map[string]string
	// Or matches rows where any of the terms matches.
	Or []ILike
	// Order by column, e.g. `name.asc`.
	Order string
	// Limit on returned rows, no limit when zero.
	Limit int
}

// ILike is a case-insensitive pattern match on a column.
// `*` in the pattern matches any run of characters.
type ILike struct {
	Column  string
	Pattern string
}

// Contains returns a term matching column values that contain s.
func Contains(column, s string) ILike {
	return ILike{Column: column, Pattern: "*" + s + "*"}
}

func (t ILike) String() string {
	return t.Column + ".ilike." + quote(t.Pattern)
}

// Values returns the query string parameters for q.
func (q Query) Values() url.Values {
	v := url.Values{}
	if len(q.Columns) > 0 {
		v.Set("select", strings.Join(q.Columns, ","))
	}
	for column, value := range q.Eq {
		v.Set(column, "eq."+value)
	}
	if len(q.Or) > 0 {
		terms := make([]string, len(q.Or))
		for i, term := range q.Or {
			terms[i] = term.String()
		}
		v.Set("or", "("+strings.Join(terms, ",")+")")
	}
	if q.Order != "" {
		v.Set("order", q.Order)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// quote wraps values holding PostgREST reserved characters in double quotes.
func quote(s string) string {
	if !strings.ContainsAny(s, `,.:()"\ `) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
