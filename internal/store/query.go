package store

import (
	"fmt"
	"strings"
	"time"
)

// selectQuery builds parameterized audit queries.
//
// CRITICAL: every compiled query carries an ORDER BY with an id tiebreaker.
// CRITICAL: values are always bound as parameters, never interpolated.
type selectQuery struct {
	columns string
	from    string
	where   []string
	params  []any
	orderBy string
	limit   int
}

func newSelect(columns, from, orderBy string) *selectQuery {
	return &selectQuery{columns: columns, from: from, orderBy: orderBy}
}

// equals adds "field = ?" when value is non-empty. Empty filters match all.
func (q *selectQuery) equals(field, value string) *selectQuery {
	if value == "" {
		return q
	}
	q.where = append(q.where, field+" = ?")
	q.params = append(q.params, value)
	return q
}

// within restricts field to the half-open range [since, until). Zero bounds
// are open.
func (q *selectQuery) within(field string, since, until time.Time) *selectQuery {
	if !since.IsZero() {
		q.where = append(q.where, field+" >= ?")
		q.params = append(q.params, since.UnixNano())
	}
	if !until.IsZero() {
		q.where = append(q.where, field+" < ?")
		q.params = append(q.params, until.UnixNano())
	}
	return q
}

func (q *selectQuery) limitTo(n int) *selectQuery {
	q.limit = n
	return q
}

func (q *selectQuery) compile() (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", q.columns, q.from)
	if len(q.where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.where, " AND "))
	}
	order := q.orderBy
	if order == "" {
		order = "id COLLATE BINARY ASC"
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(order)

	params := append([]any(nil), q.params...)
	if q.limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, q.limit)
	}
	return b.String(), params
}
