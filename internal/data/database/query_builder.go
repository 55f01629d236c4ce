// Package database builds the parameterised SELECT statements used by the job repositories.
package database

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ConditionType is a comparison operator usable in a WHERE condition.
type ConditionType string

const (
	Equal              ConditionType = "="
	NotEqual           ConditionType = "!="
	GreaterThan        ConditionType = ">"
	LessThan           ConditionType = "<"
	LessThanOrEqual    ConditionType = "<="
	GreaterThanOrEqual ConditionType = ">="
	In                 ConditionType = "IN" // Value must be a non-empty slice
)

// Row locking clauses accepted by WithLocking.
const (
	LockForUpdate           = "FOR UPDATE"
	LockForUpdateSkipLocked = "FOR UPDATE SKIP LOCKED"
)

// unset marks Limit and Offset as absent; 0 is a valid value for both.
const unset = -1

// Condition is one "field op value" term. Terms are ANDed.
type Condition struct {
	Field string
	Type  ConditionType
	Value any
}

func WhereCond(field string, condType ConditionType, value any) Condition {
	return Condition{Field: field, Type: condType, Value: value}
}

// OrderTerm is one ORDER BY entry. Direction other than ASC or DESC is ignored.
type OrderTerm struct {
	Column    string
	Direction string
}

// ListQueryOptions describes a single-table SELECT.
type ListQueryOptions struct {
	Table      string
	Columns    []string // empty selects *
	Conditions []Condition
	Order      []OrderTerm
	Limit      int
	Offset     int
	Locking    string
}

type ListQueryOption func(*ListQueryOptions)

func NewListQueryOptions(table string, opts ...ListQueryOption) *ListQueryOptions {
	o := &ListQueryOptions{Table: table, Limit: unset, Offset: unset}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func WithColumns(cols ...string) ListQueryOption {
	return func(o *ListQueryOptions) { o.Columns = cols }
}

func WithCondition(cond Condition) ListQueryOption {
	return func(o *ListQueryOptions) { o.Conditions = append(o.Conditions, cond) }
}

// WithOrderBy appends an ordering column. Calls accumulate.
func WithOrderBy(column, direction string) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.Order = append(o.Order, OrderTerm{Column: column, Direction: direction})
	}
}

// WithLimit sets LIMIT; negative values are ignored.
func WithLimit(limit int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if limit >= 0 {
			o.Limit = limit
		}
	}
}

// WithOffset sets OFFSET; negative values are ignored.
func WithOffset(offset int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if offset >= 0 {
			o.Offset = offset
		}
	}
}

// WithLocking sets a row locking clause. Anything but LockForUpdate and
// LockForUpdateSkipLocked is dropped.
func WithLocking(clause string) ListQueryOption {
	return func(o *ListQueryOptions) { o.Locking = clause }
}

// stmt accumulates SQL text and its positional arguments.
type stmt struct {
	sql  strings.Builder
	args []any
}

// bind records v and returns its placeholder.
func (s *stmt) bind(v any) string {
	s.args = append(s.args, v)
	return "$" + strconv.Itoa(len(s.args))
}

func (s *stmt) write(parts ...string) {
	for _, p := range parts {
		s.sql.WriteString(p)
	}
}

// ident quotes a possibly qualified identifier such as "jobs.queue".
func ident(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// BuildListQuery renders options as SQL with quoted identifiers and bound values.
//
//	query, args := BuildListQuery(NewListQueryOptions("jobs",
//		WithCondition(WhereCond("queue", Equal, "emails")),
//		WithCondition(WhereCond("state", Equal, "waiting")),
//		WithOrderBy("priority", "ASC"),
//		WithOrderBy("seq", "ASC"),
//		WithLimit(10),
//	))
func BuildListQuery(o *ListQueryOptions) (string, []any) {
	if o == nil {
		return "", nil
	}
	s := &stmt{args: []any{}}

	s.write("SELECT ", selectList(o), " FROM ", pgx.Identifier{o.Table}.Sanitize())
	if where := s.where(o.Conditions); where != "" {
		s.write(" WHERE ", where)
	}
	if order := orderBy(o.Order); order != "" {
		s.write(" ORDER BY ", order)
	}
	if o.Limit != unset {
		s.write(" LIMIT ", s.bind(o.Limit))
	}
	if o.Offset != unset {
		s.write(" OFFSET ", s.bind(o.Offset))
	}
	if o.Locking == LockForUpdate || o.Locking == LockForUpdateSkipLocked {
		s.write(" ", o.Locking)
	}
	return s.sql.String(), s.args
}

func selectList(o *ListQueryOptions) string {
	if len(o.Columns) == 0 {
		return "*"
	}
	cols := make([]string, len(o.Columns))
	for i, c := range o.Columns {
		cols[i] = ident(c)
	}
	return strings.Join(cols, ", ")
}

func orderBy(terms []OrderTerm) string {
	var out []string
	for _, t := range terms {
		if t.Column == "" {
			continue
		}
		term := ident(t.Column)
		if dir := strings.ToUpper(t.Direction); dir == "ASC" || dir == "DESC" {
			term += " " + dir
		}
		out = append(out, term)
	}
	return strings.Join(out, ", ")
}

// where renders the conditions, skipping ones with no field, an unknown
// operator, or an empty IN list.
func (s *stmt) where(conds []Condition) string {
	var terms []string
	for _, c := range conds {
		if c.Field == "" {
			continue
		}
		field := pgx.Identifier{c.Field}.Sanitize()
		switch c.Type {
		case In:
			list := reflect.ValueOf(c.Value)
			if list.Kind() != reflect.Slice || list.Len() == 0 {
				continue
			}
			holders := make([]string, list.Len())
			for i := range holders {
				holders[i] = s.bind(list.Index(i).Interface())
			}
			terms = append(terms, field+" IN ("+strings.Join(holders, ", ")+")")
		case Equal, NotEqual, GreaterThan, LessThan, LessThanOrEqual, GreaterThanOrEqual:
			terms = append(terms, field+" "+string(c.Type)+" "+s.bind(c.Value))
		}
	}
	return strings.Join(terms, " AND ")
}
