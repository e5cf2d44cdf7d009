// Package store is the generic relational collection API the lab engine
// persists through. Rows are column maps; filters are conjunctions of
// equality and membership conditions. Drivers exist for PostgreSQL (pgx),
// SQLite (modernc) and memory.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Store is the queryable relational collection consumed by the catalog and
// result repositories.
type Store interface {
	Select(ctx context.Context, table string, f Filter) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, f Filter, patch Row) (Row, error)
	Delete(ctx context.Context, table string, f Filter) error
	Upsert(ctx context.Context, table string, rows []Row, conflictKey string) ([]Row, error)
	Ping(ctx context.Context) error
	Close() error
}

// Op is a filter comparison operator.
type Op int

const (
	OpEq Op = iota
	OpIn
)

// Cond is a single column condition.
type Cond struct {
	Column string
	Op     Op
	Value  interface{}
	Values []interface{}
}

// Eq matches rows whose column equals v.
func Eq(column string, v interface{}) Cond {
	return Cond{Column: column, Op: OpEq, Value: v}
}

// In matches rows whose column is one of vs. An empty In matches nothing.
func In[T any](column string, vs []T) Cond {
	values := make([]interface{}, len(vs))
	for i, v := range vs {
		values[i] = v
	}
	return Cond{Column: column, Op: OpIn, Values: values}
}

// Order sorts selected rows by a column.
type Order struct {
	Column string
	Desc   bool
}

// Filter selects rows. The zero Filter matches every row.
type Filter struct {
	Where   []Cond
	OrderBy []Order
	Limit   int
	Offset  int
}

// Where builds a Filter from conditions.
func Where(conds ...Cond) Filter {
	return Filter{Where: conds}
}

// Ordered returns a copy of f sorted by the given columns, ascending.
func (f Filter) Ordered(columns ...string) Filter {
	for _, c := range columns {
		f.OrderBy = append(f.OrderBy, Order{Column: c})
	}
	return f
}

// Page returns a copy of f limited to one page.
func (f Filter) Page(limit, offset int) Filter {
	f.Limit = limit
	f.Offset = offset
	return f
}

// Code is the machine-readable class of a store failure.
type Code string

const (
	CodeNotFound            Code = "not_found"
	CodeUniqueViolation     Code = "unique_violation"
	CodeForeignKeyViolation Code = "foreign_key_violation"
	CodeNotNullViolation    Code = "not_null_violation"
	CodeInvalid             Code = "invalid"
	CodeUnavailable         Code = "unavailable"
)

// Error is returned by every driver operation that fails.
type Error struct {
	Op    string
	Table string
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store %s %s: %s", e.Op, e.Table, e.Code)
	}
	return fmt.Sprintf("store %s %s: %s: %v", e.Op, e.Table, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the operation could succeed.
func (e *Error) Transient() bool { return e.Code == CodeUnavailable }

// ErrNotFound is wrapped by errors with CodeNotFound.
var ErrNotFound = errors.New("row not found")

// CodeOf extracts the store code from err, or "" when err is not a store error.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsNotFound reports whether err means the addressed row does not exist.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound || errors.Is(err, ErrNotFound)
}

func wrap(op, table string, code Code, err error) error {
	return &Error{Op: op, Table: table, Code: code, Err: err}
}
