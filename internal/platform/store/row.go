package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Row is one record keyed by column name. Drivers return column values in
// their native representation; the accessors below normalise them.
type Row map[string]interface{}

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// UUID reads a uuid column stored as uuid.UUID, [16]byte, string or []byte.
func (r Row) UUID(col string) (uuid.UUID, error) {
	switch v := r[col].(type) {
	case uuid.UUID:
		return v, nil
	case [16]byte:
		return uuid.UUID(v), nil
	case string:
		return uuid.Parse(v)
	case []byte:
		if len(v) == 16 {
			return uuid.FromBytes(v)
		}
		return uuid.ParseBytes(v)
	case nil:
		return uuid.Nil, fmt.Errorf("column %s is null", col)
	default:
		return uuid.Nil, fmt.Errorf("column %s: unsupported uuid type %T", col, v)
	}
}

// NullUUID reads a nullable uuid column.
func (r Row) NullUUID(col string) (*uuid.UUID, error) {
	if r[col] == nil {
		return nil, nil
	}
	id, err := r.UUID(col)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// String reads a text column; NULL reads as "".
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// NullString reads a nullable text column.
func (r Row) NullString(col string) *string {
	if r[col] == nil {
		return nil
	}
	s := r.String(col)
	return &s
}

// Int reads an integer column.
func (r Row) Int(col string) int {
	switch v := r[col].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// NullFloat reads a nullable numeric column.
func (r Row) NullFloat(col string) *float64 {
	var f float64
	switch v := r[col].(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int64:
		f = float64(v)
	case int:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Time reads a date or timestamp column stored as time.Time or text.
func (r Row) Time(col string) (time.Time, error) {
	switch v := r[col].(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("column %s: unparseable time %q", col, v)
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("column %s: unsupported time type %T", col, v)
	}
}

// Nullable converts an optional value to a column value, mapping nil to NULL.
func Nullable[T any](p *T) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
