package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Call records one operation issued against a Memory store.
type Call struct {
	Op    string
	Table string
}

type fault struct {
	op, table string
	code      Code
	sticky    bool
}

// Memory is an in-process Store. Rows without an "id" receive a generated
// uuid on insert. Faults can be injected per operation and table, which is
// how partial-failure paths of the submit sequence are exercised.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]Row
	faults []fault
	calls  []Call
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string][]Row)}
}

// FailNext makes the next op on table fail with code. Empty table matches any.
func (m *Memory) FailNext(op, table string, code Code) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, fault{op: op, table: table, code: code})
}

// FailAlways makes every op on table fail with code until Heal is called.
func (m *Memory) FailAlways(op, table string, code Code) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, fault{op: op, table: table, code: code, sticky: true})
}

// Heal removes all injected faults.
func (m *Memory) Heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = nil
}

// Calls returns the operations issued so far, in order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Rows returns a copy of every row in table.
func (m *Memory) Rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, len(m.tables[table]))
	for i, r := range m.tables[table] {
		out[i] = r.Clone()
	}
	return out
}

// enter records the call and returns an injected fault, if any. Caller holds mu.
func (m *Memory) enter(op, table string) error {
	m.calls = append(m.calls, Call{Op: op, Table: table})
	for i, f := range m.faults {
		if f.op != op || (f.table != "" && f.table != table) {
			continue
		}
		if !f.sticky {
			m.faults = append(m.faults[:i], m.faults[i+1:]...)
		}
		return wrap(op, table, f.code, fmt.Errorf("injected %s failure", f.code))
	}
	return nil
}

func (m *Memory) Select(_ context.Context, table string, f Filter) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("select", table); err != nil {
		return nil, err
	}
	var out []Row
	for _, r := range m.tables[table] {
		if matches(r, f) {
			out = append(out, r.Clone())
		}
	}
	if len(f.OrderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range f.OrderBy {
				c := compareValues(out[i][o.Column], out[j][o.Column])
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Insert(_ context.Context, table string, row Row) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("insert", table); err != nil {
		return nil, err
	}
	if len(row) == 0 {
		return nil, wrap("insert", table, CodeInvalid, errEmptyPatch)
	}
	r := row.Clone()
	if r["id"] == nil {
		r["id"] = uuid.New()
	}
	if m.indexOf(table, "id", r["id"]) >= 0 {
		return nil, wrap("insert", table, CodeUniqueViolation, fmt.Errorf("duplicate id %v", r["id"]))
	}
	m.tables[table] = append(m.tables[table], r)
	return r.Clone(), nil
}

func (m *Memory) Update(_ context.Context, table string, f Filter, patch Row) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("update", table); err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, wrap("update", table, CodeInvalid, errEmptyPatch)
	}
	var first Row
	for _, r := range m.tables[table] {
		if !matches(r, f) {
			continue
		}
		for k, v := range patch {
			r[k] = v
		}
		if first == nil {
			first = r.Clone()
		}
	}
	if first == nil {
		return nil, wrap("update", table, CodeNotFound, ErrNotFound)
	}
	return first, nil
}

func (m *Memory) Delete(_ context.Context, table string, f Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("delete", table); err != nil {
		return err
	}
	kept := m.tables[table][:0]
	for _, r := range m.tables[table] {
		if !matches(r, f) {
			kept = append(kept, r)
		}
	}
	m.tables[table] = kept
	return nil
}

func (m *Memory) Upsert(_ context.Context, table string, rows []Row, conflictKey string) ([]Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("upsert", table); err != nil {
		return nil, err
	}
	for i, row := range rows {
		if row[conflictKey] == nil {
			return nil, wrap("upsert", table, CodeInvalid, fmt.Errorf("row %d lacks conflict key %q", i, conflictKey))
		}
	}
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		if idx := m.indexOf(table, conflictKey, row[conflictKey]); idx >= 0 {
			existing := m.tables[table][idx]
			for k, v := range row {
				existing[k] = v
			}
			out = append(out, existing.Clone())
			continue
		}
		r := row.Clone()
		if r["id"] == nil {
			r["id"] = uuid.New()
		}
		m.tables[table] = append(m.tables[table], r)
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) indexOf(table, col string, v interface{}) int {
	for i, r := range m.tables[table] {
		if compareValues(r[col], v) == 0 {
			return i
		}
	}
	return -1
}

func matches(r Row, f Filter) bool {
	for _, c := range f.Where {
		switch c.Op {
		case OpEq:
			if c.Value == nil {
				if r[c.Column] != nil {
					return false
				}
				continue
			}
			if compareValues(r[c.Column], c.Value) != 0 {
				return false
			}
		case OpIn:
			found := false
			for _, v := range c.Values {
				if compareValues(r[c.Column], v) == 0 {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case uuid.UUID:
		return x.String()
	case *uuid.UUID:
		if x == nil {
			return nil
		}
		return x.String()
	case [16]byte:
		return uuid.UUID(x).String()
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case time.Time:
		return x.UTC()
	case *string:
		if x == nil {
			return nil
		}
		return *x
	case *float64:
		if x == nil {
			return nil
		}
		return *x
	default:
		return v
	}
}

func compareValues(a, b interface{}) int {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			if x == y {
				return 0
			}
			if !x {
				return -1
			}
			return 1
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}
