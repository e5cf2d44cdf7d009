package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// dialect captures the syntax differences between the SQL drivers.
type dialect struct {
	placeholder func(n int) string
	quote       func(ident string) string
	schema      string
}

type query struct {
	sql  string
	args []interface{}
}

var errEmptyPatch = errors.New("empty patch")

func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// inSchema returns a copy of d that qualifies table names with schema.
func (d dialect) inSchema(schema string) dialect {
	d.schema = schema
	return d
}

func (d dialect) quoteTable(table string) string {
	if d.schema == "" {
		return d.quote(table)
	}
	return d.quote(d.schema) + "." + d.quote(table)
}

func (d dialect) where(f Filter, args []interface{}) (string, []interface{}) {
	if len(f.Where) == 0 {
		return "", args
	}
	parts := make([]string, 0, len(f.Where))
	for _, c := range f.Where {
		switch c.Op {
		case OpEq:
			if c.Value == nil {
				parts = append(parts, d.quote(c.Column)+" IS NULL")
				continue
			}
			args = append(args, c.Value)
			parts = append(parts, fmt.Sprintf("%s = %s", d.quote(c.Column), d.placeholder(len(args))))
		case OpIn:
			if len(c.Values) == 0 {
				parts = append(parts, "1 = 0")
				continue
			}
			ph := make([]string, len(c.Values))
			for i, v := range c.Values {
				args = append(args, v)
				ph[i] = d.placeholder(len(args))
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", d.quote(c.Column), strings.Join(ph, ", ")))
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func (d dialect) selectQuery(table string, f Filter) query {
	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(d.quoteTable(table))
	w, args := d.where(f, nil)
	b.WriteString(w)
	if len(f.OrderBy) > 0 {
		parts := make([]string, len(f.OrderBy))
		for i, o := range f.OrderBy {
			parts[i] = d.quote(o.Column)
			if o.Desc {
				parts[i] += " DESC"
			}
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(parts, ", "))
	}
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
		if f.Offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", f.Offset)
		}
	}
	return query{sql: b.String(), args: args}
}

func (d dialect) insertQuery(table string, row Row) (query, error) {
	if len(row) == 0 {
		return query{}, errEmptyPatch
	}
	cols := sortedColumns(row)
	quoted := make([]string, len(cols))
	ph := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		quoted[i] = d.quote(c)
		ph[i] = d.placeholder(i + 1)
		args[i] = row[c]
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		d.quoteTable(table), strings.Join(quoted, ", "), strings.Join(ph, ", "))
	return query{sql: sql, args: args}, nil
}

func (d dialect) updateQuery(table string, f Filter, patch Row) (query, error) {
	if len(patch) == 0 {
		return query{}, errEmptyPatch
	}
	cols := sortedColumns(patch)
	sets := make([]string, len(cols))
	args := make([]interface{}, 0, len(cols))
	for i, c := range cols {
		args = append(args, patch[c])
		sets[i] = fmt.Sprintf("%s = %s", d.quote(c), d.placeholder(len(args)))
	}
	w, args := d.where(f, args)
	sql := fmt.Sprintf("UPDATE %s SET %s%s RETURNING *", d.quoteTable(table), strings.Join(sets, ", "), w)
	return query{sql: sql, args: args}, nil
}

func (d dialect) deleteQuery(table string, f Filter) query {
	w, args := d.where(f, nil)
	return query{sql: "DELETE FROM " + d.quoteTable(table) + w, args: args}
}

// upsertQuery requires every row to carry the same column set, including the
// conflict key.
func (d dialect) upsertQuery(table string, rows []Row, conflictKey string) (query, error) {
	if len(rows) == 0 {
		return query{}, errEmptyPatch
	}
	cols := sortedColumns(rows[0])
	hasKey := false
	for _, c := range cols {
		if c == conflictKey {
			hasKey = true
		}
	}
	if !hasKey {
		return query{}, fmt.Errorf("rows lack conflict key %q", conflictKey)
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.quote(c)
	}

	var args []interface{}
	tuples := make([]string, len(rows))
	for i, row := range rows {
		if len(row) != len(cols) {
			return query{}, fmt.Errorf("row %d has %d columns, want %d", i, len(row), len(cols))
		}
		ph := make([]string, len(cols))
		for j, c := range cols {
			v, ok := row[c]
			if !ok {
				return query{}, fmt.Errorf("row %d lacks column %q", i, c)
			}
			args = append(args, v)
			ph[j] = d.placeholder(len(args))
		}
		tuples[i] = "(" + strings.Join(ph, ", ") + ")"
	}

	var sets []string
	for _, c := range cols {
		if c == conflictKey {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", d.quote(c), d.quote(c)))
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) %s RETURNING *",
		d.quoteTable(table), strings.Join(quoted, ", "), strings.Join(tuples, ", "), d.quote(conflictKey), action)
	return query{sql: sql, args: args}, nil
}
