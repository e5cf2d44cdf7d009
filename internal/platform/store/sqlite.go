package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	quote: func(ident string) string {
		return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
	},
}

// SQLite is the embedded Store used by the desk client and by tests.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. Schema migrations are
// applied separately through db.Migrator.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	// Pragmas go in the DSN so that every pooled connection gets them.
	dsn := path + "?" + strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
		"_time_format=sqlite",
	}, "&")
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return &SQLite{db: sqlDB}, nil
}

// DB exposes the handle for migrations.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) query(ctx context.Context, op, table string, q query) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, q.sql, q.args...)
	if err != nil {
		return nil, wrap(op, table, sqliteCode(err), err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, wrap(op, table, CodeUnavailable, err)
	}
	var out []Row
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrap(op, table, CodeUnavailable, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, table, sqliteCode(err), err)
	}
	return out, nil
}

func (s *SQLite) Select(ctx context.Context, table string, f Filter) ([]Row, error) {
	return s.query(ctx, "select", table, sqliteDialect.selectQuery(table, f))
}

func (s *SQLite) Insert(ctx context.Context, table string, row Row) (Row, error) {
	q, err := sqliteDialect.insertQuery(table, row)
	if err != nil {
		return nil, wrap("insert", table, CodeInvalid, err)
	}
	rows, err := s.query(ctx, "insert", table, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, wrap("insert", table, CodeUnavailable, errors.New("insert returned no row"))
	}
	return rows[0], nil
}

func (s *SQLite) Update(ctx context.Context, table string, f Filter, patch Row) (Row, error) {
	q, err := sqliteDialect.updateQuery(table, f, patch)
	if err != nil {
		return nil, wrap("update", table, CodeInvalid, err)
	}
	rows, err := s.query(ctx, "update", table, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, wrap("update", table, CodeNotFound, ErrNotFound)
	}
	return rows[0], nil
}

func (s *SQLite) Delete(ctx context.Context, table string, f Filter) error {
	q := sqliteDialect.deleteQuery(table, f)
	if _, err := s.db.ExecContext(ctx, q.sql, q.args...); err != nil {
		return wrap("delete", table, sqliteCode(err), err)
	}
	return nil
}

func (s *SQLite) Upsert(ctx context.Context, table string, rows []Row, conflictKey string) ([]Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	q, err := sqliteDialect.upsertQuery(table, rows, conflictKey)
	if err != nil {
		return nil, wrap("upsert", table, CodeInvalid, err)
	}
	return s.query(ctx, "upsert", table, q)
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrap("ping", "", CodeUnavailable, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func sqliteCode(err error) Code {
	if errors.Is(err, sql.ErrNoRows) {
		return CodeNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return CodeUniqueViolation
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return CodeForeignKeyViolation
		case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return CodeNotNullViolation
		case sqlite3.SQLITE_CONSTRAINT_CHECK, sqlite3.SQLITE_MISMATCH:
			return CodeInvalid
		}
	}
	return CodeUnavailable
}
