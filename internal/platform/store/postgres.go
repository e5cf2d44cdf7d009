package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labdesk/labdesk/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

var pgDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	quote:       func(ident string) string { return pgx.Identifier{ident}.Sanitize() },
}

// Postgres is the pgx-backed Store. Requests that went through the tenant
// middleware use the schema-scoped connection carried on the context. Work
// running outside a request (session parameter loads) has no such connection,
// so table names are qualified with the tenant schema whenever the context
// names a tenant.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return p.pool
}

func (p *Postgres) dialect(ctx context.Context) dialect {
	if tid := db.TenantFromContext(ctx); tid != "" {
		return pgDialect.inSchema(db.SchemaName(tid))
	}
	return pgDialect
}

func (p *Postgres) query(ctx context.Context, op, table string, q query) ([]Row, error) {
	rows, err := p.conn(ctx).Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, wrap(op, table, pgCode(err), err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, wrap(op, table, pgCode(err), err)
	}
	out := make([]Row, len(maps))
	for i, m := range maps {
		out[i] = Row(m)
	}
	return out, nil
}

func (p *Postgres) Select(ctx context.Context, table string, f Filter) ([]Row, error) {
	return p.query(ctx, "select", table, p.dialect(ctx).selectQuery(table, f))
}

func (p *Postgres) Insert(ctx context.Context, table string, row Row) (Row, error) {
	q, err := p.dialect(ctx).insertQuery(table, row)
	if err != nil {
		return nil, wrap("insert", table, CodeInvalid, err)
	}
	rows, err := p.query(ctx, "insert", table, q)
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

func (p *Postgres) Update(ctx context.Context, table string, f Filter, patch Row) (Row, error) {
	q, err := p.dialect(ctx).updateQuery(table, f, patch)
	if err != nil {
		return nil, wrap("update", table, CodeInvalid, err)
	}
	rows, err := p.query(ctx, "update", table, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, wrap("update", table, CodeNotFound, ErrNotFound)
	}
	return rows[0], nil
}

func (p *Postgres) Delete(ctx context.Context, table string, f Filter) error {
	q := p.dialect(ctx).deleteQuery(table, f)
	if _, err := p.conn(ctx).Exec(ctx, q.sql, q.args...); err != nil {
		return wrap("delete", table, pgCode(err), err)
	}
	return nil
}

func (p *Postgres) Upsert(ctx context.Context, table string, rows []Row, conflictKey string) ([]Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	q, err := p.dialect(ctx).upsertQuery(table, rows, conflictKey)
	if err != nil {
		return nil, wrap("upsert", table, CodeInvalid, err)
	}
	return p.query(ctx, "upsert", table, q)
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return wrap("ping", "", CodeUnavailable, err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller that opened it.
func (p *Postgres) Close() error { return nil }

func pgCode(err error) Code {
	if errors.Is(err, pgx.ErrNoRows) {
		return CodeNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return CodeUniqueViolation
		case "23503":
			return CodeForeignKeyViolation
		case "23502":
			return CodeNotNullViolation
		case "22P02", "22007", "22008", "23514", "42703":
			return CodeInvalid
		}
	}
	return CodeUnavailable
}
