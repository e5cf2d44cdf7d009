package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectQuery_Postgres(t *testing.T) {
	q := pgDialect.selectQuery("test_parameter", Where(
		Eq("test_type_id", "t1"),
		In("id", []string{"a", "b"}),
	).Ordered("position", "name").Page(10, 20))

	assert.Equal(t,
		`SELECT * FROM "test_parameter" WHERE "test_type_id" = $1 AND "id" IN ($2, $3) ORDER BY "position", "name" LIMIT 10 OFFSET 20`,
		q.sql)
	assert.Equal(t, []interface{}{"t1", "a", "b"}, q.args)
}

func TestSelectQuery_EmptyInMatchesNothing(t *testing.T) {
	q := sqliteDialect.selectQuery("result_value", Where(In[string]("id", nil)))
	assert.Equal(t, `SELECT * FROM "result_value" WHERE 1 = 0`, q.sql)
	assert.Empty(t, q.args)
}

func TestSelectQuery_NilEqIsNull(t *testing.T) {
	q := sqliteDialect.selectQuery("test_type", Where(Eq("category_id", nil)))
	assert.Equal(t, `SELECT * FROM "test_type" WHERE "category_id" IS NULL`, q.sql)
}

func TestSelectQuery_Schema(t *testing.T) {
	q := pgDialect.inSchema("tenant_lab1").selectQuery("result", Filter{})
	assert.Equal(t, `SELECT * FROM "tenant_lab1"."result"`, q.sql)
}

func TestInsertQuery_SortedColumns(t *testing.T) {
	q, err := pgDialect.insertQuery("result_value", Row{"value": "6.2", "id": "v1", "parameter_id": "p1"})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "result_value" ("id", "parameter_id", "value") VALUES ($1, $2, $3) RETURNING *`, q.sql)
	assert.Equal(t, []interface{}{"v1", "p1", "6.2"}, q.args)

	_, err = pgDialect.insertQuery("result_value", Row{})
	assert.ErrorIs(t, err, errEmptyPatch)
}

func TestUpdateQuery_PlaceholdersContinueIntoWhere(t *testing.T) {
	q, err := pgDialect.updateQuery("result", Where(Eq("id", "r1")), Row{"status": "completed", "notes": "ok"})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "result" SET "notes" = $1, "status" = $2 WHERE "id" = $3 RETURNING *`, q.sql)
	assert.Equal(t, []interface{}{"ok", "completed", "r1"}, q.args)
}

func TestDeleteQuery(t *testing.T) {
	q := sqliteDialect.deleteQuery("result_value", Where(In("id", []string{"v1", "v2"})))
	assert.Equal(t, `DELETE FROM "result_value" WHERE "id" IN (?, ?)`, q.sql)
	assert.Equal(t, []interface{}{"v1", "v2"}, q.args)
}

func TestUpsertQuery(t *testing.T) {
	q, err := pgDialect.upsertQuery("result_value", []Row{
		{"id": "v1", "value": "5"},
		{"id": "v2", "value": "3"},
	}, "id")
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "result_value" ("id", "value") VALUES ($1, $2), ($3, $4) ON CONFLICT ("id") DO UPDATE SET "value" = EXCLUDED."value" RETURNING *`,
		q.sql)
	assert.Equal(t, []interface{}{"v1", "5", "v2", "3"}, q.args)
}

func TestUpsertQuery_KeyOnly(t *testing.T) {
	q, err := sqliteDialect.upsertQuery("category", []Row{{"id": "c1"}}, "id")
	require.NoError(t, err)
	assert.Contains(t, q.sql, "ON CONFLICT (\"id\") DO NOTHING")
}

func TestUpsertQuery_Rejects(t *testing.T) {
	_, err := pgDialect.upsertQuery("result_value", []Row{{"value": "5"}}, "id")
	assert.Error(t, err, "missing conflict key")

	_, err = pgDialect.upsertQuery("result_value", []Row{
		{"id": "v1", "value": "5"},
		{"id": "v2"},
	}, "id")
	assert.Error(t, err, "ragged column set")

	_, err = pgDialect.upsertQuery("result_value", []Row{
		{"id": "v1", "value": "5"},
		{"id": "v2", "other": "x"},
	}, "id")
	assert.Error(t, err, "mismatched columns")
}
