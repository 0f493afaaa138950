package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/config"
)

var testSchemas = config.SchemasConfig{WorkSchema: "work", OmopSchema: "cdm", RawSchema: "raw"}

func newMemoryExecutor(t *testing.T) *QueryExecutor {
	t.Helper()
	exec, err := NewQueryExecutor(context.Background(), config.SQLiteConfig{Path: MemoryPath}, testSchemas, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })
	return exec
}

func TestAttachments(t *testing.T) {
	got := attachments(config.SQLiteConfig{Path: "omop.db", AttachDir: "/data"},
		config.SchemasConfig{WorkSchema: "work", OmopSchema: "main", RawSchema: "work"})
	require.Len(t, got, 1)
	assert.Equal(t, "work", got[0].Schema)
	assert.Equal(t, filepath.Join("/data", "work.db"), got[0].File)

	mem := attachments(config.SQLiteConfig{Path: MemoryPath}, testSchemas)
	require.Len(t, mem, 3)
	for _, a := range mem {
		assert.Equal(t, MemoryPath, a.File)
	}
}

func TestBuildDSN(t *testing.T) {
	assert.Contains(t, buildDSN("omop.db"), "file:omop.db?")
	assert.Contains(t, buildDSN("omop.db"), "journal_mode%28WAL%29")
	assert.NotContains(t, buildDSN(MemoryPath), "journal_mode")
}

func TestQueryExecutor_AttachedSchemas(t *testing.T) {
	exec := newMemoryExecutor(t)
	ctx := context.Background()

	_, err := exec.Exec(ctx, `CREATE TABLE "cdm"."person" (person_id INTEGER PRIMARY KEY, gender_concept_id INTEGER NOT NULL, person_source_value TEXT)`, nil)
	require.NoError(t, err)

	n, err := exec.Exec(ctx, `INSERT INTO "cdm"."person" VALUES (?, ?, ?), (?, ?, ?)`, []any{1, 8507, "p1", 2, 8532, "p2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	tables, err := exec.ListTables(ctx, "", "cdm")
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, datasource.Table{Schema: "cdm", Name: "person"}, tables[0])

	cols, err := exec.Columns(ctx, "", "cdm", "person")
	require.NoError(t, err)
	assert.Equal(t, []string{"person_id", "gender_concept_id", "person_source_value"}, datasource.ColumnNames(cols))
	assert.Equal(t, "person_id", datasource.PrimaryKey(cols))
	assert.False(t, cols[1].IsNullable)
	assert.True(t, cols[2].IsNullable)

	empty, err := exec.ListTables(ctx, "", "work")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestQueryExecutor_DateArgsAndQuery(t *testing.T) {
	exec := newMemoryExecutor(t)
	ctx := context.Background()

	rows, err := exec.Query(ctx, "SELECT date(?) AS d, ? AS code", []any{civil.Date{Year: 2024, Month: 3, Day: 9}, "A01"})
	require.NoError(t, err)
	got, err := datasource.CollectRows(rows)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2024-03-09", got[0]["d"])
	assert.Equal(t, "A01", got[0]["code"])
}

func TestQueryExecutor_TransactionRollback(t *testing.T) {
	exec := newMemoryExecutor(t)
	ctx := context.Background()

	_, err := exec.Exec(ctx, `CREATE TABLE "work"."t" (id INTEGER)`, nil)
	require.NoError(t, err)

	tx, err := exec.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, `INSERT INTO "work"."t" VALUES (?)`, []any{1})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	rows, err := exec.Query(ctx, `SELECT COUNT(*) AS c FROM "work"."t"`, nil)
	require.NoError(t, err)
	got, err := datasource.CollectRows(rows)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got[0]["c"])
}

func TestQueryExecutor_ClassifiesErrors(t *testing.T) {
	exec := newMemoryExecutor(t)
	ctx := context.Background()

	_, err := exec.Exec(ctx, `DELETE FROM "work"."missing"`, nil)
	be, ok := apperrors.AsBackendError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindObjectNotFound, be.Kind)
	assert.False(t, be.Transient())

	_, err = exec.Exec(ctx, `SELEC 1`, nil)
	be, ok = apperrors.AsBackendError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindSyntax, be.Kind)

	_, err = exec.Exec(ctx, `CREATE TABLE "work"."u" (id INTEGER PRIMARY KEY)`, nil)
	require.NoError(t, err)
	_, err = exec.Exec(ctx, `INSERT INTO "work"."u" VALUES (1), (1)`, nil)
	be, ok = apperrors.AsBackendError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindConstraintViolation, be.Kind)
}

func TestQueryExecutor_ManagedConnectionReused(t *testing.T) {
	ctx := context.Background()
	connMgr := datasource.NewConnectionManager(datasource.ConnectionManagerConfig{}, zap.NewNop())
	defer connMgr.Close()

	cfg := config.SQLiteConfig{Path: MemoryPath}
	first, err := NewQueryExecutor(ctx, cfg, testSchemas, connMgr, zap.NewNop())
	require.NoError(t, err)
	_, err = first.Exec(ctx, `CREATE TABLE "work"."shared" (id INTEGER)`, nil)
	require.NoError(t, err)

	second, err := NewQueryExecutor(ctx, cfg, testSchemas, connMgr, zap.NewNop())
	require.NoError(t, err)
	tables, err := second.ListTables(ctx, "", "work")
	require.NoError(t, err)
	require.Len(t, tables, 1, "both executors share one pooled handle")
	assert.Equal(t, 1, connMgr.GetStats().ConnectionsByDialect["sqlite"])
}
