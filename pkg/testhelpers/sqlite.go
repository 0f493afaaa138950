package testhelpers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource/sqlite"
	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/retry"
	"github.com/ekaya-inc/ekaya-omop/pkg/templates"
)

// SQLiteSchemas are the schema names attached to every in-memory test database.
var SQLiteSchemas = config.SchemasConfig{WorkSchema: "work", OmopSchema: "cdm", RawSchema: "raw"}

// NoSleepRetry retries up to maxAttempts times without waiting.
func NoSleepRetry(maxAttempts int) *retry.Config {
	return &retry.Config{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  2,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

// NewSQLiteAdapter opens a private in-memory SQLite database with the work,
// cdm and raw schemas attached. It is closed when the test ends.
func NewSQLiteAdapter(t *testing.T) *datasource.Adapter {
	t.Helper()
	exec, err := sqlite.NewQueryExecutor(context.Background(), config.SQLiteConfig{Path: sqlite.MemoryPath}, SQLiteSchemas, nil, zap.NewNop())
	require.NoError(t, err)
	a := datasource.NewAdapter(exec, NoSleepRetry(2), zap.NewNop())
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// BaseContext returns a render context pointing at SQLiteSchemas.
func BaseContext() templates.Context {
	return templates.NewContext().
		With(templates.VarWorkCatalog, "").
		With(templates.VarWorkSchema, SQLiteSchemas.WorkSchema).
		With(templates.VarOmopCatalog, "").
		With(templates.VarOmopSchema, SQLiteSchemas.OmopSchema).
		With(templates.VarRawCatalog, "").
		With(templates.VarRawSchema, SQLiteSchemas.RawSchema)
}

// NewRenderer returns a renderer over the embedded templates.
func NewRenderer(t *testing.T) *templates.Renderer {
	t.Helper()
	reg, err := templates.NewRegistry(templates.DefaultSources())
	require.NoError(t, err)
	return templates.NewRenderer(reg, zap.NewNop())
}

// omopFixture is a reduced CDM: enough of the vocabulary tables,
// source_to_concept_map and person for the pipeline to run end to end.
var omopFixture = []string{
	`CREATE TABLE "cdm"."concept" (
		concept_id INTEGER PRIMARY KEY,
		concept_name TEXT NOT NULL,
		domain_id TEXT NOT NULL,
		vocabulary_id TEXT NOT NULL,
		concept_class_id TEXT NOT NULL,
		standard_concept TEXT,
		concept_code TEXT NOT NULL,
		valid_start_date DATE NOT NULL,
		valid_end_date DATE NOT NULL,
		invalid_reason TEXT
	)`,
	`CREATE TABLE "cdm"."concept_relationship" (
		concept_id_1 INTEGER NOT NULL,
		concept_id_2 INTEGER NOT NULL,
		relationship_id TEXT NOT NULL,
		valid_start_date DATE NOT NULL,
		valid_end_date DATE NOT NULL,
		invalid_reason TEXT
	)`,
	`CREATE TABLE "cdm"."concept_ancestor" (
		ancestor_concept_id INTEGER NOT NULL,
		descendant_concept_id INTEGER NOT NULL,
		min_levels_of_separation INTEGER NOT NULL,
		max_levels_of_separation INTEGER NOT NULL
	)`,
	`CREATE TABLE "cdm"."source_to_concept_map" (
		source_code TEXT NOT NULL,
		source_concept_id INTEGER NOT NULL,
		source_vocabulary_id TEXT NOT NULL,
		source_code_description TEXT,
		target_concept_id INTEGER NOT NULL,
		target_vocabulary_id TEXT NOT NULL,
		valid_start_date DATE NOT NULL,
		valid_end_date DATE NOT NULL,
		invalid_reason TEXT
	)`,
	`CREATE TABLE "cdm"."person" (
		person_id INTEGER PRIMARY KEY,
		gender_concept_id INTEGER NOT NULL,
		year_of_birth INTEGER NOT NULL,
		person_source_value TEXT
	)`,
	`CREATE TABLE "cdm"."observation_period" (
		person_id INTEGER NOT NULL,
		observation_period_start_date DATE NOT NULL,
		observation_period_end_date DATE NOT NULL,
		period_type_concept_id INTEGER NOT NULL
	)`,
	`INSERT INTO "cdm"."concept" VALUES
		(8507, 'MALE', 'Gender', 'Gender', 'Gender', 'S', 'M', '1970-01-01', '2099-12-31', NULL),
		(8532, 'FEMALE', 'Gender', 'Gender', 'Gender', 'S', 'F', '1970-01-01', '2099-12-31', NULL),
		(32817, 'EHR', 'Type Concept', 'Type Concept', 'Type Concept', 'S', 'OMOP4976890', '1970-01-01', '2099-12-31', NULL),
		(100, 'Concept 100', 'Condition', 'SNOMED', 'Clinical Finding', 'S', '100', '1970-01-01', '2099-12-31', NULL),
		(200, 'Concept 200', 'Condition', 'SNOMED', 'Clinical Finding', 'S', '200', '1970-01-01', '2099-12-31', NULL)`,
	`INSERT INTO "cdm"."concept_relationship" VALUES
		(100, 200, 'Is a', '1970-01-01', '2099-12-31', NULL)`,
	`INSERT INTO "cdm"."concept_ancestor" VALUES
		(200, 100, 1, 1)`,
	`CREATE TABLE "raw"."patients" (
		id INTEGER PRIMARY KEY,
		sex TEXT,
		birth_year INTEGER,
		start_date TEXT,
		end_date TEXT
	)`,
	`INSERT INTO "raw"."patients" VALUES
		(1, 'M', 1970, '2020-01-01', '2023-12-31'),
		(2, 'F', 1982, '2021-06-01', '2024-01-31'),
		(3, 'X', 1990, '2022-02-02', '2022-12-31')`,
}

// CreateOMOPFixture creates the reduced CDM and raw source tables.
func CreateOMOPFixture(t *testing.T, a *datasource.Adapter) {
	t.Helper()
	ctx := context.Background()
	for _, stmt := range omopFixture {
		_, err := a.Executor().Exec(ctx, stmt, nil)
		require.NoError(t, err)
	}
}

// QueryRows runs a read query directly against the backend.
func QueryRows(t *testing.T, a *datasource.Adapter, query string) []map[string]any {
	t.Helper()
	rows, err := a.Executor().Query(context.Background(), query, nil)
	require.NoError(t, err)
	got, err := datasource.CollectRows(rows)
	require.NoError(t, err)
	return got
}

// Count returns SELECT COUNT(*) of a qualified table, optionally filtered.
func Count(t *testing.T, a *datasource.Adapter, table, where string) int64 {
	t.Helper()
	query := "SELECT COUNT(*) AS n FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	got := QueryRows(t, a, query)
	require.Len(t, got, 1)
	n, ok := got[0]["n"].(int64)
	require.True(t, ok, "COUNT(*) returned %T", got[0]["n"])
	return n
}
