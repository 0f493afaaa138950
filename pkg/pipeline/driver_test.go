package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
	"github.com/ekaya-inc/ekaya-omop/pkg/templates"
	"github.com/ekaya-inc/ekaya-omop/pkg/testhelpers"
)

const testManifest = `
tables:
  - name: observation_period
    depends_on: [person]
  - name: person
    concepts:
      - column: gender_concept_id
        usagi: [usagi/gender*.csv]
        source_vocabulary_id: HIS_GENDER
`

const genderUsagi = `sourceCode,sourceName,mappingStatus,conceptId,conceptName,domainId
M,Male,APPROVED,8507,MALE,Gender
F,Female,APPROVED,8532,FEMALE,Gender
X,Unknown,UNCHECKED,0,,
`

var sourceQueries = fstest.MapFS{
	"source/person/patients.sql.tmpl": {Data: []byte(`SELECT
    id AS person_id,
    sex AS gender_concept_id,
    birth_year AS year_of_birth,
    CAST(id AS TEXT) AS person_source_value
FROM {{raw "patients"}}`)},
	"source/observation_period/patients.sql.tmpl": {Data: []byte(`SELECT
    id AS person_id,
    start_date AS observation_period_start_date,
    end_date AS observation_period_end_date,
    32817 AS period_type_concept_id
FROM {{raw "patients"}}`)},
}

type fixture struct {
	adapter  *datasource.Adapter
	driver   *Driver
	manifest *Manifest
	dir      string
}

func defaultPolicy() config.PipelineConfig {
	return config.PipelineConfig{
		MaxParallelTables:    2,
		DuplicateSampleLimit: 10,
		InsertBatchSize:      100,
		TransactionalLoad:    true,
		CSVEncoding:          "utf-8",
		ETLStart:             "2024-05-01",
	}
}

func newFixture(t *testing.T, policy config.PipelineConfig, usagiCSV string, overlays ...fstest.MapFS) *fixture {
	t.Helper()
	return newFixtureWith(t, policy, testManifest, map[string]string{"usagi/gender.csv": usagiCSV}, overlays...)
}

// newFixtureWith writes manifest and files, keyed by path relative to the
// manifest, into a temporary directory.
func newFixtureWith(t *testing.T, policy config.PipelineConfig, manifest string, files map[string]string, overlays ...fstest.MapFS) *fixture {
	t.Helper()

	a := testhelpers.NewSQLiteAdapter(t)
	testhelpers.CreateOMOPFixture(t, a)

	dir := t.TempDir()
	for name, data := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644))
	m, err := LoadManifest(filepath.Join(dir, "manifest.yaml"))
	require.NoError(t, err)

	sources := []fs.FS{templates.DefaultSources(), sourceQueries}
	for _, o := range overlays {
		sources = append(sources, o)
	}
	reg, err := templates.NewRegistry(sources...)
	require.NoError(t, err)

	d := NewDriver(Options{
		Renderer: templates.NewRenderer(reg, zap.NewNop()),
		Adapter:  a,
		Policy:   policy,
		Schemas:  testhelpers.SQLiteSchemas,
		Now:      func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		Logger:   zap.NewNop(),
	})
	return &fixture{adapter: a, driver: d, manifest: m, dir: dir}
}

func (f *fixture) exec(t *testing.T, query string) {
	t.Helper()
	_, err := f.adapter.Executor().Exec(context.Background(), query, nil)
	require.NoError(t, err)
}

func tableStates(s *models.RunSummary) map[string]models.TableState {
	out := make(map[string]models.TableState, len(s.Tables))
	for _, r := range s.Tables {
		out[r.Table] = r.State
	}
	return out
}

func TestDriver_Run_LoadsTablesEndToEnd(t *testing.T) {
	f := newFixture(t, defaultPolicy(), genderUsagi)
	ctx := context.Background()

	summary, err := f.driver.Run(ctx, f.manifest)
	require.NoError(t, err)
	require.True(t, summary.Succeeded(), FormatSummary(summary))

	require.Len(t, summary.Tables, 2)
	assert.Equal(t, "observation_period", summary.Tables[0].Table, "reports keep manifest order")
	assert.Equal(t, "person", summary.Tables[1].Table)
	assert.Equal(t, "sqlite", summary.Dialect)

	person := summary.Tables[1]
	for i, step := range person.Steps {
		assert.Equal(t, i, step.Index)
		assert.True(t, step.Succeeded(), "step %d %s", i, step.Template)
	}
	templatesRun := make([]string, len(person.Steps))
	for i, step := range person.Steps {
		templatesRun[i] = step.Template
	}
	assert.Equal(t, []string{
		"stage/usagi_create",
		"stage/usagi_insert",
		"stage/work_table",
		"map/concept_swap",
		"validate/usagi_duplicates",
		"load/source_to_concept_map_delete",
		"load/source_to_concept_map_insert",
		"load/omop_delete",
		"load/omop_insert",
	}, templatesRun)

	rows := testhelpers.QueryRows(t, f.adapter,
		`SELECT person_id, gender_concept_id FROM "cdm"."person" ORDER BY person_id`)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(8507), rows[0]["gender_concept_id"])
	assert.Equal(t, int64(8532), rows[1]["gender_concept_id"])
	assert.Equal(t, int64(0), rows[2]["gender_concept_id"], "unmapped codes become concept 0")

	assert.Equal(t, int64(3), testhelpers.Count(t, f.adapter, `"cdm"."observation_period"`, ""))
	assert.Equal(t, int64(2), testhelpers.Count(t, f.adapter, `"cdm"."source_to_concept_map"`,
		`source_vocabulary_id = 'HIS_GENDER' AND valid_start_date = '2024-05-01' AND invalid_reason IS NULL`))

	require.Len(t, summary.PostSteps, 1)
	assert.Equal(t, "post/source_to_concept_map_invalidate", summary.PostSteps[0].Template)
}

func TestDriver_Run_IsIdempotent(t *testing.T) {
	f := newFixture(t, defaultPolicy(), genderUsagi)
	ctx := context.Background()

	for pass := 0; pass < 2; pass++ {
		summary, err := f.driver.Run(ctx, f.manifest)
		require.NoError(t, err)
		require.True(t, summary.Succeeded(), FormatSummary(summary))
	}

	assert.Equal(t, int64(3), testhelpers.Count(t, f.adapter, `"cdm"."person"`, ""))
	assert.Equal(t, int64(3), testhelpers.Count(t, f.adapter, `"cdm"."observation_period"`, ""), "keyless tables are truncated before insert")
	assert.Equal(t, int64(2), testhelpers.Count(t, f.adapter, `"cdm"."source_to_concept_map"`, ""))
}

func TestDriver_Run_InvalidatesStaleMappings(t *testing.T) {
	f := newFixture(t, defaultPolicy(), genderUsagi)
	ctx := context.Background()

	_, err := f.adapter.Executor().Exec(ctx, `INSERT INTO "cdm"."source_to_concept_map" VALUES
		('OLD', 0, 'HIS_GENDER', 'retired code', 8507, 'Gender', '2020-01-01', '2099-12-31', NULL)`, nil)
	require.NoError(t, err)

	summary, err := f.driver.Run(ctx, f.manifest)
	require.NoError(t, err)
	require.True(t, summary.Succeeded())
	assert.Equal(t, int64(1), summary.PostSteps[0].RowsAffected)

	rows := testhelpers.QueryRows(t, f.adapter,
		`SELECT invalid_reason FROM "cdm"."source_to_concept_map" WHERE source_code = 'OLD'`)
	require.Len(t, rows, 1)
	assert.Equal(t, "D", rows[0]["invalid_reason"])
}

const duplicatedUsagi = genderUsagi + "M,Male again,APPROVED,8507,MALE,Gender\n"

func TestDriver_Run_ValidationFailureBlocksDependents(t *testing.T) {
	f := newFixture(t, defaultPolicy(), duplicatedUsagi)

	summary, err := f.driver.Run(context.Background(), f.manifest)
	require.NoError(t, err)
	assert.False(t, summary.Succeeded())

	states := tableStates(summary)
	assert.Equal(t, models.TableStateValidationFailed, states["person"])
	assert.Equal(t, models.TableStateAborted, states["observation_period"])

	person := summary.Tables[1]
	require.Len(t, person.Findings, 1)
	assert.Equal(t, "M->8507", person.Findings[0].OffendingKey)
	assert.Equal(t, 1, person.TotalCount)
	assert.Contains(t, person.Failure, "validation failed for person")
	assert.Contains(t, summary.Tables[0].Failure, "dependency person is VALIDATION_FAILED")

	assert.Equal(t, int64(0), testhelpers.Count(t, f.adapter, `"cdm"."person"`, ""), "nothing loads after a failed validation")
}

func TestDriver_Run_WarnOnValidationFailure(t *testing.T) {
	policy := defaultPolicy()
	policy.WarnOnValidationFailure = true
	f := newFixture(t, policy, duplicatedUsagi)

	summary, err := f.driver.Run(context.Background(), f.manifest)
	require.NoError(t, err)
	require.True(t, summary.Succeeded())

	person := summary.Tables[1]
	require.NotEmpty(t, person.Warnings)
	assert.Contains(t, person.Warnings[len(person.Warnings)-1], "validation failed for person")
	assert.Equal(t, int64(3), testhelpers.Count(t, f.adapter, `"cdm"."person"`, ""))
}

func TestDriver_Run_ToleratedDuplicates(t *testing.T) {
	policy := defaultPolicy()
	policy.DuplicateTolerance = 1
	f := newFixture(t, policy, duplicatedUsagi)

	summary, err := f.driver.Run(context.Background(), f.manifest)
	require.NoError(t, err)
	require.True(t, summary.Succeeded())
	assert.Contains(t, summary.Tables[1].Warnings, "1 duplicate mapping group(s) within tolerance 1")
}

func TestDriver_Run_TemplateErrorAbortsRun(t *testing.T) {
	broken := fstest.MapFS{
		"source/person/patients.sql.tmpl": {Data: []byte(`SELECT * FROM {{raw .nope}}`)},
	}
	f := newFixture(t, defaultPolicy(), genderUsagi, broken)

	summary, err := f.driver.Run(context.Background(), f.manifest)
	require.Error(t, err)
	var te *apperrors.TemplateError
	require.True(t, errors.As(err, &te), "got %v", err)

	states := tableStates(summary)
	assert.Equal(t, models.TableStateFailed, states["person"])
	assert.Equal(t, models.TableStateAborted, states["observation_period"])
	assert.Empty(t, summary.PostSteps)
}

func TestDriver_Run_CanceledBeforeStart(t *testing.T) {
	f := newFixture(t, defaultPolicy(), genderUsagi)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.driver.Run(ctx, f.manifest)
	require.ErrorIs(t, err, context.Canceled)
	for _, r := range summary.Tables {
		assert.Equal(t, models.TableStateAborted, r.State, r.Table)
		assert.Contains(t, r.Failure, "run canceled")
	}
}

func TestDriver_Run_MissingTableFails(t *testing.T) {
	f := newFixture(t, defaultPolicy(), genderUsagi)
	m, err := ParseManifest([]byte("tables:\n  - name: drug_exposure\n"))
	require.NoError(t, err)

	summary, err := f.driver.Run(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, summary.Tables, 1)
	assert.Equal(t, models.TableStateFailed, summary.Tables[0].State)
	assert.Contains(t, summary.Tables[0].Failure, "drug_exposure not found")
}

func TestDriver_Run_InvalidETLStart(t *testing.T) {
	policy := defaultPolicy()
	policy.ETLStart = "May 1st"
	f := newFixture(t, policy, genderUsagi)

	_, err := f.driver.Run(context.Background(), f.manifest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etl_start")
}
