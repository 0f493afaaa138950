package usagi

import (
	"context"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
	"github.com/ekaya-inc/ekaya-omop/pkg/testhelpers"
)

func records(n int) []models.MappingRecord {
	start := time.Date(2021, 5, 6, 0, 0, 0, 0, time.UTC)
	out := make([]models.MappingRecord, n)
	for i := range out {
		out[i] = models.MappingRecord{
			SourceCode:         fmt.Sprintf("C%03d", i),
			SourceName:         "name",
			SourceVocabularyID: "LOCAL",
			TargetConceptID:    int64(100 + i%2*100),
			MappingStatus:      models.MappingStatusApproved,
		}
	}
	out[0].ValidStartDate = &start
	return out
}

func TestMaxBatchRows(t *testing.T) {
	assert.Equal(t, 500, MaxBatchRows(dialect.Postgres, 500))
	assert.Equal(t, 233, MaxBatchRows(dialect.MSSQL, 500))
	assert.Equal(t, 200, MaxBatchRows(dialect.MSSQL, 200))
	assert.Equal(t, 1, MaxBatchRows(dialect.SQLite, 0))
}

func TestStager_BatchesAndBindsDefaults(t *testing.T) {
	s := NewStager(testhelpers.NewRenderer(t), dialect.Postgres, testhelpers.BaseContext(), 2)

	stmts, err := s.Statements("person", "gender_concept_id", records(5))
	require.NoError(t, err)
	require.Len(t, stmts, 4, "create plus three batches")

	assert.Equal(t, "stage/usagi_create", stmts[0].Template)
	assert.Contains(t, stmts[0].SQL, `CREATE TABLE "work"."person__gender_concept_id_usagi"`)

	first := stmts[1]
	assert.Equal(t, "stage/usagi_insert", first.Template)
	assert.Len(t, first.Args, 2*ParamsPerRow)
	assert.Contains(t, first.SQL, "$18")
	assert.Equal(t, civil.Date{Year: 2021, Month: 5, Day: 6}, first.Args[7])
	assert.Equal(t, DefaultValidEndDate, first.Args[8])
	assert.Equal(t, DefaultValidStartDate, first.Args[ParamsPerRow+7])
	for _, a := range first.Args {
		assert.NotNil(t, a)
	}

	assert.Len(t, stmts[3].Args, ParamsPerRow)
}

func TestStager_NoRecords(t *testing.T) {
	s := NewStager(testhelpers.NewRenderer(t), dialect.MSSQL, testhelpers.BaseContext(), 1000)
	assert.Equal(t, 233, s.BatchSize())

	stmts, err := s.Statements("person", "gender_concept_id", nil)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
}

func TestStager_LoadsIntoSQLite(t *testing.T) {
	a := testhelpers.NewSQLiteAdapter(t)
	s := NewStager(testhelpers.NewRenderer(t), a.Dialect(), testhelpers.BaseContext(), 3)

	stmts, err := s.Statements("person", "gender_concept_id", records(7))
	require.NoError(t, err)

	ctx := context.Background()
	for pass := 0; pass < 2; pass++ {
		for _, stmt := range stmts {
			_, err := a.Execute(ctx, stmt)
			require.NoError(t, err)
		}
	}

	rows, err := a.Executor().Query(ctx,
		`SELECT COUNT(*) AS n, MIN(valid_start_date) AS first_start, MAX(valid_end_date) AS last_end FROM "work"."person__gender_concept_id_usagi"`, nil)
	require.NoError(t, err)
	got, err := datasource.CollectRows(rows)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0]["n"], "create-or-replace keeps staging idempotent")
	assert.Equal(t, "1970-01-01", got[0]["first_start"])
	assert.Equal(t, "2099-12-31", got[0]["last_end"])
}
