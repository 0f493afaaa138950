//go:build integration

package results_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
	"github.com/ekaya-inc/ekaya-omop/pkg/results"
	"github.com/ekaya-inc/ekaya-omop/pkg/testhelpers"
)

func TestPostgresStore_SaveAndGet(t *testing.T) {
	resultsDB := testhelpers.GetResultsDB(t)
	store := results.NewPostgresStore(resultsDB.DB)
	ctx := context.Background()

	started := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	summary := &models.RunSummary{
		RunID:      uuid.New(),
		Dialect:    "postgres",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Tables: []models.TableReport{
			{
				Table: "person",
				State: models.TableStateLoaded,
				Steps: []models.StepResult{
					{Index: 0, Phase: models.PhaseStage, Template: "stage/usagi_create", Identity: "a", Status: models.StepStatusSuccess, Attempts: 1},
					{Index: 1, Phase: models.PhaseLoad, Template: "load/omop_insert", Identity: "b", Status: models.StepStatusSuccess, RowsAffected: 3, Attempts: 2},
				},
				StartedAt:  started,
				FinishedAt: started.Add(time.Second),
			},
			{
				Table:      "death",
				State:      models.TableStateAborted,
				Steps:      []models.StepResult{},
				Failure:    "dependency person is FAILED",
				StartedAt:  started,
				FinishedAt: started,
			},
		},
		PostSteps: []models.StepResult{
			{Index: 0, Phase: models.PhasePost, Template: "post/source_to_concept_map_invalidate", Identity: "c", Status: models.StepStatusSuccess, Attempts: 1},
		},
	}

	require.NoError(t, store.Save(ctx, summary))
	require.NoError(t, store.Save(ctx, summary), "saving again replaces the run")

	got, err := store.Get(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, summary.RunID, got.RunID)
	assert.Len(t, got.Tables, 2)

	var steps int
	err = resultsDB.DB.QueryRow(ctx, `SELECT COUNT(*) FROM etl_steps WHERE run_id = $1`, summary.RunID).Scan(&steps)
	require.NoError(t, err)
	assert.Equal(t, 3, steps)

	var failure *string
	err = resultsDB.DB.QueryRow(ctx,
		`SELECT failure FROM etl_table_reports WHERE run_id = $1 AND table_name = 'person'`, summary.RunID).Scan(&failure)
	require.NoError(t, err)
	assert.Nil(t, failure)

	infos, err := store.List(ctx, 100)
	require.NoError(t, err)
	found := false
	for _, info := range infos {
		if info.RunID == summary.RunID {
			found = true
			assert.False(t, info.Succeeded)
		}
	}
	assert.True(t, found)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
