package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/database"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
)

// postStepsTable is the table_name under which post-run steps are stored.
const postStepsTable = "(post)"

var stepColumns = []string{
	"run_id", "table_name", "step_index", "phase", "template", "target", "identity",
	"status", "rows_affected", "attempts", "duration_ms", "error_kind", "error",
}

// PostgresStore keeps runs in the etl_runs, etl_table_reports and etl_steps tables.
type PostgresStore struct {
	db *database.ResultsPool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps a migrated results database.
func NewPostgresStore(db *database.ResultsPool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, summary *models.RunSummary) error {
	doc, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", summary.RunID, err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	// Cascades to table reports and steps of an earlier save.
	if _, err := tx.Exec(ctx, `DELETE FROM etl_runs WHERE run_id = $1`, summary.RunID); err != nil {
		return fmt.Errorf("failed to replace run: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO etl_runs (run_id, dialect, started_at, finished_at, succeeded, summary)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		summary.RunID, summary.Dialect, summary.StartedAt, summary.FinishedAt, summary.Succeeded(), doc)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	var steps [][]any
	for _, r := range summary.Tables {
		findings, err := json.Marshal(findingsOrEmpty(r.Findings))
		if err != nil {
			return fmt.Errorf("encode findings of %s: %w", r.Table, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO etl_table_reports
				(run_id, table_name, state, total_violations, findings, failure, started_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`,
			summary.RunID, r.Table, string(r.State), r.TotalCount, findings, r.Failure, r.StartedAt, r.FinishedAt)
		if err != nil {
			return fmt.Errorf("failed to insert table report %s: %w", r.Table, err)
		}
		steps = appendStepRows(steps, summary.RunID, r.Table, r.Steps)
	}
	steps = appendStepRows(steps, summary.RunID, postStepsTable, summary.PostSteps)

	if len(steps) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"etl_steps"}, stepColumns, pgx.CopyFromRows(steps)); err != nil {
			return fmt.Errorf("failed to copy steps: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.RunSummary, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT summary FROM etl_runs WHERE run_id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var summary models.RunSummary
	if err := json.Unmarshal(doc, &summary); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &summary, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT run_id, dialect, started_at, finished_at, succeeded
		FROM etl_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var infos []RunInfo
	for rows.Next() {
		var info RunInfo
		if err := rows.Scan(&info.RunID, &info.Dialect, &info.StartedAt, &info.FinishedAt, &info.Succeeded); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return infos, nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func appendStepRows(rows [][]any, runID uuid.UUID, table string, steps []models.StepResult) [][]any {
	for _, st := range steps {
		rows = append(rows, []any{
			runID, table, st.Index, string(st.Phase), st.Template, nullable(st.Target), st.Identity,
			string(st.Status), st.RowsAffected, st.Attempts, st.Duration.Milliseconds(),
			nullable(st.ErrorKind), nullable(st.Error),
		})
	}
	return rows
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func findingsOrEmpty(f []models.ValidationFinding) []models.ValidationFinding {
	if f == nil {
		return []models.ValidationFinding{}
	}
	return f
}
