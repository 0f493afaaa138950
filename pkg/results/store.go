// Package results persists run summaries so that runs can be audited after
// the process exits.
package results

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/database"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
)

// Backends accepted by results.backend.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Store persists run summaries.
type Store interface {
	// Save writes s. Saving a run id again replaces the earlier record.
	Save(ctx context.Context, s *models.RunSummary) error

	// Get returns the run with id, or apperrors.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*models.RunSummary, error)

	// List returns the most recent runs first, at most limit of them.
	List(ctx context.Context, limit int) ([]RunInfo, error)

	Close() error
}

// RunInfo is the listing entry of one stored run.
type RunInfo struct {
	RunID      uuid.UUID `json:"run_id"`
	Dialect    string    `json:"dialect"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Succeeded  bool      `json:"succeeded"`
}

func infoOf(s *models.RunSummary) RunInfo {
	return RunInfo{
		RunID:      s.RunID,
		Dialect:    s.Dialect,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Succeeded:  s.Succeeded(),
	}
}

// Open creates the store selected by cfg.Results. The postgres backend
// applies pending migrations before returning.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Results.Backend {
	case BackendFile, "":
		return NewFileStore(cfg.Results.Path)
	case BackendPostgres:
		if err := database.MigrateResults(cfg.Database.ConnectionString(), cfg.Results.MigrationsPath, logger); err != nil {
			return nil, err
		}
		db, err := database.OpenResults(ctx, database.SettingsFrom(cfg.Database), logger)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unknown results backend %q", cfg.Results.Backend)
	}
}
