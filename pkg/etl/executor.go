// Package etl runs ordered sequences of rendered statements and attributes
// every outcome to the step that produced it.
package etl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/logging"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
	"github.com/ekaya-inc/ekaya-omop/pkg/templates"
)

// Executor runs steps against one adapter.
type Executor struct {
	adapter *datasource.Adapter
	logger  *zap.Logger
}

// NewExecutor creates an executor over adapter.
func NewExecutor(adapter *datasource.Adapter, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{adapter: adapter, logger: logger.Named("etl")}
}

// Option tunes a single Run.
type Option func(*runOptions)

type runOptions struct {
	startIndex    int
	transactional bool
}

// WithStartIndex numbers the first step n instead of 0, so results of
// several runs for one table form a single sequence.
func WithStartIndex(n int) Option {
	return func(o *runOptions) { o.startIndex = n }
}

// Transactional runs all steps in one unit of work. Dialects without
// transactions fall back to sequential execution.
func Transactional() Option {
	return func(o *runOptions) { o.transactional = true }
}

// Run executes steps in order and stops at the first failure. It always
// returns the results of every step attempted, the failing one included.
// The error is a *apperrors.StepFailure, or wraps context.Canceled when the
// run was canceled between steps.
func (e *Executor) Run(ctx context.Context, steps []*templates.RenderedStatement, opts ...Option) ([]models.StepResult, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if len(steps) == 0 {
		return nil, nil
	}

	if o.transactional {
		unit, err := e.adapter.Begin(ctx)
		switch {
		case err == nil:
			return e.runUnit(ctx, unit, steps, o.startIndex)
		case errors.Is(err, apperrors.ErrTransactionsUnsupported):
			e.logger.Debug("Dialect has no transactions, running steps sequentially",
				zap.String("dialect", string(e.adapter.Dialect())))
		default:
			return nil, fmt.Errorf("begin unit: %w", err)
		}
	}
	return e.runSequential(ctx, steps, o.startIndex)
}

func (e *Executor) runSequential(ctx context.Context, steps []*templates.RenderedStatement, start int) ([]models.StepResult, error) {
	results := make([]models.StepResult, 0, len(steps))
	for i, stmt := range steps {
		index := start + i
		if err := ctx.Err(); err != nil {
			return results, canceled(index, err)
		}

		result, err := e.adapter.Execute(ctx, stmt)
		result.Index = index
		results = append(results, result)
		if err != nil {
			return results, e.failure(index, stmt, result, err)
		}
	}
	return results, nil
}

func (e *Executor) runUnit(ctx context.Context, unit *datasource.Unit, steps []*templates.RenderedStatement, start int) ([]models.StepResult, error) {
	results := make([]models.StepResult, 0, len(steps))
	abort := func(err error) ([]models.StepResult, error) {
		// The context may already be done; rollback must still reach the backend.
		if rbErr := unit.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			e.logger.Error("Rollback after failure did not complete",
				zap.String("error", logging.SanitizeError(rbErr)))
		}
		markRolledBack(results)
		return results, err
	}

	for i, stmt := range steps {
		index := start + i
		if err := ctx.Err(); err != nil {
			return abort(canceled(index, err))
		}

		result, err := unit.Execute(ctx, stmt)
		result.Index = index
		if err != nil {
			results = append(results, result)
			return abort(e.failure(index, stmt, result, err))
		}
		results = append(results, result)
	}

	if err := unit.Commit(ctx); err != nil {
		markRolledBack(results)
		return results, fmt.Errorf("commit %d step(s): %w", len(results), err)
	}
	return results, nil
}

func (e *Executor) failure(index int, stmt *templates.RenderedStatement, result models.StepResult, err error) error {
	e.logger.Warn("Step failed",
		zap.Int("step", index),
		zap.String("template", stmt.Template),
		zap.String("table", stmt.Table),
		zap.String("identity", stmt.Identity),
		zap.String("error", logging.SanitizeError(err)))
	return &apperrors.StepFailure{
		Index:    index,
		Phase:    string(stmt.Phase),
		Template: stmt.Template,
		Table:    stmt.Table,
		Dialect:  string(stmt.Dialect),
		Identity: stmt.Identity,
		Attempts: result.Attempts,
		Err:      err,
	}
}

func canceled(index int, err error) error {
	return fmt.Errorf("canceled before step %d: %w", index, err)
}

// markRolledBack flags the successful results of an aborted unit.
func markRolledBack(results []models.StepResult) {
	for i := range results {
		if results[i].Status == models.StepStatusSuccess {
			results[i].Status = models.StepStatusRolledBack
		}
	}
}
