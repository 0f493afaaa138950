package datasource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
	"github.com/ekaya-inc/ekaya-omop/pkg/logging"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
	"github.com/ekaya-inc/ekaya-omop/pkg/retry"
	sqlutil "github.com/ekaya-inc/ekaya-omop/pkg/sql"
	"github.com/ekaya-inc/ekaya-omop/pkg/templates"
)

// Adapter executes rendered statements against one backend. Transient
// failures are retried under the injected policy; every execution is reported
// as an attributable StepResult.
type Adapter struct {
	exec   QueryExecutor
	retry  *retry.Config
	logger *zap.Logger
}

// NewAdapter wraps exec. A nil retry policy means retry.DefaultConfig().
func NewAdapter(exec QueryExecutor, retryCfg *retry.Config, logger *zap.Logger) *Adapter {
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		exec:   exec,
		retry:  retryCfg,
		logger: logger.Named("adapter").With(zap.String("dialect", string(exec.Dialect()))),
	}
}

// Dialect returns the backend dialect.
func (a *Adapter) Dialect() dialect.Dialect { return a.exec.Dialect() }

// Executor exposes the raw backend executor.
func (a *Adapter) Executor() QueryExecutor { return a.exec }

// Close releases the executor.
func (a *Adapter) Close() error { return a.exec.Close() }

// Execute runs stmt with retries. Unparameterized statements may hold
// several SQL statements, which run in order. Each part is retried on its
// own, so parts that already succeeded never run twice. Attempts reports the
// most tries any part needed. The returned error is the classified backend
// error of the last attempt.
func (a *Adapter) Execute(ctx context.Context, stmt *templates.RenderedStatement) (models.StepResult, error) {
	result := NewStepResult(stmt)
	start := time.Now()

	var attempts int
	var err error
	for _, part := range statementParts(stmt) {
		var n, tries int
		tries, err = retry.DoIfRetryable(ctx, a.retry, func(attempt int) error {
			if attempt > 1 {
				a.logger.Warn("Retrying statement",
					zap.String("template", stmt.Template),
					zap.String("identity", stmt.Identity),
					zap.Int("attempt", attempt))
			}
			rows, err := a.exec.Exec(ctx, part, partArgs(stmt))
			if err != nil {
				return err
			}
			n = int(rows)
			return nil
		})
		attempts = max(attempts, tries)
		if err != nil {
			break
		}
		if n > 0 {
			result.RowsAffected += int64(n)
		}
	}
	result.Attempts = attempts
	result.Duration = time.Since(start)

	if err != nil {
		err = a.classifyContextError(err)
		MarkFailed(&result, err)
		a.logger.Error("Statement failed",
			zap.String("template", stmt.Template),
			zap.String("target", stmt.Target),
			zap.String("identity", stmt.Identity),
			zap.Int("attempts", attempts),
			zap.String("sql", logging.SanitizeQuery(stmt.SQL)),
			zap.String("error", logging.SanitizeError(err)))
		return result, err
	}

	result.Status = models.StepStatusSuccess
	a.logger.Debug("Statement executed",
		zap.String("template", stmt.Template),
		zap.String("target", stmt.Target),
		zap.Int64("rows", result.RowsAffected),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// ExecuteQuery opens a lazy iterator over stmt's rows. Only opening the
// query is retried; iteration errors surface from the iterator.
func (a *Adapter) ExecuteQuery(ctx context.Context, stmt *templates.RenderedStatement) (RowIterator, error) {
	if sqlutil.CountStatements(stmt.SQL) > 1 {
		return nil, fmt.Errorf("query %s: %w", stmt.Template, sqlutil.ErrMultipleStatements)
	}

	var rows RowIterator
	attempts, err := retry.DoIfRetryable(ctx, a.retry, func(int) error {
		r, err := a.exec.Query(ctx, stmt.SQL, stmt.Args)
		if err != nil {
			return err
		}
		rows = r
		return nil
	})
	if err != nil {
		err = a.classifyContextError(err)
		a.logger.Error("Query failed",
			zap.String("template", stmt.Template),
			zap.String("identity", stmt.Identity),
			zap.Int("attempts", attempts),
			zap.String("error", logging.SanitizeError(err)))
		return nil, err
	}
	return rows, nil
}

// ListTables lists base tables of catalog.schema, retrying transient errors.
func (a *Adapter) ListTables(ctx context.Context, catalog, schema string) ([]Table, error) {
	var tables []Table
	_, err := retry.DoIfRetryable(ctx, a.retry, func(int) error {
		var err error
		tables, err = a.exec.ListTables(ctx, catalog, schema)
		return err
	})
	return tables, err
}

// Columns describes a table, retrying transient errors.
func (a *Adapter) Columns(ctx context.Context, catalog, schema, table string) ([]Column, error) {
	var cols []Column
	_, err := retry.DoIfRetryable(ctx, a.retry, func(int) error {
		var err error
		cols, err = a.exec.Columns(ctx, catalog, schema, table)
		return err
	})
	return cols, err
}

// Begin opens a transactional unit. Statements inside it are not retried.
func (a *Adapter) Begin(ctx context.Context) (*Unit, error) {
	if !a.Dialect().Rules().SupportsTransactions() {
		return nil, apperrors.ErrTransactionsUnsupported
	}
	tx, err := a.exec.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Unit{tx: tx, logger: a.logger}, nil
}

func (a *Adapter) classifyContextError(err error) error {
	if _, ok := apperrors.AsBackendError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewBackendError(string(a.Dialect()), apperrors.KindCanceled, "", err)
	}
	return apperrors.NewBackendError(string(a.Dialect()), apperrors.KindUnknown, "", err)
}

// Unit is a transactional unit of work on one connection.
type Unit struct {
	tx     Tx
	logger *zap.Logger
	done   bool
}

// Execute runs stmt inside the unit, once.
func (u *Unit) Execute(ctx context.Context, stmt *templates.RenderedStatement) (models.StepResult, error) {
	result := NewStepResult(stmt)
	start := time.Now()
	n, err := runStatement(ctx, u.tx.Exec, stmt)
	result.Attempts = 1
	result.Duration = time.Since(start)
	if err != nil {
		MarkFailed(&result, err)
		return result, err
	}
	result.RowsAffected = n
	result.Status = models.StepStatusSuccess
	return result, nil
}

// Commit commits the unit.
func (u *Unit) Commit(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Commit(ctx)
}

// Rollback rolls the unit back. It is a no-op after Commit.
func (u *Unit) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Rollback(ctx); err != nil {
		u.logger.Warn("Rollback failed", zap.String("error", logging.SanitizeError(err)))
		return err
	}
	return nil
}

type execFunc func(ctx context.Context, sqlText string, args []any) (int64, error)

// statementParts splits an unparameterized statement into the SQL
// statements it holds. A parameterized statement is always one part.
func statementParts(stmt *templates.RenderedStatement) []string {
	if stmt.IsParameterized() {
		return []string{stmt.SQL}
	}
	var parts []string
	for _, part := range sqlutil.SplitStatements(stmt.SQL) {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func partArgs(stmt *templates.RenderedStatement) []any {
	if stmt.IsParameterized() {
		return stmt.Args
	}
	return nil
}

func runStatement(ctx context.Context, exec execFunc, stmt *templates.RenderedStatement) (int64, error) {
	var total int64
	for _, part := range statementParts(stmt) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := exec(ctx, part, partArgs(stmt))
		if err != nil {
			return total, err
		}
		if n > 0 {
			total += n
		}
	}
	return total, nil
}

// NewStepResult pre-fills the attribution fields of a result for stmt.
func NewStepResult(stmt *templates.RenderedStatement) models.StepResult {
	return models.StepResult{
		Phase:    stmt.Phase,
		Template: stmt.Template,
		Table:    stmt.Table,
		Target:   stmt.Target,
		Dialect:  string(stmt.Dialect),
		Identity: stmt.Identity,
		Status:   models.StepStatusFailure,
	}
}

// MarkFailed records err on result.
func MarkFailed(result *models.StepResult, err error) {
	result.Status = models.StepStatusFailure
	result.Err = err
	result.Error = logging.SanitizeError(err)
	if be, ok := apperrors.AsBackendError(err); ok {
		result.ErrorKind = string(be.Kind)
	}
}
