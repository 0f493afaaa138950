package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// QueryExecutor runs statements against PostgreSQL through a pgx pool.
type QueryExecutor struct {
	pool      *pgxpool.Pool
	ownedPool bool // true if we created the pool (for tests or direct instantiation)
	logger    *zap.Logger
}

// NewQueryExecutor creates a PostgreSQL query executor using the connection manager.
// If connMgr is nil, creates an unmanaged pool (for tests or direct instantiation).
func NewQueryExecutor(ctx context.Context, cfg config.PostgresConfig, connMgr *datasource.ConnectionManager, logger *zap.Logger) (*QueryExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	connStr := buildConnectionString(cfg)

	if connMgr == nil {
		pool, err := pgxpool.New(ctx, connStr)
		if err != nil {
			return nil, classify(fmt.Errorf("connect to postgres: %w", err))
		}
		return &QueryExecutor{pool: pool, ownedPool: true, logger: logger}, nil
	}

	key := datasource.ConnectionKey(string(dialect.Postgres), poolTarget(cfg))
	connector, err := connMgr.GetOrCreateConnection(ctx, key, func(ctx context.Context, mc datasource.ConnectionManagerConfig) (datasource.PoolConnector, error) {
		return datasource.CreatePostgresPool(ctx, connStr, mc)
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get pooled connection: %w", err))
	}
	pool, err := datasource.GetPostgresPool(connector)
	if err != nil {
		return nil, err
	}
	return &QueryExecutor{pool: pool, logger: logger}, nil
}

// NewQueryExecutorFromPool wraps an existing pool. The caller keeps ownership.
func NewQueryExecutorFromPool(pool *pgxpool.Pool, logger *zap.Logger) *QueryExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryExecutor{pool: pool, logger: logger}
}

func (e *QueryExecutor) Dialect() dialect.Dialect { return dialect.Postgres }

// Exec runs one statement. pgx reports CREATE TABLE AS and DML row counts in
// the command tag.
func (e *QueryExecutor) Exec(ctx context.Context, sqlText string, args []any) (int64, error) {
	tag, err := e.pool.Exec(ctx, sqlText, convertArgs(args)...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (e *QueryExecutor) Query(ctx context.Context, sqlText string, args []any) (datasource.RowIterator, error) {
	rows, err := e.pool.Query(ctx, sqlText, convertArgs(args)...)
	if err != nil {
		return nil, classify(err)
	}
	return newRowIterator(rows), nil
}

func (e *QueryExecutor) Begin(ctx context.Context) (datasource.Tx, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &pgTx{tx: tx}, nil
}

func (e *QueryExecutor) Ping(ctx context.Context) error {
	return classify(e.pool.Ping(ctx))
}

// Close releases the executor (but NOT the pool if managed).
func (e *QueryExecutor) Close() error {
	if e.ownedPool && e.pool != nil {
		e.pool.Close()
	}
	return nil
}

// convertArgs maps bind values onto types pgx encodes natively.
func convertArgs(args []any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case civil.Date:
			out[i] = v.In(time.UTC)
		default:
			out[i] = a
		}
	}
	return out
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Exec(ctx context.Context, sqlText string, args []any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sqlText, convertArgs(args)...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return classify(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return classify(err)
	}
	return nil
}

type rowIterator struct {
	rows    pgx.Rows
	columns []string
}

func newRowIterator(rows pgx.Rows) *rowIterator {
	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}
	return &rowIterator{rows: rows, columns: cols}
}

func (it *rowIterator) Columns() []string { return it.columns }
func (it *rowIterator) Next() bool        { return it.rows.Next() }

func (it *rowIterator) Values() ([]any, error) {
	v, err := it.rows.Values()
	if err != nil {
		return nil, classify(err)
	}
	return v, nil
}

func (it *rowIterator) Err() error { return classify(it.rows.Err()) }

func (it *rowIterator) Close() error {
	it.rows.Close()
	return nil
}

// Ensure QueryExecutor implements datasource.QueryExecutor at compile time.
var _ datasource.QueryExecutor = (*QueryExecutor)(nil)
