package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// QueryExecutor runs statements against SQL Server through database/sql.
// Positional arguments bind to the @p1..@pN placeholders the templates render.
type QueryExecutor struct {
	db      *sql.DB
	ownedDB bool // true if we created the DB (for tests or direct instantiation)
	logger  *zap.Logger
}

// NewQueryExecutor creates a SQL Server query executor using the connection manager.
// If connMgr is nil, creates an unmanaged pool (for tests or direct instantiation).
func NewQueryExecutor(ctx context.Context, cfg config.MSSQLConfig, connMgr *datasource.ConnectionManager, logger *zap.Logger) (*QueryExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if connMgr == nil {
		db, err := openDB(cfg)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, classify(fmt.Errorf("connection test failed: %w", err))
		}
		return &QueryExecutor{db: db, ownedDB: true, logger: logger}, nil
	}

	key := datasource.ConnectionKey(string(dialect.MSSQL), poolTarget(cfg))
	connector, err := connMgr.GetOrCreateConnection(ctx, key, func(ctx context.Context, mc datasource.ConnectionManagerConfig) (datasource.PoolConnector, error) {
		db, err := openDB(cfg)
		if err != nil {
			return nil, err
		}
		datasource.ConfigureSQLDB(db, mc)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, classify(err)
		}
		return datasource.NewSQLDBWrapper(db, string(dialect.MSSQL)), nil
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get pooled connection: %w", err))
	}
	db, err := datasource.GetSQLDB(connector)
	if err != nil {
		return nil, err
	}
	return &QueryExecutor{db: db, logger: logger}, nil
}

func (e *QueryExecutor) Dialect() dialect.Dialect { return dialect.MSSQL }

func (e *QueryExecutor) Exec(ctx context.Context, sqlText string, args []any) (int64, error) {
	res, err := e.db.ExecContext(ctx, sqlText, convertArgs(args)...)
	if err != nil {
		return 0, classify(err)
	}
	return datasource.RowsAffected(res), nil
}

func (e *QueryExecutor) Query(ctx context.Context, sqlText string, args []any) (datasource.RowIterator, error) {
	rows, err := e.db.QueryContext(ctx, sqlText, convertArgs(args)...)
	if err != nil {
		return nil, classify(err)
	}
	return datasource.NewSQLRowIterator(rows, classify)
}

func (e *QueryExecutor) Begin(ctx context.Context) (datasource.Tx, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return datasource.NewSQLTx(tx, classify, convertArgs), nil
}

func (e *QueryExecutor) Ping(ctx context.Context) error {
	return classify(e.db.PingContext(ctx))
}

// Close releases the executor (but NOT the DB if managed).
func (e *QueryExecutor) Close() error {
	if e.ownedDB && e.db != nil {
		return e.db.Close()
	}
	return nil
}

// convertArgs maps bind values onto types go-mssqldb encodes natively.
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

// Ensure QueryExecutor implements datasource.QueryExecutor at compile time.
var _ datasource.QueryExecutor = (*QueryExecutor)(nil)
