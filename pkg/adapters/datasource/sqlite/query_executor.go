package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// QueryExecutor runs statements against a SQLite file with the work, OMOP
// and raw schemas attached as separate databases.
//
// ATTACH is per connection, so the pool holds exactly one connection that is
// never recycled. SQLite serializes writers anyway.
type QueryExecutor struct {
	db      *sql.DB
	ownedDB bool
	logger  *zap.Logger
}

// NewQueryExecutor opens the SQLite target. If connMgr is nil the handle is
// owned by the executor and closed with it.
func NewQueryExecutor(ctx context.Context, cfg config.SQLiteConfig, schemas config.SchemasConfig, connMgr *datasource.ConnectionManager, logger *zap.Logger) (*QueryExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sqlite")

	if connMgr == nil {
		db, err := open(ctx, cfg, schemas, logger)
		if err != nil {
			return nil, err
		}
		return &QueryExecutor{db: db, ownedDB: true, logger: logger}, nil
	}

	key := datasource.ConnectionKey(string(dialect.SQLite), cfg.Path)
	connector, err := connMgr.GetOrCreateConnection(ctx, key, func(ctx context.Context, _ datasource.ConnectionManagerConfig) (datasource.PoolConnector, error) {
		db, err := open(ctx, cfg, schemas, logger)
		if err != nil {
			return nil, err
		}
		return datasource.NewSQLDBWrapper(db, string(dialect.SQLite)), nil
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

func open(ctx context.Context, cfg config.SQLiteConfig, schemas config.SchemasConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", buildDSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	rules := dialect.SQLite.Rules()
	for _, a := range attachments(cfg, schemas) {
		stmt := fmt.Sprintf("ATTACH DATABASE %s AS %s", rules.StringLiteral(a.File), rules.QuoteIdentifier(a.Schema))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, classify(fmt.Errorf("attach schema %s: %w", a.Schema, err))
		}
		logger.Debug("Attached schema", zap.String("schema", a.Schema), zap.String("file", a.File))
	}
	return db, nil
}

func (e *QueryExecutor) Dialect() dialect.Dialect { return dialect.SQLite }

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

func (e *QueryExecutor) Close() error {
	if e.ownedDB && e.db != nil {
		return e.db.Close()
	}
	return nil
}

// convertArgs renders dates as ISO text, which date() and comparisons expect.
func convertArgs(args []any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case civil.Date:
			out[i] = v.String()
		default:
			out[i] = a
		}
	}
	return out
}

// Ensure QueryExecutor implements datasource.QueryExecutor at compile time.
var _ datasource.QueryExecutor = (*QueryExecutor)(nil)
