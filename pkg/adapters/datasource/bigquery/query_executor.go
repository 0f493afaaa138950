package bigquery

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// QueryExecutor runs statements as BigQuery query jobs. Positional
// parameters bind to the ? placeholders the templates render.
type QueryExecutor struct {
	client      *bigquery.Client
	project     string
	ownedClient bool
	logger      *zap.Logger
}

// NewQueryExecutor creates a BigQuery executor using the connection manager.
// If connMgr is nil the client is owned by the executor and closed with it.
func NewQueryExecutor(ctx context.Context, cfg config.BigQueryConfig, connMgr *datasource.ConnectionManager, logger *zap.Logger) (*QueryExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if connMgr == nil {
		client, err := NewClient(ctx, cfg)
		if err != nil {
			return nil, classify(err)
		}
		return &QueryExecutor{client: client, project: cfg.ProjectID, ownedClient: true, logger: logger}, nil
	}

	key := datasource.ConnectionKey(string(dialect.BigQuery), cfg.ProjectID+"/"+cfg.Location)
	connector, err := connMgr.GetOrCreateConnection(ctx, key, func(ctx context.Context, _ datasource.ConnectionManagerConfig) (datasource.PoolConnector, error) {
		client, err := NewClient(ctx, cfg)
		if err != nil {
			return nil, classify(err)
		}
		return &ClientWrapper{client: client}, nil
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get bigquery client: %w", err))
	}
	wrapper, ok := connector.(*ClientWrapper)
	if !ok {
		return nil, fmt.Errorf("connector is not a bigquery client wrapper")
	}
	return &QueryExecutor{client: wrapper.Client(), project: cfg.ProjectID, logger: logger}, nil
}

// NewQueryExecutorFromClient wraps an existing client. The caller keeps ownership.
func NewQueryExecutorFromClient(client *bigquery.Client, logger *zap.Logger) *QueryExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryExecutor{client: client, project: client.Project(), logger: logger}
}

func (e *QueryExecutor) Dialect() dialect.Dialect { return dialect.BigQuery }

func (e *QueryExecutor) newQuery(sqlText string, args []any) *bigquery.Query {
	q := e.client.Query(sqlText)
	q.Parameters = parameters(args)
	return q
}

// Exec runs sqlText as a job and waits for it. DML statements report the
// affected row count; DDL reports -1.
func (e *QueryExecutor) Exec(ctx context.Context, sqlText string, args []any) (int64, error) {
	job, err := e.newQuery(sqlText, args).Run(ctx)
	if err != nil {
		return 0, classify(err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, classify(err)
	}
	if err := status.Err(); err != nil {
		return 0, classify(err)
	}

	if status.Statistics != nil {
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok && isDML(qs.StatementType) {
			return qs.NumDMLAffectedRows, nil
		}
	}
	return -1, nil
}

func isDML(statementType string) bool {
	switch statementType {
	case "INSERT", "UPDATE", "DELETE", "MERGE":
		return true
	}
	return false
}

func (e *QueryExecutor) Query(ctx context.Context, sqlText string, args []any) (datasource.RowIterator, error) {
	it, err := e.newQuery(sqlText, args).Read(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return newRowIterator(it), nil
}

// Begin always fails: statements run as independent jobs.
func (e *QueryExecutor) Begin(context.Context) (datasource.Tx, error) {
	return nil, apperrors.ErrTransactionsUnsupported
}

func (e *QueryExecutor) Ping(ctx context.Context) error {
	return (&ClientWrapper{client: e.client}).Ping(ctx)
}

func (e *QueryExecutor) Close() error {
	if e.ownedClient && e.client != nil {
		return e.client.Close()
	}
	return nil
}

// parameters binds positional values. BigQuery cannot infer the type of a
// nil parameter, so callers never pass one.
func parameters(args []any) []bigquery.QueryParameter {
	if len(args) == 0 {
		return nil
	}
	params := make([]bigquery.QueryParameter, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case int:
			params[i] = bigquery.QueryParameter{Value: int64(v)}
		default:
			params[i] = bigquery.QueryParameter{Value: a}
		}
	}
	return params
}

// rowIterator adapts the pull-based bigquery iterator. The schema is known
// only after the first page is fetched, so Columns is valid after Next.
type rowIterator struct {
	it      *bigquery.RowIterator
	current []bigquery.Value
	values  []any
	err     error
}

func newRowIterator(it *bigquery.RowIterator) *rowIterator {
	return &rowIterator{it: it}
}

func (r *rowIterator) Columns() []string {
	cols := make([]string, len(r.it.Schema))
	for i, f := range r.it.Schema {
		cols[i] = f.Name
	}
	return cols
}

func (r *rowIterator) Next() bool {
	if r.err != nil {
		return false
	}
	r.current = r.current[:0]
	err := r.it.Next(&r.current)
	if errors.Is(err, iterator.Done) {
		return false
	}
	if err != nil {
		r.err = classify(err)
		return false
	}
	return true
}

func (r *rowIterator) Values() ([]any, error) {
	if cap(r.values) < len(r.current) {
		r.values = make([]any, len(r.current))
	}
	r.values = r.values[:len(r.current)]
	for i, v := range r.current {
		r.values[i] = v
	}
	return r.values, nil
}

func (r *rowIterator) Err() error { return r.err }

func (r *rowIterator) Close() error { return nil }

// Ensure QueryExecutor implements datasource.QueryExecutor at compile time.
var _ datasource.QueryExecutor = (*QueryExecutor)(nil)
