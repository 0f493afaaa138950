package datasource

import (
	"context"

	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// QueryExecutor is the backend specific surface each dialect package
// implements. Errors returned by Exec, Query and Begin are already classified
// as *apperrors.BackendError.
//
// Each implementation owns its pool handle and must be closed when done.
type QueryExecutor interface {
	Dialect() dialect.Dialect

	// Exec runs exactly one statement and returns the rows affected, or -1
	// when the backend does not report it.
	Exec(ctx context.Context, sqlText string, args []any) (int64, error)

	// Query runs one statement and returns a lazy iterator. The caller must
	// close it; the connection is held until then.
	Query(ctx context.Context, sqlText string, args []any) (RowIterator, error)

	// Begin opens a transactional unit of work on one connection.
	Begin(ctx context.Context) (Tx, error)

	// ListTables returns the base tables of catalog.schema.
	ListTables(ctx context.Context, catalog, schema string) ([]Table, error)

	// Columns returns the columns of a table in ordinal order.
	Columns(ctx context.Context, catalog, schema, table string) ([]Column, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Tx is a unit of work bound to one connection.
type Tx interface {
	Exec(ctx context.Context, sqlText string, args []any) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// RowIterator streams query results without buffering them.
type RowIterator interface {
	Columns() []string
	Next() bool
	// Values returns the current row. The slice is only valid until the next call to Next.
	Values() ([]any, error)
	Err() error
	Close() error
}

// Table identifies a base table.
type Table struct {
	Catalog string `json:"catalog,omitempty"`
	Schema  string `json:"schema"`
	Name    string `json:"name"`
}

// Column describes one table column.
type Column struct {
	Name            string `json:"name"`
	DataType        string `json:"data_type"`
	IsNullable      bool   `json:"is_nullable"`
	IsPrimaryKey    bool   `json:"is_primary_key"`
	OrdinalPosition int    `json:"ordinal_position"`
}

// ColumnNames returns the names of cols in order.
func ColumnNames(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// PrimaryKey returns the single primary key column, or "" when the table has
// none or a composite key.
func PrimaryKey(cols []Column) string {
	pk := ""
	for _, c := range cols {
		if !c.IsPrimaryKey {
			continue
		}
		if pk != "" {
			return ""
		}
		pk = c.Name
	}
	return pk
}
