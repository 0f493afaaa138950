package postgres

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
)

// ListTables returns the base tables of schema. PostgreSQL has no catalogs
// across databases, so catalog is ignored.
func (e *QueryExecutor) ListTables(ctx context.Context, _ string, schema string) ([]datasource.Table, error) {
	const query = `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		  AND table_schema = $1
		ORDER BY table_name
	`

	rows, err := e.pool.Query(ctx, query, schema)
	if err != nil {
		return nil, classify(fmt.Errorf("query tables: %w", err))
	}
	defer rows.Close()

	var tables []datasource.Table
	for rows.Next() {
		var t datasource.Table
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, classify(fmt.Errorf("scan table: %w", err))
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate tables: %w", err))
	}
	return tables, nil
}

// Columns returns the columns of schema.table in ordinal order.
// Uses pg_index for primary key detection, which also finds keys created
// as unique indexes.
func (e *QueryExecutor) Columns(ctx context.Context, _ string, schema, table string) ([]datasource.Column, error) {
	const query = `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES' AS is_nullable,
			COALESCE(pk.is_pk, false) AS is_primary_key,
			c.ordinal_position
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT a.attname AS column_name, true AS is_pk
			FROM pg_index ix
			JOIN pg_class t ON t.oid = ix.indrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
			WHERE ix.indisprimary = true
			  AND n.nspname = $1
			  AND t.relname = $2
		) pk ON c.column_name = pk.column_name
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position
	`

	rows, err := e.pool.Query(ctx, query, schema, table)
	if err != nil {
		return nil, classify(fmt.Errorf("query columns: %w", err))
	}
	defer rows.Close()

	var columns []datasource.Column
	for rows.Next() {
		var c datasource.Column
		var pos int32
		if err := rows.Scan(&c.Name, &c.DataType, &c.IsNullable, &c.IsPrimaryKey, &pos); err != nil {
			return nil, classify(fmt.Errorf("scan column: %w", err))
		}
		c.OrdinalPosition = int(pos)
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate columns: %w", err))
	}
	return columns, nil
}
