package mssql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
)

// ListTables returns the user tables of catalog.schema. An empty catalog
// means the connection's database.
func (e *QueryExecutor) ListTables(ctx context.Context, catalog, schema string) ([]datasource.Table, error) {
	prefix := catalogPrefix(catalog)
	query := fmt.Sprintf(`
	SET NOCOUNT ON;
	SELECT s.name AS table_schema, t.name AS table_name
	FROM %[1]ssys.tables t
	INNER JOIN %[1]ssys.schemas s ON t.schema_id = s.schema_id
	WHERE t.is_ms_shipped = 0
	  AND s.name = @schema
	ORDER BY t.name
	`, prefix)

	rows, err := e.db.QueryContext(ctx, query, sql.Named("schema", schema))
	if err != nil {
		return nil, classify(fmt.Errorf("query tables: %w", err))
	}
	defer rows.Close()

	var tables []datasource.Table
	for rows.Next() {
		t := datasource.Table{Catalog: catalog}
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, classify(fmt.Errorf("scan table row: %w", err))
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate table rows: %w", err))
	}
	return tables, nil
}

// Columns returns the columns of catalog.schema.table in column_id order.
func (e *QueryExecutor) Columns(ctx context.Context, catalog, schema, table string) ([]datasource.Column, error) {
	prefix := catalogPrefix(catalog)
	query := fmt.Sprintf(`
	SET NOCOUNT ON;
	SELECT
	    c.name AS column_name,
	    tp.name AS data_type,
	    CASE WHEN c.is_nullable = 1 THEN 1 ELSE 0 END AS is_nullable,
	    c.column_id AS ordinal_position,
	    CASE WHEN pk.column_id IS NOT NULL THEN 1 ELSE 0 END AS is_primary_key
	FROM %[1]ssys.columns c
	INNER JOIN %[1]ssys.types tp ON c.user_type_id = tp.user_type_id
	LEFT JOIN (
	    SELECT ic.object_id, ic.column_id
	    FROM %[1]ssys.index_columns ic
	    INNER JOIN %[1]ssys.indexes i ON ic.object_id = i.object_id AND ic.index_id = i.index_id
	    WHERE i.is_primary_key = 1
	) pk ON c.object_id = pk.object_id AND c.column_id = pk.column_id
	WHERE c.object_id = OBJECT_ID(@qualified)
	ORDER BY c.column_id
	`, prefix)

	qualified := rules.QualifiedName(catalog, schema, table)
	rows, err := e.db.QueryContext(ctx, query, sql.Named("qualified", qualified))
	if err != nil {
		return nil, classify(fmt.Errorf("query columns: %w", err))
	}
	defer rows.Close()

	var columns []datasource.Column
	for rows.Next() {
		var col datasource.Column
		var isNullable, isPrimary int

		if err := rows.Scan(&col.Name, &col.DataType, &isNullable, &col.OrdinalPosition, &isPrimary); err != nil {
			return nil, classify(fmt.Errorf("scan column row: %w", err))
		}
		col.IsNullable = isNullable == 1
		col.IsPrimaryKey = isPrimary == 1
		col.DataType = mapSQLServerType(col.DataType)
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate column rows: %w", err))
	}
	return columns, nil
}
