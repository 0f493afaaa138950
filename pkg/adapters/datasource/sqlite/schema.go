package sqlite

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// ListTables returns the tables of an attached schema. SQLite has no
// catalogs, so catalog is ignored.
func (e *QueryExecutor) ListTables(ctx context.Context, _ string, schema string) ([]datasource.Table, error) {
	query := fmt.Sprintf(`
		SELECT name FROM %s.sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%%'
		ORDER BY name`, dialect.SQLite.Rules().QuoteIdentifier(schema))

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(fmt.Errorf("query tables: %w", err))
	}
	defer rows.Close()

	var tables []datasource.Table
	for rows.Next() {
		t := datasource.Table{Schema: schema}
		if err := rows.Scan(&t.Name); err != nil {
			return nil, classify(fmt.Errorf("scan table: %w", err))
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate tables: %w", err))
	}
	return tables, nil
}

// Columns reads pragma_table_info. Every column of a composite key is
// marked, so datasource.PrimaryKey reports no single key for it.
func (e *QueryExecutor) Columns(ctx context.Context, _ string, schema, table string) ([]datasource.Column, error) {
	const query = `SELECT cid, name, type, "notnull", pk FROM pragma_table_info(?, ?) ORDER BY cid`

	rows, err := e.db.QueryContext(ctx, query, table, schema)
	if err != nil {
		return nil, classify(fmt.Errorf("query columns: %w", err))
	}
	defer rows.Close()

	var columns []datasource.Column
	for rows.Next() {
		var (
			c       datasource.Column
			cid     int
			notNull int
			pk      int
		)
		if err := rows.Scan(&cid, &c.Name, &c.DataType, &notNull, &pk); err != nil {
			return nil, classify(fmt.Errorf("scan column: %w", err))
		}
		c.OrdinalPosition = cid + 1
		c.IsNullable = notNull == 0 && pk == 0
		c.IsPrimaryKey = pk > 0
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate columns: %w", err))
	}
	return columns, nil
}
