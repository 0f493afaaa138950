package dialect

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

type postgresRules struct{}

func (postgresRules) Dialect() Dialect { return Postgres }

func (postgresRules) QuoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// QualifiedName drops the catalog: a PostgreSQL connection is bound to one database.
func (postgresRules) QualifiedName(_, schema, table string) string {
	parts := pgx.Identifier{}
	if schema != "" {
		parts = append(parts, schema)
	}
	return append(parts, table).Sanitize()
}

func (postgresRules) Placeholder(position int) string { return fmt.Sprintf("$%d", position) }

func (postgresRules) BeginReplaceTable(table string) string {
	return "DROP TABLE IF EXISTS " + table + ";\nCREATE TABLE " + table + " AS\n"
}

func (postgresRules) EndReplaceTable() string { return "" }

func (postgresRules) ReplaceTableDDL(table string) string {
	return "DROP TABLE IF EXISTS " + table + ";\nCREATE TABLE " + table
}

func (postgresRules) CreateTableIfNotExists(table string) string {
	return "CREATE TABLE IF NOT EXISTS " + table
}

func (postgresRules) DeleteFrom(table, alias string) string { return "DELETE FROM " + table + " AS " + alias }

func (postgresRules) DropTableIfExists(table string) string { return "DROP TABLE IF EXISTS " + table }
func (postgresRules) Truncate(table string) string          { return "TRUNCATE TABLE " + table }
func (postgresRules) Top(int) string                        { return "" }
func (postgresRules) Limit(n int) string                    { return fmt.Sprintf("LIMIT %d", n) }
func (postgresRules) CastText(expr string) string           { return "CAST(" + expr + " AS TEXT)" }
func (postgresRules) CastDate(expr string) string           { return "CAST(" + expr + " AS DATE)" }
func (postgresRules) StringLiteral(s string) string         { return ansiStringLiteral(s) }
func (postgresRules) SupportsTransactions() bool            { return true }

func (postgresRules) ColumnType(t ColumnType) string {
	switch t {
	case TypeBigInt:
		return "BIGINT"
	case TypeDate:
		return "DATE"
	case TypeCode:
		return "VARCHAR(255)"
	}
	return "TEXT"
}

type mssqlRules struct{}

func (mssqlRules) Dialect() Dialect { return MSSQL }

// QuoteIdentifier follows QUOTENAME: brackets with ] doubled.
func (mssqlRules) QuoteIdentifier(name string) string { return quoteWith("[", "]", "]]", name) }

func (r mssqlRules) QualifiedName(catalog, schema, table string) string {
	if catalog != "" && schema == "" {
		return joinNonEmpty(r.QuoteIdentifier, catalog) + ".." + r.QuoteIdentifier(table)
	}
	return joinNonEmpty(r.QuoteIdentifier, catalog, schema, table)
}

func (mssqlRules) Placeholder(position int) string { return fmt.Sprintf("@p%d", position) }

func (mssqlRules) BeginReplaceTable(table string) string {
	return "DROP TABLE IF EXISTS " + table + ";\nSELECT * INTO " + table + " FROM (\n"
}

func (mssqlRules) EndReplaceTable() string { return "\n) AS src" }

func (mssqlRules) ReplaceTableDDL(table string) string {
	return "DROP TABLE IF EXISTS " + table + ";\nCREATE TABLE " + table
}

func (r mssqlRules) CreateTableIfNotExists(table string) string {
	return "IF OBJECT_ID(" + r.StringLiteral(table) + ", N'U') IS NULL\nCREATE TABLE " + table
}

func (mssqlRules) DeleteFrom(table, alias string) string {
	return "DELETE " + alias + " FROM " + table + " AS " + alias
}

func (mssqlRules) DropTableIfExists(table string) string { return "DROP TABLE IF EXISTS " + table }
func (mssqlRules) Truncate(table string) string          { return "TRUNCATE TABLE " + table }
func (mssqlRules) Top(n int) string                      { return fmt.Sprintf("TOP (%d) ", n) }
func (mssqlRules) Limit(int) string                      { return "" }
func (mssqlRules) CastText(expr string) string           { return "CAST(" + expr + " AS NVARCHAR(255))" }
func (mssqlRules) CastDate(expr string) string           { return "CAST(" + expr + " AS DATE)" }
func (mssqlRules) StringLiteral(s string) string         { return "N" + ansiStringLiteral(s) }
func (mssqlRules) SupportsTransactions() bool            { return true }

func (mssqlRules) ColumnType(t ColumnType) string {
	switch t {
	case TypeBigInt:
		return "BIGINT"
	case TypeDate:
		return "DATE"
	case TypeCode:
		return "NVARCHAR(255)"
	}
	return "NVARCHAR(MAX)"
}

type bigqueryRules struct{}

func (bigqueryRules) Dialect() Dialect { return BigQuery }

func (bigqueryRules) QuoteIdentifier(name string) string { return quoteWith("`", "`", "\\`", name) }

// QualifiedName maps catalog to project and schema to dataset.
func (r bigqueryRules) QualifiedName(catalog, schema, table string) string {
	return joinNonEmpty(r.QuoteIdentifier, catalog, schema, table)
}

func (bigqueryRules) Placeholder(int) string { return "?" }

func (bigqueryRules) BeginReplaceTable(table string) string {
	return "CREATE OR REPLACE TABLE " + table + " AS\n"
}

func (bigqueryRules) EndReplaceTable() string { return "" }

func (bigqueryRules) ReplaceTableDDL(table string) string { return "CREATE OR REPLACE TABLE " + table }

func (bigqueryRules) CreateTableIfNotExists(table string) string {
	return "CREATE TABLE IF NOT EXISTS " + table
}

func (bigqueryRules) DeleteFrom(table, alias string) string { return "DELETE FROM " + table + " AS " + alias }

func (bigqueryRules) DropTableIfExists(table string) string { return "DROP TABLE IF EXISTS " + table }
func (bigqueryRules) Truncate(table string) string          { return "TRUNCATE TABLE " + table }
func (bigqueryRules) Top(int) string                        { return "" }
func (bigqueryRules) Limit(n int) string                    { return fmt.Sprintf("LIMIT %d", n) }
func (bigqueryRules) CastText(expr string) string           { return "CAST(" + expr + " AS STRING)" }
func (bigqueryRules) CastDate(expr string) string           { return "CAST(" + expr + " AS DATE)" }
func (bigqueryRules) SupportsTransactions() bool            { return false }

// StringLiteral uses backslash escapes; BigQuery does not accept doubled quotes.
func (bigqueryRules) StringLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

func (bigqueryRules) ColumnType(t ColumnType) string {
	switch t {
	case TypeBigInt:
		return "INT64"
	case TypeDate:
		return "DATE"
	}
	return "STRING"
}

type sqliteRules struct{}

func (sqliteRules) Dialect() Dialect { return SQLite }

func (sqliteRules) QuoteIdentifier(name string) string { return quoteWith(`"`, `"`, `""`, name) }

// QualifiedName treats schema as an attached database name and drops the catalog.
func (r sqliteRules) QualifiedName(_, schema, table string) string {
	return joinNonEmpty(r.QuoteIdentifier, schema, table)
}

func (sqliteRules) Placeholder(int) string { return "?" }

func (sqliteRules) BeginReplaceTable(table string) string {
	return "DROP TABLE IF EXISTS " + table + ";\nCREATE TABLE " + table + " AS\n"
}

func (sqliteRules) EndReplaceTable() string { return "" }

func (sqliteRules) ReplaceTableDDL(table string) string {
	return "DROP TABLE IF EXISTS " + table + ";\nCREATE TABLE " + table
}

func (sqliteRules) CreateTableIfNotExists(table string) string {
	return "CREATE TABLE IF NOT EXISTS " + table
}

func (sqliteRules) DeleteFrom(table, alias string) string { return "DELETE FROM " + table + " AS " + alias }

func (sqliteRules) DropTableIfExists(table string) string { return "DROP TABLE IF EXISTS " + table }
func (sqliteRules) Truncate(table string) string          { return "DELETE FROM " + table }
func (sqliteRules) Top(int) string                        { return "" }
func (sqliteRules) Limit(n int) string                    { return fmt.Sprintf("LIMIT %d", n) }
func (sqliteRules) CastText(expr string) string           { return "CAST(" + expr + " AS TEXT)" }
func (sqliteRules) CastDate(expr string) string           { return "date(" + expr + ")" }
func (sqliteRules) StringLiteral(s string) string         { return ansiStringLiteral(s) }
func (sqliteRules) SupportsTransactions() bool            { return true }

func (sqliteRules) ColumnType(t ColumnType) string {
	switch t {
	case TypeBigInt:
		return "INTEGER"
	case TypeDate:
		return "DATE"
	}
	return "TEXT"
}
