// Package dialect holds the per-backend SQL rendering rules. Every quoting and
// syntax difference between backends is expressed here so it can be audited in
// one place.
package dialect

import (
	"fmt"
	"strings"
)

// Dialect identifies a SQL backend.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MSSQL    Dialect = "mssql"
	BigQuery Dialect = "bigquery"
	SQLite   Dialect = "sqlite"
)

// All lists the supported dialects.
var All = []Dialect{Postgres, MSSQL, BigQuery, SQLite}

// Parse resolves a configured dialect name. "sqlserver" and "postgresql" are
// accepted as aliases.
func Parse(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "mssql", "sqlserver":
		return MSSQL, nil
	case "bigquery":
		return BigQuery, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported dialect %q", name)
}

func (d Dialect) String() string { return string(d) }

// Rules returns the rendering rules for d. It panics on an unknown dialect,
// which Parse prevents.
func (d Dialect) Rules() Rules {
	switch d {
	case Postgres:
		return postgresRules{}
	case MSSQL:
		return mssqlRules{}
	case BigQuery:
		return bigqueryRules{}
	case SQLite:
		return sqliteRules{}
	}
	panic(fmt.Sprintf("dialect: no rules for %q", string(d)))
}

// ColumnType is a dialect-neutral column type used by DDL templates.
type ColumnType string

const (
	TypeCode   ColumnType = "code"
	TypeText   ColumnType = "text"
	TypeBigInt ColumnType = "bigint"
	TypeDate   ColumnType = "date"
)

// Rules renders dialect specific SQL fragments. Identifiers passed in must
// already be validated.
type Rules interface {
	Dialect() Dialect
	QuoteIdentifier(name string) string
	// QualifiedName composes catalog, schema and table. Empty parts are skipped
	// and parts the backend cannot address are dropped.
	QualifiedName(catalog, schema, table string) string
	// Placeholder returns the bind marker for the 1-based position.
	Placeholder(position int) string
	// BeginReplaceTable and EndReplaceTable wrap a SELECT so that it replaces
	// the target table.
	BeginReplaceTable(table string) string
	EndReplaceTable() string
	// ReplaceTableDDL starts a CREATE statement that replaces table; the column
	// list follows.
	ReplaceTableDDL(table string) string
	// CreateTableIfNotExists starts a CREATE statement that leaves an
	// existing table alone; the column list follows.
	CreateTableIfNotExists(table string) string
	// DeleteFrom starts a DELETE whose WHERE clause may reference the target
	// through alias.
	DeleteFrom(table, alias string) string
	DropTableIfExists(table string) string
	Truncate(table string) string
	// Top is emitted after SELECT, Limit after ORDER BY; one of them is empty.
	Top(n int) string
	Limit(n int) string
	CastText(expr string) string
	CastDate(expr string) string
	ColumnType(t ColumnType) string
	StringLiteral(s string) string
	// SupportsTransactions reports whether statements can share a unit of work.
	SupportsTransactions() bool
}

func quoteWith(open, close, escaped, name string) string {
	return open + strings.ReplaceAll(name, close, escaped) + close
}

func joinNonEmpty(quote func(string) string, parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, quote(p))
		}
	}
	return strings.Join(out, ".")
}

func ansiStringLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
