package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"postgres", Postgres, false},
		{"PostgreSQL", Postgres, false},
		{"sqlserver", MSSQL, false},
		{"mssql", MSSQL, false},
		{" bigquery ", BigQuery, false},
		{"sqlite3", SQLite, false},
		{"oracle", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQualifiedName(t *testing.T) {
	tests := []struct {
		dialect Dialect
		catalog string
		schema  string
		want    string
	}{
		{Postgres, "cdm", "work", `"work"."person"`},
		{Postgres, "", "", `"person"`},
		{MSSQL, "cdm", "work", "[cdm].[work].[person]"},
		{MSSQL, "", "dbo", "[dbo].[person]"},
		{MSSQL, "cdm", "", "[cdm]..[person]"},
		{BigQuery, "my-project", "work", "`my-project`.`work`.`person`"},
		{SQLite, "ignored", "main", `"main"."person"`},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect)+"/"+tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dialect.Rules().QualifiedName(tt.catalog, tt.schema, "person"))
		})
	}
}

func TestQuoteIdentifierEscapes(t *testing.T) {
	assert.Equal(t, `"a""b"`, Postgres.Rules().QuoteIdentifier(`a"b`))
	assert.Equal(t, "[a]]b]", MSSQL.Rules().QuoteIdentifier("a]b"))
	assert.Equal(t, `"a""b"`, SQLite.Rules().QuoteIdentifier(`a"b`))
	assert.Equal(t, "`a\\`b`", BigQuery.Rules().QuoteIdentifier("a`b"))
}

func TestTopAndLimitAreExclusive(t *testing.T) {
	for _, d := range All {
		r := d.Rules()
		top, limit := r.Top(100), r.Limit(100)
		assert.True(t, (top == "") != (limit == ""), "dialect %s must use exactly one of TOP/LIMIT", d)
	}
	assert.Equal(t, "TOP (100) ", MSSQL.Rules().Top(100))
	assert.Equal(t, "LIMIT 100", Postgres.Rules().Limit(100))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "$2", Postgres.Rules().Placeholder(2))
	assert.Equal(t, "@p2", MSSQL.Rules().Placeholder(2))
	assert.Equal(t, "?", BigQuery.Rules().Placeholder(2))
	assert.Equal(t, "?", SQLite.Rules().Placeholder(2))
}

func TestReplaceTable(t *testing.T) {
	assert.Equal(t, "CREATE OR REPLACE TABLE t AS\n", BigQuery.Rules().BeginReplaceTable("t"))
	assert.Equal(t, "DROP TABLE IF EXISTS t;\nSELECT * INTO t FROM (\n", MSSQL.Rules().BeginReplaceTable("t"))
	assert.Equal(t, "\n) AS src", MSSQL.Rules().EndReplaceTable())
	assert.Empty(t, Postgres.Rules().EndReplaceTable())
}

func TestCreateTableIfNotExists(t *testing.T) {
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS t", Postgres.Rules().CreateTableIfNotExists("t"))
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS `w`.`t`", BigQuery.Rules().CreateTableIfNotExists("`w`.`t`"))
	assert.Equal(t, "IF OBJECT_ID(N'[w].[it''s]', N'U') IS NULL\nCREATE TABLE [w].[it's]",
		MSSQL.Rules().CreateTableIfNotExists("[w].[it's]"))
}

func TestDeleteFrom(t *testing.T) {
	for _, d := range []Dialect{Postgres, BigQuery, SQLite} {
		assert.Equal(t, "DELETE FROM t AS m", d.Rules().DeleteFrom("t", "m"), d)
	}
	assert.Equal(t, "DELETE m FROM [cdm].[t] AS m", MSSQL.Rules().DeleteFrom("[cdm].[t]", "m"))
}

func TestStringLiteral(t *testing.T) {
	assert.Equal(t, "'it''s'", Postgres.Rules().StringLiteral("it's"))
	assert.Equal(t, "N'it''s'", MSSQL.Rules().StringLiteral("it's"))
	assert.Equal(t, `'it\'s'`, BigQuery.Rules().StringLiteral("it's"))
}

func TestUnknownDialectRulesPanics(t *testing.T) {
	assert.Panics(t, func() { Dialect("oracle").Rules() })
}
