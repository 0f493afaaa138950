package mssql

import (
	"strings"

	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

var rules = dialect.MSSQL.Rules()

// catalogPrefix returns "[catalog]." for cross-database catalog views, or ""
// for the connection's database.
func catalogPrefix(catalog string) string {
	if catalog == "" {
		return ""
	}
	return rules.QuoteIdentifier(catalog) + "."
}

// mapSQLServerType maps SQL Server type names to standard type names.
// This provides a consistent interface across different database adapters.
func mapSQLServerType(sqlServerType string) string {
	switch t := strings.ToUpper(sqlServerType); t {
	case "INT":
		return "INTEGER"
	case "DECIMAL", "NUMERIC":
		return "NUMERIC"
	case "FLOAT":
		return "DOUBLE PRECISION"
	case "CHAR", "NCHAR":
		return "CHAR"
	case "VARCHAR", "NVARCHAR":
		return "VARCHAR"
	case "TEXT", "NTEXT":
		return "TEXT"
	case "DATETIME", "DATETIME2", "SMALLDATETIME":
		return "TIMESTAMP"
	case "DATETIMEOFFSET":
		return "TIMESTAMP WITH TIME ZONE"
	case "BIT":
		return "BOOLEAN"
	case "UNIQUEIDENTIFIER":
		return "UUID"
	default:
		return t
	}
}
