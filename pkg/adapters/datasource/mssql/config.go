package mssql

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/microsoft/go-mssqldb"         // SQL Server driver
	_ "github.com/microsoft/go-mssqldb/azuread" // Azure AD support

	"github.com/ekaya-inc/ekaya-omop/pkg/config"
)

// Authentication methods.
const (
	AuthSQL              = "sql"
	AuthServicePrincipal = "service_principal"
)

// DefaultPort is the default SQL Server port.
const DefaultPort = 1433

// validate checks the connection settings required by the auth method.
func validate(cfg config.MSSQLConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("host is required")
	}
	if cfg.Database == "" {
		return fmt.Errorf("database is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}

	switch cfg.AuthMethod {
	case AuthSQL, "":
		if cfg.User == "" {
			return fmt.Errorf("user is required for SQL authentication")
		}
	case AuthServicePrincipal:
		if cfg.TenantID == "" {
			return fmt.Errorf("tenant_id is required for service principal")
		}
		if cfg.ClientID == "" {
			return fmt.Errorf("client_id is required for service principal")
		}
		if cfg.ClientSecret == "" {
			return fmt.Errorf("client_secret is required for service principal")
		}
	default:
		return fmt.Errorf("invalid auth method: %s (must be sql or service_principal)", cfg.AuthMethod)
	}
	return nil
}

func port(cfg config.MSSQLConfig) int {
	if cfg.Port == 0 {
		return DefaultPort
	}
	return cfg.Port
}

func baseQuery(cfg config.MSSQLConfig) url.Values {
	query := url.Values{}
	query.Add("database", cfg.Database)
	if cfg.Encrypt {
		query.Add("encrypt", "true")
	} else {
		query.Add("encrypt", "false")
	}
	if cfg.TrustServerCertificate {
		query.Add("TrustServerCertificate", "true")
	}
	if cfg.ConnectionTimeout > 0 {
		query.Add("connection timeout", fmt.Sprintf("%d", cfg.ConnectionTimeout))
	}
	return query
}

// buildConnectionString returns the driver name and DSN for cfg.
func buildConnectionString(cfg config.MSSQLConfig) (driver, dsn string) {
	host := config.ResolveHostForDocker(cfg.Host)

	if cfg.AuthMethod == AuthServicePrincipal {
		query := baseQuery(cfg)
		query.Add("fedauth", "ActiveDirectoryServicePrincipal")
		query.Add("user id", cfg.ClientID+"@"+cfg.TenantID)
		query.Add("password", cfg.ClientSecret)
		return "azuresql", fmt.Sprintf("sqlserver://%s:%d?%s", host, port(cfg), query.Encode())
	}

	return "sqlserver", fmt.Sprintf("sqlserver://%s:%s@%s:%d?%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		host,
		port(cfg),
		baseQuery(cfg).Encode(),
	)
}

// openDB opens a database/sql handle for cfg without connecting.
func openDB(cfg config.MSSQLConfig) (*sql.DB, error) {
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid mssql config: %w", err)
	}
	driver, dsn := buildConnectionString(cfg)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", driver, err)
	}
	return db, nil
}

// poolTarget identifies the pool without credentials.
func poolTarget(cfg config.MSSQLConfig) string {
	principal := cfg.User
	if cfg.AuthMethod == AuthServicePrincipal {
		principal = cfg.ClientID
	}
	return fmt.Sprintf("%s@%s:%d/%s", principal, cfg.Host, port(cfg), cfg.Database)
}
