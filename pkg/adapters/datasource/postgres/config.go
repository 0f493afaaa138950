package postgres

import (
	"fmt"
	"net/url"

	"github.com/ekaya-inc/ekaya-omop/pkg/config"
)

// DefaultPort is the default PostgreSQL port.
const DefaultPort = 5432

// buildConnectionString builds a PostgreSQL URL with proper escaping.
// All user-provided fields are URL-escaped so that passwords containing
// @, /, # or ? survive URL parsing. When running in Docker, loopback hosts
// resolve to the Docker host alias.
func buildConnectionString(cfg config.PostgresConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}

	host := config.ResolveHostForDocker(cfg.Host)

	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		host,
		port,
		url.QueryEscape(cfg.Database),
		sslMode,
	)
}

// poolTarget identifies the pool without credentials.
func poolTarget(cfg config.PostgresConfig) string {
	return fmt.Sprintf("%s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)
}
