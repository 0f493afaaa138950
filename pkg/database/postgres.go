package database

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/config"
)

const (
	defaultMaxConns     int32 = 5
	defaultConnLifetime       = time.Hour
	defaultIdleTimeout        = 30 * time.Minute
)

// ResultsPool is the connection pool of the results database. Run summaries
// and their steps are written through it.
type ResultsPool struct {
	*pgxpool.Pool
}

// PoolSettings size the results pool. Zero values take the package defaults.
type PoolSettings struct {
	ConnString   string
	MaxConns     int32
	ConnLifetime time.Duration
	IdleTimeout  time.Duration
}

// SettingsFrom derives pool settings from the database section of the config.
func SettingsFrom(cfg config.DatabaseConfig) PoolSettings {
	return PoolSettings{ConnString: cfg.ConnectionString(), MaxConns: cfg.MaxConnections}
}

func (s PoolSettings) pgxConfig() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(s.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse results database connection string: %w", err)
	}
	pc.MaxConns = cmp.Or(s.MaxConns, defaultMaxConns)
	pc.MaxConnLifetime = cmp.Or(s.ConnLifetime, defaultConnLifetime)
	pc.MaxConnIdleTime = cmp.Or(s.IdleTimeout, defaultIdleTimeout)
	return pc, nil
}

// OpenResults connects to the results database and checks it answers.
func OpenResults(ctx context.Context, s PoolSettings, logger *zap.Logger) (*ResultsPool, error) {
	pc, err := s.pgxConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create results pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("results database %s unreachable: %w", pc.ConnConfig.Database, err)
	}

	logger.Debug("Connected to results database",
		zap.String("host", pc.ConnConfig.Host),
		zap.String("database", pc.ConnConfig.Database),
		zap.Int32("max_conns", pc.MaxConns))
	return &ResultsPool{Pool: pool}, nil
}
