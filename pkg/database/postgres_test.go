package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-omop/pkg/config"
)

func TestSettingsFrom(t *testing.T) {
	s := SettingsFrom(config.DatabaseConfig{
		Host: "db", Port: 5433, User: "etl", Database: "omop_results", SSLMode: "disable", MaxConnections: 8,
	})
	assert.Equal(t, int32(8), s.MaxConns)

	pc, err := s.pgxConfig()
	require.NoError(t, err)
	assert.Equal(t, "db", pc.ConnConfig.Host)
	assert.Equal(t, uint16(5433), pc.ConnConfig.Port)
	assert.Equal(t, "omop_results", pc.ConnConfig.Database)
	assert.Equal(t, int32(8), pc.MaxConns)
}

func TestPoolSettings_Defaults(t *testing.T) {
	pc, err := PoolSettings{ConnString: "postgres://etl@localhost:5432/omop_results"}.pgxConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultMaxConns, pc.MaxConns)
	assert.Equal(t, time.Hour, pc.MaxConnLifetime)
	assert.Equal(t, 30*time.Minute, pc.MaxConnIdleTime)

	pc, err = PoolSettings{ConnString: "postgres://localhost/x", IdleTimeout: time.Minute}.pgxConfig()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, pc.MaxConnIdleTime)
}

func TestPoolSettings_BadConnString(t *testing.T) {
	_, err := PoolSettings{ConnString: "postgres://host:notaport/db"}.pgxConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse results database connection string")
}
