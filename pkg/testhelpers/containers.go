package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/database"
)

// PostgresTestImage is the image used for integration tests.
const PostgresTestImage = "postgres:16-alpine"

const (
	testUser     = "omop"
	testPassword = "test_password"
	testDatabase = "omop_test"
)

// TestDB holds a shared test database container and connection pool.
type TestDB struct {
	Container testcontainers.Container
	Pool      *pgxpool.Pool
	ConnStr   string
	// Config points the postgres dialect adapter at the container.
	Config config.PostgresConfig
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a shared PostgreSQL container for integration tests.
// The container is created once and reused across all tests in the run.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresTestImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       testDatabase,
			"POSTGRES_USER":     testUser,
			"POSTGRES_PASSWORD": testPassword,
		},
		// The server restarts once after initdb; wait for the second ready line.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		testUser, testPassword, host, port.Port(), testDatabase)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection with retry
	for i := 0; i < 10; i++ {
		if err := pool.Ping(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	return &TestDB{
		Container: container,
		Pool:      pool,
		ConnStr:   connStr,
		Config: config.PostgresConfig{
			Host:     host,
			Port:     port.Int(),
			User:     testUser,
			Password: testPassword,
			Database: testDatabase,
			SSLMode:  "disable",
		},
	}, nil
}

// UniqueSchema returns a fresh schema name for one test.
func UniqueSchema(t *testing.T) string {
	t.Helper()
	return "t_" + strings.ToLower(uuid.NewString()[:8])
}

// ResultsDB is the results store database with migrations applied.
type ResultsDB struct {
	DB      *database.ResultsPool
	ConnStr string
}

var (
	sharedResultsDB     *ResultsDB
	sharedResultsDBOnce sync.Once
	sharedResultsDBErr  error
)

// GetResultsDB returns a shared results database for integration tests.
// Migrations are applied once and the database is reused across all tests.
func GetResultsDB(t *testing.T) *ResultsDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	testDB := GetTestDB(t)

	sharedResultsDBOnce.Do(func() {
		sharedResultsDB, sharedResultsDBErr = setupResultsDB(testDB)
	})

	if sharedResultsDBErr != nil {
		t.Fatalf("Failed to setup results database: %v", sharedResultsDBErr)
	}

	return sharedResultsDB
}

func setupResultsDB(testDB *TestDB) (*ResultsDB, error) {
	ctx := context.Background()

	db, err := database.OpenResults(ctx, database.PoolSettings{ConnString: testDB.ConnStr, MaxConns: 5}, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to results database: %w", err)
	}

	// Run migrations using database/sql (required by golang-migrate)
	sqlDB, err := sql.Open("pgx", testDB.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.ApplyMigrations(sqlDB, MigrationsPath(), zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &ResultsDB{DB: db, ConnStr: testDB.ConnStr}, nil
}

// MigrationsPath returns the absolute path of the repository migrations directory.
func MigrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}
