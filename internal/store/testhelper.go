package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"voice-bridge/internal/observability"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"
)

// TestDB wraps a test database instance
type TestDB struct {
	db     *sqlx.DB
	logger *observability.Logger
	Store  Store
}

// SetupTestDB connects to the PostgreSQL instance named by TEST_DB_* and
// applies the embedded migrations. Tests are skipped when TEST_DB_HOST is unset.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()

	if os.Getenv("TEST_DB_HOST") == "" {
		t.Skip("TEST_DB_HOST not set, skipping database test")
	}

	logger := observability.NewLoggerFromZap(zaptest.NewLogger(t))

	db, err := setupPostgresDB(t)
	if err != nil {
		t.Fatalf("failed to setup test database: %v", err)
	}

	store := Store{db: db, logger: logger}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return &TestDB{
		db:     db,
		logger: logger,
		Store:  store,
	}
}

// setupPostgresDB creates a PostgreSQL database connection
func setupPostgresDB(t *testing.T) (*sqlx.DB, error) {
	t.Helper()

	dbHost := os.Getenv("TEST_DB_HOST")
	dbPort := os.Getenv("TEST_DB_PORT")
	dbUser := os.Getenv("TEST_DB_USER")
	dbPass := os.Getenv("TEST_DB_PASSWORD")
	dbName := os.Getenv("TEST_DB_NAME")

	if dbPort == "" {
		dbPort = "5432"
	}
	if dbUser == "" {
		dbUser = "voice_user"
	}
	if dbPass == "" {
		dbPass = "voice_password"
	}
	if dbName == "" {
		dbName = "voice_bridge"
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUser, dbPass, dbHost, dbPort, dbName)

	db, err := sqlx.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Register cleanup to close connection
	t.Cleanup(func() {
		db.Close()
	})

	return db, nil
}

// Truncate clears all data from tables while preserving schema
func (tdb *TestDB) Truncate(t *testing.T, tables ...string) {
	t.Helper()

	if len(tables) == 0 {
		tables = []string{
			"knowledge_documents",
			"support_cases",
			"order_items",
			"orders",
			"meetings",
			"calls",
		}
	}

	for _, table := range tables {
		_, err := tdb.db.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		if err != nil {
			// Skip if table doesn't exist
			if !strings.Contains(err.Error(), "does not exist") {
				t.Fatalf("failed to truncate table %s: %v", table, err)
			}
		}
	}
}

// MustExec executes SQL and fails the test if there's an error
func (tdb *TestDB) MustExec(t *testing.T, query string, args ...interface{}) {
	t.Helper()
	_, err := tdb.db.Exec(query, args...)
	if err != nil {
		t.Fatalf("failed to execute SQL: %v", err)
	}
}
