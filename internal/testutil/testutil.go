package testutil

import (
	"cmp"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	// Import pgx driver for database/sql compatibility in tests.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/weskerllc/cronicorn/internal/migrate"
)

// TestingTB is the subset of testing.TB the database helpers need.
// Both *testing.T and *testing.B satisfy it.
type TestingTB interface {
	Helper()
	Cleanup(func())
	Skip(args ...interface{})
	Skipf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Logf(format string, args ...interface{})
}

// TestDBConfig holds connection settings for the integration test database.
type TestDBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// DefaultTestDBConfig reads TEST_DB_* overrides from the environment,
// defaulting to the docker-compose test profile on port 55432. CI
// environments point at their own instance with TEST_DB_PORT=5432.
func DefaultTestDBConfig() TestDBConfig {
	return TestDBConfig{
		Host:     envOr("TEST_DB_HOST", "localhost"),
		Port:     envOr("TEST_DB_PORT", "55432"),
		User:     envOr("TEST_DB_USER", "cronicorn"),
		Password: envOr("TEST_DB_PASSWORD", "cronicorn"),
		DBName:   envOr("TEST_DB_NAME", "cronicorn"),
	}
}

// testDSN builds the postgres DSN for cfg. A non-empty searchPath pins
// sessions to an ephemeral schema.
func testDSN(cfg TestDBConfig, searchPath string) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, cfg.Port),
		Path:   "/" + cfg.DBName,
	}
	q := u.Query()
	q.Set("sslmode", envOr("DB_SSL_MODE", "disable"))
	if searchPath != "" {
		q.Set("search_path", searchPath)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// WithAutoDB runs fn against an ephemeral per-test schema when
// TEST_DB_EPHEMERAL is truthy, otherwise against the shared test
// database with teardown afterwards.
func WithAutoDB(t TestingTB, fn func(*sql.DB)) {
	t.Helper()
	if envBool("TEST_DB_EPHEMERAL") {
		fn(SetupEphemeralSchemaDB(t))
		return
	}
	db := SetupTestDB(t)
	defer TeardownTestDB(t, db)
	fn(db)
}

// SetupTestDB connects to the shared test database, applies the
// production migrations, and clears rows left over from earlier runs.
func SetupTestDB(t TestingTB) *sql.DB {
	t.Helper()
	SkipIfNoTestDB(t)

	db := openTestDB(t, testDSN(DefaultTestDBConfig(), ""))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := applyMigrations(ctx, db); err != nil {
		t.Fatal("apply migrations:", err)
	}

	CleanupTestDB(t, db)
	return db
}

// CleanupTestDB removes every row the tests write. A single TRUNCATE
// covers all four tables; CASCADE handles the references between them.
func CleanupTestDB(t TestingTB, db *sql.DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx,
		"TRUNCATE ai_analysis_sessions, runs, job_endpoints, jobs CASCADE",
	); err != nil {
		t.Fatalf("truncate test tables: %v", err)
	}
}

// TeardownTestDB clears test data and closes the connection.
func TeardownTestDB(t TestingTB, db *sql.DB) {
	t.Helper()
	if db == nil {
		return
	}
	CleanupTestDB(t, db)
	if err := db.Close(); err != nil {
		t.Fatal("close test database:", err)
	}
}

// SkipIfNoTestDB skips the test when the integration database is not
// reachable. TEST_REQUIRE_DB or TEST_REQUIRE_INFRA turns the skip into
// a failure so CI cannot silently lose coverage.
func SkipIfNoTestDB(t TestingTB) {
	t.Helper()

	db, err := sql.Open("pgx", testDSN(DefaultTestDBConfig(), ""))
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = db.PingContext(ctx)
		closeQuiet(t, "test db probe", db)
	}
	if err == nil {
		return
	}

	if requireDB() {
		t.Fatal("test database required but not available:", err)
	}
	t.Skip("test database not available:", err)
}

// SetupEphemeralSchemaDB creates a schema unique to this test, applies
// the migrations inside it, and registers cleanups that drop it again.
// Packages sharing one database stay isolated from each other.
func SetupEphemeralSchemaDB(t TestingTB) *sql.DB {
	t.Helper()
	SkipIfNoTestDB(t)

	cfg := DefaultTestDBConfig()
	adminDB := openTestDB(t, testDSN(cfg, ""))
	t.Cleanup(func() { closeQuiet(t, "admin db", adminDB) })

	schema := ephemeralSchemaName()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := adminDB.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		t.Fatalf("create schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dropCancel()
		if _, err := adminDB.ExecContext(dropCtx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
	})
	t.Logf("using ephemeral schema %s", schema)

	// public stays on the search path for extensions; the unqualified
	// tables all resolve to the ephemeral schema.
	db := openTestDB(t, testDSN(cfg, schema+",public"))
	t.Cleanup(func() { closeQuiet(t, "schema db", db) })

	migCtx, migCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer migCancel()
	if err := applyMigrations(migCtx, db); err != nil {
		t.Fatal("apply migrations in ephemeral schema:", err)
	}

	return db
}

// openTestDB opens and pings a pool for dsn, failing the test on error.
func openTestDB(t TestingTB, dsn string) *sql.DB {
	t.Helper()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal("open test database:", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if pingErr := db.PingContext(ctx); pingErr != nil {
		closeQuiet(t, "test db", db)
		t.Fatal("ping test database (is the docker-compose test profile running?):", pingErr)
	}

	return db
}

// applyMigrations runs the production migrations with a discarded
// logger so test output stays readable.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	return migrate.Run(ctx, db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// ephemeralSchemaName returns a lowercase schema name unlikely to
// collide across concurrent test processes.
func ephemeralSchemaName() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("t_%d", time.Now().UnixNano())
	}
	return "t_" + hex.EncodeToString(b)
}

func closeQuiet(t TestingTB, name string, closer interface{ Close() error }) {
	if err := closer.Close(); err != nil {
		t.Logf("close %s: %v", name, err)
	}
}

// envOr returns the environment variable value, or fallback when unset.
func envOr(key, fallback string) string {
	return cmp.Or(os.Getenv(key), fallback)
}

// envBool parses common truthy values from env vars.
func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

func requireDB() bool { return envBool("TEST_REQUIRE_DB") || envBool("TEST_REQUIRE_INFRA") }

// Ptr returns a pointer to v. Request types model optional fields as
// pointers, so test fixtures build them through this.
func Ptr[T any](v T) *T {
	return &v
}
