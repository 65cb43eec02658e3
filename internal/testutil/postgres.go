package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	// Register the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/project-theia/theia-api/internal/migrate"
)

// TestingTB is the subset of testing.TB the helpers need.
type TestingTB interface {
	Helper()
	Skip(args ...any)
	Skipf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
	Cleanup(func())
}

// TestDBConfig locates the integration-test Postgres. The defaults match the
// docker-compose test profile (port 55432); CI sets TEST_DB_PORT=5432.
type TestDBConfig struct {
	Host     string `env:"TEST_DB_HOST"     envDefault:"localhost"`
	Port     string `env:"TEST_DB_PORT"     envDefault:"55432"`
	User     string `env:"TEST_DB_USER"     envDefault:"theia"`
	Password string `env:"TEST_DB_PASSWORD" envDefault:"theia"`
	Name     string `env:"TEST_DB_NAME"     envDefault:"theia"`
	SSLMode  string `env:"DB_SSL_MODE"      envDefault:"disable"`

	// Ephemeral gives every test its own schema instead of truncating a shared one.
	Ephemeral bool `env:"TEST_DB_EPHEMERAL"`
	// Require turns a missing database into a failure instead of a skip.
	Require bool `env:"TEST_REQUIRE_DB"`
	// RequireInfra is the umbrella switch for Postgres and Redis.
	RequireInfra bool `env:"TEST_REQUIRE_INFRA"`
}

// LoadTestDBConfig reads TestDBConfig from the environment.
func LoadTestDBConfig() (TestDBConfig, error) {
	var cfg TestDBConfig
	if err := env.Parse(&cfg); err != nil {
		return TestDBConfig{}, fmt.Errorf("parse test db config: %w", err)
	}
	return cfg, nil
}

// DSN builds a pgx URL. A non-empty schema is put first on the search_path.
func (c TestDBConfig) DSN(schema string) string {
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	if schema != "" {
		q.Set("search_path", schema+",public")
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (c TestDBConfig) required() bool { return c.Require || c.RequireInfra }

// RunMigrations applies the production migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate.Run(ctx, db)
}

// TestTime is a fixed instant for deterministic tests.
func TestTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

func mustTestDBConfig(t TestingTB) TestDBConfig {
	t.Helper()
	cfg, err := LoadTestDBConfig()
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func openAndPing(dsn string, timeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// SkipIfNoTestDB skips (or fails, when required) if Postgres is unreachable.
func SkipIfNoTestDB(t TestingTB) {
	t.Helper()
	cfg := mustTestDBConfig(t)
	db, err := openAndPing(cfg.DSN(""), 2*time.Second)
	if err != nil {
		if cfg.required() {
			t.Fatal("test database not available:", err)
		}
		t.Skip("test database not available:", err)
	}
	closeQuietly(t, "probe db", db)
}

// WithAutoDB runs fn against a migrated database. With TEST_DB_EPHEMERAL the
// database is a fresh schema dropped afterwards; otherwise it is the shared
// test database with the jobs table emptied before and after.
func WithAutoDB(t TestingTB, fn func(*sql.DB)) {
	t.Helper()
	SkipIfNoTestDB(t)
	cfg := mustTestDBConfig(t)

	var db *sql.DB
	if cfg.Ephemeral {
		db = setupSchemaDB(t, cfg)
	} else {
		db = setupSharedDB(t, cfg)
	}
	fn(db)
}

func setupSharedDB(t TestingTB, cfg TestDBConfig) *sql.DB {
	t.Helper()
	db, err := openAndPing(cfg.DSN(""), 5*time.Second)
	if err != nil {
		t.Fatal("connect test database:", err)
	}
	migrateOrFail(t, db)
	truncateJobs(t, db)
	t.Cleanup(func() {
		truncateJobs(t, db)
		closeQuietly(t, "test db", db)
	})
	return db
}

func setupSchemaDB(t TestingTB, cfg TestDBConfig) *sql.DB {
	t.Helper()
	admin, err := openAndPing(cfg.DSN(""), 5*time.Second)
	if err != nil {
		t.Fatal("connect admin database:", err)
	}

	schema := schemaName()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		closeQuietly(t, "admin db", admin)
		t.Fatalf("create schema %s: %v", schema, err)
	}

	db, err := openAndPing(cfg.DSN(schema), 5*time.Second)
	t.Cleanup(func() {
		if db != nil {
			closeQuietly(t, "schema db", db)
		}
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dropCancel()
		if _, dropErr := admin.ExecContext(dropCtx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); dropErr != nil {
			t.Logf("drop schema %s: %v", schema, dropErr)
		}
		closeQuietly(t, "admin db", admin)
	})
	if err != nil {
		t.Fatalf("connect schema %s: %v", schema, err)
	}
	t.Logf("using ephemeral schema %s", schema)

	db.SetMaxOpenConns(10)
	migrateOrFail(t, db)
	return db
}

func migrateOrFail(t TestingTB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := RunMigrations(ctx, db); err != nil {
		t.Fatal("run migrations:", err)
	}
}

func truncateJobs(t TestingTB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DELETE FROM jobs"); err != nil {
		t.Fatalf("clear jobs: %v", err)
	}
}

// schemaName returns t_<8 hex chars>.
func schemaName() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("t_%d", time.Now().UnixNano())
	}
	return "t_" + hex.EncodeToString(b)
}

func closeQuietly(t TestingTB, name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		t.Logf("close %s: %v", name, err)
	}
}
