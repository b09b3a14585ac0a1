// Package containers starts PostgreSQL for integration tests, either through
// testcontainers-go or against an already running server named by
// TEST_DATABASE_URL.
package containers

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/keelhq/keel/adapters/postgres"
)

// PostgresContainer is a reachable PostgreSQL server.
type PostgresContainer struct {
	connStr   string
	container *tcpostgres.PostgresContainer
}

// PostgresOption configures a PostgreSQL container.
type PostgresOption func(*postgresConfig)

type postgresConfig struct {
	image    string
	database string
	user     string
	password string
	url      string
}

// WithPostgresImage sets the PostgreSQL Docker image.
func WithPostgresImage(image string) PostgresOption {
	return func(c *postgresConfig) {
		c.image = image
	}
}

// WithPostgresDatabase sets the database name.
func WithPostgresDatabase(database string) PostgresOption {
	return func(c *postgresConfig) {
		c.database = database
	}
}

// WithPostgresCredentials sets the user and password.
func WithPostgresCredentials(user, password string) PostgresOption {
	return func(c *postgresConfig) {
		c.user = user
		c.password = password
	}
}

// WithPostgresURL uses a running server instead of starting a container.
func WithPostgresURL(url string) PostgresOption {
	return func(c *postgresConfig) {
		c.url = url
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// defaultPostgresConfig reads POSTGRES_IMAGE and TEST_DATABASE_URL.
func defaultPostgresConfig() *postgresConfig {
	return &postgresConfig{
		image:    getEnvOrDefault("POSTGRES_IMAGE", "postgres:17-alpine"),
		database: "keel_test",
		user:     "keel",
		password: "keel",
		url:      os.Getenv("TEST_DATABASE_URL"),
	}
}

// StartPostgres returns a PostgreSQL server for t. The test is skipped when
// neither a container nor TEST_DATABASE_URL is available.
func StartPostgres(t *testing.T, opts ...PostgresOption) *PostgresContainer {
	t.Helper()

	cfg := defaultPostgresConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if cfg.url != "" {
		if err := waitForPostgres(ctx, cfg.url); err != nil {
			t.Skipf("skip: postgres at TEST_DATABASE_URL unavailable: %v", err)
		}
		return &PostgresContainer{connStr: cfg.url}
	}

	pg, err := tcpostgres.Run(ctx, cfg.image,
		tcpostgres.WithDatabase(cfg.database),
		tcpostgres.WithUsername(cfg.user),
		tcpostgres.WithPassword(cfg.password),
		tcpostgres.WithSQLDriver("pgx"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("skip: cannot start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres connection string: %v", err)
	}
	return &PostgresContainer{connStr: dsn, container: pg}
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresContainer) ConnectionString() string {
	return c.connStr
}

// DB returns a database connection.
func (c *PostgresContainer) DB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("pgx", c.connStr)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to open connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("containers: failed to ping database: %w", err)
	}
	return db, nil
}

func waitForPostgres(ctx context.Context, connStr string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		db, err := sql.Open("pgx", connStr)
		if err == nil {
			err = db.PingContext(ctx)
			db.Close()
			if err == nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

// schemaName returns a schema name unique to this run.
func schemaName(prefix string) string {
	return fmt.Sprintf("%s_%d", strings.ToLower(prefix), time.Now().UnixNano())
}

// IntegrationTest is a PostgreSQL event store in a throwaway schema.
type IntegrationTest struct {
	t         *testing.T
	ctx       context.Context
	container *PostgresContainer
	db        *sql.DB
	schema    string
	adapter   *postgres.PostgresAdapter
}

// IntegrationTestOption configures an integration test.
type IntegrationTestOption func(*integrationTestConfig)

type integrationTestConfig struct {
	schemaPrefix string
	timeout      time.Duration
	postgres     []PostgresOption
}

// WithSchemaPrefix sets the schema prefix.
func WithSchemaPrefix(prefix string) IntegrationTestOption {
	return func(c *integrationTestConfig) {
		c.schemaPrefix = prefix
	}
}

// WithTimeout sets the test timeout.
func WithTimeout(timeout time.Duration) IntegrationTestOption {
	return func(c *integrationTestConfig) {
		c.timeout = timeout
	}
}

// WithPostgresOptions passes options to StartPostgres.
func WithPostgresOptions(opts ...PostgresOption) IntegrationTestOption {
	return func(c *integrationTestConfig) {
		c.postgres = append(c.postgres, opts...)
	}
}

// NewIntegrationTest starts PostgreSQL and opens an initialized adapter in a
// fresh schema that is dropped when t ends.
func NewIntegrationTest(t *testing.T, opts ...IntegrationTestOption) *IntegrationTest {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &integrationTestConfig{
		schemaPrefix: "test",
		timeout:      time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	container := StartPostgres(t, cfg.postgres...)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	t.Cleanup(cancel)

	db, err := container.DB(ctx)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	schema := schemaName(cfg.schemaPrefix)
	adapter := postgres.NewAdapterWithDB(db, postgres.WithSchema(schema))
	if err := adapter.Initialize(ctx); err != nil {
		db.Close()
		t.Fatalf("Failed to initialize schema %s: %v", schema, err)
	}

	t.Cleanup(func() {
		if _, err := db.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %q CASCADE", schema)); err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schema, err)
		}
		db.Close()
	})

	return &IntegrationTest{
		t:         t,
		ctx:       ctx,
		container: container,
		db:        db,
		schema:    schema,
		adapter:   adapter,
	}
}

// Context returns the test context.
func (it *IntegrationTest) Context() context.Context {
	return it.ctx
}

// DB returns the database connection.
func (it *IntegrationTest) DB() *sql.DB {
	return it.db
}

// Schema returns the test schema name.
func (it *IntegrationTest) Schema() string {
	return it.schema
}

// Adapter returns the event store adapter bound to the test schema.
func (it *IntegrationTest) Adapter() *postgres.PostgresAdapter {
	return it.adapter
}

// Container returns the PostgreSQL server.
func (it *IntegrationTest) Container() *PostgresContainer {
	return it.container
}

// TableCount returns the number of tables in the test schema.
func (it *IntegrationTest) TableCount() int {
	it.t.Helper()
	var n int
	err := it.db.QueryRowContext(it.ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_schema = $1`, it.schema).Scan(&n)
	if err != nil {
		it.t.Fatalf("Failed to count tables: %v", err)
	}
	return n
}
