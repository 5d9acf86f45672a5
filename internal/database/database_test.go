package database

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/paper-pipeline-service/internal/config"
)

// mockDBTX pins the DBTX method set at compile time.
type mockDBTX struct{}

func (m *mockDBTX) Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (m *mockDBTX) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, nil
}

func (m *mockDBTX) QueryRow(context.Context, string, ...interface{}) pgx.Row {
	return nil
}

func (m *mockDBTX) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	return nil
}

var _ DBTX = (*mockDBTX)(nil)

func TestDatabaseConfig_DSN(t *testing.T) {
	t.Run("carries all connection parameters", func(t *testing.T) {
		cfg := &config.DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           "paperpipe",
			Password:       "secret",
			Name:           "paper_pipeline_service",
			SSLMode:        "disable",
			ConnectTimeout: 10 * time.Second,
		}

		dsn := cfg.DSN()

		assert.Contains(t, dsn, "postgres://")
		assert.Contains(t, dsn, "paperpipe")
		assert.Contains(t, dsn, "localhost:5432")
		assert.Contains(t, dsn, "paper_pipeline_service")
		assert.Contains(t, dsn, "sslmode=disable")
		assert.Contains(t, dsn, "connect_timeout=10")
	})

	t.Run("escapes special characters in credentials", func(t *testing.T) {
		cfg := &config.DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "user@domain",
			Password: "p@ss:w0rd!#$%^&*()",
			Name:     "testdb",
			SSLMode:  "require",
		}

		dsn := cfg.DSN()

		assert.Contains(t, dsn, "user%40domain")
		assert.NotContains(t, dsn, "p@ss:w0rd")

		// The escaped DSN must remain parseable.
		_, err := pgxpool.ParseConfig(dsn)
		assert.NoError(t, err)
	})

	t.Run("empty password produces valid DSN", func(t *testing.T) {
		cfg := &config.DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "admin",
			Password: "",
			Name:     "testdb",
			SSLMode:  "disable",
		}

		dsn := cfg.DSN()

		assert.Contains(t, dsn, "admin:@localhost")
		assert.Contains(t, dsn, "testdb")
	})

	t.Run("zero connect timeout omits the parameter", func(t *testing.T) {
		cfg := &config.DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "user",
			Password: "pass",
			Name:     "testdb",
			SSLMode:  "disable",
		}

		assert.NotContains(t, cfg.DSN(), "connect_timeout")
	})

	t.Run("non-default port and sslmode survive", func(t *testing.T) {
		cfg := &config.DatabaseConfig{
			Host:     "db.example.com",
			Port:     15432,
			User:     "user",
			Password: "pass",
			Name:     "mydb",
			SSLMode:  "require",
		}

		dsn := cfg.DSN()

		assert.Contains(t, dsn, "db.example.com:15432")
		assert.Contains(t, dsn, "sslmode=require")
	})
}

func TestNew_UnreachableHost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping connection test in short mode")
	}

	// 192.0.2.1 is TEST-NET-1 (RFC 5737), guaranteed unroutable.
	cfg := &config.DatabaseConfig{
		Host:              "192.0.2.1",
		Port:              5432,
		Name:              "testdb",
		User:              "user",
		Password:          "pass",
		SSLMode:           "disable",
		MaxConns:          5,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    2 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := New(ctx, cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Nil(t, db)
}

func TestNew_InvalidDSN(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Host:    "local host with spaces",
		Port:    5432,
		User:    "u",
		Name:    "d",
		SSLMode: "disable",
	}

	db, err := New(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Nil(t, db)
}

func TestDB_CloseNilPool(t *testing.T) {
	nilDB := &DB{}
	assert.NotPanics(t, func() {
		nilDB.Close()
	})
}
