// Package dbtest starts a disposable pgvector PostgreSQL for store tests.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/blueberrycongee/sicc/internal/database"
)

// Postgres returns a migrated database, or nil when Docker is unavailable
// or -short is set. Callers skip on nil.
func Postgres(t *testing.T, dimension int) *sql.DB {
	t.Helper()
	if testing.Short() {
		return nil
	}

	var db *sql.DB
	func() {
		// testcontainers panics on some unsupported Docker setups.
		defer func() {
			if r := recover(); r != nil {
				t.Logf("docker setup failed (panic recovered): %v", r)
			}
		}()
		db = start(t, dimension)
	}()
	return db
}

func start(t *testing.T, dimension int) *sql.DB {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "pgvector/pgvector:pg16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "sicc",
				"POSTGRES_PASSWORD": "sicc",
				"POSTGRES_DB":       "sicc",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Logf("failed to start postgres container: %v", err)
		return nil
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Logf("failed to get container host: %v", err)
		return nil
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Logf("failed to get container port: %v", err)
		return nil
	}

	cfg := database.DefaultConfig()
	cfg.DSN = fmt.Sprintf("postgres://sicc:sicc@%s:%s/sicc?sslmode=disable", host, port.Port())
	db, err := database.Open(ctx, cfg)
	if err != nil {
		t.Logf("failed to connect to postgres: %v", err)
		return nil
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := database.Migrate(ctx, db, dimension); err != nil {
		t.Logf("failed to migrate: %v", err)
		return nil
	}
	return db
}
