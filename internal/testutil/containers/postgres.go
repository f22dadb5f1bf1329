//go:build integration

// Package containers starts throwaway dependencies for integration tests.
package containers

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PostgresContainer wraps a migrated Postgres instance.
type PostgresContainer struct {
	Container *tcpostgres.PostgresContainer
	URL       string
	DB        *pgxpool.Pool
}

// NewPostgresContainer starts Postgres and applies every migration under
// migrations/. When DATABASE_URL is set that database is used instead.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	ctx := context.Background()

	pc := &PostgresContainer{URL: os.Getenv("DATABASE_URL")}
	if pc.URL == "" {
		container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("evidence"),
			tcpostgres.WithUsername("evidence"),
			tcpostgres.WithPassword("evidence"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Fatalf("failed to start postgres container: %v", err)
		}
		pc.Container = container

		pc.URL, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			_ = container.Terminate(ctx)
			t.Fatalf("failed to get postgres connection string: %v", err)
		}
	}

	db, err := pgxpool.New(ctx, pc.URL)
	if err != nil {
		pc.terminate(ctx)
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	pc.DB = db

	if err := pc.migrate(ctx); err != nil {
		pc.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}
	return pc
}

// TruncateTables empties tables between tests.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	_, err := p.DB.Exec(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" RESTART IDENTITY")
	return err
}

// Close releases the pool and stops the container.
func (p *PostgresContainer) Close() {
	p.DB.Close()
	p.terminate(context.Background())
}

func (p *PostgresContainer) terminate(ctx context.Context) {
	if p.Container != nil {
		_ = p.Container.Terminate(ctx)
	}
}

func (p *PostgresContainer) migrate(ctx context.Context) error {
	dir := migrationsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return err
		}
		if _, err := p.DB.Exec(ctx, string(sql)); err != nil {
			return err
		}
	}
	return nil
}

// migrationsDir resolves the repository's migrations directory from this
// source file's location.
func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations")
}
