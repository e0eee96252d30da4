// Package testutil provides shared test infrastructure for integration tests
// that need a Postgres or Redis container.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    flag.Parse()
//	    if testing.Short() {
//	        os.Exit(m.Run())
//	    }
//	    tc := testutil.MustStartPostgres()
//	    testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    code := m.Run()
//	    tc.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/jarvis/internal/storage"
	"github.com/ashita-ai/jarvis/migrations"
)

// TestContainer wraps a testcontainers container with a DSN (or address) for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a Postgres container. Calls os.Exit(1) on failure
// (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "jarvis",
			"POSTGRES_PASSWORD": "jarvis",
			"POSTGRES_DB":       "jarvis",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container := mustStart(ctx, req)
	host, port := mustEndpoint(ctx, container, "5432/tcp")
	return &TestContainer{
		Container: container,
		DSN:       fmt.Sprintf("postgres://jarvis:jarvis@%s:%s/jarvis?sslmode=disable", host, port),
	}
}

// MustStartRedis starts a Redis container. DSN is a redis:// URL.
func MustStartRedis() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}

	container := mustStart(ctx, req)
	host, port := mustEndpoint(ctx, container, "6379/tcp")
	return &TestContainer{
		Container: container,
		DSN:       fmt.Sprintf("redis://%s:%s/0", host, port),
	}
}

func mustStart(ctx context.Context, req testcontainers.ContainerRequest) testcontainers.Container {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start %s: %v\n", req.Image, err)
		os.Exit(1)
	}
	return container
}

func mustEndpoint(ctx context.Context, c testcontainers.Container, port nat.Port) (string, string) {
	host, err := c.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}
	return host, mapped.Port()
}

// NewTestDB creates a storage.DB connected to this container and runs all
// migrations. The same DSN doubles as the notify connection so LISTEN/NOTIFY
// paths are exercised.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// SkipIfShort skips integration tests under -short.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in -short mode")
	}
}
