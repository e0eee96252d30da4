package jarvis

import (
	"io/fs"
	"log/slog"

	"github.com/ashita-ai/jarvis/internal/agent"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Callers use the With* functions.
type resolvedOptions struct {
	databaseURL     string
	notifyURL       string
	logger          *slog.Logger
	version         string
	agents          []agent.Agent
	extraMigrations []fs.FS
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries, since LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAgents registers agents alongside the built-in QA agent. Codes must
// be unique.
func WithAgents(agents ...agent.Agent) Option {
	return func(o *resolvedOptions) { o.agents = append(o.agents, agents...) }
}

// WithExtraMigrations adds migration filesystems applied after the built-in
// migrations, in order.
func WithExtraMigrations(fsys ...fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, fsys...) }
}
