package kairos

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	configFile      string
	workerID        string
	logger          *slog.Logger
	version         string
	skipMigrations  bool
	executors       map[string]Executor
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (KAIROS_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries; LISTEN
// requires a direct session.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithConfigFile overrides the YAML file with task families and scoring
// weights (KAIROS_CONFIG_FILE env var).
func WithConfigFile(path string) Option {
	return func(o *resolvedOptions) { o.configFile = path }
}

// WithWorkerID overrides the worker identity (KAIROS_WORKER_ID env var,
// hostname by default). Two live workers must never share an id.
func WithWorkerID(id string) Option {
	return func(o *resolvedOptions) { o.workerID = id }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint, the
// worker heartbeat, and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithoutMigrations skips the embedded schema migrations in New. Use it when
// migrations are applied out of band with `kairos migrate`.
func WithoutMigrations() Option {
	return func(o *resolvedOptions) { o.skipMigrations = true }
}

// WithExecutor registers an executor for a task type. Families declared in the
// config file take their polling settings from there; a type registered here
// without a family entry polls with the environment defaults. The last
// registration for a type wins.
func WithExecutor(taskType string, exec Executor) Option {
	return func(o *resolvedOptions) {
		if o.executors == nil {
			o.executors = make(map[string]Executor)
		}
		o.executors[taskType] = exec
	}
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after
// the embedded migrations. Multiple filesystems are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
