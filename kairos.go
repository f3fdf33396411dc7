// Package kairos is the public API for embedding the Kairos job coordinator
// and worker.
//
// A deployment runs one or more coordinators (HTTP + MCP API, reclamation
// sweep, reward loop) and any number of workers against the same Postgres
// database:
//
//	app, err := kairos.New(
//	    kairos.WithVersion(version),
//	    kairos.WithLogger(logger),
//	    kairos.WithExecutor("publish.post", myPublisher),
//	)
//	if err != nil { ... }
//	defer app.Close(context.Background())
//	if err := app.Work(ctx); err != nil { ... }
//
// The import graph is one-way: kairos (root) imports internal/*, never the
// reverse. Public types (Task, Executor) carry no internal imports; the
// adapters between the two sides live here.
package kairos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kairos/api"
	"github.com/ashita-ai/kairos/internal/auth"
	"github.com/ashita-ai/kairos/internal/config"
	"github.com/ashita-ai/kairos/internal/executor"
	"github.com/ashita-ai/kairos/internal/heartbeat"
	"github.com/ashita-ai/kairos/internal/mcp"
	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/ratelimit"
	"github.com/ashita-ai/kairos/internal/scoring"
	"github.com/ashita-ai/kairos/internal/server"
	"github.com/ashita-ai/kairos/internal/service/queuehealth"
	"github.com/ashita-ai/kairos/internal/service/tasks"
	"github.com/ashita-ai/kairos/internal/storage"
	"github.com/ashita-ai/kairos/internal/telemetry"
	"github.com/ashita-ai/kairos/internal/timing"
	"github.com/ashita-ai/kairos/internal/worker"
	"github.com/ashita-ai/kairos/migrations"
)

// shutdownTimeout bounds the HTTP drain when the coordinator stops.
const shutdownTimeout = 15 * time.Second

// App owns the store connection and telemetry shared by the coordinator and
// the worker. Construct with New; run with Serve or Work; release with Close.
type App struct {
	cfg          config.Config
	db           *storage.DB
	otelShutdown telemetry.Shutdown
	executors    map[string]Executor
	logger       *slog.Logger
	version      string
}

// New loads configuration, initialises telemetry, connects to Postgres and
// applies migrations. It does NOT start any goroutines.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Settings{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		InstanceID:  cfg.WorkerID,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	a := &App{
		cfg:          cfg,
		db:           db,
		otelShutdown: otelShutdown,
		executors:    o.executors,
		logger:       logger,
		version:      version,
	}

	if o.skipMigrations {
		logger.Info("embedded migrations skipped by option")
	} else if err := a.Migrate(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			a.Close(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	return a, nil
}

func loadConfig(o resolvedOptions) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.workerID != "" {
		cfg.WorkerID = o.workerID
	}
	if o.configFile != "" {
		f, err := config.LoadFile(o.configFile)
		if err != nil {
			return config.Config{}, err
		}
		cfg.ConfigFile = o.configFile
		cfg.File = f
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// Config returns the resolved configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Migrate applies the embedded schema migrations. It is idempotent.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}

// CreateServiceAccount registers an API caller and returns the API key, which
// is generated when apiKey is empty and is never retrievable again.
func (a *App) CreateServiceAccount(ctx context.Context, serviceID, role, apiKey string) (string, error) {
	_, key, err := server.CreateServiceAccount(ctx, a.db, model.CreateServiceAccountRequest{
		ServiceID: serviceID,
		Role:      model.ServiceRole(role),
		APIKey:    apiKey,
	})
	return key, err
}

// Serve runs the coordinator until ctx is cancelled: the HTTP and MCP API with
// its task event broker, plus the reclamation sweep and reward loop. Several
// coordinators may run against the same database.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.cfg

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	weights, err := scoring.WeightsFromConfig(cfg.Scoring())
	if err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	engine, err := scoring.NewEngine(a.db, weights, cfg.Scoring().RewardThreshold, a.logger)
	if err != nil {
		return fmt.Errorf("scoring: %w", err)
	}

	taskSvc := tasks.New(a.db, cfg.DefaultMaxAttempts, familyMaxAttempts(cfg), a.logger)
	monitor := heartbeat.NewMonitor(a.db, cfg.StaleAfter)
	reaper := heartbeat.NewReaper(a.db, cfg.StaleAfter, cfg.ReclaimInterval, a.logger)
	qh := queuehealth.New(a.db, monitor)
	bandit := timing.NewBandit(a.db, timing.WithLogger(a.logger))
	mcpSrv := mcp.New(taskSvc, monitor, qh, engine, a.logger, a.version)

	overrides := enqueueRateOverrides(cfg)
	limiter := ratelimit.New(ratelimit.Policy{Rate: cfg.EnqueueRate, Burst: cfg.EnqueueBurst}, overrides)
	defer func() { _ = limiter.Close() }()
	if _, ok := limiter.(ratelimit.NoopLimiter); ok {
		a.logger.Info("rate limiting: disabled")
	} else {
		a.logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.EnqueueRate, "burst", cfg.EnqueueBurst, "task_type_overrides", len(overrides))
	}

	var broker *server.Broker
	if a.db.HasNotify() {
		broker = server.NewBroker(a.db, a.logger)
	} else {
		a.logger.Info("task event streams disabled (no NOTIFY_URL), history only")
	}

	srv := server.New(server.ServerConfig{
		DB:                  a.db,
		JWTMgr:              jwtMgr,
		Tasks:               taskSvc,
		Monitor:             monitor,
		QueueHealth:         qh,
		Engine:              engine,
		Bandit:              bandit,
		Scheduler:           timing.NewScheduler(bandit, taskSvc),
		Broker:              broker,
		Logger:              a.logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminAPIKey); err != nil {
		return fmt.Errorf("admin seed: %w", err)
	}

	a.logger.Info("kairos: coordinator starting", "version", a.version, "port", cfg.Port,
		"stale_after", cfg.StaleAfter, "reward_threshold", engine.RewardThreshold())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx, cfg.RewardInterval, cfg.RewardBatchSize) })
	if broker != nil {
		g.Go(func() error {
			broker.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	a.logger.Info("kairos: coordinator stopped")
	return err
}

// Work runs a worker until ctx is cancelled, then drains in-flight tasks and
// marks the worker stopped so its remaining claims are reclaimed at once.
func (a *App) Work(ctx context.Context) error {
	cfg := a.cfg

	registry, families, err := a.buildRegistry()
	if err != nil {
		return err
	}

	opts := worker.Options{
		WorkerID:     cfg.WorkerID,
		Lease:        cfg.LeaseDuration,
		DrainTimeout: cfg.DrainTimeout,
		StoreBackoff: worker.Backoff{Base: cfg.StoreBackoffBase, Cap: cfg.StoreBackoffCap},
		Heartbeat:    heartbeat.NewBeater(a.db, cfg.WorkerID, cfg.HeartbeatInterval, a.version, a.logger),
		Logger:       a.logger,
	}
	if a.db.HasNotify() {
		opts.Notifier = a.db
	} else {
		a.logger.Info("worker: wake-ups disabled (no NOTIFY_URL), polling only")
	}

	runner, err := worker.NewRunner(a.db, registry, families, opts)
	if err != nil {
		return err
	}
	a.logger.Info("kairos: worker starting", "version", a.version, "worker_id", cfg.WorkerID,
		"task_types", registry.TaskTypes())
	return runner.Run(ctx)
}

// buildRegistry binds every configured family to an executor: one registered
// with WithExecutor, else the family's HTTP executor. Executors registered
// without a family poll with the environment defaults.
func (a *App) buildRegistry() (*worker.Registry, []worker.Family, error) {
	registry := worker.NewRegistry()
	var families []worker.Family
	seen := make(map[string]bool)

	for _, fc := range a.cfg.Families() {
		var exec worker.Executor
		if ext, ok := a.executors[fc.TaskType]; ok {
			exec = executorAdapter{ext}
		} else if fc.HTTP != nil {
			h, err := executor.FromConfig(fc)
			if err != nil {
				return nil, nil, err
			}
			exec = h
		} else {
			return nil, nil, fmt.Errorf("kairos: family %q has no executor: configure http or register one with WithExecutor", fc.TaskType)
		}
		if err := registry.Register(fc.TaskType, exec); err != nil {
			return nil, nil, err
		}
		families = append(families, worker.FamilyFromConfig(fc))
		seen[fc.TaskType] = true
	}

	extra := make([]string, 0, len(a.executors))
	for taskType := range a.executors {
		if !seen[taskType] {
			extra = append(extra, taskType)
		}
	}
	sort.Strings(extra)
	for _, taskType := range extra {
		if err := registry.Register(taskType, executorAdapter{a.executors[taskType]}); err != nil {
			return nil, nil, err
		}
		fc := a.cfg.FamilyDefaults
		fc.TaskType = taskType
		families = append(families, worker.FamilyFromConfig(fc))
	}

	if len(families) == 0 {
		return nil, nil, fmt.Errorf("kairos: no task families configured: set KAIROS_CONFIG_FILE or use WithExecutor")
	}
	return registry, families, nil
}

// Close releases the store connection and flushes telemetry.
func (a *App) Close(ctx context.Context) {
	a.db.Close(ctx)
	if err := a.otelShutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown", "error", err)
	}
}

// familyMaxAttempts maps configured task types to their attempt limits so
// the enqueue path can apply them when a request leaves max_attempts unset.
func familyMaxAttempts(cfg config.Config) map[string]int {
	out := make(map[string]int)
	for _, fc := range cfg.Families() {
		out[fc.TaskType] = fc.MaxAttempts
	}
	return out
}

// enqueueRateOverrides collects the families that set their own enqueue limit.
func enqueueRateOverrides(cfg config.Config) map[string]ratelimit.Policy {
	out := make(map[string]ratelimit.Policy)
	for _, fc := range cfg.Families() {
		if fc.EnqueueRate > 0 {
			out[fc.TaskType] = ratelimit.Policy{Rate: fc.EnqueueRate, Burst: fc.EnqueueBurst}
		}
	}
	return out
}

// ── Adapters between public and internal types ────────────────────────────────

type executorAdapter struct {
	exec Executor
}

func (a executorAdapter) Execute(ctx context.Context, t model.Task) (json.RawMessage, error) {
	return a.exec.Execute(ctx, toPublicTask(t))
}

func toPublicTask(t model.Task) Task {
	return Task{
		ID:          t.ID,
		TaskType:    t.TaskType,
		Payload:     t.Payload,
		Attempt:     t.AttemptCount,
		MaxAttempts: t.MaxAttempts,
		CreatedAt:   t.CreatedAt,
	}
}
