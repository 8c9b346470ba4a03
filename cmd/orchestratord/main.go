// Command orchestratord is the deployment orchestrator's single binary:
// it wires every component from a loaded config.Config and exposes them
// as cobra subcommands (serve, worker, migrate, version).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kubedeploy/orchestrator/internal/approval"
	"github.com/kubedeploy/orchestrator/internal/audit"
	"github.com/kubedeploy/orchestrator/internal/bus"
	"github.com/kubedeploy/orchestrator/internal/cluster"
	"github.com/kubedeploy/orchestrator/internal/config"
	"github.com/kubedeploy/orchestrator/internal/dbx"
	dbxmigrations "github.com/kubedeploy/orchestrator/internal/dbx/migrations"
	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/httpapi"
	"github.com/kubedeploy/orchestrator/internal/idempotency"
	"github.com/kubedeploy/orchestrator/internal/lock"
	"github.com/kubedeploy/orchestrator/internal/logging"
	"github.com/kubedeploy/orchestrator/internal/nodeclient"
	"github.com/kubedeploy/orchestrator/internal/orchestrator"
	"github.com/kubedeploy/orchestrator/internal/pipeline"
	"github.com/kubedeploy/orchestrator/internal/queue"
	"github.com/kubedeploy/orchestrator/internal/strategy"
	"github.com/kubedeploy/orchestrator/internal/sweep"
	"github.com/kubedeploy/orchestrator/internal/verify"
	"github.com/kubedeploy/orchestrator/internal/worker"
)

var version = "0.1.0"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "orchestratord",
		Short: "Distributed deployment orchestrator",
		Long:  "orchestratord drives module rollouts across a declared node fleet through a durable, resumable pipeline.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to orchestratord config YAML")

	root.AddCommand(
		serveCommand(&configPath),
		workerCommand(&configPath),
		versionCommand(),
		migrateCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the orchestratord version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

// migrateCommand embeds the dbxmigrations CLI as a subcommand rather
// than shipping a separate migration binary.
func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	migrationConfig, err := dbxmigrations.LoadConfig()
	if err != nil {
		cmd.RunE = func(*cobra.Command, []string) error {
			return fmt.Errorf("load migration config: %w", err)
		}
		return cmd
	}
	backupConfig, berr := dbxmigrations.LoadBackupConfig()
	healthConfig, herr := dbxmigrations.LoadHealthConfig()
	if berr != nil || herr != nil {
		cmd.RunE = func(*cobra.Command, []string) error {
			return fmt.Errorf("load migration config: backup=%v health=%v", berr, herr)
		}
		return cmd
	}
	manager, merr := dbxmigrations.NewMigrationManager(migrationConfig)
	if merr != nil {
		cmd.RunE = func(*cobra.Command, []string) error {
			return fmt.Errorf("create migration manager: %w", merr)
		}
		return cmd
	}
	backupManager := dbxmigrations.NewBackupManager(backupConfig, nil, migrationConfig.Logger)
	healthChecker := dbxmigrations.NewHealthChecker(nil, healthConfig, migrationConfig.Logger)
	inner := dbxmigrations.NewCLI(manager, backupManager, healthChecker, migrationConfig.Logger)
	cmd.AddCommand(inner.GetRootCommand().Commands()...)
	return cmd
}

// serveCommand runs the admin HTTP surface (command intake + read API)
// alongside an in-process worker, for single-binary deployments.
func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator API and an embedded worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*configPath, true)
		},
	}
}

// workerCommand runs only the job-queue consumer, for deployments that
// scale the API and the worker pool independently.
func workerCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the job-queue worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*configPath, false)
		},
	}
}

func run(configPath string, serveHTTP bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.Log).With("service", cfg.App.Name)
	logger.Info("starting orchestratord", "profile", cfg.Profile, "version", version, "serve_http", serveHTTP)

	deps, closeDeps, err := wire(cfg, logger)
	if err != nil {
		return fmt.Errorf("wire dependencies: %w", err)
	}
	defer closeDeps()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps.runner.Start(ctx)

	sweepers := []*sweep.Ticker{
		sweep.New("job-leases", cfg.Job.SweepInterval, logger, func(ctx context.Context) error {
			_, err := deps.jobs.SweepStaleLeases(ctx)
			return err
		}),
		sweep.New("message-leases", cfg.Job.SweepInterval, logger, func(ctx context.Context) error {
			_, err := deps.bus.SweepStaleLeases(ctx)
			return err
		}),
		sweep.New("approval-expiry", cfg.Approval.SweeperInterval, logger, func(ctx context.Context) error {
			_, err := deps.approvals.SweepExpired(ctx)
			return err
		}),
	}
	for _, s := range sweepers {
		s.Start(ctx)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mm := http.NewServeMux()
		mm.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsSrv = &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Metrics.Port), Handler: mm}
		go func() {
			logger.Info("metrics server listening", "addr", metricsSrv.Addr, "path", cfg.Metrics.Path)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	var srv *http.Server
	if serveHTTP {
		mux := httpapi.NewRouter(deps.orchestrator, deps.approvals, deps.hub, logger)
		srv = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      mux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}
		go func() {
			logger.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}
	for _, s := range sweepers {
		s.Stop()
	}
	deps.runner.Stop()
	logger.Info("shutdown complete")
	return nil
}

// deps holds every wired component serve/worker need.
type deps struct {
	store        pipeline.Store
	jobs         queue.Queue
	bus          *bus.Bus
	executor     *pipeline.Executor
	orchestrator *orchestrator.Orchestrator
	approvals    *approval.Workflow
	runner       *worker.Runner
	hub          *httpapi.Hub
}

// busNotifier adapts the Message Bus into approval.Notifier, publishing
// every approval request onto a durable "approval.requested" topic so any
// external subscriber (a notification relay, a chat-ops bot) can claim it
// without the approval workflow knowing about transport.
type busNotifier struct {
	b *bus.Bus
}

func (n busNotifier) NotifyApprovalRequested(ctx context.Context, req *domain.ApprovalRequest) error {
	payload := fmt.Appendf(nil, `{"approval_id":%q,"execution_id":%q,"module":%q,"environment":%q,"requester":%q}`,
		req.ApprovalID, req.DeploymentExecID, req.ModuleName, req.Environment, req.RequesterEmail)
	_, err := n.b.Publish(ctx, "approval.requested", payload, 0, nil)
	if err != nil && err != bus.ErrNoActiveSubscription {
		return err
	}
	return nil
}

func wire(cfg *config.Config, logger *slog.Logger) (*deps, func(), error) {
	registry, err := cluster.NewFromSpecs(cfg.Nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("build cluster registry: %w", err)
	}

	client := nodeclient.NewHTTPClient(nodeclient.DefaultOptions(), logger)

	var (
		store         pipeline.Store
		idem          idempotency.Store
		locker        lock.Locker
		jobs          queue.Queue
		approvalStore approval.Store
		sink          audit.Sink
		msgBus        *bus.Bus
		closeFn       = func() {}
	)

	switch cfg.Profile {
	case config.ProfileStandard:
		poolCfg := &dbx.PostgresConfig{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			Database:        cfg.Database.Database,
			User:            cfg.Database.Username,
			Password:        cfg.Database.Password,
			SSLMode:         cfg.Database.SSLMode,
			MaxConns:        int32(cfg.Database.MaxConnections),
			MinConns:        int32(cfg.Database.MinConnections),
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
			ConnectTimeout:  cfg.Database.ConnectTimeout,
		}
		pool := dbx.NewPostgresPool(poolCfg, logger)
		connectCtx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
		defer cancel()
		if err := pool.Connect(connectCtx); err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		closeFn = func() { _ = pool.Close() }

		pgStore := pipeline.NewPostgresStore(pool.Pool(), logger)
		store = pgStore
		idem = idempotency.NewPostgresStore(pool.Pool(), logger)
		locker = lock.NewPostgresLocker(pool.Pool(), cfg.Lock.ValuePrefix, logger)

		// lock.backend=redis moves the deploy lock and the idempotency
		// store off Postgres when a Redis endpoint is configured.
		if cfg.Lock.Backend == "redis" && cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:            cfg.Redis.Addr,
				Password:        cfg.Redis.Password,
				DB:              cfg.Redis.DB,
				PoolSize:        cfg.Redis.PoolSize,
				MinIdleConns:    cfg.Redis.MinIdleConns,
				DialTimeout:     cfg.Redis.DialTimeout,
				ReadTimeout:     cfg.Redis.ReadTimeout,
				WriteTimeout:    cfg.Redis.WriteTimeout,
				MaxRetries:      cfg.Redis.MaxRetries,
				MinRetryBackoff: cfg.Redis.MinRetryBackoff,
				MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
			})
			locker = lock.NewRedisLocker(rdb, cfg.Lock.ValuePrefix, logger)
			idem = idempotency.NewRedisStore(rdb, logger)
			pgClose := closeFn
			closeFn = func() { _ = rdb.Close(); pgClose() }
		}
		if cfg.Cache.MaxKeys > 0 {
			cached, cerr := idempotency.NewCachingStore(idem, cfg.Cache.MaxKeys, logger)
			if cerr != nil {
				return nil, nil, fmt.Errorf("build idempotency cache: %w", cerr)
			}
			idem = cached
		}
		pgJobs := queue.NewPostgresQueue(pool.Pool(), logger)
		pgJobs.SetBackoff(queue.BackoffSchedule{Base: cfg.Job.BackoffBase, Max: cfg.Job.BackoffMax})
		jobs = pgJobs
		approvalStore = approval.NewPostgresStore(pool.Pool(), logger)
		busStore := bus.NewPostgresStore(pool.Pool(), logger)
		msgBus = bus.New(busStore, logger)
		auditStore := audit.NewPostgresStore(pool.Pool(), logger)
		sink = audit.NewFanoutSink(auditStore, audit.NewMetrics(), logger)

	default: // config.ProfileLite
		store = pipeline.NewMemoryStore()
		idem = idempotency.NewMemoryStore()
		locker = lock.NewMemoryLocker(cfg.Lock.ValuePrefix)
		memJobs := queue.NewMemoryQueue()
		memJobs.SetBackoff(queue.BackoffSchedule{Base: cfg.Job.BackoffBase, Max: cfg.Job.BackoffMax})
		jobs = memJobs
		approvalStore = approval.NewMemoryStore()
		msgBus = bus.New(bus.NewMemoryStore(), logger)
		sink = audit.NewFanoutSink(nil, audit.NewMetrics(), logger)
	}

	msgBus.RegisterTopic("approval.requested", domain.TopicPubSub, domain.RouteFanOut)

	// The runner is built last (it needs the executor), so wake calls from
	// the facade and the approval workflow go through this indirection.
	var runner *worker.Runner
	wakeWorker := func() {
		if runner != nil {
			runner.Wake()
		}
	}
	approvals := approval.New(approvalStore, busNotifier{b: msgBus}, approval.WithWake(wakeWorker))

	hub := httpapi.NewHub(logger)
	go hub.Start(context.Background())
	sink = httpapi.FanSink{Primary: sink, Hub: hub}

	strategies := map[domain.Strategy]strategy.Strategy{
		domain.StrategyDirect: strategy.Direct{Concurrency: 10},
		domain.StrategyRolling: strategy.Rolling{
			BatchSize:        cfg.Strategy.Rolling.BatchSize,
			HealthyThreshold: cfg.Strategy.Rolling.HealthyThreshold,
		},
		domain.StrategyBlueGreen: strategy.BlueGreen{
			Switcher:     registry,
			HoldDuration: time.Duration(cfg.Strategy.BlueGreen.HoldSeconds) * time.Second,
		},
		domain.StrategyCanary: strategy.Canary{
			Steps:              cfg.Strategy.Canary.Steps,
			StepObservation:    time.Duration(cfg.Strategy.Canary.ObservationSeconds) * time.Second,
			ErrorRateBudgetPct: cfg.Strategy.Canary.ErrorBudget * 100,
			SLIScope:           cfg.Strategy.Canary.SLIScope,
		},
	}

	settings := pipeline.DefaultSettings()
	settings.MinHealthyRatio = cfg.Pipeline.Preflight.MinHealthyRatio
	settings.Deadline = cfg.Pipeline.Execution.Deadline
	settings.ApprovalTTLFor = func(env domain.Environment) time.Duration {
		if ttl, ok := cfg.Approval.TTL[string(env)]; ok {
			return ttl
		}
		return 24 * time.Hour
	}

	executor := pipeline.NewExecutor(store, registry, client, verify.DigestVerifier{}, approvals, strategies,
		strategy.NewClientHealthOracle(client), settings, logger, pipeline.WithSink(sink))

	envPolicy := make(map[domain.Environment]orchestrator.EnvPolicy, len(cfg.Env))
	for name, p := range cfg.Env {
		envPolicy[domain.Environment(name)] = orchestrator.EnvPolicy{RequiresApproval: p.RequiresApproval, MaxConcurrent: p.MaxConcurrent}
	}

	orch := orchestrator.New(store, idem, locker, jobs, executor, logger,
		orchestrator.WithEnvPolicy(envPolicy),
		orchestrator.WithLockTimings(cfg.Lock.TTL, cfg.Lock.AcquireTimeout),
		orchestrator.WithIdempotencyTTL(cfg.Cache.DefaultTTL),
		orchestrator.WithJobMaxRetries(cfg.Job.MaxRetries),
		orchestrator.WithSink(sink),
		orchestrator.WithWake(wakeWorker),
	)

	workerSettings := worker.Settings{
		ID:            fmt.Sprintf("%s-%d", cfg.App.Name, os.Getpid()),
		Concurrency:   cfg.App.MaxWorkers,
		PollInterval:  cfg.Job.PollInterval,
		LeaseDuration: cfg.Job.LeaseDuration,
	}
	runner = worker.New(jobs, executor, store, workerSettings, logger)

	return &deps{
		store:        store,
		jobs:         jobs,
		bus:          msgBus,
		executor:     executor,
		orchestrator: orch,
		approvals:    approvals,
		runner:       runner,
		hub:          hub,
	}, closeFn, nil
}
