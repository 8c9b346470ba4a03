package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kubedeploy/orchestrator/internal/cluster"
)

// Config is the application configuration, loaded from YAML + environment
// overrides via viper.
type Config struct {
	// Profile selects the persistence backend: "lite" (single process;
	// cmd/orchestratord wires in-memory stores for it) or "standard"
	// (Postgres, HA).
	Profile DeploymentProfile `mapstructure:"profile"`

	Storage    StorageConfig    `mapstructure:"storage"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Lock       LockConfig       `mapstructure:"lock"`
	App        AppConfig        `mapstructure:"app"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Job        JobConfig        `mapstructure:"job"`
	Env        map[string]EnvPolicy `mapstructure:"env"`

	// Nodes is the Cluster Registry's declarative node list. There is no
	// sane default, so an empty list is left to the caller to treat as a
	// configuration error outside of tests.
	Nodes []cluster.NodeSpec `mapstructure:"nodes"`
}

// DeploymentProfile is the persistence backend profile.
type DeploymentProfile string

const (
	ProfileLite     DeploymentProfile = "lite"
	ProfileStandard DeploymentProfile = "standard"
)

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend        StorageBackend `mapstructure:"backend"`
	FilesystemPath string         `mapstructure:"filesystem_path"`
}

// StorageBackend is the concrete storage implementation.
type StorageBackend string

const (
	StorageBackendSQLite   StorageBackend = "sqlite"
	StorageBackendPostgres StorageBackend = "postgres"
)

// ServerConfig holds the thin admin/ops HTTP surface configuration
// (cmd/orchestratord's websocket + command-intake handler).
type ServerConfig struct {
	Port                    int           `mapstructure:"port"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// DatabaseConfig holds Postgres connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	URL             string        `mapstructure:"url"`
}

// RedisConfig holds the optional Redis backend for the distributed lock
// and idempotency cache.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// CacheConfig holds the idempotency read-through cache configuration.
type CacheConfig struct {
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	MaxTTL          time.Duration `mapstructure:"max_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxKeys         int           `mapstructure:"max_keys"`
	EnableMetrics   bool          `mapstructure:"enable_metrics"`
}

// LockConfig holds the Distributed Lock lifecycle parameters.
type LockConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	RenewInterval  time.Duration `mapstructure:"renew_interval"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	ReleaseTimeout time.Duration `mapstructure:"release_timeout"`
	ValuePrefix    string        `mapstructure:"value_prefix"`
	Backend        string        `mapstructure:"backend"` // "postgres", "redis", "memory"
}

// AppConfig holds application-wide settings.
type AppConfig struct {
	Name          string        `mapstructure:"name"`
	Version       string        `mapstructure:"version"`
	Environment   string        `mapstructure:"environment"`
	Debug         bool          `mapstructure:"debug"`
	Timezone      string        `mapstructure:"timezone"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// StrategyConfig holds the Deployment Strategies parameters.
type StrategyConfig struct {
	Default   string          `mapstructure:"default"`
	Rolling   RollingConfig   `mapstructure:"rolling"`
	Canary    CanaryConfig    `mapstructure:"canary"`
	BlueGreen BlueGreenConfig `mapstructure:"bluegreen"`
}

// RollingConfig holds the Rolling strategy's batching parameters.
type RollingConfig struct {
	BatchSize       int     `mapstructure:"batch_size"`
	HealthyThreshold float64 `mapstructure:"healthy_threshold"`
}

// CanaryConfig holds the Canary strategy's step-ladder parameters.
type CanaryConfig struct {
	Steps              []int         `mapstructure:"steps"`
	ObservationSeconds int           `mapstructure:"observation_seconds"`
	ErrorBudget        float64       `mapstructure:"error_budget"`
	SLIScope           string        `mapstructure:"sli_scope"` // "cluster" or "per-node"
	ObservationWindow  time.Duration `mapstructure:"-"`
}

// BlueGreenConfig holds the Blue/Green strategy's hold-window parameter.
type BlueGreenConfig struct {
	HoldSeconds int `mapstructure:"hold_seconds"`
}

// ApprovalConfig holds the Approval Workflow's per-environment timeouts
// and the expiry sweeper's cadence.
type ApprovalConfig struct {
	TTL             map[string]time.Duration `mapstructure:"ttl"`
	SweeperInterval time.Duration            `mapstructure:"sweeper_interval"`
}

// PipelineConfig holds the Pipeline Executor's global parameters.
type PipelineConfig struct {
	Preflight PreflightConfig `mapstructure:"preflight"`
	Execution ExecutionConfig `mapstructure:"execution"`
}

// PreflightConfig holds the health-preflight stage's threshold.
type PreflightConfig struct {
	MinHealthyRatio float64 `mapstructure:"min_healthy_ratio"`
}

// ExecutionConfig holds the overall pipeline deadline.
type ExecutionConfig struct {
	Deadline time.Duration `mapstructure:"deadline"`
}

// JobConfig holds the Durable Job Queue's retry policy.
type JobConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// EnvPolicy holds the per-environment approval gate and concurrency cap.
type EnvPolicy struct {
	RequiresApproval bool `mapstructure:"requires_approval"`
	MaxConcurrent    int  `mapstructure:"max_concurrent"`
}

// LoadConfig loads configuration from a YAML file plus environment
// variable overrides.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromEnv loads configuration from environment variables only,
// useful for tests and container entrypoints with no mounted config file.
func LoadConfigFromEnv() (*Config, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("profile", "standard")
	viper.SetDefault("storage.backend", "postgres")
	viper.SetDefault("storage.filesystem_path", "/data/orchestrator.db")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown_timeout", "30s")

	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "orchestrator")
	viper.SetDefault("database.username", "dev")
	viper.SetDefault("database.password", "dev")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.min_connections", 5)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "30m")
	viper.SetDefault("database.connect_timeout", "10s")
	viper.SetDefault("database.query_timeout", "30s")

	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.min_retry_backoff", "100ms")
	viper.SetDefault("redis.max_retry_backoff", "500ms")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.filename", "")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("cache.default_ttl", "1h")
	viper.SetDefault("cache.max_ttl", "24h")
	viper.SetDefault("cache.cleanup_interval", "10m")
	viper.SetDefault("cache.max_keys", 10000)
	viper.SetDefault("cache.enable_metrics", true)

	viper.SetDefault("lock.backend", "postgres")
	viper.SetDefault("lock.ttl", "30s")
	viper.SetDefault("lock.renew_interval", "10s")
	viper.SetDefault("lock.max_retries", 3)
	viper.SetDefault("lock.retry_interval", "100ms")
	viper.SetDefault("lock.acquire_timeout", "2s")
	viper.SetDefault("lock.release_timeout", "2s")
	viper.SetDefault("lock.value_prefix", "orchestrator-lock")

	viper.SetDefault("app.name", "orchestratord")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.timezone", "UTC")
	viper.SetDefault("app.max_workers", 10)
	viper.SetDefault("app.worker_timeout", "5m")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("strategy.default", "rolling")
	viper.SetDefault("strategy.rolling.batch_size", 0)
	viper.SetDefault("strategy.rolling.healthy_threshold", 1.0)
	viper.SetDefault("strategy.canary.steps", []int{10, 30, 50, 100})
	viper.SetDefault("strategy.canary.observation_seconds", 120)
	viper.SetDefault("strategy.canary.error_budget", 0.01)
	viper.SetDefault("strategy.canary.sli_scope", "cluster")
	viper.SetDefault("strategy.bluegreen.hold_seconds", 600)

	viper.SetDefault("approval.ttl.production", "48h")
	viper.SetDefault("approval.ttl.staging", "24h")
	viper.SetDefault("approval.ttl.qa", "24h")
	viper.SetDefault("approval.ttl.development", "24h")
	viper.SetDefault("approval.sweeper_interval", "5m")

	viper.SetDefault("pipeline.preflight.min_healthy_ratio", 0.8)
	viper.SetDefault("pipeline.execution.deadline", "4h")

	viper.SetDefault("job.max_retries", 5)
	viper.SetDefault("job.backoff_base", "5s")
	viper.SetDefault("job.backoff_max", "5m")
	viper.SetDefault("job.lease_duration", "30s")
	viper.SetDefault("job.poll_interval", "30s")
	viper.SetDefault("job.sweep_interval", "1m")

	viper.SetDefault("env.production.requires_approval", true)
	viper.SetDefault("env.production.max_concurrent", 1)
	viper.SetDefault("env.staging.requires_approval", false)
	viper.SetDefault("env.staging.max_concurrent", 2)
	viper.SetDefault("env.qa.requires_approval", false)
	viper.SetDefault("env.qa.max_concurrent", 4)
	viper.SetDefault("env.development.requires_approval", false)
	viper.SetDefault("env.development.max_concurrent", 8)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateProfile(); err != nil {
		return fmt.Errorf("profile validation failed: %w", err)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	if c.Profile == ProfileStandard {
		if c.Database.Driver == "" {
			return fmt.Errorf("database driver cannot be empty (required for standard profile)")
		}
		if c.Database.Host == "" {
			return fmt.Errorf("database host cannot be empty (required for standard profile)")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name cannot be empty (required for standard profile)")
		}
	}

	if c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}

	if c.App.Name == "" {
		return fmt.Errorf("app name cannot be empty")
	}

	if len(c.Strategy.Canary.Steps) == 0 {
		return fmt.Errorf("strategy.canary.steps cannot be empty")
	}
	for i, step := range c.Strategy.Canary.Steps {
		if step <= 0 || step > 100 {
			return fmt.Errorf("strategy.canary.steps[%d]=%d must be in (0,100]", i, step)
		}
	}
	if c.Strategy.Canary.Steps[len(c.Strategy.Canary.Steps)-1] != 100 {
		return fmt.Errorf("strategy.canary.steps must end at 100")
	}

	if c.Strategy.Rolling.BatchSize < 0 {
		return fmt.Errorf("strategy.rolling.batch_size must not be negative (0 means ceil(n/5))")
	}

	switch c.Lock.Backend {
	case "postgres", "redis", "memory":
	default:
		return fmt.Errorf("invalid lock.backend: %s (must be 'postgres', 'redis', or 'memory')", c.Lock.Backend)
	}

	return nil
}

func (c *Config) validateProfile() error {
	if c.Profile != ProfileLite && c.Profile != ProfileStandard {
		return fmt.Errorf("invalid deployment profile: %s (must be 'lite' or 'standard')", c.Profile)
	}

	if c.Storage.Backend != StorageBackendSQLite && c.Storage.Backend != StorageBackendPostgres {
		return fmt.Errorf("invalid storage backend: %s (must be 'sqlite' or 'postgres')", c.Storage.Backend)
	}

	switch c.Profile {
	case ProfileLite:
		if c.Storage.Backend != StorageBackendSQLite {
			return fmt.Errorf("lite profile requires storage.backend='sqlite' (got '%s')", c.Storage.Backend)
		}
		if c.Storage.FilesystemPath == "" {
			return fmt.Errorf("lite profile requires storage.filesystem_path")
		}
	case ProfileStandard:
		if c.Storage.Backend != StorageBackendPostgres {
			return fmt.Errorf("standard profile requires storage.backend='postgres' (got '%s')", c.Storage.Backend)
		}
	}

	return nil
}

// GetDatabaseURL constructs the Postgres connection URL from configuration.
func (c *Config) GetDatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf("%s://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Driver,
		c.Database.Username,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		sslMode,
	)
}

// IsDevelopment returns true if the application is running in development mode.
func (c *Config) IsDevelopment() bool { return c.App.Environment == "development" }

// IsProduction returns true if the application is running in production mode.
func (c *Config) IsProduction() bool { return c.App.Environment == "production" }

// IsDebug returns true if debug mode is enabled.
func (c *Config) IsDebug() bool { return c.App.Debug || c.IsDevelopment() }

// IsLiteProfile returns true if running in the Lite persistence profile.
func (c *Config) IsLiteProfile() bool { return c.Profile == ProfileLite }

// IsStandardProfile returns true if running in the Standard persistence profile.
func (c *Config) IsStandardProfile() bool { return c.Profile == ProfileStandard }

// RequiresPostgres returns true if Postgres is required for this profile.
func (c *Config) RequiresPostgres() bool { return c.Profile == ProfileStandard }

// EnvPolicyFor returns the approval/concurrency policy for a named
// environment, defaulting to requiring approval with a concurrency cap of 1
// when the environment has no explicit entry (fail-closed).
func (c *Config) EnvPolicyFor(name string) EnvPolicy {
	if p, ok := c.Env[name]; ok {
		return p
	}
	return EnvPolicy{RequiresApproval: true, MaxConcurrent: 1}
}

// ApprovalTTLFor returns the approval timeout for a named environment,
// defaulting to 1h when unset.
func (c *Config) ApprovalTTLFor(name string) time.Duration {
	if ttl, ok := c.Approval.TTL[name]; ok {
		return ttl
	}
	return time.Hour
}
