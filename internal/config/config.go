// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the root configuration for the marionette agent. It is
// populated from defaults, an optional YAML file, and MARIONETTE_*
// environment variables, in that order of precedence.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Device     DeviceConfig     `mapstructure:"device" yaml:"device"`
	Observer   ObserverConfig   `mapstructure:"observer" yaml:"observer"`
	Reasoner   ReasonerConfig   `mapstructure:"reasoner" yaml:"reasoner"`
	Planner    PlannerConfig    `mapstructure:"planner" yaml:"planner"`
	Worker     WorkerConfig     `mapstructure:"worker" yaml:"worker"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Episode    EpisodeConfig    `mapstructure:"episode" yaml:"episode"`
	Memory     MemoryConfig     `mapstructure:"memory" yaml:"memory"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts" yaml:"artifacts"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Tasks      TasksConfig      `mapstructure:"tasks" yaml:"tasks"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DeviceKind selects the transport used to reach the device under control.
type DeviceKind string

const (
	DeviceADB DeviceKind = "adb"
	DeviceCDP DeviceKind = "cdp"
)

// DeviceConfig holds connection and timing settings for the controlled
// device.
type DeviceConfig struct {
	Kind           DeviceKind    `mapstructure:"kind" yaml:"kind"`
	Serial         string        `mapstructure:"serial" yaml:"serial"`
	ADBPath        string        `mapstructure:"adb_path" yaml:"adb_path"`
	TargetURL      string        `mapstructure:"target_url" yaml:"target_url"`
	Headless       bool          `mapstructure:"headless" yaml:"headless"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ActionTimeout  time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	CaptureTimeout time.Duration `mapstructure:"capture_timeout" yaml:"capture_timeout"`
	SettleDelay    time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	LogcatPath     string        `mapstructure:"logcat_path" yaml:"logcat_path"`
}

// ObserverConfig tunes how raw device captures are normalized into
// screen summaries.
type ObserverConfig struct {
	MaxTexts         int      `mapstructure:"max_texts" yaml:"max_texts"`
	MaxElements      int      `mapstructure:"max_elements" yaml:"max_elements"`
	VolatilePatterns []string `mapstructure:"volatile_patterns" yaml:"volatile_patterns"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
	ProviderOllama LLMProvider = "ollama"
)

// LLMModelConfig defines the configuration for a single model endpoint.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// ReasonerConfig configures model routing for action generation and
// planning. Fast models handle per-step proposals; powerful models
// handle decomposition and replanning.
type ReasonerConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
	MaxRetries           int                       `mapstructure:"max_retries" yaml:"max_retries"`
	RateLimitRPS         float64                   `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst       int                       `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// PlannerConfig bounds goal decomposition.
type PlannerConfig struct {
	MaxSubtasks int `mapstructure:"max_subtasks" yaml:"max_subtasks"`
}

// WorkerConfig tunes the per-subtask execution loop.
type WorkerConfig struct {
	StepBudgetMultiplier int `mapstructure:"step_budget_multiplier" yaml:"step_budget_multiplier"`
	MinStepBudget        int `mapstructure:"min_step_budget" yaml:"min_step_budget"`
	MaxStepBudget        int `mapstructure:"max_step_budget" yaml:"max_step_budget"`
	StallWindow          int `mapstructure:"stall_window" yaml:"stall_window"`
	ReasonerRetries      int `mapstructure:"reasoner_retries" yaml:"reasoner_retries"`
	HistoryWindow        int `mapstructure:"history_window" yaml:"history_window"`
	RepeatedActionLimit  int `mapstructure:"repeated_action_limit" yaml:"repeated_action_limit"`
}

// SupervisorConfig tunes subtask outcome review.
type SupervisorConfig struct {
	MaxRetries    int `mapstructure:"max_retries" yaml:"max_retries"`
	FeedbackSteps int `mapstructure:"feedback_steps" yaml:"feedback_steps"`
}

// EpisodeConfig bounds a whole goal attempt.
type EpisodeConfig struct {
	WallClockBudget time.Duration `mapstructure:"wall_clock_budget" yaml:"wall_clock_budget"`
	MaxTotalSteps   int           `mapstructure:"max_total_steps" yaml:"max_total_steps"`
	MaxReplans      int           `mapstructure:"max_replans" yaml:"max_replans"`
}

// MemoryBackend selects the procedural memory store implementation.
type MemoryBackend string

const (
	BackendMemory   MemoryBackend = "memory"
	BackendSQLite   MemoryBackend = "sqlite"
	BackendRedis    MemoryBackend = "redis"
	BackendPostgres MemoryBackend = "postgres"
)

// MemoryConfig configures the procedural memory store.
type MemoryConfig struct {
	Enabled    bool           `mapstructure:"enabled" yaml:"enabled"`
	Backend    MemoryBackend  `mapstructure:"backend" yaml:"backend"`
	SQLitePath string         `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	Redis      RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Postgres   PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// RedisConfig holds connection details for the redis memory backend.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	Password  string        `mapstructure:"password" yaml:"-"`
	DB        int           `mapstructure:"db" yaml:"db"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// PostgresConfig holds connection details for the postgres memory backend.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"-"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN renders the postgres connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

// ArtifactsConfig controls persistence of episode transcripts.
type ArtifactsConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir      string `mapstructure:"dir" yaml:"dir"`
	Compress bool   `mapstructure:"compress" yaml:"compress"`
	KeepRaw  bool   `mapstructure:"keep_raw" yaml:"keep_raw"`
}

// ServerConfig holds settings for the episode service HTTP listener.
type ServerConfig struct {
	Addr                  string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxConcurrentEpisodes int           `mapstructure:"max_concurrent_episodes" yaml:"max_concurrent_episodes"`
}

// TasksConfig points at the optional goal catalog.
type TasksConfig struct {
	CatalogPath string `mapstructure:"catalog_path" yaml:"catalog_path"`
}

// NewDefaultConfig creates a new configuration struct populated with
// default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration
// parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "marionette")
	v.SetDefault("logger.log_file", "marionette.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Device --
	v.SetDefault("device.kind", "adb")
	v.SetDefault("device.adb_path", "adb")
	v.SetDefault("device.headless", true)
	v.SetDefault("device.connect_timeout", "30s")
	v.SetDefault("device.action_timeout", "15s")
	v.SetDefault("device.capture_timeout", "20s")
	v.SetDefault("device.settle_delay", "2s")

	// -- Observer --
	v.SetDefault("observer.max_texts", 40)
	v.SetDefault("observer.max_elements", 120)
	v.SetDefault("observer.volatile_patterns", []string{
		`\b\d{1,2}:\d{2}(:\d{2})?\s*(AM|PM|am|pm)?\b`,
		`\b\d{1,3}\s*%`,
	})

	// -- Reasoner --
	v.SetDefault("reasoner.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("reasoner.default_powerful_model", "gemini-2.5-pro")
	v.SetDefault("reasoner.max_retries", 3)
	v.SetDefault("reasoner.rate_limit_rps", 1.0)
	v.SetDefault("reasoner.rate_limit_burst", 2)

	// -- Planner --
	v.SetDefault("planner.max_subtasks", 8)

	// -- Worker --
	v.SetDefault("worker.step_budget_multiplier", 10)
	v.SetDefault("worker.min_step_budget", 6)
	v.SetDefault("worker.max_step_budget", 40)
	v.SetDefault("worker.stall_window", 3)
	v.SetDefault("worker.reasoner_retries", 2)
	v.SetDefault("worker.history_window", 5)
	v.SetDefault("worker.repeated_action_limit", 3)

	// -- Supervisor --
	v.SetDefault("supervisor.max_retries", 2)
	v.SetDefault("supervisor.feedback_steps", 3)

	// -- Episode --
	v.SetDefault("episode.wall_clock_budget", "10m")
	v.SetDefault("episode.max_total_steps", 120)
	v.SetDefault("episode.max_replans", 3)

	// -- Memory --
	v.SetDefault("memory.enabled", true)
	v.SetDefault("memory.backend", "sqlite")
	v.SetDefault("memory.sqlite_path", "~/.marionette/memory.db")
	v.SetDefault("memory.redis.addr", "localhost:6379")
	v.SetDefault("memory.redis.db", 0)
	v.SetDefault("memory.redis.key_prefix", "marionette:memory:")
	v.SetDefault("memory.redis.ttl", "720h")
	v.SetDefault("memory.postgres.host", "localhost")
	v.SetDefault("memory.postgres.port", 5432)
	v.SetDefault("memory.postgres.user", "postgres")
	v.SetDefault("memory.postgres.password", "") // Should be set via env var
	v.SetDefault("memory.postgres.dbname", "marionette")
	v.SetDefault("memory.postgres.sslmode", "disable")

	// -- Artifacts --
	v.SetDefault("artifacts.enabled", true)
	v.SetDefault("artifacts.dir", "~/.marionette/episodes")
	v.SetDefault("artifacts.compress", true)
	v.SetDefault("artifacts.keep_raw", false)

	// -- Server --
	v.SetDefault("server.addr", ":8321")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_concurrent_episodes", 2)
}

// NewConfigFromViper creates a new configuration instance from a viper
// object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("memory.redis.password", "MARIONETTE_REDIS_PASSWORD")
	v.BindEnv("memory.postgres.password", "MARIONETTE_PG_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Model API keys are never read from files; fill them from the
	// environment if the file left them blank.
	if key := os.Getenv("MARIONETTE_API_KEY"); key != "" {
		for name, mc := range cfg.Reasoner.Models {
			if mc.APIKey == "" {
				mc.APIKey = key
				cfg.Reasoner.Models[name] = mc
			}
		}
	}

	if err := cfg.ExpandPaths(); err != nil {
		return nil, fmt.Errorf("error expanding config paths: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves ~ prefixes in all file path settings.
func (c *Config) ExpandPaths() error {
	paths := []*string{
		&c.Logger.LogFile,
		&c.Memory.SQLitePath,
		&c.Artifacts.Dir,
		&c.Tasks.CatalogPath,
		&c.Device.LogcatPath,
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logger.level must be one of debug, info, warn, error")
	}
	if c.Device.Kind != DeviceADB && c.Device.Kind != DeviceCDP {
		return fmt.Errorf("device.kind must be %q or %q", DeviceADB, DeviceCDP)
	}
	if c.Device.SettleDelay < 0 {
		return fmt.Errorf("device.settle_delay must not be negative")
	}
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker configuration invalid: %w", err)
	}
	if err := c.Episode.Validate(); err != nil {
		return fmt.Errorf("episode configuration invalid: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory configuration invalid: %w", err)
	}
	if c.Supervisor.MaxRetries < 0 {
		return fmt.Errorf("supervisor.max_retries must not be negative")
	}
	if c.Planner.MaxSubtasks <= 0 {
		return fmt.Errorf("planner.max_subtasks must be a positive integer")
	}
	if c.Reasoner.MaxRetries < 0 {
		return fmt.Errorf("reasoner.max_retries must not be negative")
	}
	if c.Server.MaxConcurrentEpisodes <= 0 {
		return fmt.Errorf("server.max_concurrent_episodes must be a positive integer")
	}
	return nil
}

// Validate checks the worker loop settings.
func (w *WorkerConfig) Validate() error {
	if w.StepBudgetMultiplier <= 0 {
		return fmt.Errorf("step_budget_multiplier must be a positive integer")
	}
	if w.MinStepBudget <= 0 || w.MaxStepBudget < w.MinStepBudget {
		return fmt.Errorf("step budget bounds must satisfy 0 < min <= max")
	}
	if w.StallWindow <= 0 {
		return fmt.Errorf("stall_window must be a positive integer")
	}
	if w.ReasonerRetries < 0 {
		return fmt.Errorf("reasoner_retries must not be negative")
	}
	if w.RepeatedActionLimit < 2 {
		return fmt.Errorf("repeated_action_limit must be at least 2")
	}
	return nil
}

// Validate checks the episode budget settings.
func (e *EpisodeConfig) Validate() error {
	if e.WallClockBudget <= 0 {
		return fmt.Errorf("wall_clock_budget must be a positive duration")
	}
	if e.MaxTotalSteps <= 0 {
		return fmt.Errorf("max_total_steps must be a positive integer")
	}
	if e.MaxReplans < 0 {
		return fmt.Errorf("max_replans must not be negative")
	}
	return nil
}

// Validate checks the memory store settings.
func (m *MemoryConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	switch m.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	case BackendSQLite:
		if m.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", m.Backend)
	}
	return nil
}
