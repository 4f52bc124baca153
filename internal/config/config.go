package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the complete engine configuration.
type Config struct {
	Server       ServerConfig     `yaml:"server"`
	Engine       EngineConfig     `yaml:"engine"`
	Safety       SafetyConfig     `yaml:"safety"`
	Storage      StorageConfig    `yaml:"storage"`
	Capabilities CapabilityConfig `yaml:"capabilities"`
	Cache        CacheConfig      `yaml:"cache"`
	Logging      LoggingConfig    `yaml:"logging"`
	Telemetry    TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	CORSOrigins     []string `yaml:"cors_origins,omitempty"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
	ShutdownGrace   string   `yaml:"shutdown_grace"`
}

// EngineConfig holds planner/executor tunables.
type EngineConfig struct {
	MaxTaskConcurrency int   `yaml:"max_task_concurrency"`
	MaxStepFanout      int   `yaml:"max_step_fanout"`
	ApprovalTimeoutMS  int64 `yaml:"approval_timeout_ms"`
	CheckpointMaxBytes int   `yaml:"checkpoint_max_bytes"`
	DefaultStepTimeout int64 `yaml:"default_step_timeout_ms"`
	DefaultMaxRetries  int   `yaml:"default_max_retries"`
}

// SafetyConfig holds the policy engine settings.
type SafetyConfig struct {
	ProtectedEnvironments []string `yaml:"protected_environments"`
	CostLimitUSD          float64  `yaml:"cost_limit_usd"`
	QuotaMaxSteps         int      `yaml:"quota_max_steps"`
	ConfirmDestructive    bool     `yaml:"confirm_destructive"`
}

// StorageConfig holds the embedded database settings.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// CapabilityConfig holds settings for the tool-service RPC clients.
type CapabilityConfig struct {
	StateServiceURL string            `yaml:"state_service_url"`
	ServiceToken    string            `yaml:"service_token"`
	JWTSecret       string            `yaml:"jwt_secret,omitempty"`
	Services        map[string]string `yaml:"services"`
	RateLimitPerMin int               `yaml:"rate_limit_per_min"`
	RateBurst       int               `yaml:"rate_burst"`
	RequestTimeout  string            `yaml:"request_timeout"`
}

// CacheConfig holds the optional report cache settings.
type CacheConfig struct {
	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db"`
	TTL           string `yaml:"ttl"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	Exporter     string  `yaml:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint,omitempty"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3001,
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 60,
			ShutdownGrace:   "10s",
		},
		Engine: EngineConfig{
			MaxTaskConcurrency: 16,
			MaxStepFanout:      4,
			ApprovalTimeoutMS:  24 * time.Hour.Milliseconds(),
			CheckpointMaxBytes: 1 << 20,
			DefaultStepTimeout: 5 * time.Minute.Milliseconds(),
			DefaultMaxRetries:  3,
		},
		Safety: SafetyConfig{
			ProtectedEnvironments: []string{"prod", "production"},
			CostLimitUSD:          1000,
			QuotaMaxSteps:         100,
			// Off by default: protected environments already gate on
			// approval, and routine staging deploys must not suspend.
			ConfirmDestructive: false,
		},
		Storage: StorageConfig{
			Driver: "sqlite3",
			Path:   "nimbus.db",
		},
		Capabilities: CapabilityConfig{
			Services:        map[string]string{},
			RateLimitPerMin: 60,
			RateBurst:       60,
			RequestTimeout:  "60s",
		},
		Cache: CacheConfig{
			TTL: "15m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "nimbus-engine",
			Exporter:    "stdout",
			SampleRate:  1.0,
		},
	}
}

// ApprovalTimeout returns the approval gate timeout as a duration.
func (c *EngineConfig) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutMS) * time.Millisecond
}

// StepTimeout returns the default step timeout as a duration.
func (c *EngineConfig) StepTimeout() time.Duration {
	return time.Duration(c.DefaultStepTimeout) * time.Millisecond
}

// ParsedTTL returns the cache TTL, falling back to 15 minutes.
func (c *CacheConfig) ParsedTTL() time.Duration {
	d, err := time.ParseDuration(c.TTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// ParsedRequestTimeout returns the capability request timeout, falling
// back to 60 seconds.
func (c *CapabilityConfig) ParsedRequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// ParsedShutdownGrace returns the shutdown grace period, falling back
// to 10 seconds.
func (c *ServerConfig) ParsedShutdownGrace() time.Duration {
	d, err := time.ParseDuration(c.ShutdownGrace)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// applyDefaults fills missing fields from the built-in defaults.
func applyDefaults(config *Config) {
	defaults := Default()

	if config.Server.Port == 0 {
		config.Server.Port = defaults.Server.Port
	}
	if config.Server.ReadTimeoutSec == 0 {
		config.Server.ReadTimeoutSec = defaults.Server.ReadTimeoutSec
	}
	if config.Server.WriteTimeoutSec == 0 {
		config.Server.WriteTimeoutSec = defaults.Server.WriteTimeoutSec
	}
	if config.Server.ShutdownGrace == "" {
		config.Server.ShutdownGrace = defaults.Server.ShutdownGrace
	}
	if config.Engine.MaxTaskConcurrency == 0 {
		config.Engine.MaxTaskConcurrency = defaults.Engine.MaxTaskConcurrency
	}
	if config.Engine.MaxStepFanout == 0 {
		config.Engine.MaxStepFanout = defaults.Engine.MaxStepFanout
	}
	if config.Engine.ApprovalTimeoutMS == 0 {
		config.Engine.ApprovalTimeoutMS = defaults.Engine.ApprovalTimeoutMS
	}
	if config.Engine.CheckpointMaxBytes == 0 {
		config.Engine.CheckpointMaxBytes = defaults.Engine.CheckpointMaxBytes
	}
	if config.Engine.DefaultStepTimeout == 0 {
		config.Engine.DefaultStepTimeout = defaults.Engine.DefaultStepTimeout
	}
	if config.Engine.DefaultMaxRetries == 0 {
		config.Engine.DefaultMaxRetries = defaults.Engine.DefaultMaxRetries
	}
	if len(config.Safety.ProtectedEnvironments) == 0 {
		config.Safety.ProtectedEnvironments = defaults.Safety.ProtectedEnvironments
	}
	if config.Safety.QuotaMaxSteps == 0 {
		config.Safety.QuotaMaxSteps = defaults.Safety.QuotaMaxSteps
	}
	if config.Safety.CostLimitUSD == 0 {
		config.Safety.CostLimitUSD = defaults.Safety.CostLimitUSD
	}
	if config.Storage.Driver == "" {
		config.Storage.Driver = defaults.Storage.Driver
	}
	if config.Storage.Path == "" {
		config.Storage.Path = defaults.Storage.Path
	}
	if config.Capabilities.Services == nil {
		config.Capabilities.Services = map[string]string{}
	}
	if config.Capabilities.RateLimitPerMin == 0 {
		config.Capabilities.RateLimitPerMin = defaults.Capabilities.RateLimitPerMin
	}
	if config.Capabilities.RateBurst == 0 {
		config.Capabilities.RateBurst = config.Capabilities.RateLimitPerMin
	}
	if config.Capabilities.RequestTimeout == "" {
		config.Capabilities.RequestTimeout = defaults.Capabilities.RequestTimeout
	}
	if config.Cache.TTL == "" {
		config.Cache.TTL = defaults.Cache.TTL
	}
	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Logging.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = defaults.Logging.Format
	}
	if config.Logging.Output == "" {
		config.Logging.Output = defaults.Logging.Output
	}
	if config.Telemetry.ServiceName == "" {
		config.Telemetry.ServiceName = defaults.Telemetry.ServiceName
	}
	if config.Telemetry.Exporter == "" {
		config.Telemetry.Exporter = defaults.Telemetry.Exporter
	}
	if config.Telemetry.SampleRate == 0 {
		config.Telemetry.SampleRate = defaults.Telemetry.SampleRate
	}
}

// applyEnvironmentOverrides applies environment variable overrides.
func applyEnvironmentOverrides(config *Config) {
	if port := os.Getenv("CORE_ENGINE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if url := os.Getenv("STATE_SERVICE_URL"); url != "" {
		config.Capabilities.StateServiceURL = url
	}
	if token := os.Getenv("INTERNAL_SERVICE_TOKEN"); token != "" {
		config.Capabilities.ServiceToken = token
	}
	if secret := os.Getenv("NIMBUS_JWT_SECRET"); secret != "" {
		config.Capabilities.JWTSecret = secret
	}
	if v := os.Getenv("MAX_TASK_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Engine.MaxTaskConcurrency = n
		}
	}
	if v := os.Getenv("MAX_STEP_FANOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Engine.MaxStepFanout = n
		}
	}
	if v := os.Getenv("APPROVAL_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Engine.ApprovalTimeoutMS = n
		}
	}
	if v := os.Getenv("CHECKPOINT_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Engine.CheckpointMaxBytes = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_REQ_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Capabilities.RateLimitPerMin = n
		}
	}
	if level := os.Getenv("NIMBUS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if path := os.Getenv("NIMBUS_DB_PATH"); path != "" {
		config.Storage.Path = path
	}
	if driver := os.Getenv("NIMBUS_DB_DRIVER"); driver != "" {
		config.Storage.Driver = driver
	}
	if addr := os.Getenv("NIMBUS_REDIS_ADDR"); addr != "" {
		config.Cache.RedisAddr = addr
	}
	if endpoint := os.Getenv("NIMBUS_OTLP_ENDPOINT"); endpoint != "" {
		config.Telemetry.OTLPEndpoint = endpoint
		config.Telemetry.Enabled = true
		config.Telemetry.Exporter = "otlp"
	}
}

// validate rejects configurations the engine cannot run with.
func validate(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", config.Server.Port)
	}
	if config.Engine.MaxTaskConcurrency < 1 {
		return fmt.Errorf("engine.max_task_concurrency must be at least 1")
	}
	if config.Engine.MaxStepFanout < 1 {
		return fmt.Errorf("engine.max_step_fanout must be at least 1")
	}
	if config.Engine.MaxStepFanout > config.Engine.MaxTaskConcurrency {
		return fmt.Errorf("engine.max_step_fanout (%d) may not exceed engine.max_task_concurrency (%d)",
			config.Engine.MaxStepFanout, config.Engine.MaxTaskConcurrency)
	}
	if config.Engine.CheckpointMaxBytes < 1024 {
		return fmt.Errorf("engine.checkpoint_max_bytes must be at least 1024")
	}
	switch config.Storage.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("storage.driver must be sqlite3 or sqlite, got %q", config.Storage.Driver)
	}
	if config.Capabilities.RateLimitPerMin < 1 {
		return fmt.Errorf("capabilities.rate_limit_per_min must be at least 1")
	}
	if _, err := time.ParseDuration(config.Capabilities.RequestTimeout); err != nil {
		return fmt.Errorf("invalid capabilities.request_timeout: %v", err)
	}
	if _, err := time.ParseDuration(config.Cache.TTL); err != nil {
		return fmt.Errorf("invalid cache.ttl: %v", err)
	}
	switch config.Telemetry.Exporter {
	case "stdout", "otlp", "none":
	default:
		return fmt.Errorf("telemetry.exporter must be stdout, otlp or none, got %q", config.Telemetry.Exporter)
	}
	return nil
}
