package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/forkline/ops-cli/internal/ratelimit"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Batch        BatchConfig        `yaml:"batch" mapstructure:"batch"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" mapstructure:"rate_limit"`
	Webscrape    WebscrapeConfig    `yaml:"webscrape" mapstructure:"webscrape"`
	Automation   AutomationConfig   `yaml:"automation" mapstructure:"automation"`
	Creative     CreativeConfig     `yaml:"creative" mapstructure:"creative"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the dashboard-facing HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// OrchestratorConfig configures step execution defaults.
type OrchestratorConfig struct {
	// AutoAdvance triggers the next step as soon as one completes.
	AutoAdvance bool `yaml:"auto_advance" mapstructure:"auto_advance"`
	// MaxAttempts bounds external-call attempts per step.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	// BaseDelay scales retry backoff: attempt n waits base_delay * n.
	BaseDelay time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	// SchedulerWorkers is the size of the deferred-continuation worker pool.
	SchedulerWorkers int `yaml:"scheduler_workers" mapstructure:"scheduler_workers"`
	// SchedulerQueueSize is the deferred-continuation queue capacity.
	SchedulerQueueSize int `yaml:"scheduler_queue_size" mapstructure:"scheduler_queue_size"`
}

// BatchConfig configures batch fan-out.
type BatchConfig struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
}

// RateLimitConfig configures per-resource limits for external calls.
type RateLimitConfig struct {
	Defaults  ratelimit.Config            `yaml:"defaults" mapstructure:"defaults"`
	Resources map[string]ratelimit.Config `yaml:"resources" mapstructure:"resources"`
}

// WebscrapeConfig holds the extraction service settings.
type WebscrapeConfig struct {
	Key             string        `yaml:"key" mapstructure:"key"`
	BaseURL         string        `yaml:"base_url" mapstructure:"base_url"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	PollTimeout     time.Duration `yaml:"poll_timeout" mapstructure:"poll_timeout"`
	MaxLeadsPerCall int           `yaml:"max_leads_per_call" mapstructure:"max_leads_per_call"`
}

// AutomationConfig holds the browser-automation service settings.
type AutomationConfig struct {
	Key          string        `yaml:"key" mapstructure:"key"`
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout" mapstructure:"poll_timeout"`
}

// CreativeConfig holds the generative asset service settings.
type CreativeConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("orchestrator.auto_advance", true)
	v.SetDefault("orchestrator.max_attempts", 3)
	v.SetDefault("orchestrator.base_delay", "2s")
	v.SetDefault("orchestrator.scheduler_workers", 8)
	v.SetDefault("orchestrator.scheduler_queue_size", 256)
	v.SetDefault("batch.max_concurrent_jobs", 5)
	v.SetDefault("rate_limit.defaults.concurrency", 4)
	v.SetDefault("rate_limit.defaults.acquire_timeout", "30s")
	v.SetDefault("webscrape.base_url", "https://api.extractor.forkline.dev/v1")
	v.SetDefault("webscrape.poll_interval", "2s")
	v.SetDefault("webscrape.poll_timeout", "120s")
	v.SetDefault("webscrape.max_leads_per_call", 50)
	v.SetDefault("automation.base_url", "https://automation.forkline.dev/v1")
	v.SetDefault("automation.poll_interval", "5s")
	v.SetDefault("automation.poll_timeout", "300s")
	v.SetDefault("creative.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("creative.max_tokens", 2048)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
