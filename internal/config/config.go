package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store           StoreConfig           `yaml:"store" mapstructure:"store"`
	SearchProvider  SearchProviderConfig  `yaml:"search_provider" mapstructure:"search_provider"`
	CompanyProvider CompanyProviderConfig `yaml:"company_provider" mapstructure:"company_provider"`
	VideoProvider   VideoProviderConfig   `yaml:"video_provider" mapstructure:"video_provider"`
	AIProvider      AIProviderConfig      `yaml:"ai_provider" mapstructure:"ai_provider"`
	Scrape          ScrapeConfig          `yaml:"scrape" mapstructure:"scrape"`
	Circuit         CircuitConfig         `yaml:"circuit" mapstructure:"circuit"`
	Retry           RetryTuningConfig     `yaml:"retry" mapstructure:"retry"`
	Pipeline        PipelineConfig        `yaml:"pipeline" mapstructure:"pipeline"`
	Scheduler       SchedulerConfig       `yaml:"scheduler" mapstructure:"scheduler"`
	Server          ServerConfig          `yaml:"server" mapstructure:"server"`
	Log             LogConfig             `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SearchProviderConfig configures the batch SERP search provider used by
// the SERP Batch Collector.
type SearchProviderConfig struct {
	APIKey          string        `yaml:"api_key" mapstructure:"api_key"`
	BaseURL         string        `yaml:"base_url" mapstructure:"base_url"`
	WebhookSecret   string        `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	MaxChunkSize    int           `yaml:"max_chunk_size" mapstructure:"max_chunk_size"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	PollTimeout     time.Duration `yaml:"poll_timeout" mapstructure:"poll_timeout"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min" mapstructure:"rate_limit_per_min"`
}

// CompanyProviderConfig configures the company-resolution and
// classification provider used by company enrichment.
type CompanyProviderConfig struct {
	APIKey              string  `yaml:"api_key" mapstructure:"api_key"`
	BaseURL             string  `yaml:"base_url" mapstructure:"base_url"`
	CacheTTLHours       int     `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	MinClassConfidence  float64 `yaml:"min_class_confidence" mapstructure:"min_class_confidence"`
	RateLimitPerMin     int     `yaml:"rate_limit_per_min" mapstructure:"rate_limit_per_min"`
}

// VideoProviderConfig configures the video-platform data API used by
// video and channel enrichment.
type VideoProviderConfig struct {
	APIKey           string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	DailyQuotaUnits  int    `yaml:"daily_quota_units" mapstructure:"daily_quota_units"`
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// AIProviderConfig configures the LLM used for content analysis, company
// classification fallback, and channel-to-company resolution.
type AIProviderConfig struct {
	APIKey              string `yaml:"api_key" mapstructure:"api_key"`
	Model               string `yaml:"model" mapstructure:"model"`
	BatchModel          string `yaml:"batch_model" mapstructure:"batch_model"`
	MaxBatchSize        int    `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	SmallBatchThreshold int    `yaml:"small_batch_threshold" mapstructure:"small_batch_threshold"`
}

// ScrapeConfig configures the content scraper.
type ScrapeConfig struct {
	Concurrency      int      `yaml:"concurrency" mapstructure:"concurrency"`
	TimeoutSecs      int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent        string   `yaml:"user_agent" mapstructure:"user_agent"`
	ProtectedDomains []string `yaml:"protected_domains" mapstructure:"protected_domains"`
	HeadlessURL      string   `yaml:"headless_url" mapstructure:"headless_url"`

	// JinaAPIKey and FirecrawlAPIKey configure the Jina Reader and Firecrawl
	// legs of the scraper chain (see internal/scrape). Every URL is tried on
	// Jina first, then Firecrawl, then the local HTTP scraper; the chain has
	// no separate headless path for protected domains.
	JinaAPIKey      string `yaml:"jina_api_key" mapstructure:"jina_api_key"`
	FirecrawlAPIKey string `yaml:"firecrawl_api_key" mapstructure:"firecrawl_api_key"`
}

// CircuitConfig tunes the circuit breaker applied to every outbound
// provider. All services share these values; there is no per-service
// override.
type CircuitConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold  int           `yaml:"success_threshold" mapstructure:"success_threshold"`
	ResetTimeout      time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
	HalfOpenMaxProbes int           `yaml:"half_open_max_probes" mapstructure:"half_open_max_probes"`
}

// RetryTuningConfig holds generic retry settings. They are loaded and
// defaulted, but no component reads them.
type RetryTuningConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction float64       `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// PipelineConfig configures phase execution and concurrency limits.
type PipelineConfig struct {
	SerpConcurrency        int     `yaml:"serp_concurrency" mapstructure:"serp_concurrency"`
	CompanyConcurrency     int     `yaml:"company_concurrency" mapstructure:"company_concurrency"`
	ScrapingConcurrency    int     `yaml:"scraping_concurrency" mapstructure:"scraping_concurrency"`
	AnalysisConcurrency    int     `yaml:"analysis_concurrency" mapstructure:"analysis_concurrency"`
	VideoConcurrency       int     `yaml:"video_concurrency" mapstructure:"video_concurrency"`
	Analysis               AnalysisConfig `yaml:"analysis" mapstructure:"analysis"`
	YoutubeMinSuccessRatio float64 `yaml:"youtube_min_success_ratio" mapstructure:"youtube_min_success_ratio"`
}

// AnalysisConfig configures the flexible-completion thresholds the
// concurrent analyzer waits on (see SPEC_FULL.md Open Question 2).
type AnalysisConfig struct {
	FlexibleCompletionRatio  float64       `yaml:"flexible_completion_ratio" mapstructure:"flexible_completion_ratio"`
	FlexibleCompletionWindow time.Duration `yaml:"flexible_completion_window" mapstructure:"flexible_completion_window"`
	HardCeiling              time.Duration `yaml:"hard_ceiling" mapstructure:"hard_ceiling"`
	MinRelevantWords         int           `yaml:"min_relevant_words" mapstructure:"min_relevant_words"`
}

// SchedulerConfig configures the cron-driven run scheduler.
type SchedulerConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Spec    string `yaml:"spec" mapstructure:"spec"`
}

// ServerConfig configures the run-control HTTP/websocket API.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks required configuration fields based on run mode.
// Supported modes: "pipeline", "serve", "scheduled".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "pipeline", "scheduled":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
		if c.SearchProvider.APIKey == "" {
			errs = append(errs, "search_provider.api_key is required")
		}
		if c.AIProvider.APIKey == "" {
			errs = append(errs, "ai_provider.api_key is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Pipeline.Analysis.FlexibleCompletionRatio < 0 || c.Pipeline.Analysis.FlexibleCompletionRatio > 1 {
		errs = append(errs, "pipeline.analysis.flexible_completion_ratio must be between 0.0 and 1.0")
	}
	if c.Pipeline.YoutubeMinSuccessRatio < 0 || c.Pipeline.YoutubeMinSuccessRatio > 1 {
		errs = append(errs, "pipeline.youtube_min_success_ratio must be between 0.0 and 1.0")
	}
	if c.Scrape.Concurrency < 1 {
		errs = append(errs, "scrape.concurrency must be >= 1")
	}

	if len(errs) > 0 {
		return eris.New(fmt.Sprintf("config: validation failed: %s", strings.Join(errs, "; ")))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)

	v.SetDefault("search_provider.max_chunk_size", 1000)
	v.SetDefault("search_provider.poll_interval", 15*time.Second)
	v.SetDefault("search_provider.poll_timeout", 30*time.Minute)
	v.SetDefault("search_provider.rate_limit_per_min", 1000)

	v.SetDefault("company_provider.cache_ttl_hours", 168)
	v.SetDefault("company_provider.min_class_confidence", 0.7)
	v.SetDefault("company_provider.rate_limit_per_min", 600)

	v.SetDefault("video_provider.daily_quota_units", 10000)
	v.SetDefault("video_provider.batch_size", 50)

	v.SetDefault("ai_provider.model", "claude-sonnet-latest")
	v.SetDefault("ai_provider.batch_model", "claude-haiku-latest")
	v.SetDefault("ai_provider.max_batch_size", 100)
	v.SetDefault("ai_provider.small_batch_threshold", 3)

	v.SetDefault("scrape.concurrency", 50)
	v.SetDefault("scrape.timeout_secs", 30)
	v.SetDefault("scrape.user_agent", "research-pipeline/1.0")

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.success_threshold", 1)
	v.SetDefault("circuit.reset_timeout", 30*time.Second)
	v.SetDefault("circuit.half_open_max_probes", 1)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", 500*time.Millisecond)
	v.SetDefault("retry.max_backoff", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)

	v.SetDefault("pipeline.serp_concurrency", 10)
	v.SetDefault("pipeline.company_concurrency", 15)
	v.SetDefault("pipeline.scraping_concurrency", 50)
	v.SetDefault("pipeline.analysis_concurrency", 25)
	v.SetDefault("pipeline.video_concurrency", 10)
	v.SetDefault("pipeline.youtube_min_success_ratio", 0.5)
	v.SetDefault("pipeline.analysis.flexible_completion_ratio", 0.95)
	v.SetDefault("pipeline.analysis.flexible_completion_window", 15*time.Minute)
	v.SetDefault("pipeline.analysis.hard_ceiling", 30*time.Minute)
	v.SetDefault("pipeline.analysis.min_relevant_words", 50)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.spec", "0 0 * * *")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
