// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Logging   LoggingConfig            `mapstructure:"logging"`
	Store     StoreConfig              `mapstructure:"store"`
	Admission AdmissionConfig          `mapstructure:"admission"`
	RateLimit map[string]RateLimit     `mapstructure:"ratelimit"`
	Breakers  map[string]BreakerConfig `mapstructure:"breakers"`
	Worker    WorkerConfig             `mapstructure:"worker"`
	Crawler   CrawlerConfig            `mapstructure:"crawler"`
	LLM       LLMConfig                `mapstructure:"llm"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	Backend string      `mapstructure:"backend"`
	Mongo   MongoConfig `mapstructure:"mongo"`
}

// MongoConfig holds document store connection settings.
type MongoConfig struct {
	URI            string `mapstructure:"uri"`
	Database       string `mapstructure:"database"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// AdmissionConfig snapshots generation parameters onto newly admitted jobs.
type AdmissionConfig struct {
	QuestionCount   int    `mapstructure:"question_count"`
	SummaryMaxWords int    `mapstructure:"summary_max_words"`
	Model           string `mapstructure:"model"`
}

// RateLimit describes one endpoint class limit.
type RateLimit struct {
	Requests      int `mapstructure:"requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// Window returns the rolling window as a duration.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// BreakerConfig describes one named circuit breaker.
type BreakerConfig struct {
	FailMax        int `mapstructure:"fail_max"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Timeout returns the open-state cooldown as a duration.
func (b BreakerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// WorkerConfig governs the polling worker pool and the staleness sweep.
type WorkerConfig struct {
	Count               int `mapstructure:"count"`
	PollIntervalMs      int `mapstructure:"poll_interval_ms"`
	StageTimeoutSeconds int `mapstructure:"stage_timeout_seconds"`
	StaleAfterMinutes   int `mapstructure:"stale_after_minutes"`
	SweepIntervalSec    int `mapstructure:"sweep_interval_seconds"`
	MaxAttempts         int `mapstructure:"max_attempts"`
}

// PollInterval returns the idle wait between queue scans.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

// StageTimeout bounds each crawl/LLM invocation.
func (w WorkerConfig) StageTimeout() time.Duration {
	return time.Duration(w.StageTimeoutSeconds) * time.Second
}

// StaleAfter is the processing age past which a job is considered abandoned.
func (w WorkerConfig) StaleAfter() time.Duration {
	return time.Duration(w.StaleAfterMinutes) * time.Minute
}

// SweepInterval is the period of the staleness sweep.
func (w WorkerConfig) SweepInterval() time.Duration {
	return time.Duration(w.SweepIntervalSec) * time.Second
}

// CrawlerConfig governs the blog fetcher.
type CrawlerConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// Timeout bounds a single fetch.
func (c CrawlerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LLMConfig configures the language-model client.
type LLMConfig struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	EmbeddingModel string `mapstructure:"embedding_model"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ASKPAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.mongo.database", "askpage")
	v.SetDefault("store.mongo.timeout_seconds", 10)
	v.SetDefault("admission.question_count", 5)
	v.SetDefault("admission.summary_max_words", 150)
	v.SetDefault("admission.model", "gpt-4o-mini")
	v.SetDefault("ratelimit.generate.requests", 10)
	v.SetDefault("ratelimit.generate.window_seconds", 60)
	v.SetDefault("ratelimit.read.requests", 100)
	v.SetDefault("ratelimit.read.window_seconds", 60)
	v.SetDefault("breakers.llm_service.fail_max", 5)
	v.SetDefault("breakers.llm_service.timeout_seconds", 60)
	v.SetDefault("breakers.document_store.fail_max", 3)
	v.SetDefault("breakers.document_store.timeout_seconds", 30)
	v.SetDefault("breakers.crawler.fail_max", 5)
	v.SetDefault("breakers.crawler.timeout_seconds", 90)
	v.SetDefault("breakers.external_api.fail_max", 5)
	v.SetDefault("breakers.external_api.timeout_seconds", 60)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval_ms", 500)
	v.SetDefault("worker.stage_timeout_seconds", 30)
	v.SetDefault("worker.stale_after_minutes", 10)
	v.SetDefault("worker.sweep_interval_seconds", 60)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("crawler.user_agent", "askpage-bot/0.1")
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.max_body_bytes", 2*1024*1024)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Backend {
	case "memory":
	case "mongo":
		if c.Store.Mongo.URI == "" {
			return fmt.Errorf("store.mongo.uri must be set when store.backend is mongo")
		}
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}
	if c.Admission.QuestionCount <= 0 {
		return fmt.Errorf("admission.question_count must be > 0")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be > 0")
	}
	for name, rl := range c.RateLimit {
		if rl.Requests <= 0 || rl.WindowSeconds <= 0 {
			return fmt.Errorf("ratelimit.%s requires positive requests and window", name)
		}
	}
	for name, b := range c.Breakers {
		if b.FailMax <= 0 || b.TimeoutSeconds <= 0 {
			return fmt.Errorf("breakers.%s requires positive fail_max and timeout", name)
		}
	}
	return nil
}
