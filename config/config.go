package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the cookbook pipeline.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Synthesis SynthesisConfig `mapstructure:"synthesis"`
	Order     OrderConfig     `mapstructure:"order"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains application-wide settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// LLMConfig contains oracle provider configurations.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single oracle provider configuration.
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration.
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model handles each pipeline task.
type LLMRoutingConfig struct {
	Ranking   string `mapstructure:"ranking"`   // relevance scoring
	Cleaning  string `mapstructure:"cleaning"`  // recipe normalization
	Synthesis string `mapstructure:"synthesis"` // drafting + analysis sessions
	Naming    string `mapstructure:"naming"`    // index titles, query relaxation
	Fallback  string `mapstructure:"fallback"`
}

// ModelFor resolves a routing slot to a model key, falling back when unset.
func (r LLMRoutingConfig) ModelFor(task string) string {
	var m string
	switch task {
	case "ranking":
		m = r.Ranking
	case "cleaning":
		m = r.Cleaning
	case "synthesis":
		m = r.Synthesis
	case "naming":
		m = r.Naming
	}
	if m == "" {
		m = r.Fallback
	}
	return m
}

// CrawlerConfig bounds the multi-site crawl.
type CrawlerConfig struct {
	SitesFile            string        `mapstructure:"sites_file"`
	MaxParallelSites     int           `mapstructure:"max_parallel_sites"`
	MaxParallelPages     int           `mapstructure:"max_parallel_pages"` // per site
	MaxCandidatesPerSite int           `mapstructure:"max_candidates_per_site"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	FetchRetries         int           `mapstructure:"fetch_retries"`
	MaxPageChars         int           `mapstructure:"max_page_chars"`
}

func (c CrawlerConfig) Validate() error {
	if strings.TrimSpace(c.SitesFile) == "" {
		return fmt.Errorf("crawler.sites_file is required")
	}
	if c.MaxParallelSites <= 0 {
		return fmt.Errorf("crawler.max_parallel_sites must be > 0")
	}
	if c.MaxParallelPages <= 0 {
		return fmt.Errorf("crawler.max_parallel_pages must be > 0")
	}
	return nil
}

// SynthesisConfig bounds the synthesis-analysis quality loop.
type SynthesisConfig struct {
	QualityThreshold int `mapstructure:"quality_threshold"` // 0-100
	MaxRounds        int `mapstructure:"max_rounds"`
}

func (c SynthesisConfig) Validate() error {
	if c.QualityThreshold < 0 || c.QualityThreshold > 100 {
		return fmt.Errorf("synthesis.quality_threshold must be within [0,100]")
	}
	if c.MaxRounds <= 0 {
		return fmt.Errorf("synthesis.max_rounds must be > 0")
	}
	return nil
}

// OrderConfig bounds order fulfillment.
type OrderConfig struct {
	MaxParallelTasks      int `mapstructure:"max_parallel_tasks"`
	MaxSampleRecipes      int `mapstructure:"max_sample_recipes"`
	AcceptableScore       int `mapstructure:"acceptable_score"`  // relevancy bar, 0-100
	MinRelevantRecipes    int `mapstructure:"min_relevant_recipes"`
	MaxSynthesisRecipes   int `mapstructure:"max_synthesis_recipes"` // top-N handed to the loop
	MaxRelaxationAttempts int `mapstructure:"max_relaxation_attempts"`
}

func (c OrderConfig) Validate() error {
	if c.MaxParallelTasks <= 0 {
		return fmt.Errorf("order.max_parallel_tasks must be > 0")
	}
	if c.MaxSampleRecipes <= 0 {
		return fmt.Errorf("order.max_sample_recipes must be > 0")
	}
	if c.MaxRelaxationAttempts <= 0 {
		return fmt.Errorf("order.max_relaxation_attempts must be > 0")
	}
	return nil
}

// StorageConfig contains durable recipe store settings. Redis is preferred
// when configured; the file store is the fallback.
type StorageConfig struct {
	File  FileConfig  `mapstructure:"file"`
	Redis RedisConfig `mapstructure:"redis"`
}

// FileConfig contains file-store settings.
type FileConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis endpoint is configured at all.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	LogFile      string `mapstructure:"log_file"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from a JSON file plus COOKBOOK_* env overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", time.Minute)
	v.SetDefault("crawler.sites_file", "config/sites.json")
	v.SetDefault("crawler.max_parallel_sites", 5)
	v.SetDefault("crawler.max_parallel_pages", 4)
	v.SetDefault("crawler.max_candidates_per_site", 3)
	v.SetDefault("crawler.fetch_timeout", 15*time.Second)
	v.SetDefault("crawler.fetch_retries", 2)
	v.SetDefault("crawler.max_page_chars", 20000)
	v.SetDefault("synthesis.quality_threshold", 80)
	v.SetDefault("synthesis.max_rounds", 3)
	v.SetDefault("order.max_parallel_tasks", 5)
	v.SetDefault("order.max_sample_recipes", 3)
	v.SetDefault("order.acceptable_score", 70)
	v.SetDefault("order.min_relevant_recipes", 3)
	v.SetDefault("order.max_synthesis_recipes", 5)
	v.SetDefault("order.max_relaxation_attempts", 6)
	v.SetDefault("storage.file.data_dir", "data/recipes")
	v.SetDefault("telemetry.cost_tracking", true)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("COOKBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Defaults plus env vars are a valid configuration on their own.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Crawler.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Synthesis.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Order.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
