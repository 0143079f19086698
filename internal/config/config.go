package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string

	HTTP     HTTPConfig
	Gemini   GeminiConfig
	Redis    RedisConfig
	Search   SearchConfig
	Scraper  ScraperConfig
	Pipeline PipelineConfig
	Stream   StreamConfig
	Log      LogConfig
}

type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type GeminiConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

type RedisConfig struct {
	// URL is optional. Without it the service runs on in-memory stores.
	URL          string
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	// ProgressStream enables publishing stage updates to Redis Streams.
	ProgressStream bool
}

type SearchConfig struct {
	Endpoint       string
	APIKey         string
	MaxResults     int
	RequestsPerSec float64
	RetryAttempts  int
	ScrapeTopN     int
}

type ScraperConfig struct {
	UserAgent      string
	Parallelism    int
	Delay          time.Duration
	RequestTimeout time.Duration
	MaxContentLen  int
}

// PipelineConfig carries the business rules and loop bounds. Every field
// can be overridden from the YAML rules file.
type PipelineConfig struct {
	MaxAttempts         int                  `yaml:"max_attempts"`
	GroundingTTL        time.Duration        `yaml:"grounding_ttl"`
	AllowedCategories   []string             `yaml:"allowed_categories"`
	ForbiddenKeywords   []string             `yaml:"forbidden_keywords"`
	FallbackInstruments []FallbackInstrument `yaml:"fallback_instruments"`
	RejectionMessage    string               `yaml:"rejection_message"`
}

type FallbackInstrument struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
}

type StreamConfig struct {
	KeepaliveInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
	Output string
	// File is used when Output is "file"; rotation is handled by lumberjack.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func Load() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:         getEnvInt("PORT", 8080),
			ReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 0),
			IdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
		},
		Gemini: GeminiConfig{
			APIKey:      os.Getenv("GEMINI_API_KEY"),
			Model:       getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			MaxTokens:   getEnvInt("GEMINI_MAX_TOKENS", 4096),
			Temperature: getEnvFloat("GEMINI_TEMPERATURE", 0.3),
			Timeout:     getEnvDuration("GEMINI_TIMEOUT", 90*time.Second),
			MaxRetries:  getEnvInt("GEMINI_MAX_RETRIES", 2),
			RetryDelay:  getEnvDuration("GEMINI_RETRY_DELAY", time.Second),
		},
		Redis: RedisConfig{
			URL:            os.Getenv("REDIS_URL"),
			PoolSize:       getEnvInt("REDIS_POOL_SIZE", 10),
			ReadTimeout:    getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:   getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			DialTimeout:    getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ProgressStream: getEnvBool("REDIS_PROGRESS_STREAM", false),
		},
		Search: SearchConfig{
			Endpoint:       getEnv("SEARCH_ENDPOINT", "https://api.tavily.com/search"),
			APIKey:         os.Getenv("SEARCH_API_KEY"),
			MaxResults:     getEnvInt("SEARCH_MAX_RESULTS", 5),
			RequestsPerSec: getEnvFloat("SEARCH_REQUESTS_PER_SEC", 2),
			RetryAttempts:  getEnvInt("SEARCH_RETRY_ATTEMPTS", 3),
			ScrapeTopN:     getEnvInt("SEARCH_SCRAPE_TOP_N", 2),
		},
		Scraper: ScraperConfig{
			UserAgent:      getEnv("SCRAPER_USER_AGENT", "FinAdvisor-Grounding/1.0"),
			Parallelism:    getEnvInt("SCRAPER_PARALLELISM", 2),
			Delay:          getEnvDuration("SCRAPER_DELAY", 500*time.Millisecond),
			RequestTimeout: getEnvDuration("SCRAPER_TIMEOUT", 20*time.Second),
			MaxContentLen:  getEnvInt("SCRAPER_MAX_CONTENT", 8000),
		},
		Pipeline: DefaultPipelineConfig(),
		Stream: StreamConfig{
			KeepaliveInterval: getEnvDuration("STREAM_KEEPALIVE_INTERVAL", 15*time.Second),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			File:       getEnv("LOG_FILE", "./logs/pipeline.log"),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 14),
		},
	}

	cfg.Pipeline.MaxAttempts = getEnvInt("PIPELINE_MAX_ATTEMPTS", cfg.Pipeline.MaxAttempts)
	cfg.Pipeline.GroundingTTL = getEnvDuration("GROUNDING_CACHE_TTL", cfg.Pipeline.GroundingTTL)

	if rulesFile := os.Getenv("RULES_FILE"); rulesFile != "" {
		if err := cfg.Pipeline.LoadRulesFile(rulesFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxAttempts:  3,
		GroundingTTL: 30 * time.Minute,
		AllowedCategories: []string{
			"index_fund",
			"etf",
			"mutual_fund",
			"debt_fund",
			"liquid_fund",
			"hybrid_fund",
			"elss",
		},
		ForbiddenKeywords: []string{
			"crypto",
			"cryptocurrency",
			"cryptocurrencies",
			"bitcoin",
			"ethereum",
			"dogecoin",
			"nft",
			"futures",
			"options trading",
			"call option",
			"put option",
			"derivative",
			"leveraged",
			"margin trading",
			"penny stock",
			"forex",
			"cfd",
			"intraday",
			"f&o",
		},
		FallbackInstruments: []FallbackInstrument{
			{Name: "Nifty 50 Index Fund (Direct Plan)", Category: "index_fund"},
			{Name: "Nifty Next 50 Index Fund (Direct Plan)", Category: "index_fund"},
			{Name: "Vanguard Total World Stock ETF (VT)", Category: "etf"},
			{Name: "Short Duration Government Securities Fund", Category: "debt_fund"},
			{Name: "Overnight / Liquid Fund (Direct Plan)", Category: "liquid_fund"},
		},
		RejectionMessage: "I can only help with personal-finance questions about savings, budgeting and fund-type investments.",
	}
}

// LoadRulesFile overlays the YAML rules file onto the pipeline config.
// Keys absent from the file keep their current values.
func (p *PipelineConfig) LoadRulesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Gemini.APIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY is required"))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.HTTP.Port))
	}
	if c.Pipeline.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("PIPELINE_MAX_ATTEMPTS must be >= 1, got %d", c.Pipeline.MaxAttempts))
	}
	if c.Pipeline.GroundingTTL <= 0 {
		errs = append(errs, errors.New("GROUNDING_CACHE_TTL must be positive"))
	}
	if len(c.Pipeline.AllowedCategories) == 0 {
		errs = append(errs, errors.New("allowed_categories cannot be empty"))
	}
	if c.Stream.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("STREAM_KEEPALIVE_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
