package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds scraper configuration.
type Config struct {
	// Target site.
	BaseURL            string
	ProductURLPatterns []string

	// Search.
	Backends   []string
	NumResults int

	// Pacing and backoff.
	MinDelay          time.Duration
	MaxDelay          time.Duration
	DirectSearchDelay time.Duration
	BlockCooldown     time.Duration
	BackoffMultiplier float64
	MaxBackoffDelay   time.Duration

	// HTTP.
	RequestTimeout time.Duration
	SearchTimeout  time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	UserAgents     []string

	// Files.
	InputFile string
	OutputDir string
	StateFile string

	// Behaviour.
	RescrapeSuccessful bool
	ProbeCacheSize     int
	MetricsAddr        string
	Verbose            bool
}

// DefaultConfig returns the conservative defaults tuned for the target site.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "https://www.argos.co.uk",
		ProductURLPatterns: []string{
			`/product/\d+`,
			`/product/[a-zA-Z0-9-]+/\d+`,
		},
		Backends:          []string{"google", "yahoo", "yandex"},
		NumResults:        3,
		MinDelay:          5 * time.Second,
		MaxDelay:          10 * time.Second,
		DirectSearchDelay: 3 * time.Second,
		BlockCooldown:     30 * time.Minute,
		BackoffMultiplier: 2,
		MaxBackoffDelay:   5 * time.Minute,
		RequestTimeout:    15 * time.Second,
		SearchTimeout:     20 * time.Second,
		MaxRetries:        1,
		RetryDelay:        30 * time.Second,
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/121.0",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		InputFile:          "input.csv",
		OutputDir:          "scraped_products",
		StateFile:          "scraper_state.json",
		RescrapeSuccessful: false,
		ProbeCacheSize:     512,
		MetricsAddr:        "",
		Verbose:            false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if len(c.ProductURLPatterns) == 0 {
		return fmt.Errorf("at least one product URL pattern is required")
	}
	for _, pattern := range c.ProductURLPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid product URL pattern %q: %w", pattern, err)
		}
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("backend list cannot be empty")
	}
	if c.NumResults <= 0 {
		return fmt.Errorf("num results must be positive")
	}

	if c.MinDelay < 0 || c.MaxDelay < 0 || c.DirectSearchDelay < 0 {
		return fmt.Errorf("delays cannot be negative")
	}
	if c.MinDelay > c.MaxDelay {
		return fmt.Errorf("min delay (%s) cannot exceed max delay (%s)", c.MinDelay, c.MaxDelay)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}
	if c.MaxBackoffDelay <= 0 {
		return fmt.Errorf("max backoff delay must be positive")
	}
	if c.BlockCooldown < 0 {
		return fmt.Errorf("block cooldown cannot be negative")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.SearchTimeout <= 0 {
		return fmt.Errorf("search timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}
	if len(c.UserAgents) == 0 {
		return fmt.Errorf("user agent list cannot be empty")
	}

	if c.InputFile == "" {
		return fmt.Errorf("input file cannot be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if c.StateFile == "" {
		return fmt.Errorf("state file cannot be empty")
	}
	if c.ProbeCacheSize <= 0 {
		return fmt.Errorf("probe cache size must be positive")
	}

	return nil
}

// EnvString reads a string environment variable.
func EnvString(name string) (string, bool) {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// EnvInt reads an integer environment variable.
func EnvInt(name string) (int, bool, error) {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s=%q is not an integer: %w", name, value, err)
	}
	return parsed, true, nil
}

type fileConfig struct {
	BaseURL              *string  `yaml:"base_url"`
	ProductURLPatterns   []string `yaml:"product_url_patterns"`
	Backends             []string `yaml:"backends"`
	NumResults           *int     `yaml:"num_results"`
	MinDelaySeconds      *float64 `yaml:"min_delay_seconds"`
	MaxDelaySeconds      *float64 `yaml:"max_delay_seconds"`
	DirectDelaySeconds   *float64 `yaml:"direct_search_delay_seconds"`
	BlockCooldownSeconds *float64 `yaml:"block_cooldown_seconds"`
	BackoffMultiplier    *float64 `yaml:"backoff_multiplier"`
	MaxBackoffSeconds    *float64 `yaml:"max_backoff_seconds"`
	RequestTimeoutSecs   *float64 `yaml:"request_timeout_seconds"`
	SearchTimeoutSecs    *float64 `yaml:"search_timeout_seconds"`
	MaxRetries           *int     `yaml:"max_retries"`
	RetryDelaySeconds    *float64 `yaml:"retry_delay_seconds"`
	UserAgents           []string `yaml:"user_agents"`
	InputFile            *string  `yaml:"input_file"`
	OutputDir            *string  `yaml:"output_dir"`
	StateFile            *string  `yaml:"state_file"`
	RescrapeSuccessful   *bool    `yaml:"rescrape_successful"`
	MetricsAddr          *string  `yaml:"metrics_addr"`
}

// LoadFile overlays values from a YAML file onto c. Absent keys keep their
// current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	seconds := func(v float64) time.Duration {
		return time.Duration(v * float64(time.Second))
	}

	if fc.BaseURL != nil {
		c.BaseURL = *fc.BaseURL
	}
	if len(fc.ProductURLPatterns) > 0 {
		c.ProductURLPatterns = fc.ProductURLPatterns
	}
	if len(fc.Backends) > 0 {
		c.Backends = fc.Backends
	}
	if fc.NumResults != nil {
		c.NumResults = *fc.NumResults
	}
	if fc.MinDelaySeconds != nil {
		c.MinDelay = seconds(*fc.MinDelaySeconds)
	}
	if fc.MaxDelaySeconds != nil {
		c.MaxDelay = seconds(*fc.MaxDelaySeconds)
	}
	if fc.DirectDelaySeconds != nil {
		c.DirectSearchDelay = seconds(*fc.DirectDelaySeconds)
	}
	if fc.BlockCooldownSeconds != nil {
		c.BlockCooldown = seconds(*fc.BlockCooldownSeconds)
	}
	if fc.BackoffMultiplier != nil {
		c.BackoffMultiplier = *fc.BackoffMultiplier
	}
	if fc.MaxBackoffSeconds != nil {
		c.MaxBackoffDelay = seconds(*fc.MaxBackoffSeconds)
	}
	if fc.RequestTimeoutSecs != nil {
		c.RequestTimeout = seconds(*fc.RequestTimeoutSecs)
	}
	if fc.SearchTimeoutSecs != nil {
		c.SearchTimeout = seconds(*fc.SearchTimeoutSecs)
	}
	if fc.MaxRetries != nil {
		c.MaxRetries = *fc.MaxRetries
	}
	if fc.RetryDelaySeconds != nil {
		c.RetryDelay = seconds(*fc.RetryDelaySeconds)
	}
	if len(fc.UserAgents) > 0 {
		c.UserAgents = fc.UserAgents
	}
	if fc.InputFile != nil {
		c.InputFile = *fc.InputFile
	}
	if fc.OutputDir != nil {
		c.OutputDir = *fc.OutputDir
	}
	if fc.StateFile != nil {
		c.StateFile = *fc.StateFile
	}
	if fc.RescrapeSuccessful != nil {
		c.RescrapeSuccessful = *fc.RescrapeSuccessful
	}
	if fc.MetricsAddr != nil {
		c.MetricsAddr = *fc.MetricsAddr
	}

	return nil
}
