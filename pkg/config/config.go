package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/zen-systems/pixelgate/pkg/cost"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Upstream UpstreamConfig    `yaml:"upstream"`
	Partner  PartnerConfig     `yaml:"partner"`
	Dispatch DispatchConfig    `yaml:"dispatch"`
	Optimize OptimizeConfig    `yaml:"optimize"`
	History  HistoryConfig     `yaml:"history"`
	Archive  ArchiveConfig     `yaml:"archive"`
	Server   ServerConfig      `yaml:"server"`
	Pricing  cost.Pricing      `yaml:"pricing"`
	Log      LogConfig         `yaml:"log"`
	Aliases  map[string]string `yaml:"aliases"`

	// Secrets are read from the environment only.
	APIKey        string `yaml:"-"`
	PartnerToken  string `yaml:"-"`
	PartnerSecret string `yaml:"-"`
	RedisPassword string `yaml:"-"`

	ConfigDir string `yaml:"-"`
}

// UpstreamConfig locates the provider gateway.
type UpstreamConfig struct {
	BaseURL          string        `yaml:"base_url"`
	OpenAIBaseURL    string        `yaml:"openai_base_url"`
	GeminiBaseURL    string        `yaml:"gemini_base_url"`
	AnthropicBaseURL string        `yaml:"anthropic_base_url"`
	UploadURL        string        `yaml:"upload_url"`
	Timeout          time.Duration `yaml:"timeout"`
}

// PartnerConfig configures the billing partner.
type PartnerConfig struct {
	MeteringURL     string        `yaml:"metering_url"`
	SessionURL      string        `yaml:"session_url"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisDB         int           `yaml:"redis_db"`
	LivenessTTL     time.Duration `yaml:"liveness_ttl"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerOpenFor  time.Duration `yaml:"breaker_open_for"`
}

// DispatchConfig tunes the dispatcher.
type DispatchConfig struct {
	MaxConcurrent  int64         `yaml:"max_concurrent"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	FetchArtifacts *bool         `yaml:"fetch_artifacts"`
}

// OptimizeConfig configures prompt optimization.
type OptimizeConfig struct {
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int64  `yaml:"max_tokens"`
}

// HistoryConfig locates the history database.
type HistoryConfig struct {
	Path     string `yaml:"path"`
	PageSize int    `yaml:"page_size"`
}

// ArchiveConfig enables the local artifact archive, used when no upload
// host is configured.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	defaultBaseURL        = "https://api.302.ai"
	defaultOptimizeModel  = "claude-3-7-sonnet-20250219"
	defaultOptimizeTokens = 1024
	defaultPageSize       = 16
	defaultMaxConcurrent  = 4
)

// Default returns the built-in configuration with no file or environment
// applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads ~/.pixelgate/config.yaml and the first .env found, then
// applies environment overrides. A missing config file is not an error.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	return load(filepath.Join(configDir, "config.yaml"), configDir, false)
}

// LoadFile is Load with an explicit config file, which must exist.
func LoadFile(path string) (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	return load(path, configDir, true)
}

func load(path, configDir string, required bool) (*Config, error) {
	loadDotEnv(configDir)

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case required || !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.ConfigDir = configDir
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// loadDotEnv loads the first .env file found. Variables already set in the
// environment win.
func loadDotEnv(configDir string) {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}
	if configDir != "" {
		paths = append(paths, filepath.Join(configDir, ".env"))
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func (c *Config) applyEnv() {
	c.APIKey = os.Getenv("PIXELGATE_API_KEY")
	c.PartnerToken = os.Getenv("PIXELGATE_PARTNER_TOKEN")
	c.PartnerSecret = os.Getenv("PIXELGATE_PARTNER_SECRET")
	c.RedisPassword = os.Getenv("PIXELGATE_REDIS_PASSWORD")

	c.Upstream.BaseURL = getEnvOrDefault("PIXELGATE_BASE_URL", c.Upstream.BaseURL)
	c.Partner.MeteringURL = getEnvOrDefault("PIXELGATE_METERING_URL", c.Partner.MeteringURL)
	c.Partner.SessionURL = getEnvOrDefault("PIXELGATE_SESSION_URL", c.Partner.SessionURL)
	c.Partner.RedisAddr = getEnvOrDefault("PIXELGATE_REDIS_ADDR", c.Partner.RedisAddr)
	c.History.Path = getEnvOrDefault("PIXELGATE_HISTORY_PATH", c.History.Path)
	c.Server.Addr = getEnvOrDefault("PIXELGATE_ADDR", c.Server.Addr)
	c.Log.Level = getEnvOrDefault("PIXELGATE_LOG_LEVEL", c.Log.Level)

	if v := os.Getenv("PIXELGATE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Dispatch.MaxConcurrent = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = defaultBaseURL
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.OpenAIBaseURL == "" {
		c.Upstream.OpenAIBaseURL = c.Upstream.BaseURL + "/v1"
	}
	if c.Upstream.GeminiBaseURL == "" {
		c.Upstream.GeminiBaseURL = c.Upstream.BaseURL
	}
	if c.Upstream.AnthropicBaseURL == "" {
		c.Upstream.AnthropicBaseURL = c.Upstream.BaseURL
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 3 * time.Minute
	}

	if c.Partner.LivenessTTL == 0 {
		c.Partner.LivenessTTL = 30 * time.Second
	}
	if c.Partner.BreakerFailures == 0 {
		c.Partner.BreakerFailures = 5
	}
	if c.Partner.BreakerOpenFor == 0 {
		c.Partner.BreakerOpenFor = 30 * time.Second
	}

	if c.Dispatch.MaxConcurrent <= 0 {
		c.Dispatch.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Dispatch.RetryBackoff == 0 {
		c.Dispatch.RetryBackoff = 500 * time.Millisecond
	}
	if c.Dispatch.FetchTimeout == 0 {
		c.Dispatch.FetchTimeout = time.Minute
	}
	if c.Dispatch.FetchArtifacts == nil {
		enabled := true
		c.Dispatch.FetchArtifacts = &enabled
	}

	if c.Optimize.Model == "" {
		c.Optimize.Model = defaultOptimizeModel
	}
	if c.Optimize.MaxTokens <= 0 {
		c.Optimize.MaxTokens = defaultOptimizeTokens
	}

	if c.History.Path == "" {
		if c.ConfigDir != "" {
			c.History.Path = filepath.Join(c.ConfigDir, "history.db")
		} else {
			c.History.Path = "history.db"
		}
	}
	if c.History.PageSize <= 0 {
		c.History.PageSize = defaultPageSize
	}

	if c.Archive.Dir == "" && c.ConfigDir != "" {
		c.Archive.Dir = filepath.Join(c.ConfigDir, "archive")
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.RateLimitRPS <= 0 {
		c.Server.RateLimitRPS = 2
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 5
	}
	if c.Server.PollInterval == 0 {
		c.Server.PollInterval = 10 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// HasUpstream returns true if the upstream API key is configured.
func (c *Config) HasUpstream() bool {
	return c.APIKey != ""
}

// Metered returns true if usage reports can be sent to the partner.
func (c *Config) Metered() bool {
	return c.Partner.MeteringURL != "" && c.PartnerToken != ""
}

// FetchArtifacts reports whether remote artifacts are downloaded inline.
func (c *Config) FetchArtifacts() bool {
	return c.Dispatch.FetchArtifacts == nil || *c.Dispatch.FetchArtifacts
}

// PricingTable returns the default rates with the file overrides applied.
func (c *Config) PricingTable() cost.Pricing {
	return cost.DefaultPricing().Merge(c.Pricing)
}

// ModelAliases returns the default aliases extended by the file's aliases.
func (c *Config) ModelAliases() *ModelAliases {
	aliases := DefaultAliases()
	for alias, model := range c.Aliases {
		aliases.Aliases[alias] = model
	}
	return aliases
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".pixelgate")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return configDir, nil
}
