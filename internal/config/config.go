// Package config loads and validates runtime configuration from a YAML
// file plus environment variables. Environment variables take precedence
// over file values; secrets are env-only and never read from the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/casefile-hq/casefile/internal/types"
)

// Defaults applied when neither the file nor the environment sets a value.
const (
	DefaultRateLimitRPS = 3.0
	DefaultCacheDir     = "./.cache"
	DefaultLogLevel     = "info"
	DefaultListenAddr   = ":8420"
	DefaultConcurrency  = 4
)

// Config is the validated runtime configuration. Construct it with Load;
// a zero Config is not usable.
type Config struct {
	// Store is the remote document store connection.
	Store StoreConfig `yaml:"store"`
	// Extraction configures the LLM extraction provider.
	Extraction ExtractionConfig `yaml:"extraction"`
	// Databases maps entity kinds to target database ids.
	Databases map[string]string `yaml:"databases"`

	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	CacheDir     string  `yaml:"cache_dir"`
	LogLevel     string  `yaml:"log_level"`
	ListenAddr   string  `yaml:"listen_addr"`
	Concurrency  int     `yaml:"concurrency"`
	// RedisURL enables the distributed rate limiter and the shared job
	// queue when set.
	RedisURL string `yaml:"redis_url"`
	// EncryptCache turns on AES-256-GCM encryption of cache payloads.
	// MASTER_ENCRYPTION_KEY must then be set; there is no fallback.
	EncryptCache bool `yaml:"encrypt_cache"`
	// ResultTTL bounds how long finished job results are retained.
	ResultTTL Duration `yaml:"result_ttl"`
	// APITokens authorize HTTP callers. Env: API_TOKENS (comma-separated).
	APITokens []string `yaml:"api_tokens"`

	// Secrets, environment-only.
	StoreAPIKey      string `yaml:"-"`
	ExtractionAPIKey string `yaml:"-"`
	EncryptionKey    []byte `yaml:"-"`
}

// StoreConfig is the document store endpoint.
type StoreConfig struct {
	BaseURL string `yaml:"base_url"`
}

// ExtractionConfig selects the extraction model.
type ExtractionConfig struct {
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
}

// Duration parses "90s" / "10m" style strings from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads the YAML file at path (optional: pass "" for env-only),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		RateLimitRPS: DefaultRateLimitRPS,
		CacheDir:     DefaultCacheDir,
		LogLevel:     DefaultLogLevel,
		ListenAddr:   DefaultListenAddr,
		Concurrency:  DefaultConcurrency,
	}

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - config path chosen by operator
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the file values.
func (c *Config) applyEnv() error {
	c.StoreAPIKey = os.Getenv("STORE_API_KEY")
	c.ExtractionAPIKey = os.Getenv("EXTRACTION_API_KEY")

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimitRPS = rps
	}
	if v := os.Getenv("CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("STORE_BASE_URL"); v != "" {
		c.Store.BaseURL = v
	}
	if v := os.Getenv("API_TOKENS"); v != "" {
		c.APITokens = c.APITokens[:0]
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				c.APITokens = append(c.APITokens, tok)
			}
		}
	}

	if c.EncryptCache {
		key := os.Getenv("MASTER_ENCRYPTION_KEY")
		if key == "" {
			return fmt.Errorf("cache encryption enabled but MASTER_ENCRYPTION_KEY is not set")
		}
		c.EncryptionKey = []byte(key)
	}
	return nil
}

// Validate checks the assembled configuration. Secrets are checked here
// so a misconfigured deployment fails at startup, not mid-request.
func (c *Config) Validate() error {
	if c.StoreAPIKey == "" {
		return fmt.Errorf("STORE_API_KEY is required")
	}
	if c.ExtractionAPIKey == "" && os.Getenv("ANTHROPIC_API_KEY") == "" {
		return fmt.Errorf("EXTRACTION_API_KEY is required")
	}
	if c.Store.BaseURL == "" {
		return fmt.Errorf("store base URL is required (store.base_url or STORE_BASE_URL)")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("rate_limit_rps must be positive, got %v", c.RateLimitRPS)
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.ResultTTL < 0 {
		return fmt.Errorf("result_ttl must not be negative")
	}
	if c.EncryptCache && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("MASTER_ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(c.EncryptionKey))
	}
	for kind, dbID := range c.Databases {
		if !types.KnownEntityKind(types.EntityKind(kind)) {
			return fmt.Errorf("databases: unknown entity kind %q", kind)
		}
		if dbID == "" {
			return fmt.Errorf("databases: empty database id for kind %q", kind)
		}
	}
	return nil
}

// DatabaseMap converts the string-keyed YAML mapping to typed kinds.
func (c *Config) DatabaseMap() map[types.EntityKind]string {
	out := make(map[types.EntityKind]string, len(c.Databases))
	for kind, dbID := range c.Databases {
		out[types.EntityKind(kind)] = dbID
	}
	return out
}
