package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Keys       KeysConfig       `yaml:"keys"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// GatewayConfig holds the inbound HTTP server settings.
type GatewayConfig struct {
	Addr      string          `yaml:"addr"`       // e.g. ":8080"
	Tokens    []TokenConfig   `yaml:"tokens"`     // accepted client bearer tokens
	RateLimit RateLimitConfig `yaml:"rate_limit"` // per-IP token bucket
}

// TokenConfig is one accepted client bearer token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"` // user id recorded in transcripts
}

// RateLimitConfig configures the per-IP token bucket. Zero disables it.
type RateLimitConfig struct {
	RequestsPerMin int `yaml:"requests_per_min"`
	Burst          int `yaml:"burst"`
}

// UpstreamConfig holds the provider-facing settings.
type UpstreamConfig struct {
	BaseURL    string        `yaml:"base_url"`    // e.g. "https://api.openai.com/v1"
	Timeout    time.Duration `yaml:"timeout"`     // whole-request timeout, 0 = none (streaming)
	MaxRetries int           `yaml:"max_retries"` // attempts per inbound request
	Breaker    BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the upstream circuit breaker.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"` // consecutive failures before opening
	Timeout     time.Duration `yaml:"timeout"`      // open -> half-open delay
	Interval    time.Duration `yaml:"interval"`     // closed-state counter reset period
}

// KeysConfig holds the credential pool settings. Seed keys are merged into
// the store at startup; the CANVASCRAFT_UPSTREAM_KEYS environment variable
// ("id1=secret1,id2=secret2") overrides Seed so secrets can stay out of
// the config file.
type KeysConfig struct {
	DBPath string      `yaml:"db_path"`
	Seed   []KeyConfig `yaml:"seed"`
}

// KeyConfig is one seeded upstream API key.
type KeyConfig struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

// TranscriptConfig holds transcript persistence settings.
type TranscriptConfig struct {
	DBPath string `yaml:"db_path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Load reads, parses, and validates a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with defaults applied.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Addr: ":8080",
		},
		Upstream: UpstreamConfig{
			BaseURL:    "https://api.openai.com/v1",
			MaxRetries: 3,
		},
		Keys: KeysConfig{
			DBPath: "data/keys.db",
		},
		Transcript: TranscriptConfig{
			DBPath: "data/transcripts.db",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// applyEnv overlays environment variables on top of file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("CANVASCRAFT_UPSTREAM_KEYS"); v != "" {
		c.Keys.Seed = parseKeyList(v)
	}
	if v := os.Getenv("CANVASCRAFT_UPSTREAM_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
}

// parseKeyList parses "id1=secret1,id2=secret2" into seed entries.
// Malformed segments are dropped.
func parseKeyList(s string) []KeyConfig {
	var keys []KeyConfig
	for _, seg := range strings.Split(s, ",") {
		id, secret, ok := strings.Cut(strings.TrimSpace(seg), "=")
		if ok && id != "" && secret != "" {
			keys = append(keys, KeyConfig{ID: id, Secret: secret})
		}
	}
	return keys
}

// Validate checks the config for fields the gateway cannot run without.
func (c *Config) Validate() error {
	if c.Gateway.Addr == "" {
		return fmt.Errorf("config: gateway.addr is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("config: upstream.base_url is required")
	}
	if c.Upstream.MaxRetries <= 0 {
		return fmt.Errorf("config: upstream.max_retries must be positive")
	}
	for i, t := range c.Gateway.Tokens {
		if t.Token == "" {
			return fmt.Errorf("config: gateway.tokens[%d].token is empty", i)
		}
	}
	for i, k := range c.Keys.Seed {
		if k.ID == "" || k.Secret == "" {
			return fmt.Errorf("config: keys.seed[%d] needs both id and secret", i)
		}
	}
	return nil
}
