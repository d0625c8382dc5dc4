package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultModel is used when a request does not name a model.
	DefaultModel = "gemini-3-flash-preview"
	// DefaultAPIVersion is the upstream API version segment.
	DefaultAPIVersion = "v1beta"
	// DefaultBaseURL is the upstream endpoint root.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	// EnvCredential is the environment variable consulted when neither the
	// caller nor the config supplies a credential.
	EnvCredential = "GEMINI_API_KEY"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Limits     LimitsConfig     `yaml:"limits"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Cache      CacheConfig      `yaml:"cache"`
	History    HistoryConfig    `yaml:"history"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	LoggingLevel string        `yaml:"logging_level"`
	LogJSON      bool          `yaml:"log_json"`
	Callers      []CallerToken `yaml:"callers"`
}

// CallerToken is one accepted bearer token. Privileged callers may override
// the server-side credential via the apiKey form field; everyone else's
// override is ignored.
type CallerToken struct {
	Name       string `yaml:"name"`
	Token      string `yaml:"token"`
	Privileged bool   `yaml:"privileged"`
}

type UpstreamConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIVersion   string        `yaml:"api_version"`
	DefaultModel string        `yaml:"default_model"`
	SharedAPIKey string        `yaml:"shared_api_key"`
	// HeaderTimeout guards connect + response headers only. Streams have no
	// end-to-end timeout; a silent upstream is bounded by nothing else.
	HeaderTimeout time.Duration `yaml:"header_timeout"`
}

type LimitsConfig struct {
	MaxImages      int `yaml:"max_images"`
	MaxImageSizeMB int `yaml:"max_image_size_mb"`
}

type RateLimitConfig struct {
	// RPM is requests per minute per caller token. 0 disables limiting.
	RPM int `yaml:"rpm"`
}

type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

type HistoryConfig struct {
	// DatabaseURL enables the Postgres history recorder when non-empty.
	DatabaseURL    string        `yaml:"database_url"`
	MaxConns       int32         `yaml:"max_conns"`
	MinConns       int32         `yaml:"min_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
}

// UnmarshalYAML accepts header_timeout as a Go duration string ("10s").
func (u *UpstreamConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		BaseURL       string `yaml:"base_url"`
		APIVersion    string `yaml:"api_version"`
		DefaultModel  string `yaml:"default_model"`
		SharedAPIKey  string `yaml:"shared_api_key"`
		HeaderTimeout string `yaml:"header_timeout"`
	}

	var tmp raw
	if err := value.Decode(&tmp); err != nil {
		return err
	}

	u.BaseURL = tmp.BaseURL
	u.APIVersion = tmp.APIVersion
	u.DefaultModel = tmp.DefaultModel
	u.SharedAPIKey = tmp.SharedAPIKey

	if tmp.HeaderTimeout == "" {
		u.HeaderTimeout = 0
		return nil
	}
	d, err := time.ParseDuration(tmp.HeaderTimeout)
	if err != nil {
		return fmt.Errorf("invalid header_timeout: %w", err)
	}
	u.HeaderTimeout = d
	return nil
}

// UnmarshalYAML accepts ttl as a Go duration string ("10m").
func (c *CacheConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Enabled    bool   `yaml:"enabled"`
		MaxEntries int    `yaml:"max_entries"`
		TTL        string `yaml:"ttl"`
	}

	var tmp raw
	if err := value.Decode(&tmp); err != nil {
		return err
	}

	c.Enabled = tmp.Enabled
	c.MaxEntries = tmp.MaxEntries

	if tmp.TTL == "" {
		c.TTL = 0
		return nil
	}
	d, err := time.ParseDuration(tmp.TTL)
	if err != nil {
		return fmt.Errorf("invalid cache ttl: %w", err)
	}
	c.TTL = d
	return nil
}

// UnmarshalYAML accepts connect_timeout as a Go duration string ("5s").
func (h *HistoryConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		DatabaseURL    string `yaml:"database_url"`
		MaxConns       int32  `yaml:"max_conns"`
		MinConns       int32  `yaml:"min_conns"`
		ConnectTimeout string `yaml:"connect_timeout"`
	}

	var tmp raw
	if err := value.Decode(&tmp); err != nil {
		return err
	}

	h.DatabaseURL = tmp.DatabaseURL
	h.MaxConns = tmp.MaxConns
	h.MinConns = tmp.MinConns

	if tmp.ConnectTimeout == "" {
		h.ConnectTimeout = 0
		return nil
	}
	d, err := time.ParseDuration(tmp.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("invalid history connect_timeout: %w", err)
	}
	h.ConnectTimeout = d
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Normalize fills defaults and cleans up values before validation.
func (c *Config) Normalize() {
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultBaseURL
	}
	c.Upstream.BaseURL = strings.TrimSuffix(c.Upstream.BaseURL, "/")

	if c.Upstream.APIVersion == "" {
		c.Upstream.APIVersion = DefaultAPIVersion
	}
	if c.Upstream.DefaultModel == "" {
		c.Upstream.DefaultModel = DefaultModel
	}
	if c.Upstream.HeaderTimeout == 0 {
		c.Upstream.HeaderTimeout = 10 * time.Second
	}

	if c.Limits.MaxImages == 0 {
		c.Limits.MaxImages = 6
	}
	if c.Limits.MaxImageSizeMB == 0 {
		c.Limits.MaxImageSizeMB = 10
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 1024
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 10 * time.Minute
	}

	if c.History.MaxConns == 0 {
		c.History.MaxConns = 4
	}
	if c.History.MinConns == 0 {
		c.History.MinConns = 1
	}
	if c.History.ConnectTimeout == 0 {
		c.History.ConnectTimeout = 5 * time.Second
	}

	if c.Monitoring.HealthCheckPath == "" {
		c.Monitoring.HealthCheckPath = "/health"
	}

	if c.Server.LoggingLevel == "" {
		c.Server.LoggingLevel = "info"
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "error": true}
	if !validLevels[c.Server.LoggingLevel] {
		return fmt.Errorf("invalid logging_level: %s (must be info, debug, or error)", c.Server.LoggingLevel)
	}

	if len(c.Server.Callers) == 0 {
		return fmt.Errorf("no callers configured")
	}
	seen := make(map[string]bool, len(c.Server.Callers))
	for i, caller := range c.Server.Callers {
		if caller.Name == "" {
			return fmt.Errorf("caller %d: name is required", i)
		}
		if caller.Token == "" {
			return fmt.Errorf("caller %s: token is required", caller.Name)
		}
		if seen[caller.Token] {
			return fmt.Errorf("caller %s: duplicate token", caller.Name)
		}
		seen[caller.Token] = true
	}

	parsedURL, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid upstream base_url: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("upstream base_url must use http or https scheme, got: %s", parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("upstream base_url must have a host")
	}

	if c.Limits.MaxImages < 0 {
		return fmt.Errorf("invalid max_images: %d", c.Limits.MaxImages)
	}
	if c.Limits.MaxImageSizeMB <= 0 {
		return fmt.Errorf("invalid max_image_size_mb: %d", c.Limits.MaxImageSizeMB)
	}

	if c.RateLimit.RPM < 0 {
		return fmt.Errorf("invalid rate_limit rpm: %d", c.RateLimit.RPM)
	}

	if c.Cache.Enabled && c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("invalid cache max_entries: %d", c.Cache.MaxEntries)
	}

	return nil
}

// PrivilegedTokens returns the set of tokens allowed to override the
// server-side credential.
func (c *Config) PrivilegedTokens() map[string]bool {
	out := make(map[string]bool)
	for _, caller := range c.Server.Callers {
		if caller.Privileged {
			out[caller.Token] = true
		}
	}
	return out
}
