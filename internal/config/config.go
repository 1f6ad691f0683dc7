// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads switchboard configuration from a YAML file,
// environment variables and built-in defaults, in increasing order of
// precedence: defaults, then file, then environment.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/switchboard/internal/credentials"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Backends for the cache and rate limiter.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Router scorers.
const (
	ScorerKeyword   = "keyword"
	ScorerEmbedding = "embedding"
)

// Config is the complete switchboard configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	Registry      RegistryConfig      `yaml:"registry"`
	Router        RouterConfig        `yaml:"router"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Cache         CacheConfig         `yaml:"cache"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
	Execution     ExecutionConfig     `yaml:"execution"`
	Observability ObservabilityConfig `yaml:"observability"`
	Tools         ToolsConfig         `yaml:"tools"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address.
	// Environment: SWITCHBOARD_ADDR
	// Default: 127.0.0.1:8420
	Addr string `yaml:"addr"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RequestsPerSecond limits inbound API requests across all clients.
	// Zero disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	// MaxRequestBytes caps request bodies. Default: 1 MiB
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is trace, debug, info, warn or error.
	// Environment: LOG_LEVEL
	Level string `yaml:"level"`

	// Format is json or text.
	// Environment: LOG_FORMAT
	Format string `yaml:"format"`

	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// RegistryConfig says where connector descriptors come from.
type RegistryConfig struct {
	// Dir holds descriptor files. Empty loads builtins only.
	// Environment: SWITCHBOARD_CONNECTORS_DIR
	Dir string `yaml:"dir"`

	// Watch reloads Dir on change.
	Watch bool `yaml:"watch"`

	// Builtins loads the embedded connectors. Default: true
	Builtins bool `yaml:"builtins"`
}

// RouterConfig configures free-text routing.
type RouterConfig struct {
	// Threshold is the minimum confidence for a connector match. Default: 0.7
	Threshold float64 `yaml:"threshold"`

	// Epsilon is the score window treated as a tie. Default: 0.01
	Epsilon float64 `yaml:"epsilon"`

	// Scorer is keyword or embedding. Default: keyword
	Scorer string `yaml:"scorer"`

	Embedding EmbeddingConfig `yaml:"embedding"`
}

// EmbeddingConfig configures the embedding scorer.
type EmbeddingConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`

	// APIKey is read from OPENAI_API_KEY when empty.
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions"`

	// QueryCacheSize bounds the LRU of query vectors. Zero disables it.
	// Default: 1024
	QueryCacheSize int `yaml:"query_cache_size"`
}

// CredentialsConfig configures the credential store.
type CredentialsConfig struct {
	// Path is the SQLite database file.
	// Environment: SWITCHBOARD_CREDENTIALS_DB
	// Default: $XDG_DATA_HOME/switchboard/credentials.db
	Path string `yaml:"path"`

	MasterKey MasterKeyConfig `yaml:"master_key"`

	// RefreshBuffer refreshes tokens this long before they expire. Default: 5m
	RefreshBuffer time.Duration `yaml:"refresh_buffer"`

	// RefreshTimeout bounds one token refresh. Default: 30s
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`

	// RefreshRetries retries a token request that failed with a network
	// error, 408, 429 or 5xx. Default: 2
	RefreshRetries int `yaml:"refresh_retries"`

	// OAuthClients maps connector id to its OAuth2 client registration.
	OAuthClients map[string]credentials.OAuthClient `yaml:"oauth_clients,omitempty"`
}

// MasterKeyConfig selects the credential master key source.
type MasterKeyConfig struct {
	// Source is env, keychain or file. SWITCHBOARD_MASTER_KEY always wins.
	Source string `yaml:"source"`
	Path   string `yaml:"path"`

	// Create generates a key on first use for keychain and file sources.
	Create bool `yaml:"create"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// Backend is memory or redis. Default: memory
	Backend string `yaml:"backend"`

	// RedisURL is used by the redis backend.
	// Environment: SWITCHBOARD_REDIS_URL
	RedisURL  string `yaml:"redis_url"`
	Namespace string `yaml:"namespace"`
}

// RateLimitConfig configures the per-identity limiter.
type RateLimitConfig struct {
	// Backend is memory or redis. Default: memory
	Backend  string `yaml:"backend"`
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"`
}

// ExecutionConfig configures outbound calls.
type ExecutionConfig struct {
	// DefaultTimeout applies to calls whose connector sets none. Default: 30s
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	UserAgent string `yaml:"user_agent"`

	// MaxResponseBytes caps upstream response bodies. Default: 10 MiB
	MaxResponseBytes int64 `yaml:"max_response_bytes"`

	// AllowedHosts and BlockedHosts restrict the generic HTTP connector.
	AllowedHosts []string `yaml:"allowed_hosts,omitempty"`
	BlockedHosts []string `yaml:"blocked_hosts,omitempty"`

	// AllowPrivate lets the generic HTTP connector reach private networks.
	AllowPrivate bool `yaml:"allow_private"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled serves /metrics. Default: true
	Enabled bool `yaml:"enabled"`

	// Runtime adds Go runtime and process collectors.
	Runtime bool `yaml:"runtime"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Exporter is none, stdout, otlp-http or otlp-grpc.
	// Environment: SWITCHBOARD_TRACING_EXPORTER
	Exporter string `yaml:"exporter"`

	// Environment: OTEL_EXPORTER_OTLP_ENDPOINT
	Endpoint   string            `yaml:"endpoint"`
	Insecure   bool              `yaml:"insecure"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	SampleRate float64           `yaml:"sample_rate"`
}

// ToolsConfig configures the MCP tool server.
type ToolsConfig struct {
	// DefaultIdentity is used for tool calls that name no identity.
	// Environment: SWITCHBOARD_IDENTITY
	DefaultIdentity string `yaml:"default_identity"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8420",
			ShutdownTimeout: 10 * time.Second,
			MaxRequestBytes: 1 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Registry: RegistryConfig{
			Builtins: true,
		},
		Router: RouterConfig{
			Threshold: 0.7,
			Epsilon:   0.01,
			Scorer:    ScorerKeyword,
			Embedding: EmbeddingConfig{Model: "text-embedding-3-small", QueryCacheSize: 1024},
		},
		Credentials: CredentialsConfig{
			Path:           filepath.Join(DataDir(), "credentials.db"),
			MasterKey:      MasterKeyConfig{Source: credentials.SourceEnv},
			RefreshBuffer:  5 * time.Minute,
			RefreshTimeout: 30 * time.Second,
			RefreshRetries: 2,
		},
		Cache: CacheConfig{
			Backend:   BackendMemory,
			Namespace: "switchboard:cache",
		},
		RateLimit: RateLimitConfig{
			Backend: BackendMemory,
			Prefix:  "switchboard:rl",
		},
		Execution: ExecutionConfig{
			DefaultTimeout:   30 * time.Second,
			UserAgent:        "switchboard/1.0",
			MaxResponseBytes: 10 << 20,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{Exporter: "none", SampleRate: 1},
		},
	}
}

// Load reads the file at path (optional), applies environment overrides
// and validates the result. Failures are *errors.ConfigError.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &sberrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults refills zero values a sparse file may have cleared.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Server.MaxRequestBytes == 0 {
		c.Server.MaxRequestBytes = d.Server.MaxRequestBytes
	}
	if c.Server.RequestsPerSecond > 0 && c.Server.Burst == 0 {
		c.Server.Burst = int(c.Server.RequestsPerSecond)
		if c.Server.Burst < 1 {
			c.Server.Burst = 1
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Router.Scorer == "" {
		c.Router.Scorer = d.Router.Scorer
	}
	if c.Router.Embedding.Model == "" {
		c.Router.Embedding.Model = d.Router.Embedding.Model
	}
	if c.Credentials.Path == "" {
		c.Credentials.Path = d.Credentials.Path
	}
	if c.Credentials.MasterKey.Source == "" {
		c.Credentials.MasterKey.Source = d.Credentials.MasterKey.Source
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = d.Cache.Backend
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = d.RateLimit.Backend
	}
	if c.RateLimit.RedisURL == "" {
		c.RateLimit.RedisURL = c.Cache.RedisURL
	}
	if c.Execution.DefaultTimeout == 0 {
		c.Execution.DefaultTimeout = d.Execution.DefaultTimeout
	}
	if c.Execution.UserAgent == "" {
		c.Execution.UserAgent = d.Execution.UserAgent
	}
	if c.Execution.MaxResponseBytes == 0 {
		c.Execution.MaxResponseBytes = d.Execution.MaxResponseBytes
	}
	if c.Observability.Tracing.Exporter == "" {
		c.Observability.Tracing.Exporter = d.Observability.Tracing.Exporter
	}
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("SWITCHBOARD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SERVER_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.ShutdownTimeout = d
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("SWITCHBOARD_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_SOURCE"); v != "" {
		c.Log.AddSource = truthy(v)
	}

	if v := os.Getenv("SWITCHBOARD_CONNECTORS_DIR"); v != "" {
		c.Registry.Dir = v
	}
	if v := os.Getenv("SWITCHBOARD_ROUTER_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Router.Threshold = f
		}
	}
	if c.Router.Embedding.APIKey == "" {
		c.Router.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if v := os.Getenv("SWITCHBOARD_CREDENTIALS_DB"); v != "" {
		c.Credentials.Path = v
	}
	if v := os.Getenv("SWITCHBOARD_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
		c.RateLimit.RedisURL = v
	}

	if v := os.Getenv("SWITCHBOARD_TRACING_EXPORTER"); v != "" {
		c.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Observability.Tracing.Endpoint = v
	}

	if v := os.Getenv("SWITCHBOARD_IDENTITY"); v != "" {
		c.Tools.DefaultIdentity = v
	}
}

func truthy(v string) bool {
	v = strings.ToLower(v)
	return v == "1" || v == "true" || v == "yes"
}
