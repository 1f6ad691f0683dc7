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

package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/tombee/switchboard/internal/credentials"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/tracing"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Validate checks the configuration. All problems are reported together
// in one *errors.ConfigError keyed by the first offending setting.
func (c *Config) Validate() error {
	var (
		keys []string
		errs []string
	)
	fail := func(key, format string, args ...any) {
		keys = append(keys, key)
		errs = append(errs, key+": "+fmt.Sprintf(format, args...))
	}

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		fail("server.addr", "must be host:port, got %q", c.Server.Addr)
	}
	if c.Server.ShutdownTimeout <= 0 {
		fail("server.shutdown_timeout", "must be positive, got %v", c.Server.ShutdownTimeout)
	}
	if c.Server.RequestsPerSecond < 0 {
		fail("server.requests_per_second", "must not be negative")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		fail("log.level", "must be one of [trace, debug, info, warn, error], got %q", c.Log.Level)
	}
	if c.Log.Format != string(log.FormatJSON) && c.Log.Format != string(log.FormatText) {
		fail("log.format", "must be json or text, got %q", c.Log.Format)
	}

	if c.Registry.Watch && c.Registry.Dir == "" {
		fail("registry.watch", "requires registry.dir")
	}
	if !c.Registry.Builtins && c.Registry.Dir == "" {
		fail("registry.dir", "is required when builtins are disabled")
	}

	if c.Router.Threshold < 0 || c.Router.Threshold > 1 {
		fail("router.threshold", "must be between 0 and 1, got %v", c.Router.Threshold)
	}
	if c.Router.Epsilon < 0 || c.Router.Epsilon >= 1 {
		fail("router.epsilon", "must be in [0, 1), got %v", c.Router.Epsilon)
	}
	switch c.Router.Scorer {
	case ScorerKeyword:
	case ScorerEmbedding:
		if c.Router.Embedding.APIKey == "" && c.Router.Embedding.BaseURL == "" {
			fail("router.embedding.api_key", "embedding scorer needs an API key or a base_url")
		}
		if c.Router.Embedding.QueryCacheSize < 0 {
			fail("router.embedding.query_cache_size", "must not be negative")
		}
	default:
		fail("router.scorer", "must be keyword or embedding, got %q", c.Router.Scorer)
	}

	switch c.Credentials.MasterKey.Source {
	case credentials.SourceEnv, credentials.SourceKeychain:
	case credentials.SourceFile:
		if c.Credentials.MasterKey.Path == "" {
			fail("credentials.master_key.path", "is required for the file source")
		}
	default:
		fail("credentials.master_key.source", "must be env, keychain or file, got %q", c.Credentials.MasterKey.Source)
	}
	if c.Credentials.RefreshBuffer < 0 {
		fail("credentials.refresh_buffer", "must not be negative")
	}
	if c.Credentials.RefreshRetries < 0 {
		fail("credentials.refresh_retries", "must not be negative")
	}
	for id, client := range c.Credentials.OAuthClients {
		if client.ClientID == "" {
			fail("credentials.oauth_clients."+id+".client_id", "is required")
		}
		if u, err := url.Parse(client.TokenURL); err != nil || u.Scheme == "" || u.Host == "" {
			fail("credentials.oauth_clients."+id+".token_url", "must be an absolute URL")
		}
	}

	checkBackend := func(key, backend, redisURL string) {
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if redisURL == "" {
				fail(key, "redis backend requires a redis_url")
			}
		default:
			fail(key, "must be memory or redis, got %q", backend)
		}
	}
	checkBackend("cache.backend", c.Cache.Backend, c.Cache.RedisURL)
	checkBackend("ratelimit.backend", c.RateLimit.Backend, c.RateLimit.RedisURL)

	if c.Execution.DefaultTimeout <= 0 {
		fail("execution.default_timeout", "must be positive")
	}
	if c.Execution.MaxResponseBytes <= 0 {
		fail("execution.max_response_bytes", "must be positive")
	}

	if err := c.TracingConfig("", "").Validate(); err != nil {
		fail("observability.tracing", "%v", err)
	}

	if len(errs) == 0 {
		return nil
	}
	return &sberrors.ConfigError{
		Key:    keys[0],
		Reason: strings.Join(errs, "; "),
	}
}

// TracingConfig converts the tracing section for the tracing package.
func (c *Config) TracingConfig(service, version string) tracing.Config {
	tc := tracing.DefaultConfig()
	t := c.Observability.Tracing
	tc.Exporter = t.Exporter
	tc.Endpoint = t.Endpoint
	tc.Insecure = t.Insecure
	tc.Headers = t.Headers
	tc.SampleRate = t.SampleRate
	if service != "" {
		tc.ServiceName = service
	}
	if version != "" {
		tc.ServiceVersion = version
	}
	return tc
}

// LogConfig converts the log section for the log package.
func (c *Config) LogConfig() *log.Config {
	lc := log.DefaultConfig()
	lc.Level = c.Log.Level
	lc.Format = log.Format(c.Log.Format)
	lc.AddSource = c.Log.AddSource
	return lc
}
