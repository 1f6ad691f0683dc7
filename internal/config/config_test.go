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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// isolate clears the environment variables Load reads.
func isolate(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SWITCHBOARD_ADDR", "SERVER_SHUTDOWN_TIMEOUT", "LOG_LEVEL", "SWITCHBOARD_LOG_LEVEL",
		"LOG_FORMAT", "LOG_SOURCE", "SWITCHBOARD_CONNECTORS_DIR", "SWITCHBOARD_ROUTER_THRESHOLD",
		"OPENAI_API_KEY", "SWITCHBOARD_CREDENTIALS_DB", "SWITCHBOARD_REDIS_URL",
		"SWITCHBOARD_TRACING_EXPORTER", "OTEL_EXPORTER_OTLP_ENDPOINT", "SWITCHBOARD_IDENTITY",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("XDG_DATA_HOME", t.TempDir())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:8420" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if !cfg.Registry.Builtins {
		t.Error("builtins should load by default")
	}
	if cfg.Router.Threshold != 0.7 || cfg.Router.Epsilon != 0.01 || cfg.Router.Scorer != ScorerKeyword {
		t.Errorf("Router = %+v", cfg.Router)
	}
	if cfg.Cache.Backend != BackendMemory || cfg.RateLimit.Backend != BackendMemory {
		t.Errorf("backends = %q, %q", cfg.Cache.Backend, cfg.RateLimit.Backend)
	}
	if !strings.HasSuffix(cfg.Credentials.Path, filepath.Join("switchboard", "credentials.db")) {
		t.Errorf("Credentials.Path = %q", cfg.Credentials.Path)
	}
	if !cfg.Observability.Metrics.Enabled {
		t.Error("metrics should be enabled by default")
	}
}

func TestLoad_File(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
server:
  addr: 0.0.0.0:9000
  requests_per_second: 5
log:
  level: debug
registry:
  dir: /etc/switchboard/connectors
  watch: true
router:
  threshold: 0.6
credentials:
  master_key:
    source: file
    path: /run/secrets/master.key
  oauth_clients:
    google_calendar:
      client_id: abc
      client_secret: shh
      token_url: https://oauth2.googleapis.com/token
cache:
  backend: redis
  redis_url: redis://localhost:6379/0
ratelimit:
  backend: redis
observability:
  tracing:
    exporter: otlp-http
    endpoint: http://collector:4318
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.Burst != 5 {
		t.Errorf("Server.Burst = %d, want it derived from the rate", cfg.Server.Burst)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("unset keys should keep defaults, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Router.Threshold != 0.6 || cfg.Router.Epsilon != 0.01 {
		t.Errorf("Router = %+v", cfg.Router)
	}
	if got := cfg.Credentials.OAuthClients["google_calendar"]; got.ClientSecret != "shh" {
		t.Errorf("oauth client = %+v", got)
	}
	if cfg.RateLimit.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("ratelimit should share the cache redis url, got %q", cfg.RateLimit.RedisURL)
	}
	if tc := cfg.TracingConfig("switchboard", "1.2.3"); tc.Endpoint != "http://collector:4318" || tc.ServiceVersion != "1.2.3" {
		t.Errorf("TracingConfig = %+v", tc)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "log:\n  level: warn\n")
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("SWITCHBOARD_ADDR", "127.0.0.1:1")
	t.Setenv("SWITCHBOARD_REDIS_URL", "redis://cache:6379")
	t.Setenv("SWITCHBOARD_IDENTITY", "ops")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Server.Addr != "127.0.0.1:1" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Cache.RedisURL != "redis://cache:6379" || cfg.RateLimit.RedisURL != "redis://cache:6379" {
		t.Errorf("redis urls = %q, %q", cfg.Cache.RedisURL, cfg.RateLimit.RedisURL)
	}
	if cfg.Tools.DefaultIdentity != "ops" {
		t.Errorf("Tools.DefaultIdentity = %q", cfg.Tools.DefaultIdentity)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantKey string
	}{
		{"unknown key", "bogus: 1\n", "config_file"},
		{"bad yaml", "server: [\n", "config_file"},
		{"bad addr", "server:\n  addr: nope\n", "server.addr"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"redis without url", "cache:\n  backend: redis\n", "cache.backend"},
		{"unknown backend", "ratelimit:\n  backend: memcached\n", "ratelimit.backend"},
		{"threshold range", "router:\n  threshold: 1.5\n", "router.threshold"},
		{"embedding without key", "router:\n  scorer: embedding\n", "router.embedding.api_key"},
		{"file key without path", "credentials:\n  master_key:\n    source: file\n", "credentials.master_key.path"},
		{"watch without dir", "registry:\n  watch: true\n", "registry.watch"},
		{"otlp without endpoint", "observability:\n  tracing:\n    exporter: otlp-grpc\n", "observability.tracing"},
		{"oauth client without token url", "credentials:\n  oauth_clients:\n    gmail:\n      client_id: x\n", "credentials.oauth_clients.gmail.token_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(writeConfig(t, tt.body))
			var ce *sberrors.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Load() error = %v, want ConfigError", err)
			}
			if ce.Key != tt.wantKey {
				t.Errorf("Key = %q, want %q (%v)", ce.Key, tt.wantKey, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var ce *sberrors.ConfigError
	if !errors.As(err, &ce) || ce.Key != "config_file" {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if got := ResolvePath(""); got != "" {
		t.Errorf("ResolvePath() = %q, want none before the file exists", got)
	}
	if err := os.MkdirAll(filepath.Join(dir, "switchboard"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "switchboard", "config.yaml"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if got := ResolvePath(""); got != filepath.Join(dir, "switchboard", "config.yaml") {
		t.Errorf("ResolvePath() = %q", got)
	}
	if got := ResolvePath("/x.yaml"); got != "/x.yaml" {
		t.Errorf("explicit path ignored: %q", got)
	}
}
