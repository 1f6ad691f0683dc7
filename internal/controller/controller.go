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

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/switchboard/internal/breaker"
	"github.com/tombee/switchboard/internal/cache"
	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/credentials"
	"github.com/tombee/switchboard/internal/engine"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/metrics"
	"github.com/tombee/switchboard/internal/ratelimit"
	"github.com/tombee/switchboard/internal/registry"
	"github.com/tombee/switchboard/internal/router"
	"github.com/tombee/switchboard/internal/server"
	"github.com/tombee/switchboard/internal/tools"
	"github.com/tombee/switchboard/internal/tracing"
	"github.com/tombee/switchboard/internal/transport"
	"github.com/tombee/switchboard/pkg/httpclient"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

const (
	janitorInterval = time.Minute
	limiterIdle     = 10 * time.Minute
)

// Options contains process options set at build time.
type Options struct {
	Version string

	// RequireCredentials fails New when the credential store cannot be
	// opened. Otherwise the engine runs without one and authenticated
	// connectors fail with an authentication error.
	RequireCredentials bool

	// Logger overrides the logger built from the log config section.
	Logger *slog.Logger
}

// Controller owns the components of one switchboard process.
type Controller struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	reg     *registry.Registry
	loader  registry.Loader
	watcher *registry.Watcher

	creds   *credentials.Store
	closers []io.Closer

	memCache   *cache.Memory
	memLimiter *ratelimit.SlidingWindow

	engine  *engine.Engine
	metrics *metrics.Metrics
	otel    *tracing.Provider

	mu       sync.Mutex
	onReload []func(*registry.Snapshot)
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds every component described by cfg. Call Close to release them.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Controller, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(cfg.LogConfig())
	}
	c := &Controller{
		cfg:    cfg,
		opts:   opts,
		logger: log.WithComponent(logger, "controller"),
	}
	if err := c.build(ctx, logger); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Controller) build(ctx context.Context, logger *slog.Logger) error {
	cfg, opts := c.cfg, c.opts
	var err error

	if cfg.Observability.Metrics.Enabled {
		c.metrics = metrics.New(cfg.Observability.Metrics.Runtime)
	}

	var promReg prometheus.Registerer
	if c.metrics != nil {
		promReg = c.metrics.Registry()
	}
	c.otel, err = tracing.Setup(ctx, cfg.TracingConfig("switchboard", opts.Version), promReg)
	if err != nil {
		return &sberrors.ConfigError{Key: "observability.tracing", Reason: "failed to set up tracing", Cause: err}
	}
	inst, err := tracing.NewInstruments(c.otel.Meter())
	if err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	c.reg, c.loader, err = LoadRegistry(cfg, logger)
	if err != nil {
		return err
	}
	store, closer, err := OpenCredentials(ctx, cfg, logger, c.metrics.CredentialRefresh)
	switch {
	case err == nil:
		c.creds = store
		c.closers = append(c.closers, closer)
	case opts.RequireCredentials:
		return err
	default:
		c.logger.Warn("credential store unavailable, authenticated connectors will fail",
			log.Error(err))
	}

	limiter, err := c.newLimiter(ctx)
	if err != nil {
		return err
	}
	respCache, err := c.newCache(ctx)
	if err != nil {
		return err
	}
	rt := c.newRouter(logger)
	retrier, err := c.newRetrier(logger)
	if err != nil {
		return err
	}

	breakers := breaker.NewSet(
		breaker.WithLogger(logger),
		breaker.OnStateChange(func(id string, _, to breaker.State) {
			c.metrics.SetBreakerState(id, int(to))
		}),
	)

	var provider credentials.Provider
	if c.creds != nil {
		provider = c.creds
	}
	c.engine = engine.New(c.reg, rt, provider,
		engine.WithBreakers(breakers),
		engine.WithLimiter(limiter),
		engine.WithCache(respCache),
		engine.WithRetrier(retrier),
		engine.WithHostPolicy(&transport.HostPolicy{
			Allowed:      cfg.Execution.AllowedHosts,
			Blocked:      cfg.Execution.BlockedHosts,
			AllowPrivate: cfg.Execution.AllowPrivate,
		}),
		engine.WithMetrics(c.metrics),
		engine.WithTracing(c.otel.Tracer(), inst),
		engine.WithLogger(logger),
	)

	// Last, since a watcher only releases its inotify handle from Run.
	if cfg.Registry.Watch {
		c.watcher, err = registry.NewWatcher(c.reg, cfg.Registry.Dir, c.loader, logger)
		if err != nil {
			return fmt.Errorf("failed to watch descriptors: %w", err)
		}
		c.watcher.OnReload(c.notifyReload)
	}

	c.logger.Info("controller initialized",
		slog.Int("connectors", c.reg.Snapshot().Len()),
		slog.String("cache", cfg.Cache.Backend),
		slog.String("ratelimit", cfg.RateLimit.Backend),
		slog.String("scorer", cfg.Router.Scorer),
		slog.Bool("credentials", c.creds != nil))
	return nil
}

// LoadRegistry builds a registry from the builtins and the configured
// descriptor directory. The returned loader reproduces the same set and is
// used for hot reload.
func LoadRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Registry, registry.Loader, error) {
	var builtins func() ([]*connector.Descriptor, error)
	if cfg.Registry.Builtins {
		builtins = connector.Builtins
	}

	load := func() ([]*connector.Descriptor, error) {
		if builtins == nil {
			return nil, nil
		}
		return builtins()
	}
	if cfg.Registry.Dir != "" {
		load = registry.DirLoader(cfg.Registry.Dir, builtins)
	}

	reg := registry.New(registry.WithLogger(logger))
	ds, err := load()
	if err != nil {
		return nil, nil, &sberrors.ConfigError{Key: "registry.dir", Reason: "failed to load connector descriptors", Cause: err}
	}
	if err := reg.Replace(ds); err != nil {
		return nil, nil, &sberrors.ConfigError{Key: "registry.dir", Reason: "invalid connector descriptors", Cause: err}
	}
	return reg, load, nil
}

// OpenCredentials opens the SQLite credential store with the configured
// master key and OAuth2 clients. The closer releases the database.
func OpenCredentials(ctx context.Context, cfg *config.Config, logger *slog.Logger, observe func(result string)) (*credentials.Store, io.Closer, error) {
	cc := cfg.Credentials
	key, err := credentials.LoadMasterKey(credentials.MasterKeyOptions{
		Source: cc.MasterKey.Source,
		Path:   cc.MasterKey.Path,
		Create: cc.MasterKey.Create,
	})
	if err != nil {
		return nil, nil, &sberrors.ConfigError{Key: "credentials.master_key", Reason: "master key unavailable", Cause: err}
	}

	repo, err := credentials.OpenSQLite(ctx, cc.Path)
	if err != nil {
		return nil, nil, &sberrors.ConfigError{Key: "credentials.path", Reason: "failed to open credential database", Cause: err}
	}
	salt, err := repo.Salt(ctx)
	if err != nil {
		repo.Close()
		return nil, nil, fmt.Errorf("failed to read credential salt: %w", err)
	}
	cipher, err := credentials.NewCipher(key, salt)
	if err != nil {
		repo.Close()
		return nil, nil, fmt.Errorf("failed to derive credential key: %w", err)
	}

	client, err := httpclient.New(tokenClientConfig(cfg, logger))
	if err != nil {
		repo.Close()
		return nil, nil, fmt.Errorf("failed to create token client: %w", err)
	}

	store := credentials.NewStore(repo, cipher,
		credentials.WithRefresher(credentials.NewOAuth2Refresher(cc.OAuthClients, client)),
		credentials.WithRefreshBuffer(cc.RefreshBuffer),
		credentials.WithRefreshTimeout(cc.RefreshTimeout),
		credentials.WithRefreshObserver(observe),
		credentials.WithLogger(logger),
	)
	return store, repo, nil
}

// tokenClientConfig configures the client used against OAuth2 token
// endpoints. The refresh_token grant is a POST, so retries have to be
// allowed for non-idempotent methods.
func tokenClientConfig(cfg *config.Config, logger *slog.Logger) httpclient.Config {
	cc := cfg.Credentials
	hc := httpclient.DefaultConfig()
	hc.Timeout = cc.RefreshTimeout
	hc.UserAgent = cfg.Execution.UserAgent
	hc.Logger = logger
	if cc.RefreshRetries > 0 {
		hc.RetryAttempts = cc.RefreshRetries
		hc.RetryBackoff = 200 * time.Millisecond
		hc.MaxBackoff = 2 * time.Second
		hc.AllowNonIdempotentRetry = true
	}
	return hc
}

func (c *Controller) newLimiter(ctx context.Context) (ratelimit.Limiter, error) {
	rl := c.cfg.RateLimit
	if rl.Backend != config.BackendRedis {
		c.memLimiter = ratelimit.NewSlidingWindow(nil)
		return c.memLimiter, nil
	}
	client, err := c.dial(ctx, "ratelimit.redis_url", rl.RedisURL)
	if err != nil {
		return nil, err
	}
	return ratelimit.NewRedisLimiter(client, rl.Prefix, nil, c.logger), nil
}

func (c *Controller) newCache(ctx context.Context) (cache.Cache, error) {
	cc := c.cfg.Cache
	if cc.Backend != config.BackendRedis {
		c.memCache = cache.NewMemory(cache.WithMemoryObserver(c.metrics.CacheEvent))
		return c.memCache, nil
	}
	client, err := c.dial(ctx, "cache.redis_url", cc.RedisURL)
	if err != nil {
		return nil, err
	}
	return cache.NewRedis(client, cc.Namespace, c.metrics.CacheEvent), nil
}

func (c *Controller) dial(ctx context.Context, key, url string) (*redis.Client, error) {
	client, err := cache.Dial(ctx, url)
	if err != nil {
		return nil, &sberrors.ConfigError{Key: key, Reason: "failed to connect to redis", Cause: err}
	}
	c.closers = append(c.closers, client)
	return client, nil
}

func (c *Controller) newRouter(logger *slog.Logger) *router.Router {
	rc := c.cfg.Router
	var scorer router.Scorer = router.KeywordScorer{}
	if rc.Scorer == config.ScorerEmbedding {
		e := rc.Embedding
		scorer = router.NewEmbeddingScorer(
			router.NewOpenAIEmbedder(e.BaseURL, e.APIKey, e.Model, e.Dimensions),
			router.WithQueryCacheSize(e.QueryCacheSize),
		)
	}
	return router.New(c.reg, scorer,
		router.WithThreshold(rc.Threshold),
		router.WithEpsilon(rc.Epsilon),
		router.WithLogger(logger),
	)
}

// newRetrier builds the upstream caller. The client has no overall timeout
// and no retries of its own; the engine applies per-attempt deadlines and
// the descriptor retry policy.
func (c *Controller) newRetrier(logger *slog.Logger) (*transport.Retrier, error) {
	ec := c.cfg.Execution
	hc := httpclient.DefaultConfig()
	hc.Timeout = 0
	hc.UserAgent = ec.UserAgent
	hc.Logger = logger
	client, err := httpclient.New(hc)
	if err != nil {
		return nil, &sberrors.ConfigError{Key: "execution", Reason: "invalid HTTP client settings", Cause: err}
	}
	return transport.NewRetrier(transport.NewCaller(client,
		transport.WithMaxBodySize(ec.MaxResponseBytes),
		transport.WithDefaultTimeout(ec.DefaultTimeout),
	)), nil
}

// Engine returns the execution engine.
func (c *Controller) Engine() *engine.Engine { return c.engine }

// Registry returns the connector registry.
func (c *Controller) Registry() *registry.Registry { return c.reg }

// Credentials returns the credential store, or nil when it is unavailable.
func (c *Controller) Credentials() *credentials.Store { return c.creds }

// Metrics returns the collectors, or nil when metrics are disabled.
func (c *Controller) Metrics() *metrics.Metrics { return c.metrics }

// OnReload registers fn to run after every successful descriptor reload.
func (c *Controller) OnReload(fn func(*registry.Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReload = append(c.onReload, fn)
}

func (c *Controller) notifyReload(snap *registry.Snapshot) {
	c.mu.Lock()
	fns := append([]func(*registry.Snapshot){}, c.onReload...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Start launches the background loops. They stop when ctx is cancelled or
// Close is called.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if c.watcher != nil {
		c.goRun(func() {
			if err := c.watcher.Run(ctx); err != nil {
				c.logger.Error("descriptor watcher failed", log.Error(err))
			}
		})
	}
	if c.memCache != nil {
		c.goRun(func() { c.memCache.RunJanitor(ctx, janitorInterval) })
	}
	if c.memLimiter != nil {
		c.goRun(func() { c.memLimiter.RunJanitor(ctx, janitorInterval, limiterIdle) })
	}
}

func (c *Controller) goRun(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// NewAPIServer builds the HTTP API server over the engine.
func (c *Controller) NewAPIServer() *server.Server {
	sc := c.cfg.Server
	cfg := server.Config{
		Addr:              sc.Addr,
		ShutdownTimeout:   sc.ShutdownTimeout,
		RequestsPerSecond: sc.RequestsPerSecond,
		Burst:             sc.Burst,
		MaxRequestBytes:   sc.MaxRequestBytes,
		Version:           c.opts.Version,
		Tracer:            c.otel.Tracer(),
		Logger:            c.logger,
	}
	if c.metrics != nil {
		cfg.Metrics = c.metrics.Handler()
	}
	return server.New(cfg, c.reg, c.engine)
}

// NewToolServer builds the MCP tool server. Its tool set follows
// descriptor reloads.
func (c *Controller) NewToolServer() *tools.Server {
	s := tools.NewServer(c.reg.Snapshot(), c.engine, tools.Config{
		Version:         c.opts.Version,
		DefaultIdentity: c.cfg.Tools.DefaultIdentity,
		Logger:          c.logger,
	})
	c.OnReload(s.Sync)
	return s
}

// Close stops background loops and releases every resource. It is safe to
// call more than once.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	var errs []error
	if c.otel != nil {
		if err := c.otel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
		c.otel = nil
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
