// Package app wires the trunkline subsystems into a running call server.
//
// New builds every subsystem from configuration: the agent store, the
// response cache, the event gateway, the telephony adapter, the session
// supervisor, and the HTTP surface that ties them together. Run serves until
// its context is cancelled; Shutdown drains live calls before tearing the
// stack down in reverse construction order.
//
// Subsystems can be swapped for test doubles through functional options
// (WithAgentStore, WithAdapter, ...). Anything not injected is built from
// the Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/trunkline-ai/trunkline/internal/agentstore"
	"github.com/trunkline-ai/trunkline/internal/config"
	"github.com/trunkline-ai/trunkline/internal/gateway"
	"github.com/trunkline-ai/trunkline/internal/health"
	"github.com/trunkline-ai/trunkline/internal/llmcache"
	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/internal/session"
	"github.com/trunkline-ai/trunkline/internal/transport"
	"github.com/trunkline-ai/trunkline/internal/transport/twilio"
	"github.com/trunkline-ai/trunkline/internal/usage"
	"github.com/trunkline-ai/trunkline/pkg/provider/vad"
)

// DrainTimeout bounds how long Run waits for live calls to finish after its
// context is cancelled. Callers that need a different window invoke Shutdown
// themselves.
const DrainTimeout = 30 * time.Second

// drainPoll is how often Shutdown re-checks the live call count.
const drainPoll = 100 * time.Millisecond

// App owns the assembled server. Build with New, serve with Run.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	log     *slog.Logger
	metrics *observe.Metrics

	store   agentstore.Store
	cache   *llmcache.Cache
	gw      *gateway.Manager
	tracker *usage.Tracker
	factory *registryFactory
	sup     *session.Supervisor
	adapter transport.Adapter
	probes  *health.Handler

	httpSrv *http.Server

	// callCtx is the ancestor of every request context. Cancelling it is how
	// Shutdown tells in-flight calls to wind down.
	callCtx    context.Context
	callCancel context.CancelFunc

	turnMu sync.Mutex
	turns  map[string]*turnTrack

	lnAddr   atomic.Value // string, set once the listener binds
	closers  []func() error
	stopOnce sync.Once
}

// Option overrides one of the App's subsystems, mainly for tests.
type Option func(*App)

// WithAgentStore injects an agent store instead of building one from config.
func WithAgentStore(s agentstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithAdapter injects a telephony adapter instead of building Twilio from
// config.
func WithAdapter(ad transport.Adapter) Option {
	return func(a *App) { a.adapter = ad }
}

// WithCache injects a response cache instead of building one from config.
func WithCache(c *llmcache.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithMetrics injects a metrics set. Defaults to observe.DefaultMetrics,
// which records through the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger for the app and everything it builds.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New assembles the server from cfg and the provider registry. The returned
// App holds open resources (connection pools, metric callbacks); call
// Shutdown even if Run is never reached.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		reg:     reg,
		log:     slog.Default(),
		tracker: usage.NewTracker(),
		turns:   make(map[string]*turnTrack),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.callCtx, a.callCancel = context.WithCancel(context.Background())

	// ── 1. Agent store ──
	if err := a.initStore(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: agent store: %w", err)
	}

	// ── 2. Response cache ──
	a.initCache()

	// ── 3. Telephony ──
	if err := a.initAdapter(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: telephony: %w", err)
	}

	// ── 4. Event gateway ──
	gwOpts := []gateway.Option{
		gateway.WithLogger(a.log),
		gateway.WithDisconnectHook(a.onDisconnect),
	}
	if n := cfg.Gateway.MaxConnections; n > 0 {
		gwOpts = append(gwOpts, gateway.WithMaxConnections(n))
	}
	if d := cfg.Gateway.HeartbeatInterval(); d > 0 {
		gwOpts = append(gwOpts, gateway.WithHeartbeatInterval(d))
	}
	if d := cfg.Gateway.StaleTimeout(); d > 0 {
		gwOpts = append(gwOpts, gateway.WithStaleTimeout(d))
	}
	if n := cfg.Gateway.ReplaySize; n > 0 {
		gwOpts = append(gwOpts, gateway.WithReplaySize(n))
	}
	a.gw = gateway.NewManager(gwOpts...)
	a.registerGauges()

	// ── 5. Session supervisor ──
	a.factory = &registryFactory{
		reg:       reg,
		providers: cfg.Providers,
		metrics:   a.metrics,
		breaker:   cfg.Resilience.BreakerConfig(),
		limits:    cfg.RateLimit.Manager(),
	}
	supOpts := []session.Option{
		session.WithLogger(a.log),
		session.WithResponseCache(a.cache),
		session.WithBreakerConfig(cfg.Resilience.BreakerConfig()),
		session.WithRetry(cfg.Resilience.RetryConfig()),
		session.WithResultObserver(a.observeResult),
	}
	if eng := a.vadEngine(); eng != nil {
		supOpts = append(supOpts, session.WithVADEngine(eng))
	}
	if s := cfg.Session.Apology; s != "" {
		supOpts = append(supOpts, session.WithApology(s))
	}
	if d := cfg.Session.HangupAfterSilence(); d > 0 {
		supOpts = append(supOpts, session.WithSilenceLimit(d))
	}
	if d := cfg.Session.ResponseTimeout(); d > 0 {
		supOpts = append(supOpts, session.WithResponseTimeout(d))
	}
	a.sup = session.New(a.gw, a.store, a.factory, a.tracker, supOpts...)

	// ── 6. Probes and HTTP server ──
	a.probes = health.New(
		health.Checker{Name: "agent_store", Check: func(ctx context.Context) error {
			_, err := a.store.List(ctx)
			return err
		}},
		health.Checker{Name: "providers", Check: a.checkProviders},
	)
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.callCtx },
	}
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.Store.PostgresDSN; dsn != "" {
			pool, err := pgxpool.New(ctx, dsn)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			if err := pool.Ping(ctx); err != nil {
				pool.Close()
				return fmt.Errorf("ping postgres: %w", err)
			}
			a.closers = append(a.closers, func() error { pool.Close(); return nil })
			pg := agentstore.NewPostgresStore(pool)
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			a.store = pg
			a.log.Info("agent store ready", "backend", "postgres")
		} else {
			a.store = agentstore.NewMemoryStore()
			a.log.Warn("no postgres_dsn configured, agent definitions are not durable")
		}
	}

	// Config-declared agents are seeded on every boot so a fresh database
	// comes up callable.
	for i := range a.cfg.Agents {
		def := a.cfg.Agents[i]
		if err := a.store.Upsert(ctx, &def); err != nil {
			return fmt.Errorf("seed agent %q: %w", def.ID, err)
		}
		a.log.Info("agent seeded", "agent_id", def.ID, "llm", def.LLM.Name)
	}
	return nil
}

func (a *App) initCache() {
	if a.cache != nil {
		return
	}
	var store llmcache.Store
	switch a.cfg.Cache.Backend {
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Cache.Redis.Addr,
			Password: a.cfg.Cache.Redis.Password,
			DB:       a.cfg.Cache.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		var ropts []llmcache.RedisOption
		if ttl := a.cfg.Cache.TTL(); ttl > 0 {
			ropts = append(ropts, llmcache.WithRedisTTL(ttl))
		}
		if p := a.cfg.Cache.Redis.Prefix; p != "" {
			ropts = append(ropts, llmcache.WithRedisPrefix(p))
		}
		store = llmcache.NewRedisStore(client, ropts...)
		a.log.Info("response cache ready", "backend", "redis", "addr", a.cfg.Cache.Redis.Addr)
	default:
		store = llmcache.NewMemoryStore(a.cfg.Cache.MaxSize)
		a.log.Info("response cache ready", "backend", "memory")
	}
	a.cache = llmcache.New(store, llmcache.WithTTL(a.cfg.Cache.TTL()))
}

func (a *App) initAdapter() error {
	if a.adapter != nil {
		return nil
	}
	tw := a.cfg.Telephony.Twilio
	if !tw.Enabled() {
		a.log.Warn("no telephony carrier configured, call endpoints will refuse")
		return nil
	}
	twOpts := []twilio.Option{twilio.WithLogger(a.log)}
	if tw.From != "" {
		twOpts = append(twOpts, twilio.WithFrom(tw.From))
	}
	if h := a.cfg.Server.PublicHost; h != "" {
		twOpts = append(twOpts, twilio.WithMediaHost(h))
	}
	ad, err := twilio.New(tw.AccountSID, tw.AuthToken, twOpts...)
	if err != nil {
		return err
	}
	a.adapter = ad
	a.log.Info("telephony adapter ready", "carrier", "twilio")
	return nil
}

// registerGauges hooks the pull-style instruments up to their sources. The
// registrations are torn down with the rest of the closers.
func (a *App) registerGauges() {
	if cb, err := a.metrics.RegisterActiveConnections(func() int64 {
		return int64(a.gw.ActiveConnections())
	}); err != nil {
		a.log.Warn("active connection gauge not registered", "error", err)
	} else {
		a.closers = append(a.closers, cb.Unregister)
	}
	if cb, err := a.metrics.RegisterCacheStats(func() (int64, int64) {
		s := a.cache.Stats()
		return s.Hits, s.Misses
	}); err != nil {
		a.log.Warn("cache stats gauge not registered", "error", err)
	} else {
		a.closers = append(a.closers, cb.Unregister)
	}
}

// vadEngine builds the barge-in detector from config. With no vad section
// the supervisor's built-in energy gate is used; with several entries the
// one named "energy" wins, otherwise the first by name.
func (a *App) vadEngine() vad.Engine {
	entries := a.cfg.Providers.VAD
	if len(entries) == 0 {
		return nil
	}
	name := "energy"
	if _, ok := entries[name]; !ok {
		name = slices.Sorted(maps.Keys(entries))[0]
	}
	eng, err := a.reg.CreateVAD(entries[name])
	if err != nil {
		a.log.Warn("vad engine unavailable, using default", "name", name, "error", err)
		return nil
	}
	a.log.Info("vad engine ready", "name", name)
	return eng
}

// checkProviders is the readiness probe for provider wiring: every provider
// a stored agent references must build from the current configuration. It
// constructs clients and throws them away, which also catches missing
// credentials, without placing a network call.
func (a *App) checkProviders(ctx context.Context) error {
	defs, err := a.store.List(ctx)
	if err != nil {
		return err
	}
	var bad []string
	for i := range defs {
		if _, err := a.factory.STT(defs[i].STT); err != nil {
			bad = append(bad, "stt/"+defs[i].STT.Name)
		}
		if _, err := a.factory.LLM(defs[i].LLM); err != nil {
			bad = append(bad, "llm/"+defs[i].LLM.Name)
		}
		if _, err := a.factory.TTS(defs[i].TTS); err != nil {
			bad = append(bad, "tts/"+defs[i].TTS.Name)
		}
	}
	if len(bad) > 0 {
		slices.Sort(bad)
		bad = slices.Compact(bad)
		return fmt.Errorf("cannot build providers: %s", strings.Join(bad, ", "))
	}
	return nil
}

// Run serves HTTP (and the WebSocket endpoints riding on it) until ctx is
// cancelled, then shuts down with a DrainTimeout window. The error is nil on
// a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	a.gw.Start(a.callCtx)

	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.lnAddr.Store(ln.Addr().String())
	a.log.Info("serving", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	serveErr := make(chan error, 1)
	go func() {
		if t := a.cfg.Server.TLS; t != nil {
			serveErr <- a.httpSrv.ServeTLS(ln, t.CertFile, t.KeyFile)
		} else {
			serveErr <- a.httpSrv.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		sdCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
		defer cancel()
		return a.Shutdown(sdCtx)
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown drains and tears down: readiness flips to draining, the listener
// closes, live call contexts are cancelled, and the app waits for the usage
// tracker to seal every call before stopping the gateway and releasing
// resources. Returns ctx.Err() if the drain window expires with calls still
// live; the teardown still completes.
func (a *App) Shutdown(ctx context.Context) error {
	var drainErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "live_calls", a.tracker.Active())
		a.probes.SetDraining(true)

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown", "error", err)
		}

		a.callCancel()
	drain:
		for a.tracker.Active() > 0 {
			select {
			case <-ctx.Done():
				a.log.Warn("drain window expired", "live_calls", a.tracker.Active())
				drainErr = ctx.Err()
				break drain
			case <-time.After(drainPoll):
			}
		}

		if err := a.gw.Stop(ctx); err != nil {
			a.log.Warn("gateway stop", "error", err)
		}
		a.runClosers()
		a.log.Info("shutdown complete")
	})
	return drainErr
}

// runClosers releases resources in reverse construction order.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("closer failed", "error", err)
		}
	}
	a.closers = nil
}

// Addr reports the bound listen address once Run has opened its listener,
// empty before that. Useful when ListenAddr asks for port 0.
func (a *App) Addr() string {
	s, _ := a.lnAddr.Load().(string)
	return s
}

// Tracker exposes the usage tracker for the composition root (hot reload
// needs it to report live calls).
func (a *App) Tracker() *usage.Tracker { return a.tracker }

// Store exposes the agent store for the composition root.
func (a *App) Store() agentstore.Store { return a.store }
