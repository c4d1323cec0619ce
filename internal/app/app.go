// Package app wires all Parlance subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems (memory store, catalogs, tool registry, MCP servers, provider
// pools, the session handler), Run serves the HTTP listener with the two
// WebSocket session endpoints, and Shutdown tears everything down in reverse
// initialisation order.
//
// For testing, inject doubles via functional options (WithStore,
// WithToolRegistry, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parlancehq/parlance/internal/agent"
	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/health"
	"github.com/parlancehq/parlance/internal/mcp"
	"github.com/parlancehq/parlance/internal/memory"
	memorypg "github.com/parlancehq/parlance/internal/memory/postgres"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/pool"
	"github.com/parlancehq/parlance/internal/resilience"
	"github.com/parlancehq/parlance/internal/scenario"
	"github.com/parlancehq/parlance/internal/session"
	"github.com/parlancehq/parlance/internal/tool"
	"github.com/parlancehq/parlance/internal/transport"
	"github.com/parlancehq/parlance/pkg/provider/embeddings"
	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
	"github.com/parlancehq/parlance/pkg/provider/stt"
	"github.com/parlancehq/parlance/pkg/provider/tts"
	"github.com/parlancehq/parlance/pkg/provider/vad"
)

// shutdownGrace bounds the HTTP listener shutdown and session drain when Run
// exits.
const shutdownGrace = 10 * time.Second

// NamedLLM pairs a fallback chat provider factory with the name used in logs
// and circuit-breaker labels.
type NamedLLM struct {
	Name string
	New  pool.Factory[llm.Provider]
}

// Providers holds the provider constructors and instances main.go builds from
// the config registry. Pooled kinds (LLM, STT, TTS) are factories so each
// pooled resource is a fresh client; the rest are shared instances. Nil means
// the provider is not configured.
type Providers struct {
	// LLMName names the primary chat provider for logs and breaker labels.
	LLMName string
	LLM     pool.Factory[llm.Provider]

	// LLMFallbacks are tried in declaration order when the primary fails or
	// its circuit breaker is open.
	LLMFallbacks []NamedLLM

	STT pool.Factory[stt.Provider]
	TTS pool.Factory[tts.Provider]

	Realtime   realtime.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	store     memory.Store
	agents    *agent.Catalog
	scenarios *scenario.Catalog
	tools     *tool.Registry
	mcpHost   *mcp.Host
	pools     session.Pools
	handler   *session.Handler
	health    *health.Handler
	sessions  *sessionSet

	// closers are accumulated in init order and run in reverse on Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option injects a test double into New.
type Option func(*App)

// WithStore injects a memory store instead of creating one from config.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithToolRegistry injects a pre-populated tool registry. Built-in and MCP
// tools are still registered into it.
func WithToolRegistry(r *tool.Registry) Option {
	return func(a *App) { a.tools = r }
}

// WithAgentCatalog injects the agent catalog instead of loading it from the
// configured file.
func WithAgentCatalog(c *agent.Catalog) Option {
	return func(a *App) { a.agents = c }
}

// WithScenarioCatalog injects the scenario catalog instead of loading it from
// the configured file.
func WithScenarioCatalog(c *scenario.Catalog) Option {
	return func(a *App) { a.scenarios = c }
}

// WithLogger sets the application logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ──────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go, populated via the config registry. Initialisation is
// synchronous: store connection, catalog loading, MCP registration and pool
// warm-up all complete (or fail) before New returns.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		metrics:   observe.DefaultMetrics(),
		sessions:  newSessionSet(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initCatalogs(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init catalogs: %w", err)
	}
	if err := a.initTools(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	if err := a.initPools(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pools: %w", err)
	}
	if err := a.initSessionHandler(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session handler: %w", err)
	}
	a.initHealth()

	return a, nil
}

// ─── Init helpers ─────────────────────────────────────────────────────────────

// initStore connects the Postgres store when a DSN is configured, falling
// back to the in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		a.log.Info("no postgres dsn configured, using in-memory store")
		a.store = memory.NewMemStore()
		return nil
	}

	store, err := memorypg.NewStore(ctx, dsn, a.cfg.Memory.EmbeddingDimensions, a.providers.Embeddings)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	a.log.Info("postgres store connected",
		"semantic_recall", a.providers.Embeddings != nil)
	return nil
}

func (a *App) initCatalogs() error {
	if a.agents == nil {
		cat, err := agent.LoadCatalog(a.cfg.Catalogs.AgentsFile)
		if err != nil {
			return err
		}
		a.agents = cat
	}
	if a.scenarios == nil {
		if path := a.cfg.Catalogs.ScenariosFile; path != "" {
			cat, err := scenario.LoadCatalog(path)
			if err != nil {
				return err
			}
			a.scenarios = cat
		} else {
			a.scenarios = scenario.EmptyCatalog()
		}
	}
	a.log.Info("catalogs loaded", "agents", a.agents.Len())
	return nil
}

// initTools builds the registry, registers built-ins and bridges configured
// MCP servers.
func (a *App) initTools(ctx context.Context) error {
	if a.tools == nil {
		a.tools = tool.NewRegistry()
	}
	if err := a.tools.Register(memory.RecallToolEntry()); err != nil {
		return err
	}
	if err := a.registerHandoffTools(); err != nil {
		return err
	}

	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}
	a.mcpHost = mcp.NewHost(
		mcp.WithLogger(a.log),
		mcp.WithToolTimeout(a.cfg.Timeouts.Tool),
	)
	a.closers = append(a.closers, a.mcpHost.Close)

	for _, srv := range a.cfg.MCP.Servers {
		n, err := a.mcpHost.RegisterServer(ctx, mcp.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Token:     srv.Token,
			Env:       srv.Env,
		}, a.tools)
		if err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		a.log.Info("mcp server bridged", "name", srv.Name, "tools", n)
	}
	return nil
}

// registerHandoffTools synthesizes a registry entry for every handoff tool
// the scenario catalog's edges name, so config-only deployments need no Go
// registration. Entries registered by the embedding application win.
func (a *App) registerHandoffTools() error {
	for name, target := range a.scenarios.HandoffTools() {
		if _, ok := a.tools.Lookup(name); ok {
			continue
		}
		desc := "Transfer the caller to another agent."
		if target != "" {
			desc = fmt.Sprintf("Transfer the caller to the %s agent.", target)
		}
		err := a.tools.Register(tool.Entry{
			Name:        name,
			Description: desc,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Why the caller is being transferred.",
					},
					"handoff_summary": map[string]any{
						"type":        "string",
						"description": "One-sentence summary of the conversation so far.",
					},
				},
			},
			IsHandoff:     true,
			DefaultTarget: target,
		})
		if err != nil {
			return err
		}
		a.log.Debug("handoff tool registered", "tool", name, "default_target", target)
	}
	return nil
}

// initPools warms the provider pools. The LLM pool is built whenever a chat
// provider is configured; STT and TTS pools only in cascade mode.
func (a *App) initPools(ctx context.Context) error {
	if a.providers.LLM != nil {
		p, err := pool.New(ctx, "llm", a.poolConfig(a.cfg.Pools.LLM), a.llmFactory(), func(llm.Provider) {})
		if err != nil {
			return err
		}
		a.pools.LLM = p
		a.closers = append(a.closers, p.Close)
	}

	if a.cfg.Session.Mode != config.ModeCascade {
		return nil
	}
	if a.providers.STT == nil || a.providers.TTS == nil {
		return errors.New("cascade mode requires stt and tts providers")
	}

	sttPool, err := pool.New(ctx, "stt", a.poolConfig(a.cfg.Pools.STT), a.providers.STT, func(stt.Provider) {})
	if err != nil {
		return err
	}
	a.pools.STT = sttPool
	a.closers = append(a.closers, sttPool.Close)

	ttsPool, err := pool.New(ctx, "tts", a.poolConfig(a.cfg.Pools.TTS), a.providers.TTS, func(tts.Provider) {})
	if err != nil {
		return err
	}
	a.pools.TTS = ttsPool
	a.closers = append(a.closers, ttsPool.Close)
	return nil
}

func (a *App) poolConfig(pc config.PoolConfig) pool.Config {
	return pool.Config{
		Warm:         pc.Warm,
		Max:          pc.Max,
		LeaseTimeout: pc.LeaseTimeout,
		IdleTimeout:  pc.IdleTimeout,
		Logger:       a.log,
	}
}

// llmFactory builds one pooled chat resource: the primary provider, wrapped
// in a fallback group with per-provider circuit breakers when fallbacks are
// configured.
func (a *App) llmFactory() pool.Factory[llm.Provider] {
	return func(ctx context.Context) (llm.Provider, error) {
		primary, err := a.providers.LLM(ctx)
		if err != nil {
			return nil, err
		}
		if len(a.providers.LLMFallbacks) == 0 {
			return primary, nil
		}

		group := resilience.NewLLMFallback(primary, a.providers.LLMName, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  a.cfg.Resilience.BreakerFailureThreshold,
				ResetTimeout: a.cfg.Resilience.BreakerCooldown,
			},
		})
		for _, fb := range a.providers.LLMFallbacks {
			p, err := fb.New(ctx)
			if err != nil {
				return nil, fmt.Errorf("fallback %q: %w", fb.Name, err)
			}
			group.AddFallback(fb.Name, p)
		}
		return group, nil
	}
}

func (a *App) initSessionHandler() error {
	h, err := session.NewHandler(session.Config{
		Mode:            a.cfg.Session.Mode,
		Agents:          a.agents,
		Scenarios:       a.scenarios,
		Tools:           a.tools,
		Store:           a.store,
		Pools:           a.pools,
		Realtime:        a.providers.Realtime,
		VAD:             a.providers.VAD,
		DefaultScenario: a.cfg.Session.DefaultScenario,
		StartAgent:      a.cfg.Session.StartAgent,
		Vars:            a.cfg.Session.Vars,
		Language:        a.cfg.Session.Language,
		MaxToolHops:     a.cfg.Session.MaxToolHops,
		Retry: resilience.RetryConfig{
			Attempts:  a.cfg.Resilience.RetryAttempts,
			BaseDelay: a.cfg.Resilience.RetryBaseDelay,
		},
		FirstToken:    a.cfg.Timeouts.FirstToken,
		InterToken:    a.cfg.Timeouts.InterToken,
		TurnTimeout:   a.cfg.Timeouts.Turn,
		QueueCapacity: a.cfg.Pipeline.QueueCapacity,
		FillerPhrase:  a.cfg.Pipeline.FillerPhrase,
		FillerDelay:   a.cfg.Pipeline.FillerDelay,
		UpdateTimeout: a.cfg.Pipeline.UpdateTimeout,
		HistoryLimit:  a.cfg.Memory.HistoryLimit,
		FlushInterval: a.cfg.Memory.FlushInterval,
		MemoryDrain:   a.cfg.Timeouts.DrainMemory,
		Metrics:       a.metrics,
		Logger:        a.log,
	})
	if err != nil {
		return err
	}
	a.handler = h
	return nil
}

// initHealth registers readiness checks: the store (when it exposes a ping)
// and every warm pool.
func (a *App) initHealth() {
	var checkers []health.Checker

	if pinger, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "store", Check: pinger.Ping})
	}
	if a.pools.LLM != nil {
		checkers = append(checkers, poolChecker("pool_llm", a.pools.LLM.Stats))
	}
	if a.pools.STT != nil {
		checkers = append(checkers, poolChecker("pool_stt", a.pools.STT.Stats))
	}
	if a.pools.TTS != nil {
		checkers = append(checkers, poolChecker("pool_tts", a.pools.TTS.Stats))
	}

	a.health = health.New(checkers...)
}

// poolChecker reports unready when a pool has no live resources left.
func poolChecker(name string, stats func() pool.Stats) health.Checker {
	return health.Checker{
		Name: name,
		Check: func(context.Context) error {
			if s := stats(); s.Total == 0 {
				return errors.New("no live resources")
			}
			return nil
		},
	}
}

// ─── Run ──────────────────────────────────────────────────────────────────────

// Run serves the HTTP listener until ctx is cancelled, then drains live
// sessions and shuts the listener down. Returns nil on an orderly exit.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/session", a.sessionEndpoint(
		func(w http.ResponseWriter, r *http.Request, log *slog.Logger) (transport.Conn, error) {
			return transport.AcceptBrowser(w, r, log)
		}))
	mux.HandleFunc("GET /v1/telephony", a.sessionEndpoint(
		func(w http.ResponseWriter, r *http.Request, log *slog.Logger) (transport.Conn, error) {
			return transport.AcceptTelephony(w, r, log)
		}))

	srv := &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(mux),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("listening", "addr", srv.Addr, "mode", string(a.cfg.Session.Mode))
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: listener: %w", err)
	case <-ctx.Done():
	}

	grace, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	a.sessions.drain(grace, a.log)
	if err := srv.Shutdown(grace); err != nil {
		a.log.Warn("listener shutdown", "error", err)
	}
	<-errCh
	return nil
}

// acceptFunc upgrades one transport dialect's WebSocket handshake.
type acceptFunc func(http.ResponseWriter, *http.Request, *slog.Logger) (transport.Conn, error)

// sessionEndpoint adapts an accept function into an HTTP handler that runs a
// full session. The handler goroutine owns the session for its entire
// lifetime; graceful shutdown cancels it through the session set.
func (a *App) sessionEndpoint(accept acceptFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := accept(w, r, a.log)
		if err != nil {
			a.log.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
			return
		}

		sctx, release, ok := a.sessions.add(r.Context())
		if !ok {
			_ = conn.SendControl(transport.Control{
				Type:    transport.ControlSessionError,
				Message: "server is shutting down",
			})
			_ = conn.Close()
			return
		}
		defer release()

		if err := a.handler.Handle(sctx, conn); err != nil {
			a.log.Warn("session ended with error", "error", err)
		}
	}
}

// ─── Shutdown ─────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers accumulated so far when New fails partway.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
