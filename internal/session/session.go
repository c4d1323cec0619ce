// Package session owns the lifetime of one caller's voice session.
//
// A Handler is created once at startup with the loaded catalogs, the tool
// registry, the provider pools and the runtime configuration. Each accepted
// transport connection is then driven to completion by Handle: it resolves
// the scenario from the handshake, leases provider handles, builds the
// per-session orchestrator and pipeline for the configured mode, and tears
// everything down when the caller hangs up.
//
// Exactly one session owns a transport connection and its leased handles.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parlancehq/parlance/internal/agent"
	"github.com/parlancehq/parlance/internal/bargein"
	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/memory"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/orchestrator"
	"github.com/parlancehq/parlance/internal/pipeline/cascade"
	rtpipeline "github.com/parlancehq/parlance/internal/pipeline/realtime"
	"github.com/parlancehq/parlance/internal/pool"
	"github.com/parlancehq/parlance/internal/resilience"
	"github.com/parlancehq/parlance/internal/scenario"
	"github.com/parlancehq/parlance/internal/tool"
	"github.com/parlancehq/parlance/internal/transport"
	"github.com/parlancehq/parlance/pkg/fault"
	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
	"github.com/parlancehq/parlance/pkg/provider/stt"
	"github.com/parlancehq/parlance/pkg/provider/tts"
	"github.com/parlancehq/parlance/pkg/provider/vad"
	"github.com/parlancehq/parlance/pkg/types"
)

// defaultTTSSampleRate matches the default PCM output format of the TTS
// providers; the cascade pipeline resamples to the transport rate as needed.
const defaultTTSSampleRate = 16000

// Pools holds the provider pools a cascade session leases from. The LLM pool
// is also used by realtime sessions when present (tool continuation); the
// other two are cascade-only.
type Pools struct {
	STT *pool.Pool[stt.Provider]
	TTS *pool.Pool[tts.Provider]
	LLM *pool.Pool[llm.Provider]
}

// Config carries everything a Handler shares across sessions. Catalogs and
// the tool registry are read-only after startup; pools serialize their own
// access.
type Config struct {
	Mode config.PipelineMode

	Agents    *agent.Catalog
	Scenarios *scenario.Catalog
	Tools     *tool.Registry
	Store     memory.Store

	// Pools are required in cascade mode; Realtime is required in realtime
	// mode.
	Pools    Pools
	Realtime realtime.Provider

	// VAD is the fallback speech-start detector for STT backends without
	// native speech events. Nil disables the fallback.
	VAD vad.Engine

	// DefaultScenario and StartAgent are the config-level defaults; the
	// handshake's values win when present.
	DefaultScenario string
	StartAgent      string

	// Vars are runtime-wide template variables. Handshake vars win over
	// them per key.
	Vars map[string]string

	// Language is the recognition language default when the handshake
	// carries none.
	Language string

	MaxToolHops int
	Retry       resilience.RetryConfig

	// LLM stream watchdog bounds. Zero disables.
	FirstToken time.Duration
	InterToken time.Duration

	// TurnTimeout bounds a whole turn including tool hops. Zero disables.
	TurnTimeout time.Duration

	// Pipeline tuning, per mode.
	QueueCapacity int
	FillerPhrase  string
	FillerDelay   time.Duration
	UpdateTimeout time.Duration
	TTSSampleRate int

	// Memory tuning.
	HistoryLimit  int
	FlushInterval time.Duration
	MemoryDrain   time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Handler builds and runs sessions. Safe for concurrent Handle calls; each
// call owns its connection exclusively.
type Handler struct {
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger
}

// NewHandler validates the shared configuration once so per-connection setup
// can fail only on per-session causes.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Agents == nil || cfg.Agents.Len() == 0 {
		return nil, errors.New("session: agent catalog is empty")
	}
	if cfg.Scenarios == nil {
		return nil, errors.New("session: nil scenario catalog")
	}
	if cfg.Tools == nil {
		return nil, errors.New("session: nil tool registry")
	}
	if cfg.Store == nil {
		return nil, errors.New("session: nil memory store")
	}
	switch cfg.Mode {
	case config.ModeCascade:
		if cfg.Pools.STT == nil || cfg.Pools.TTS == nil || cfg.Pools.LLM == nil {
			return nil, errors.New("session: cascade mode requires stt, tts and llm pools")
		}
	case config.ModeRealtime:
		if cfg.Realtime == nil {
			return nil, errors.New("session: realtime mode requires a realtime provider")
		}
	default:
		return nil, fmt.Errorf("session: unknown pipeline mode %q", cfg.Mode)
	}
	if cfg.TTSSampleRate <= 0 {
		cfg.TTSSampleRate = defaultTTSSampleRate
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{cfg: cfg, metrics: cfg.Metrics, log: log}, nil
}

// Handle runs one session over conn until the caller disconnects, the
// context is cancelled or the session fails. It always closes conn.
//
// Peer disconnects and cancellation return nil; only session failures
// surface as errors.
func (h *Handler) Handle(ctx context.Context, conn transport.Conn) error {
	id := uuid.NewString()
	log := h.log.With("session_id", id, "correlation_id", uuid.NewString())

	if h.metrics != nil {
		h.metrics.ActiveSessions.Add(ctx, 1)
		defer h.metrics.ActiveSessions.Add(ctx, -1)
	}
	defer conn.Close()

	req := conn.Start()
	res, vars, err := h.resolveScenario(req)
	if err != nil {
		log.Warn("rejecting session", "error", err)
		return h.reject(conn, err)
	}
	log.Info("session starting",
		"mode", string(h.cfg.Mode),
		"scenario", res.Name,
		"start_agent", res.StartAgent,
		"sample_rate", req.SampleRate)

	memOpts := []memory.Option{memory.WithLogger(log)}
	if h.cfg.HistoryLimit > 0 {
		memOpts = append(memOpts, memory.WithHistoryLimit(h.cfg.HistoryLimit))
	}
	if h.cfg.FlushInterval > 0 {
		memOpts = append(memOpts, memory.WithFlushInterval(h.cfg.FlushInterval))
	}
	if h.cfg.MemoryDrain > 0 {
		memOpts = append(memOpts, memory.WithFinalFlushTimeout(h.cfg.MemoryDrain))
	}
	mem := memory.NewManager(id, h.cfg.Store, memOpts...)
	// Tool executors resolve the session's memory through the turn context.
	ctx = memory.NewContext(ctx, mem)
	defer func() {
		if err := mem.Close(); err != nil {
			log.Warn("final memory flush failed", "error", err)
		}
	}()

	start := time.Now()
	switch h.cfg.Mode {
	case config.ModeRealtime:
		err = h.runRealtime(ctx, conn, id, req, res, vars, mem, log)
	default:
		err = h.runCascade(ctx, conn, id, req, res, vars, mem, log)
	}

	switch {
	case err == nil, fault.Is(err, fault.TransportClosed), fault.IsCancelled(err):
		log.Info("session ended", "duration", time.Since(start))
		sendEnd(conn)
		return nil
	default:
		log.Error("session failed", "error", err, "duration", time.Since(start))
		_ = conn.SendControl(transport.Control{
			Type:    transport.ControlSessionError,
			Message: "session failed",
		})
		return err
	}
}

// resolveScenario binds the handshake to the catalogs. Handshake values win
// over config defaults; a start-agent override must name an agent in the
// scenario's effective set.
func (h *Handler) resolveScenario(req transport.StartRequest) (*scenario.Resolved, map[string]string, error) {
	name := req.Scenario
	if name == "" {
		name = h.cfg.DefaultScenario
	}
	res, err := h.cfg.Scenarios.Resolve(name, h.cfg.Agents, h.cfg.StartAgent)
	if err != nil {
		return nil, nil, err
	}
	if req.StartAgent != "" {
		if _, ok := res.Agent(req.StartAgent); !ok {
			return nil, nil, fmt.Errorf("session: start agent %q not in scenario %q", req.StartAgent, res.Name)
		}
		res.StartAgent = req.StartAgent
	}

	vars := make(map[string]string, len(h.cfg.Vars)+len(req.Vars))
	for k, v := range h.cfg.Vars {
		vars[k] = v
	}
	for k, v := range req.Vars {
		vars[k] = v
	}
	return res, vars, nil
}

// ─── Cascade mode ─────────────────────────────────────────────────────────────

func (h *Handler) runCascade(ctx context.Context, conn transport.Conn, id string, req transport.StartRequest, res *scenario.Resolved, vars map[string]string, mem *memory.Manager, log *slog.Logger) error {
	llmLease, err := h.cfg.Pools.LLM.Acquire(ctx)
	if err != nil {
		return h.reject(conn, err)
	}
	ttsLease, err := h.cfg.Pools.TTS.Acquire(ctx)
	if err != nil {
		llmLease.Release()
		return h.reject(conn, err)
	}
	sttLease, err := h.cfg.Pools.STT.Acquire(ctx)
	if err != nil {
		llmLease.Release()
		ttsLease.Release()
		return h.reject(conn, err)
	}

	language := req.Language
	if language == "" {
		language = h.cfg.Language
	}
	sttSess, err := sttLease.Value().StartStream(ctx, stt.StreamConfig{
		SampleRate: req.SampleRate,
		Channels:   1,
		Language:   language,
	})
	if err != nil {
		sttLease.Destroy()
		llmLease.Release()
		ttsLease.Release()
		return h.reject(conn, fmt.Errorf("session: start recognition stream: %w", err))
	}

	orch, err := h.newOrchestrator(llmLease.Value(), res, vars, mem, log)
	if err != nil {
		sttSess.Close()
		releaseAll(nil, llmLease, ttsLease, sttLease)
		return err
	}

	startAgent, _ := res.Agent(res.StartAgent)
	barge := h.newBargeController(log)

	p, err := cascade.New(cascade.Config{
		Conn:          conn,
		STT:           sttSess,
		TTS:           ttsLease.Value(),
		Voice:         startAgent.Voice.Profile(),
		TTSSampleRate: h.cfg.TTSSampleRate,
		Orchestrator:  orch,
		BargeIn:       barge,
		VAD:           h.cfg.VAD,
		QueueCapacity: h.cfg.QueueCapacity,
		FillerPhrase:  h.cfg.FillerPhrase,
		FillerDelay:   h.cfg.FillerDelay,
		Metrics:       h.metrics,
		Logger:        log,
	})
	if err != nil {
		sttSess.Close()
		releaseAll(nil, llmLease, ttsLease, sttLease)
		return err
	}

	if err := sendReady(conn, id, res.StartAgent, req.SampleRate); err != nil {
		sttSess.Close()
		releaseAll(nil, llmLease, ttsLease, sttLease)
		return err
	}

	runErr := p.Run(ctx)
	if err := sttSess.Close(); err != nil {
		log.Debug("recognition stream close", "error", err)
	}
	releaseAll(runErr, llmLease, ttsLease, sttLease)
	return runErr
}

// releaseAll returns leases to their pools. Upstream faults leave handle
// state unknown, so those sessions destroy their leases instead.
func releaseAll(runErr error, leases ...interface {
	Release()
	Destroy()
}) {
	destroy := fault.Is(runErr, fault.TransientUpstream) || fault.Is(runErr, fault.FatalUpstream)
	for _, l := range leases {
		if destroy {
			l.Destroy()
			continue
		}
		l.Release()
	}
}

// ─── Realtime mode ────────────────────────────────────────────────────────────

func (h *Handler) runRealtime(ctx context.Context, conn transport.Conn, id string, req transport.StartRequest, res *scenario.Resolved, vars map[string]string, mem *memory.Manager, log *slog.Logger) error {
	// The orchestrator's chat provider is unused on this path (the realtime
	// service drives generation), but lease one when a pool is configured so
	// discrete continuations could fall back to it.
	var chat llm.Provider = noChatProvider{}
	var llmLease *pool.Lease[llm.Provider]
	if h.cfg.Pools.LLM != nil {
		lease, err := h.cfg.Pools.LLM.Acquire(ctx)
		if err != nil {
			return h.reject(conn, err)
		}
		llmLease = lease
		chat = lease.Value()
	}
	release := func(runErr error) {
		if llmLease != nil {
			releaseAll(runErr, llmLease)
		}
	}

	orch, err := h.newOrchestrator(chat, res, vars, mem, log)
	if err != nil {
		release(nil)
		return err
	}

	sessCfg, err := orch.ProjectRealtime(res.StartAgent)
	if err != nil {
		release(nil)
		return err
	}
	sess, err := h.cfg.Realtime.Connect(ctx, sessCfg)
	if err != nil {
		release(err)
		return h.reject(conn, fmt.Errorf("session: connect realtime session: %w", err))
	}

	p, err := rtpipeline.New(rtpipeline.Config{
		Conn:          conn,
		Session:       sess,
		Orchestrator:  orch,
		UpdateTimeout: h.cfg.UpdateTimeout,
		Metrics:       h.metrics,
		Logger:        log,
	})
	if err != nil {
		sess.Close()
		release(nil)
		return err
	}

	if err := sendReady(conn, id, res.StartAgent, req.SampleRate); err != nil {
		sess.Close()
		release(nil)
		return err
	}

	runErr := p.Run(ctx)
	release(runErr)
	return runErr
}

// ─── Shared setup ─────────────────────────────────────────────────────────────

// newBargeController builds the turn-interruption controller, reporting
// each completed interruption's reaction latency to metrics.
func (h *Handler) newBargeController(log *slog.Logger) *bargein.Controller {
	opts := []bargein.Option{bargein.WithLogger(log)}
	if h.metrics != nil {
		opts = append(opts, bargein.WithObserver(func(r bargein.Report) {
			h.metrics.RecordBargeIn(context.Background(), r.Total)
		}))
	}
	return bargein.NewController(opts...)
}

func (h *Handler) newOrchestrator(chat llm.Provider, res *scenario.Resolved, vars map[string]string, mem *memory.Manager, log *slog.Logger) (*orchestrator.Orchestrator, error) {
	return orchestrator.New(orchestrator.Config{
		LLM:         chat,
		Tools:       h.cfg.Tools,
		Memory:      mem,
		Scenario:    res,
		SessionVars: vars,
		Retry:       h.cfg.Retry,
		MaxToolHops: h.cfg.MaxToolHops,
		FirstToken:  h.cfg.FirstToken,
		InterToken:  h.cfg.InterToken,
		TurnTimeout: h.cfg.TurnTimeout,
		Metrics:     h.metrics,
		Logger:      log,
	})
}

// reject reports a connect-time failure to the peer and closes the
// connection. Pool exhaustion gets a client-visible code so callers can back
// off and retry elsewhere.
func (h *Handler) reject(conn transport.Conn, cause error) error {
	msg := "session could not be established"
	if fault.Is(cause, fault.PoolExhausted) {
		msg = "no capacity available, try again later"
	}
	_ = conn.SendControl(transport.Control{
		Type:    transport.ControlSessionError,
		Message: msg,
	})
	_ = conn.Close()
	return cause
}

func sendReady(conn transport.Conn, id, agentName string, sampleRate int) error {
	return conn.SendControl(transport.Control{
		Type:       transport.ControlSessionReady,
		SessionID:  id,
		Agent:      agentName,
		SampleRate: sampleRate,
	})
}

func sendEnd(conn transport.Conn) {
	_ = conn.SendControl(transport.Control{Type: transport.ControlSessionEnd})
}

// noChatProvider fills the orchestrator's chat slot for realtime sessions
// without a configured chat backend. The realtime path never streams chat
// completions, so every method fails loudly if reached.
type noChatProvider struct{}

var _ llm.Provider = noChatProvider{}

func (noChatProvider) StreamChat(context.Context, llm.ChatRequest) (<-chan llm.Chunk, error) {
	return nil, fault.New(fault.FatalUpstream, "session: no chat provider configured")
}

func (noChatProvider) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, fault.New(fault.FatalUpstream, "session: no chat provider configured")
}

func (noChatProvider) Respond(context.Context, llm.RespondRequest) (*llm.RespondResponse, error) {
	return nil, fault.New(fault.FatalUpstream, "session: no chat provider configured")
}

func (noChatProvider) CountTokens(messages []types.Message) (int, error) {
	return 0, fault.New(fault.FatalUpstream, "session: no chat provider configured")
}

func (noChatProvider) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{}
}
