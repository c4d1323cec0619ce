// Package realtime implements the speech-to-speech pipeline over a realtime
// provider session.
//
// Unlike the cascade, the provider owns recognition, generation and synthesis
// in one stateful session; the pipeline is an event loop that shuttles audio
// between the transport and the session and reacts to the provider's event
// stream: transcripts go to memory, function calls run through the
// orchestrator, speech-start triggers barge-in, and handoffs reconfigure the
// live session in place.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parlancehq/parlance/internal/handoff"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/orchestrator"
	"github.com/parlancehq/parlance/internal/transport"
	"github.com/parlancehq/parlance/pkg/fault"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
	"github.com/parlancehq/parlance/pkg/types"
)

const (
	// defaultUpdateTimeout bounds the wait for the service to acknowledge a
	// session reconfiguration during a handoff.
	defaultUpdateTimeout = 5 * time.Second
)

// errSessionEnded signals an orderly end of the media streams.
var errSessionEnded = errors.New("realtime: session ended")

// Config assembles the realtime pipeline's collaborators. Conn, Session and
// Orchestrator are required.
type Config struct {
	Conn transport.Conn

	// Session is the open provider session, already connected with the
	// start agent's projection. The pipeline closes it on exit.
	Session realtime.SessionHandle

	Orchestrator *orchestrator.Orchestrator

	// UpdateTimeout bounds the session.updated wait during a handoff.
	UpdateTimeout time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Pipeline is the per-session realtime runtime. Create with New, drive with
// Run.
type Pipeline struct {
	conn          transport.Conn
	sess          realtime.SessionHandle
	orch          *orchestrator.Orchestrator
	updateTimeout time.Duration
	metrics       *observe.Metrics
	log           *slog.Logger

	// lastUser seeds handoff resolution with the carried utterance. Only
	// the event loop touches it.
	lastUser  string
	turnStart time.Time
}

// New validates cfg and builds the pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("realtime: nil transport conn")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("realtime: nil provider session")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("realtime: nil orchestrator")
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = defaultUpdateTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		conn:          cfg.Conn,
		sess:          cfg.Session,
		orch:          cfg.Orchestrator,
		updateTimeout: cfg.UpdateTimeout,
		metrics:       cfg.Metrics,
		log:           cfg.Logger,
	}, nil
}

// Run executes the pipeline until the caller disconnects, the provider
// session ends, or ctx is cancelled. It opens with the start agent's
// greeting, spoken by the service.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.sess.Close()

	if greeting := p.orch.SessionGreeting(); greeting != "" {
		if err := p.sess.CreateResponse(greetingInstruction(greeting)); err != nil {
			return fmt.Errorf("realtime: opening response: %w", err)
		}
		p.turnStart = time.Now()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.pumpCallerAudio(gctx) })
	g.Go(func() error { return p.pumpModelAudio(gctx) })
	g.Go(func() error { return p.eventLoop(gctx) })
	g.Go(func() error {
		select {
		case <-p.conn.Done():
			return errSessionEnded
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	if errors.Is(err, errSessionEnded) {
		if serr := p.sess.Err(); serr != nil {
			return serr
		}
		return p.conn.Err()
	}
	return err
}

// pumpCallerAudio forwards caller audio to the provider session.
func (p *Pipeline) pumpCallerAudio(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-p.conn.Audio():
			if !ok {
				return errSessionEnded
			}
			if err := p.sess.SendAudio(frame); err != nil {
				return fmt.Errorf("realtime: session send: %w", err)
			}
		}
	}
}

// pumpModelAudio forwards synthesized audio to the transport.
func (p *Pipeline) pumpModelAudio(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-p.sess.Audio():
			if !ok {
				return errSessionEnded
			}
			if err := p.conn.SendAudio(chunk); err != nil {
				if fault.Is(err, fault.TransportClosed) {
					return errSessionEnded
				}
				p.log.Warn("playback write failed", "error", err)
			}
		}
	}
}

// ─── event loop ───

// eventLoop dispatches the session's ordered event stream. Handoffs run
// synchronously inside the loop so that no later event is interpreted under
// the wrong agent's configuration.
func (p *Pipeline) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.sess.Events():
			if !ok {
				return errSessionEnded
			}
			if err := p.dispatch(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, ev realtime.Event) error {
	switch ev.Type {
	case realtime.EventSpeechStarted:
		p.bargeIn()

	case realtime.EventUserTranscript:
		p.lastUser = ev.Transcript
		p.turnStart = time.Now()
		p.orch.AppendUser(ev.Transcript)
		_ = p.conn.SendControl(transport.Control{
			Type: transport.ControlTranscriptFinal,
			Text: ev.Transcript,
		})

	case realtime.EventAssistantTranscript:
		p.orch.AppendAssistant(ev.Transcript)

	case realtime.EventFunctionCall:
		return p.functionCall(ctx, ev)

	case realtime.EventResponseDone:
		if p.metrics != nil && !p.turnStart.IsZero() {
			p.metrics.RecordTurn(ctx, p.orch.CurrentAgent(), "realtime", "ok", time.Since(p.turnStart))
		}
		p.turnStart = time.Time{}

	case realtime.EventError:
		p.log.Warn("provider reported error", "error", ev.Err)
	}
	return nil
}

// bargeIn stops the in-flight response server-side and flushes the caller's
// playback buffer.
func (p *Pipeline) bargeIn() {
	start := time.Now()
	if err := p.sess.Interrupt(); err != nil {
		p.log.Warn("interrupt failed", "error", err)
	}
	if err := p.conn.StopPlayback(); err != nil {
		p.log.Warn("stop-playback failed", "error", err)
	}
	p.orch.ReceivingUser()
	if p.metrics != nil {
		p.metrics.RecordBargeIn(context.Background(), time.Since(start))
	}
}

// functionCall executes a service-side tool call. Regular tools post their
// output back and trigger the continuation response; handoffs reconfigure the
// session instead, and their output is never posted.
func (p *Pipeline) functionCall(ctx context.Context, ev realtime.Event) error {
	output, res, err := p.orch.ExecuteServiceTool(ctx, ev.Call, p.lastUser)
	if err != nil {
		if fault.Is(err, fault.HandoffUnresolved) {
			p.log.Warn("handoff unresolved", "tool", ev.Call.Name, "error", err)
			return p.apologize(ev.Call)
		}
		return err
	}

	if res != nil {
		return p.completeHandoff(ctx, *res)
	}

	if err := p.sess.SendToolOutput(ev.Call.ID, output); err != nil {
		return fmt.Errorf("realtime: tool output: %w", err)
	}
	if err := p.sess.CreateResponse(""); err != nil {
		return fmt.Errorf("realtime: continuation response: %w", err)
	}
	return nil
}

// apologize keeps the conversation alive after an unresolved handoff: the
// current agent explains it cannot transfer, without exposing the failure.
func (p *Pipeline) apologize(call types.ToolCall) error {
	output := toolError("handoff_unresolved", "no transfer target could be determined")
	if err := p.sess.SendToolOutput(call.ID, output); err != nil {
		return fmt.Errorf("realtime: tool output: %w", err)
	}
	return p.sess.CreateResponse(
		"The transfer could not be completed. Apologize briefly and continue helping the caller yourself.")
}

// completeHandoff reconfigures the live session for the target agent:
// interrupt, update, wait for the acknowledgement, then create the new
// agent's first response. Runs synchronously in the event loop.
func (p *Pipeline) completeHandoff(ctx context.Context, res handoff.Resolution) error {
	if err := p.sess.Interrupt(); err != nil {
		p.log.Warn("pre-handoff interrupt failed", "error", err)
	}

	cfg, err := p.orch.ProjectRealtime(res.TargetAgent)
	if err != nil {
		return err
	}
	p.orch.ApplyHandoff(res)

	if err := p.sess.UpdateSession(cfg); err != nil {
		return fmt.Errorf("realtime: session update: %w", err)
	}
	if err := p.awaitSessionUpdated(ctx); err != nil {
		return err
	}

	_ = p.conn.SendControl(transport.Control{
		Type:  transport.ControlAgentSwitched,
		Agent: res.TargetAgent,
	})

	instructions := res.Carried.Instructions()
	if greeting := p.orch.SpeakGreeting(res); greeting != "" {
		instructions = greetingInstruction(greeting) + "\n" + instructions
	}
	if err := p.sess.CreateResponse(instructions); err != nil {
		return fmt.Errorf("realtime: handoff response: %w", err)
	}
	p.turnStart = time.Now()
	return nil
}

// awaitSessionUpdated blocks until the service acknowledges the
// configuration change, dispatching intervening events in order. The new
// response must not be created under the old configuration.
func (p *Pipeline) awaitSessionUpdated(ctx context.Context) error {
	deadline := time.NewTimer(p.updateTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return fault.Errorf(fault.TransientUpstream, "realtime: session update not acknowledged within %s", p.updateTimeout)
		case ev, ok := <-p.sess.Events():
			if !ok {
				return errSessionEnded
			}
			if ev.Type == realtime.EventSessionUpdated {
				return nil
			}
			if err := p.dispatch(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// greetingInstruction shapes a rendered greeting into per-response
// instructions so the service speaks it verbatim.
func greetingInstruction(greeting string) string {
	return fmt.Sprintf("Open by saying exactly: %q", greeting)
}

// toolError formats a structured failure result for the service, shaped like
// a regular tool output so the model can recover in-conversation.
func toolError(kind, message string) string {
	b, _ := json.Marshal(map[string]any{
		"ok":      false,
		"error":   kind,
		"message": message,
	})
	return string(b)
}
