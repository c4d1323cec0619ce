// Package bargein coordinates interruption of an in-flight assistant turn.
//
// When the caller starts speaking while the assistant is mid-utterance, three
// things must stop in a hurry: the LLM token stream, the TTS synthesis, and
// whatever audio the transport has buffered toward the caller. The controller
// fans out to all three and records how long each stage took, so the
// speech-start to silence gap stays observable.
package bargein

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Stage identifies one cancellation target in the fan-out.
type Stage string

const (
	StageLLM       Stage = "llm"
	StageTTS       Stage = "tts"
	StageTransport Stage = "transport"
)

// Actions holds the cancellation hooks for the current turn. Any nil hook is
// skipped; a cascade turn wires all three, a realtime turn typically wires
// only the transport stop (the service cancels its own generation).
type Actions struct {
	// CancelLLM aborts the token stream. Usually the turn context's cancel.
	CancelLLM func()

	// DrainTTS stops synthesis and discards queued audio chunks.
	DrainTTS func(ctx context.Context) error

	// StopPlayback tells the transport to flush its outbound audio buffer.
	StopPlayback func(ctx context.Context) error
}

// Report describes one completed interruption.
type Report struct {
	// Triggered is when speech-start fired.
	Triggered time.Time

	// StageDone maps each executed stage to its completion time.
	StageDone map[Stage]time.Time

	// Total is the full speech-start to silence duration.
	Total time.Duration
}

// Observer receives the report after an interruption completes. Wired to
// metrics by the session handler.
type Observer func(Report)

// Controller executes at most one interruption per turn. Arm it at turn
// start, then any number of Interrupt calls during that turn collapse into
// one fan-out.
type Controller struct {
	log      *slog.Logger
	observer Observer

	mu      sync.Mutex
	armed   bool
	fired   bool
	actions Actions
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithObserver registers a per-interruption report callback.
func WithObserver(fn Observer) Option {
	return func(c *Controller) { c.observer = fn }
}

// NewController returns a disarmed controller.
func NewController(opts ...Option) *Controller {
	c := &Controller{log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Arm registers the cancellation hooks for a new speaking turn and resets
// the fired latch. Call when the turn enters Speaking.
func (c *Controller) Arm(actions Actions) {
	c.mu.Lock()
	c.armed = true
	c.fired = false
	c.actions = actions
	c.mu.Unlock()
}

// Disarm marks the turn complete. Later Interrupt calls are no-ops until the
// next Arm; a turn that finished on its own cannot be interrupted.
func (c *Controller) Disarm() {
	c.mu.Lock()
	c.armed = false
	c.actions = Actions{}
	c.mu.Unlock()
}

// Interrupt fans out cancellation to the armed turn. Returns true only for
// the call that actually performed the interruption; repeat fires and fires
// against a disarmed controller return false.
func (c *Controller) Interrupt(ctx context.Context) bool {
	c.mu.Lock()
	if !c.armed || c.fired {
		c.mu.Unlock()
		return false
	}
	c.fired = true
	actions := c.actions
	c.mu.Unlock()

	report := Report{
		Triggered: time.Now(),
		StageDone: make(map[Stage]time.Time, 3),
	}

	// LLM first: stop producing before stopping what consumes.
	if actions.CancelLLM != nil {
		actions.CancelLLM()
		report.StageDone[StageLLM] = time.Now()
	}
	if actions.DrainTTS != nil {
		if err := actions.DrainTTS(ctx); err != nil {
			c.log.Warn("barge-in: tts drain failed", "error", err)
		}
		report.StageDone[StageTTS] = time.Now()
	}
	if actions.StopPlayback != nil {
		if err := actions.StopPlayback(ctx); err != nil {
			c.log.Warn("barge-in: playback stop failed", "error", err)
		}
		report.StageDone[StageTransport] = time.Now()
	}

	report.Total = time.Since(report.Triggered)
	if report.Total > 250*time.Millisecond {
		c.log.Warn("barge-in exceeded reaction budget",
			"total_ms", report.Total.Milliseconds())
	}
	if c.observer != nil {
		c.observer(report)
	}
	return true
}

// Fired reports whether the current armed turn has been interrupted.
func (c *Controller) Fired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired
}
