// Package orchestrator drives the per-session turn loop.
//
// One orchestrator exists per voice session. It owns the current-agent
// pointer, the turn state machine, and the tool-call loop: user utterances go
// in, assistant text deltas stream out to a sink, tool calls execute
// sequentially in between, and handoff tools hand the session to another
// agent. The orchestrator is single-writer: exactly one turn runs at a time,
// and all mutation happens on the goroutine that called RunTurn.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/parlancehq/parlance/internal/agent"
	"github.com/parlancehq/parlance/internal/handoff"
	"github.com/parlancehq/parlance/internal/memory"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/resilience"
	"github.com/parlancehq/parlance/internal/scenario"
	"github.com/parlancehq/parlance/internal/tool"
	"github.com/parlancehq/parlance/pkg/fault"
	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
	"github.com/parlancehq/parlance/pkg/types"
)

const (
	// defaultMaxToolHops bounds LLM→tool→LLM iterations within one turn.
	defaultMaxToolHops = 6

	// apologyText is spoken when a turn cannot be completed.
	apologyText = "I'm sorry, I'm having trouble right now. Could you say that again?"
)

// TextSink receives assistant text deltas in generation order. The cascade
// pipeline feeds them to TTS; tests collect them.
type TextSink func(delta string)

// TurnResult reports what one RunTurn call produced.
type TurnResult struct {
	// Text is the assistant's full reply for this turn (empty when the turn
	// ended in a handoff before the new agent spoke, or was interrupted).
	Text string

	// Handoff is non-nil when a handoff tool resolved during the turn. The
	// pipeline must follow up with ApplyHandoff and the greeting or
	// continuation it implies.
	Handoff *handoff.Resolution

	// Hops is the number of LLM invocations the turn used.
	Hops int

	// Interrupted is true when the turn was cancelled by barge-in; nothing
	// was appended to history on its behalf.
	Interrupted bool
}

// Config assembles an orchestrator's collaborators.
type Config struct {
	LLM      llm.Provider
	Tools    *tool.Registry
	Memory   *memory.Manager
	Scenario *scenario.Resolved

	// SessionVars are per-session template variable overrides supplied at
	// connect. They win over catalog and scenario values.
	SessionVars map[string]string

	// Retry tunes the transient-fault retry for LLM invocations.
	Retry resilience.RetryConfig

	// MaxToolHops overrides the scenario's hop bound when > 0.
	MaxToolHops int

	// FirstToken bounds the wait for the first streamed chunk; InterToken
	// bounds the gap between chunks. Zero disables the watchdog.
	FirstToken time.Duration
	InterToken time.Duration

	// TurnTimeout bounds a whole turn including tool hops. Zero disables it.
	TurnTimeout time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Orchestrator is the per-session turn driver. Not safe for concurrent
// RunTurn calls; the session handler serializes turns.
type Orchestrator struct {
	llm      llm.Provider
	tools    *tool.Registry
	memory   *memory.Manager
	scenario *scenario.Resolved

	sessionVars map[string]string
	retry       resilience.RetryConfig
	maxHops     int
	firstToken  time.Duration
	interToken  time.Duration
	turnTimeout time.Duration
	metrics     *observe.Metrics
	log         *slog.Logger

	state stateVar

	current       string
	lastAssistant string
	visits        map[string]int

	// responseIDs chains the responses endpoint per agent.
	responseIDs map[string]string

	// pendingOutputs holds the current turn's executed tool results for the
	// next responses-endpoint hop. Chat hops carry them in history instead.
	pendingOutputs []llm.ToolOutput

	// onToolStart/onToolEnd observe tool execution boundaries. The cascade
	// pipeline uses them to time filler speech during slow tools.
	onToolStart func(name string)
	onToolEnd   func(name string)
}

// New creates the orchestrator positioned at the scenario's start agent.
// The session-start greeting counts as that agent's first visit.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("orchestrator: nil llm provider")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("orchestrator: nil tool registry")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("orchestrator: nil memory manager")
	}
	if cfg.Scenario == nil {
		return nil, fmt.Errorf("orchestrator: nil scenario")
	}

	maxHops := cfg.Scenario.MaxToolHops
	if cfg.MaxToolHops > 0 {
		maxHops = cfg.MaxToolHops
	}
	if maxHops <= 0 {
		maxHops = defaultMaxToolHops
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	o := &Orchestrator{
		llm:         cfg.LLM,
		tools:       cfg.Tools,
		memory:      cfg.Memory,
		scenario:    cfg.Scenario,
		sessionVars: cfg.SessionVars,
		retry:       cfg.Retry,
		maxHops:     maxHops,
		firstToken:  cfg.FirstToken,
		interToken:  cfg.InterToken,
		turnTimeout: cfg.TurnTimeout,
		metrics:     cfg.Metrics,
		log:         log,
		current:     cfg.Scenario.StartAgent,
		visits:      map[string]int{cfg.Scenario.StartAgent: 1},
		responseIDs: make(map[string]string),
	}
	return o, nil
}

// OnTool registers observers invoked around each tool execution, on the turn
// goroutine. Register before the first turn runs.
func (o *Orchestrator) OnTool(start, end func(name string)) {
	o.onToolStart = start
	o.onToolEnd = end
}

// State returns the current turn phase. Safe for concurrent use.
func (o *Orchestrator) State() State { return o.state.get() }

// CurrentAgent returns the active agent's name.
func (o *Orchestrator) CurrentAgent() string { return o.current }

// ReceivingUser marks the session as listening. Called by the pipeline when
// caller speech starts.
func (o *Orchestrator) ReceivingUser() { o.state.set(StateReceivingUser) }

// SessionGreeting renders the start agent's first-visit greeting. Empty when
// the agent has none configured.
func (o *Orchestrator) SessionGreeting() string {
	a, ok := o.scenario.Agent(o.current)
	if !ok {
		return ""
	}
	g := a.RenderGreeting(true, o.sessionVars)
	if g != "" {
		o.lastAssistant = g
		o.appendAssistant(o.current, g)
	}
	return g
}

// RunTurn executes one full turn for the user utterance: LLM invocation,
// sequential tool execution, bounded re-invocation, streaming text deltas to
// sink. On barge-in (ctx cancelled) the turn's partial output is discarded
// and nothing is appended to history.
func (o *Orchestrator) RunTurn(ctx context.Context, utterance string, sink TextSink) (*TurnResult, error) {
	start := time.Now()
	agentName := o.current
	o.state.set(StateThinking)
	defer func() {
		if o.state.get() != StateSwitching {
			o.state.set(StateIdle)
		}
	}()

	// The session context signals barge-in or hang-up; the turn deadline on
	// top of it is an upstream failure the caller apologizes for.
	session := ctx
	if o.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.turnTimeout)
		defer cancel()
	}

	o.memory.AppendHistory(agentName, types.Message{Role: "user", Content: utterance})
	o.memory.AppendAudit(memory.AuditEntry{Role: "user", Agent: agentName, Text: utterance})
	o.pendingOutputs = nil

	a, ok := o.scenario.Agent(agentName)
	if !ok {
		return nil, fmt.Errorf("orchestrator: agent %q not in scenario", agentName)
	}

	result := &TurnResult{}
	for {
		if result.Hops >= o.maxHops {
			o.log.Warn("tool hop bound exceeded", "agent", agentName, "hops", result.Hops)
			o.speakApology(agentName, sink, result)
			return result, nil
		}

		// A per-stream context releases the producer when the watchdog
		// abandons a stalled stream.
		sctx, cancelStream := context.WithCancel(ctx)
		chunkCh, err := o.invokeLLM(sctx, a, utterance)
		if err != nil {
			cancelStream()
			if ctx.Err() != nil && session.Err() == nil {
				o.log.Warn("turn deadline exceeded", "agent", agentName, "hops", result.Hops)
				o.speakApology(agentName, sink, result)
				return result, nil
			}
			if fault.IsCancelled(err) || session.Err() != nil {
				result.Interrupted = true
				o.state.set(StateInterrupted)
				return result, nil
			}
			o.log.Error("llm invocation failed", "agent", agentName, "error", err)
			o.speakApology(agentName, sink, result)
			return result, nil
		}
		result.Hops++

		text, toolCalls, streamErr := o.consumeStream(ctx, chunkCh, sink)
		cancelStream()
		if ctx.Err() != nil {
			if session.Err() == nil {
				o.log.Warn("turn deadline exceeded", "agent", agentName, "hops", result.Hops)
				o.speakApology(agentName, sink, result)
				return result, nil
			}
			// Barge-in: the partial reply and any orphaned tool results
			// are discarded.
			result.Interrupted = true
			o.state.set(StateInterrupted)
			return result, nil
		}
		if streamErr != nil && text == "" && len(toolCalls) == 0 {
			o.log.Error("llm stream failed", "agent", agentName, "error", streamErr)
			o.speakApology(agentName, sink, result)
			return result, nil
		}

		if len(toolCalls) == 0 {
			o.appendAssistant(agentName, text)
			o.lastAssistant = text
			result.Text = text
			o.recordTurn(ctx, agentName, "ok", start)
			return result, nil
		}

		// The assistant message carrying the tool calls precedes the results.
		o.memory.AppendHistory(agentName, types.Message{
			Role:      "assistant",
			Content:   text,
			ToolCalls: toolCalls,
		})

		for _, call := range toolCalls {
			res, done := o.executeToolCall(ctx, agentName, call, utterance, sink, result)
			if ctx.Err() != nil {
				if session.Err() == nil {
					o.log.Warn("turn deadline exceeded", "agent", agentName, "hops", result.Hops)
					o.speakApology(agentName, sink, result)
					return result, nil
				}
				result.Interrupted = true
				o.state.set(StateInterrupted)
				return result, nil
			}
			if done {
				o.recordTurn(ctx, agentName, "handoff", start)
				return res, nil
			}
		}
	}
}

// invokeLLM runs one model hop. The agent's endpoint preference decides the
// call shape: an explicit responses preference routes through the stateful
// responses endpoint, everything else opens the streaming chat call with
// transient-fault retries.
func (o *Orchestrator) invokeLLM(ctx context.Context, a *agent.Agent, utterance string) (<-chan llm.Chunk, error) {
	if llm.SelectEndpoint(a.Model.Endpoint, true, o.llm.Capabilities()) == llm.EndpointResponses {
		return o.invokeResponses(ctx, a, utterance)
	}

	req := llm.ChatRequest{
		Model:        a.Model.DeploymentFor(llm.EndpointChat),
		SystemPrompt: a.RenderPrompt(o.sessionVars),
		Messages:     o.memory.History(a.Name),
		Tools:        o.tools.ListForAgent(a.Tools),
		Temperature:  a.Model.Temperature,
		MaxTokens:    a.Model.MaxTokens,
	}
	return resilience.RetryResult(ctx, o.retry, func(ctx context.Context) (<-chan llm.Chunk, error) {
		return o.llm.StreamChat(ctx, req)
	})
}

// invokeResponses runs one hop on the responses endpoint and adapts the
// result onto the chunk channel the turn loop consumes. Conversation state
// chains server-side through the per-agent response id; tool results from
// the previous hop travel as tool outputs instead of resent history. The
// local history is still maintained so handoffs and agent switches see the
// full window.
func (o *Orchestrator) invokeResponses(ctx context.Context, a *agent.Agent, utterance string) (<-chan llm.Chunk, error) {
	req := llm.RespondRequest{
		Model:              a.Model.DeploymentFor(llm.EndpointResponses),
		Instructions:       a.RenderPrompt(o.sessionVars),
		PreviousResponseID: o.responseIDs[a.Name],
		Tools:              o.tools.ListForAgent(a.Tools),
		Temperature:        a.Model.Temperature,
		MaxTokens:          a.Model.MaxTokens,
	}
	if len(o.pendingOutputs) > 0 {
		req.ToolOutputs = o.pendingOutputs
		o.pendingOutputs = nil
	} else {
		req.Input = utterance
	}

	resp, err := resilience.RetryResult(ctx, o.retry, func(ctx context.Context) (*llm.RespondResponse, error) {
		return o.llm.Respond(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	o.responseIDs[a.Name] = resp.ID

	ch := make(chan llm.Chunk, 2)
	if resp.Content != "" {
		ch <- llm.Chunk{Text: resp.Content}
	}
	final := llm.Chunk{FinishReason: "stop"}
	if len(resp.ToolCalls) > 0 {
		final = llm.Chunk{FinishReason: "tool_calls", ToolCalls: resp.ToolCalls}
	}
	ch <- final
	close(ch)
	return ch, nil
}

// consumeStream drains one chat stream, forwarding text deltas to sink and
// collecting tool calls. A mid-stream error chunk is returned as streamErr.
// The first-token and inter-token watchdogs abandon a stalled stream with a
// TransientUpstream fault; the caller cancels the producer's context.
func (o *Orchestrator) consumeStream(ctx context.Context, ch <-chan llm.Chunk, sink TextSink) (text string, toolCalls []types.ToolCall, streamErr error) {
	var timer *time.Timer
	if o.firstToken > 0 {
		timer = time.NewTimer(o.firstToken)
		defer timer.Stop()
	}

	speaking := false
	received := false
	for {
		var chunk llm.Chunk
		var open bool
		if timer == nil {
			chunk, open = <-ch
		} else {
			select {
			case chunk, open = <-ch:
			case <-timer.C:
				stage := "inter-token"
				if !received {
					stage = "first-token"
				}
				return text, toolCalls, fault.Errorf(fault.TransientUpstream,
					"llm stream stalled at %s deadline", stage)
			case <-ctx.Done():
				return text, toolCalls, streamErr
			}
		}
		if !open {
			return text, toolCalls, streamErr
		}
		received = true

		if chunk.Text != "" {
			if !speaking {
				o.state.set(StateSpeaking)
				speaking = true
			}
			text += chunk.Text
			if sink != nil && ctx.Err() == nil {
				sink(chunk.Text)
			}
		}
		if len(chunk.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.ToolCalls...)
		}
		if chunk.FinishReason == "error" {
			streamErr = fault.Errorf(fault.TransientUpstream, "stream failed mid-generation")
		}

		if timer != nil {
			next := o.interToken
			if next <= 0 {
				next = o.firstToken
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(next)
		}
	}
}

// executeToolCall runs one tool invocation and appends its result. When the
// call resolves a handoff, the returned result carries it and done is true:
// a resolved handoff ends LLM iteration for the old agent.
func (o *Orchestrator) executeToolCall(ctx context.Context, agentName string, call types.ToolCall, utterance string, sink TextSink, result *TurnResult) (*TurnResult, bool) {
	entry, ok := o.tools.Lookup(call.Name)
	if !ok {
		o.log.Warn("model requested unknown tool", "tool", call.Name)
		o.appendToolResult(agentName, call.ID, toolError("unknown_tool", fmt.Sprintf("tool %q is not available", call.Name)))
		return nil, false
	}

	args := decodeObject(call.Arguments)
	output, execErr := o.runExecutor(ctx, entry, call.Arguments)
	if ctx.Err() != nil {
		// A barge-in during the executor discards the result; the caller
		// reports the interruption and the history keeps no trace of it.
		return nil, false
	}

	if entry.IsHandoff {
		return o.resolveHandoff(agentName, entry, call, args, output, utterance, sink, result)
	}

	if execErr != nil {
		kind := fault.ToolExecution
		if fault.Is(execErr, fault.ToolTimeout) {
			kind = fault.ToolTimeout
		}
		o.log.Warn("tool execution failed", "tool", entry.Name, "error", execErr)
		o.appendToolResult(agentName, call.ID, toolError(string(kind), execErr.Error()))
		return nil, false
	}
	o.appendToolResult(agentName, call.ID, string(output))
	return nil, false
}

// resolveHandoff consults the handoff service for a handoff tool call. The
// executor's output (its summary string) was already produced by the caller.
func (o *Orchestrator) resolveHandoff(agentName string, entry tool.Entry, call types.ToolCall, args map[string]any, output json.RawMessage, utterance string, sink TextSink, result *TurnResult) (*TurnResult, bool) {
	view := handoff.View{
		Scenario:      o.scenario,
		CurrentAgent:  agentName,
		UserUtterance: utterance,
		LastAssistant: o.lastAssistant,
		Visits:        o.visits,
	}
	res, err := handoff.Resolve(view, entry, args, decodeObject(string(output)))
	if err != nil {
		o.log.Warn("handoff unresolved", "tool", entry.Name, "error", err)
		o.appendToolResult(agentName, call.ID, toolError(string(fault.HandoffUnresolved), err.Error()))
		o.speakApology(agentName, sink, result)
		return result, true
	}

	// The old agent keeps the tool result; the new agent never sees it.
	o.appendToolResult(agentName, call.ID, string(output))
	o.state.set(StateSwitching)
	result.Handoff = &res
	return result, true
}

// runExecutor executes entry with its deadline, converting panics into
// structured tool-execution faults.
func (o *Orchestrator) runExecutor(ctx context.Context, entry tool.Entry, rawArgs string) (out json.RawMessage, err error) {
	if entry.Executor == nil {
		return json.RawMessage(`{"ok":true}`), nil
	}

	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = tool.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if o.onToolStart != nil {
		o.onToolStart(entry.Name)
	}
	if o.onToolEnd != nil {
		defer o.onToolEnd(entry.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fault.Errorf(fault.ToolExecution, "tool %s panicked: %v", entry.Name, r)
		}
	}()

	start := time.Now()
	out, err = entry.Executor(execCtx, json.RawMessage(rawArgs))
	if o.metrics != nil {
		kind := ""
		if err != nil {
			kind = string(fault.ToolExecution)
		}
		o.metrics.RecordToolExecution(ctx, entry.Name, kind, time.Since(start))
	}
	if err != nil && execCtx.Err() == context.DeadlineExceeded {
		return nil, fault.Errorf(fault.ToolTimeout, "tool %s exceeded %s", entry.Name, timeout)
	}
	return out, err
}

// ApplyHandoff switches the session to the resolution's target agent. The
// pipeline calls it after RunTurn returns a handoff, before speaking the
// greeting or running the continuation.
func (o *Orchestrator) ApplyHandoff(res handoff.Resolution) {
	o.current = res.TargetAgent
	o.visits[res.TargetAgent]++
	// The previous agent's last line never leaks across a discrete switch.
	o.lastAssistant = ""
	if o.metrics != nil {
		o.metrics.RecordHandoff(context.Background(), string(res.Kind), res.TargetAgent)
	}
	o.state.set(StateSwitching)
}

// SpeakGreeting records and returns the resolved greeting for the new agent,
// or "" when the resolution suppresses it. Call after ApplyHandoff.
func (o *Orchestrator) SpeakGreeting(res handoff.Resolution) string {
	if res.Greeting.Kind == handoff.GreetingSuppress || res.Greeting.Text == "" {
		return ""
	}
	o.appendAssistant(o.current, res.Greeting.Text)
	o.lastAssistant = res.Greeting.Text
	return res.Greeting.Text
}

// ContinueHandoff runs the discrete-handoff continuation turn: the new
// agent's first reply, driven by per-response additional instructions on the
// responses endpoint. The carried utterance travels verbatim; the system
// prompt is not replaced.
func (o *Orchestrator) ContinueHandoff(ctx context.Context, res handoff.Resolution, sink TextSink) (string, error) {
	a, ok := o.scenario.Agent(res.TargetAgent)
	if !ok {
		return "", fmt.Errorf("orchestrator: handoff target %q not in scenario", res.TargetAgent)
	}

	req := llm.RespondRequest{
		Model:                  a.Model.DeploymentFor(llm.EndpointResponses),
		Instructions:           a.RenderPrompt(o.sessionVars),
		AdditionalInstructions: res.Carried.Instructions(),
		PreviousResponseID:     o.responseIDs[a.Name],
		Tools:                  o.tools.ListForAgent(a.Tools),
		Temperature:            a.Model.Temperature,
		MaxTokens:              a.Model.MaxTokens,
	}
	resp, err := resilience.RetryResult(ctx, o.retry, func(ctx context.Context) (*llm.RespondResponse, error) {
		return o.llm.Respond(ctx, req)
	})
	if err != nil {
		if fault.IsCancelled(err) {
			return "", err
		}
		o.log.Error("handoff continuation failed", "agent", a.Name, "error", err)
		o.appendAssistant(a.Name, apologyText)
		if sink != nil {
			sink(apologyText)
		}
		return apologyText, nil
	}

	o.responseIDs[a.Name] = resp.ID
	o.state.set(StateSpeaking)
	if sink != nil && resp.Content != "" {
		sink(resp.Content)
	}
	o.appendAssistant(a.Name, resp.Content)
	o.lastAssistant = resp.Content
	o.state.set(StateIdle)
	return resp.Content, nil
}

// ExecuteServiceTool runs a tool call issued by the realtime service on the
// current agent's behalf. For a regular tool the returned output is the JSON
// result to post back to the service (structured error results included).
// For a handoff tool the resolution is returned instead; the output is empty
// and must NOT be posted — that is what makes a discrete handoff discrete.
func (o *Orchestrator) ExecuteServiceTool(ctx context.Context, call types.ToolCall, lastUser string) (string, *handoff.Resolution, error) {
	// The service posts tool outputs itself; nothing is carried over to a
	// responses-endpoint hop.
	o.pendingOutputs = nil

	entry, ok := o.tools.Lookup(call.Name)
	if !ok {
		o.log.Warn("service requested unknown tool", "tool", call.Name)
		return toolError("unknown_tool", fmt.Sprintf("tool %q is not available", call.Name)), nil, nil
	}

	output, execErr := o.runExecutor(ctx, entry, call.Arguments)

	if entry.IsHandoff {
		res, err := handoff.Resolve(o.HandoffView(lastUser), entry, decodeObject(call.Arguments), decodeObject(string(output)))
		if err != nil {
			return "", nil, err
		}
		o.appendToolResult(o.current, call.ID, string(output))
		o.state.set(StateSwitching)
		return "", &res, nil
	}

	if execErr != nil {
		kind := fault.ToolExecution
		if fault.Is(execErr, fault.ToolTimeout) {
			kind = fault.ToolTimeout
		}
		o.log.Warn("tool execution failed", "tool", entry.Name, "error", execErr)
		return toolError(string(kind), execErr.Error()), nil, nil
	}
	o.appendToolResult(o.current, call.ID, string(output))
	return string(output), nil, nil
}

// ProjectRealtime builds the realtime session projection for the named
// agent: rendered instructions, voice, tool definitions and VAD settings.
func (o *Orchestrator) ProjectRealtime(name string) (realtime.SessionConfig, error) {
	a, ok := o.scenario.Agent(name)
	if !ok {
		return realtime.SessionConfig{}, fmt.Errorf("orchestrator: agent %q not in scenario", name)
	}
	return a.RealtimeSession(o.tools.ListForAgent(a.Tools), o.sessionVars), nil
}

// Visits returns how many times the named agent has been visited.
func (o *Orchestrator) Visits(name string) int { return o.visits[name] }

// HandoffView exposes the session state the handoff resolver needs. The
// realtime pipeline uses it to resolve handoffs from service-side tool calls.
func (o *Orchestrator) HandoffView(utterance string) handoff.View {
	return handoff.View{
		Scenario:      o.scenario,
		CurrentAgent:  o.current,
		UserUtterance: utterance,
		LastAssistant: o.lastAssistant,
		Visits:        o.visits,
	}
}

// AppendUser records a user utterance without running a turn. The realtime
// pipeline uses it when the service generates the reply itself.
func (o *Orchestrator) AppendUser(utterance string) {
	o.memory.AppendHistory(o.current, types.Message{Role: "user", Content: utterance})
	o.memory.AppendAudit(memory.AuditEntry{Role: "user", Agent: o.current, Text: utterance})
}

// AppendAssistant records an assistant reply without running a turn.
func (o *Orchestrator) AppendAssistant(text string) {
	o.appendAssistant(o.current, text)
	o.lastAssistant = text
}

// LastAssistant returns the active agent's most recent spoken line.
func (o *Orchestrator) LastAssistant() string { return o.lastAssistant }

// ─── helpers ───

func (o *Orchestrator) appendAssistant(agentName, text string) {
	o.memory.AppendHistory(agentName, types.Message{Role: "assistant", Content: text})
	o.memory.AppendAudit(memory.AuditEntry{Role: "assistant", Agent: agentName, Text: text})
}

func (o *Orchestrator) appendToolResult(agentName, callID, content string) {
	o.memory.AppendHistory(agentName, types.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: callID,
	})
	o.pendingOutputs = append(o.pendingOutputs, llm.ToolOutput{CallID: callID, Output: content})
}

func (o *Orchestrator) speakApology(agentName string, sink TextSink, result *TurnResult) {
	o.state.set(StateSpeaking)
	if sink != nil {
		sink(apologyText)
	}
	o.appendAssistant(agentName, apologyText)
	o.lastAssistant = apologyText
	result.Text = apologyText
}

func (o *Orchestrator) recordTurn(ctx context.Context, agentName, status string, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordTurn(ctx, agentName, "cascade", status, time.Since(start))
	}
}

// toolError renders the structured failure result fed back to the model.
func toolError(kind, message string) string {
	b, _ := json.Marshal(map[string]any{
		"ok":      false,
		"error":   kind,
		"message": message,
	})
	return string(b)
}

// decodeObject parses a JSON object string, returning nil on anything else.
func decodeObject(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
