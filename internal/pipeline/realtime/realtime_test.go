package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parlancehq/parlance/internal/agent"
	"github.com/parlancehq/parlance/internal/memory"
	"github.com/parlancehq/parlance/internal/orchestrator"
	"github.com/parlancehq/parlance/internal/resilience"
	"github.com/parlancehq/parlance/internal/scenario"
	"github.com/parlancehq/parlance/internal/tool"
	"github.com/parlancehq/parlance/internal/transport"
	llmmock "github.com/parlancehq/parlance/pkg/provider/llm/mock"
	realtimeprov "github.com/parlancehq/parlance/pkg/provider/realtime"
	rtmock "github.com/parlancehq/parlance/pkg/provider/realtime/mock"
	"github.com/parlancehq/parlance/pkg/types"
)

// ─── fake transport ───

type fakeConn struct {
	audioIn chan []byte
	done    chan struct{}

	mu       sync.Mutex
	sent     [][]byte
	controls []transport.Control
	stops    int
}

var _ transport.Conn = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{
		audioIn: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Start() transport.StartRequest {
	return transport.StartRequest{SampleRate: 16000}
}
func (c *fakeConn) Audio() <-chan []byte { return c.audioIn }

func (c *fakeConn) SendAudio(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeConn) SendControl(ctl transport.Control) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, ctl)
	return nil
}

func (c *fakeConn) StopPlayback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) Err() error            { return nil }
func (c *fakeConn) Close() error          { return nil }

func (c *fakeConn) controlsOf(typ transport.ControlType) []transport.Control {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []transport.Control
	for _, ctl := range c.controls {
		if ctl.Type == typ {
			out = append(out, ctl)
		}
	}
	return out
}

// ─── fixture ───

const scenarioYAML = `
scenarios:
  - name: support
    start_agent: triage
    agents: [triage, billing]
    handoffs:
      - from: triage
        to: billing
        tool: transfer_to_billing
        kind: announced
        share_context: true
      - from: triage
        to: supervisor
        tool: escalate
        kind: discrete
        share_context: true
`

func testAgents(t *testing.T) *agent.Catalog {
	t.Helper()
	cat, err := agent.NewCatalog([]agent.Agent{
		{
			Name:          "triage",
			Prompt:        "You are the triage agent.",
			GreetingFirst: "Hello, this is triage.",
			Tools:         []string{"lookup_order", "transfer_to_billing", "escalate"},
		},
		{
			Name:          "billing",
			Prompt:        "You are the billing agent.",
			GreetingFirst: "Billing here, how can I help?",
		},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return cat
}

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	entries := []tool.Entry{
		{
			Name:        "lookup_order",
			Description: "Look up an order.",
			Executor: func(context.Context, json.RawMessage) (json.RawMessage, error) {
				return json.RawMessage(`{"ok":true,"status":"shipped"}`), nil
			},
		},
		{
			Name:        "transfer_to_billing",
			Description: "Transfer to billing.",
			IsHandoff:   true,
		},
		{
			Name:        "escalate",
			Description: "Escalate to a supervisor.",
			IsHandoff:   true,
		},
	}
	for _, e := range entries {
		if err := reg.Register(e); err != nil {
			t.Fatalf("Register(%s): %v", e.Name, err)
		}
	}
	return reg
}

type harness struct {
	conn    *fakeConn
	sess    *rtmock.Session
	orch    *orchestrator.Orchestrator
	mem     *memory.Manager
	runDone chan error
}

func startPipeline(t *testing.T) *harness {
	t.Helper()

	cat, err := scenario.LoadCatalogFromReader(strings.NewReader(scenarioYAML))
	if err != nil {
		t.Fatalf("scenario catalog: %v", err)
	}
	resolved, err := cat.Resolve("support", testAgents(t), "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	mem := memory.NewManager("sess", memory.NewMemStore(), memory.WithFlushInterval(time.Hour))
	t.Cleanup(func() { _ = mem.Close() })

	orch, err := orchestrator.New(orchestrator.Config{
		LLM:      &llmmock.Provider{},
		Tools:    testRegistry(t),
		Memory:   mem,
		Scenario: resolved,
		Retry:    resilience.RetryConfig{Attempts: 1, BaseDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	h := &harness{
		conn:    newFakeConn(),
		sess:    rtmock.NewSession(),
		orch:    orch,
		mem:     mem,
		runDone: make(chan error, 1),
	}

	p, err := New(Config{
		Conn:         h.conn,
		Session:      h.sess,
		Orchestrator: orch,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.runDone <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runDone:
		case <-time.After(5 * time.Second):
			t.Error("pipeline did not stop")
		}
	})
	return h
}

// wait blocks until Run returns and reports its error.
func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runDone:
		h.runDone <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ─── tests ───

func TestPipeline_OpensWithGreeting(t *testing.T) {
	t.Parallel()

	h := startPipeline(t)
	close(h.sess.EventsCh)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(h.sess.CreateResponseCalls) != 1 {
		t.Fatalf("CreateResponse calls = %d, want 1", len(h.sess.CreateResponseCalls))
	}
	got := h.sess.CreateResponseCalls[0].AdditionalInstructions
	if !strings.Contains(got, `"Hello, this is triage."`) {
		t.Errorf("opening instructions = %q", got)
	}
}

func TestPipeline_ForwardsCallerAudioToSession(t *testing.T) {
	t.Parallel()

	h := startPipeline(t)
	h.conn.audioIn <- []byte{0x01, 0x02}
	h.conn.audioIn <- []byte{0x03, 0x04}
	close(h.conn.audioIn)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(h.sess.SendAudioCalls) != 2 {
		t.Fatalf("SendAudio calls = %d, want 2", len(h.sess.SendAudioCalls))
	}
	if got := h.sess.SendAudioCalls[0].Chunk; got[0] != 0x01 {
		t.Errorf("first chunk = %v", got)
	}
}

func TestPipeline_ForwardsModelAudioToTransport(t *testing.T) {
	t.Parallel()

	h := startPipeline(t)
	h.sess.AudioCh <- []byte{0xAA, 0xBB}
	close(h.sess.AudioCh)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()
	if len(h.conn.sent) != 1 || h.conn.sent[0][0] != 0xAA {
		t.Errorf("transport audio = %v", h.conn.sent)
	}
}

func TestPipeline_UserTranscriptRecorded(t *testing.T) {
	t.Parallel()

	h := startPipeline(t)
	h.sess.EventsCh <- realtimeprov.Event{Type: realtimeprov.EventUserTranscript, Transcript: "where is my order"}
	close(h.sess.EventsCh)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	finals := h.conn.controlsOf(transport.ControlTranscriptFinal)
	if len(finals) != 1 || finals[0].Text != "where is my order" {
		t.Errorf("final controls = %+v", finals)
	}
	hist := h.mem.History("triage")
	var found bool
	for _, m := range hist {
		if m.Role == "user" && m.Content == "where is my order" {
			found = true
		}
	}
	if !found {
		t.Errorf("user utterance missing from history: %+v", hist)
	}
}

func TestPipeline_AssistantTranscriptRecorded(t *testing.T) {
	t.Parallel()

	h := startPipeline(t)
	h.sess.EventsCh <- realtimeprov.Event{Type: realtimeprov.EventAssistantTranscript, Transcript: "It shipped yesterday."}
	close(h.sess.EventsCh)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var found bool
	for _, m := range h.mem.History("triage") {
		if m.Role == "assistant" && m.Content == "It shipped yesterday." {
			found = true
		}
	}
	if !found {
		t.Error("assistant transcript missing from history")
	}
}

func TestPipeline_SpeechStartedTriggersBargeIn(t *testing.T) {
	t.Parallel()

	h := startPipeline(t)
	h.sess.EventsCh <- realtimeprov.Event{Type: realtimeprov.EventSpeechStarted}
	close(h.sess.EventsCh)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if h.sess.InterruptCallCount != 1 {
		t.Errorf("Interrupt calls = %d, want 1", h.sess.InterruptCallCount)
	}
	h.conn.mu.Lock()
	stops := h.conn.stops
	h.conn.mu.Unlock()
	if stops != 1 {
		t.Errorf("stop-playback signals = %d, want 1", stops)
	}
	if got := h.orch.State(); got != orchestrator.StateReceivingUser {
		t.Errorf("state = %v, want ReceivingUser", got)
	}
}

func TestPipeline_FunctionCallPostsOutputAndContinues(t *testing.T) {
	t.Parallel()

	h := startPipeline(t)
	h.sess.EventsCh <- realtimeprov.Event{
		Type: realtimeprov.EventFunctionCall,
		Call: types.ToolCall{ID: "c1", Name: "lookup_order", Arguments: `{"order":"42"}`},
	}
	close(h.sess.EventsCh)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(h.sess.ToolOutputCalls) != 1 {
		t.Fatalf("tool output calls = %d, want 1", len(h.sess.ToolOutputCalls))
	}
	out := h.sess.ToolOutputCalls[0]
	if out.CallID != "c1" || !strings.Contains(out.Output, `"shipped"`) {
		t.Errorf("tool output = %+v", out)
	}
	// Opening greeting plus the post-tool continuation.
	last := h.sess.CreateResponseCalls[len(h.sess.CreateResponseCalls)-1]
	if last.AdditionalInstructions != "" {
		t.Errorf("continuation instructions = %q, want empty", last.AdditionalInstructions)
	}
}

func TestPipeline_HandoffReconfiguresSession(t *testing.T) {
	t.Parallel()

	h := startPipeline(t)
	h.sess.EventsCh <- realtimeprov.Event{Type: realtimeprov.EventUserTranscript, Transcript: "I have a billing question"}
	h.sess.EventsCh <- realtimeprov.Event{
		Type: realtimeprov.EventFunctionCall,
		Call: types.ToolCall{ID: "c1", Name: "transfer_to_billing", Arguments: `{"reason":"billing question"}`},
	}

	// The session-update acknowledgement flows through EventsCh, so the
	// channel must stay open until the switch completes.
	waitFor(t, "agent.switched control", func() bool {
		return len(h.conn.controlsOf(transport.ControlAgentSwitched)) == 1
	})
	close(h.sess.EventsCh)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(h.sess.UpdateSessionCalls) != 1 {
		t.Fatalf("update calls = %d, want 1", len(h.sess.UpdateSessionCalls))
	}
	if got := h.sess.UpdateSessionCalls[0].Cfg.Instructions; !strings.Contains(got, "billing agent") {
		t.Errorf("updated instructions = %q", got)
	}
	if len(h.sess.ToolOutputCalls) != 0 {
		t.Errorf("handoff tool output was posted: %+v", h.sess.ToolOutputCalls)
	}
	if got := h.orch.CurrentAgent(); got != "billing" {
		t.Errorf("current agent = %q, want billing", got)
	}

	last := h.sess.CreateResponseCalls[len(h.sess.CreateResponseCalls)-1].AdditionalInstructions
	if !strings.Contains(last, `"Billing here, how can I help?"`) {
		t.Errorf("handoff instructions missing greeting: %q", last)
	}
	if !strings.Contains(last, "The caller just said: I have a billing question") {
		t.Errorf("handoff instructions missing carried utterance: %q", last)
	}
}

func TestPipeline_UnresolvedHandoffApologizes(t *testing.T) {
	t.Parallel()

	h := startPipeline(t)
	// The escalate edge targets an agent outside the scenario's effective
	// set, so resolution fails.
	h.sess.EventsCh <- realtimeprov.Event{
		Type: realtimeprov.EventFunctionCall,
		Call: types.ToolCall{ID: "c1", Name: "escalate", Arguments: `{"reason":"angry caller"}`},
	}
	close(h.sess.EventsCh)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(h.sess.ToolOutputCalls) != 1 || !strings.Contains(h.sess.ToolOutputCalls[0].Output, "handoff_unresolved") {
		t.Errorf("tool output calls = %+v", h.sess.ToolOutputCalls)
	}
	last := h.sess.CreateResponseCalls[len(h.sess.CreateResponseCalls)-1].AdditionalInstructions
	if !strings.Contains(last, "Apologize") {
		t.Errorf("apology instructions = %q", last)
	}
	if got := h.orch.CurrentAgent(); got != "triage" {
		t.Errorf("current agent = %q, want triage", got)
	}
	if len(h.sess.UpdateSessionCalls) != 0 {
		t.Errorf("session was reconfigured on a failed handoff: %+v", h.sess.UpdateSessionCalls)
	}
}

func TestPipeline_SessionCloseOnExit(t *testing.T) {
	t.Parallel()

	h := startPipeline(t)
	close(h.sess.EventsCh)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.sess.CloseCallCount != 1 {
		t.Errorf("Close calls = %d, want 1", h.sess.CloseCallCount)
	}
}
