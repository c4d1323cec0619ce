package agent_test

import (
	"strings"
	"testing"

	"github.com/parlancehq/parlance/internal/agent"
	"github.com/parlancehq/parlance/pkg/provider/llm"
)

func TestRender_ResolvesPlaceholders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tmpl string
		vars map[string]string
		want string
	}{
		{"no placeholders", "Hello there.", nil, "Hello there."},
		{"simple", "Hello {{ name }}.", map[string]string{"name": "Dana"}, "Hello Dana."},
		{"tight braces", "Hi {{name}}!", map[string]string{"name": "Lee"}, "Hi Lee!"},
		{"missing var kept", "Welcome to {{ org }}.", nil, "Welcome to {{ org }}."},
		{"repeated", "{{ x }} and {{ x }}", map[string]string{"x": "one"}, "one and one"},
		{"empty template", "", map[string]string{"x": "v"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := agent.Render(tt.tmpl, tt.vars); got != tt.want {
				t.Errorf("Render(%q) = %q; want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestRenderGreeting_VisitSelection(t *testing.T) {
	t.Parallel()

	a := &agent.Agent{
		Name:           "triage",
		GreetingFirst:  "Welcome, {{ caller }}.",
		GreetingReturn: "Welcome back, {{ caller }}.",
		Vars:           map[string]string{"caller": "friend"},
	}

	if got := a.RenderGreeting(true, nil); got != "Welcome, friend." {
		t.Errorf("first visit = %q", got)
	}
	if got := a.RenderGreeting(false, nil); got != "Welcome back, friend." {
		t.Errorf("return visit = %q", got)
	}

	// Return visit falls back to first-contact when no return template exists.
	b := &agent.Agent{Name: "billing", GreetingFirst: "Billing here."}
	if got := b.RenderGreeting(false, nil); got != "Billing here." {
		t.Errorf("fallback = %q", got)
	}
}

func TestRenderPrompt_ExtraVarsWin(t *testing.T) {
	t.Parallel()

	a := &agent.Agent{
		Name:   "triage",
		Prompt: "You work for {{ org }}.",
		Vars:   map[string]string{"org": "Acme"},
	}
	if got := a.RenderPrompt(map[string]string{"org": "Globex"}); got != "You work for Globex." {
		t.Errorf("prompt = %q", got)
	}
	// The agent's own vars must be untouched.
	if a.Vars["org"] != "Acme" {
		t.Errorf("agent vars mutated: %v", a.Vars)
	}
}

func TestWithOverrides_DoesNotMutateReceiver(t *testing.T) {
	t.Parallel()

	a := &agent.Agent{
		Name:          "triage",
		GreetingFirst: "original",
		Vars:          map[string]string{"k": "v"},
	}
	b := a.WithOverrides("custom greeting", map[string]string{"k": "v2"})

	if b.GreetingFirst != "custom greeting" || b.GreetingReturn != "custom greeting" {
		t.Errorf("override not applied: %+v", b)
	}
	if b.Vars["k"] != "v2" {
		t.Errorf("override vars = %v", b.Vars)
	}
	if a.GreetingFirst != "original" || a.Vars["k"] != "v" {
		t.Errorf("receiver mutated: %+v", a)
	}
}

func TestRealtimeSession_ProjectsAgent(t *testing.T) {
	t.Parallel()

	a := &agent.Agent{
		Name:   "fraud_desk",
		Prompt: "You are the {{ role }}.",
		Vars:   map[string]string{"role": "fraud desk"},
		Voice:  agent.VoiceConfig{VoiceID: "coral", Rate: 1.1},
		Realtime: agent.RealtimeDefaults{
			Modalities:         []string{"audio", "text"},
			TurnDetection:      &agent.TurnDetectionConfig{Type: "server_vad", SilenceDurationMs: 400},
			TranscriptionModel: "whisper-1",
		},
	}

	cfg := a.RealtimeSession(nil, nil)
	if cfg.Instructions != "You are the fraud desk." {
		t.Errorf("instructions = %q", cfg.Instructions)
	}
	if cfg.Voice.ID != "coral" {
		t.Errorf("voice = %+v", cfg.Voice)
	}
	if cfg.TurnDetection == nil || cfg.TurnDetection.SilenceDurationMs != 400 {
		t.Errorf("turn detection = %+v", cfg.TurnDetection)
	}
	if cfg.Transcription == nil || cfg.Transcription.Model != "whisper-1" {
		t.Errorf("transcription = %+v", cfg.Transcription)
	}
}

func TestModelConfig_DeploymentFor(t *testing.T) {
	t.Parallel()

	m := agent.ModelConfig{
		Deployment: "gpt-4o",
		Deployments: map[llm.Endpoint]string{
			llm.EndpointRealtime: "gpt-4o-realtime-preview",
		},
	}
	if got := m.DeploymentFor(llm.EndpointRealtime); got != "gpt-4o-realtime-preview" {
		t.Errorf("realtime deployment = %q", got)
	}
	if got := m.DeploymentFor(llm.EndpointChat); got != "gpt-4o" {
		t.Errorf("chat deployment = %q", got)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a    agent.Agent
	}{
		{"missing name", agent.Agent{}},
		{"bad endpoint", agent.Agent{Name: "x", Model: agent.ModelConfig{Endpoint: "grpc"}}},
		{"rate too low", agent.Agent{Name: "x", Voice: agent.VoiceConfig{Rate: 0.1}}},
		{"pitch out of range", agent.Agent{Name: "x", Voice: agent.VoiceConfig{Pitch: 15}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.a.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadCatalogFromReader(t *testing.T) {
	t.Parallel()

	doc := `
agents:
  - name: triage
    description: First contact.
    prompt: "You are the triage agent for {{ org }}."
    greeting_first: "Thanks for calling {{ org }}."
    tools: [transfer_to_billing]
    model:
      deployment: gpt-4o
      endpoint: auto
    voice:
      voice_id: coral
    vars:
      org: Acme
  - name: billing
    prompt: "You handle billing."
`
	c, err := agent.LoadCatalogFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadCatalogFromReader: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d; want 2", c.Len())
	}
	triage, ok := c.Get("triage")
	if !ok {
		t.Fatal("triage not found")
	}
	if triage.Vars["org"] != "Acme" {
		t.Errorf("vars = %v", triage.Vars)
	}
	if c.Default().Name != "triage" {
		t.Errorf("Default = %q; want triage (file order)", c.Default().Name)
	}
}

func TestNewCatalog_RejectsDuplicatesAndEmpty(t *testing.T) {
	t.Parallel()

	if _, err := agent.NewCatalog(nil); err == nil {
		t.Error("expected error for empty catalog")
	}
	_, err := agent.NewCatalog([]agent.Agent{{Name: "a"}, {Name: "a"}})
	if err == nil {
		t.Error("expected error for duplicate names")
	}
}
