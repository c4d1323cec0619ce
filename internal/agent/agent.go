// Package agent defines the immutable Agent model: a named persona with a
// prompt template, greetings, tool grants, model preferences, and a voice.
//
// Agents are loaded from a YAML catalog at startup and never mutated
// afterwards; applying overrides produces a new value. Template placeholders
// use the `{{ var }}` syntax and are resolved against a variables map at
// render time.
package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
	"github.com/parlancehq/parlance/pkg/provider/tts"
	"github.com/parlancehq/parlance/pkg/types"
)

// ModelConfig holds an agent's LLM preferences.
type ModelConfig struct {
	// Deployment is the model or deployment name (e.g. "gpt-4o").
	Deployment string `yaml:"deployment"`

	// Temperature and MaxTokens are passed through to the provider.
	// Zero values mean provider defaults.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Endpoint selects the API surface: auto, chat, responses, or realtime.
	Endpoint llm.Endpoint `yaml:"endpoint"`

	// Deployments maps an endpoint to a deployment override, for agents that
	// use a different model on, say, the realtime endpoint.
	Deployments map[llm.Endpoint]string `yaml:"deployments"`
}

// DeploymentFor returns the deployment to use on the given endpoint,
// falling back to the default Deployment.
func (m ModelConfig) DeploymentFor(ep llm.Endpoint) string {
	if d, ok := m.Deployments[ep]; ok && d != "" {
		return d
	}
	return m.Deployment
}

// VoiceConfig specifies the TTS voice parameters for an agent.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Style is a provider-specific delivery style hint.
	Style string `yaml:"style"`

	// Rate adjusts speaking rate in the range [0.5, 2.0]. 0 means default.
	Rate float64 `yaml:"rate"`

	// Pitch adjusts pitch in the range [-10, +10]. 0 means default.
	Pitch float64 `yaml:"pitch"`
}

// Profile converts the config into the provider-facing voice profile.
func (v VoiceConfig) Profile() tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:    v.VoiceID,
		Style: v.Style,
		Rate:  v.Rate,
		Pitch: v.Pitch,
	}
}

// RealtimeDefaults holds the per-agent session projection for the realtime
// pipeline. Zero values fall back to provider defaults.
type RealtimeDefaults struct {
	Modalities        []string `yaml:"modalities"`
	InputAudioFormat  string   `yaml:"input_audio_format"`
	OutputAudioFormat string   `yaml:"output_audio_format"`

	// TurnDetection configures server-side VAD. Nil means provider default.
	TurnDetection *TurnDetectionConfig `yaml:"turn_detection"`

	// TranscriptionModel enables input transcription when non-empty.
	TranscriptionModel string `yaml:"transcription_model"`
}

// TurnDetectionConfig mirrors the realtime turn-detection policy.
type TurnDetectionConfig struct {
	Type              string  `yaml:"type"`
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

// Agent is one persona in the catalog. Immutable after load.
type Agent struct {
	// Name uniquely identifies the agent within the catalog.
	Name string `yaml:"name"`

	// Description is a short operator-facing summary, also usable by routing
	// tools to pick a handoff target.
	Description string `yaml:"description"`

	// Prompt is the system prompt template.
	Prompt string `yaml:"prompt"`

	// GreetingFirst is spoken on the agent's first visit in a session;
	// GreetingReturn on subsequent visits (falls back to GreetingFirst).
	// Either may be empty.
	GreetingFirst  string `yaml:"greeting_first"`
	GreetingReturn string `yaml:"greeting_return"`

	// Tools lists tool registry names this agent may call.
	Tools []string `yaml:"tools"`

	Model    ModelConfig      `yaml:"model"`
	Voice    VoiceConfig      `yaml:"voice"`
	Realtime RealtimeDefaults `yaml:"realtime"`

	// Vars are the default template variables, overridable per scenario and
	// per session start.
	Vars map[string]string `yaml:"vars"`
}

// placeholderRe matches `{{ var }}` with optional surrounding whitespace.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Render resolves `{{ var }}` placeholders in tmpl against vars. Placeholders
// with no binding are left intact so that a missing variable is visible in
// logs rather than silently blanked.
func Render(tmpl string, vars map[string]string) string {
	if tmpl == "" || !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return match
	})
}

// RenderPrompt renders the system prompt with the agent's default vars
// overlaid by extra.
func (a *Agent) RenderPrompt(extra map[string]string) string {
	return Render(a.Prompt, mergeVars(a.Vars, extra))
}

// RenderGreeting renders the greeting for the given visit. firstVisit selects
// GreetingFirst; otherwise GreetingReturn with GreetingFirst as fallback.
// Returns "" when the agent declares no applicable greeting.
func (a *Agent) RenderGreeting(firstVisit bool, extra map[string]string) string {
	tmpl := a.GreetingFirst
	if !firstVisit && a.GreetingReturn != "" {
		tmpl = a.GreetingReturn
	}
	return Render(tmpl, mergeVars(a.Vars, extra))
}

// WithOverrides returns a copy of the agent with non-empty override fields
// applied. The receiver is never mutated.
func (a *Agent) WithOverrides(greeting string, vars map[string]string) *Agent {
	out := *a
	if greeting != "" {
		out.GreetingFirst = greeting
		out.GreetingReturn = greeting
	}
	if len(vars) > 0 {
		out.Vars = mergeVars(a.Vars, vars)
	}
	return &out
}

// RealtimeSession projects the agent onto a realtime session configuration:
// rendered instructions, voice, tool schemas, and turn-detection policy.
func (a *Agent) RealtimeSession(tools []types.ToolDefinition, extra map[string]string) realtime.SessionConfig {
	cfg := realtime.SessionConfig{
		Voice:             a.Voice.Profile(),
		Instructions:      a.RenderPrompt(extra),
		Tools:             tools,
		Modalities:        a.Realtime.Modalities,
		InputAudioFormat:  a.Realtime.InputAudioFormat,
		OutputAudioFormat: a.Realtime.OutputAudioFormat,
	}
	if td := a.Realtime.TurnDetection; td != nil {
		cfg.TurnDetection = &realtime.TurnDetection{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
		}
	}
	if a.Realtime.TranscriptionModel != "" {
		cfg.Transcription = &realtime.Transcription{Model: a.Realtime.TranscriptionModel}
	}
	return cfg
}

// Validate checks structural requirements on a single agent.
func (a *Agent) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("agent: name is required")
	}
	if a.Model.Endpoint != "" {
		if _, err := llm.ParseEndpoint(string(a.Model.Endpoint)); err != nil {
			return fmt.Errorf("agent %q: %w", a.Name, err)
		}
	}
	if r := a.Voice.Rate; r != 0 && (r < 0.5 || r > 2.0) {
		return fmt.Errorf("agent %q: voice.rate %.2f out of range [0.5, 2.0]", a.Name, r)
	}
	if p := a.Voice.Pitch; p < -10 || p > 10 {
		return fmt.Errorf("agent %q: voice.pitch %.2f out of range [-10, 10]", a.Name, p)
	}
	return nil
}

func mergeVars(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
