// Package realtime defines the Provider interface for bidirectional
// speech-to-speech backends.
//
// A realtime provider wraps a stateful voice service that accepts raw audio
// input and returns synthesised audio output in a single session — bypassing
// the separate STT → LLM → TTS cascade entirely. The OpenAI Realtime API is
// the reference implementation.
//
// The central abstraction is SessionHandle: a bidirectional, multiplexed
// connection that carries audio one way on a dedicated channel and everything
// else — transcripts, function calls, turn boundaries, speech activity,
// configuration acknowledgements — as a single ordered Event stream. The
// orchestrator drives the session from that stream: it decides when to post
// tool outputs, when to trigger a new response, and when to reconfigure the
// session for a different agent. Providers never act on a function call by
// themselves; a discrete handoff depends on the tool output NOT being posted.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"

	"github.com/parlancehq/parlance/pkg/provider/tts"
	"github.com/parlancehq/parlance/pkg/types"
)

// EventType discriminates the Event stream.
type EventType string

const (
	// EventSessionUpdated confirms that a session configuration change
	// (UpdateSession) has been applied server-side. Reconfiguration is
	// asynchronous: a caller switching agents must wait for this event before
	// creating a response under the new configuration.
	EventSessionUpdated EventType = "session_updated"

	// EventUserTranscript carries the committed transcription of a user
	// utterance. Transcript holds the text.
	EventUserTranscript EventType = "user_transcript"

	// EventAssistantTranscript carries the full text of an assistant audio
	// response, assembled from the provider's transcript deltas. Transcript
	// holds the text.
	EventAssistantTranscript EventType = "assistant_transcript"

	// EventFunctionCall signals that the model requested a tool invocation.
	// Call holds the id, name and JSON arguments. The caller executes the
	// tool and posts the result with SendToolOutput — or deliberately does
	// not, on a discrete handoff.
	EventFunctionCall EventType = "function_call"

	// EventResponseDone marks the end of a model response turn.
	EventResponseDone EventType = "response_done"

	// EventSpeechStarted signals that the user began speaking. This is the
	// barge-in trigger in realtime mode.
	EventSpeechStarted EventType = "speech_started"

	// EventError carries a non-fatal error reported by the service. Err holds
	// the error. The session remains usable.
	EventError EventType = "error"
)

// Event is one entry in the session's ordered event stream.
type Event struct {
	// Type discriminates which of the remaining fields are meaningful.
	Type EventType

	// Transcript is the text for transcript events.
	Transcript string

	// Call is the requested tool invocation for EventFunctionCall. Call.ID is
	// the provider call id to pass back to SendToolOutput.
	Call types.ToolCall

	// Err is set for EventError.
	Err error
}

// TurnDetection configures the provider-side voice activity detector that
// decides when a user turn is complete.
type TurnDetection struct {
	// Type selects the detector: "server_vad" (provider default) or "none"
	// (the caller commits turns explicitly).
	Type string

	// Threshold is the speech probability threshold (0.0–1.0, provider
	// default when zero).
	Threshold float64

	// PrefixPaddingMs is audio included before detected speech start.
	PrefixPaddingMs int

	// SilenceDurationMs is the trailing silence that ends a turn.
	SilenceDurationMs int
}

// Transcription configures input-audio transcription.
type Transcription struct {
	// Model is the transcription model identifier (e.g., "whisper-1").
	Model string
}

// SessionConfig is the session-level projection of an agent: everything the
// service needs to speak and act as that agent. It is sent at Connect and
// again by UpdateSession whenever the active agent changes.
type SessionConfig struct {
	// Voice defines the voice used for synthesised speech output.
	Voice tts.VoiceProfile

	// Instructions is the rendered system prompt for the active agent.
	Instructions string

	// Tools is the set of tool definitions offered to the model.
	Tools []types.ToolDefinition

	// Modalities lists the response modalities (e.g., "audio", "text").
	// Nil uses the provider default.
	Modalities []string

	// InputAudioFormat and OutputAudioFormat name the wire audio encodings
	// (e.g., "pcm16", "g711_ulaw"). Empty uses "pcm16".
	InputAudioFormat  string
	OutputAudioFormat string

	// TurnDetection configures the provider-side VAD. Nil uses the provider
	// default.
	TurnDetection *TurnDetection

	// Transcription configures input transcription. Nil disables explicit
	// configuration.
	Transcription *Transcription
}

// ContextItem is a text message injected into the session's rolling context
// without triggering a response.
type ContextItem struct {
	// Role is the speaker role: "system", "user" or "assistant".
	Role string

	// Content is the text content.
	Content string
}

// Capabilities describes static properties of the realtime provider.
type Capabilities struct {
	// ContextWindow is the maximum token count the model maintains across
	// the session.
	ContextWindow int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented
	// limit.
	MaxSessionDurationMs int

	// SupportsResumption indicates whether a session can be reconnected
	// after a transient network failure without losing accumulated context.
	SupportsResumption bool

	// Voices lists the voice profiles available for this provider.
	Voices []tts.VoiceProfile
}

// SessionHandle represents an open realtime session. It is an interface so
// that test code can supply mock implementations without a live connection.
//
// The session is the hot path of the realtime pipeline — every method must
// return quickly. All methods must be safe for concurrent use. Callers must
// call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a raw audio chunk in the negotiated input format.
	// Returns an error if the session is closed.
	SendAudio(chunk []byte) error

	// Audio returns a read-only channel that emits raw audio byte slices as
	// the model synthesises its spoken response. The channel is closed when
	// the session ends. Consumers must drain it promptly; backpressure here
	// stalls the provider's receive loop.
	Audio() <-chan []byte

	// Events returns the ordered event stream for everything that is not
	// audio. The channel is closed when the session ends. Consumers must
	// drain it promptly.
	Events() <-chan Event

	// UpdateSession replaces the session configuration (instructions, voice,
	// tools, turn detection). The change is asynchronous; an
	// EventSessionUpdated arrives once applied.
	UpdateSession(cfg SessionConfig) error

	// InjectContext appends items to the session's rolling context without
	// triggering a response.
	InjectContext(items []ContextItem) error

	// SendToolOutput posts an executed tool result for the given provider
	// call id. It does not trigger a response by itself; call CreateResponse
	// to continue the turn.
	SendToolOutput(callID, output string) error

	// CreateResponse asks the model to produce a response now.
	// additionalInstructions, when non-empty, is applied to this response
	// only and is never stored in the session's instructions — it is the
	// carrier for discrete-handoff context.
	CreateResponse(additionalInstructions string) error

	// Interrupt stops the current model response and discards buffered
	// audio server-side. Used on barge-in.
	Interrupt() error

	// Err returns the error that caused the Audio and Events channels to
	// close prematurely, or nil if the session ended cleanly.
	Err() error

	// Close terminates the session, releases all resources, and closes the
	// Audio and Events channels. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any realtime speech backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per connected caller).
type Provider interface {
	// Connect establishes a new realtime session with the given
	// configuration. The returned SessionHandle is ready to accept audio
	// immediately.
	//
	// Returns an error if the session cannot be established. The caller owns
	// the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's underlying
	// model. Assumed constant for the lifetime of the Provider instance.
	Capabilities() Capabilities
}
