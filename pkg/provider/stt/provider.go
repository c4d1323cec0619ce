// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or a
// local Whisper build) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw PCM audio
// chunks and emits two streams of Transcript values — low-latency partials for
// responsiveness and committed finals that drive the turn. A third stream
// carries speech-activity events so the barge-in path can react before any
// transcript exists.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/parlancehq/parlance/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000 (browser
	// transport default), 8000 (telephony after µ-law decode).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most STT
	// providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "de-DE"). An empty string lets the provider auto-detect the language, if
	// supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as product or agent names. See
	// types.KeywordBoost for the boost intensity semantics.
	Keywords []types.KeywordBoost

	// EndpointingMs is the trailing-silence window in milliseconds after
	// which the provider commits a final transcript. Zero uses the provider
	// default. Finals must land within one second of end of speech, so values
	// above ~800 defeat the hang contract.
	EndpointingMs int
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk should match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close returns
	// an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These are
	// forwarded to clients as captions but must never be appended to history.
	// The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits committed Transcript
	// values once the provider will no longer revise a recognition result.
	// A final is never withdrawn. These are the values that enter history and
	// drive the turn. The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// SpeechEvents returns a read-only channel of speech-activity signals
	// derived from the provider's own voice activity detection. A speech-start
	// event arrives ahead of any transcript and is the barge-in trigger while
	// the assistant is speaking. Providers without server-side VAD close the
	// channel immediately; callers fall back to a local detector. The channel
	// is closed when the session ends.
	SpeechEvents() <-chan types.VADEvent

	// SetKeywords replaces the active keyword boost list without restarting
	// the session. Providers that do not support mid-session keyword updates
	// may return an error wrapping a not-supported sentinel. Changes take
	// effect on a best-effort basis; already-buffered audio frames may still
	// use the previous keyword set.
	SetKeywords(keywords []types.KeywordBoost) error

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials, Finals and
	// SpeechEvents channels will be closed. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per connected caller).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
