// Package transport carries audio and control traffic between a caller and a
// voice session.
//
// Two wire dialects are implemented, both over WebSocket (coder/websocket):
//
//   - Browser: binary frames are raw 16-bit little-endian mono PCM at the
//     negotiated sample rate; text frames are JSON control messages.
//   - Telephony: every frame is a JSON envelope {eventType, data} in the
//     style of carrier media-stream bridges; audio payloads are base64 µ-law
//     at 8 kHz.
//
// Both dialects are surfaced through the Conn interface so the session
// handler and the pipelines stay wire-agnostic. A Conn is owned by exactly
// one session.
package transport

import (
	"context"
	"time"

	"github.com/parlancehq/parlance/pkg/fault"
)

const (
	// defaultSampleRate is the browser PCM rate when the session.start
	// handshake does not negotiate one.
	defaultSampleRate = 16000

	// telephonySampleRate is fixed by the µ-law wire format.
	telephonySampleRate = 8000

	// handshakeTimeout bounds how long Accept waits for the opening
	// handshake frame.
	handshakeTimeout = 10 * time.Second

	// writeTimeout bounds any single outbound frame write.
	writeTimeout = 5 * time.Second

	// audioBuf is the inbound audio channel depth. At 20ms frames this is
	// roughly five seconds of backlog before the read loop applies
	// backpressure.
	audioBuf = 256
)

// ControlType discriminates JSON control messages on the browser dialect.
type ControlType string

const (
	// ControlSessionStart is the client's opening handshake. It may
	// negotiate the sample rate and select scenario, start agent and
	// session variables.
	ControlSessionStart ControlType = "session.start"

	// ControlSessionReady acknowledges the handshake; the session is live
	// and audio may flow.
	ControlSessionReady ControlType = "session.ready"

	// ControlTranscriptPartial carries a low-latency interim transcript for
	// caller-side display. Partials are never authoritative.
	ControlTranscriptPartial ControlType = "transcript.partial"

	// ControlTranscriptFinal carries a committed transcript.
	ControlTranscriptFinal ControlType = "transcript.final"

	// ControlAgentSwitched announces that a handoff changed the active
	// agent.
	ControlAgentSwitched ControlType = "agent.switched"

	// ControlPlaybackStop tells the client to discard buffered audio
	// immediately. This is the barge-in signal on the wire.
	ControlPlaybackStop ControlType = "playback.stop"

	// ControlSessionError reports a fatal session error before closing.
	ControlSessionError ControlType = "session.error"

	// ControlSessionEnd announces an orderly session close. Clients may
	// also send it to hang up.
	ControlSessionEnd ControlType = "session.end"
)

// Control is a browser-dialect control message. Fields beyond Type are
// populated per message type.
type Control struct {
	Type ControlType `json:"type"`

	// Text is the transcript text for transcript messages.
	Text string `json:"text,omitempty"`

	// Agent names the active agent for session.ready and agent.switched.
	Agent string `json:"agent,omitempty"`

	// SessionID identifies the session, sent with session.ready.
	SessionID string `json:"session_id,omitempty"`

	// SampleRate is the negotiated PCM rate in Hz (session.start and
	// session.ready).
	SampleRate int `json:"sample_rate,omitempty"`

	// Message is the human-readable detail for session.error.
	Message string `json:"message,omitempty"`

	// Scenario, StartAgent and Vars are session.start parameters.
	Scenario   string            `json:"scenario,omitempty"`
	StartAgent string            `json:"start_agent,omitempty"`
	Vars       map[string]string `json:"vars,omitempty"`

	// Language is the caller's BCP-47 recognition language hint.
	Language string `json:"language,omitempty"`
}

// StartRequest is the transport-independent view of the opening handshake.
type StartRequest struct {
	// SampleRate is the inbound PCM rate in Hz after any wire decoding.
	SampleRate int

	// Scenario selects the scenario by name; empty uses the configured
	// default.
	Scenario string

	// StartAgent overrides the scenario's start agent when non-empty.
	StartAgent string

	// Vars are per-session template variable overrides. They win over
	// catalog and scenario values.
	Vars map[string]string

	// Language is the recognition language hint, empty for auto-detect.
	Language string
}

// Conn is one caller's connection. All methods are safe for concurrent use.
//
// The Audio channel carries inbound 16-bit little-endian mono PCM at
// Start().SampleRate; it closes when the peer disconnects or Close is
// called. SendAudio takes outbound PCM in the same format and re-encodes it
// for the wire as needed.
type Conn interface {
	// Start returns the handshake parameters. Stable for the connection's
	// lifetime.
	Start() StartRequest

	// Audio returns the inbound PCM stream.
	Audio() <-chan []byte

	// SendAudio writes one outbound PCM chunk.
	SendAudio(chunk []byte) error

	// SendControl writes a control message. Dialects without a wire
	// representation for the message type drop it silently.
	SendControl(ctl Control) error

	// StopPlayback tells the peer to discard any buffered audio now.
	StopPlayback() error

	// Done is closed when the connection has ended, for any reason.
	Done() <-chan struct{}

	// Err returns what ended the connection: nil for an orderly close,
	// a TransportClosed fault otherwise. Valid after Done is closed.
	Err() error

	// Close ends the connection. Safe to call multiple times.
	Close() error
}

// errClosed builds the fault returned by writes on a dead connection.
func errClosed(dialect string, err error) error {
	if err == nil {
		return fault.Errorf(fault.TransportClosed, "transport: %s connection closed", dialect)
	}
	return fault.Errorf(fault.TransportClosed, "transport: %s connection closed: %v", dialect, err)
}

// writeCtx derives the per-frame write deadline from the connection's
// lifetime context.
func writeCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, writeTimeout)
}
