// Package energy implements a vad.Engine based on short-term RMS energy.
//
// It requires no model files or cgo bindings, which makes it the default
// detector for deployments that cannot ship neural VAD weights. Detection is
// a simple two-threshold state machine over the normalised RMS of each
// 16-bit PCM frame, with a hangover period so that short intra-word pauses
// do not split a speech segment.
//
// Thresholds in vad.Config are interpreted as normalised RMS values in
// [0.0, 1.0], not speech probabilities. Speech at conversational level
// typically lands between 0.02 and 0.3; recommended starting values are
// SpeechThreshold 0.015 and SilenceThreshold 0.008.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/parlancehq/parlance/pkg/provider/vad"
	"github.com/parlancehq/parlance/pkg/types"
)

// Compile-time assertion that Engine satisfies vad.Engine.
var _ vad.Engine = (*Engine)(nil)

const (
	defaultSpeechThreshold  = 0.015
	defaultSilenceThreshold = 0.008
	defaultHangoverFrames   = 15
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithHangoverFrames sets how many consecutive sub-threshold frames must be
// observed before an active speech segment is considered ended. Larger values
// bridge longer pauses at the cost of delayed speech-end detection.
func WithHangoverFrames(n int) Option {
	return func(e *Engine) { e.hangoverFrames = n }
}

// ── Engine ─────────────────────────────────────────────────────────────────────

// Engine creates RMS-energy VAD sessions.
type Engine struct {
	hangoverFrames int
}

// New creates a new energy VAD engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{hangoverFrames: defaultHangoverFrames}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession creates a new detection session. Zero thresholds in cfg are
// replaced with the package defaults.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: frame size must be positive, got %d ms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 || cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > 1 {
		return nil, fmt.Errorf("energy: thresholds must be in [0, 1]")
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %.3f exceeds speech threshold %.3f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}

	return &session{
		cfg:            cfg,
		frameBytes:     cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2, // 16-bit mono
		hangoverFrames: e.hangoverFrames,
	}, nil
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	cfg            vad.Config
	frameBytes     int
	hangoverFrames int

	inSpeech   bool
	silenceRun int
	closed     bool
}

// ProcessFrame classifies one frame of little-endian 16-bit PCM.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if s.closed {
		return types.VADEvent{}, fmt.Errorf("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("energy: frame size %d bytes, want %d", len(frame), s.frameBytes)
	}

	level := rms(frame)

	if !s.inSpeech {
		if level >= s.cfg.SpeechThreshold {
			s.inSpeech = true
			s.silenceRun = 0
			return types.VADEvent{Type: types.VADSpeechStart, Probability: level}, nil
		}
		return types.VADEvent{Type: types.VADSilence, Probability: level}, nil
	}

	if level > s.cfg.SilenceThreshold {
		s.silenceRun = 0
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: level}, nil
	}

	s.silenceRun++
	if s.silenceRun >= s.hangoverFrames {
		s.inSpeech = false
		s.silenceRun = 0
		return types.VADEvent{Type: types.VADSpeechEnd, Probability: level}, nil
	}
	// Sub-threshold but still inside the hangover window.
	return types.VADEvent{Type: types.VADSpeechContinue, Probability: level}, nil
}

// Reset clears all detection state without closing the session.
func (s *session) Reset() {
	s.inSpeech = false
	s.silenceRun = 0
}

// Close marks the session closed. Idempotent.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// rms computes the normalised root mean square of a 16-bit PCM frame.
func rms(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(frame[i*2:]))) / math.MaxInt16
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(n))
}
