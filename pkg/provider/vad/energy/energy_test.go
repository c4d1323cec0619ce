package energy_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/parlancehq/parlance/pkg/provider/vad"
	"github.com/parlancehq/parlance/pkg/provider/vad/energy"
	"github.com/parlancehq/parlance/pkg/types"
)

const (
	testSampleRate = 16000
	testFrameMs    = 20
)

// sineFrame produces one frame of a 440 Hz sine at the given amplitude (0–1).
func sineFrame(amplitude float64) []byte {
	samples := testSampleRate * testFrameMs / 1000
	frame := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude * math.Sin(2*math.Pi*440*float64(i)/testSampleRate)
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return frame
}

func silentFrame() []byte {
	return make([]byte, testSampleRate*testFrameMs/1000*2)
}

func newSession(t *testing.T, opts ...energy.Option) vad.SessionHandle {
	t.Helper()
	sess, err := energy.New(opts...).NewSession(vad.Config{
		SampleRate:  testSampleRate,
		FrameSizeMs: testFrameMs,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

func TestNewSession_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{"zero sample rate", vad.Config{FrameSizeMs: 20}},
		{"zero frame size", vad.Config{SampleRate: 16000}},
		{"threshold above one", vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 1.5, SilenceThreshold: 0.1}},
		{"silence above speech", vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.1, SilenceThreshold: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := energy.New().NewSession(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestProcessFrame_WrongFrameSize(t *testing.T) {
	t.Parallel()
	sess := newSession(t)
	if _, err := sess.ProcessFrame(make([]byte, 10)); err == nil {
		t.Error("expected error for wrong frame size")
	}
}

func TestProcessFrame_SilenceStaysSilent(t *testing.T) {
	t.Parallel()
	sess := newSession(t)
	for i := 0; i < 5; i++ {
		evt, err := sess.ProcessFrame(silentFrame())
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if evt.Type != types.VADSilence {
			t.Fatalf("frame %d: type = %v; want VADSilence", i, evt.Type)
		}
	}
}

func TestProcessFrame_SpeechStartThenContinue(t *testing.T) {
	t.Parallel()
	sess := newSession(t)

	evt, err := sess.ProcessFrame(sineFrame(0.3))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if evt.Type != types.VADSpeechStart {
		t.Fatalf("type = %v; want VADSpeechStart", evt.Type)
	}
	if evt.Probability <= 0 {
		t.Errorf("probability = %v; want > 0", evt.Probability)
	}

	evt, _ = sess.ProcessFrame(sineFrame(0.3))
	if evt.Type != types.VADSpeechContinue {
		t.Errorf("type = %v; want VADSpeechContinue", evt.Type)
	}
}

func TestProcessFrame_HangoverBridgesShortPause(t *testing.T) {
	t.Parallel()
	sess := newSession(t, energy.WithHangoverFrames(3))

	sess.ProcessFrame(sineFrame(0.3))

	// Two silent frames: inside the hangover window, still speech.
	for i := 0; i < 2; i++ {
		evt, _ := sess.ProcessFrame(silentFrame())
		if evt.Type != types.VADSpeechContinue {
			t.Fatalf("pause frame %d: type = %v; want VADSpeechContinue", i, evt.Type)
		}
	}

	// Third silent frame trips the hangover: speech ends.
	evt, _ := sess.ProcessFrame(silentFrame())
	if evt.Type != types.VADSpeechEnd {
		t.Fatalf("type = %v; want VADSpeechEnd", evt.Type)
	}

	// And we are back to plain silence afterwards.
	evt, _ = sess.ProcessFrame(silentFrame())
	if evt.Type != types.VADSilence {
		t.Errorf("type = %v; want VADSilence", evt.Type)
	}
}

func TestProcessFrame_SpeechResumeInsideHangoverResetsCounter(t *testing.T) {
	t.Parallel()
	sess := newSession(t, energy.WithHangoverFrames(2))

	sess.ProcessFrame(sineFrame(0.3))
	sess.ProcessFrame(silentFrame()) // 1 of 2
	sess.ProcessFrame(sineFrame(0.3))

	// The counter was reset, so one more silent frame must not end speech.
	evt, _ := sess.ProcessFrame(silentFrame())
	if evt.Type != types.VADSpeechContinue {
		t.Errorf("type = %v; want VADSpeechContinue", evt.Type)
	}
}

func TestReset_ClearsSpeechState(t *testing.T) {
	t.Parallel()
	sess := newSession(t)

	sess.ProcessFrame(sineFrame(0.3))
	sess.Reset()

	evt, _ := sess.ProcessFrame(sineFrame(0.3))
	if evt.Type != types.VADSpeechStart {
		t.Errorf("type after Reset = %v; want VADSpeechStart", evt.Type)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	sess := newSession(t)

	if err := sess.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := sess.ProcessFrame(silentFrame()); err == nil {
		t.Error("expected error after Close")
	}
}
