package audio_test

import (
	"testing"

	"github.com/parlancehq/parlance/pkg/audio"
)

func TestUlawRoundTrip(t *testing.T) {
	// µ-law is lossy; a round trip should land within one quantization step
	// of the original. Step size grows with magnitude, so tolerance scales.
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000, 32767, -32768}
	pcm := samplesToBytes(samples)

	encoded := audio.EncodeUlaw(pcm)
	if len(encoded) != len(samples) {
		t.Fatalf("expected %d µ-law bytes, got %d", len(samples), len(encoded))
	}

	decoded := audio.DecodeUlaw(encoded)
	got := bytesToSamples(decoded)
	if len(got) != len(samples) {
		t.Fatalf("expected %d decoded samples, got %d", len(samples), len(got))
	}

	for i, want := range samples {
		diff := int32(got[i]) - int32(want)
		if diff < 0 {
			diff = -diff
		}
		// Largest segment quantizes in steps of 256; allow one step plus the
		// clip at ±32635.
		if diff > 300 {
			t.Errorf("sample %d: decoded %d too far from original %d (diff %d)", i, got[i], want, diff)
		}
	}
}

func TestUlawSilence(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 0, 0, 0})
	encoded := audio.EncodeUlaw(pcm)
	decoded := audio.DecodeUlaw(encoded)
	got := bytesToSamples(decoded)
	for i, s := range got {
		if s != 0 {
			t.Errorf("sample %d: expected 0 after silence round trip, got %d", i, s)
		}
	}
}

func TestUlawSignPreserved(t *testing.T) {
	pcm := samplesToBytes([]int16{5000, -5000})
	decoded := bytesToSamples(audio.DecodeUlaw(audio.EncodeUlaw(pcm)))
	if decoded[0] <= 0 {
		t.Errorf("positive sample decoded to %d", decoded[0])
	}
	if decoded[1] >= 0 {
		t.Errorf("negative sample decoded to %d", decoded[1])
	}
}

func TestUlawMonotonic(t *testing.T) {
	// Decoded values must be non-decreasing as input magnitude grows.
	prev := int16(-32768)
	for _, v := range []int16{0, 50, 200, 800, 3000, 12000, 32000} {
		pcm := samplesToBytes([]int16{v})
		got := bytesToSamples(audio.DecodeUlaw(audio.EncodeUlaw(pcm)))[0]
		if got < prev {
			t.Errorf("decoded value %d for input %d is below previous %d", got, v, prev)
		}
		prev = got
	}
}

func TestEncodeUlaw_OddTrailingByte(t *testing.T) {
	// 3 bytes = 1 complete sample + 1 trailing byte; trailing byte ignored.
	out := audio.EncodeUlaw([]byte{0x00, 0x10, 0xFF})
	if len(out) != 1 {
		t.Fatalf("expected 1 µ-law byte, got %d", len(out))
	}
}

func TestDecodeUlaw_Length(t *testing.T) {
	out := audio.DecodeUlaw([]byte{0xFF, 0x7F, 0x00})
	if len(out) != 6 {
		t.Fatalf("expected 6 PCM bytes for 3 µ-law bytes, got %d", len(out))
	}
}
