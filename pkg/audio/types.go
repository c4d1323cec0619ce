package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through a
// session. Frames are the atomic unit of audio transport — decoded from
// WebSocket payloads, gated by VAD, fed to STT sessions, and written back
// out after TTS synthesis.
type AudioFrame struct {
	// PCM audio data, 16-bit little-endian samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for browser PCM, 8000 for telephony).
	SampleRate int

	// Channels: 1 for mono (both transports); 2 is accepted and downmixed.
	Channels int

	// Timestamp marks when this frame was received, relative to session start.
	Timestamp time.Duration
}
