package tts

// VoiceProfile describes the voice an agent speaks with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Style is a provider-specific delivery style hint (e.g. "cheerful").
	// Empty means the voice default.
	Style string

	// Rate adjusts speaking rate (0.5–2.0, 1.0 = default, 0 = default).
	Rate float64

	// Pitch adjusts pitch (-10 to +10, 0 = default).
	Pitch float64

	// Metadata holds provider-specific voice attributes (gender, age,
	// accent, etc.).
	Metadata map[string]string
}
