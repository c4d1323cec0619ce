package audio

// G.711 µ-law codec for the telephony transport. Telephony providers deliver
// and accept 8 kHz µ-law payloads; the pipeline works in 16-bit linear PCM,
// so every inbound frame is decoded and every outbound frame encoded at the
// transport boundary.

const (
	ulawBias = 0x84  // 132, added before segment search
	ulawClip = 32635 // max linear magnitude before encoding
)

// ulawSegmentEnds holds the upper bound of each of the 8 µ-law segments.
var ulawSegmentEnds = [8]int16{0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF, 0x3FFF, 0x7FFF}

// EncodeUlaw compresses little-endian 16-bit PCM to µ-law, one byte per
// sample. Odd trailing bytes are ignored.
func EncodeUlaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = encodeUlawSample(s)
	}
	return out
}

// DecodeUlaw expands µ-law bytes to little-endian 16-bit PCM, two bytes per
// input byte.
func DecodeUlaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		s := decodeUlawSample(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func encodeUlawSample(sample int16) byte {
	sign := byte(0)
	if sample < 0 {
		if sample == -32768 {
			sample = -32767
		}
		sample = -sample
		sign = 0x80
	}
	if sample > ulawClip {
		sample = ulawClip
	}
	sample += ulawBias

	segment := 0
	for segment < 8 && sample > ulawSegmentEnds[segment] {
		segment++
	}
	if segment >= 8 {
		return ^(sign | 0x7F)
	}

	mantissa := byte(sample>>(segment+3)) & 0x0F
	return ^(sign | byte(segment)<<4 | mantissa)
}

func decodeUlawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	segment := (b >> 4) & 0x07
	mantissa := b & 0x0F

	sample := (int16(mantissa)<<3 + ulawBias) << segment
	sample -= ulawBias
	if sign != 0 {
		return -sample
	}
	return sample
}
