package whisper

import "encoding/binary"

// whisper.cpp consumes normalised float32 samples while the pipeline carries
// 16-bit LE PCM; these helpers bridge the two at the inference boundary.

// pcmToFloat32 converts 16-bit LE mono PCM to float32 in [-1.0, 1.0). A
// trailing odd byte is dropped.
func pcmToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// pcmToFloat32Mono down-mixes interleaved multi-channel PCM to mono by
// averaging each frame's channels. One channel degenerates to pcmToFloat32.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 1 {
		return pcmToFloat32(pcm)
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		base := i * channels * 2
		for ch := 0; ch < channels; ch++ {
			s := int16(binary.LittleEndian.Uint16(pcm[base+2*ch:]))
			sum += float32(s) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out
}
