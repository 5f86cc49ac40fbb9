package capture

import "math"

// DefaultSpeechThreshold is the normalized RMS a frame must reach to count
// as speech.
const DefaultSpeechThreshold = 0.01

const vadFrameMs = 20

// frameRMS returns the RMS energy of each 20ms frame of s16le mono PCM,
// normalized to 0..1. A trailing partial frame is included.
func frameRMS(pcm []byte, sampleRate int) []float64 {
	frameBytes := sampleRate * vadFrameMs / 1000 * 2
	if frameBytes <= 0 {
		frameBytes = 2
	}

	var out []float64
	for start := 0; start+1 < len(pcm); start += frameBytes {
		end := min(start+frameBytes, len(pcm))
		var sum float64
		var count int
		for i := start; i+1 < end; i += 2 {
			sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
			normalized := float64(sample) / 32768.0
			sum += normalized * normalized
			count++
		}
		if count > 0 {
			out = append(out, math.Sqrt(sum/float64(count)))
		}
	}
	return out
}

// hasSpeech reports whether any frame reaches threshold. A threshold of
// zero or less only requires some audio.
func hasSpeech(pcm []byte, sampleRate int, threshold float64) bool {
	if threshold <= 0 {
		return len(pcm) > 0
	}
	for _, rms := range frameRMS(pcm, sampleRate) {
		if rms >= threshold {
			return true
		}
	}
	return false
}
