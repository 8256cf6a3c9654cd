package audio

import "math"

// inputLevelGain scales raw RMS into the [0, 1] meter range. Speech at a
// normal distance from the microphone sits around 0.05 to 0.2 RMS.
const inputLevelGain = 5

// RMS returns the root-mean-square energy of samples. Empty input yields 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// InputLevel derives the bounded [0, 1] input meter value for one frame:
// min(1, rms * 5).
func InputLevel(samples []float32) float64 {
	return math.Min(1, RMS(samples)*inputLevelGain)
}
