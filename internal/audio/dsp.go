package audio

import "math"

// Hook is a post-processing stage applied to synthesized samples.
type Hook func(samples []float32) []float32

func ApplyHooks(samples []float32, hooks ...Hook) []float32 {
	out := samples
	for _, hook := range hooks {
		out = hook(out)
	}

	return out
}

// PeakNormalize scales samples so the peak amplitude reaches target. Silent
// input is returned unchanged.
func PeakNormalize(samples []float32, target float32) []float32 {
	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}

	if peak == 0 {
		return samples
	}

	gain := target / peak
	out := make([]float32, len(samples))

	for i, s := range samples {
		out[i] = s * gain
	}

	return out
}

// DCBlock removes DC offset with a one-pole high-pass at roughly 20 Hz.
func DCBlock(samples []float32, sampleRate int) []float32 {
	if len(samples) == 0 || sampleRate <= 0 {
		return samples
	}

	r := 1 - 2*math.Pi*20/float64(sampleRate)
	out := make([]float32, len(samples))

	var prevIn, prevOut float64
	for i, s := range samples {
		x := float64(s)
		y := x - prevIn + r*prevOut
		out[i] = float32(y)
		prevIn, prevOut = x, y
	}

	return out
}

// FadeIn applies a linear fade-in ramp over the given duration in milliseconds.
func FadeIn(samples []float32, sampleRate int, ms float64) []float32 {
	n := min(int(ms*float64(sampleRate)/1000), len(samples))
	if n <= 0 {
		return samples
	}

	out := append([]float32(nil), samples...)
	for i := range n {
		out[i] *= float32(i) / float32(n)
	}

	return out
}

// FadeOut applies a linear fade-out ramp over the given duration in milliseconds.
func FadeOut(samples []float32, sampleRate int, ms float64) []float32 {
	n := min(int(ms*float64(sampleRate)/1000), len(samples))
	if n <= 0 {
		return samples
	}

	out := append([]float32(nil), samples...)
	start := len(out) - n

	for i := range n {
		out[start+i] *= float32(n-1-i) / float32(n)
	}

	return out
}
