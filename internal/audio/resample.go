package audio

import (
	"fmt"
	"math"
)

// resampleTaps is the half-width of the windowed-sinc kernel in input
// samples at unity ratio.
const resampleTaps = 16

// Resample converts w to rate with a Hann-windowed sinc interpolator. The
// kernel is widened when downsampling so it also acts as the anti-alias
// low-pass. Output is deterministic for identical input.
func Resample(w Waveform, rate int) (Waveform, error) {
	if err := w.Validate(); err != nil {
		return Waveform{}, err
	}

	if rate <= 0 {
		return Waveform{}, fmt.Errorf("%w: target %d", ErrInvalidSampleRate, rate)
	}

	if rate == w.SampleRate || len(w.Samples) == 0 {
		return Waveform{Samples: append([]float32(nil), w.Samples...), SampleRate: rate}, nil
	}

	ratio := float64(rate) / float64(w.SampleRate)
	cutoff := math.Min(1, ratio)
	half := int(math.Ceil(resampleTaps / cutoff))

	n := int(math.Floor(float64(len(w.Samples)) * ratio))
	out := make([]float32, n)
	in := w.Samples

	for i := range out {
		center := float64(i) / ratio
		lo := int(math.Floor(center)) - half + 1
		hi := int(math.Floor(center)) + half

		var acc, norm float64

		for j := lo; j <= hi; j++ {
			if j < 0 || j >= len(in) {
				continue
			}

			x := (center - float64(j)) * cutoff
			k := sinc(x) * hann(center-float64(j), float64(half))
			acc += float64(in[j]) * k
			norm += k
		}

		if norm != 0 {
			out[i] = float32(acc / norm)
		}
	}

	return Waveform{Samples: out, SampleRate: rate}, nil
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}

	px := math.Pi * x

	return math.Sin(px) / px
}

// hann is a continuous Hann window of half-width half evaluated at offset d.
func hann(d, half float64) float64 {
	if math.Abs(d) >= half {
		return 0
	}

	return 0.5 * (1 + math.Cos(math.Pi*d/half))
}
