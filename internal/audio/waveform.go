package audio

import (
	"errors"
	"fmt"
	"time"
)

// Waveform is mono PCM in [-1, 1] at SampleRate Hz. It is the only audio type
// the model stages accept.
type Waveform struct {
	Samples    []float32
	SampleRate int
}

var ErrInvalidSampleRate = errors.New("audio: sample rate must be > 0")

func (w Waveform) Validate() error {
	if w.SampleRate <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidSampleRate, w.SampleRate)
	}

	return nil
}

func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}

	return time.Duration(float64(len(w.Samples)) / float64(w.SampleRate) * float64(time.Second))
}

// Seconds is Duration as a float, used in logs and JSON responses.
func (w Waveform) Seconds() float64 {
	if w.SampleRate <= 0 {
		return 0
	}

	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// Head returns at most d of leading audio. The returned waveform shares
// storage with w.
func (w Waveform) Head(d time.Duration) Waveform {
	n := int(d.Seconds() * float64(w.SampleRate))
	if n < 0 || n >= len(w.Samples) {
		return w
	}

	return Waveform{Samples: w.Samples[:n], SampleRate: w.SampleRate}
}

// Concat joins waveforms of the same rate, inserting gap of silence between
// consecutive parts.
func Concat(parts []Waveform, gap time.Duration) (Waveform, error) {
	if len(parts) == 0 {
		return Waveform{}, errors.New("audio: nothing to concatenate")
	}

	rate := parts[0].SampleRate
	silence := int(gap.Seconds() * float64(rate))
	total := 0

	for i, p := range parts {
		if p.SampleRate != rate {
			return Waveform{}, fmt.Errorf("audio: part %d sample rate %d differs from %d", i, p.SampleRate, rate)
		}

		total += len(p.Samples)
	}

	total += silence * (len(parts) - 1)
	out := make([]float32, 0, total)

	for i, p := range parts {
		if i > 0 {
			out = append(out, make([]float32, silence)...)
		}

		out = append(out, p.Samples...)
	}

	return Waveform{Samples: out, SampleRate: rate}, nil
}

// downmix averages interleaved channels into mono.
func downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}

	frames := len(interleaved) / channels
	out := make([]float32, frames)

	for f := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[f*channels+c]
		}

		out[f] = sum / float32(channels)
	}

	return out
}
