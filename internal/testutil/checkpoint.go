package testutil

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/example/go-voice-clone/internal/audio"
	"github.com/example/go-voice-clone/internal/safetensors"
)

// Spec names one tensor of a synthetic checkpoint.
type Spec struct {
	Name  string
	Shape []int64
}

// RandomTensors fills each spec with N(0, scale²) values from a seeded
// source. Bias-like rank-1 tensors named *.bias are zero and norm weights
// are one, so the random networks stay numerically tame.
func RandomTensors(seed uint64, scale float64, specs ...Spec) []safetensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]safetensors.Tensor, len(specs))

	for i, s := range specs {
		n := int64(1)
		for _, d := range s.Shape {
			n *= d
		}

		data := make([]float32, n)

		switch {
		case isNormWeight(s.Name):
			for j := range data {
				data[j] = 1
			}
		case strings.HasSuffix(s.Name, ".bias"):
		default:
			for j := range data {
				data[j] = float32(rng.NormFloat64() * scale)
			}
		}

		out[i] = safetensors.Tensor{Name: s.Name, Shape: append([]int64(nil), s.Shape...), Data: data}
	}

	return out
}

// WriteCheckpoint writes tensors to path, failing the test on error.
func WriteCheckpoint(tb testing.TB, path string, meta map[string]string, tensors []safetensors.Tensor) string {
	tb.Helper()

	if err := safetensors.WriteFile(path, tensors, meta); err != nil {
		tb.Fatalf("write checkpoint %s: %v", filepath.Base(path), err)
	}

	return path
}

// Sine returns a tone at freq Hz.
func Sine(freq float64, d time.Duration, rate int) audio.Waveform {
	n := int(d.Seconds() * float64(rate))
	s := make([]float32, n)

	for i := range s {
		s[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}

	return audio.Waveform{Samples: s, SampleRate: rate}
}

// Chirp sweeps linearly from f0 to f1 Hz; it gives the content tokenizer a
// non-stationary signal.
func Chirp(f0, f1 float64, d time.Duration, rate int) audio.Waveform {
	n := int(d.Seconds() * float64(rate))
	s := make([]float32, n)
	k := (f1 - f0) / d.Seconds()

	for i := range s {
		t := float64(i) / float64(rate)
		s[i] = float32(0.5 * math.Sin(2*math.Pi*(f0*t+0.5*k*t*t)))
	}

	return audio.Waveform{Samples: s, SampleRate: rate}
}

func layer(prefix string, i int) string {
	return prefix + "." + strconv.Itoa(i) + "."
}

func isNormWeight(name string) bool {
	return strings.HasSuffix(name, "norm1.weight") || strings.HasSuffix(name, "norm2.weight") || strings.HasSuffix(name, "norm.weight")
}
