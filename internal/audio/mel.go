package audio

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// MelConfig describes a log-mel front end.
type MelConfig struct {
	SampleRate int
	NFFT       int
	Hop        int
	NMels      int
	FMin       float64
	FMax       float64
	// LogFloor is added before the natural log.
	LogFloor float64
}

// MelExtractor computes log-mel spectrograms. It is safe for concurrent use;
// each call allocates its own FFT work buffers.
type MelExtractor struct {
	cfg     MelConfig
	window  []float64
	filters [][]melWeight
}

type melWeight struct {
	bin int
	w   float64
}

func NewMelExtractor(cfg MelConfig) (*MelExtractor, error) {
	if cfg.SampleRate <= 0 || cfg.NFFT <= 0 || cfg.Hop <= 0 || cfg.NMels <= 0 {
		return nil, fmt.Errorf("audio: invalid mel config %+v", cfg)
	}

	if cfg.FMax <= 0 {
		cfg.FMax = float64(cfg.SampleRate) / 2
	}

	if cfg.FMin < 0 || cfg.FMin >= cfg.FMax {
		return nil, fmt.Errorf("audio: mel fmin %.1f must be in [0, fmax=%.1f)", cfg.FMin, cfg.FMax)
	}

	if cfg.LogFloor <= 0 {
		cfg.LogFloor = 1e-5
	}

	win := make([]float64, cfg.NFFT)
	for i := range win {
		win[i] = 1
	}

	return &MelExtractor{
		cfg:     cfg,
		window:  window.Hann(win),
		filters: melFilterBank(cfg),
	}, nil
}

func (m *MelExtractor) Config() MelConfig { return m.cfg }

// Frames returns the number of mel frames produced for n samples: one per
// full hop, so 1 s at hop 160 / 16 kHz gives exactly 100 frames.
func (m *MelExtractor) Frames(n int) int {
	return n / m.cfg.Hop
}

// Compute returns a [frames][nMels] log-mel matrix, row-major flattened.
// Frames are centered on t*hop with zero padding at the edges.
func (m *MelExtractor) Compute(samples []float32) ([]float32, int, error) {
	frames := m.Frames(len(samples))
	if frames == 0 {
		return nil, 0, errors.New("audio: clip shorter than one mel hop")
	}

	nfft := m.cfg.NFFT
	fft := fourier.NewFFT(nfft)
	seq := make([]float64, nfft)
	coeff := make([]complex128, nfft/2+1)
	power := make([]float64, nfft/2+1)
	out := make([]float32, frames*m.cfg.NMels)
	offset := (nfft - m.cfg.Hop) / 2

	for f := range frames {
		start := f*m.cfg.Hop - offset
		for i := range seq {
			j := start + i
			if j < 0 || j >= len(samples) {
				seq[i] = 0
				continue
			}

			seq[i] = float64(samples[j]) * m.window[i]
		}

		coeff = fft.Coefficients(coeff, seq)
		for k, c := range coeff {
			re, im := real(c), imag(c)
			power[k] = math.Sqrt(re*re + im*im)
		}

		row := out[f*m.cfg.NMels : (f+1)*m.cfg.NMels]
		for b, weights := range m.filters {
			var e float64
			for _, w := range weights {
				e += w.w * power[w.bin]
			}

			row[b] = float32(math.Log(e + m.cfg.LogFloor))
		}
	}

	return out, frames, nil
}

func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

// melFilterBank builds triangular filters with Slaney-style area
// normalization.
func melFilterBank(cfg MelConfig) [][]melWeight {
	bins := cfg.NFFT/2 + 1
	lo, hi := hzToMel(cfg.FMin), hzToMel(cfg.FMax)

	points := make([]float64, cfg.NMels+2)
	for i := range points {
		points[i] = melToHz(lo + (hi-lo)*float64(i)/float64(cfg.NMels+1))
	}

	binHz := float64(cfg.SampleRate) / float64(cfg.NFFT)
	filters := make([][]melWeight, cfg.NMels)

	for m := range cfg.NMels {
		left, center, right := points[m], points[m+1], points[m+2]
		norm := 2 / (right - left)

		for k := range bins {
			hz := float64(k) * binHz

			var w float64
			switch {
			case hz > left && hz <= center:
				w = (hz - left) / (center - left)
			case hz > center && hz < right:
				w = (right - hz) / (right - center)
			}

			if w > 0 {
				filters[m] = append(filters[m], melWeight{bin: k, w: w * norm})
			}
		}
	}

	return filters
}
