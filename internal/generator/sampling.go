package generator

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/example/go-voice-clone/internal/conditioning"
)

var (
	// ErrNonFinite means the logits contained NaN or +Inf.
	ErrNonFinite = errors.New("generator: non-finite logits")
	// ErrZeroMass means no candidate token had positive probability.
	ErrZeroMass = errors.New("generator: distribution has no mass")
)

// Sampler turns logits into a token id. It owns the session rng and is not
// safe for concurrent use.
type Sampler struct {
	temperature float64
	topP        float64
	minP        float64
	penalty     float64
	window      int
	greedy      bool
	rng         *rand.Rand

	scores []float64
	probs  []float64
	order  []int
	counts map[int64]int
}

// NewSampler seeds a PCG source from seed.
func NewSampler(c conditioning.Controls, window int, seed uint64) *Sampler {
	return &Sampler{
		temperature: c.Temperature,
		topP:        c.TopP,
		minP:        c.MinP,
		penalty:     c.RepetitionPenalty,
		window:      window,
		greedy:      c.Greedy(),
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		counts:      make(map[int64]int),
	}
}

// Sample applies temperature, repetition penalty over the trailing window of
// history, the top_p and min_p filters, and draws from the remaining mass.
// Masked entries are -Inf. Greedy samplers return the argmax after the
// penalty.
func (s *Sampler) Sample(logits []float32, history []int64) (int64, error) {
	n := len(logits)
	if n == 0 {
		return 0, ErrZeroMass
	}

	s.scores = grow(s.scores, n)
	for i, v := range logits {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 1) {
			return 0, ErrNonFinite
		}

		s.scores[i] = f
	}

	if !s.greedy {
		floats.Scale(1/s.temperature, s.scores)
	}

	s.applyPenalty(history)

	if s.greedy {
		best := floats.MaxIdx(s.scores)
		if math.IsInf(s.scores[best], -1) {
			return 0, ErrZeroMass
		}

		return int64(best), nil
	}

	lse := floats.LogSumExp(s.scores)
	if math.IsInf(lse, 0) || math.IsNaN(lse) {
		return 0, ErrZeroMass
	}

	s.probs = grow(s.probs, n)
	for i, v := range s.scores {
		s.probs[i] = math.Exp(v - lse)
	}

	total := s.filter()
	if total <= 0 || math.IsNaN(total) {
		return 0, ErrZeroMass
	}

	u := s.rng.Float64() * total
	last := -1

	for _, i := range s.order {
		p := s.probs[i]
		if p <= 0 {
			continue
		}

		last = i
		if u < p {
			return int64(i), nil
		}

		u -= p
	}

	if last < 0 {
		return 0, ErrZeroMass
	}

	return int64(last), nil
}

func (s *Sampler) applyPenalty(history []int64) {
	if s.penalty == 1 || len(history) == 0 {
		return
	}

	start := 0
	if s.window > 0 && len(history) > s.window {
		start = len(history) - s.window
	}

	clear(s.counts)

	for _, t := range history[start:] {
		if t >= 0 && int(t) < len(s.scores) {
			s.counts[t]++
		}
	}

	for t, c := range s.counts {
		f := math.Pow(s.penalty, float64(c))
		if v := s.scores[t]; v > 0 {
			s.scores[t] = v / f
		} else {
			s.scores[t] = v * f
		}
	}
}

// filter zeroes probabilities outside top_p ∩ min_p and returns the kept
// mass. s.order ends up sorted by descending probability.
func (s *Sampler) filter() float64 {
	n := len(s.probs)
	sorted := make([]float64, n)
	copy(sorted, s.probs)

	s.order = growInts(s.order, n)
	for i := range s.order {
		s.order[i] = i
	}

	floats.Argsort(sorted, s.order)
	slices.Reverse(s.order)

	maxProb := s.probs[s.order[0]]
	threshold := s.minP * maxProb

	var cum, kept float64

	for rank, i := range s.order {
		p := s.probs[i]

		inNucleus := rank == 0 || cum < s.topP
		cum += p

		if !inNucleus || p < threshold {
			s.probs[i] = 0

			continue
		}

		kept += p
	}

	return kept
}

func grow(b []float64, n int) []float64 {
	if cap(b) < n {
		return make([]float64, n)
	}

	return b[:n]
}

func growInts(b []int, n int) []int {
	if cap(b) < n {
		return make([]int, n)
	}

	return b[:n]
}
