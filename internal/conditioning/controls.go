// Package conditioning validates generation controls and composes the
// read-only state one synthesis call runs on.
package conditioning

import (
	"math"

	"github.com/example/go-voice-clone/internal/config"
	verrors "github.com/example/go-voice-clone/internal/platform/errors"
)

// GreedyTemperature is the threshold at or below which sampling is argmax.
const GreedyTemperature = 1e-4

// Controls are the per-call generation knobs.
type Controls struct {
	Exaggeration      float64
	CFGWeight         float64
	Temperature       float64
	TopP              float64
	MinP              float64
	RepetitionPenalty float64
	// Seed 0 draws a random seed.
	Seed     int64
	MaxSteps int
}

// Greedy reports whether sampling degenerates to argmax.
func (c Controls) Greedy() bool { return c.Temperature <= GreedyTemperature }

func DefaultControls() Controls {
	return ControlsFromConfig(config.DefaultConfig().Generation)
}

// ControlsFromConfig lifts the configured defaults.
func ControlsFromConfig(g config.GenerationConfig) Controls {
	return Controls{
		Exaggeration:      g.Exaggeration,
		CFGWeight:         g.CFGWeight,
		Temperature:       g.Temperature,
		TopP:              g.TopP,
		MinP:              g.MinP,
		RepetitionPenalty: g.RepetitionPenalty,
		Seed:              g.Seed,
		MaxSteps:          g.MaxSteps,
	}
}

// Range is a closed interval unless MinExclusive is set.
type Range struct {
	Min, Max     float64
	MinExclusive bool
}

func (r Range) contains(v float64) bool {
	if math.IsNaN(v) || v > r.Max {
		return false
	}

	if r.MinExclusive {
		return v > r.Min
	}

	return v >= r.Min
}

// Ranges bounds every control.
type Ranges struct {
	Exaggeration      Range
	CFGWeight         Range
	Temperature       Range
	TopP              Range
	MinP              Range
	RepetitionPenalty Range
	MaxSteps          Range
}

func DefaultRanges() Ranges {
	return RangesFromConfig(config.DefaultConfig().Generation.Ranges)
}

// RangesFromConfig converts configured bounds; top_p excludes its minimum.
func RangesFromConfig(r config.RangesConfig) Ranges {
	conv := func(c config.Range) Range { return Range{Min: c.Min, Max: c.Max} }

	out := Ranges{
		Exaggeration:      conv(r.Exaggeration),
		CFGWeight:         conv(r.CFGWeight),
		Temperature:       conv(r.Temperature),
		TopP:              conv(r.TopP),
		MinP:              conv(r.MinP),
		RepetitionPenalty: conv(r.RepetitionPenalty),
		MaxSteps:          conv(r.MaxSteps),
	}
	out.TopP.MinExclusive = true

	return out
}

// Validate returns an InvalidControlParameterError for the first control
// outside its range.
func (r Ranges) Validate(c Controls) error {
	checks := []struct {
		name string
		val  float64
		rng  Range
	}{
		{"exaggeration", c.Exaggeration, r.Exaggeration},
		{"cfg_weight", c.CFGWeight, r.CFGWeight},
		{"temperature", c.Temperature, r.Temperature},
		{"top_p", c.TopP, r.TopP},
		{"min_p", c.MinP, r.MinP},
		{"repetition_penalty", c.RepetitionPenalty, r.RepetitionPenalty},
		{"max_steps", float64(c.MaxSteps), r.MaxSteps},
		{"seed", float64(c.Seed), Range{Min: 0, Max: math.MaxInt64}},
	}

	for _, ch := range checks {
		if !ch.rng.contains(ch.val) {
			return &verrors.InvalidControlParameterError{Name: ch.name, Value: ch.val, Min: ch.rng.Min, Max: ch.rng.Max}
		}
	}

	return nil
}
