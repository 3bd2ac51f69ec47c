package main

import (
	"github.com/example/go-voice-clone/internal/conditioning"
	"github.com/spf13/pflag"
)

// controlFlags are the per-call generation overrides shared by synth and
// bench. Unset flags keep the configured defaults.
type controlFlags struct {
	exaggeration      float64
	cfgWeight         float64
	temperature       float64
	topP              float64
	minP              float64
	repetitionPenalty float64
	seed              int64
}

func (f *controlFlags) register(fs *pflag.FlagSet) {
	fs.Float64Var(&f.exaggeration, "exaggeration", 0, "Emotion exaggeration (default from config)")
	fs.Float64Var(&f.cfgWeight, "cfg-weight", 0, "Classifier-free guidance weight (default from config)")
	fs.Float64Var(&f.temperature, "temperature", 0, "Sampling temperature; 0 is greedy (default from config)")
	fs.Float64Var(&f.topP, "top-p", 0, "Nucleus sampling mass (default from config)")
	fs.Float64Var(&f.minP, "min-p", 0, "Minimum probability relative to the top token (default from config)")
	fs.Float64Var(&f.repetitionPenalty, "repetition-penalty", 0, "Repetition penalty (default from config)")
	fs.Int64Var(&f.seed, "seed", 0, "Sampling seed; 0 draws a random seed")
}

func (f *controlFlags) apply(fs *pflag.FlagSet, c conditioning.Controls) conditioning.Controls {
	set := func(name string, dst *float64, v float64) {
		if fs.Changed(name) {
			*dst = v
		}
	}

	set("exaggeration", &c.Exaggeration, f.exaggeration)
	set("cfg-weight", &c.CFGWeight, f.cfgWeight)
	set("temperature", &c.Temperature, f.temperature)
	set("top-p", &c.TopP, f.topP)
	set("min-p", &c.MinP, f.minP)
	set("repetition-penalty", &c.RepetitionPenalty, f.repetitionPenalty)

	if fs.Changed("seed") {
		c.Seed = f.seed
	}

	return c
}
