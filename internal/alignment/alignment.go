// Package alignment watches where the generator attends over the text and
// recommends stopping when generation has lost the script.
package alignment

import "github.com/example/go-voice-clone/internal/config"

type Action int

const (
	Continue Action = iota
	ForceStop
)

func (a Action) String() string {
	if a == ForceStop {
		return "FORCE_STOP"
	}

	return "CONTINUE"
}

// Stop reasons.
const (
	ReasonStuck      = "alignment_stuck"
	ReasonLongTail   = "long_tail"
	ReasonRepetition = "repetition"
)

// Signal is the verdict for one step.
type Signal struct {
	Action Action
	Reason string
}

// Config holds the stopping thresholds, all in generation steps except the
// fractions.
type Config struct {
	StuckSteps         int
	TailSteps          int
	CompleteMargin     int
	RepeatBack         int
	FramesPerToken     float64
	EarlyFinalFraction float64
	EarlyTailSteps     int
}

func DefaultConfig() Config {
	return FromSettings(config.DefaultConfig().Generation.Alignment)
}

// FromSettings converts the configuration section.
func FromSettings(c config.AlignmentConfig) Config {
	return Config{
		StuckSteps:         c.StuckSteps,
		TailSteps:          c.TailSteps,
		CompleteMargin:     c.CompleteMargin,
		RepeatBack:         c.RepeatBack,
		FramesPerToken:     c.FramesPerToken,
		EarlyFinalFraction: c.EarlyFinalFraction,
		EarlyTailSteps:     c.EarlyTailSteps,
	}
}

// Analyzer tracks one generation. Not safe for concurrent use.
type Analyzer struct {
	cfg     Config
	textLen int

	step        int
	pos         int
	maxPos      int
	lastAdvance int
	complete    bool
	completedAt int
	tailLimit   int
	rows        [][]float32
}

func New(cfg Config, textLen int) *Analyzer {
	return &Analyzer{cfg: cfg, textLen: textLen, tailLimit: cfg.TailSteps}
}

// Observe consumes one step's attention over the text positions.
func (a *Analyzer) Observe(attn []float32) Signal {
	a.step++

	n := min(len(attn), a.textLen)
	row := append([]float32(nil), attn[:n]...)
	a.rows = append(a.rows, row)

	a.pos = argmax(row)
	if a.pos > a.maxPos || a.step == 1 {
		a.maxPos = max(a.maxPos, a.pos)
		a.lastAdvance = a.step
	}

	if !a.complete && a.maxPos >= a.textLen-a.cfg.CompleteMargin {
		a.complete = true
		a.completedAt = a.step

		expected := a.cfg.FramesPerToken * float64(a.textLen)
		if float64(a.step) < a.cfg.EarlyFinalFraction*expected {
			a.tailLimit = a.cfg.EarlyTailSteps
		}
	}

	if !a.complete {
		if a.cfg.StuckSteps > 0 && a.step-a.lastAdvance >= a.cfg.StuckSteps {
			return Signal{Action: ForceStop, Reason: ReasonStuck}
		}

		return Signal{Action: Continue}
	}

	if a.maxPos-a.pos > a.cfg.RepeatBack {
		return Signal{Action: ForceStop, Reason: ReasonRepetition}
	}

	if a.step-a.completedAt > a.tailLimit {
		return Signal{Action: ForceStop, Reason: ReasonLongTail}
	}

	return Signal{Action: Continue}
}

// Complete reports whether attention has reached the end of the text.
func (a *Analyzer) Complete() bool { return a.complete }

// Position is the text position attended at the last step.
func (a *Analyzer) Position() int { return a.pos }

// Steps is the number of observed steps.
func (a *Analyzer) Steps() int { return a.step }

// Matrix returns the observed [step][text] alignment rows.
func (a *Analyzer) Matrix() [][]float32 {
	out := make([][]float32, len(a.rows))
	for i, r := range a.rows {
		out[i] = append([]float32(nil), r...)
	}

	return out
}

func argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}

	return best
}
