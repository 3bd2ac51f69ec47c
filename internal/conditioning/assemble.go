package conditioning

import (
	"errors"
	"fmt"
	"math"

	verrors "github.com/example/go-voice-clone/internal/platform/errors"
)

// SpeechVocab is the number of acoustic content tokens.
const SpeechVocab = 6561

// Speaker identifies the target voice: a unit embedding plus optional
// prompt tokens taken from the same reference clip. Shared read-only.
type Speaker struct {
	Embedding    []float32
	PromptTokens []int64
}

// Validate checks that the embedding is finite and prompt tokens are in
// range.
func (s Speaker) Validate(dim int) error {
	if len(s.Embedding) == 0 {
		return verrors.New(verrors.KindInput, "conditioning", "speaker embedding is empty")
	}

	if dim > 0 && len(s.Embedding) != dim {
		return verrors.New(verrors.KindInput, "conditioning",
			fmt.Sprintf("speaker embedding has %d dims, model expects %d", len(s.Embedding), dim))
	}

	for _, v := range s.Embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return verrors.New(verrors.KindInput, "conditioning", "speaker embedding is not finite")
		}
	}

	for i, t := range s.PromptTokens {
		if t < 0 || t >= SpeechVocab {
			return verrors.New(verrors.KindInput, "conditioning",
				fmt.Sprintf("prompt token %d = %d outside [0, %d)", i, t, SpeechVocab))
		}
	}

	return nil
}

// State is everything the generator needs for one call. It is created once
// and never mutated.
type State struct {
	// TextTokens are wrapped in start/stop text tokens.
	TextTokens []int64
	Speaker    Speaker
	Controls   Controls
}

// TextLen is the number of text positions including start and stop.
func (s *State) TextLen() int { return len(s.TextTokens) }

// Assembler frames tokens and validates controls. The zero value is not
// usable; fill every field.
type Assembler struct {
	Ranges       Ranges
	StartText    int64
	StopText     int64
	MaxPrompt    int
	MaxText      int
	EmbeddingDim int
}

// ErrEmptyText is returned for an empty token sequence.
var ErrEmptyText = errors.New("conditioning: no text tokens")

// Assemble validates controls and the speaker, wraps the text and caps the
// prompt. It performs no model compute.
func (a Assembler) Assemble(tokens []int64, speaker Speaker, controls Controls) (*State, error) {
	if err := a.Ranges.Validate(controls); err != nil {
		return nil, err
	}

	if len(tokens) == 0 {
		return nil, verrors.Wrap(verrors.KindInput, "conditioning", "assemble", ErrEmptyText)
	}

	if a.MaxText > 0 && len(tokens)+2 > a.MaxText {
		return nil, verrors.New(verrors.KindInput, "conditioning",
			fmt.Sprintf("text has %d tokens, limit is %d", len(tokens), a.MaxText-2))
	}

	if err := speaker.Validate(a.EmbeddingDim); err != nil {
		return nil, err
	}

	text := make([]int64, 0, len(tokens)+2)
	text = append(text, a.StartText)
	text = append(text, tokens...)
	text = append(text, a.StopText)

	prompt := speaker.PromptTokens
	if a.MaxPrompt >= 0 && len(prompt) > a.MaxPrompt {
		prompt = prompt[:a.MaxPrompt]
	}

	return &State{
		TextTokens: text,
		Speaker: Speaker{
			Embedding:    append([]float32(nil), speaker.Embedding...),
			PromptTokens: append([]int64(nil), prompt...),
		},
		Controls: controls,
	}, nil
}
