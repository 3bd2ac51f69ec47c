// Package tokenizer maps normalized text to the integer IDs consumed by the
// token generator. Two vocabulary formats are supported: the character/BPE
// vocabulary of a Hugging Face tokenizer.json and a SentencePiece model.
package tokenizer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// TextTokens is the ordered ID sequence for one input. Callers must not
// mutate it once returned.
type TextTokens = []int64

// Policy decides what happens to a character the vocabulary cannot encode.
type Policy string

const (
	// PolicyReject fails the whole input with UnsupportedCharacterError.
	PolicyReject Policy = "reject"
	// PolicySubstitute encodes the character as the unknown token.
	PolicySubstitute Policy = "substitute"
)

// Special vocabulary entries.
const (
	TokenSpace   = "[SPACE]"
	TokenUnknown = "[UNK]"
	TokenStart   = "[START]"
	TokenStop    = "[STOP]"
)

// ErrEmptyPath is returned when a loader is called with an empty path.
var ErrEmptyPath = errors.New("tokenizer model path must not be empty")

// Tokenizer encodes text into vocabulary IDs.
type Tokenizer interface {
	Tokenize(text string) (TextTokens, error)
	VocabSize() int
}

// ParsePolicy validates a configured policy name. Empty means reject.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicySubstitute:
		return PolicySubstitute, nil
	default:
		return "", fmt.Errorf("unknown tokenizer policy %q (want reject or substitute)", s)
	}
}

// Load picks a loader from the file extension: ".json" for tokenizer.json,
// ".model" for SentencePiece.
func Load(path string, policy Policy) (Tokenizer, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadVocab(path, policy)
	case ".model":
		return NewSentencePieceTokenizer(path, policy)
	default:
		return nil, fmt.Errorf("tokenizer: unrecognised vocabulary file %q", path)
	}
}
