package tokenizer

import (
	"fmt"
	"log/slog"
	"os"

	verrors "github.com/example/go-voice-clone/internal/platform/errors"
	gosp "github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
	"google.golang.org/protobuf/proto"
)

// SentencePieceTokenizer implements Tokenizer using a pure-Go UNIGRAM
// SentencePiece model. The unknown piece is located by decoding the model
// proto, so the reject policy can be enforced.
type SentencePieceTokenizer struct {
	proc   gosp.Sentencepiece
	unkID  int64
	size   int
	policy Policy
}

// NewSentencePieceTokenizer loads a SentencePiece model from the given path.
func NewSentencePieceTokenizer(modelPath string, policy Policy) (*SentencePieceTokenizer, error) {
	if modelPath == "" {
		return nil, ErrEmptyPath
	}

	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: read sentencepiece model %q: %w", modelPath, err)
	}

	var model gosp.ModelProto
	if err := proto.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("tokenizer: unmarshal sentencepiece model: %w", err)
	}

	unk := int64(-1)
	for i, piece := range model.GetPieces() {
		if piece.GetType() == gosp.ModelProto_SentencePiece_UNKNOWN {
			unk = int64(i)
			break
		}
	}

	proc, err := gosp.NewSentencepieceFromFile(modelPath, false)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load sentencepiece model %q: %w", modelPath, err)
	}

	if policy == "" {
		policy = PolicyReject
	}

	return &SentencePieceTokenizer{
		proc:   proc,
		unkID:  unk,
		size:   len(model.GetPieces()),
		policy: policy,
	}, nil
}

// VocabSize is the number of pieces in the model.
func (t *SentencePieceTokenizer) VocabSize() int { return t.size }

// Tokenize encodes text. Under the reject policy any unknown piece fails the
// input; the offending rune is located by encoding runes one at a time.
func (t *SentencePieceTokenizer) Tokenize(text string) (TextTokens, error) {
	if text == "" {
		return TextTokens{}, nil
	}

	ids := t.encode(text)
	if t.unkID < 0 || !contains(ids, t.unkID) {
		return ids, nil
	}

	if t.policy == PolicySubstitute {
		slog.Debug("tokenizer substituted unknown pieces", "text_len", len(text))
		return ids, nil
	}

	for i, r := range []rune(text) {
		if r == ' ' {
			continue
		}

		if contains(t.encode(string(r)), t.unkID) {
			return nil, &verrors.UnsupportedCharacterError{Char: r, Offset: i}
		}
	}

	return nil, &verrors.UnsupportedCharacterError{Char: []rune(text)[0], Offset: 0}
}

func (t *SentencePieceTokenizer) encode(text string) []int64 {
	raw := t.proc.TokenizeToIDs(text)

	ids := make([]int64, len(raw))
	for i, id := range raw {
		ids[i] = int64(id)
	}

	return ids
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}

	return false
}
