package tokenizer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"unicode/utf8"

	verrors "github.com/example/go-voice-clone/internal/platform/errors"
)

// vocabFile is the subset of the Hugging Face tokenizer.json layout we read.
type vocabFile struct {
	Model struct {
		Type  string           `json:"type"`
		Vocab map[string]int64 `json:"vocab"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
}

// VocabTokenizer is a greedy longest-match tokenizer over a fixed vocabulary.
type VocabTokenizer struct {
	vocab   map[string]int64
	maxLen  int // longest entry, in runes
	spaceID int64
	unkID   int64
	size    int
	policy  Policy
}

// LoadVocab reads a tokenizer.json file.
func LoadVocab(path string, policy Policy) (*VocabTokenizer, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: read %q: %w", path, err)
	}

	return ParseVocab(data, policy)
}

// ParseVocab builds a tokenizer from tokenizer.json bytes.
func ParseVocab(data []byte, policy Policy) (*VocabTokenizer, error) {
	var f vocabFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tokenizer: parse vocabulary: %w", err)
	}

	vocab := make(map[string]int64, len(f.Model.Vocab)+len(f.AddedTokens))
	for k, v := range f.Model.Vocab {
		vocab[k] = v
	}

	for _, at := range f.AddedTokens {
		vocab[at.Content] = at.ID
	}

	return NewVocabTokenizer(vocab, policy)
}

// NewVocabTokenizer builds a tokenizer from an in-memory vocabulary. The
// vocabulary must contain [SPACE], and [UNK] when policy is substitute.
func NewVocabTokenizer(vocab map[string]int64, policy Policy) (*VocabTokenizer, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer: empty vocabulary")
	}

	if policy == "" {
		policy = PolicyReject
	}

	t := &VocabTokenizer{vocab: vocab, policy: policy, unkID: -1}

	var maxID int64
	for k, id := range vocab {
		if n := utf8.RuneCountInString(k); n > t.maxLen && !isSpecial(k) {
			t.maxLen = n
		}

		if id > maxID {
			maxID = id
		}
	}

	t.size = int(maxID) + 1

	id, ok := vocab[TokenSpace]
	if !ok {
		return nil, fmt.Errorf("tokenizer: vocabulary has no %s entry", TokenSpace)
	}

	t.spaceID = id

	if id, ok := vocab[TokenUnknown]; ok {
		t.unkID = id
	} else if policy == PolicySubstitute {
		return nil, fmt.Errorf("tokenizer: substitute policy needs a %s entry", TokenUnknown)
	}

	return t, nil
}

// VocabSize is one past the highest ID in the vocabulary.
func (t *VocabTokenizer) VocabSize() int { return t.size }

// ID looks up a single vocabulary entry, such as [START].
func (t *VocabTokenizer) ID(token string) (int64, bool) {
	id, ok := t.vocab[token]
	return id, ok
}

// Tokenize encodes text. Offsets in UnsupportedCharacterError are rune
// offsets into text.
func (t *VocabTokenizer) Tokenize(text string) (TextTokens, error) {
	runes := []rune(text)
	ids := make([]int64, 0, len(runes))

	for i := 0; i < len(runes); {
		if runes[i] == ' ' {
			ids = append(ids, t.spaceID)
			i++

			continue
		}

		id, n := t.longestMatch(runes[i:])
		if n > 0 {
			ids = append(ids, id)
			i += n

			continue
		}

		if t.policy != PolicySubstitute {
			return nil, &verrors.UnsupportedCharacterError{Char: runes[i], Offset: i}
		}

		slog.Debug("tokenizer substituted unknown character", "char", string(runes[i]), "offset", i)
		ids = append(ids, t.unkID)
		i++
	}

	return ids, nil
}

func (t *VocabTokenizer) longestMatch(runes []rune) (int64, int) {
	limit := min(t.maxLen, len(runes))
	for n := limit; n > 0; n-- {
		if id, ok := t.vocab[string(runes[:n])]; ok {
			return id, n
		}
	}

	return 0, 0
}

func isSpecial(tok string) bool {
	return len(tok) > 2 && tok[0] == '[' && tok[len(tok)-1] == ']'
}
