package voices

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-voice-clone/internal/conditioning"
	"github.com/example/go-voice-clone/internal/safetensors"
)

// Tensor names and metadata of a voice file.
const (
	TensorEmbedding = "speaker_emb"
	TensorPrompt    = "prompt_tokens"
	KindVoice       = "voice"
)

var ErrNotVoiceFile = errors.New("voices: file has no speaker embedding")

// SaveSpeaker writes spk as a safetensors voice file. Prompt tokens are
// stored as float32, which is exact below 2^24.
func SaveSpeaker(path string, spk conditioning.Speaker, meta map[string]string) error {
	if len(spk.Embedding) == 0 {
		return ErrNotVoiceFile
	}

	tensors := []safetensors.Tensor{{
		Name:  TensorEmbedding,
		Shape: []int64{1, int64(len(spk.Embedding))},
		Data:  append([]float32(nil), spk.Embedding...),
	}}

	if len(spk.PromptTokens) > 0 {
		pt := make([]float32, len(spk.PromptTokens))
		for i, t := range spk.PromptTokens {
			pt[i] = float32(t)
		}

		tensors = append(tensors, safetensors.Tensor{
			Name:  TensorPrompt,
			Shape: []int64{1, int64(len(pt))},
			Data:  pt,
		})
	}

	md := map[string]string{"kind": KindVoice}
	for k, v := range meta {
		md[k] = v
	}

	if err := safetensors.WriteFile(path, tensors, md); err != nil {
		return fmt.Errorf("voices: write %s: %w", path, err)
	}

	return nil
}

// LoadSpeaker reads a voice file written by SaveSpeaker (or the bundle's
// default voice, which shares the layout).
func LoadSpeaker(path string) (conditioning.Speaker, error) {
	store, err := safetensors.Open(path, safetensors.Options{})
	if err != nil {
		return conditioning.Speaker{}, fmt.Errorf("voices: %w", err)
	}
	defer store.Close()

	if !store.Has(TensorEmbedding) {
		return conditioning.Speaker{}, fmt.Errorf("%w: %s", ErrNotVoiceFile, path)
	}

	emb, err := store.Tensor(TensorEmbedding)
	if err != nil {
		return conditioning.Speaker{}, fmt.Errorf("voices: %w", err)
	}

	spk := conditioning.Speaker{Embedding: emb.Data}

	if store.Has(TensorPrompt) {
		pt, err := store.Tensor(TensorPrompt)
		if err != nil {
			return conditioning.Speaker{}, fmt.Errorf("voices: %w", err)
		}

		spk.PromptTokens = make([]int64, len(pt.Data))
		for i, v := range pt.Data {
			spk.PromptTokens[i] = int64(math.Round(float64(v)))
		}
	}

	return spk, nil
}
