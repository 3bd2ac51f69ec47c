// Package generator runs the autoregressive text-to-acoustic-token model as
// an explicit per-call state machine.
package generator

import (
	"fmt"

	"github.com/example/go-voice-clone/internal/conditioning"
	"github.com/example/go-voice-clone/internal/model"
	"github.com/example/go-voice-clone/internal/nn"
	"github.com/example/go-voice-clone/internal/runtime/tensor"
)

// Config carries the static token ids and attention layout of a checkpoint.
type Config struct {
	NumHeads       int
	RoPEBase       float64
	AttentionLayer int
	StartText      int64
	StopText       int64
	StartSpeech    int64
	StopSpeech     int64
}

// ConfigFromBundle reads the generator section of bundle.yaml.
func ConfigFromBundle(t3 model.T3Spec) Config {
	return Config{
		NumHeads:       t3.NumHeads,
		RoPEBase:       t3.RoPEBase,
		AttentionLayer: t3.AttentionLayer,
		StartText:      t3.StartTextToken,
		StopText:       t3.StopTextToken,
		StartSpeech:    t3.StartSpeechToken,
		StopSpeech:     t3.StopSpeechToken,
	}
}

// Model is immutable after Load and shared by concurrent sessions.
type Model struct {
	cfg       Config
	textEmb   *nn.Embedding
	speechEmb *nn.Embedding
	textPos   *nn.Embedding
	speechPos *nn.Embedding
	spkrEnc   *nn.Linear
	emotion   *nn.Linear
	tfmr      *nn.Transformer
	head      *nn.Linear
}

// Load opens a t3.safetensors checkpoint.
func Load(path string, cfg Config) (*Model, error) {
	vb, err := nn.OpenVarBuilder(path)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	return New(vb, cfg)
}

func New(vb *nn.VarBuilder, cfg Config) (*Model, error) {
	m := &Model{cfg: cfg}

	var err error

	embeddings := []struct {
		name string
		dst  **nn.Embedding
	}{
		{"text_emb", &m.textEmb},
		{"speech_emb", &m.speechEmb},
		{"text_pos_emb", &m.textPos},
		{"speech_pos_emb", &m.speechPos},
	}
	for _, e := range embeddings {
		if *e.dst, err = nn.LoadEmbedding(vb, e.name); err != nil {
			return nil, fmt.Errorf("generator: %w", err)
		}
	}

	if m.spkrEnc, err = nn.LoadLinear(vb, "cond_enc.spkr_enc"); err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	if m.emotion, err = nn.LoadLinear(vb, "cond_enc.emotion_adv_fc"); err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	if m.head, err = nn.LoadLinear(vb, "speech_head"); err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	d := m.textEmb.Dim()
	for name, got := range map[string]int64{
		"speech_emb":     m.speechEmb.Dim(),
		"text_pos_emb":   m.textPos.Dim(),
		"speech_pos_emb": m.speechPos.Dim(),
		"spkr_enc":       m.spkrEnc.OutDim(),
		"emotion_adv_fc": m.emotion.OutDim(),
		"speech_head":    m.head.InDim(),
	} {
		if got != d {
			return nil, fmt.Errorf("generator: %s width %d does not match model width %d", name, got, d)
		}
	}

	if m.emotion.InDim() != 1 {
		return nil, fmt.Errorf("generator: emotion_adv_fc expects scalar input, has %d", m.emotion.InDim())
	}

	if cfg.StopSpeech >= m.head.OutDim() || cfg.StartSpeech >= m.speechEmb.Num() {
		return nil, fmt.Errorf("generator: speech vocabulary %d too small for start %d / stop %d",
			m.head.OutDim(), cfg.StartSpeech, cfg.StopSpeech)
	}

	if cfg.StartText >= m.textEmb.Num() || cfg.StopText >= m.textEmb.Num() {
		return nil, fmt.Errorf("generator: text vocabulary %d too small for start %d / stop %d",
			m.textEmb.Num(), cfg.StartText, cfg.StopText)
	}

	m.tfmr, err = nn.LoadTransformer(vb.Path("tfmr"), nn.TransformerConfig{
		NumHeads:     int64(cfg.NumHeads),
		RoPEBase:     cfg.RoPEBase,
		MaxSeq:       2 + m.textPos.Num() + 2*m.speechPos.Num(),
		CaptureLayer: cfg.AttentionLayer,
	})
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	return m, nil
}

func (m *Model) Config() Config { return m.cfg }

// SpeakerDim is the embedding length the conditioning encoder expects.
func (m *Model) SpeakerDim() int { return int(m.spkrEnc.InDim()) }

// MaxTextTokens bounds the framed text length.
func (m *Model) MaxTextTokens() int { return int(m.textPos.Num()) }

// MaxSpeechTokens bounds prompt and generated token counts.
func (m *Model) MaxSpeechTokens() int { return int(m.speechPos.Num()) - 1 }

// Assembler returns a conditioning assembler matching this checkpoint.
func (m *Model) Assembler(ranges conditioning.Ranges, maxPrompt int) conditioning.Assembler {
	return conditioning.Assembler{
		Ranges:       ranges,
		StartText:    m.cfg.StartText,
		StopText:     m.cfg.StopText,
		MaxPrompt:    min(maxPrompt, m.MaxSpeechTokens()),
		MaxText:      m.MaxTextTokens(),
		EmbeddingDim: m.SpeakerDim(),
	}
}

// prefix builds [speaker, prompt, emotion, text, start-of-speech] for one
// stream and returns the offset of the first text position.
func (m *Model) prefix(st *conditioning.State, zeroText bool) (*tensor.Tensor, int, error) {
	d := m.textEmb.Dim()

	spk, err := tensor.New(st.Speaker.Embedding, []int64{1, 1, int64(len(st.Speaker.Embedding))})
	if err != nil {
		return nil, 0, err
	}

	if spk, err = m.spkrEnc.Forward(spk); err != nil {
		return nil, 0, fmt.Errorf("speaker projection: %w", err)
	}

	parts := []*tensor.Tensor{spk}

	if n := len(st.Speaker.PromptTokens); n > 0 {
		prompt, err := m.speechEmbedAt(st.Speaker.PromptTokens, 0)
		if err != nil {
			return nil, 0, fmt.Errorf("prompt tokens: %w", err)
		}

		parts = append(parts, prompt)
	}

	exag, err := tensor.Full([]int64{1, 1, 1}, float32(st.Controls.Exaggeration))
	if err != nil {
		return nil, 0, err
	}

	emo, err := m.emotion.Forward(exag)
	if err != nil {
		return nil, 0, fmt.Errorf("emotion projection: %w", err)
	}

	parts = append(parts, emo)
	textOff := 2 + len(st.Speaker.PromptTokens)

	text, err := m.textEmb.Forward(st.TextTokens)
	if err != nil {
		return nil, 0, fmt.Errorf("text embedding: %w", err)
	}

	if zeroText {
		if text, err = tensor.Zeros([]int64{1, int64(len(st.TextTokens)), d}); err != nil {
			return nil, 0, err
		}
	}

	pos, err := m.textPos.Rows(0, int64(len(st.TextTokens)))
	if err != nil {
		return nil, 0, fmt.Errorf("text positions: %w", err)
	}

	if text, err = tensor.Add(text, pos); err != nil {
		return nil, 0, err
	}

	bos, err := m.speechEmbedAt([]int64{m.cfg.StartSpeech}, 0)
	if err != nil {
		return nil, 0, err
	}

	x, err := tensor.Concat(append(parts, text, bos), 1)
	if err != nil {
		return nil, 0, err
	}

	return x, textOff, nil
}

// speechEmbedAt embeds ids placed at speech positions start, start+1, ...
func (m *Model) speechEmbedAt(ids []int64, start int64) (*tensor.Tensor, error) {
	emb, err := m.speechEmb.Forward(ids)
	if err != nil {
		return nil, err
	}

	pos, err := m.speechPos.Rows(start, int64(len(ids)))
	if err != nil {
		return nil, err
	}

	return tensor.Add(emb, pos)
}

// logits projects the last hidden state to the speech vocabulary.
func (m *Model) logits(hidden *tensor.Tensor) ([]float32, error) {
	last, err := nn.LastStep(hidden)
	if err != nil {
		return nil, err
	}

	out, err := m.head.Forward(last)
	if err != nil {
		return nil, err
	}

	return out.RawData(), nil
}
