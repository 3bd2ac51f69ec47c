// Package pipeline is the synthesis facade: it owns the model bundle cache
// and runs text-to-speech and voice conversion end to end.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/go-voice-clone/internal/alignment"
	"github.com/example/go-voice-clone/internal/audio"
	"github.com/example/go-voice-clone/internal/conditioning"
	"github.com/example/go-voice-clone/internal/config"
	"github.com/example/go-voice-clone/internal/generator"
	verrors "github.com/example/go-voice-clone/internal/platform/errors"
	"github.com/example/go-voice-clone/internal/speechtok"
	"github.com/example/go-voice-clone/internal/text"
)

// Pipeline turns text and reference audio into speech. Models load lazily
// per device into its Cache.
type Pipeline struct {
	cfg    config.Config
	dir    string
	device string
	log    *slog.Logger
	cache  *Cache
	ranges conditioning.Ranges
}

type Option func(*Pipeline)

// WithConfig replaces the default configuration. The model directory comes
// from cfg.Paths.ModelDir.
func WithConfig(cfg config.Config) Option {
	return func(p *Pipeline) { p.cfg = cfg }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithCache shares a bundle cache between pipelines.
func WithCache(c *Cache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// New builds a pipeline without loading anything.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{cfg: config.DefaultConfig()}

	for _, opt := range opts {
		opt(p)
	}

	if p.log == nil {
		p.log = slog.Default()
	}

	if p.cache == nil {
		p.cache = NewCache()
	}

	p.dir = p.cfg.Paths.ModelDir
	p.device = p.cfg.Runtime.Device
	p.ranges = conditioning.RangesFromConfig(p.cfg.Generation.Ranges)

	return p
}

// FromPretrained resolves the bundle directory, downloading it when
// configured to, and loads it for device.
func FromPretrained(ctx context.Context, device string, opts ...Option) (*Pipeline, error) {
	p := New(opts...)

	d, err := resolveDevice(device)
	if err != nil {
		return nil, err
	}

	p.device = d

	if err := ensureBundle(ctx, p.dir, p.cfg, p.log); err != nil {
		return nil, err
	}

	if _, err := p.Load(ctx, d); err != nil {
		return nil, err
	}

	return p, nil
}

// Load returns the bundle for device, loading it on first use. Concurrent
// callers share one load.
func (p *Pipeline) Load(ctx context.Context, device string) (*ModelBundle, error) {
	d, err := resolveDevice(device)
	if err != nil {
		return nil, err
	}

	key := d + "|" + filepath.Clean(p.dir)

	return p.cache.Get(key, func() (*ModelBundle, error) {
		return loadBundle(ctx, p.dir, d, p.cfg, p.log)
	})
}

func (p *Pipeline) Config() config.Config { return p.cfg }

func (p *Pipeline) Device() string { return p.device }

// DefaultControls are the configured generation defaults.
func (p *Pipeline) DefaultControls() conditioning.Controls {
	return conditioning.ControlsFromConfig(p.cfg.Generation)
}

// Close releases the bundles of the pipeline's cache.
func (p *Pipeline) Close() error { return p.cache.Close() }

// Result is the outcome of one synthesis call.
type Result struct {
	Waveform   audio.Waveform
	Tokens     []int64
	State      generator.State
	ForcedStop bool
	StopReason string
	Seed       int64
	// Partial is set when generation failed and the tokens produced so far
	// were vocoded anyway.
	Partial bool
}

func (r *Result) Truncated() bool { return r.State == generator.Truncated }

// Condition derives speaker conditionals from a reference clip: the
// embedding and, when the clip is long enough, prompt tokens from its first
// generation.prompt_reference.
func (p *Pipeline) Condition(ctx context.Context, ref audio.Waveform) (conditioning.Speaker, error) {
	if err := ref.Validate(); err != nil {
		return conditioning.Speaker{}, verrors.Wrap(verrors.KindInput, "condition", "reference audio", err)
	}

	mb, err := p.Load(ctx, p.device)
	if err != nil {
		return conditioning.Speaker{}, err
	}

	start := time.Now()

	var spk conditioning.Speaker

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		emb, err := mb.VoiceEncoder.Embed(ref)
		if err != nil {
			return verrors.Wrap(verrors.KindInput, "condition", "speaker embedding", err)
		}

		spk.Embedding = emb

		return nil
	})
	g.Go(func() error {
		if err := gctx.Err(); err != nil {
			return verrors.Cancelled("condition", err)
		}

		tokens, err := mb.SpeechTokenizer.Tokenize(ref.Head(p.cfg.Generation.PromptReference))
		if errors.Is(err, speechtok.ErrTooShort) {
			return nil
		}

		if err != nil {
			return verrors.Wrap(verrors.KindInput, "condition", "prompt tokens", err)
		}

		spk.PromptTokens = tokens

		return nil
	})

	if err := g.Wait(); err != nil {
		return conditioning.Speaker{}, err
	}

	p.log.Debug("reference conditioned", "seconds", ref.Seconds(), "prompt_tokens", len(spk.PromptTokens),
		"ms", time.Since(start).Milliseconds())

	return spk, nil
}

// SynthesizeText speaks text in the voice of ref, or in the bundle's
// default voice when ref is nil. Unsupported characters fail before any
// model runs.
func (p *Pipeline) SynthesizeText(ctx context.Context, input string, ref *audio.Waveform, controls conditioning.Controls) (*Result, error) {
	mb, err := p.Load(ctx, p.device)
	if err != nil {
		return nil, err
	}

	tokens, err := p.tokenize(mb, input)
	if err != nil {
		return nil, err
	}

	if err := p.ranges.Validate(controls); err != nil {
		return nil, err
	}

	var spk conditioning.Speaker

	switch {
	case ref != nil:
		if spk, err = p.Condition(ctx, *ref); err != nil {
			return nil, err
		}
	case mb.DefaultVoice != nil:
		spk = *mb.DefaultVoice
	default:
		return nil, verrors.New(verrors.KindInput, "synthesize", "no reference audio and the bundle has no default voice")
	}

	return p.synthesize(ctx, mb, tokens, spk, controls)
}

// SynthesizeWithSpeaker is SynthesizeText with precomputed conditionals,
// such as an exported voice.
func (p *Pipeline) SynthesizeWithSpeaker(ctx context.Context, input string, spk conditioning.Speaker, controls conditioning.Controls) (*Result, error) {
	mb, err := p.Load(ctx, p.device)
	if err != nil {
		return nil, err
	}

	tokens, err := p.tokenize(mb, input)
	if err != nil {
		return nil, err
	}

	return p.synthesize(ctx, mb, tokens, spk, controls)
}

func (p *Pipeline) tokenize(mb *ModelBundle, input string) ([]int64, error) {
	start := time.Now()

	normalized, err := text.Normalize(input)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindInput, "tokenize", "normalize", err)
	}

	tokens, err := mb.Tokenizer.Tokenize(normalized)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindInput, "tokenize", "encode", err)
	}

	p.log.Debug("tokenized", "chars", len(normalized), "tokens", len(tokens), "ms", time.Since(start).Milliseconds())

	return tokens, nil
}

func (p *Pipeline) synthesize(ctx context.Context, mb *ModelBundle, tokens []int64, spk conditioning.Speaker, controls conditioning.Controls) (*Result, error) {
	asm := mb.Generator.Assembler(p.ranges, p.cfg.Generation.PromptTokens)

	st, err := asm.Assemble(tokens, spk, controls)
	if err != nil {
		return nil, err
	}

	session, err := mb.Generator.NewSession(st, p.sessionOptions())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, genErr := session.Run(ctx)

	p.log.Debug("generated", "tokens", len(out.Tokens), "state", out.State.String(), "seed", out.Seed,
		"ms", time.Since(start).Milliseconds())

	res := &Result{
		Tokens:     out.Tokens,
		State:      out.State,
		ForcedStop: out.ForcedStop,
		StopReason: out.StopReason,
		Seed:       out.Seed,
	}

	if genErr != nil {
		var diverged *verrors.GenerationDivergedError
		if !p.cfg.Generation.BestEffort || !errors.As(genErr, &diverged) || len(diverged.Partial) == 0 {
			return nil, genErr
		}

		p.log.Warn("generation diverged, vocoding partial tokens", "step", diverged.Step, "tokens", len(diverged.Partial), "err", genErr)
		res.Tokens = diverged.Partial
		res.Partial = true
	}

	if res.Waveform, err = p.vocode(ctx, mb, res.Tokens, spk.Embedding); err != nil {
		return nil, err
	}

	if res.Truncated() {
		p.log.Info("generation truncated", "tokens", len(res.Tokens), "reason", res.StopReason)
	}

	return res, nil
}

func (p *Pipeline) vocode(ctx context.Context, mb *ModelBundle, tokens []int64, embedding []float32) (audio.Waveform, error) {
	start := time.Now()

	w, err := mb.Vocoder.Synthesize(ctx, tokens, embedding)
	if err != nil {
		return audio.Waveform{}, err
	}

	p.log.Debug("vocoded", "tokens", len(tokens), "seconds", w.Seconds(), "ms", time.Since(start).Milliseconds())

	return w, nil
}

// ConvertVoice re-speaks source in the voice of target: the content tokens
// of source are vocoded with the speaker embedding of target.
func (p *Pipeline) ConvertVoice(ctx context.Context, source, target audio.Waveform) (*Result, error) {
	if err := source.Validate(); err != nil {
		return nil, verrors.Wrap(verrors.KindInput, "convert", "source audio", err)
	}

	if err := target.Validate(); err != nil {
		return nil, verrors.Wrap(verrors.KindInput, "convert", "target audio", err)
	}

	mb, err := p.Load(ctx, p.device)
	if err != nil {
		return nil, err
	}

	var (
		tokens []int64
		emb    []float32
	)

	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tokens, err = mb.SpeechTokenizer.Tokenize(source); err != nil {
			return verrors.Wrap(verrors.KindInput, "convert", "tokenize source", err)
		}

		return nil
	})
	g.Go(func() error {
		if err := gctx.Err(); err != nil {
			return verrors.Cancelled("convert", err)
		}

		var err error
		if emb, err = mb.VoiceEncoder.Embed(target); err != nil {
			return verrors.Wrap(verrors.KindInput, "convert", "target embedding", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.log.Debug("conversion conditioned", "tokens", len(tokens), "ms", time.Since(start).Milliseconds())

	w, err := p.vocode(ctx, mb, tokens, emb)
	if err != nil {
		return nil, err
	}

	return &Result{Waveform: w, Tokens: tokens, State: generator.Completed}, nil
}

func (p *Pipeline) sessionOptions() generator.Options {
	g := p.cfg.Generation

	return generator.Options{
		Alignment:        alignment.FromSettings(g.Alignment),
		AlignmentEnabled: g.Alignment.Enabled,
		RepetitionWindow: g.RepetitionWindow,
		EOSSuppressSteps: g.EOSSuppressSteps,
		Logger:           p.log,
	}
}
