package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/example/go-voice-clone/internal/alignment"
	"github.com/example/go-voice-clone/internal/conditioning"
	"github.com/example/go-voice-clone/internal/nn"
	verrors "github.com/example/go-voice-clone/internal/platform/errors"
	"github.com/example/go-voice-clone/internal/runtime/tensor"
)

// State is the lifecycle of one generation.
type State int

const (
	Ready State = iota
	Generating
	Completed
	Truncated
	Failed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Generating:
		return "GENERATING"
	case Completed:
		return "COMPLETED"
	case Truncated:
		return "TRUNCATED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further steps are possible.
func (s State) Terminal() bool { return s >= Completed }

// ReasonContextFull marks truncation by the position tables rather than
// max_steps.
const ReasonContextFull = "context_full"

// ErrFinished is returned by Step once the session is terminal.
var ErrFinished = errors.New("generator: session already finished")

// Options tune a session beyond the per-call controls.
type Options struct {
	Alignment        alignment.Config
	AlignmentEnabled bool
	RepetitionWindow int
	EOSSuppressSteps int
	Logger           *slog.Logger
}

// DefaultOptions enables the analyzer with its default thresholds.
func DefaultOptions() Options {
	return Options{
		Alignment:        alignment.DefaultConfig(),
		AlignmentEnabled: true,
		RepetitionWindow: 64,
		EOSSuppressSteps: 250,
	}
}

// StepResult describes one completed step.
type StepResult struct {
	Token   int64
	Emitted bool
	Signal  alignment.Signal
	State   State
}

// Output is the final record of a session.
type Output struct {
	Tokens     []int64
	State      State
	ForcedStop bool
	StopReason string
	Seed       int64
	Steps      int
}

// Session owns the mutable decoding state of one call: KV caches, the token
// history, the rng and the analyzer. It must not be shared.
type Session struct {
	m       *Model
	st      *conditioning.State
	opts    Options
	log     *slog.Logger
	state   State
	seed    int64
	sampler *Sampler

	cond     *nn.Cache
	uncond   *nn.Cache
	analyzer *alignment.Analyzer
	textOff  int
	tokens   []int64
	steps    int
	forced   bool
	reason   string
	err      error
}

// NewSession prepares a READY session. A zero seed is replaced by a random
// one, reported through Seed.
func (m *Model) NewSession(st *conditioning.State, opts Options) (*Session, error) {
	if st == nil || len(st.TextTokens) == 0 {
		return nil, verrors.Wrap(verrors.KindInput, "generate", "session", conditioning.ErrEmptyText)
	}

	if len(st.Speaker.Embedding) != m.SpeakerDim() {
		return nil, verrors.New(verrors.KindInput, "generate",
			fmt.Sprintf("speaker embedding has %d dims, model expects %d", len(st.Speaker.Embedding), m.SpeakerDim()))
	}

	if len(st.TextTokens) > m.MaxTextTokens() {
		return nil, verrors.New(verrors.KindInput, "generate",
			fmt.Sprintf("text has %d positions, model supports %d", len(st.TextTokens), m.MaxTextTokens()))
	}

	if len(st.Speaker.PromptTokens) > m.MaxSpeechTokens() {
		return nil, verrors.New(verrors.KindInput, "generate",
			fmt.Sprintf("prompt has %d tokens, model supports %d", len(st.Speaker.PromptTokens), m.MaxSpeechTokens()))
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	seed := st.Controls.Seed
	if seed == 0 {
		seed = rand.Int64N(math.MaxInt64-1) + 1
		logger.Info("drew random seed", "seed", seed)
	}

	s := &Session{
		m:       m,
		st:      st,
		opts:    opts,
		log:     logger,
		seed:    seed,
		sampler: NewSampler(st.Controls, opts.RepetitionWindow, uint64(seed)),
		cond:    m.tfmr.NewCache(),
	}

	if st.Controls.CFGWeight != 1 {
		s.uncond = m.tfmr.NewCache()
	}

	if opts.AlignmentEnabled {
		s.analyzer = alignment.New(opts.Alignment, len(st.TextTokens))
	}

	return s, nil
}

func (s *Session) State() State { return s.state }

func (s *Session) Seed() int64 { return s.seed }

// Tokens returns a copy of the acoustic tokens emitted so far.
func (s *Session) Tokens() []int64 { return append([]int64(nil), s.tokens...) }

// Err is the failure that moved the session to FAILED, if any.
func (s *Session) Err() error { return s.err }

// Analyzer exposes the alignment tracker; nil when disabled.
func (s *Session) Analyzer() *alignment.Analyzer { return s.analyzer }

// Step runs one decoding step. Cancellation is checked before any compute
// and leaves the session FAILED with a cancelled error.
func (s *Session) Step(ctx context.Context) (StepResult, error) {
	if s.state.Terminal() {
		return StepResult{State: s.state}, ErrFinished
	}

	if err := ctx.Err(); err != nil {
		return s.fail(verrors.Cancelled("generate", err))
	}

	s.state = Generating

	if s.steps >= s.st.Controls.MaxSteps && s.st.Controls.MaxSteps > 0 {
		s.state = Truncated

		return StepResult{State: s.state}, nil
	}

	pos := int64(len(s.tokens))
	if s.steps > 0 && pos >= s.m.speechPos.Num() {
		s.state = Truncated
		s.reason = ReasonContextFull

		return StepResult{State: s.state}, nil
	}

	logits, attn, err := s.forward(pos)
	if err != nil {
		return s.fail(&verrors.GenerationDivergedError{Step: s.steps, Partial: s.Tokens(), Cause: err})
	}

	s.mask(logits)

	tok, err := s.sampler.Sample(logits, s.tokens)
	if err != nil {
		return s.fail(&verrors.GenerationDivergedError{Step: s.steps, Partial: s.Tokens(), Cause: err})
	}

	s.steps++
	res := StepResult{Token: tok}

	if tok != s.m.cfg.StopSpeech {
		s.tokens = append(s.tokens, tok)
		res.Emitted = true
	}

	if s.analyzer != nil && attn != nil {
		res.Signal = s.analyzer.Observe(attn)
	}

	switch {
	case !res.Emitted:
		s.state = Completed
	case s.st.Controls.MaxSteps > 0 && len(s.tokens) >= s.st.Controls.MaxSteps:
		s.state = Truncated
	case res.Signal.Action == alignment.ForceStop:
		s.state = Completed
		s.forced = true
		s.reason = res.Signal.Reason
		s.log.Debug("alignment forced stop", "reason", res.Signal.Reason, "step", s.steps)
	}

	res.State = s.state

	return res, nil
}

// Run steps until the session is terminal. On failure the returned Output
// still holds the partial tokens.
func (s *Session) Run(ctx context.Context) (*Output, error) {
	for !s.state.Terminal() {
		if _, err := s.Step(ctx); err != nil {
			return s.output(), err
		}
	}

	return s.output(), nil
}

func (s *Session) output() *Output {
	return &Output{
		Tokens:     s.Tokens(),
		State:      s.state,
		ForcedStop: s.forced,
		StopReason: s.reason,
		Seed:       s.seed,
		Steps:      s.steps,
	}
}

func (s *Session) fail(err error) (StepResult, error) {
	s.state = Failed
	s.err = err

	return StepResult{State: Failed}, err
}

// mask leaves only acoustic tokens and stop-of-speech sampleable. Stop is
// masked too while EOS is suppressed.
func (s *Session) mask(logits []float32) {
	negInf := float32(math.Inf(-1))

	for id := conditioning.SpeechVocab; id < len(logits); id++ {
		if int64(id) != s.m.cfg.StopSpeech {
			logits[id] = negInf
		}
	}

	logits[s.m.cfg.StartSpeech] = negInf
	if s.suppressEOS() {
		logits[s.m.cfg.StopSpeech] = negInf
	}
}

func (s *Session) suppressEOS() bool {
	if s.analyzer == nil || s.analyzer.Complete() {
		return false
	}

	return s.steps < s.opts.EOSSuppressSteps
}

// forward feeds the prefix on the first step and the last emitted token
// afterwards, returning blended logits and the conditioned stream's
// attention over the text positions.
func (s *Session) forward(pos int64) ([]float32, []float32, error) {
	w := float32(s.st.Controls.CFGWeight)

	condLogits, attn, err := s.streamForward(s.cond, false, pos)
	if err != nil {
		return nil, nil, err
	}

	if s.uncond == nil {
		return condLogits, attn, nil
	}

	uncondLogits, _, err := s.streamForward(s.uncond, true, pos)
	if err != nil {
		return nil, nil, err
	}

	out := make([]float32, len(condLogits))
	for i := range out {
		u := uncondLogits[i]
		out[i] = u + w*(condLogits[i]-u)
	}

	return out, attn, nil
}

func (s *Session) streamForward(cache *nn.Cache, zeroText bool, pos int64) ([]float32, []float32, error) {
	var (
		x   *tensor.Tensor
		err error
	)

	if cache.Len() == 0 {
		var off int

		x, off, err = s.m.prefix(s.st, zeroText)
		s.textOff = off
	} else {
		x, err = s.m.speechEmbedAt(s.tokens[len(s.tokens)-1:], pos)
	}

	if err != nil {
		return nil, nil, err
	}

	hidden, attn, err := s.m.tfmr.Forward(x, cache)
	if err != nil {
		return nil, nil, err
	}

	logits, err := s.m.logits(hidden)
	if err != nil {
		return nil, nil, err
	}

	return logits, s.textAttention(attn), nil
}

// textAttention slices the last query row of attn [1, T, Tk] to the text
// positions.
func (s *Session) textAttention(attn *tensor.Tensor) []float32 {
	if attn == nil {
		return nil
	}

	shape := attn.Shape()
	tq, tk := int(shape[1]), int(shape[2])
	row := attn.RawData()[(tq-1)*tk : tq*tk]

	end := min(s.textOff+len(s.st.TextTokens), tk)
	if s.textOff >= end {
		return nil
	}

	return row[s.textOff:end]
}
