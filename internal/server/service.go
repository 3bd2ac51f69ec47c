package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/example/go-voice-clone/internal/audio"
	"github.com/example/go-voice-clone/internal/config"
	"github.com/example/go-voice-clone/internal/pipeline"
	verrors "github.com/example/go-voice-clone/internal/platform/errors"
	"github.com/example/go-voice-clone/internal/voices"
)

// PipelineSynthesizer serves requests from a loaded pipeline and a voices
// directory.
type PipelineSynthesizer struct {
	Pipeline *pipeline.Pipeline
	Voices   *voices.Manager
}

func (s *PipelineSynthesizer) Synthesize(ctx context.Context, req TTSRequest) (*Audio, error) {
	c := s.Pipeline.DefaultControls()
	overrideFloat(&c.Exaggeration, req.Exaggeration)
	overrideFloat(&c.CFGWeight, req.CFGWeight)
	overrideFloat(&c.Temperature, req.Temperature)
	overrideFloat(&c.TopP, req.TopP)
	overrideFloat(&c.MinP, req.MinP)
	overrideFloat(&c.RepetitionPenalty, req.RepetitionPenalty)

	if req.Seed != nil {
		c.Seed = *req.Seed
	}

	if req.MaxSteps != nil {
		c.MaxSteps = *req.MaxSteps
	}

	var (
		res *pipeline.Result
		err error
	)

	if req.Voice == "" {
		res, err = s.Pipeline.SynthesizeText(ctx, req.Text, nil, c)
	} else {
		if s.Voices == nil {
			return nil, verrors.New(verrors.KindInput, "tts", fmt.Sprintf("unknown voice %q", req.Voice))
		}

		spk, lerr := s.Voices.Load(req.Voice)
		if lerr != nil {
			kind := verrors.KindResource
			if errors.Is(lerr, voices.ErrUnknownVoice) {
				kind = verrors.KindInput
			}

			return nil, verrors.Wrap(kind, "tts", "voice", lerr)
		}

		res, err = s.Pipeline.SynthesizeWithSpeaker(ctx, req.Text, spk, c)
	}

	if err != nil {
		return nil, err
	}

	return encode(res)
}

func (s *PipelineSynthesizer) Convert(ctx context.Context, source, target audio.Waveform) (*Audio, error) {
	res, err := s.Pipeline.ConvertVoice(ctx, source, target)
	if err != nil {
		return nil, err
	}

	return encode(res)
}

func (s *PipelineSynthesizer) List() []voices.Voice {
	if s.Voices == nil {
		return nil
	}

	return s.Voices.List()
}

func encode(res *pipeline.Result) (*Audio, error) {
	wav, err := audio.EncodeWAV(res.Waveform)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindInternal, "encode", "wav", err)
	}

	return &Audio{WAV: wav, Seed: res.Seed, Tokens: len(res.Tokens), State: res.State.String()}, nil
}

func overrideFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	synth           *PipelineSynthesizer
	log             *slog.Logger
	shutdownTimeout time.Duration
}

func New(cfg config.Config, pipe *pipeline.Pipeline, vm *voices.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Server{
		cfg:             cfg,
		synth:           &PipelineSynthesizer{Pipeline: pipe, Voices: vm},
		log:             logger,
		shutdownTimeout: timeout,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// Handler builds the configured HTTP handler.
func (s *Server) Handler() http.Handler {
	return NewHandler(s.synth, s.synth,
		WithWorkers(s.cfg.Server.Workers),
		WithMaxTextBytes(s.cfg.Server.MaxTextBytes),
		WithMaxUploadBytes(s.cfg.Server.MaxUploadBytes),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second),
		WithLogger(s.log),
	)
}

// Start listens until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("listening", "addr", ln.Addr().String(), "workers", s.cfg.Server.Workers)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http serve: %w", err)
	}
}

// ProbeHTTP checks GET /health on addr.
func ProbeHTTP(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}

	return nil
}
