package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/go-voice-clone/internal/audio"
	verrors "github.com/example/go-voice-clone/internal/platform/errors"
	"github.com/example/go-voice-clone/internal/voices"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// TTSRequest is the body of POST /tts. Unset controls take the configured
// defaults.
type TTSRequest struct {
	Text              string   `json:"text"`
	Voice             string   `json:"voice,omitempty"`
	Exaggeration      *float64 `json:"exaggeration,omitempty"`
	CFGWeight         *float64 `json:"cfg_weight,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	MinP              *float64 `json:"min_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	MaxSteps          *int     `json:"max_steps,omitempty"`
}

// Audio is an encoded synthesis result.
type Audio struct {
	WAV    []byte
	Seed   int64
	Tokens int
	State  string
}

// Synthesizer produces WAV audio for the HTTP endpoints.
type Synthesizer interface {
	Synthesize(ctx context.Context, req TTSRequest) (*Audio, error)
	Convert(ctx context.Context, source, target audio.Waveform) (*Audio, error)
}

// VoiceLister returns the list of available voices.
type VoiceLister interface {
	List() []voices.Voice
}

// StatusCancelled is the non-standard "client closed request" status.
const StatusCancelled = 499

// HeaderRequestID is echoed on every response.
const HeaderRequestID = "X-Request-ID"

type options struct {
	maxTextBytes   int
	maxUploadBytes int64
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxTextBytes:   4096,
		maxUploadBytes: 16 << 20,
		workers:        2,
		requestTimeout: 120 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxTextBytes sets the maximum allowed text length in bytes for POST /tts.
func WithMaxTextBytes(n int) Option {
	return func(o *options) { o.maxTextBytes = n }
}

// WithMaxUploadBytes bounds the multipart body of POST /convert.
func WithMaxUploadBytes(n int64) Option {
	return func(o *options) { o.maxUploadBytes = n }
}

// WithWorkers sets the maximum number of concurrent synthesis calls. Zero
// disables the limit.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request synthesis deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type handler struct {
	synth  Synthesizer
	voices VoiceLister
	opts   options
	sem    chan struct{}
	log    *slog.Logger
}

// NewHandler serves GET /health, GET /voices, POST /tts and POST /convert.
func NewHandler(synth Synthesizer, voices VoiceLister, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		synth:  synth,
		voices: voices,
		opts:   opts,
		log:    opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /voices", h.handleVoices)
	mux.HandleFunc("POST /tts", h.handleTTS)
	mux.HandleFunc("POST /convert", h.handleConvert)

	return withRequestID(mux)
}

// withRequestID propagates or assigns a request id.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}

		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

func (h *handler) handleVoices(w http.ResponseWriter, _ *http.Request) {
	var list []voices.Voice
	if h.voices != nil {
		list = h.voices.List()
	}

	if list == nil {
		list = []voices.Voice{}
	}

	writeJSON(w, http.StatusOK, list)
}

func (h *handler) handleTTS(w http.ResponseWriter, r *http.Request) {
	log := h.log.With(slog.String("request_id", RequestID(r.Context())))

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.opts.maxTextBytes)+4096)

	var req TTSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text field is required")
		return
	}

	if len(req.Text) > h.opts.maxTextBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("text exceeds maximum size of %d bytes", h.opts.maxTextBytes))
		return
	}

	ctx, release, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	start := time.Now()
	out, err := h.synth.Synthesize(ctx, req)
	durationMS := time.Since(start).Milliseconds()

	attrs := []any{
		slog.String("voice", req.Voice),
		slog.Int("text_len", len(req.Text)),
		slog.Int64("duration_ms", durationMS),
	}

	if err != nil {
		h.fail(w, r, log, "synthesis failed", err, attrs)
		return
	}

	log.InfoContext(r.Context(), "synthesis complete", append(attrs,
		slog.Int64("seed", out.Seed),
		slog.Int("tokens", out.Tokens),
		slog.String("state", out.State),
		slog.Int("wav_bytes", len(out.WAV)),
	)...)

	writeAudio(w, out)
}

func (h *handler) handleConvert(w http.ResponseWriter, r *http.Request) {
	log := h.log.With(slog.String("request_id", RequestID(r.Context())))

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.maxUploadBytes)

	if err := r.ParseMultipartForm(h.opts.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}

		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	source, err := formAudio(r.MultipartForm, "source")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, err := formAudio(r.MultipartForm, "target")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, release, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	start := time.Now()
	out, err := h.synth.Convert(ctx, source, target)

	attrs := []any{
		slog.Float64("source_seconds", source.Seconds()),
		slog.Float64("target_seconds", target.Seconds()),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	}

	if err != nil {
		h.fail(w, r, log, "conversion failed", err, attrs)
		return
	}

	log.InfoContext(r.Context(), "conversion complete", append(attrs, slog.Int("wav_bytes", len(out.WAV)))...)

	writeAudio(w, out)
}

// acquire waits for a worker slot and applies the request timeout.
func (h *handler) acquire(w http.ResponseWriter, r *http.Request) (context.Context, func(), bool) {
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return nil, nil, false
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)

	return ctx, func() {
		cancel()

		if h.sem != nil {
			<-h.sem
		}
	}, true
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, log *slog.Logger, msg string, err error, attrs []any) {
	status := StatusFor(err)
	attrs = append(attrs,
		slog.Int("status", status),
		slog.String("kind", string(verrors.KindOf(err))),
		slog.String("error", err.Error()),
	)

	if status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), msg, attrs...)
	} else {
		log.WarnContext(r.Context(), msg, attrs...)
	}

	writeError(w, status, err.Error())
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}

	if errors.Is(err, context.Canceled) {
		return StatusCancelled
	}

	switch verrors.KindOf(err) {
	case verrors.KindInput:
		return http.StatusBadRequest
	case verrors.KindResource:
		return http.StatusServiceUnavailable
	case verrors.KindCancelled:
		return StatusCancelled
	default:
		return http.StatusInternalServerError
	}
}

func formAudio(form *multipart.Form, field string) (audio.Waveform, error) {
	files := form.File[field]
	if len(files) == 0 {
		return audio.Waveform{}, fmt.Errorf("%s file is required", field)
	}

	f, err := files[0].Open()
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("open %s: %w", field, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("read %s: %w", field, err)
	}

	w, err := audio.DecodeBytes(data, filepath.Ext(files[0].Filename))
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("decode %s: %w", field, err)
	}

	return w, nil
}

func writeAudio(w http.ResponseWriter, out *Audio) {
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("X-Seed", strconv.FormatInt(out.Seed, 10))
	w.Header().Set("X-Tokens", strconv.Itoa(out.Tokens))

	if out.State != "" {
		w.Header().Set("X-Generation-State", out.State)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.WAV)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
