package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/go-voice-clone/internal/audio"
	verrors "github.com/example/go-voice-clone/internal/platform/errors"
	"github.com/example/go-voice-clone/internal/server"
	"github.com/example/go-voice-clone/internal/voices"
)

type stubSynthesizer struct {
	out   *server.Audio
	err   error
	delay time.Duration

	mu       sync.Mutex
	lastReq  server.TTSRequest
	sources  []audio.Waveform
	inflight atomic.Int32
	peak     atomic.Int32
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, req server.TTSRequest) (*server.Audio, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)

	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	s.mu.Lock()
	s.lastReq = req
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, verrors.Cancelled("generate", ctx.Err())
		}
	}

	return s.out, s.err
}

func (s *stubSynthesizer) Convert(_ context.Context, source, target audio.Waveform) (*server.Audio, error) {
	s.mu.Lock()
	s.sources = append(s.sources, source, target)
	s.mu.Unlock()

	return s.out, s.err
}

type stubVoiceLister struct {
	voices []voices.Voice
}

func (v *stubVoiceLister) List() []voices.Voice { return v.voices }

var fakeWAV = &server.Audio{WAV: []byte("RIFF\x00\x00\x00\x00WAVE"), Seed: 42, Tokens: 7, State: "COMPLETED"}

func postTTS(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)

	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}

	return body["error"]
}

func TestHealth(t *testing.T) {
	h := server.NewHandler(&stubSynthesizer{}, &stubVoiceLister{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}

	if body["status"] != "ok" || body["version"] == "" {
		t.Errorf("body = %v", body)
	}

	if rec.Header().Get(server.HeaderRequestID) == "" {
		t.Error("missing request id header")
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	h := server.NewHandler(&stubSynthesizer{}, &stubVoiceLister{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(server.HeaderRequestID, "abc-123")
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(server.HeaderRequestID); got != "abc-123" {
		t.Errorf("request id = %q", got)
	}
}

func TestVoices(t *testing.T) {
	list := []voices.Voice{
		{ID: "alice", Path: "alice.safetensors", License: "cc-by-4.0"},
		{ID: "bob", Path: "bob.safetensors"},
	}
	h := server.NewHandler(&stubSynthesizer{}, &stubVoiceLister{voices: list})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/voices", nil))

	var got []voices.Voice
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 || got[0].ID != "alice" {
		t.Errorf("voices = %+v", got)
	}
}

func TestVoicesEmptyIsArray(t *testing.T) {
	h := server.NewHandler(&stubSynthesizer{}, &stubVoiceLister{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/voices", nil))

	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestTTSSuccess(t *testing.T) {
	synth := &stubSynthesizer{out: fakeWAV}
	h := server.NewHandler(synth, &stubVoiceLister{})

	rec := postTTS(h, `{"text":"Hello world.","voice":"alice","temperature":0,"seed":7,"max_steps":100}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q", ct)
	}

	if rec.Header().Get("X-Seed") != "42" || rec.Header().Get("X-Tokens") != "7" {
		t.Errorf("headers = %v", rec.Header())
	}

	if !bytes.Equal(rec.Body.Bytes(), fakeWAV.WAV) {
		t.Error("body is not the synthesized WAV")
	}

	req := synth.lastReq
	if req.Voice != "alice" || req.Temperature == nil || *req.Temperature != 0 {
		t.Errorf("request = %+v", req)
	}

	if req.Seed == nil || *req.Seed != 7 || req.MaxSteps == nil || *req.MaxSteps != 100 {
		t.Errorf("seed/max_steps not forwarded: %+v", req)
	}

	if req.CFGWeight != nil {
		t.Error("unset control must stay nil")
	}
}

func TestTTSValidation(t *testing.T) {
	h := server.NewHandler(&stubSynthesizer{out: fakeWAV}, &stubVoiceLister{}, server.WithMaxTextBytes(10))

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{bad`, http.StatusBadRequest},
		{"missing text", `{"voice":"a"}`, http.StatusBadRequest},
		{"blank text", `{"text":"   "}`, http.StatusBadRequest},
		{"too long", `{"text":"` + strings.Repeat("x", 11) + `"}`, http.StatusRequestEntityTooLarge},
		{"exact limit", `{"text":"` + strings.Repeat("x", 10) + `"}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postTTS(h, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}

			if tt.want != http.StatusOK && decodeError(t, rec) == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestTTSBodyLimit(t *testing.T) {
	h := server.NewHandler(&stubSynthesizer{out: fakeWAV}, &stubVoiceLister{}, server.WithMaxTextBytes(8))

	rec := postTTS(h, `{"text":"hi","voice":"`+strings.Repeat("v", 10000)+`"}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestTTSMethodNotAllowed(t *testing.T) {
	h := server.NewHandler(&stubSynthesizer{}, &stubVoiceLister{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tts", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestTTSErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unsupported char", &verrors.UnsupportedCharacterError{Char: 'é'}, http.StatusBadRequest},
		{"invalid control", &verrors.InvalidControlParameterError{Name: "top_p", Value: 2}, http.StatusBadRequest},
		{"model missing", &verrors.ModelNotFoundError{Path: "/m"}, http.StatusServiceUnavailable},
		{"device", &verrors.DeviceUnavailableError{Device: "cuda"}, http.StatusServiceUnavailable},
		{"diverged", &verrors.GenerationDivergedError{Step: 3}, http.StatusInternalServerError},
		{"vocoding", &verrors.VocodingError{Reason: "x"}, http.StatusInternalServerError},
		{"cancelled", verrors.Cancelled("generate", context.Canceled), server.StatusCancelled},
		{"deadline", verrors.Cancelled("generate", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.StatusFor(tt.err); got != tt.want {
				t.Errorf("StatusFor = %d, want %d", got, tt.want)
			}

			h := server.NewHandler(&stubSynthesizer{err: tt.err}, &stubVoiceLister{})
			if rec := postTTS(h, `{"text":"Hi."}`); rec.Code != tt.want {
				t.Errorf("handler status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestTTSRequestTimeout(t *testing.T) {
	synth := &stubSynthesizer{out: fakeWAV, delay: time.Second}
	h := server.NewHandler(synth, &stubVoiceLister{}, server.WithRequestTimeout(20*time.Millisecond))

	if rec := postTTS(h, `{"text":"Hi."}`); rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
}

func TestTTSWorkerLimit(t *testing.T) {
	synth := &stubSynthesizer{out: fakeWAV, delay: 30 * time.Millisecond}
	h := server.NewHandler(synth, &stubVoiceLister{}, server.WithWorkers(2))

	var wg sync.WaitGroup

	for range 6 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if rec := postTTS(h, `{"text":"Hi."}`); rec.Code != http.StatusOK {
				t.Errorf("status = %d", rec.Code)
			}
		}()
	}

	wg.Wait()

	if peak := synth.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestTTSLogsCarryRequestID(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := server.NewHandler(&stubSynthesizer{out: fakeWAV}, &stubVoiceLister{}, server.WithLogger(logger))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tts", strings.NewReader(`{"text":"Hello world.","voice":"alice"}`))
	req.Header.Set(server.HeaderRequestID, "rid-1")
	h.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}

	if entry["msg"] != "synthesis complete" || entry["request_id"] != "rid-1" || entry["voice"] != "alice" {
		t.Errorf("log entry = %v", entry)
	}

	if entry["text_len"] != float64(len("Hello world.")) {
		t.Errorf("text_len = %v", entry["text_len"])
	}
}

func wavBytes(t *testing.T, seconds float64) []byte {
	t.Helper()

	w := audio.Waveform{Samples: make([]float32, int(seconds*16000)), SampleRate: 16000}
	for i := range w.Samples {
		w.Samples[i] = 0.1
	}

	data, err := audio.EncodeWAV(w)
	if err != nil {
		t.Fatal(err)
	}

	return data
}

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	for field, data := range files {
		fw, err := mw.CreateFormFile(field, field+".wav")
		if err != nil {
			t.Fatal(err)
		}

		if _, err := fw.Write(data); err != nil {
			t.Fatal(err)
		}
	}

	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	return &buf, mw.FormDataContentType()
}

func TestConvert(t *testing.T) {
	synth := &stubSynthesizer{out: fakeWAV}
	h := server.NewHandler(synth, &stubVoiceLister{})

	body, ct := multipartBody(t, map[string][]byte{"source": wavBytes(t, 1), "target": wavBytes(t, 0.5)})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/convert", body)
	req.Header.Set("Content-Type", ct)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	if len(synth.sources) != 2 || synth.sources[0].SampleRate != 16000 || len(synth.sources[0].Samples) != 16000 {
		t.Errorf("decoded inputs = %d", len(synth.sources))
	}
}

func TestConvertValidation(t *testing.T) {
	h := server.NewHandler(&stubSynthesizer{out: fakeWAV}, &stubVoiceLister{}, server.WithMaxUploadBytes(64<<10))

	tests := []struct {
		name  string
		files map[string][]byte
		want  int
	}{
		{"missing target", map[string][]byte{"source": wavBytes(t, 0.1)}, http.StatusBadRequest},
		{"not audio", map[string][]byte{"source": []byte("hello"), "target": wavBytes(t, 0.1)}, http.StatusBadRequest},
		{"too large", map[string][]byte{"source": wavBytes(t, 3), "target": wavBytes(t, 0.1)}, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.files)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/convert", body)
			req.Header.Set("Content-Type", ct)
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			got, err := server.ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
			}
		})
	}
}
