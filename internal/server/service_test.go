package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/go-voice-clone/internal/config"
	"github.com/example/go-voice-clone/internal/conditioning"
	"github.com/example/go-voice-clone/internal/pipeline"
	"github.com/example/go-voice-clone/internal/server"
	"github.com/example/go-voice-clone/internal/testutil"
	"github.com/example/go-voice-clone/internal/voices"
)

func newTestServer(t *testing.T) (*server.Server, *voices.Manager) {
	t.Helper()

	dir := t.TempDir()
	testutil.WriteBundle(t, dir)

	cfg := config.DefaultConfig()
	cfg.Paths.ModelDir = dir
	cfg.Paths.VoicesDir = t.TempDir()
	cfg.Vocoder.FlowSteps = 2
	cfg.Generation.MaxSteps = 6

	p, err := pipeline.FromPretrained(context.Background(), config.DeviceCPU, pipeline.WithConfig(cfg))
	if err != nil {
		t.Fatalf("FromPretrained: %v", err)
	}

	t.Cleanup(func() { _ = p.Close() })

	vm, err := voices.Open(cfg.Paths.VoicesDir)
	if err != nil {
		t.Fatal(err)
	}

	return server.New(cfg, p, vm, nil), vm
}

func TestPipelineTTSEndToEnd(t *testing.T) {
	s, vm := newTestServer(t)

	emb := make([]float32, testutil.SmallDims().Speaker)
	emb[0] = 1

	if _, err := vm.Add(voices.Voice{ID: "unit"}, conditioning.Speaker{Embedding: emb, PromptTokens: []int64{1, 2, 3}}); err != nil {
		t.Fatal(err)
	}

	h := s.Handler()

	for _, body := range []string{
		`{"text":"Hello world.","seed":42}`,
		`{"text":"Hello world.","voice":"unit","seed":42,"max_steps":4}`,
	} {
		rec := postTTS(h, body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d: %s", body, rec.Code, rec.Body.String())
		}

		testutil.AssertValidWAV(t, rec.Body.Bytes())

		if rec.Header().Get("X-Seed") != "42" {
			t.Errorf("X-Seed = %q", rec.Header().Get("X-Seed"))
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/voices", nil))

	var list []voices.Voice
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil || len(list) != 1 {
		t.Errorf("voices = %v, %v", list, err)
	}
}

func TestPipelineTTSErrors(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown voice", `{"text":"Hi.","voice":"nobody"}`, http.StatusBadRequest},
		{"unsupported character", `{"text":"Größe"}`, http.StatusBadRequest},
		{"control out of range", `{"text":"Hi.","top_p":3}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := postTTS(h, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestPipelineTTSBrokenVoiceFile(t *testing.T) {
	s, vm := newTestServer(t)
	h := s.Handler()

	spk := conditioning.Speaker{Embedding: make([]float32, testutil.SmallDims().Speaker), PromptTokens: []int64{1, 2}}
	spk.Embedding[0] = 1

	removed, err := vm.Add(voices.Voice{ID: "removed"}, spk)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(vm.Dir(), removed.Path)); err != nil {
		t.Fatal(err)
	}

	corrupt, err := vm.Add(voices.Voice{ID: "corrupt"}, spk)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(vm.Dir(), corrupt.Path), []byte("not a voice"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"removed", "corrupt"} {
		rec := postTTS(h, `{"text":"Hi.","voice":"`+id+`"}`)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want %d: %s", id, rec.Code, http.StatusServiceUnavailable, rec.Body.String())
		}
	}
}

func TestPipelineConvertEndToEnd(t *testing.T) {
	s, _ := newTestServer(t)

	body, ct := multipartBody(t, map[string][]byte{"source": wavBytes(t, 1), "target": wavBytes(t, 1)})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/convert", body)
	req.Header.Set("Content-Type", ct)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	testutil.AssertWAVDurationApprox(t, rec.Body.Bytes(), 0.9, 1.1)
}

func TestServeLifecycle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	addr := ln.Addr().String()

	s := server.New(config.DefaultConfig(), nil, nil, nil).WithShutdownTimeout(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)

	go func() {
		errCh <- s.Serve(ctx, ln)
	}()

	probeCtx, probeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer probeCancel()

	if err := server.ProbeHTTP(probeCtx, addr); err != nil {
		t.Fatalf("ProbeHTTP: %v", err)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned %v on shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return within 5s of cancel")
	}
}

func TestProbeHTTPFailsWithoutServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := server.ProbeHTTP(ctx, addr); err == nil {
		t.Error("ProbeHTTP succeeded without a server")
	}
}
