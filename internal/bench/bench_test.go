package bench_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/go-voice-clone/internal/audio"
	"github.com/example/go-voice-clone/internal/bench"
)

func oneSecond(_ context.Context) (audio.Waveform, int, error) {
	return audio.Waveform{Samples: make([]float32, 24000), SampleRate: 24000}, 25, nil
}

func TestRun(t *testing.T) {
	calls := 0
	synth := func(ctx context.Context) (audio.Waveform, int, error) {
		calls++
		return oneSecond(ctx)
	}

	rep, err := bench.Run(context.Background(), bench.Options{Runs: 3, Warmup: 1}, synth)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls != 4 {
		t.Errorf("calls = %d, want 4 (1 warmup + 3 runs)", calls)
	}

	if len(rep.Runs) != 3 || rep.ID == "" {
		t.Fatalf("report = %+v", rep)
	}

	for _, r := range rep.Runs {
		if r.Cold {
			t.Error("no run is cold after warmup")
		}

		if r.AudioDuration != time.Second || r.Tokens != 25 {
			t.Errorf("run %d = %+v", r.Index, r)
		}
	}

	if rep.Stats.Min > rep.Stats.Mean || rep.Stats.Mean > rep.Stats.Max {
		t.Errorf("stats out of order: %+v", rep.Stats)
	}
}

func TestRunColdWithoutWarmup(t *testing.T) {
	rep, err := bench.Run(context.Background(), bench.Options{Runs: 2}, oneSecond)
	if err != nil {
		t.Fatal(err)
	}

	if !rep.Runs[0].Cold || rep.Runs[1].Cold {
		t.Errorf("cold flags = %v, %v", rep.Runs[0].Cold, rep.Runs[1].Cold)
	}
}

func TestRunErrors(t *testing.T) {
	if _, err := bench.Run(context.Background(), bench.Options{}, oneSecond); err == nil {
		t.Error("zero runs accepted")
	}

	boom := errors.New("boom")
	fail := func(context.Context) (audio.Waveform, int, error) { return audio.Waveform{}, 0, boom }

	if _, err := bench.Run(context.Background(), bench.Options{Runs: 1}, fail); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}

	if _, err := bench.Run(context.Background(), bench.Options{Runs: 1, Warmup: 1}, fail); err == nil || !strings.Contains(err.Error(), "warmup") {
		t.Errorf("warmup err = %v", err)
	}
}

func TestRunWritesCPUProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.pprof")

	if _, err := bench.Run(context.Background(), bench.Options{Runs: 1, CPUProfile: path}, oneSecond); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestComputeStats(t *testing.T) {
	s := bench.ComputeStats([]time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 200 * time.Millisecond})
	if s.Min != 100*time.Millisecond || s.Max != 300*time.Millisecond || s.Mean != 200*time.Millisecond {
		t.Errorf("stats = %+v", s)
	}

	if got := bench.ComputeStats(nil); got != (bench.Stats{}) {
		t.Errorf("empty = %+v", got)
	}
}

func TestCalcRTF(t *testing.T) {
	if rtf := bench.CalcRTF(500*time.Millisecond, time.Second); rtf < 0.499 || rtf > 0.501 {
		t.Errorf("RTF = %.4f, want 0.5", rtf)
	}

	if rtf := bench.CalcRTF(time.Second, 0); rtf != 0 {
		t.Errorf("RTF for silent output = %v", rtf)
	}
}

func TestCheckRTFThreshold(t *testing.T) {
	tests := []struct {
		rtf, threshold float64
		wantErr        bool
	}{
		{0.5, 1.0, false},
		{1.5, 1.0, true},
		{9, 0, false},
	}

	for _, tt := range tests {
		if err := bench.CheckRTFThreshold(tt.rtf, tt.threshold); (err != nil) != tt.wantErr {
			t.Errorf("CheckRTFThreshold(%v, %v) = %v", tt.rtf, tt.threshold, err)
		}
	}
}

func sampleReport() *bench.Report {
	return &bench.Report{
		ID: "run-1",
		Runs: []bench.RunResult{
			{Index: 0, Cold: true, Duration: 200 * time.Millisecond, AudioDuration: time.Second, Tokens: 25, RTF: 0.2},
			{Index: 1, Duration: 100 * time.Millisecond, AudioDuration: time.Second, Tokens: 25, RTF: 0.1},
		},
		Stats:   bench.Stats{Min: 100 * time.Millisecond, Mean: 150 * time.Millisecond, Max: 200 * time.Millisecond},
		MeanRTF: 0.15,
	}
}

func TestFormatTable(t *testing.T) {
	var buf bytes.Buffer

	bench.FormatTable(sampleReport(), &buf)
	out := buf.String()

	for _, want := range []string{"bench run-1", "yes", "mean rtf", "0.150"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	var buf bytes.Buffer

	if err := bench.FormatJSON(sampleReport(), &buf); err != nil {
		t.Fatal(err)
	}

	var got struct {
		ID   string `json:"id"`
		Runs []struct {
			Cold    bool    `json:"cold"`
			AudioMS float64 `json:"audio_ms"`
			Tokens  int     `json:"tokens"`
		} `json:"runs"`
		Stats struct {
			MeanMS float64 `json:"mean_ms"`
		} `json:"stats"`
		MeanRTF float64 `json:"mean_rtf"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.ID != "run-1" || len(got.Runs) != 2 || !got.Runs[0].Cold || got.Runs[1].AudioMS != 1000 || got.Runs[0].Tokens != 25 {
		t.Errorf("report = %+v", got)
	}

	if got.Stats.MeanMS != 150 || got.MeanRTF != 0.15 {
		t.Errorf("stats = %+v rtf = %v", got.Stats, got.MeanRTF)
	}
}
