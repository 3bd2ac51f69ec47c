// Package bench times repeated synthesis runs for the voiceclone bench
// command.
package bench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/go-voice-clone/internal/audio"
)

// SynthesizeFunc performs one synthesis and reports the produced audio and
// acoustic token count.
type SynthesizeFunc func(ctx context.Context) (audio.Waveform, int, error)

// Options control a benchmark.
type Options struct {
	Runs   int
	Warmup int
	// CPUProfile, when set, receives a pprof CPU profile of the timed runs.
	CPUProfile string
}

// RunResult holds the timing and audio metadata for a single synthesis run.
type RunResult struct {
	Index         int
	Cold          bool // first timed run with no warmup
	Duration      time.Duration
	AudioDuration time.Duration
	Tokens        int
	RTF           float64
}

// Report is the outcome of Run.
type Report struct {
	ID      string
	Runs    []RunResult
	Stats   Stats
	MeanRTF float64
}

// Run executes opts.Warmup untimed runs followed by opts.Runs timed ones.
// Timed runs are labelled stage=synthesize in the CPU profile.
func Run(ctx context.Context, opts Options, synth SynthesizeFunc) (*Report, error) {
	if opts.Runs < 1 {
		return nil, errors.New("bench: runs must be >= 1")
	}

	for i := range opts.Warmup {
		if _, _, err := synth(ctx); err != nil {
			return nil, fmt.Errorf("bench: warmup run %d: %w", i+1, err)
		}
	}

	if opts.CPUProfile != "" {
		f, err := os.Create(opts.CPUProfile)
		if err != nil {
			return nil, fmt.Errorf("bench: create cpu profile: %w", err)
		}
		defer f.Close()

		if err := pprof.StartCPUProfile(f); err != nil {
			return nil, fmt.Errorf("bench: start cpu profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	rep := &Report{ID: uuid.NewString(), Runs: make([]RunResult, 0, opts.Runs)}
	durations := make([]time.Duration, 0, opts.Runs)

	var rtfSum float64

	for i := range opts.Runs {
		var (
			w      audio.Waveform
			tokens int
			err    error
		)

		start := time.Now()

		pprof.Do(ctx, pprof.Labels("stage", "synthesize"), func(ctx context.Context) {
			w, tokens, err = synth(ctx)
		})

		elapsed := time.Since(start)

		if err != nil {
			return nil, fmt.Errorf("bench: run %d: %w", i+1, err)
		}

		r := RunResult{
			Index:         i,
			Cold:          i == 0 && opts.Warmup == 0,
			Duration:      elapsed,
			AudioDuration: w.Duration(),
			Tokens:        tokens,
		}
		r.RTF = CalcRTF(r.Duration, r.AudioDuration)

		rep.Runs = append(rep.Runs, r)
		durations = append(durations, elapsed)
		rtfSum += r.RTF
	}

	rep.Stats = ComputeStats(durations)
	rep.MeanRTF = rtfSum / float64(len(rep.Runs))

	return rep, nil
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}

	mn, mx := durations[0], durations[0]

	var sum time.Duration
	for _, d := range durations {
		mn = min(mn, d)
		mx = max(mx, d)
		sum += d
	}

	return Stats{Min: mn, Max: mx, Mean: sum / time.Duration(len(durations))}
}

// CalcRTF returns synthesis_duration / audio_duration, or 0 for silent
// output.
func CalcRTF(synthDur, audioDur time.Duration) float64 {
	if audioDur <= 0 {
		return 0
	}
	return float64(synthDur) / float64(audioDur)
}

// CheckRTFThreshold returns an error if meanRTF > threshold.
// A threshold of 0 disables the gate.
func CheckRTFThreshold(meanRTF, threshold float64) error {
	if threshold <= 0 {
		return nil
	}
	if meanRTF > threshold {
		return fmt.Errorf("mean RTF %.3f exceeds threshold %.3f", meanRTF, threshold)
	}
	return nil
}

// FormatTable writes a human-readable table of the report to w.
func FormatTable(rep *Report, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "bench %s\n", rep.ID)
	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %12s  %7s  %8s\n", "Run", "Cold", "MS", "Audio(ms)", "Tokens", "RTF")
	fmt.Fprintln(sb, strings.Repeat("-", 57))

	for _, r := range rep.Runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.1f  %12.1f  %7d  %8.3f\n",
			r.Index+1,
			cold,
			float64(r.Duration.Milliseconds()),
			float64(r.AudioDuration.Milliseconds()),
			r.Tokens,
			r.RTF,
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 57))
	fmt.Fprintf(sb, "%-12s %10.1f\n", "min", float64(rep.Stats.Min.Milliseconds()))
	fmt.Fprintf(sb, "%-12s %10.1f\n", "mean", float64(rep.Stats.Mean.Milliseconds()))
	fmt.Fprintf(sb, "%-12s %10.1f\n", "max", float64(rep.Stats.Max.Milliseconds()))
	fmt.Fprintf(sb, "%-12s %10.3f\n", "mean rtf", rep.MeanRTF)

	fmt.Fprint(w, sb.String())
}

type jsonReport struct {
	ID      string    `json:"id"`
	Runs    []jsonRun `json:"runs"`
	Stats   jsonStats `json:"stats"`
	MeanRTF float64   `json:"mean_rtf"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	DurationMS float64 `json:"duration_ms"`
	AudioMS    float64 `json:"audio_ms"`
	Tokens     int     `json:"tokens"`
	RTF        float64 `json:"rtf"`
}

type jsonStats struct {
	MinMS  float64 `json:"min_ms"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// FormatJSON writes the report as indented JSON to w.
func FormatJSON(rep *Report, w io.Writer) error {
	jr := jsonReport{
		ID:   rep.ID,
		Runs: make([]jsonRun, len(rep.Runs)),
		Stats: jsonStats{
			MinMS:  float64(rep.Stats.Min.Milliseconds()),
			MeanMS: float64(rep.Stats.Mean.Milliseconds()),
			MaxMS:  float64(rep.Stats.Max.Milliseconds()),
		},
		MeanRTF: rep.MeanRTF,
	}
	for i, r := range rep.Runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			DurationMS: float64(r.Duration.Milliseconds()),
			AudioMS:    float64(r.AudioDuration.Milliseconds()),
			Tokens:     r.Tokens,
			RTF:        r.RTF,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(jr)
}
