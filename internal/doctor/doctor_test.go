package doctor

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-voice-clone/internal/conditioning"
	"github.com/example/go-voice-clone/internal/onnx"
	"github.com/example/go-voice-clone/internal/testutil"
	"github.com/example/go-voice-clone/internal/voices"
)

func noRuntime() (onnx.RuntimeInfo, error) { return onnx.RuntimeInfo{}, onnx.ErrRuntimeNotFound }

func TestRunPassesForCompleteBundle(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteBundle(t, dir)

	vdir := t.TempDir()

	vm, err := voices.Open(vdir)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := vm.Add(voices.Voice{ID: "alice"}, conditioning.Speaker{Embedding: []float32{1}}); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer

	res := Run(Config{ModelDir: dir, VoicesDir: vdir, Device: "cpu", Runtime: noRuntime}, &out)
	if res.Failed() {
		t.Fatalf("failures: %v\n%s", res.Failures(), out.String())
	}

	for _, want := range []string{"model bundle: chatterbox", "bundle file: t3.safetensors", "voice file: alice", "onnx runtime: not found"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunReportsMissingPieces(t *testing.T) {
	dir := t.TempDir()
	b := testutil.WriteBundle(t, dir)

	if err := os.Remove(b.Path(b.Vocoder.File)); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer

	res := Run(Config{ModelDir: dir, Device: "cuda", Runtime: noRuntime}, &out)
	if !res.Failed() {
		t.Fatal("expected failures")
	}

	got := strings.Join(res.Failures(), "\n")
	if !strings.Contains(got, "device") || !strings.Contains(got, b.Vocoder.File) {
		t.Errorf("failures = %v", res.Failures())
	}

	if !strings.Contains(out.String(), FailMark) {
		t.Errorf("no fail mark in output:\n%s", out.String())
	}
}

func TestRunWithoutBundle(t *testing.T) {
	var out bytes.Buffer

	res := Run(Config{ModelDir: filepath.Join(t.TempDir(), "absent"), Runtime: noRuntime}, &out)
	if !res.Failed() || !strings.HasPrefix(res.Failures()[0], "model bundle") {
		t.Errorf("failures = %v", res.Failures())
	}
}

func TestCheckRuntimeRequiredForONNX(t *testing.T) {
	tests := []struct {
		name     string
		detect   RuntimeFunc
		required bool
		wantFail bool
	}{
		{"missing optional", noRuntime, false, false},
		{"missing required", noRuntime, true, true},
		{"old required", func() (onnx.RuntimeInfo, error) {
			return onnx.RuntimeInfo{LibraryPath: "/lib/ort.so", Version: "1.16.3"}, nil
		}, true, true},
		{"old optional", func() (onnx.RuntimeInfo, error) {
			return onnx.RuntimeInfo{LibraryPath: "/lib/ort.so", Version: "1.16.3"}, nil
		}, false, false},
		{"recent required", func() (onnx.RuntimeInfo, error) {
			return onnx.RuntimeInfo{LibraryPath: "/lib/ort.so", Version: "1.23.2"}, nil
		}, true, false},
		{"unknown version", func() (onnx.RuntimeInfo, error) {
			return onnx.RuntimeInfo{LibraryPath: "/lib/ort.so", Version: "unknown"}, nil
		}, true, false},
		{"skipped", nil, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				res Result
				out bytes.Buffer
			)

			checkRuntime(printer{w: &out, res: &res}, tt.detect, tt.required)

			if res.Failed() != tt.wantFail {
				t.Errorf("Failed = %v, want %v (%s)", res.Failed(), tt.wantFail, out.String())
			}
		})
	}
}

func TestVoicesManifestError(t *testing.T) {
	vdir := t.TempDir()
	if err := os.WriteFile(filepath.Join(vdir, voices.ManifestFile), []byte("{bad"), 0o644); err != nil {
		t.Fatal(err)
	}

	var (
		res Result
		out bytes.Buffer
	)

	checkVoices(printer{w: &out, res: &res}, vdir)

	if !res.Failed() {
		t.Error("bad manifest not reported")
	}
}

func TestParseMajorMinor(t *testing.T) {
	tests := []struct {
		ver       string
		wantMajor int
		wantMinor int
		wantErr   bool
	}{
		{"1.23", 1, 23, false},
		{"1.23.2", 1, 23, false},
		{"1", 0, 0, true},
		{"", 0, 0, true},
		{"abc.11", 0, 0, true},
		{"1.xyz", 0, 0, true},
	}

	for _, tt := range tests {
		major, minor, err := parseMajorMinor(tt.ver)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseMajorMinor(%q) err = %v", tt.ver, err)
		}

		if !tt.wantErr && (major != tt.wantMajor || minor != tt.wantMinor) {
			t.Errorf("parseMajorMinor(%q) = %d.%d", tt.ver, major, minor)
		}
	}
}

func TestAddFailure(t *testing.T) {
	var res Result

	res.AddFailure("external")

	if !res.Failed() || res.Failures()[0] != "external" {
		t.Errorf("Failures = %v", res.Failures())
	}

	if err := checkORTVersion("0.9.0"); err == nil || errors.Unwrap(err) != nil {
		t.Errorf("checkORTVersion(0.9.0) = %v", err)
	}
}
