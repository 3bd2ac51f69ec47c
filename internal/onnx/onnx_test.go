package onnx

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-voice-clone/internal/config"
	"github.com/example/go-voice-clone/internal/testutil"
)

func TestNewTensor(t *testing.T) {
	f, err := NewTensor([]float32{1, 2, 3, 4, 5, 6}, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	if f.DType() != DTypeFloat32 {
		t.Fatalf("dtype = %s", f.DType())
	}

	got, err := f.Float32s()
	if err != nil || len(got) != 6 || got[5] != 6 {
		t.Fatalf("Float32s = %v, %v", got, err)
	}

	if _, err := f.Int64s(); err == nil {
		t.Fatal("Int64s on a float tensor should fail")
	}

	i, err := NewTensor([]int64{7, 8}, []int64{1, 2})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	ids, err := i.Int64s()
	if err != nil || ids[1] != 8 {
		t.Fatalf("Int64s = %v, %v", ids, err)
	}
}

func TestNewTensorShapeMismatch(t *testing.T) {
	tests := []struct {
		name  string
		shape []int64
	}{
		{"too few", []int64{1, 2}},
		{"zero dim", []int64{0, 3}},
		{"negative dim", []int64{-1, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTensor([]float32{1, 2, 3}, tt.shape); err == nil {
				t.Fatalf("shape %v accepted for 3 elements", tt.shape)
			}
		})
	}
}

func TestTensorShapeIsCopied(t *testing.T) {
	x, err := NewTensor([]float32{1, 2}, []int64{1, 2})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	s := x.Shape()
	s[0] = 99

	if x.Shape()[0] != 1 {
		t.Fatal("Shape returned internal storage")
	}
}

func TestDetectRuntimePrecedence(t *testing.T) {
	tmp := t.TempDir()
	lib := filepath.Join(tmp, "libonnxruntime.so.1.22.0")
	if err := os.WriteFile(lib, []byte("fake"), 0o644); err != nil {
		t.Fatalf("write fake lib: %v", err)
	}

	t.Setenv("VOICECLONE_ORT_LIB", lib)
	t.Setenv("ORT_LIBRARY_PATH", filepath.Join(tmp, "missing.so"))
	t.Setenv("ORT_VERSION", "")

	info, err := DetectRuntime(config.RuntimeConfig{})
	if err != nil {
		t.Fatalf("DetectRuntime: %v", err)
	}

	if info.LibraryPath != lib {
		t.Fatalf("LibraryPath = %q, want %q", info.LibraryPath, lib)
	}

	if info.Version != "1.22.0" {
		t.Fatalf("Version = %q, want 1.22.0", info.Version)
	}

	info, err = DetectRuntime(config.RuntimeConfig{ORTLibraryPath: filepath.Join(tmp, "nope.so")})
	if !errors.Is(err, ErrRuntimeNotFound) {
		t.Fatalf("err = %v, want ErrRuntimeNotFound", err)
	}

	if info.Version != "unknown" {
		t.Fatalf("Version = %q, want unknown", info.Version)
	}
}

func TestNewRunnerMissingGraph(t *testing.T) {
	lib := testutil.RequireONNXRuntime(t)

	_, err := NewRunner("vocoder", filepath.Join(t.TempDir(), "missing.onnx"), RunnerConfig{LibraryPath: lib})
	if err == nil {
		t.Fatal("NewRunner accepted a missing graph")
	}
}
