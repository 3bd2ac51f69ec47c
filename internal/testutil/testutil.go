// Package testutil provides skip helpers for tests that need real assets and
// builders for tiny random checkpoints, so model code can be tested offline.
//
// Typical usage:
//
//	func TestPipeline(t *testing.T) {
//	    dir := testutil.WriteBundle(t, t.TempDir())
//	    ...
//	}
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located. It checks (in order): the ORT_LIBRARY_PATH env var, then the
// VOICECLONE_ORT_LIB env var, then common system library paths.
func RequireONNXRuntime(tb testing.TB) string {
	tb.Helper()

	for _, env := range []string{"ORT_LIBRARY_PATH", "VOICECLONE_ORT_LIB"} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err == nil {
				return p
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)

			return ""
		}
	}

	for _, p := range []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	tb.Skipf("ONNX Runtime shared library not found; set ORT_LIBRARY_PATH or VOICECLONE_ORT_LIB")

	return ""
}

// RequireModel skips the test unless a real converted bundle is present.
// VOICECLONE_MODEL_DIR overrides the default models/chatterbox lookup,
// which walks up from the package directory.
func RequireModel(tb testing.TB) string {
	tb.Helper()

	if dir := os.Getenv("VOICECLONE_MODEL_DIR"); dir != "" {
		if _, err := os.Stat(filepath.Join(dir, "bundle.yaml")); err == nil {
			return dir
		}

		tb.Skipf("no bundle.yaml in VOICECLONE_MODEL_DIR=%q", dir)

		return ""
	}

	dir, err := filepath.Abs(".")
	if err != nil {
		tb.Skipf("resolve working dir: %v", err)
		return ""
	}

	for {
		candidate := filepath.Join(dir, "models", "chatterbox")
		if _, err := os.Stat(filepath.Join(candidate, "bundle.yaml")); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	tb.Skipf("models/chatterbox/bundle.yaml not found; run voiceclone model download")

	return ""
}
