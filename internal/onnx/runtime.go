package onnx

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"

	"github.com/example/go-voice-clone/internal/config"
)

// RuntimeInfo describes the ONNX Runtime shared library in use.
type RuntimeInfo struct {
	LibraryPath string
	Version     string
}

// ErrRuntimeNotFound means no ONNX Runtime library could be located.
var ErrRuntimeNotFound = errors.New("onnx: unable to locate ONNX Runtime library")

var versionPattern = regexp.MustCompile(`([0-9]+\.[0-9]+\.[0-9]+)`)

var libraryCandidates = []string{
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/opt/homebrew/lib/libonnxruntime.dylib",
}

// DetectRuntime resolves the library from configuration, then
// VOICECLONE_ORT_LIB and ORT_LIBRARY_PATH, then well-known locations.
func DetectRuntime(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	path := cfg.ORTLibraryPath
	for _, env := range []string{"VOICECLONE_ORT_LIB", "ORT_LIBRARY_PATH"} {
		if path != "" {
			break
		}

		path = os.Getenv(env)
	}

	if path == "" {
		for _, c := range libraryCandidates {
			if _, err := os.Stat(c); err == nil {
				path = c

				break
			}
		}
	}

	if path == "" {
		return RuntimeInfo{Version: "unknown"}, ErrRuntimeNotFound
	}

	if _, err := os.Stat(path); err != nil {
		return RuntimeInfo{LibraryPath: path, Version: "unknown"}, errors.Join(ErrRuntimeNotFound, err)
	}

	version := cfg.ORTVersion
	if version == "" {
		version = os.Getenv("ORT_VERSION")
	}

	if version == "" {
		if m := versionPattern.FindStringSubmatch(filepath.Base(path)); len(m) == 2 {
			version = m[1]
		}
	}

	if version == "" {
		version = "unknown"
	}

	return RuntimeInfo{LibraryPath: path, Version: version}, nil
}
