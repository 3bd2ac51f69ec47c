package model

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/example/go-voice-clone/internal/onnx"
	"github.com/example/go-voice-clone/internal/safetensors"
)

type VerifyOptions struct {
	Dir        string
	ORTLibrary string
	Stdout     io.Writer
	Stderr     io.Writer
}

// Verify checks that every bundle file exists, matches the lock manifest
// when one is present and parses. An ONNX vocoder graph is loaded into a
// session as a smoke test.
func Verify(ctx context.Context, opts VerifyOptions) error {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}

	b, err := LoadBundle(opts.Dir)
	if err != nil {
		return err
	}

	lock := readLockManifest(filepath.Join(opts.Dir, LockFile))

	var failures []string

	for _, f := range b.Files() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := verifyFile(b, f, lock, opts.ORTLibrary); err != nil {
			fmt.Fprintf(opts.Stderr, "FAIL %s: %v\n", f, err)
			failures = append(failures, f)

			continue
		}

		fmt.Fprintf(opts.Stdout, "PASS %s\n", f)
	}

	if len(failures) > 0 {
		return fmt.Errorf("model: verify failed for %d file(s): %s", len(failures), strings.Join(failures, ", "))
	}

	return nil
}

func verifyFile(b *Bundle, name string, lock lockManifest, ortLib string) error {
	path := b.Path(name)

	if rec, ok := lock.Files[name]; ok && isSHA256Hex(rec.SHA256) {
		match, err := existingMatches(path, strings.ToLower(rec.SHA256))
		if err != nil {
			return err
		}

		if !match {
			return fmt.Errorf("checksum differs from %s", LockFile)
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		store, err := safetensors.Open(path, safetensors.Options{})
		if err != nil {
			return err
		}
		defer store.Close()

		if len(store.Names()) == 0 {
			return fmt.Errorf("no tensors")
		}
	case ".onnx":
		r, err := onnx.NewRunner(name, path, onnx.RunnerConfig{LibraryPath: ortLib})
		if err != nil {
			return err
		}

		r.Close()
	default:
		if _, err := fileSHA256(path); err != nil {
			return err
		}
	}

	return nil
}
