package main

import (
	"fmt"
	"os"

	verrors "github.com/example/go-voice-clone/internal/platform/errors"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)

		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds to process exit codes.
func exitCode(err error) int {
	switch verrors.KindOf(err) {
	case verrors.KindInput, verrors.KindConfig:
		return 2
	case verrors.KindResource:
		return 3
	case verrors.KindCancelled:
		return 130
	default:
		return 1
	}
}
