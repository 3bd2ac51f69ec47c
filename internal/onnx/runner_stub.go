//go:build windows || (js && wasm)

package onnx

import (
	"context"
	"errors"
)

// ErrUnsupportedPlatform is returned where the purego loader cannot run.
var ErrUnsupportedPlatform = errors.New("onnx: native runner unavailable on this platform")

type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

type Runner struct {
	name string
}

func NewRunner(name, _ string, _ RunnerConfig) (*Runner, error) {
	return nil, ErrUnsupportedPlatform
}

func (r *Runner) Run(_ context.Context, _ map[string]*Tensor) (map[string]*Tensor, error) {
	return nil, ErrUnsupportedPlatform
}

func (r *Runner) Close() {}

func (r *Runner) Name() string { return r.name }
