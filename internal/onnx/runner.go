//go:build !windows && !(js && wasm)

package onnx

import (
	"context"
	"errors"
	"fmt"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"
)

const defaultAPIVersion = 23

// RunnerConfig selects the onnxruntime shared library.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// Runner owns one inference session. Run may be called concurrently;
// Close must not race with it.
type Runner struct {
	name    string
	runtime *ort.Runtime
	env     *ort.Env
	session *ort.Session
}

// NewRunner opens the graph at path under its own runtime and env.
func NewRunner(name, path string, cfg RunnerConfig) (*Runner, error) {
	version := cfg.APIVersion
	if version == 0 {
		version = defaultAPIVersion
	}

	r := &Runner{name: name}

	var err error
	if r.runtime, err = ort.NewRuntime(cfg.LibraryPath, version); err != nil {
		return nil, fmt.Errorf("onnx: %s: load runtime: %w", name, err)
	}
	if r.env, err = r.runtime.NewEnv("voiceclone-"+name, ort.LoggingLevelWarning); err != nil {
		r.Close()
		return nil, fmt.Errorf("onnx: %s: create env: %w", name, err)
	}
	if r.session, err = r.runtime.NewSession(r.env, path, nil); err != nil {
		r.Close()
		return nil, fmt.Errorf("onnx: %s: open %s: %w", name, path, err)
	}

	return r, nil
}

func (r *Runner) Name() string { return r.name }

// Run feeds the named inputs through the graph and copies every output
// back into Go memory.
func (r *Runner) Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	feeds := make(map[string]*ort.Value, len(inputs))
	defer release(feeds)

	for name, t := range inputs {
		v, err := encode(r.runtime, t)
		if err != nil {
			return nil, fmt.Errorf("onnx: %s: input %s: %w", r.name, name, err)
		}
		feeds[name] = v
	}

	fetched, err := r.session.Run(ctx, feeds)
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: run: %w", r.name, err)
	}
	defer release(fetched)

	out := make(map[string]*Tensor, len(fetched))
	for name, v := range fetched {
		if out[name], err = decode(v); err != nil {
			return nil, fmt.Errorf("onnx: %s: output %s: %w", r.name, name, err)
		}
	}

	return out, nil
}

// Close tears down session, env and runtime in that order. Repeated
// calls are no-ops.
func (r *Runner) Close() {
	if r.session != nil {
		r.session.Close()
	}
	if r.env != nil {
		r.env.Close()
	}
	if r.runtime != nil {
		_ = r.runtime.Close()
	}
	r.session, r.env, r.runtime = nil, nil, nil
}

func encode(rt *ort.Runtime, t *Tensor) (*ort.Value, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	if t.dtype == DTypeInt64 {
		return ort.NewTensorValue(rt, t.i64, t.shape)
	}
	if t.dtype == DTypeFloat32 {
		return ort.NewTensorValue(rt, t.f32, t.shape)
	}

	return nil, fmt.Errorf("dtype %q not supported", t.dtype)
}

func decode(v *ort.Value) (*Tensor, error) {
	kind, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("element type: %w", err)
	}

	if kind == ort.ONNXTensorElementDataTypeInt64 {
		return copyOut[int64](v)
	}
	if kind == ort.ONNXTensorElementDataTypeFloat {
		return copyOut[float32](v)
	}

	return nil, fmt.Errorf("element type %d not supported", kind)
}

func copyOut[T int64 | float32](v *ort.Value) (*Tensor, error) {
	data, shape, err := ort.GetTensorData[T](v)
	if err != nil {
		return nil, err
	}

	return NewTensor(data, shape)
}

func release(values map[string]*ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Close()
		}
	}
}
