// Package nn holds the checkpoint-backed layers shared by the speaker
// encoder, speech tokenizer, token generator and vocoder.
package nn

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/example/go-voice-clone/internal/runtime/tensor"
	"github.com/example/go-voice-clone/internal/safetensors"
)

// VarBuilder resolves dotted parameter names against a checkpoint, relative
// to a scope such as "encoder.layers.0".
type VarBuilder struct {
	store  *safetensors.Store
	prefix string
}

func OpenVarBuilder(path string) (*VarBuilder, error) {
	store, err := safetensors.Open(path, safetensors.Options{})
	if err != nil {
		return nil, err
	}

	return NewVarBuilder(store), nil
}

func NewVarBuilder(store *safetensors.Store) *VarBuilder {
	return &VarBuilder{store: store}
}

// Path narrows the scope; empty parts are skipped.
func (vb *VarBuilder) Path(parts ...string) *VarBuilder {
	if vb == nil {
		return nil
	}

	scope := []string{}
	if vb.prefix != "" {
		scope = append(scope, vb.prefix)
	}

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			scope = append(scope, p)
		}
	}

	return &VarBuilder{store: vb.store, prefix: strings.Join(scope, ".")}
}

func (vb *VarBuilder) ready() bool { return vb != nil && vb.store != nil }

func (vb *VarBuilder) Has(name string) bool {
	return vb.ready() && vb.store.Has(vb.resolve(name))
}

// Metadata is the checkpoint's __metadata__ map, never nil.
func (vb *VarBuilder) Metadata() map[string]string {
	if !vb.ready() {
		return map[string]string{}
	}

	return vb.store.Metadata()
}

func (vb *VarBuilder) Shape(name string) ([]int64, bool) {
	if !vb.ready() {
		return nil, false
	}

	return vb.store.Shape(vb.resolve(name))
}

// Tensor loads name, checking its shape when want is given.
func (vb *VarBuilder) Tensor(name string, want ...int64) (*tensor.Tensor, error) {
	if !vb.ready() {
		return nil, errors.New("nn: var builder has no checkpoint")
	}

	full := vb.resolve(name)

	raw, err := vb.store.Tensor(full)
	if err != nil {
		return nil, err
	}

	if len(want) > 0 && !slices.Equal(raw.Shape, want) {
		return nil, fmt.Errorf("nn: %s has shape %v, want %v", full, raw.Shape, want)
	}

	t, err := tensor.New(raw.Data, raw.Shape)
	if err != nil {
		return nil, fmt.Errorf("nn: %s: %w", full, err)
	}

	return t, nil
}

// TensorMaybe is Tensor for optional parameters; ok is false when absent.
func (vb *VarBuilder) TensorMaybe(name string, want ...int64) (t *tensor.Tensor, ok bool, err error) {
	if !vb.Has(name) {
		return nil, false, nil
	}

	t, err = vb.Tensor(name, want...)

	return t, true, err
}

// Count returns how many consecutive children <prefix>.<i> carry leaf,
// e.g. Count("layers", "norm1.weight").
func (vb *VarBuilder) Count(prefix, leaf string) int {
	n := 0
	for vb.Path(prefix, strconv.Itoa(n)).Has(leaf) {
		n++
	}

	return n
}

func (vb *VarBuilder) resolve(name string) string {
	name = strings.TrimSpace(name)
	if vb == nil {
		return name
	}

	return strings.Trim(vb.prefix+"."+name, ".")
}
