package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
)

// Options controls how tensor names are exposed by a Store.
type Options struct {
	// Rename maps a stored name to the exposed one; returning false drops it.
	Rename func(name string) (string, bool)
	// Strict turns dropped or colliding names into errors.
	Strict bool
}

// Store is an opened checkpoint. Tensors are decoded on demand.
type Store struct {
	raw      []byte
	entries  map[string]entry
	names    []string
	metadata map[string]string
}

type entry struct {
	dt    dtype
	shape []int64
	data  []byte
}

// Open reads path fully into memory and indexes its header.
func Open(path string, opts Options) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: %w", err)
	}

	s, err := Parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}

	return s, nil
}

// Parse indexes an in-memory checkpoint.
func Parse(data []byte, opts Options) (*Store, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: %d bytes is shorter than the header prefix", len(data))
	}

	n := binary.LittleEndian.Uint64(data)
	if n > uint64(len(data)-8) {
		return nil, fmt.Errorf("safetensors: header of %d bytes overruns %d byte file", n, len(data))
	}

	body := data[8+n:]

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &header); err != nil {
		return nil, fmt.Errorf("safetensors: header: %w", err)
	}

	s := &Store{raw: data, entries: make(map[string]entry, len(header)), metadata: map[string]string{}}

	for _, name := range slices.Sorted(maps.Keys(header)) {
		if name == metadataKey {
			if err := json.Unmarshal(header[name], &s.metadata); err != nil {
				return nil, fmt.Errorf("safetensors: metadata: %w", err)
			}

			continue
		}

		e, err := indexEntry(header[name], body)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		exposed, keep := name, true
		if opts.Rename != nil {
			exposed, keep = opts.Rename(name)
			exposed = strings.TrimSpace(exposed)
		}

		_, dup := s.entries[exposed]
		switch {
		case keep && exposed == "":
			return nil, fmt.Errorf("safetensors: tensor %q renamed to empty name", name)
		case (!keep || dup) && opts.Strict:
			return nil, fmt.Errorf("safetensors: strict load cannot place tensor %q", name)
		case !keep || dup:
			continue
		}

		s.entries[exposed] = e
		s.names = append(s.names, exposed)
	}

	if len(s.entries) == 0 {
		return nil, errors.New("safetensors: checkpoint holds no tensors")
	}

	slices.Sort(s.names)

	return s, nil
}

func indexEntry(raw json.RawMessage, body []byte) (entry, error) {
	var h headerEntry
	if err := json.Unmarshal(raw, &h); err != nil {
		return entry{}, err
	}

	dt, err := lookupDType(h.DType)
	if err != nil {
		return entry{}, err
	}

	count, err := elements(h.Shape)
	if err != nil {
		return entry{}, err
	}

	lo, hi := h.Offsets[0], h.Offsets[1]
	if lo < 0 || hi < lo || hi > len(body) {
		return entry{}, fmt.Errorf("offsets %v outside %d data bytes", h.Offsets, len(body))
	}

	if hi-lo < count*dt.size {
		return entry{}, fmt.Errorf("%d bytes cannot hold shape %v", hi-lo, h.Shape)
	}

	return entry{dt: dt, shape: slices.Clone(h.Shape), data: body[lo:hi]}, nil
}

// Metadata returns a copy of the __metadata__ string map.
func (s *Store) Metadata() map[string]string {
	return maps.Clone(s.metadata)
}

// Shape returns the declared shape of name without decoding it.
func (s *Store) Shape(name string) ([]int64, bool) {
	e, ok := s.entries[name]
	return slices.Clone(e.shape), ok
}

func (s *Store) Names() []string { return slices.Clone(s.names) }

func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// Tensor decodes name to float32.
func (s *Store) Tensor(name string) (*Tensor, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: no tensor %q among %d", name, len(s.names))
	}

	count, _ := elements(e.shape)

	return &Tensor{Name: name, Shape: slices.Clone(e.shape), Data: e.dt.widen(e.data, count)}, nil
}

// Close drops the backing buffer.
func (s *Store) Close() {
	*s = Store{}
}
