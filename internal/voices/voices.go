// Package voices stores reusable speaker conditionals: a directory of
// safetensors voice files indexed by a JSON manifest.
package voices

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/example/go-voice-clone/internal/conditioning"
)

// ManifestFile lives at the root of the voices directory.
const ManifestFile = "manifest.json"

type Voice struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	License     string `json:"license,omitempty"`
	Description string `json:"description,omitempty"`
}

type manifest struct {
	Voices []Voice `json:"voices"`
}

var ErrUnknownVoice = errors.New("voices: unknown voice id")

// Manager indexes the voices of one directory. It is safe for concurrent
// use.
type Manager struct {
	dir string

	mu     sync.RWMutex
	voices []Voice
	byID   map[string]Voice
}

// Open reads dir/manifest.json. A missing manifest yields an empty manager.
func Open(dir string) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("voices: directory is required")
	}

	m := &Manager{dir: dir, byID: map[string]Voice{}}

	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}

	if err != nil {
		return nil, fmt.Errorf("voices: read manifest: %w", err)
	}

	var mf manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("voices: decode manifest: %w", err)
	}

	for _, v := range mf.Voices {
		if v.ID == "" {
			return nil, errors.New("voices: manifest contains empty id")
		}

		if v.Path == "" {
			return nil, fmt.Errorf("voices: voice %q has empty path", v.ID)
		}

		if _, exists := m.byID[v.ID]; exists {
			return nil, fmt.Errorf("voices: duplicate voice id %q", v.ID)
		}

		m.byID[v.ID] = v
		m.voices = append(m.voices, v)
	}

	return m, nil
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) List() []Voice {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.voices)
}

// Resolve returns the absolute path of a voice file and checks it exists.
func (m *Manager) Resolve(id string) (string, error) {
	m.mu.RLock()
	v, ok := m.byID[id]
	m.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownVoice, id)
	}

	resolved := v.Path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(m.dir, resolved)
	}

	resolved = filepath.Clean(resolved)

	if _, err := os.Stat(resolved); err != nil {
		return "", fmt.Errorf("voices: voice file for %q: %w", id, err)
	}

	return resolved, nil
}

// Load reads the conditionals of a registered voice.
func (m *Manager) Load(id string) (conditioning.Speaker, error) {
	path, err := m.Resolve(id)
	if err != nil {
		return conditioning.Speaker{}, err
	}

	return LoadSpeaker(path)
}

// Add writes spk to <dir>/<id>.safetensors and registers it, replacing an
// existing entry with the same id.
func (m *Manager) Add(v Voice, spk conditioning.Speaker) (Voice, error) {
	if err := validID(v.ID); err != nil {
		return Voice{}, err
	}

	if v.Path == "" {
		v.Path = v.ID + ".safetensors"
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return Voice{}, fmt.Errorf("voices: create dir: %w", err)
	}

	path := v.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.dir, path)
	}

	meta := map[string]string{"id": v.ID}
	if v.License != "" {
		meta["license"] = v.License
	}

	if err := SaveSpeaker(path, spk, meta); err != nil {
		return Voice{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[v.ID]; exists {
		i := slices.IndexFunc(m.voices, func(x Voice) bool { return x.ID == v.ID })
		m.voices[i] = v
	} else {
		m.voices = append(m.voices, v)
	}

	m.byID[v.ID] = v

	if err := m.writeManifest(); err != nil {
		return Voice{}, err
	}

	return v, nil
}

func (m *Manager) writeManifest() error {
	data, err := json.MarshalIndent(manifest{Voices: m.voices}, "", "  ")
	if err != nil {
		return fmt.Errorf("voices: encode manifest: %w", err)
	}

	tmp := filepath.Join(m.dir, ManifestFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("voices: write manifest: %w", err)
	}

	if err := os.Rename(tmp, filepath.Join(m.dir, ManifestFile)); err != nil {
		return fmt.Errorf("voices: replace manifest: %w", err)
	}

	return nil
}

func validID(id string) error {
	if id == "" {
		return errors.New("voices: id is required")
	}

	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("voices: invalid id %q", id)
	}

	return nil
}
