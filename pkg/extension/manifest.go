package extension

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in a manifest.
const (
	BackendStarlark = "starlark"
	BackendWASM     = "wasm"
)

// Manifest describes one extension module: where its code lives, which
// backend runs it, and which action keywords it defines.
type Manifest struct {
	// Metadata identifies the extension.
	Metadata Metadata `yaml:"metadata"`

	// Backend selects the execution backend (starlark, wasm).
	Backend string `yaml:"backend"`

	// Entrypoint is the module file, relative to the manifest unless
	// absolute.
	Entrypoint string `yaml:"entrypoint"`

	// Checksum is the optional sha256 of the entrypoint file, hex encoded.
	Checksum string `yaml:"checksum,omitempty"`

	// Actions are the action types the module defines.
	Actions []ActionSpec `yaml:"actions"`

	// Path is where the manifest was loaded from; filled by the loader.
	Path string `yaml:"-"`

	// ModulePath is the resolved entrypoint path; filled by the loader.
	ModulePath string `yaml:"-"`

	// Verified reports whether the entrypoint checksum matched.
	Verified bool `yaml:"-"`
}

// Metadata identifies an extension module.
type Metadata struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Author      string `yaml:"author,omitempty"`
	License     string `yaml:"license,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// ActionSpec declares one action keyword exported by the module.
type ActionSpec struct {
	// Keyword is the input-file keyword, conventionally upper case.
	Keyword string `yaml:"keyword"`

	// Description is shown in listings.
	Description string `yaml:"description,omitempty"`
}

// LoadManifest reads and validates a manifest file and resolves the
// entrypoint path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest YAML: %w", err)
	}
	m.Path = path

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	if filepath.IsAbs(m.Entrypoint) {
		m.ModulePath = m.Entrypoint
	} else {
		m.ModulePath = filepath.Join(filepath.Dir(path), m.Entrypoint)
	}
	if _, err := os.Stat(m.ModulePath); err != nil {
		return nil, fmt.Errorf("module not found at %s: %w", m.ModulePath, err)
	}

	if m.Checksum != "" {
		if err := m.verifyChecksum(); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// validate checks the structural requirements of a manifest.
func (m *Manifest) validate() error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("extension name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("extension version is required")
	}
	switch m.Backend {
	case BackendStarlark, BackendWASM:
	default:
		return fmt.Errorf("unsupported backend %q", m.Backend)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if len(m.Actions) == 0 {
		return fmt.Errorf("at least one action keyword is required")
	}
	seen := make(map[string]bool, len(m.Actions))
	for _, a := range m.Actions {
		if a.Keyword == "" {
			return fmt.Errorf("action keyword must not be empty")
		}
		if seen[a.Keyword] {
			return fmt.Errorf("duplicate action keyword %s", a.Keyword)
		}
		seen[a.Keyword] = true
	}
	return nil
}

// verifyChecksum compares the entrypoint's sha256 with the manifest.
func (m *Manifest) verifyChecksum() error {
	data, err := os.ReadFile(m.ModulePath)
	if err != nil {
		return fmt.Errorf("reading module for checksum: %w", err)
	}
	hash := sha256.Sum256(data)
	computed := hex.EncodeToString(hash[:])
	if computed != m.Checksum {
		return fmt.Errorf("module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}
	m.Verified = true
	return nil
}

// Keywords returns the action keywords the manifest declares.
func (m *Manifest) Keywords() []string {
	out := make([]string, 0, len(m.Actions))
	for _, a := range m.Actions {
		out = append(out, a.Keyword)
	}
	return out
}
