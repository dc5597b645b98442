// Package extension loads action types from external modules at run time.
// A LOAD directive names a YAML manifest; the manifest names the backend
// (Starlark script or WebAssembly module), the code file, and the action
// keywords the module defines. Loaded keywords join the registry and are
// indistinguishable from builtin types for the rest of the run.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/biasflow/biasflow/pkg/action"
	"github.com/biasflow/biasflow/pkg/telemetry"
)

// Loader resolves LOAD directives. It satisfies the engine's loader
// contract and owns the lifecycle of every backend it creates: Release
// tears them all down when the run exits.
type Loader struct {
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	modules []*loadedModule
}

type loadedModule struct {
	manifest *Manifest
	eval     Evaluator
}

// NewLoader creates a loader. Metrics may be nil.
func NewLoader(log *telemetry.Logger, metrics *telemetry.Metrics) *Loader {
	if log == nil {
		log = telemetry.NewDefaultLogger()
	}
	return &Loader{
		log:     log.NewComponentLogger("extension"),
		metrics: metrics,
	}
}

// Load handles one LOAD directive: words[0] is the manifest path, the rest
// are flags. A non-empty suffix gives the replica fallback: when the plain
// path does not load, path.suffix is tried before giving up.
func (l *Loader) Load(reg *action.Registry, words []string, suffix string) error {
	if len(words) == 0 {
		return fmt.Errorf("LOAD requires a manifest path")
	}
	path := words[0]

	m, err := LoadManifest(path)
	if err != nil && suffix != "" {
		if m2, err2 := LoadManifest(path + "." + suffix); err2 == nil {
			m, err = m2, nil
		}
	}
	if err != nil {
		return err
	}

	log := l.log.WithExtension(m.Metadata.Name, m.Backend)

	var eval Evaluator
	switch m.Backend {
	case BackendStarlark:
		eval, err = newStarlarkBackend(m, log)
	case BackendWASM:
		eval, err = newWASMBackend(context.Background(), m, log)
	default:
		err = fmt.Errorf("unsupported backend %q", m.Backend)
	}
	if err != nil {
		return fmt.Errorf("extension %s: %w", m.Metadata.Name, err)
	}

	for _, spec := range m.Actions {
		keyword := spec.Keyword
		backend := m.Backend
		ctor := func(in action.Input) (action.Action, error) {
			return newScripted(in, keyword, backend, eval, l.metrics)
		}
		if err := reg.Register(keyword, ctor); err != nil {
			eval.Close()
			return fmt.Errorf("extension %s: %w", m.Metadata.Name, err)
		}
	}

	l.modules = append(l.modules, &loadedModule{manifest: m, eval: eval})
	log.WithField("version", m.Metadata.Version).
		WithField("keywords", m.Keywords()).
		Info("extension module loaded")
	return nil
}

// Modules returns the manifests of the loaded modules, in load order.
func (l *Loader) Modules() []*Manifest {
	out := make([]*Manifest, 0, len(l.modules))
	for _, lm := range l.modules {
		out = append(out, lm.manifest)
	}
	return out
}

// Release closes every backend. Safe to call more than once.
func (l *Loader) Release() error {
	var errs []error
	for _, lm := range l.modules {
		if err := lm.eval.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", lm.manifest.Metadata.Name, err))
		}
	}
	l.modules = nil
	return errors.Join(errs...)
}
