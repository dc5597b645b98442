package extension_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/biasflow/biasflow/pkg/action"
	"github.com/biasflow/biasflow/pkg/builtin"
	"github.com/biasflow/biasflow/pkg/engine"
	"github.com/biasflow/biasflow/pkg/extension"
)

const scaledModule = `
def scaled(x):
    return (2.0 * x, [2.0])

def guard(x):
    if x < 3.0:
        return None
    return (x, [1.0])

register("SCALED", scaled)
register("GUARD", guard)
`

const scaledManifest = `
metadata:
  name: scaled
  version: 0.1.0
backend: starlark
entrypoint: scaled.star
actions:
  - keyword: SCALED
  - keyword: GUARD
`

func writeExtension(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "scaled.star"), []byte(scaledModule), 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(manifest, []byte(scaledManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	return manifest
}

func newLoadedEngine(t *testing.T, positions []float64) (*engine.Engine, string) {
	t.Helper()
	manifest := writeExtension(t)

	e := engine.New(engine.Options{Loader: extension.NewLoader(nil, nil)})
	if err := builtin.Register(e.Registry()); err != nil {
		t.Fatal(err)
	}
	if err := e.SetNatoms(2); err != nil {
		t.Fatal(err)
	}
	if err := e.Init(); err != nil {
		t.Fatal(err)
	}
	if positions != nil {
		if err := e.Atoms().SetPositions(positions); err != nil {
			t.Fatal(err)
		}
	}
	return e, manifest
}

func TestLoader_StarlarkActionInRun(t *testing.T) {
	e, manifest := newLoadedEngine(t, []float64{
		0, 0, 0,
		2, 0, 0,
	})
	hostForces := make([]float64, 6)
	if err := e.Atoms().BindHostForces(hostForces); err != nil {
		t.Fatal(err)
	}

	script := `
LOAD FILE=` + manifest + `
d1: DISTANCE ATOMS=1,2
s1: SCALED ARG=d1
r1: RESTRAINT ARG=s1 AT=0.0 KAPPA=2
PRINT ARG=r1 STRIDE=1 FILE=` + filepath.Join(t.TempDir(), "colvar.dat") + `
`
	if err := e.ReadInputReader(strings.NewReader(script)); err != nil {
		t.Fatalf("ReadInputReader: %v", err)
	}

	if err := e.SetStep(0); err != nil {
		t.Fatal(err)
	}
	if err := e.Calc(context.Background()); err != nil {
		t.Fatalf("Calc: %v", err)
	}

	// d1 = 2, s1 = 2*d1 = 4, bias = 0.5*2*4^2 = 16. The restraint pushes
	// -8 onto s1, the module's derivative doubles it onto d1, and the
	// distance maps it onto the pair.
	if got := e.Bias(); math.Abs(got-16) > 1e-9 {
		t.Errorf("bias = %g, want 16", got)
	}
	if math.Abs(hostForces[0]-16) > 1e-9 || math.Abs(hostForces[3]+16) > 1e-9 {
		t.Errorf("host forces = %v", hostForces)
	}
}

func TestLoader_UndefinedResultFollowsDomainPolicy(t *testing.T) {
	e, manifest := newLoadedEngine(t, []float64{
		0, 0, 0,
		2, 0, 0, // d1 = 2 < 3, the module declines
	})

	script := `
LOAD FILE=` + manifest + `
d1: DISTANCE ATOMS=1,2
g1: GUARD ARG=d1
r1: RESTRAINT ARG=g1 AT=0.0 KAPPA=2
PRINT ARG=r1 STRIDE=1 FILE=` + filepath.Join(t.TempDir(), "colvar.dat") + `
`
	if err := e.ReadInputReader(strings.NewReader(script)); err != nil {
		t.Fatalf("ReadInputReader: %v", err)
	}

	if err := e.SetStep(0); err != nil {
		t.Fatal(err)
	}
	if err := e.Calc(context.Background()); err != nil {
		t.Fatalf("Calc should absorb the undefined result: %v", err)
	}
	if got := e.Bias(); got != 0 {
		t.Errorf("bias = %g, want 0 when the chain is undefined", got)
	}
}

func TestLoader_KeywordUnknownWithoutLoad(t *testing.T) {
	e, _ := newLoadedEngine(t, nil)

	err := e.ReadInputReader(strings.NewReader(`
d1: DISTANCE ATOMS=1,2
s1: SCALED ARG=d1
`))
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeUnknownAction {
		t.Fatalf("error = %v, want code %s", err, engine.ErrCodeUnknownAction)
	}
}

func TestLoader_CannotShadowBuiltin(t *testing.T) {
	dir := t.TempDir()
	module := `
def d(x):
    return x

register("DISTANCE", d)
`
	if err := os.WriteFile(filepath.Join(dir, "shadow.star"), []byte(module), 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(manifest, []byte(`
metadata:
  name: shadow
  version: 0.1.0
backend: starlark
entrypoint: shadow.star
actions:
  - keyword: DISTANCE
`), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := action.NewRegistry()
	if err := builtin.Register(reg); err != nil {
		t.Fatal(err)
	}

	l := extension.NewLoader(nil, nil)
	err := l.Load(reg, []string{manifest}, "")
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("error = %v, want shadowing rejection", err)
	}
}

func TestLoader_SuffixRetry(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "scaled.star"), []byte(scaledModule), 0o644); err != nil {
		t.Fatal(err)
	}
	// Only the replica-suffixed manifest exists.
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml.7"), []byte(scaledManifest), 0o644); err != nil {
		t.Fatal(err)
	}

	l := extension.NewLoader(nil, nil)
	reg := action.NewRegistry()
	if err := l.Load(reg, []string{filepath.Join(dir, "manifest.yaml")}, "7"); err != nil {
		t.Fatalf("suffix retry should find manifest.yaml.7: %v", err)
	}
	if _, ok := reg.Lookup("SCALED"); !ok {
		t.Error("SCALED should be registered after load")
	}
	if mods := l.Modules(); len(mods) != 1 || mods[0].Metadata.Name != "scaled" {
		t.Errorf("modules = %+v", mods)
	}
	if err := l.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
}

func TestLoader_WASMRejectsInvalidModule(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.wasm"), []byte("not wasm"), 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(manifest, []byte(`
metadata:
  name: bad
  version: 0.1.0
backend: wasm
entrypoint: bad.wasm
actions:
  - keyword: BAD
`), 0o644); err != nil {
		t.Fatal(err)
	}

	l := extension.NewLoader(nil, nil)
	if err := l.Load(action.NewRegistry(), []string{manifest}, ""); err == nil {
		t.Fatal("garbage bytes should not instantiate")
	}
}
