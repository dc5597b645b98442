package extension

import (
	"fmt"
	"os"

	"go.starlark.net/starlark"

	"github.com/biasflow/biasflow/pkg/telemetry"
)

// starlarkBackend runs a Starlark module. The module's top level executes
// once at load time and must call register(keyword, fn) for every keyword
// its manifest declares. Each fn receives the argument scalars as floats
// and returns one of:
//
//	value                  - a number; no derivatives, forces stop here
//	(value, [d1, d2, ...]) - a number plus one derivative per argument
//	None                   - undefined for these arguments (domain error)
type starlarkBackend struct {
	thread *starlark.Thread
	funcs  map[string]starlark.Callable
}

func newStarlarkBackend(m *Manifest, log *telemetry.Logger) (*starlarkBackend, error) {
	src, err := os.ReadFile(m.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("reading module %s: %w", m.ModulePath, err)
	}

	b := &starlarkBackend{
		funcs: make(map[string]starlark.Callable),
	}
	b.thread = &starlark.Thread{
		Name: m.Metadata.Name,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug(msg)
		},
	}

	predeclared := starlark.StringDict{
		"register": starlark.NewBuiltin("register", b.registerBuiltin),
	}
	if _, err := starlark.ExecFile(b.thread, m.ModulePath, src, predeclared); err != nil {
		return nil, fmt.Errorf("executing module %s: %w", m.ModulePath, err)
	}

	// The manifest is the contract: every declared keyword must have been
	// registered by the module's top level.
	for _, k := range m.Keywords() {
		if _, ok := b.funcs[k]; !ok {
			return nil, fmt.Errorf("module %s declares %s but never registers it", m.Metadata.Name, k)
		}
	}
	return b, nil
}

func (b *starlarkBackend) registerBuiltin(thread *starlark.Thread, bi *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var keyword string
	var fn starlark.Callable
	if err := starlark.UnpackArgs(bi.Name(), args, kwargs, "keyword", &keyword, "fn", &fn); err != nil {
		return nil, err
	}
	if _, dup := b.funcs[keyword]; dup {
		return nil, fmt.Errorf("keyword %s registered twice", keyword)
	}
	b.funcs[keyword] = fn
	return starlark.None, nil
}

// Evaluate calls the registered function for keyword.
func (b *starlarkBackend) Evaluate(keyword string, args []float64) (Result, error) {
	fn, ok := b.funcs[keyword]
	if !ok {
		return Result{}, fmt.Errorf("keyword %s is not registered", keyword)
	}

	tuple := make(starlark.Tuple, len(args))
	for i, x := range args {
		tuple[i] = starlark.Float(x)
	}
	out, err := starlark.Call(b.thread, fn, tuple, nil)
	if err != nil {
		return Result{}, fmt.Errorf("calling %s: %w", keyword, err)
	}
	return resultFromStarlark(keyword, out)
}

// Close implements Evaluator; a Starlark backend holds no resources.
func (b *starlarkBackend) Close() error { return nil }

func resultFromStarlark(keyword string, v starlark.Value) (Result, error) {
	if _, none := v.(starlark.NoneType); none {
		return Result{Undefined: true}, nil
	}

	if f, ok := starlark.AsFloat(v); ok {
		return Result{Value: f}, nil
	}

	pair, ok := v.(starlark.Tuple)
	if !ok || len(pair) != 2 {
		return Result{}, fmt.Errorf("%s returned %s, want a number, None, or (value, derivatives)", keyword, v.Type())
	}
	value, ok := starlark.AsFloat(pair[0])
	if !ok {
		return Result{}, fmt.Errorf("%s returned a non-numeric value %s", keyword, pair[0].Type())
	}
	list, ok := pair[1].(*starlark.List)
	if !ok {
		return Result{}, fmt.Errorf("%s returned derivatives of type %s, want a list", keyword, pair[1].Type())
	}

	derivs := make([]float64, list.Len())
	for i := 0; i < list.Len(); i++ {
		d, ok := starlark.AsFloat(list.Index(i))
		if !ok {
			return Result{}, fmt.Errorf("%s derivative %d is not a number", keyword, i)
		}
		derivs[i] = d
	}
	return Result{Value: value, Derivatives: derivs}, nil
}
