package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/biasflow/biasflow/pkg/telemetry"
)

const (
	// wasmMemoryLimitPages caps guest linear memory at 256 MiB (64 KiB
	// pages). A collective-variable kernel fitting in less is the norm.
	wasmMemoryLimitPages = 4096

	// wasmCallTimeout bounds a single guest call. The runtime is built with
	// close-on-context-done, so a hung guest is torn down, not waited on.
	wasmCallTimeout = 10 * time.Second
)

// wasmRequest is the JSON handed to the guest for one evaluation.
type wasmRequest struct {
	Args []float64 `json:"args"`
}

// wasmResponse is the JSON the guest hands back.
type wasmResponse struct {
	Value       float64   `json:"value"`
	Derivatives []float64 `json:"derivatives,omitempty"`
	Undefined   bool      `json:"undefined,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// wasmBackend runs a WebAssembly module. The guest must export malloc and
// free plus one function per declared keyword (the keyword lowercased,
// unless the manifest overrides the export name). Each call passes a JSON
// request through linear memory and receives a packed pointer/length pair
// addressing the JSON response.
type wasmBackend struct {
	ctx     context.Context
	runtime wazero.Runtime
	module  api.Module
	malloc  api.Function
	free    api.Function
	calls   map[string]api.Function
}

func newWASMBackend(ctx context.Context, m *Manifest, log *telemetry.Logger) (*wasmBackend, error) {
	wasm, err := os.ReadFile(m.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("reading module %s: %w", m.ModulePath, err)
	}

	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(wasmMemoryLimitPages).
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiating WASI: %w", err)
	}

	// Host side of the guest's logging: bf_log(ptr, len) reads a UTF-8
	// message out of guest memory.
	_, err = r.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, size uint32) {
			if msg, ok := mod.Memory().Read(ptr, size); ok {
				log.Debug(string(msg))
			}
		}).
		Export("bf_log").
		Instantiate(ctx)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiating host module: %w", err)
	}

	modCfg := wazero.NewModuleConfig().WithName(m.Metadata.Name)
	mod, err := r.InstantiateWithConfig(ctx, wasm, modCfg)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiating module %s: %w", m.Metadata.Name, err)
	}

	b := &wasmBackend{
		ctx:     ctx,
		runtime: r,
		module:  mod,
		malloc:  mod.ExportedFunction("malloc"),
		free:    mod.ExportedFunction("free"),
		calls:   make(map[string]api.Function),
	}
	if b.malloc == nil || b.free == nil {
		b.Close()
		return nil, fmt.Errorf("module %s must export malloc and free", m.Metadata.Name)
	}
	for _, spec := range m.Actions {
		export := strings.ToLower(spec.Keyword)
		fn := mod.ExportedFunction(export)
		if fn == nil {
			b.Close()
			return nil, fmt.Errorf("module %s declares %s but exports no %q function",
				m.Metadata.Name, spec.Keyword, export)
		}
		b.calls[spec.Keyword] = fn
	}
	return b, nil
}

// Evaluate marshals the arguments into guest memory, calls the keyword's
// exported function and unmarshals the response.
func (b *wasmBackend) Evaluate(keyword string, args []float64) (Result, error) {
	fn, ok := b.calls[keyword]
	if !ok {
		return Result{}, fmt.Errorf("keyword %s is not exported", keyword)
	}

	req, err := json.Marshal(wasmRequest{Args: args})
	if err != nil {
		return Result{}, fmt.Errorf("encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(b.ctx, wasmCallTimeout)
	defer cancel()

	allocated, err := b.malloc.Call(ctx, uint64(len(req)))
	if err != nil {
		return Result{}, fmt.Errorf("guest malloc: %w", err)
	}
	reqPtr := allocated[0]
	defer b.free.Call(ctx, reqPtr)

	if !b.module.Memory().Write(uint32(reqPtr), req) {
		return Result{}, fmt.Errorf("writing request to guest memory at %d", reqPtr)
	}

	out, err := fn.Call(ctx, reqPtr, uint64(len(req)))
	if err != nil {
		return Result{}, fmt.Errorf("calling %s: %w", keyword, err)
	}

	// The guest returns ptr<<32|len of a malloc'd response buffer that the
	// host owns after the call.
	packed := out[0]
	respPtr := uint32(packed >> 32)
	respLen := uint32(packed)
	if respLen == 0 {
		return Result{}, fmt.Errorf("%s returned an empty response", keyword)
	}
	defer b.free.Call(ctx, uint64(respPtr))

	data, ok := b.module.Memory().Read(respPtr, respLen)
	if !ok {
		return Result{}, fmt.Errorf("reading response at %d+%d is out of range", respPtr, respLen)
	}

	var resp wasmResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Result{}, fmt.Errorf("decoding response from %s: %w", keyword, err)
	}
	if resp.Error != "" {
		return Result{}, fmt.Errorf("%s failed in guest: %s", keyword, resp.Error)
	}
	return Result{
		Value:       resp.Value,
		Derivatives: resp.Derivatives,
		Undefined:   resp.Undefined,
	}, nil
}

// Close tears down the module and the runtime, in that order.
func (b *wasmBackend) Close() error {
	var firstErr error
	if b.module != nil {
		if err := b.module.Close(b.ctx); err != nil {
			firstErr = err
		}
	}
	if b.runtime != nil {
		if err := b.runtime.Close(b.ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
