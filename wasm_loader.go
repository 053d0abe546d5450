// wasm_loader.go: WebAssembly plugin loader backed by wazero
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WASI host module name
const wasiModuleName = wasi_snapshot_preview1.ModuleName

// wasm pages are 64KiB
const (
	wasmPagesPerMB   = 16
	wasmMaxPageLimit = 65536
)

// Exported function names with lifecycle meaning.
var wasmReservedExports = map[string]bool{
	"initialize":  true,
	"cleanup":     true,
	"_start":      true,
	"_initialize": true,
}

// WasmLoader runs WebAssembly plugins in a dedicated wazero runtime each.
//
// Every host module imported by the binary is a capability request checked
// against the plugin policy before instantiation. Linear memory is capped by
// max_memory_mb and execution is interrupted when the call context is done,
// so timeouts terminate WASM code for real.
type WasmLoader struct {
	logger Logger
}

// NewWasmLoader creates a WASM loader.
func NewWasmLoader(logger Logger) *WasmLoader {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &WasmLoader{logger: logger}
}

// Load implements CodeLoader.
func (l *WasmLoader) Load(ctx context.Context, req LoadRequest) (any, error) {
	code, err := os.ReadFile(filepath.Clean(req.Path)) // #nosec G304 - entry point validated by manifest checks
	if err != nil {
		return nil, NewLoaderError(LoaderWasm, "failed to read module", err)
	}

	pages := uint32(wasmMaxPageLimit)
	if req.Manifest != nil && req.Manifest.MaxMemoryMB > 0 && req.Manifest.MaxMemoryMB*wasmPagesPerMB < wasmMaxPageLimit {
		pages = uint32(req.Manifest.MaxMemoryMB * wasmPagesPerMB) // #nosec G115 - bounded above
	}
	rt := wazero.NewRuntimeWithConfig(context.Background(), wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages))

	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		_ = rt.Close(context.Background())
		return nil, NewLoaderError(LoaderWasm, "failed to compile module", err)
	}

	imports := wasmImportedModules(compiled)
	for _, module := range imports {
		if req.Sandbox == nil {
			break
		}
		if err := req.Sandbox.CheckCapability(module); err != nil {
			_ = rt.Close(context.Background())
			return nil, NewLoaderError(LoaderWasm, fmt.Sprintf("import of host module %q denied", module), err)
		}
	}
	for _, module := range imports {
		if module == wasiModuleName {
			if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
				_ = rt.Close(context.Background())
				return nil, NewLoaderError(LoaderWasm, "failed to instantiate WASI", err)
			}
		}
	}

	name, version := req.Symbol, ""
	if req.Manifest != nil {
		name, version = req.Manifest.Name, req.Manifest.Version
	}
	return &wasmPlugin{
		name:     name,
		version:  version,
		runtime:  rt,
		compiled: compiled,
		logger:   l.logger.With("plugin", name),
	}, nil
}

// wasmImportedModules returns the distinct host modules a binary imports.
func wasmImportedModules(compiled wazero.CompiledModule) []string {
	seen := make(map[string]struct{})
	for _, def := range compiled.ImportedFunctions() {
		if module, _, ok := def.Import(); ok {
			seen[module] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// wasmPlugin adapts an instantiated WASM module to Plugin. Calls into the
// module are serialized because its linear memory is shared.
//
// An interrupted call closes the instance. The next call instantiates the
// compiled module again, so one timeout does not break the plugin.
type wasmPlugin struct {
	name     string
	version  string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	logger   Logger

	mu          sync.Mutex
	module      api.Module
	initialized bool
}

func (p *wasmPlugin) Name() string    { return p.name }
func (p *wasmPlugin) Version() string { return p.version }

func (p *wasmPlugin) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	if err := p.instantiate(ctx); err != nil {
		return err
	}
	p.initialized = true
	return nil
}

// instantiate creates a fresh module instance and runs its initialize
// export. Callers hold p.mu.
func (p *wasmPlugin) instantiate(ctx context.Context) error {
	if p.module != nil {
		// closing frees the module name; a closed module returns nil
		_ = p.module.Close(context.Background())
		p.module = nil
	}
	mod, err := p.runtime.InstantiateModule(ctx, p.compiled,
		wazero.NewModuleConfig().WithName(p.name).WithStartFunctions("_initialize"))
	if err != nil {
		return fmt.Errorf("instantiate module: %w", err)
	}
	p.module = mod

	if fn := mod.ExportedFunction("initialize"); fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			return fmt.Errorf("initialize export: %w", err)
		}
	}
	return nil
}

func (p *wasmPlugin) Methods() map[string]Method {
	methods := make(map[string]Method)
	for name, def := range p.compiled.ExportedFunctions() {
		if wasmReservedExports[name] {
			continue
		}
		methods[name] = p.method(name, def)
	}
	return methods
}

func (p *wasmPlugin) method(name string, def api.FunctionDefinition) Method {
	params := def.ParamTypes()
	results := def.ResultTypes()
	return func(ctx context.Context, args ...any) (any, error) {
		if len(args) != len(params) {
			return nil, fmt.Errorf("%s expects %d arguments, got %d", name, len(params), len(args))
		}
		encoded := make([]uint64, len(args))
		for i, arg := range args {
			v, err := encodeWasmValue(arg, params[i])
			if err != nil {
				return nil, fmt.Errorf("%s argument %d: %w", name, i, err)
			}
			encoded[i] = v
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.initialized {
			return nil, fmt.Errorf("module %s is not initialized", p.name)
		}
		if p.module == nil || p.module.IsClosed() {
			p.logger.Debug("Reinstantiating WASM module", "method", name)
			if err := p.instantiate(ctx); err != nil {
				return nil, err
			}
		}
		fn := p.module.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("export %s not found", name)
		}
		out, err := fn.Call(ctx, encoded...)
		if err != nil {
			var exitErr *sys.ExitError
			if p.module.IsClosed() || errors.As(err, &exitErr) {
				_ = p.module.Close(context.Background())
				p.module = nil
			}
			return nil, err
		}

		decoded := make([]any, len(out))
		for i, raw := range out {
			decoded[i] = decodeWasmValue(raw, results[i])
		}
		switch len(decoded) {
		case 0:
			return nil, nil
		case 1:
			return decoded[0], nil
		default:
			return decoded, nil
		}
	}
}

func (p *wasmPlugin) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var callErr error
	if p.module != nil {
		if fn := p.module.ExportedFunction("cleanup"); fn != nil {
			_, callErr = fn.Call(ctx)
		}
		p.module = nil
	}
	if err := p.runtime.Close(context.Background()); err != nil && callErr == nil {
		return err
	}
	return callErr
}

func encodeWasmValue(arg any, t api.ValueType) (uint64, error) {
	var i int64
	var f float64
	isFloat := false

	switch v := arg.(type) {
	case int:
		i = int64(v)
	case int32:
		i = int64(v)
	case int64:
		i = v
	case uint32:
		i = int64(v)
	case bool:
		if v {
			i = 1
		}
	case float32:
		f, isFloat = float64(v), true
	case float64:
		f, isFloat = v, true
	default:
		return 0, fmt.Errorf("unsupported argument type %T", arg)
	}

	switch t {
	case api.ValueTypeI32:
		if isFloat {
			i = int64(f)
		}
		return api.EncodeI32(int32(i)), nil // #nosec G115 - wasm i32 semantics
	case api.ValueTypeI64:
		if isFloat {
			i = int64(f)
		}
		return api.EncodeI64(i), nil
	case api.ValueTypeF32:
		if !isFloat {
			f = float64(i)
		}
		return api.EncodeF32(float32(f)), nil
	case api.ValueTypeF64:
		if !isFloat {
			f = float64(i)
		}
		return api.EncodeF64(f), nil
	default:
		return 0, fmt.Errorf("unsupported parameter type %s", api.ValueTypeName(t))
	}
}

func decodeWasmValue(raw uint64, t api.ValueType) any {
	switch t {
	case api.ValueTypeI32:
		return api.DecodeI32(raw)
	case api.ValueTypeI64:
		return int64(raw) // #nosec G115 - wasm i64 semantics
	case api.ValueTypeF32:
		return api.DecodeF32(raw)
	case api.ValueTypeF64:
		return api.DecodeF64(raw)
	default:
		return raw
	}
}
