// Package wasmadapter implements the Linear-Memory Adapter: a compiled
// WebAssembly module runtime built on wazero. One Runtime compiles and
// caches modules by entry-point path and instantiates a fresh Adapter per
// load, wiring a small host-function namespace for network I/O and a
// ResourceLimiter ceiling checked after each call.
package wasmadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
	"github.com/tingreader/ting-plugins/internal/pluginhost/limiter"
)

const (
	hostModuleName = "ting_host"
	defaultCallTimeout = 300 * time.Second
	httpTimeout        = 30 * time.Second
	compiledModuleCacheSize = 64
)

// Runtime is the compiled-module cache and wazero engine shared by every
// wasm plugin of one Manager. NewRuntime builds it eagerly; its lifetime
// is tied to the Manager: construct one at startup, Close it at shutdown.
type Runtime struct {
	engine wazero.Runtime
	cache  *lru.Cache[string, wazero.CompiledModule]

	mu sync.Mutex
}

// NewRuntime builds the shared wazero engine and its compiled-module cache.
func NewRuntime(ctx context.Context) (*Runtime, error) {
	engine := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, engine); err != nil {
		engine.Close(ctx)
		return nil, pluginhost.WrapLoadError(err, "instantiating WASI snapshot preview1")
	}

	cache, err := lru.New[string, wazero.CompiledModule](compiledModuleCacheSize)
	if err != nil {
		engine.Close(ctx)
		return nil, pluginhost.WrapLoadError(err, "creating compiled-module cache")
	}

	return &Runtime{engine: engine, cache: cache}, nil
}

// Close releases the engine and every module it has compiled.
func (r *Runtime) Close(ctx context.Context) error {
	return r.engine.Close(ctx)
}

// compile returns the cached wazero.CompiledModule for path, compiling and
// caching it on first use.
func (r *Runtime) compile(ctx context.Context, path string) (wazero.CompiledModule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if mod, ok := r.cache.Get(path); ok {
		return mod, nil
	}

	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, pluginhost.WrapLoadError(err, "reading wasm module %s", path)
	}

	mod, err := r.engine.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, pluginhost.WrapLoadError(err, "compiling wasm module %s", path)
	}

	r.cache.Add(path, mod)
	return mod, nil
}

// ioHandoff is the host-side store of pending HTTP response bodies a guest
// has requested via http_request but not yet fully read via
// http_read_body. Handles are one-shot: http_read_body removes the entry.
type ioHandoff struct {
	mu      sync.Mutex
	next    uint32
	entries map[uint32][]byte
}

func newIOHandoff() *ioHandoff {
	return &ioHandoff{entries: make(map[uint32][]byte)}
}

func (h *ioHandoff) store(body []byte) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	handle := h.next
	h.entries[handle] = body
	return handle
}

func (h *ioHandoff) size(handle uint32) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	body, ok := h.entries[handle]
	if !ok {
		return 0, false
	}
	return len(body), true
}

func (h *ioHandoff) take(handle uint32) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	body, ok := h.entries[handle]
	if ok {
		delete(h.entries, handle)
	}
	return body, ok
}

// Adapter is one instantiated linear-memory plugin: its module instance,
// the typed exports, and the per-instantiation I/O handoff table and
// resource limiter.
type Adapter struct {
	identity pluginhost.Identity

	module  api.Module
	limiter *limiter.ResourceLimiter
	io      *ioHandoff

	initializeFn api.Function
	shutdownFn   api.Function
	invokeFn     api.Function
	allocFn      api.Function
}

// New compiles (if not already cached) and instantiates the module at
// entryPointPath, wiring the ting_host import namespace and a
// ResourceLimiter gate with the given memory ceiling.
func New(ctx context.Context, rt *Runtime, meta pluginhost.Metadata, entryPointPath string, maxMemoryBytes int64) (*Adapter, error) {
	compiled, err := rt.compile(ctx, entryPointPath)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		identity: meta.Identity(),
		limiter:  limiter.New(maxMemoryBytes),
		io:       newIOHandoff(),
	}

	hostBuilder := rt.engine.NewHostModuleBuilder(hostModuleName)
	hostBuilder.NewFunctionBuilder().
		WithFunc(a.hostHTTPRequest).
		Export("http_request")
	hostBuilder.NewFunctionBuilder().
		WithFunc(a.hostHTTPResponseSize).
		Export("http_response_size")
	hostBuilder.NewFunctionBuilder().
		WithFunc(a.hostHTTPReadBody).
		Export("http_read_body")
	if _, err := hostBuilder.Instantiate(ctx); err != nil {
		return nil, pluginhost.WrapLoadError(err, "wiring host functions for %s", a.identity)
	}

	config := wazero.NewModuleConfig().
		WithName(a.identity.String()).
		WithStartFunctions(). // suppress the default implicit _start call; we drive initialize() ourselves
		WithStdout(os.Stdout).
		WithStderr(os.Stderr)

	instance, err := rt.engine.InstantiateModule(ctx, compiled, config)
	if err != nil {
		return nil, pluginhost.WrapLoadError(err, "instantiating wasm module %s", a.identity)
	}
	a.module = instance

	a.initializeFn = instance.ExportedFunction("initialize")
	a.shutdownFn = instance.ExportedFunction("shutdown")
	a.invokeFn = instance.ExportedFunction("invoke")
	a.allocFn = instance.ExportedFunction("alloc")
	if a.invokeFn == nil || a.allocFn == nil {
		instance.Close(ctx)
		return nil, pluginhost.LoadErrorf("wasm module %s does not export invoke/alloc", a.identity)
	}

	return a, nil
}

// Initialize writes configJSON into guest memory and calls the module's
// initialize(config_ptr) export, if present.
func (a *Adapter) Initialize(ctx context.Context, configJSON []byte) error {
	if a.initializeFn == nil {
		return nil
	}
	configPtr, err := a.writeCString(ctx, configJSON)
	if err != nil {
		return pluginhost.WrapExecutionError(err, "writing config into guest memory for %s", a.identity)
	}
	results, err := a.initializeFn.Call(ctx, uint64(configPtr))
	if err != nil {
		return pluginhost.WrapExecutionError(err, "initializing %s", a.identity)
	}
	if len(results) > 0 && int32(results[0]) != 0 {
		return pluginhost.ExecutionErrorf("initialize() returned non-zero code %d for %s", int32(results[0]), a.identity)
	}
	return nil
}

// Shutdown calls the module's shutdown() export, if present, and closes
// the instance.
func (a *Adapter) Shutdown(ctx context.Context) error {
	var callErr error
	if a.shutdownFn != nil {
		results, err := a.shutdownFn.Call(ctx)
		if err != nil {
			callErr = pluginhost.WrapExecutionError(err, "shutting down %s", a.identity)
		} else if len(results) > 0 && int32(results[0]) != 0 {
			callErr = pluginhost.ExecutionErrorf("shutdown() returned non-zero code %d for %s", int32(results[0]), a.identity)
		}
	}
	if err := a.module.Close(ctx); err != nil && callErr == nil {
		callErr = pluginhost.WrapExecutionError(err, "closing wasm instance for %s", a.identity)
	}
	return callErr
}

// Invoke serializes method and paramsJSON into guest memory via alloc,
// calls invoke(method_ptr, params_ptr), and reads back a null-terminated
// JSON result string. The call is wall-clock-bounded by defaultCallTimeout
// raced against the module call via the context.
func (a *Adapter) Invoke(ctx context.Context, method string, paramsJSON []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	methodPtr, err := a.writeCString(callCtx, []byte(method))
	if err != nil {
		return nil, pluginhost.WrapExecutionError(err, "writing method name into guest memory")
	}
	paramsPtr, err := a.writeCString(callCtx, paramsJSON)
	if err != nil {
		return nil, pluginhost.WrapExecutionError(err, "writing params into guest memory")
	}

	type callOutcome struct {
		resultPtr uint64
		err       error
	}
	done := make(chan callOutcome, 1)
	go func() {
		results, err := a.invokeFn.Call(callCtx, uint64(methodPtr), uint64(paramsPtr))
		if err != nil {
			done <- callOutcome{err: pluginhost.WrapExecutionError(err, "invoking %s on %s", method, a.identity)}
			return
		}
		if len(results) == 0 {
			done <- callOutcome{err: pluginhost.ExecutionErrorf("invoke() returned no results for %s", method)}
			return
		}
		done <- callOutcome{resultPtr: results[0]}
	}()

	select {
	case <-callCtx.Done():
		return nil, pluginhost.TimeoutErrorf("call to %s on %s exceeded %s", method, a.identity, defaultCallTimeout)
	case outcome := <-done:
		if outcome.err != nil {
			return nil, outcome.err
		}
		if err := a.checkMemoryCeiling(); err != nil {
			return nil, err
		}
		data, err := a.readCString(ctx, uint32(outcome.resultPtr))
		if err != nil {
			return nil, err
		}

		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err == nil {
			if rawErr, ok := probe["error"]; ok {
				var msg string
				_ = json.Unmarshal(rawErr, &msg)
				return data, pluginhost.ExecutionErrorf("%s reported error: %s", a.identity, msg)
			}
		}

		return data, nil
	}
}

// checkMemoryCeiling enforces the Resource Limiter's memory ceiling after
// a call returns. wazero, unlike wasmtime, exposes no pre-growth veto hook
// a store can install; the gate here is therefore reactive rather than
// preventive, denying the *result* of a call whose guest memory grew past
// the configured ceiling during execution.
func (a *Adapter) checkMemoryCeiling() error {
	used := int64(a.module.Memory().Size())
	if used <= a.limiter.MaxMemoryBytes() {
		return nil
	}
	a.limiter.MemoryGrowing(0, uint64(used))
	return pluginhost.ResourceLimitExceededf("memory limit exceeded for %s: %d bytes (limit %d)", a.identity, used, a.limiter.MaxMemoryBytes())
}

// writeCString allocates len(data)+1 bytes in guest memory via the
// module's alloc export, writes data followed by a NUL terminator, and
// returns the pointer.
func (a *Adapter) writeCString(ctx context.Context, data []byte) (uint32, error) {
	results, err := a.allocFn.Call(ctx, uint64(len(data)+1))
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("alloc() returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("alloc() returned null pointer")
	}
	buf := make([]byte, len(data)+1)
	copy(buf, data)
	if !a.module.Memory().Write(ptr, buf) {
		return 0, fmt.Errorf("failed to write %d bytes at guest offset %d", len(buf), ptr)
	}
	return ptr, nil
}

// readCString reads bytes from guest memory starting at ptr up to (but
// excluding) the first NUL byte.
func (a *Adapter) readCString(_ context.Context, ptr uint32) ([]byte, error) {
	if ptr == 0 {
		return nil, pluginhost.ExecutionErrorf("invoke() returned null result pointer")
	}

	mem := a.module.Memory()
	const chunk = 4096
	var out []byte
	for offset := ptr; ; offset += chunk {
		buf, ok := mem.Read(offset, chunk)
		if !ok {
			size := mem.Size()
			if offset >= size {
				return nil, pluginhost.ExecutionErrorf("result string at %d runs past guest memory bound", ptr)
			}
			buf, ok = mem.Read(offset, size-offset)
			if !ok {
				return nil, pluginhost.ExecutionErrorf("failed to read guest memory at offset %d", offset)
			}
		}
		if idx := indexByte(buf, 0); idx >= 0 {
			out = append(out, buf[:idx]...)
			return out, nil
		}
		out = append(out, buf...)
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// hostHTTPRequest implements http_request(url_ptr, url_len) -> handle.
// Negative return values signal an error.
func (a *Adapter) hostHTTPRequest(ctx context.Context, m api.Module, urlPtr, urlLen uint32) int64 {
	urlBytes, ok := m.Memory().Read(urlPtr, urlLen)
	if !ok {
		return -1
	}

	client := http.Client{Timeout: httpTimeout}
	resp, err := client.Get(string(urlBytes))
	if err != nil {
		return -1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return -1
	}

	handle := a.io.store(body)
	return int64(handle)
}

// hostHTTPResponseSize implements http_response_size(handle) -> size|-1.
func (a *Adapter) hostHTTPResponseSize(handle uint32) int64 {
	size, ok := a.io.size(handle)
	if !ok {
		return -1
	}
	return int64(size)
}

// hostHTTPReadBody implements http_read_body(handle, ptr, len) ->
// bytes_written|-err. It is a one-shot read: the handle is removed from
// the handoff table regardless of whether the guest buffer was large
// enough to hold the whole body.
func (a *Adapter) hostHTTPReadBody(ctx context.Context, m api.Module, handle, ptr, length uint32) int32 {
	body, ok := a.io.take(handle)
	if !ok {
		return -1
	}
	if uint32(len(body)) > length {
		body = body[:length]
	}
	if !m.Memory().Write(ptr, body) {
		return -1
	}
	return int32(len(body))
}

