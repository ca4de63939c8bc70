// Package nativeadapter implements the Native Adapter: loads a platform
// shared library (.so/.dll/.dylib) via purego, resolves the
// plugin_invoke/plugin_free ABI, and offloads each call onto its own
// goroutine so a blocked or slow native call never stalls the caller's
// goroutine scheduling, mirroring the blocking-thread-pool offload the
// original native loader used around its FFI call.
package nativeadapter

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
)

// Stats accumulates per-plugin call outcomes, mirroring the resource
// statistics the original native loader tracked.
type Stats struct {
	TotalCalls         int64
	SuccessfulCalls    int64
	FailedCalls        int64
	TimeoutErrors      int64
	TotalCPUTime       time.Duration
	LastExecutionTime  time.Duration
	LastExecutionAt    time.Time
}

type invokeFn func(method string, params string, resultOut *uintptr) int32
type freeFn func(ptr uintptr)

// Adapter wraps one loaded native library. The library may back multiple
// Adapter instances sharing a refcount via Loader.
type Adapter struct {
	identity pluginhost.Identity
	path     string
	handle   uintptr
	maxCPU   time.Duration

	invoke invokeFn
	free   freeFn // nil if the library exports no plugin_free

	mu    sync.Mutex
	stats Stats
}

// Loader tracks loaded libraries by path with a reference count so the
// same shared object can back more than one registered plugin safely.
type Loader struct {
	mu        sync.Mutex
	libraries map[string]*loadedLibrary
}

type loadedLibrary struct {
	handle   uintptr
	refCount int
}

// NewLoader creates an empty Loader.
func NewLoader() *Loader {
	return &Loader{libraries: make(map[string]*loadedLibrary)}
}

// expectedExtension returns the shared-library suffix for the host OS.
// The manifest's entry point must match it; a mismatch is a load error.
func expectedExtension(goos string) string {
	switch goos {
	case "windows":
		return ".dll"
	case "darwin":
		return ".dylib"
	default:
		return ".so"
	}
}

func hostExtension() string { return expectedExtension(runtime.GOOS) }

// Load opens path (incrementing its refcount if already open) and
// resolves the plugin_invoke/plugin_free symbols, returning an Adapter
// bound to identity with the given per-plugin CPU-time ceiling.
func (l *Loader) Load(identity pluginhost.Identity, path string, maxCPUTime time.Duration) (*Adapter, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if want := hostExtension(); ext != want {
		return nil, pluginhost.LoadErrorf("native library %s has extension %q, host requires %q", path, ext, want)
	}

	l.mu.Lock()
	lib, ok := l.libraries[path]
	if ok {
		lib.refCount++
	} else {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			l.mu.Unlock()
			return nil, pluginhost.WrapLoadError(err, "loading native library %s", path)
		}
		lib = &loadedLibrary{handle: handle, refCount: 1}
		l.libraries[path] = lib
	}
	handle := lib.handle
	l.mu.Unlock()

	var invoke invokeFn
	purego.RegisterLibFunc(&invoke, handle, "plugin_invoke")

	a := &Adapter{
		identity: identity,
		path:     path,
		handle:   handle,
		maxCPU:   maxCPUTime,
		invoke:   invoke,
	}

	if freeSym, err := purego.Dlsym(handle, "plugin_free"); err == nil {
		var free freeFn
		purego.RegisterFunc(&free, freeSym)
		a.free = free
	} else {
		zap.L().Named("nativeadapter").Warn("library exports no plugin_free, result buffers will leak",
			zap.String("plugin", identity.String()), zap.String("path", path))
	}

	return a, nil
}

// Unload decrements path's refcount and closes the library once it
// reaches zero.
func (l *Loader) Unload(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lib, ok := l.libraries[path]
	if !ok {
		return pluginhost.NotFoundf("native library %s not loaded", path)
	}
	lib.refCount--
	if lib.refCount > 0 {
		return nil
	}
	delete(l.libraries, path)
	return purego.Dlclose(lib.handle)
}

// Initialize calls the "initialize" method on the native library if it
// implements one. A library that doesn't is not an error: the method is
// optional, mirroring the original native loader's tolerant probe.
func (a *Adapter) Initialize(ctx context.Context, configJSON []byte) error {
	_, err := a.Invoke(ctx, "initialize", configJSON)
	if err != nil {
		zap.L().Named("nativeadapter").Debug("native plugin has no initialize method (optional)",
			zap.String("plugin", a.identity.String()), zap.Error(err))
	}
	return nil
}

// Shutdown calls the optional "shutdown" method on the native library.
// Like Initialize, a missing method is tolerated rather than surfaced.
func (a *Adapter) Shutdown(ctx context.Context) error {
	_, err := a.Invoke(ctx, "shutdown", []byte("{}"))
	if err != nil {
		zap.L().Named("nativeadapter").Debug("native plugin has no shutdown method (optional)",
			zap.String("plugin", a.identity.String()), zap.Error(err))
	}
	return nil
}

// Invoke calls plugin_invoke(method, paramsJSON, &resultOut) on its own
// goroutine and races it against the adapter's CPU-time ceiling. A native
// call that ignores the ceiling keeps running after the timeout fires —
// this is an accepted limitation: the host reclaims its own goroutine but
// cannot forcibly abort code already inside the library.
func (a *Adapter) Invoke(ctx context.Context, method string, paramsJSON []byte) ([]byte, error) {
	type outcome struct {
		data []byte
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		data, err := a.callSafely(method, paramsJSON)
		done <- outcome{data: data, err: err}
	}()

	timeout := a.maxCPU
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		a.recordResult(time.Since(start), false, true)
		return nil, pluginhost.TimeoutErrorf("call to %s on %s cancelled", method, a.identity)
	case <-timer.C:
		a.recordResult(time.Since(start), false, true)
		return nil, pluginhost.TimeoutErrorf("call to %s on %s exceeded %s", method, a.identity, timeout)
	case o := <-done:
		a.recordResult(time.Since(start), o.err == nil, false)
		return o.data, o.err
	}
}

// callSafely invokes the native symbol, recovering a Go-side panic from
// the purego call boundary (e.g. a bad pointer surfacing as a runtime
// fault translated into a panic) so a misbehaving plugin never crashes
// the host process.
func (a *Adapter) callSafely(method string, paramsJSON []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pluginhost.ExecutionErrorf("native plugin %s panicked: %v", a.identity, r)
		}
	}()

	var resultPtr uintptr
	code := a.invoke(method, string(paramsJSON), &resultPtr)
	if code != 0 {
		return nil, pluginhost.ExecutionErrorf("plugin_invoke on %s returned code %d", a.identity, code)
	}
	if resultPtr == 0 {
		return nil, pluginhost.ExecutionErrorf("plugin_invoke on %s returned a null result", a.identity)
	}

	data := readCString(resultPtr)
	a.freeResult(resultPtr)

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

// freeResult returns ownership of the result buffer to the library's
// allocator via plugin_free, or leaks the buffer if the library exports
// none — freeing a foreign allocator's
// memory with the host's own free() is unsafe across CRT boundaries and
// is never attempted here.
func (a *Adapter) freeResult(ptr uintptr) {
	if a.free != nil {
		a.free(ptr)
	}
}

// readCString copies bytes from an arbitrary native pointer up to (but
// excluding) the first NUL byte. This is the one place in the adapter
// that touches raw memory outside Go's allocator; ptr must originate
// from a plugin_invoke call that has already validated it non-null.
func readCString(ptr uintptr) []byte {
	var out []byte
	for i := uintptr(0); ; i++ {
		b := *(*byte)(unsafe.Pointer(ptr + i))
		if b == 0 {
			return out
		}
		out = append(out, b)
	}
}

func (a *Adapter) recordResult(elapsed time.Duration, success, timedOut bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.TotalCalls++
	if success {
		a.stats.SuccessfulCalls++
	} else {
		a.stats.FailedCalls++
	}
	if timedOut {
		a.stats.TimeoutErrors++
	}
	a.stats.TotalCPUTime += elapsed
	a.stats.LastExecutionTime = elapsed
	a.stats.LastExecutionAt = time.Now()
}

// Stats returns a snapshot of accumulated call statistics.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Path returns the shared-library path this adapter was loaded from, for
// use as the Loader.Unload key.
func (a *Adapter) Path() string { return a.path }
