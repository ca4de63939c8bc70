// Package scriptworker runs one interpreted-script plugin per dedicated
// goroutine, locked to its own OS thread so the embedded ECMAScript
// runtime — which is not safe for concurrent use — is never touched from
// more than one goroutine. Callers communicate over a command channel and
// get their answer back on a private one-shot reply channel, mirroring
// the original JS-runtime wrapper's thread-plus-mpsc-channel design.
package scriptworker

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/dop251/goja"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
	"github.com/tingreader/ting-plugins/internal/pluginhost/sandbox"
)

type initializeCmd struct {
	configJSON []byte
	reply      chan error
}

type shutdownCmd struct {
	reply chan error
}

type callCmd struct {
	method string
	params map[string]any
	data   []byte
	reply  chan callResult
}

type gcCmd struct {
	reply chan error
}

type callResult struct {
	response pluginhost.Response
	err      error
}

// Worker owns one goja.Runtime running on its own locked OS thread.
type Worker struct {
	metadata pluginhost.Metadata
	cmdCh    chan any
	done     chan struct{}
}

// Spawn compiles script on a dedicated goroutine and starts its command
// loop. The returned Worker is safe to call from any goroutine.
func Spawn(meta pluginhost.Metadata, script []byte, sb *sandbox.Sandbox) (*Worker, error) {
	w := &Worker{
		metadata: meta,
		cmdCh:    make(chan any, 32),
		done:     make(chan struct{}),
	}

	ready := make(chan error, 1)
	go w.run(script, sb, ready)

	if err := <-ready; err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Worker) run(script []byte, sb *sandbox.Sandbox, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	registerBindings(vm, w.metadata, sb)

	if _, err := vm.RunString(string(script)); err != nil {
		ready <- pluginhost.WrapLoadError(err, "compiling script module for %s", w.metadata.Identity())
		return
	}
	ready <- nil

	for cmd := range w.cmdCh {
		switch c := cmd.(type) {
		case initializeCmd:
			c.reply <- w.handleInitialize(vm, c.configJSON)
		case callCmd:
			c.reply <- w.handleCall(vm, c.method, c.params, c.data)
		case gcCmd:
			// goja has no explicit heap-compaction call; memory is
			// reclaimed by the Go garbage collector. This is a no-op
			// kept for calling-convention symmetry with Initialize/Call.
			c.reply <- nil
		case shutdownCmd:
			c.reply <- w.handleShutdown(vm)
			return
		}
	}
}

func (w *Worker) handleInitialize(vm *goja.Runtime, configJSON []byte) error {
	fn, ok := goja.AssertFunction(vm.Get("initialize"))
	if !ok {
		return nil // module declares no initializer
	}
	_, err := fn(goja.Undefined(), vm.ToValue(string(configJSON)))
	if err != nil {
		return pluginhost.WrapExecutionError(err, "initializing %s", w.metadata.Identity())
	}
	return nil
}

func (w *Worker) handleShutdown(vm *goja.Runtime) error {
	fn, ok := goja.AssertFunction(vm.Get("shutdown"))
	if !ok {
		return nil
	}
	_, err := fn(goja.Undefined())
	if err != nil {
		return pluginhost.WrapExecutionError(err, "shutting down %s", w.metadata.Identity())
	}
	return nil
}

// handleCall invokes the module's `_ting_invoke(method, paramsJSON)` entry
// point and reads the result back through three globals the shim sets
// before returning: `_ting_status` ("success"/"error"/"pending"),
// `_ting_result` and `_ting_error`. The globals are cleared immediately
// after reading them so a large JSON result string doesn't linger
// retained by the runtime.
func (w *Worker) handleCall(vm *goja.Runtime, method string, params map[string]any, data []byte) callResult {
	fn, ok := goja.AssertFunction(vm.Get("_ting_invoke"))
	if !ok {
		return callResult{err: pluginhost.ExecutionErrorf("module does not export _ting_invoke")}
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return callResult{err: pluginhost.WrapExecutionError(err, "marshaling call params")}
	}

	start := time.Now()
	result, callErr := safeCall(fn, vm.ToValue(method), vm.ToValue(string(paramsJSON)), vm.ToValue(string(data)))
	elapsed := time.Since(start)

	defer func() {
		vm.Set("_ting_result", goja.Undefined())
		vm.Set("_ting_error", goja.Undefined())
		vm.Set("_ting_status", goja.Undefined())
	}()

	if callErr != nil {
		return callResult{err: pluginhost.WrapExecutionError(callErr, "invoking %s on %s", method, w.metadata.Identity())}
	}
	_ = result

	status, _ := vm.Get("_ting_status").Export().(string)
	switch status {
	case "success":
		var resultMap map[string]any
		resultStr, _ := vm.Get("_ting_result").Export().(string)
		if resultStr != "" {
			if err := json.Unmarshal([]byte(resultStr), &resultMap); err != nil {
				return callResult{err: pluginhost.WrapExecutionError(err, "unmarshaling result from %s", method)}
			}
		}
		return callResult{response: pluginhost.Response{
			Success:        true,
			Result:         resultMap,
			ProcessingTime: elapsed,
		}}
	case "error":
		errMsg, _ := vm.Get("_ting_error").Export().(string)
		return callResult{response: pluginhost.Response{
			Success:        false,
			Error:          errMsg,
			ProcessingTime: elapsed,
		}, err: pluginhost.ExecutionErrorf("%s", errMsg)}
	case "pending":
		return callResult{err: pluginhost.ExecutionErrorf("event loop finished but %s on %s is still pending", method, w.metadata.Identity())}
	default:
		return callResult{err: pluginhost.ExecutionErrorf("_ting_invoke did not set _ting_status for method %q", method)}
	}
}

// safeCall recovers a guest panic and turns it into an error: the core
// never lets a plugin crash the host.
func safeCall(fn goja.Callable, args ...goja.Value) (result goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in script plugin: %v", r)
		}
	}()
	return fn(goja.Undefined(), args...)
}

// Initialize sends the plugin's parsed configuration into the script and
// waits for the module's initializer (if any) to return.
func (w *Worker) Initialize(configJSON []byte) error {
	reply := make(chan error, 1)
	w.cmdCh <- initializeCmd{configJSON: configJSON, reply: reply}
	return <-reply
}

// Call invokes a typed method and blocks for the reply.
func (w *Worker) Call(method string, params map[string]any, data []byte) (pluginhost.Response, error) {
	reply := make(chan callResult, 1)
	w.cmdCh <- callCmd{method: method, params: params, data: data, reply: reply}
	r := <-reply
	return r.response, r.err
}

// GC is advisory; it exists purely to preserve the Initialize/Call/GC/
// Shutdown four-command shape of the original js_wrapper.
func (w *Worker) GC() error {
	reply := make(chan error, 1)
	w.cmdCh <- gcCmd{reply: reply}
	return <-reply
}

// Shutdown runs the module's shutdown hook, stops the command loop and
// waits for the worker goroutine to exit.
func (w *Worker) Shutdown() error {
	reply := make(chan error, 1)
	w.cmdCh <- shutdownCmd{reply: reply}
	err := <-reply
	<-w.done
	close(w.cmdCh)
	return err
}
