package manager

import (
	"context"
	"encoding/json"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
	"github.com/tingreader/ting-plugins/internal/pluginhost/scriptworker"
)

// runtime is the common shape the Manager drives every adapter through,
// regardless of which of the three runtimes backs a given plugin.
// wasmadapter.Adapter and nativeadapter.Adapter already satisfy this
// directly; scriptRuntime below adapts scriptworker.Worker's different
// calling convention (no context, map-typed params, a typed Response)
// to the same interface rather than changing the worker itself.
type runtime interface {
	Initialize(ctx context.Context, configJSON []byte) error
	Shutdown(ctx context.Context) error
	Invoke(ctx context.Context, method string, paramsJSON []byte) ([]byte, error)
}

// scriptRuntime adapts a *scriptworker.Worker to the runtime interface.
type scriptRuntime struct {
	worker *scriptworker.Worker
}

func (s *scriptRuntime) Initialize(_ context.Context, configJSON []byte) error {
	return s.worker.Initialize(configJSON)
}

func (s *scriptRuntime) Shutdown(_ context.Context) error {
	return s.worker.Shutdown()
}

func (s *scriptRuntime) Invoke(_ context.Context, method string, paramsJSON []byte) ([]byte, error) {
	var params map[string]any
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &params); err != nil {
			return nil, pluginhost.WrapExecutionError(err, "unmarshaling params for %s", method)
		}
	}

	resp, err := s.worker.Call(method, params, nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp.Result)
}
