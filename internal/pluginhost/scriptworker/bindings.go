package scriptworker

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
	"github.com/tingreader/ting-plugins/internal/pluginhost/sandbox"
)

// registerBindings installs the host API a script plugin sees as globals:
// a restricted, plugin-tagged logger and sandbox-gated accessors. Network
// and filesystem access are stubs here — the real I/O happens on the host
// side via the wasm/native adapters' equivalent host functions; scripts
// only get a permission-checked capability surface.
func registerBindings(vm *goja.Runtime, meta pluginhost.Metadata, sb *sandbox.Sandbox) {
	logger := zap.L().Named("plugin").With(zap.String("plugin", meta.Identity().String()))

	console := vm.NewObject()
	console.Set("debug", func(msg string) { logger.Debug(msg) })
	console.Set("info", func(msg string) { logger.Info(msg) })
	console.Set("warn", func(msg string) { logger.Warn(msg) })
	console.Set("error", func(msg string) { logger.Error(msg) })
	vm.Set("console", console)

	ting := vm.NewObject()
	ting.Set("checkNetworkAccess", func(url string) bool {
		return sb.CheckNetworkAccess(url) == nil
	})
	ting.Set("checkFileRead", func(path string) bool {
		return sb.CheckFileAccess(path, sandbox.FileRead) == nil
	})
	ting.Set("checkFileWrite", func(path string) bool {
		return sb.CheckFileAccess(path, sandbox.FileWrite) == nil
	})
	vm.Set("ting", ting)
}
