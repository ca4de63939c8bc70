// Package manager implements the Plugin Manager façade: the single entry
// point that discovers, loads, reloads, unloads and uninstalls plugins,
// and routes typed calls to whichever of the three runtimes backs a given
// plugin. It owns the registry, installer, dependency cache, config
// store and event bus, and picks an adapter by entry-point suffix the way
// the original native/script/wasm loaders were wired together upstream.
package manager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
	"github.com/tingreader/ting-plugins/internal/pluginhost/configstore"
	"github.com/tingreader/ting-plugins/internal/pluginhost/depcache"
	"github.com/tingreader/ting-plugins/internal/pluginhost/eventbus"
	"github.com/tingreader/ting-plugins/internal/pluginhost/installer"
	"github.com/tingreader/ting-plugins/internal/pluginhost/nativeadapter"
	"github.com/tingreader/ting-plugins/internal/pluginhost/registry"
	"github.com/tingreader/ting-plugins/internal/pluginhost/sandbox"
	"github.com/tingreader/ting-plugins/internal/pluginhost/scriptworker"
	"github.com/tingreader/ting-plugins/internal/pluginhost/wasmadapter"
)

// UnloadPolicy governs what UnloadPlugin does when a plugin has in-flight
// calls. This is an Open Question in spec.md §9 with no single right
// answer; both are offered rather than picking one unconditionally.
type UnloadPolicy string

const (
	// UnloadFailFast rejects unload immediately while active calls > 0.
	UnloadFailFast UnloadPolicy = "fail-fast"
	// UnloadAwaitDrain polls until active calls reach 0 or DrainTimeout
	// elapses, whichever comes first.
	UnloadAwaitDrain UnloadPolicy = "await-drain"
)

// Config is the Manager's immutable construction-time configuration.
type Config struct {
	PluginDir     string
	ConfigDir     string
	CacheDir      string
	NpmPath       string
	EncryptionKey [32]byte
	DefaultLimits sandbox.Limits
	UnloadPolicy  UnloadPolicy
	DrainTimeout  time.Duration
	EventHistory  int
	MetricsReg    prometheus.Registerer
}

// Manager is the plugin host façade. One Manager owns the whole plugin
// lifecycle for a running host process.
type Manager struct {
	cfg Config
	log *zap.Logger

	registry     *registry.Registry
	installer    *installer.Installer
	depcache     *depcache.Cache
	configStore  *configstore.Store
	bus          *eventbus.Bus
	wasmRuntime  *wasmadapter.Runtime
	nativeLoader *nativeadapter.Loader
	metrics      *metrics

	pathMu sync.RWMutex
	paths  map[string]string // plugin id -> source directory, for reload
}

// New builds a Manager and every component it owns. ctx is used only for
// the wazero engine's own setup and is not retained.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.UnloadPolicy == "" {
		cfg.UnloadPolicy = UnloadFailFast
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.DefaultLimits == (sandbox.Limits{}) {
		cfg.DefaultLimits = sandbox.Default
	}
	if cfg.MetricsReg == nil {
		cfg.MetricsReg = prometheus.DefaultRegisterer
	}

	inst, err := installer.New(cfg.PluginDir)
	if err != nil {
		return nil, err
	}
	cache, err := depcache.New(cfg.CacheDir, cfg.NpmPath)
	if err != nil {
		return nil, err
	}
	configStore, warnings := configstore.New(cfg.ConfigDir, cfg.EncryptionKey)
	if configStore == nil {
		return nil, warnings[0]
	}
	wasmRuntime, err := wasmadapter.NewRuntime(ctx)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New(cfg.EventHistory)
	log := zap.L().Named("manager")
	for _, w := range warnings {
		log.Warn("config store load warning", zap.Error(w))
	}

	m := &Manager{
		cfg:          cfg,
		log:          log,
		registry:     registry.New(),
		installer:    inst,
		depcache:     cache,
		configStore:  configStore,
		bus:          bus,
		wasmRuntime:  wasmRuntime,
		nativeLoader: nativeadapter.NewLoader(),
		metrics:      newMetrics(cfg.MetricsReg),
		paths:        make(map[string]string),
	}

	// Bridge the Config Store's own change notifications onto the shared
	// event bus so a single subscriber (e.g. the websocket Hub) sees both
	// config changes and plugin lifecycle events.
	configStore.Subscribe(func(e configstore.ConfigChangeEvent) {
		bus.Publish(eventbus.Event{
			Type:   eventbus.TypeConfigChanged,
			Source: eventbus.Source{Kind: eventbus.SourcePlugin, ID: e.ID},
			Data:   map[string]any{"name": e.Name},
		})
	})

	return m, nil
}

// Bus returns the shared event bus, for wiring a Hub or external
// subscribers.
func (m *Manager) Bus() *eventbus.Bus { return m.bus }

// Close releases the wazero engine and every module it compiled. It does
// not unload any registered plugin.
func (m *Manager) Close(ctx context.Context) error {
	return m.wasmRuntime.Close(ctx)
}

// Discover scans dir for plugin package subdirectories (those containing
// a plugin.json) and loads each. Per-directory failures are logged and
// never abort the scan.
func (m *Manager) Discover(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pluginhost.WrapLoadError(err, "creating plugin directory %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return pluginhost.WrapLoadError(err, "reading plugin directory %s", dir)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pluginPath := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(pluginPath, "plugin.json")); err != nil {
			continue
		}
		if _, err := m.LoadPlugin(pluginPath); err != nil {
			m.log.Warn("failed to load discovered plugin", zap.String("path", pluginPath), zap.Error(err))
		}
	}
	return nil
}

// LoadPlugin parses the manifest at path, picks an adapter by entry-point
// suffix, registers it, and runs it through Loading -> Loaded ->
// Initializing -> Active. A plugin already registered under the computed id is a no-op
// that returns the existing id.
func (m *Manager) LoadPlugin(path string) (id string, err error) {
	meta, err := readManifest(path)
	if err != nil {
		m.metrics.loads.WithLabelValues("error").Inc()
		return "", err
	}
	id = meta.Identity().String()

	if _, ok := m.registry.Get(id); ok {
		return id, nil
	}

	defer func() {
		if err != nil {
			m.metrics.loads.WithLabelValues("error").Inc()
		} else {
			m.metrics.loads.WithLabelValues("success").Inc()
		}
	}()

	rt, err := m.buildAdapter(path, meta)
	if err != nil {
		return "", err
	}

	if _, err = m.registry.Register(meta, rt); err != nil {
		return "", err
	}

	m.pathMu.Lock()
	m.paths[id] = path
	m.pathMu.Unlock()

	if err = m.initializePlugin(id, meta, rt); err != nil {
		_ = m.registry.SetState(id, pluginhost.StateFailed)
		m.bus.Publish(eventbus.Event{Type: eventbus.TypePluginError,
			Source: eventbus.Source{Kind: eventbus.SourcePlugin, ID: id},
			Data:   map[string]any{"error": err.Error()}})
		return "", err
	}

	m.metrics.active.Set(float64(len(m.registry.List())))
	m.bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded, Source: eventbus.Source{Kind: eventbus.SourcePlugin, ID: id}})
	return id, nil
}

// InstallPluginPackage validates and extracts a plugin package — a
// directory or a .zip archive containing a plugin.json — into the
// managed plugin directory, then loads the installed result. This is the
// install_plugin_package operation: a source package outside the managed
// tree becomes a registered, Active plugin in one call.
func (m *Manager) InstallPluginPackage(sourcePath string) (string, error) {
	id, err := m.installer.Install(sourcePath, m.checkDeclaredDependencies)
	if err != nil {
		return "", err
	}
	return m.LoadPlugin(filepath.Join(m.cfg.PluginDir, id))
}

// checkDeclaredDependencies is the Installer's DependencyChecker: a
// package may only be installed once every plugin it declares a
// dependency on is already registered at a satisfying version.
func (m *Manager) checkDeclaredDependencies(meta pluginhost.Metadata) error {
	for _, dep := range meta.Dependencies {
		if _, ok := m.registry.FindBestMatch(dep.Name, dep.VersionRequirement); !ok {
			return pluginhost.DependencyErrorf("no registered version of %s satisfies %s", dep.Name, dep.VersionRequirement)
		}
	}
	return nil
}

// buildAdapter instantiates the right runtime for meta's entry point
// without registering or initializing it, so callers (reload, in
// particular) can prove a replacement works before touching any shared
// state.
func (m *Manager) buildAdapter(pluginDir string, meta pluginhost.Metadata) (runtime, error) {
	kind, err := meta.ArtifactKind()
	if err != nil {
		return nil, err
	}
	entryPath := filepath.Join(pluginDir, meta.EntryPoint)
	sb := sandbox.New(meta.Capabilities, m.cfg.DefaultLimits)

	switch kind {
	case pluginhost.ArtifactScript:
		if len(meta.PackageDependencies) > 0 {
			nodeModules := filepath.Join(pluginDir, "node_modules")
			if err := m.depcache.InstallWithCache(meta.Identity().String(), nodeModules, meta.PackageDependencies); err != nil {
				return nil, err
			}
		}
		script, err := os.ReadFile(entryPath)
		if err != nil {
			return nil, pluginhost.WrapLoadError(err, "reading script entry point %s", entryPath)
		}
		worker, err := scriptworker.Spawn(meta, script, sb)
		if err != nil {
			return nil, err
		}
		return &scriptRuntime{worker: worker}, nil

	case pluginhost.ArtifactLinearMemory:
		return wasmadapter.New(context.Background(), m.wasmRuntime, meta, entryPath, m.cfg.DefaultLimits.MaxMemoryBytes)

	case pluginhost.ArtifactNative:
		return m.nativeLoader.Load(meta.Identity(), entryPath, m.cfg.DefaultLimits.MaxCPUTime)

	default:
		return nil, pluginhost.LoadErrorf("unsupported artifact kind %q", kind)
	}
}

// initializePlugin walks id through Loading, Loaded and Initializing to Active,
// ensuring a Config Store entry exists and calling the adapter's
// Initialize with it.
func (m *Manager) initializePlugin(id string, meta pluginhost.Metadata, rt runtime) error {
	if err := m.registry.SetState(id, pluginhost.StateLoading); err != nil {
		return err
	}
	if err := m.registry.SetState(id, pluginhost.StateLoaded); err != nil {
		return err
	}
	if err := m.registry.SetState(id, pluginhost.StateInitializing); err != nil {
		return err
	}

	dataDir := filepath.Join(m.cfg.PluginDir, "data", meta.Name)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return pluginhost.WrapLoadError(err, "creating plugin data directory %s", dataDir)
	}

	config, err := m.configStore.Get(id)
	if err != nil {
		if e, ok := pluginhost.AsError(err); !ok || e.Kind != pluginhost.KindNotFound {
			return err
		}
		if err := m.configStore.Initialize(id, meta.Name, meta.ConfigSchema, map[string]any{}); err != nil {
			return err
		}
		config, err = m.configStore.Get(id)
		if err != nil {
			return err
		}
	}

	configJSON, err := json.Marshal(config)
	if err != nil {
		return pluginhost.WrapConfigError(err, "marshaling config for %s", id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Initialize(ctx, configJSON); err != nil {
		return err
	}

	return m.registry.SetState(id, pluginhost.StateActive)
}

// UnloadPlugin transitions id to Unloading, shuts its adapter down, and
// removes it from the registry. Unload is refused while another plugin
// depends on id, and (per Config.UnloadPolicy) while id has in-flight
// calls.
func (m *Manager) UnloadPlugin(id string) (err error) {
	defer func() {
		if err != nil {
			m.metrics.unloads.WithLabelValues("error").Inc()
		} else {
			m.metrics.unloads.WithLabelValues("success").Inc()
		}
	}()

	entry, ok := m.registry.Get(id)
	if !ok {
		return pluginhost.NotFoundf("plugin %s not registered", id)
	}

	if dependents := m.registry.GetAllDependents(id); len(dependents) > 0 {
		return pluginhost.DependencyErrorf("cannot unload %s: %d plugins depend on it", id, len(dependents))
	}

	if err = m.awaitOrRejectActiveCalls(entry); err != nil {
		return err
	}

	if err = m.registry.SetState(id, pluginhost.StateUnloading); err != nil {
		return err
	}

	rt, ok := entry.Adapter.(runtime)
	if !ok {
		return pluginhost.ExecutionErrorf("plugin %s has no runtime adapter", id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if shutdownErr := rt.Shutdown(ctx); shutdownErr != nil {
		m.log.Warn("adapter shutdown returned an error, unloading anyway", zap.String("plugin", id), zap.Error(shutdownErr))
	}

	if err = m.registry.Unregister(id); err != nil {
		return err
	}

	m.metrics.active.Set(float64(len(m.registry.List())))
	m.bus.Publish(eventbus.Event{Type: eventbus.TypePluginUnloaded, Source: eventbus.Source{Kind: eventbus.SourcePlugin, ID: id}})
	return nil
}

func (m *Manager) awaitOrRejectActiveCalls(entry *registry.Entry) error {
	if m.cfg.UnloadPolicy == UnloadFailFast {
		if entry.ActiveCalls > 0 {
			return pluginhost.ExecutionErrorf("plugin has %d active calls", entry.ActiveCalls)
		}
		return nil
	}

	deadline := time.Now().Add(m.cfg.DrainTimeout)
	for entry.ActiveCalls > 0 {
		if time.Now().After(deadline) {
			return pluginhost.TimeoutErrorf("timed out waiting for %d active calls to drain", entry.ActiveCalls)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

// UninstallPlugin best-effort unloads id (a NotFound is not an error
// here, since the plugin may already be unloaded), then deletes its
// installed directory and purges it from the path cache.
func (m *Manager) UninstallPlugin(id string) error {
	if err := m.UnloadPlugin(id); err != nil {
		if e, ok := pluginhost.AsError(err); !ok || e.Kind != pluginhost.KindNotFound {
			m.log.Warn("error unloading plugin during uninstall", zap.String("plugin", id), zap.Error(err))
		}
	}

	if err := m.installer.Uninstall(id); err != nil {
		return err
	}

	m.pathMu.Lock()
	delete(m.paths, id)
	m.pathMu.Unlock()

	if _, err := m.depcache.Release(id); err != nil {
		m.log.Warn("error releasing dependency cache entries during uninstall", zap.String("plugin", id), zap.Error(err))
	}
	return nil
}

// ReloadPlugin re-reads the manifest from id's recorded source path and
// loads the result. A same-version reload proves the replacement adapter
// instantiates before touching the registry, so a broken replacement
// leaves the old version untouched and Active (P9). A version change
// loads the new id alongside the old, then best-effort unloads the old.
func (m *Manager) ReloadPlugin(id string) (newID string, err error) {
	defer func() {
		if err != nil {
			m.metrics.reloads.WithLabelValues("error").Inc()
		} else {
			m.metrics.reloads.WithLabelValues("success").Inc()
		}
	}()

	m.pathMu.RLock()
	path, ok := m.paths[id]
	m.pathMu.RUnlock()
	if !ok {
		return "", pluginhost.NotFoundf("plugin %s not found in path cache", id)
	}

	meta, err := readManifest(path)
	if err != nil {
		return "", err
	}
	newID = meta.Identity().String()

	if newID == id {
		rt, err := m.buildAdapter(path, meta)
		if err != nil {
			return "", err
		}
		if unloadErr := m.UnloadPlugin(id); unloadErr != nil {
			return "", unloadErr
		}
		if _, err := m.registry.Register(meta, rt); err != nil {
			return "", err
		}
		m.pathMu.Lock()
		m.paths[newID] = path
		m.pathMu.Unlock()
		if err := m.initializePlugin(newID, meta, rt); err != nil {
			_ = m.registry.SetState(newID, pluginhost.StateFailed)
			return "", err
		}
		return newID, nil
	}

	loadedID, err := m.LoadPlugin(path)
	if err != nil {
		return "", err
	}
	if unloadErr := m.UnloadPlugin(id); unloadErr != nil {
		m.log.Warn("failed to unload old version after upgrade", zap.String("old_id", id), zap.Error(unloadErr))
	}
	return loadedID, nil
}

// ListPlugins returns the metadata of every registered plugin.
func (m *Manager) ListPlugins() []pluginhost.Metadata {
	ids := m.registry.List()
	out := make([]pluginhost.Metadata, 0, len(ids))
	for _, id := range ids {
		if entry, ok := m.registry.Get(id); ok {
			out = append(out, entry.Metadata)
		}
	}
	return out
}

var manifestValidator = validator.New()

func readManifest(pluginDir string) (pluginhost.Metadata, error) {
	data, err := os.ReadFile(filepath.Join(pluginDir, "plugin.json"))
	if err != nil {
		return pluginhost.Metadata{}, pluginhost.LoadErrorf("plugin.json not found in %s", pluginDir)
	}
	var meta pluginhost.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return pluginhost.Metadata{}, pluginhost.WrapLoadError(err, "invalid plugin.json in %s", pluginDir)
	}
	if meta.Name == "" || meta.Version == "" {
		return pluginhost.Metadata{}, pluginhost.LoadErrorf("plugin.json in %s missing name or version", pluginDir)
	}
	if err := manifestValidator.Struct(meta); err != nil {
		return pluginhost.Metadata{}, pluginhost.WrapLoadError(err, "plugin.json in %s failed validation", pluginDir)
	}
	return meta, nil
}
