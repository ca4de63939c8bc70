package manager_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tingreader/ting-plugins/internal/pluginhost/manager"
)

// echoScraperSource is a minimal script plugin exercising the real
// scriptworker adapter end to end: it echoes its search query back as a
// result field so tests can assert the call round-tripped.
const echoScraperSource = `
function initialize(configJSON) {}
function _ting_invoke(method, paramsJSON) {
	var params = JSON.parse(paramsJSON);
	if (method === "search") {
		_ting_status = "success";
		_ting_result = JSON.stringify({query: params.query, count: 1});
		return;
	}
	_ting_status = "error";
	_ting_error = "unknown method " + method;
}
`

func writeScraperFixture(t *testing.T, pluginDir, name, version string) string {
	t.Helper()
	dir := filepath.Join(pluginDir, name+"-"+version)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	manifest := `{
		"name": "` + name + `",
		"version": "` + version + `",
		"plugin_type": "scraper",
		"entry_point": "index.js"
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte(echoScraperSource), 0o644))
	return dir
}

func newTestManager(t *testing.T) (*manager.Manager, string) {
	t.Helper()
	base := t.TempDir()
	pluginDir := filepath.Join(base, "plugins")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))

	m, err := manager.New(context.Background(), manager.Config{
		PluginDir: pluginDir,
		ConfigDir: filepath.Join(base, "config"),
		CacheDir:  filepath.Join(base, "cache"),
		NpmPath:   "npm",
		// A fresh registry per Manager: the default one rejects the second
		// registration of the same metric names.
		MetricsReg: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, pluginDir
}

func TestLoadPluginActivatesScriptAdapter(t *testing.T) {
	m, pluginDir := newTestManager(t)
	dir := writeScraperFixture(t, pluginDir, "echo-scraper", "1.0.0")

	id, err := m.LoadPlugin(dir)
	require.NoError(t, err)
	require.Equal(t, "echo-scraper@1.0.0", id)

	plugins := m.ListPlugins()
	require.Len(t, plugins, 1)
	require.Equal(t, "echo-scraper", plugins[0].Name)
}

func TestCallScraperRoundTrips(t *testing.T) {
	m, pluginDir := newTestManager(t)
	dir := writeScraperFixture(t, pluginDir, "echo-scraper", "1.0.0")

	id, err := m.LoadPlugin(dir)
	require.NoError(t, err)

	var result struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	err = m.CallScraper(context.Background(), id, manager.ScraperSearch,
		map[string]any{"query": "dune"}, &result)
	require.NoError(t, err)
	require.Equal(t, "dune", result.Query)
	require.Equal(t, 1, result.Count)
}

func TestUnloadPluginRemovesFromRegistry(t *testing.T) {
	m, pluginDir := newTestManager(t)
	dir := writeScraperFixture(t, pluginDir, "echo-scraper", "1.0.0")

	id, err := m.LoadPlugin(dir)
	require.NoError(t, err)
	require.NoError(t, m.UnloadPlugin(id))
	require.Empty(t, m.ListPlugins())

	err = m.CallScraper(context.Background(), id, manager.ScraperSearch, nil, nil)
	require.Error(t, err)
}

func TestReloadSameVersionKeepsPluginActiveOnFailure(t *testing.T) {
	m, pluginDir := newTestManager(t)
	dir := writeScraperFixture(t, pluginDir, "echo-scraper", "1.0.0")

	id, err := m.LoadPlugin(dir)
	require.NoError(t, err)

	// Replace the script with one that fails to compile; reload must leave
	// the already-Active plugin untouched and serving calls (P9).
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("this is not valid javascript ((("), 0o644))

	_, err = m.ReloadPlugin(id)
	require.Error(t, err)

	var result struct {
		Query string `json:"query"`
	}
	err = m.CallScraper(context.Background(), id, manager.ScraperSearch, map[string]any{"query": "still alive"}, &result)
	require.NoError(t, err)
	require.Equal(t, "still alive", result.Query)
}

func TestReloadVersionChangeRegistersNewID(t *testing.T) {
	m, pluginDir := newTestManager(t)
	dir := writeScraperFixture(t, pluginDir, "echo-scraper", "1.0.0")

	id, err := m.LoadPlugin(dir)
	require.NoError(t, err)

	manifest := `{
		"name": "echo-scraper",
		"version": "2.0.0",
		"plugin_type": "scraper",
		"entry_point": "index.js"
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644))

	newID, err := m.ReloadPlugin(id)
	require.NoError(t, err)
	require.Equal(t, "echo-scraper@2.0.0", newID)

	plugins := m.ListPlugins()
	require.Len(t, plugins, 1)
	require.Equal(t, "2.0.0", plugins[0].Version)
}

func TestFindPluginForFormatPrefersSystemSupport(t *testing.T) {
	m, _ := newTestManager(t)
	_, ok := m.FindPluginForFormat("mp3")
	require.False(t, ok, "mp3 is system-supported and must never be delegated to a plugin")
}

func TestFindPluginForFormatMatchesRegisteredFormatPlugin(t *testing.T) {
	m, pluginDir := newTestManager(t)
	dir := filepath.Join(pluginDir, "cue-format-1.0.0")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	manifest := `{
		"name": "cue-format",
		"version": "1.0.0",
		"plugin_type": "format",
		"entry_point": "index.js",
		"supported_extensions": ["cue"]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte(echoScraperSource), 0o644))

	id, err := m.LoadPlugin(dir)
	require.NoError(t, err)

	found, ok := m.FindPluginForFormat(".CUE")
	require.True(t, ok)
	require.Equal(t, id, found)
}

func TestInstallPluginPackageThenUninstallRemovesManagedDirectory(t *testing.T) {
	m, pluginDir := newTestManager(t)
	sourceDir := t.TempDir()
	dir := writeScraperFixture(t, sourceDir, "echo-scraper", "1.0.0")

	id, err := m.InstallPluginPackage(dir)
	require.NoError(t, err)
	require.Equal(t, "echo-scraper@1.0.0", id)
	require.Len(t, m.ListPlugins(), 1)

	require.NoError(t, m.UninstallPlugin(id))
	require.Empty(t, m.ListPlugins())
	_, statErr := os.Stat(filepath.Join(pluginDir, id))
	require.True(t, os.IsNotExist(statErr), "uninstall must remove the managed plugin directory")
}
