package adminapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tingreader/ting-plugins/internal/adminapi"
	"github.com/tingreader/ting-plugins/internal/pluginhost/manager"
)

const echoScraperSource = `
function initialize(configJSON) {}
function _ting_invoke(method, paramsJSON) {
	_ting_status = "success";
	_ting_result = JSON.stringify({ok: true});
}
`

func newTestServer(t *testing.T) (*httptest.Server, *manager.Manager, string) {
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

	srv := httptest.NewServer(adminapi.NewServer(m, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, m, pluginDir
}

func writeFixture(t *testing.T, pluginDir, name, version string) string {
	t.Helper()
	dir := filepath.Join(pluginDir, name+"@"+version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := `{"name": "` + name + `", "version": "` + version + `", "plugin_type": "utility", "entry_point": "index.js"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte(echoScraperSource), 0o644))
	return dir
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListReflectsLoadedPlugins(t *testing.T) {
	srv, m, pluginDir := newTestServer(t)
	dir := writeFixture(t, pluginDir, "echo-util", "1.0.0")
	id, err := m.LoadPlugin(dir)
	require.NoError(t, err)

	client := adminapi.NewClient(srv.URL)
	infos, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, id, infos[0].ID)
	require.Equal(t, "active", string(infos[0].State))
}

func TestClientReloadAndUninstallRoundTrip(t *testing.T) {
	srv, m, pluginDir := newTestServer(t)
	dir := writeFixture(t, pluginDir, "echo-util", "1.0.0")
	id, err := m.LoadPlugin(dir)
	require.NoError(t, err)

	client := adminapi.NewClient(srv.URL)

	newID, err := client.Reload(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, newID, "same-version reload keeps the id")

	require.NoError(t, client.Uninstall(context.Background(), newID))

	infos, err := client.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestClientInstallRejectsMissingSource(t *testing.T) {
	srv, _, _ := newTestServer(t)
	client := adminapi.NewClient(srv.URL)
	_, err := client.Install(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
}
