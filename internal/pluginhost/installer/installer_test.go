package installer_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
	"github.com/tingreader/ting-plugins/internal/pluginhost/installer"
)

func writeSourcePackage(t *testing.T, name, version string) string {
	t.Helper()
	dir := t.TempDir()
	manifest := `{"name": "` + name + `", "version": "` + version + `", "plugin_type": "utility", "entry_point": "index.js"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("function _ting_invoke(){}"), 0o644))
	return dir
}

func allowAllDependencies(pluginhost.Metadata) error { return nil }

func TestInstallExtractsIntoNameAtVersionLayout(t *testing.T) {
	pluginDir := t.TempDir()
	inst, err := installer.New(pluginDir)
	require.NoError(t, err)

	src := writeSourcePackage(t, "echo-util", "1.0.0")
	id, err := inst.Install(src, allowAllDependencies)
	require.NoError(t, err)
	assert.Equal(t, "echo-util@1.0.0", id)

	installed := filepath.Join(pluginDir, id)
	_, statErr := os.Stat(filepath.Join(installed, "plugin.json"))
	require.NoError(t, statErr)
	_, statErr = os.Stat(filepath.Join(installed, "index.js"))
	require.NoError(t, statErr)
}

func TestInstallRejectsMissingManifest(t *testing.T) {
	pluginDir := t.TempDir()
	inst, err := installer.New(pluginDir)
	require.NoError(t, err)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.js"), []byte("// no manifest"), 0o644))

	_, err = inst.Install(src, allowAllDependencies)
	require.Error(t, err)
}

func TestInstallAbortsAndLeavesNoFilesWhenDependencyCheckFails(t *testing.T) {
	pluginDir := t.TempDir()
	inst, err := installer.New(pluginDir)
	require.NoError(t, err)

	src := writeSourcePackage(t, "echo-util", "1.0.0")
	reject := func(pluginhost.Metadata) error { return pluginhost.DependencyErrorf("missing dependency") }

	_, err = inst.Install(src, reject)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(pluginDir, "echo-util@1.0.0"))
	require.Error(t, statErr, "a failed install must not leave an installed directory behind")
}

func TestInstallOverwritesExistingVersionAndCommitsBackup(t *testing.T) {
	pluginDir := t.TempDir()
	inst, err := installer.New(pluginDir)
	require.NoError(t, err)

	src := writeSourcePackage(t, "echo-util", "1.0.0")
	id, err := inst.Install(src, allowAllDependencies)
	require.NoError(t, err)

	// Re-installing the same source at the same version should succeed
	// and leave the directory intact (the backup is committed away).
	_, err = inst.Install(src, allowAllDependencies)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(pluginDir, id, "plugin.json"))
	require.NoError(t, statErr)
	_, statErr = os.Stat(filepath.Join(pluginDir, id+".backup"))
	require.Error(t, statErr, "a committed install must not leave its backup behind")
}

func TestUninstallRemovesInstalledDirectory(t *testing.T) {
	pluginDir := t.TempDir()
	inst, err := installer.New(pluginDir)
	require.NoError(t, err)

	src := writeSourcePackage(t, "echo-util", "1.0.0")
	id, err := inst.Install(src, allowAllDependencies)
	require.NoError(t, err)

	require.NoError(t, inst.Uninstall(id))
	_, statErr := os.Stat(filepath.Join(pluginDir, id))
	require.Error(t, statErr)
}

func TestUninstallUnknownPluginReturnsNotFound(t *testing.T) {
	pluginDir := t.TempDir()
	inst, err := installer.New(pluginDir)
	require.NoError(t, err)

	err = inst.Uninstall("does-not-exist@1.0.0")
	require.Error(t, err)
	e, ok := pluginhost.AsError(err)
	require.True(t, ok)
	assert.Equal(t, pluginhost.KindNotFound, e.Kind)
}
