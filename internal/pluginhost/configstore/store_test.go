package configstore_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingreader/ting-plugins/internal/pluginhost/configstore"
)

func testKey() [32]byte {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func newTestStore(t *testing.T) *configstore.Store {
	t.Helper()
	s, warnings := configstore.New(t.TempDir(), testKey())
	require.Empty(t, warnings)
	return s
}

func TestInitializeAndGet(t *testing.T) {
	s := newTestStore(t)

	config := map[string]any{"setting1": "value1", "setting2": float64(42)}
	require.NoError(t, s.Initialize("test-plugin@1.0.0", "Test Plugin", nil, config))

	got, err := s.Get("test-plugin@1.0.0")
	require.NoError(t, err)
	assert.Equal(t, config, got)
}

func TestConfigIsolation(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Initialize("plugin1@1.0.0", "Plugin 1", nil, map[string]any{"key": "value1"}))
	require.NoError(t, s.Initialize("plugin2@1.0.0", "Plugin 2", nil, map[string]any{"key": "value2"}))

	got1, err := s.Get("plugin1@1.0.0")
	require.NoError(t, err)
	got2, err := s.Get("plugin2@1.0.0")
	require.NoError(t, err)

	assert.NotEqual(t, got1, got2)
}

func TestInitializeValidatesAgainstSchema(t *testing.T) {
	s := newTestStore(t)

	schema := []byte(`{
		"type": "object",
		"properties": {"threshold": {"type": "integer"}},
		"required": ["threshold"]
	}`)

	err := s.Initialize("needs-schema@1.0.0", "Needs Schema", schema, map[string]any{"threshold": "not-an-integer"})
	require.Error(t, err)
}

func TestSensitiveFieldEncryption(t *testing.T) {
	s := newTestStore(t)

	schema := []byte(`{
		"type": "object",
		"properties": {
			"api_key": {"type": "string", "x-encrypted": true},
			"label": {"type": "string"}
		}
	}`)

	require.NoError(t, s.Initialize("secret@1.0.0", "Secret Plugin", schema, map[string]any{
		"api_key": "super-secret",
		"label":   "plain",
	}))

	got, err := s.Get("secret@1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "super-secret", got["api_key"])
	assert.Equal(t, "plain", got["label"])
}

func TestUpdatePublishesChangeEventInRegistrationOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize("p@1.0.0", "P", nil, map[string]any{"v": float64(1)}))

	var order []int
	s.Subscribe(func(configstore.ConfigChangeEvent) { order = append(order, 1) })
	s.Subscribe(func(configstore.ConfigChangeEvent) { order = append(order, 2) })

	require.NoError(t, s.Update("p@1.0.0", map[string]any{"v": float64(2)}))

	assert.Equal(t, []int{1, 2}, order)
}

func TestSubscriberPanicDoesNotBlockOthers(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize("p@1.0.0", "P", nil, map[string]any{"v": float64(1)}))

	called := false
	s.Subscribe(func(configstore.ConfigChangeEvent) { panic("boom") })
	s.Subscribe(func(configstore.ConfigChangeEvent) { called = true })

	require.NoError(t, s.Update("p@1.0.0", map[string]any{"v": float64(2)}))
	assert.True(t, called)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize("p@1.0.0", "P", nil, map[string]any{"v": float64(1)}))

	exported, err := s.Export("p@1.0.0")
	require.NoError(t, err)

	require.NoError(t, s.Update("p@1.0.0", map[string]any{"v": float64(99)}))
	require.NoError(t, s.Import("p@1.0.0", exported))

	got, err := s.Get("p@1.0.0")
	require.NoError(t, err)
	assert.Equal(t, float64(1), got["v"])
}

func TestExportNonexistentPlugin(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Export("missing@1.0.0")
	assert.Error(t, err)
}

func TestImportMissingConfigField(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize("p@1.0.0", "P", nil, map[string]any{"v": float64(1)}))

	err := s.Import("p@1.0.0", map[string]any{"name": "P"})
	assert.Error(t, err)
}

func TestImportAllNeverAbortsOnSingleFailure(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize("good@1.0.0", "Good", nil, map[string]any{"v": float64(1)}))

	errs := s.ImportAll(map[string]map[string]any{
		"good@1.0.0":    {"config": map[string]any{"v": float64(2)}},
		"missing@1.0.0": {"config": map[string]any{"v": float64(3)}},
	})
	require.Len(t, errs, 1)

	got, err := s.Get("good@1.0.0")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got["v"])
}

func TestBackupAndRestore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize("p@1.0.0", "P", nil, map[string]any{"v": float64(1)}))

	backupPath, err := s.Backup("p@1.0.0")
	require.NoError(t, err)
	require.NotEmpty(t, backupPath)

	require.NoError(t, s.Update("p@1.0.0", map[string]any{"v": float64(2)}))
	require.NoError(t, s.Restore(backupPath))

	got, err := s.Get("p@1.0.0")
	require.NoError(t, err)
	assert.Equal(t, float64(1), got["v"])
}

func TestRestoreNonexistentBackup(t *testing.T) {
	s := newTestStore(t)
	err := s.Restore("/nonexistent/path.json")
	assert.Error(t, err)
}

func TestDeleteRemovesConfigAndFile(t *testing.T) {
	dir := t.TempDir()
	s := newTestStoreAt(t, dir)
	require.NoError(t, s.Initialize("p@1.0.0", "P", nil, map[string]any{"v": float64(1)}))
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.NoError(t, s.Delete("p@1.0.0"))

	_, err = s.Get("p@1.0.0")
	assert.Error(t, err)
	files, err = filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestEncryptionNonceIsFresh(t *testing.T) {
	dir := t.TempDir()
	s := newTestStoreAt(t, dir)
	schema := []byte(`{"type":"object","properties":{"secret":{"type":"string","x-encrypted":true}}}`)

	require.NoError(t, s.Initialize("a@1.0.0", "A", schema, map[string]any{"secret": "same-value"}))
	require.NoError(t, s.Initialize("b@1.0.0", "B", schema, map[string]any{"secret": "same-value"}))

	a, err := s.Export("a@1.0.0")
	require.NoError(t, err)
	b, err := s.Export("b@1.0.0")
	require.NoError(t, err)

	assert.Equal(t, "same-value", a["config"].(map[string]any)["secret"])
	assert.Equal(t, "same-value", b["config"].(map[string]any)["secret"])

	// On disk the same plaintext must encrypt to different ciphertexts.
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	require.Len(t, files, 2)
	var stored []string
	for _, f := range files {
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		var onDisk struct {
			Config map[string]any `json:"config"`
		}
		require.NoError(t, json.Unmarshal(data, &onDisk))
		stored = append(stored, onDisk.Config["secret"].(string))
	}
	assert.NotEqual(t, stored[0], stored[1])
}

func TestReloadSkipsUnparseableFiles(t *testing.T) {
	dir := t.TempDir()
	s := newTestStoreAt(t, dir)
	require.NoError(t, s.Initialize("p@1.0.0", "P", nil, map[string]any{"v": float64(1)}))

	writeJunkFile(t, dir, "broken.json")

	_, warnings := configstore.New(dir, testKey())
	assert.Len(t, warnings, 1)
}

func newTestStoreAt(t *testing.T, dir string) *configstore.Store {
	t.Helper()
	s, warnings := configstore.New(dir, testKey())
	require.Empty(t, warnings)
	return s
}

func writeJunkFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(dir+"/"+name, []byte("not json"), 0o644))
}
