// Package configstore implements the Config Store: one namespaced JSON
// document per plugin, JSON-Schema validated on write, with fields
// marked "x-encrypted" in the schema transparently encrypted at rest
// with AES-256-GCM. Subscribers are notified, in registration order, of
// every successful update.
package configstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
)

const encryptedPrefix = "encrypted:"

// ConfigChangeEvent is published to every subscriber after a successful
// update, restore, or import.
type ConfigChangeEvent struct {
	ID        string
	Name      string
	OldConfig map[string]any
	NewConfig map[string]any
	Timestamp time.Time
}

// Subscriber is a synchronous change handler. A panicking subscriber is
// isolated: it cannot prevent other subscribers from being notified.
type Subscriber func(ConfigChangeEvent)

type entry struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Schema          json.RawMessage `json:"schema,omitempty"`
	Config          map[string]any  `json:"config"`
	EncryptedFields []string        `json:"encrypted_fields,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Store holds every plugin's configuration entry in memory, persisted as
// one JSON file per plugin under configDir.
type Store struct {
	configDir string
	key       [32]byte
	log       *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	subMu       sync.Mutex
	subscribers []Subscriber

	decryptCache sync.Map // decryptCacheKey -> string (decrypted plaintext)
}

// decryptCacheKey identifies one decrypted field value. Keying on the
// ciphertext itself (rather than just plugin id + field) means a change
// to the stored value is automatically a cache miss — no separate
// invalidation bookkeeping is needed on update/import/restore.
type decryptCacheKey struct {
	pluginID   string
	field      string
	ciphertext string
}

// New creates a Store rooted at configDir and eagerly loads every
// "*.json" file there, skipping (with a warning returned in the result
// slice) any that fail to parse.
func New(configDir string, encryptionKey [32]byte) (*Store, []error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, []error{pluginhost.WrapConfigError(err, "creating config directory %s", configDir)}
	}

	s := &Store{
		configDir: configDir,
		key:       encryptionKey,
		log:       zap.L().Named("configstore"),
		entries:   make(map[string]*entry),
	}

	var warnings []error
	files, err := os.ReadDir(configDir)
	if err != nil {
		return nil, []error{pluginhost.WrapConfigError(err, "reading config directory %s", configDir)}
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		e, err := loadEntry(filepath.Join(configDir, f.Name()))
		if err != nil {
			warnings = append(warnings, pluginhost.WrapConfigError(err, "loading config file %s, skipping", f.Name()))
			continue
		}
		s.entries[e.ID] = e
	}

	return s, warnings
}

func loadEntry(path string) (*entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) filePath(id string) string {
	return filepath.Join(s.configDir, sanitizeID(id)+".json")
}

func sanitizeID(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", `"`, "_", "<", "_", ">", "_", "|", "_")
	return r.Replace(id)
}

// Initialize validates defaultConfig against schema (if non-empty),
// extracts the fields marked "x-encrypted" from the schema, encrypts
// them, and persists the entry.
func (s *Store) Initialize(id, name string, schema []byte, defaultConfig map[string]any) error {
	if len(schema) > 0 {
		if err := validateAgainstSchema(schema, defaultConfig); err != nil {
			return err
		}
	}

	encryptedFields := extractEncryptedFields(schema)
	stored, err := s.encryptFields(defaultConfig, encryptedFields)
	if err != nil {
		return err
	}

	e := &entry{
		ID:              id,
		Name:            name,
		Schema:          json.RawMessage(schema),
		Config:          stored,
		EncryptedFields: encryptedFields,
		UpdatedAt:       time.Now(),
	}

	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()

	return s.persist(e)
}

// Get returns a plugin's configuration with encrypted fields decrypted.
func (s *Store) Get(id string) (map[string]any, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, pluginhost.NotFoundf("no configuration for plugin %s", id)
	}
	return s.decryptFields(id, e.Config, e.EncryptedFields)
}

// Update re-validates newConfig against the stored schema (if any),
// re-encrypts marked fields, persists atomically, and publishes a
// ConfigChangeEvent to every subscriber.
func (s *Store) Update(id string, newConfig map[string]any) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return pluginhost.NotFoundf("no configuration for plugin %s", id)
	}

	if len(e.Schema) > 0 {
		if err := validateAgainstSchema(e.Schema, newConfig); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	oldDecrypted, err := s.decryptFields(id, e.Config, e.EncryptedFields)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	encrypted, err := s.encryptFields(newConfig, e.EncryptedFields)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	e.Config = encrypted
	e.UpdatedAt = time.Now()
	id, name := e.ID, e.Name
	s.mu.Unlock()

	if err := s.persist(e); err != nil {
		return err
	}

	s.publish(ConfigChangeEvent{ID: id, Name: name, OldConfig: oldDecrypted, NewConfig: newConfig, Timestamp: e.UpdatedAt})
	return nil
}

// Delete drops a plugin's configuration from memory and disk.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return pluginhost.NotFoundf("no configuration for plugin %s", id)
	}

	path := s.filePath(id)
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return pluginhost.WrapConfigError(err, "deleting config file for %s", id)
		}
	}
	return nil
}

// Subscribe registers a change handler, called in registration order on
// every successful Update/Restore/Import.
func (s *Store) Subscribe(sub Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}

func (s *Store) publish(event ConfigChangeEvent) {
	s.subMu.Lock()
	subs := make([]Subscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.subMu.Unlock()

	for _, sub := range subs {
		s.callSubscriber(sub, event)
	}
}

func (s *Store) callSubscriber(sub Subscriber, event ConfigChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("config subscriber panicked",
				zap.String("plugin", event.ID), zap.Any("panic", r))
		}
	}()
	sub(event)
}

// Export returns the full entry for id with encrypted fields decrypted.
func (s *Store) Export(id string) (map[string]any, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, pluginhost.NotFoundf("no configuration for plugin %s", id)
	}
	decrypted, err := s.decryptFields(id, e.Config, e.EncryptedFields)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":          e.ID,
		"name":        e.Name,
		"config":      decrypted,
		"exported_at": time.Now(),
	}, nil
}

// Import re-validates data's "config" field against the stored schema
// and routes through Update for the hot-reload side effect.
func (s *Store) Import(id string, data map[string]any) error {
	raw, ok := data["config"]
	if !ok {
		return pluginhost.ConfigErrorf("import data for %s missing 'config' field", id)
	}
	config, ok := raw.(map[string]any)
	if !ok {
		return pluginhost.ConfigErrorf("import data 'config' field for %s must be an object", id)
	}
	return s.Update(id, config)
}

// ExportAll exports every plugin's configuration, logging (via the
// returned error slice) per-plugin failures without aborting the batch.
func (s *Store) ExportAll() (map[string]map[string]any, []error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	result := make(map[string]map[string]any, len(ids))
	var errs []error
	for _, id := range ids {
		exported, err := s.Export(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result[id] = exported
	}
	return result, errs
}

// ImportAll imports every entry in data, logging per-plugin failures
// (via the returned error slice) without aborting the batch.
func (s *Store) ImportAll(data map[string]map[string]any) []error {
	var errs []error
	for id, entryData := range data {
		if err := s.Import(id, entryData); err != nil {
			errs = append(errs, pluginhost.WrapConfigError(err, "importing config for %s", id))
		}
	}
	return errs
}

// Backup copies the encrypted, on-disk form of id's entry into
// "{configDir}/backups/{sanitized_id}_{UTC yyyymmdd_HHMMSS}.json".
func (s *Store) Backup(id string) (string, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return "", pluginhost.NotFoundf("no configuration for plugin %s", id)
	}

	backupDir := filepath.Join(s.configDir, "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", pluginhost.WrapConfigError(err, "creating backup directory")
	}

	filename := fmt.Sprintf("%s_%s.json", sanitizeID(id), time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(backupDir, filename)

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", pluginhost.WrapConfigError(err, "serializing backup for %s", id)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", pluginhost.WrapConfigError(err, "writing backup file for %s", id)
	}
	return path, nil
}

// Restore parses a backup file, installs it into memory and disk, and
// publishes a change event with decrypted old and new values.
func (s *Store) Restore(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return pluginhost.WrapConfigError(err, "reading backup file %s", path)
	}

	var restored entry
	if err := json.Unmarshal(data, &restored); err != nil {
		return pluginhost.WrapConfigError(err, "parsing backup file %s", path)
	}

	s.mu.Lock()
	old := s.entries[restored.ID]
	s.entries[restored.ID] = &restored
	s.mu.Unlock()

	if err := s.persist(&restored); err != nil {
		return err
	}

	newDecrypted, err := s.decryptFields(restored.ID, restored.Config, restored.EncryptedFields)
	if err != nil {
		return err
	}
	var oldDecrypted map[string]any
	if old != nil {
		oldDecrypted, err = s.decryptFields(restored.ID, old.Config, old.EncryptedFields)
		if err != nil {
			return err
		}
	}

	s.publish(ConfigChangeEvent{ID: restored.ID, Name: restored.Name, OldConfig: oldDecrypted, NewConfig: newDecrypted, Timestamp: time.Now()})
	return nil
}

// persist writes e atomically: write to a temp file, then rename.
func (s *Store) persist(e *entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return pluginhost.WrapConfigError(err, "serializing config for %s", e.ID)
	}

	target := s.filePath(e.ID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return pluginhost.WrapConfigError(err, "writing config file for %s", e.ID)
	}
	if err := os.Rename(tmp, target); err != nil {
		return pluginhost.WrapConfigError(err, "renaming config file for %s", e.ID)
	}
	return nil
}

func validateAgainstSchema(schema []byte, config map[string]any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", jsonReader(schema)); err != nil {
		return pluginhost.WrapConfigError(err, "invalid configuration schema")
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return pluginhost.WrapConfigError(err, "compiling configuration schema")
	}

	normalized, err := roundTripJSON(config)
	if err != nil {
		return pluginhost.WrapConfigError(err, "normalizing config for validation")
	}

	if err := compiled.Validate(normalized); err != nil {
		return pluginhost.WrapConfigError(err, "configuration validation failed")
	}
	return nil
}

// roundTripJSON serializes and reparses config so map[string]any values
// (ints, nested structs) come back as the plain float64/map/slice shapes
// jsonschema's validator expects.
func roundTripJSON(config map[string]any) (any, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func jsonReader(data []byte) io.Reader {
	return strings.NewReader(string(data))
}

// extractEncryptedFields walks schema.properties for entries carrying
// "x-encrypted": true.
func extractEncryptedFields(schema []byte) []string {
	if len(schema) == 0 {
		return nil
	}
	var parsed struct {
		Properties map[string]struct {
			XEncrypted bool `json:"x-encrypted"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil
	}
	var fields []string
	for name, prop := range parsed.Properties {
		if prop.XEncrypted {
			fields = append(fields, name)
		}
	}
	return fields
}

func (s *Store) encryptFields(config map[string]any, fields []string) (map[string]any, error) {
	if len(fields) == 0 {
		return config, nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = v
	}
	for _, field := range fields {
		v, ok := out[field]
		if !ok {
			continue
		}
		plain := toEncryptableString(v)
		ciphertext, err := s.encryptValue(plain)
		if err != nil {
			return nil, pluginhost.WrapConfigError(err, "encrypting field %q", field)
		}
		out[field] = encryptedPrefix + ciphertext
	}
	return out, nil
}

func (s *Store) decryptFields(pluginID string, config map[string]any, fields []string) (map[string]any, error) {
	if len(fields) == 0 {
		return config, nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = v
	}
	for _, field := range fields {
		v, ok := out[field]
		if !ok {
			continue
		}
		str, ok := v.(string)
		if !ok || !strings.HasPrefix(str, encryptedPrefix) {
			continue
		}

		ciphertext := strings.TrimPrefix(str, encryptedPrefix)
		key := decryptCacheKey{pluginID: pluginID, field: field, ciphertext: ciphertext}
		if cached, ok := s.decryptCache.Load(key); ok {
			out[field] = cached.(string)
			continue
		}

		plain, err := s.decryptValue(ciphertext)
		if err != nil {
			return nil, pluginhost.WrapConfigError(err, "decrypting field %q", field)
		}
		s.decryptCache.Store(key, plain)
		out[field] = plain
	}
	return out, nil
}

func toEncryptableString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, _ := json.Marshal(v)
	return string(data)
}

// encryptValue returns base64(nonce ‖ ciphertext) for value, using a
// fresh random 12-byte nonce per call.
func (s *Store) encryptValue(value string) (string, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(value), nil)
	combined := append(nonce, ciphertext...)
	return base64.StdEncoding.EncodeToString(combined), nil
}

// decryptValue reverses encryptValue's "nonce ‖ ciphertext" layout.
func (s *Store) decryptValue(encoded string) (string, error) {
	combined, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(combined) < nonceSize {
		return "", fmt.Errorf("encrypted value too short")
	}
	nonce, ciphertext := combined[:nonceSize], combined[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
