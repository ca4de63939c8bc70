package configstore

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch starts an fsnotify watch on the store's config directory and
// reloads an entry in memory whenever its backing file is written by
// something other than Store itself (an operator hand-editing a config
// file on disk, a config management tool, etc). It runs until stop is
// closed. Reload failures are logged and leave the in-memory entry
// untouched.
func (s *Store) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.configDir); err != nil {
		watcher.Close()
		return err
	}

	log := zap.L().Named("configstore")

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				s.handleWatchEvent(event, log)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config directory watch error", zap.Error(err))
			}
		}
	}()

	return nil
}

func (s *Store) handleWatchEvent(event fsnotify.Event, log *zap.Logger) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	e, err := loadEntry(event.Name)
	if err != nil {
		log.Warn("failed to reload externally edited config file", zap.String("path", event.Name), zap.Error(err))
		return
	}
	newDecrypted, err := s.decryptFields(e.ID, e.Config, e.EncryptedFields)
	if err != nil {
		log.Warn("failed to decrypt externally edited config", zap.String("path", event.Name), zap.Error(err))
		return
	}
	onDisk, _ := os.ReadFile(event.Name)

	s.mu.Lock()
	old := s.entries[e.ID]
	if old != nil {
		// persist writes exactly this encoding; a match is the Store's own write.
		if inMemory, err := json.MarshalIndent(old, "", "  "); err == nil && bytes.Equal(inMemory, onDisk) {
			s.mu.Unlock()
			return
		}
	}
	s.entries[e.ID] = e
	s.mu.Unlock()

	var oldDecrypted map[string]any
	if old != nil {
		oldDecrypted, _ = s.decryptFields(e.ID, old.Config, old.EncryptedFields)
	}

	s.publish(ConfigChangeEvent{ID: e.ID, Name: e.Name, OldConfig: oldDecrypted, NewConfig: newDecrypted, Timestamp: e.UpdatedAt})
}
