// Package depcache implements the refcounted dependency cache for
// script-runtime packages (npm-style) shared across plugin installations,
// keyed by package name and declared range. It shells out to npm for
// resolution and keeps one cached copy of each installed package@range,
// which it copies into the node_modules of every plugin that declares
// that package@range, so npm runs once per package@range.
package depcache

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
)

// Entry describes one cached package.
type Entry struct {
	Name         string
	Version      string
	CachePath    string
	UsedBy       map[string]struct{}
	LastAccessed time.Time
	SizeBytes    int64
}

// Stats are cumulative cache hit/miss counters.
type Stats struct {
	TotalPackages int
	TotalSizeBytes int64
	CacheHits     int
	CacheMisses   int
	PluginsCount  int
	LastCleanup   time.Time
}

func (s Stats) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Cache is the dependency cache. One Cache instance is shared across every
// plugin installation in the host.
type Cache struct {
	mu        sync.RWMutex
	root      string
	npmPath   string
	entries   map[string]*Entry // "name@version" -> entry
	hits      int
	misses    int
	lastClean time.Time
}

// New creates a Cache rooted at dir, creating it if necessary. npmPath, if
// empty, defaults to "npm" resolved via $PATH.
func New(dir, npmPath string) (*Cache, error) {
	if npmPath == "" {
		npmPath = "npm"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pluginhost.WrapLoadError(err, "creating dependency cache root %s", dir)
	}
	return &Cache{
		root:    dir,
		npmPath: npmPath,
		entries: make(map[string]*Entry),
	}, nil
}

func cacheKey(name, version string) string {
	return name + "@" + version
}

// IsCached reports whether name@version is already present in the cache.
func (c *Cache) IsCached(name, version string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[cacheKey(name, version)]
	return ok
}

// InstallWithCache resolves dependencies for pluginID against
// nodeModulesDir: entries already cached are linked (copied) from the
// cache and credited as a hit; anything uncached is installed via `npm
// install` into a scratch directory, then copied both into the cache and
// into nodeModulesDir.
func (c *Cache) InstallWithCache(pluginID, nodeModulesDir string, deps []pluginhost.PackageDependency) error {
	if len(deps) == 0 {
		return nil
	}
	if err := os.MkdirAll(nodeModulesDir, 0o755); err != nil {
		return pluginhost.WrapLoadError(err, "creating node_modules dir %s", nodeModulesDir)
	}

	var uncached []pluginhost.PackageDependency
	for _, dep := range deps {
		if c.IsCached(dep.Name, dep.Range) {
			if err := c.linkFromCache(dep.Name, dep.Range, pluginID, filepath.Join(nodeModulesDir, dep.Name)); err == nil {
				continue
			}
		}
		uncached = append(uncached, dep)
	}
	if len(uncached) == 0 {
		return nil
	}

	scratch, err := os.MkdirTemp("", "ting-depcache-install-*")
	if err != nil {
		return pluginhost.WrapLoadError(err, "creating scratch install dir")
	}
	defer os.RemoveAll(scratch)

	if err := c.npmInstall(scratch, uncached); err != nil {
		return err
	}

	scratchModules := filepath.Join(scratch, "node_modules")
	for _, dep := range uncached {
		src := filepath.Join(scratchModules, dep.Name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyDirRecursive(src, filepath.Join(nodeModulesDir, dep.Name)); err != nil {
			return pluginhost.WrapLoadError(err, "copying %s into %s", dep.Name, nodeModulesDir)
		}
		if err := c.addToCache(dep.Name, dep.Range, pluginID, src); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) npmInstall(dir string, deps []pluginhost.PackageDependency) error {
	pkg := "{\"name\":\"ting-plugin-deps\",\"version\":\"0.0.0\",\"private\":true,\"dependencies\":{"
	for i, dep := range deps {
		if i > 0 {
			pkg += ","
		}
		pkg += fmt.Sprintf("%q:%q", dep.Name, dep.Range)
	}
	pkg += "}}"
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(pkg), 0o644); err != nil {
		return pluginhost.WrapLoadError(err, "writing package.json")
	}

	cmd := exec.Command(c.npmPath, "install", "--production", "--no-audit", "--no-fund")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return pluginhost.WrapLoadError(err, "npm install failed: %s", string(out))
	}
	return nil
}

func (c *Cache) addToCache(name, version, pluginID, sourcePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(name, version)
	if entry, ok := c.entries[key]; ok {
		entry.UsedBy[pluginID] = struct{}{}
		entry.LastAccessed = time.Now()
		c.hits++
		return nil
	}

	cachePath := filepath.Join(c.root, key)
	if err := copyDirRecursive(sourcePath, cachePath); err != nil {
		return pluginhost.WrapLoadError(err, "caching %s", key)
	}
	size, err := dirSize(cachePath)
	if err != nil {
		return pluginhost.WrapLoadError(err, "sizing cached %s", key)
	}

	c.entries[key] = &Entry{
		Name:         name,
		Version:      version,
		CachePath:    cachePath,
		UsedBy:       map[string]struct{}{pluginID: {}},
		LastAccessed: time.Now(),
		SizeBytes:    size,
	}
	c.misses++
	return nil
}

func (c *Cache) linkFromCache(name, version, pluginID, targetPath string) error {
	c.mu.Lock()
	entry, ok := c.entries[cacheKey(name, version)]
	if !ok {
		c.mu.Unlock()
		return pluginhost.NotFoundf("%s@%s not in dependency cache", name, version)
	}
	cachePath := entry.CachePath
	c.mu.Unlock()

	if err := copyDirRecursive(cachePath, targetPath); err != nil {
		return pluginhost.WrapLoadError(err, "linking cached %s@%s", name, version)
	}

	c.mu.Lock()
	entry.UsedBy[pluginID] = struct{}{}
	entry.LastAccessed = time.Now()
	c.hits++
	c.mu.Unlock()
	return nil
}

// Release removes pluginID from every cache entry's consumer set, then
// deletes any entry whose consumer set has become empty and records the
// cleanup time. Returns the number of entries removed.
func (c *Cache) Release(pluginID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.entries {
		delete(entry.UsedBy, pluginID)
	}

	removed := 0
	for key, entry := range c.entries {
		if len(entry.UsedBy) > 0 {
			continue
		}
		if err := os.RemoveAll(entry.CachePath); err != nil {
			return removed, pluginhost.WrapLoadError(err, "removing unused cache entry %s", key)
		}
		delete(c.entries, key)
		removed++
	}
	if removed > 0 {
		c.lastClean = time.Now()
	}
	return removed, nil
}

// PurgeUnused deletes every cache entry with an empty consumer set and
// returns the number removed. Most callers don't need this directly since
// Release already reclaims space for the plugin it releases; PurgeUnused
// exists for a periodic sweep that also catches entries orphaned by other
// means (a crash between Release calls, manual cache edits).
func (c *Cache) PurgeUnused() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if len(entry.UsedBy) > 0 {
			continue
		}
		if err := os.RemoveAll(entry.CachePath); err != nil {
			return removed, pluginhost.WrapLoadError(err, "removing unused cache entry %s", key)
		}
		delete(c.entries, key)
		removed++
	}
	if removed > 0 {
		c.lastClean = time.Now()
	}
	return removed, nil
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	plugins := make(map[string]struct{})
	var totalSize int64
	for _, entry := range c.entries {
		totalSize += entry.SizeBytes
		for p := range entry.UsedBy {
			plugins[p] = struct{}{}
		}
	}
	return Stats{
		TotalPackages:  len(c.entries),
		TotalSizeBytes: totalSize,
		CacheHits:      c.hits,
		CacheMisses:    c.misses,
		PluginsCount:   len(plugins),
		LastCleanup:    c.lastClean,
	}
}

// Clear removes every cache entry and resets statistics.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.root); err != nil {
		return pluginhost.WrapLoadError(err, "clearing dependency cache")
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return pluginhost.WrapLoadError(err, "recreating dependency cache root")
	}
	c.entries = make(map[string]*Entry)
	c.hits, c.misses = 0, 0
	c.lastClean = time.Now()
	return nil
}

func copyDirRecursive(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDirRecursive(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func dirSize(path string) (int64, error) {
	var total int64
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		full := filepath.Join(path, entry.Name())
		if entry.IsDir() {
			sub, err := dirSize(full)
			if err != nil {
				return 0, err
			}
			total += sub
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
