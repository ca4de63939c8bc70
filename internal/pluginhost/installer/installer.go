// Package installer implements plugin package installation: manifest
// validation, checksum computation, dependency checking via a
// caller-supplied callback, atomic install with backup-and-rollback, and
// uninstallation.
package installer

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
)

// Package is a validated plugin package: its parsed manifest and the
// content checksum computed over every file in the source tree (or the
// archive bytes, for a zip source).
type Package struct {
	Metadata pluginhost.Metadata
	Checksum string
}

// DependencyChecker is invoked after manifest validation and before any
// files are written; returning an error aborts the install with no
// filesystem change made.
type DependencyChecker func(pluginhost.Metadata) error

// Installer installs packages under a root plugin directory, keyed by
// "name@version".
type Installer struct {
	pluginDir string
}

// New creates an Installer rooted at pluginDir, creating it if needed.
func New(pluginDir string) (*Installer, error) {
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		return nil, pluginhost.WrapLoadError(err, "creating plugin directory %s", pluginDir)
	}
	return &Installer{pluginDir: pluginDir}, nil
}

// Install validates sourcePath (a directory or a .zip file containing a
// plugin.json manifest), runs check against the parsed manifest, and on
// success extracts the package into "{pluginDir}/{name}@{version}". The
// dependency check runs before anything on disk is touched. Any existing
// install at that path is then backed up and restored if extraction or
// the commit fails.
func (inst *Installer) Install(sourcePath string, check DependencyChecker) (id string, err error) {
	pkg, err := inst.validatePackage(sourcePath)
	if err != nil {
		return "", err
	}

	if err := check(pkg.Metadata); err != nil {
		return "", err
	}

	id = pkg.Metadata.Identity().String()
	installPath := filepath.Join(inst.pluginDir, id)

	backup, err := newBackup(installPath)
	if err != nil {
		return "", pluginhost.WrapLoadError(err, "preparing backup for %s", id)
	}

	// Guards against a panic or early return mid-extract leaving the
	// plugin directory in a half-written state: rollback runs unless
	// commit is reached, matching Drop semantics for the backup guard.
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := backup.rollback(); rbErr != nil {
			err = pluginhost.WrapLoadError(rbErr, "install failed (%v) and rollback also failed", err)
		}
	}()

	if err := inst.extractAndInstall(sourcePath, installPath); err != nil {
		return "", pluginhost.WrapLoadError(err, "installing %s", id)
	}

	if err := backup.commit(); err != nil {
		return "", pluginhost.WrapLoadError(err, "committing install of %s", id)
	}

	committed = true
	return id, nil
}

// Uninstall removes an installed plugin's directory entirely.
func (inst *Installer) Uninstall(id string) error {
	path := filepath.Join(inst.pluginDir, id)
	if _, err := os.Stat(path); err != nil {
		return pluginhost.NotFoundf("plugin %s not installed", id)
	}
	if err := os.RemoveAll(path); err != nil {
		return pluginhost.WrapLoadError(err, "uninstalling %s", id)
	}
	return nil
}

func (inst *Installer) validatePackage(sourcePath string) (*Package, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, pluginhost.LoadErrorf("plugin package not found: %s", sourcePath)
	}

	var manifestBytes []byte
	if info.IsDir() {
		manifestPath := filepath.Join(sourcePath, "plugin.json")
		manifestBytes, err = os.ReadFile(manifestPath)
		if err != nil {
			return nil, pluginhost.LoadErrorf("plugin.json not found in package")
		}
	} else {
		manifestBytes, err = readZipEntry(sourcePath, "plugin.json")
		if err != nil {
			return nil, pluginhost.LoadErrorf("plugin.json not found in zip archive")
		}
	}

	var meta pluginhost.Metadata
	if err := json.Unmarshal(manifestBytes, &meta); err != nil {
		return nil, pluginhost.WrapLoadError(err, "invalid plugin.json")
	}

	checksum, err := calculateChecksum(sourcePath)
	if err != nil {
		return nil, pluginhost.WrapLoadError(err, "computing package checksum")
	}

	return &Package{Metadata: meta, Checksum: checksum}, nil
}

func readZipEntry(archivePath, name string) ([]byte, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

// calculateChecksum hashes every file in a directory tree (sorted by path
// for determinism) or a single archive file's bytes.
func calculateChecksum(sourcePath string) (string, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	if !info.IsDir() {
		f, err := os.Open(sourcePath)
		if err != nil {
			return "", err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	var paths []string
	err = filepath.WalkDir(sourcePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		h.Write(content)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (inst *Installer) extractAndInstall(sourcePath, targetPath string) error {
	if err := os.MkdirAll(targetPath, 0o755); err != nil {
		return err
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDirRecursive(sourcePath, targetPath)
	}
	return extractZip(sourcePath, targetPath)
}

func copyDirRecursive(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := os.MkdirAll(dstPath, 0o755); err != nil {
				return err
			}
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

func extractZip(archivePath, targetPath string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		outPath := filepath.Join(targetPath, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}

// backup implements the I5 rollback discipline: rename any existing
// install aside before extraction, delete it on commit, restore it on
// rollback.
type backup struct {
	targetPath string
	backupPath string
	hadBackup  bool
}

func newBackup(targetPath string) (*backup, error) {
	b := &backup{targetPath: targetPath, backupPath: targetPath + ".backup"}

	if _, err := os.Stat(targetPath); err != nil {
		return b, nil
	}

	if _, err := os.Stat(b.backupPath); err == nil {
		if err := os.RemoveAll(b.backupPath); err != nil {
			return nil, err
		}
	}
	if err := os.Rename(targetPath, b.backupPath); err != nil {
		return nil, err
	}
	b.hadBackup = true
	return b, nil
}

func (b *backup) commit() error {
	if !b.hadBackup {
		return nil
	}
	return os.RemoveAll(b.backupPath)
}

func (b *backup) rollback() error {
	if _, err := os.Stat(b.targetPath); err == nil {
		if err := os.RemoveAll(b.targetPath); err != nil {
			return err
		}
	}
	if b.hadBackup {
		return os.Rename(b.backupPath, b.targetPath)
	}
	return nil
}
