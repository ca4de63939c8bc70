// Package sandbox implements the per-plugin capability set and resource
// ceilings that gate every file, network, database and event access a
// plugin attempts. It is immutable after construction: capabilities are
// fixed for the life of a plugin version.
package sandbox

import (
	"strings"
	"time"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
)

// PermissionType is the tag of a capability grant. It aliases
// pluginhost.CapabilityType, which is where manifests parse capabilities
// into, so a Sandbox can be built directly from Metadata.Capabilities
// without a conversion step.
type PermissionType = pluginhost.CapabilityType

const (
	PermissionFileRead       = pluginhost.CapabilityFileRead
	PermissionFileWrite      = pluginhost.CapabilityFileWrite
	PermissionNetworkAccess  = pluginhost.CapabilityNetworkAccess
	PermissionDatabaseRead   = pluginhost.CapabilityDatabaseRead
	PermissionDatabaseWrite  = pluginhost.CapabilityDatabaseWrite
	PermissionEventPublish   = pluginhost.CapabilityEventPublish
	PermissionEventSubscribe = pluginhost.CapabilityEventSubscribe
)

// Permission is a single capability grant. Value holds the path prefix
// for file_read/file_write, the host pattern for network_access, and the
// event type for event_subscribe; it is empty for the bare database and
// event_publish grants. It aliases pluginhost.Capability.
type Permission = pluginhost.Capability

// FileAccess distinguishes the kind of file operation being checked.
type FileAccess int

const (
	FileRead FileAccess = iota
	FileWrite
	FileExecute
)

// Limits are the resource ceilings enforced against a plugin.
type Limits struct {
	MaxMemoryBytes        int64
	MaxCPUTime            time.Duration
	MaxFileSizeBytes      int64
	MaxNetworkBandwidthBPS int64 // present in the structure but not wired
	                             // into any I/O path, per spec.md §9.
}

// Permissive, Default and Restrictive are the three resource-limit
// presets named in spec.md §4.1.
var (
	Permissive = Limits{
		MaxMemoryBytes:   1 << 30, // 1 GiB
		MaxCPUTime:       10 * time.Minute,
		MaxFileSizeBytes: 1 << 30,
	}
	Default = Limits{
		MaxMemoryBytes:   512 << 20, // 512 MiB
		MaxCPUTime:       5 * time.Minute,
		MaxFileSizeBytes: 512 << 20,
	}
	Restrictive = Limits{
		MaxMemoryBytes:   128 << 20, // 128 MiB
		MaxCPUTime:       30 * time.Second,
		MaxFileSizeBytes: 128 << 20,
	}
)

// Sandbox holds one plugin's capability set and resource ceilings and is
// the sole authority for access decisions about that plugin.
type Sandbox struct {
	permissions   []Permission
	limits        Limits
	allowedPaths  []string
	allowedHosts  []string
}

// New builds a Sandbox from the given permissions and limits.
func New(permissions []Permission, limits Limits) *Sandbox {
	s := &Sandbox{permissions: permissions, limits: limits}
	for _, p := range permissions {
		switch p.Type {
		case PermissionFileRead, PermissionFileWrite:
			s.allowedPaths = append(s.allowedPaths, normalizePath(p.Value))
		case PermissionNetworkAccess:
			s.allowedHosts = append(s.allowedHosts, p.Value)
		}
	}
	return s
}

// normalizePath converts a path to a separator-uniform, "."/".."-resolved
// form so that "a/./b", "a//b" and "a\b" compare equal, matching the
// normalize_path behavior in the ting-reader sandbox.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")

	var parts []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(parts) > 0 && parts[len(parts)-1] != ".." {
				parts = parts[:len(parts)-1]
			} else {
				parts = append(parts, seg)
			}
		default:
			parts = append(parts, seg)
		}
	}

	joined := strings.Join(parts, "/")
	if strings.HasPrefix(p, "/") {
		return "/" + joined
	}
	return joined
}

// CheckFileAccess enforces I-level path-prefix access control. Execute
// access is never permitted.
func (s *Sandbox) CheckFileAccess(path string, access FileAccess) error {
	if access == FileExecute {
		return pluginhost.PermissionDeniedf("execute access is never permitted: %s", path)
	}

	normalized := normalizePath(path)
	wantType := PermissionFileRead
	if access == FileWrite {
		wantType = PermissionFileWrite
	}

	for _, perm := range s.permissions {
		if perm.Type != wantType {
			continue
		}
		prefix := normalizePath(perm.Value)
		if prefix == "" || normalized == prefix || strings.HasPrefix(normalized, prefix+"/") {
			return nil
		}
	}

	return pluginhost.PermissionDeniedf("file access denied: %s", path)
}

// CheckNetworkAccess enforces host-pattern access control. A pattern
// "*.base" matches "base" itself and any subdomain of "base"; any other
// pattern must match the host exactly.
func (s *Sandbox) CheckNetworkAccess(url string) error {
	host := extractHost(url)
	for _, pattern := range s.allowedHosts {
		if hostMatches(host, pattern) {
			return nil
		}
	}
	return pluginhost.PermissionDeniedf("network access denied: %s", url)
}

func extractHost(url string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if idx := strings.Index(trimmed, ":"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}

func hostMatches(host, pattern string) bool {
	if strings.HasPrefix(pattern, "*.") {
		base := pattern[2:]
		return host == base || strings.HasSuffix(host, "."+base)
	}
	return host == pattern
}

// CheckMemoryLimit rejects usage beyond the sandbox's memory ceiling.
func (s *Sandbox) CheckMemoryLimit(bytes int64) error {
	if bytes > s.limits.MaxMemoryBytes {
		return pluginhost.ResourceLimitExceededf("memory limit exceeded: %d bytes (limit %d)", bytes, s.limits.MaxMemoryBytes)
	}
	return nil
}

// CheckCPUTime rejects elapsed time beyond the sandbox's CPU-time ceiling.
func (s *Sandbox) CheckCPUTime(elapsed time.Duration) error {
	if elapsed > s.limits.MaxCPUTime {
		return pluginhost.TimeoutErrorf("cpu time limit exceeded: %s (limit %s)", elapsed, s.limits.MaxCPUTime)
	}
	return nil
}

// Limits returns the sandbox's resource ceilings.
func (s *Sandbox) Limits() Limits { return s.limits }

// Permissions returns the sandbox's capability grants.
func (s *Sandbox) Permissions() []Permission { return s.permissions }
