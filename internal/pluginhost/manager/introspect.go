package manager

import "github.com/tingreader/ting-plugins/internal/pluginhost"

// PluginInfo is the read-only snapshot of one registered plugin exposed
// to external introspection (the admin HTTP API, `tingd plugin list`).
// It joins fields the registry keeps separately (Metadata, State,
// ActiveCalls) that ListPlugins alone does not surface.
type PluginInfo struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Version     string              `json:"version"`
	Kind        pluginhost.PluginKind `json:"kind"`
	State       pluginhost.State    `json:"state"`
	ActiveCalls int64               `json:"active_calls"`
}

// Snapshot returns the introspection view of every registered plugin,
// sorted by id (the order of registry.List).
func (m *Manager) Snapshot() []PluginInfo {
	ids := m.registry.List()
	out := make([]PluginInfo, 0, len(ids))
	for _, id := range ids {
		entry, ok := m.registry.Get(id)
		if !ok {
			continue
		}
		out = append(out, PluginInfo{
			ID:          id,
			Name:        entry.Metadata.Name,
			Version:     entry.Metadata.Version,
			Kind:        entry.Metadata.Kind,
			State:       entry.State,
			ActiveCalls: entry.ActiveCalls,
		})
	}
	return out
}
