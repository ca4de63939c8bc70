// Package registry implements the plugin registry: entries keyed by
// "name@version", a dependency DAG with reverse-index consistency, and
// semver-range dependency resolution (P7) via a real range evaluator.
package registry

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
)

// Entry is a registered plugin: its metadata, the adapter instance the
// Manager installed for it (opaque to the registry), and its lifecycle
// state and active-call counter.
type Entry struct {
	Metadata  pluginhost.Metadata
	Adapter   any
	State     pluginhost.State
	ActiveCalls int64
}

// Registry holds the forward dependency edges (dependencies[y] contains x
// iff y depends on x) and the reverse index (dependents[x] contains y iff
// dependencies[y] contains x), kept consistent on every mutation (I4).
type Registry struct {
	mu           sync.RWMutex
	entries      map[string]*Entry
	byName       map[string][]string // name -> ids, for find_best_match
	dependencies map[string][]string // id -> ids it depends on
	dependents   map[string][]string // id -> ids that depend on it
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries:      make(map[string]*Entry),
		byName:       make(map[string][]string),
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
	}
}

// Register adds a new entry, verifying every declared dependency resolves
// to a registered version satisfying its semver range, then runs a cycle
// check (I3) and unwinds on failure.
func (r *Registry) Register(meta pluginhost.Metadata, adapter any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := meta.Identity().String()
	if _, exists := r.entries[id]; exists {
		return "", pluginhost.AlreadyRegisteredf("plugin %s already registered", id)
	}

	var depIDs []string
	for _, dep := range meta.Dependencies {
		depID, ok := r.findBestMatchLocked(dep.Name, dep.VersionRequirement)
		if !ok {
			return "", pluginhost.DependencyErrorf("no registered version of %s satisfies %s", dep.Name, dep.VersionRequirement)
		}
		if !pluginhost.IsAtLeastLoaded(r.entries[depID].State) {
			return "", pluginhost.DependencyErrorf("dependency %s is not yet loaded (state=%s)", depID, r.entries[depID].State)
		}
		depIDs = append(depIDs, depID)
	}

	r.entries[id] = &Entry{Metadata: meta, Adapter: adapter, State: pluginhost.StateDiscovered}
	r.byName[meta.Name] = append(r.byName[meta.Name], id)
	r.dependencies[id] = depIDs
	for _, depID := range depIDs {
		r.dependents[depID] = append(r.dependents[depID], id)
	}

	if r.hasCycleLocked(id) {
		// Unwind: remove everything we just added.
		delete(r.entries, id)
		r.byName[meta.Name] = removeString(r.byName[meta.Name], id)
		delete(r.dependencies, id)
		for _, depID := range depIDs {
			r.dependents[depID] = removeString(r.dependents[depID], id)
		}
		return "", pluginhost.DependencyErrorf("registering %s would create a dependency cycle", id)
	}

	return id, nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Unregister removes id, rejecting the operation if any other entry
// depends on it.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists {
		return pluginhost.NotFoundf("plugin %s not registered", id)
	}
	if len(r.dependents[id]) > 0 {
		return pluginhost.DependencyErrorf("cannot unregister %s: %d plugins depend on it", id, len(r.dependents[id]))
	}

	for _, depID := range r.dependencies[id] {
		r.dependents[depID] = removeString(r.dependents[depID], id)
	}
	delete(r.dependencies, id)
	delete(r.dependents, id)
	delete(r.entries, id)
	r.byName[entry.Metadata.Name] = removeString(r.byName[entry.Metadata.Name], id)

	return nil
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// SetState transitions id's state. It does not consult
// pluginhost.CanTransition: the registry records whatever state it is
// given under its writer lock.
func (r *Registry) SetState(id string, state pluginhost.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return pluginhost.NotFoundf("plugin %s not registered", id)
	}
	e.State = state
	return nil
}

// IncrementActiveCalls/DecrementActiveCalls maintain the per-entry active
// call counter used by unload policy and invariant I2.
func (r *Registry) IncrementActiveCalls(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.ActiveCalls++
	}
}

func (r *Registry) DecrementActiveCalls(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && e.ActiveCalls > 0 {
		e.ActiveCalls--
	}
}

// FindBestMatch returns the id of the highest registered version under
// name satisfying requirement, or false if none does (including when
// requirement fails to parse; the parse error is not reported).
func (r *Registry) FindBestMatch(name, requirement string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findBestMatchLocked(name, requirement)
}

func (r *Registry) findBestMatchLocked(name, requirement string) (string, bool) {
	constraint, err := semver.NewConstraint(requirement)
	if err != nil {
		return "", false
	}

	var bestID string
	var best *semver.Version
	for _, id := range r.byName[name] {
		entry, ok := r.entries[id]
		if !ok {
			continue
		}
		v, err := semver.NewVersion(entry.Metadata.Version)
		if err != nil {
			continue
		}
		if !constraint.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestID = id
		}
	}
	if best == nil {
		return "", false
	}
	return bestID, true
}

// hasCycleLocked runs a DFS cycle check starting from id over the forward
// dependency edges. Must be called with r.mu held.
func (r *Registry) hasCycleLocked(id string) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)

	var visit func(string) bool
	visit = func(node string) bool {
		color[node] = gray
		for _, dep := range r.dependencies[node] {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	return visit(id)
}

// GetLoadOrder returns a topological order over the subgraph reachable
// from ids through forward (dependency) edges, dependencies first (P6).
// A cycle here is a hard error — it should be impossible given the
// register-time check, and surfacing it as such makes that assumption
// visible rather than silently producing a wrong order.
func (r *Registry) GetLoadOrder(ids []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var order []string

	var visit func(string) error
	visit = func(node string) error {
		if visited[node] {
			return nil
		}
		if onStack[node] {
			return pluginhost.DependencyErrorf("cycle detected at %s during load-order computation", node)
		}
		onStack[node] = true
		deps := append([]string(nil), r.dependencies[node]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		onStack[node] = false
		visited[node] = true
		order = append(order, node)
		return nil
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for _, id := range sorted {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// GetAllDependencies returns the transitive closure of id's dependencies.
func (r *Registry) GetAllDependencies(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closure(id, r.dependencies)
}

// GetAllDependents returns the transitive closure of id's dependents.
func (r *Registry) GetAllDependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closure(id, r.dependents)
}

func (r *Registry) closure(id string, edges map[string][]string) []string {
	visited := make(map[string]bool)
	var result []string

	var visit func(string)
	visit = func(node string) {
		for _, next := range edges[node] {
			if !visited[next] {
				visited[next] = true
				result = append(result, next)
				visit(next)
			}
		}
	}
	visit(id)
	return result
}

// ValidateDependencyGraph is an invariant-check pass used by tests and
// consistency probes: the graph must be acyclic (I3) and the reverse
// index must be consistent with the forward edges (I4).
func (r *Registry) ValidateDependencyGraph() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id := range r.entries {
		if r.hasCycleLocked(id) {
			return pluginhost.DependencyErrorf("dependency graph contains a cycle reachable from %s", id)
		}
	}

	for y, deps := range r.dependencies {
		for _, x := range deps {
			if !containsString(r.dependents[x], y) {
				return pluginhost.DependencyErrorf("reverse index inconsistent: dependents[%s] missing %s", x, y)
			}
		}
	}
	for x, deps := range r.dependents {
		for _, y := range deps {
			if !containsString(r.dependencies[y], x) {
				return pluginhost.DependencyErrorf("reverse index inconsistent: dependencies[%s] missing %s", y, x)
			}
		}
	}

	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// List returns all registered entry ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
