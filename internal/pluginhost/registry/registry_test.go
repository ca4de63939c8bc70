package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
	"github.com/tingreader/ting-plugins/internal/pluginhost/registry"
)

func meta(name, version string) pluginhost.Metadata {
	return pluginhost.Metadata{Name: name, Version: version, Kind: pluginhost.KindUtility, EntryPoint: "index.js"}
}

func metaWithDep(name, version, depName, depRange string) pluginhost.Metadata {
	m := meta(name, version)
	m.Dependencies = []pluginhost.PluginDependency{{Name: depName, VersionRequirement: depRange}}
	return m
}

func TestRegisterAndGet(t *testing.T) {
	r := registry.New()
	id, err := r.Register(meta("echo", "1.0.0"), nil)
	require.NoError(t, err)
	assert.Equal(t, "echo@1.0.0", id)

	entry, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, pluginhost.StateDiscovered, entry.State)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := registry.New()
	_, err := r.Register(meta("echo", "1.0.0"), nil)
	require.NoError(t, err)

	_, err = r.Register(meta("echo", "1.0.0"), nil)
	require.Error(t, err)
	e, ok := pluginhost.AsError(err)
	require.True(t, ok)
	assert.Equal(t, pluginhost.KindAlreadyRegistered, e.Kind)
}

func TestRegisterRejectsUnsatisfiableDependency(t *testing.T) {
	r := registry.New()
	_, err := r.Register(metaWithDep("scraper", "1.0.0", "core", "^2.0.0"), nil)
	require.Error(t, err)
	e, ok := pluginhost.AsError(err)
	require.True(t, ok)
	assert.Equal(t, pluginhost.KindDependency, e.Kind)
}

func TestRegisterRejectsDependencyNotYetLoaded(t *testing.T) {
	r := registry.New()
	depID, err := r.Register(meta("core", "1.0.0"), nil)
	require.NoError(t, err)
	require.NotEmpty(t, depID)
	// core stays in StateDiscovered: not IsAtLeastLoaded, so a plugin
	// depending on it must be rejected until core actually loads.
	_, err = r.Register(metaWithDep("scraper", "1.0.0", "core", "^1.0.0"), nil)
	require.Error(t, err)
}

func TestRegisterSucceedsOnceDependencyIsLoaded(t *testing.T) {
	r := registry.New()
	depID, err := r.Register(meta("core", "1.0.0"), nil)
	require.NoError(t, err)
	require.NoError(t, r.SetState(depID, pluginhost.StateLoading))
	require.NoError(t, r.SetState(depID, pluginhost.StateLoaded))

	id, err := r.Register(metaWithDep("scraper", "1.0.0", "core", "^1.0.0"), nil)
	require.NoError(t, err)
	assert.Equal(t, "scraper@1.0.0", id)
}

func TestRegisterAcceptsDependencyChainAcrossVersions(t *testing.T) {
	r := registry.New()
	aID, err := r.Register(meta("a", "1.0.0"), nil)
	require.NoError(t, err)
	require.NoError(t, r.SetState(aID, pluginhost.StateLoading))
	require.NoError(t, r.SetState(aID, pluginhost.StateLoaded))

	bID, err := r.Register(metaWithDep("b", "1.0.0", "a", "^1.0.0"), nil)
	require.NoError(t, err)
	require.NoError(t, r.SetState(bID, pluginhost.StateLoading))
	require.NoError(t, r.SetState(bID, pluginhost.StateLoaded))

	// b depends on a@1.0.0, and a new version of a depends on b. The chain
	// a@2.0.0 -> b@1.0.0 -> a@1.0.0 runs through two distinct ids of "a",
	// so the cycle check finds no cycle and registration succeeds.
	_, err = r.Register(metaWithDep("a", "2.0.0", "b", "^1.0.0"), nil)
	require.NoError(t, err) // a@2.0.0 -> b@1.0.0 -> a@1.0.0 is not a cycle (different ids)
}

func TestUnregisterRejectsWhileDependentsExist(t *testing.T) {
	r := registry.New()
	aID, err := r.Register(meta("a", "1.0.0"), nil)
	require.NoError(t, err)
	require.NoError(t, r.SetState(aID, pluginhost.StateLoading))
	require.NoError(t, r.SetState(aID, pluginhost.StateLoaded))

	_, err = r.Register(metaWithDep("b", "1.0.0", "a", "^1.0.0"), nil)
	require.NoError(t, err)

	err = r.Unregister(aID)
	require.Error(t, err)
	e, ok := pluginhost.AsError(err)
	require.True(t, ok)
	assert.Equal(t, pluginhost.KindDependency, e.Kind)
}

func TestUnregisterRemovesEntry(t *testing.T) {
	r := registry.New()
	id, err := r.Register(meta("echo", "1.0.0"), nil)
	require.NoError(t, err)

	require.NoError(t, r.Unregister(id))
	_, ok := r.Get(id)
	assert.False(t, ok)
}

func TestActiveCallsIncrementAndDecrement(t *testing.T) {
	r := registry.New()
	id, err := r.Register(meta("echo", "1.0.0"), nil)
	require.NoError(t, err)

	r.IncrementActiveCalls(id)
	r.IncrementActiveCalls(id)
	entry, _ := r.Get(id)
	assert.Equal(t, int64(2), entry.ActiveCalls)

	r.DecrementActiveCalls(id)
	entry, _ = r.Get(id)
	assert.Equal(t, int64(1), entry.ActiveCalls)
}

func TestDecrementActiveCallsNeverGoesNegative(t *testing.T) {
	r := registry.New()
	id, err := r.Register(meta("echo", "1.0.0"), nil)
	require.NoError(t, err)

	r.DecrementActiveCalls(id)
	entry, _ := r.Get(id)
	assert.Equal(t, int64(0), entry.ActiveCalls)
}

func TestFindBestMatchPicksHighestSatisfyingVersion(t *testing.T) {
	r := registry.New()
	_, err := r.Register(meta("core", "1.0.0"), nil)
	require.NoError(t, err)
	_, err = r.Register(meta("core", "1.2.0"), nil)
	require.NoError(t, err)
	_, err = r.Register(meta("core", "2.0.0"), nil)
	require.NoError(t, err)

	id, ok := r.FindBestMatch("core", "^1.0.0")
	require.True(t, ok)
	assert.Equal(t, "core@1.2.0", id)
}

func TestFindBestMatchNoMatch(t *testing.T) {
	r := registry.New()
	_, ok := r.FindBestMatch("core", "^1.0.0")
	assert.False(t, ok)
}

func TestSetStateUnknownIDReturnsNotFound(t *testing.T) {
	r := registry.New()
	err := r.SetState("missing@1.0.0", pluginhost.StateLoaded)
	require.Error(t, err)
	e, ok := pluginhost.AsError(err)
	require.True(t, ok)
	assert.Equal(t, pluginhost.KindNotFound, e.Kind)
}

func TestGetLoadOrderPutsDependenciesFirst(t *testing.T) {
	r := registry.New()
	aID, err := r.Register(meta("a", "1.0.0"), nil)
	require.NoError(t, err)
	require.NoError(t, r.SetState(aID, pluginhost.StateLoading))
	require.NoError(t, r.SetState(aID, pluginhost.StateLoaded))

	bID, err := r.Register(metaWithDep("b", "1.0.0", "a", "^1.0.0"), nil)
	require.NoError(t, err)

	order, err := r.GetLoadOrder([]string{bID})
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, aID, order[0], "a dependency must be ordered before its dependent")
	assert.Equal(t, bID, order[1])
}

func TestGetAllDependenciesAndDependentsClosures(t *testing.T) {
	r := registry.New()
	aID, err := r.Register(meta("a", "1.0.0"), nil)
	require.NoError(t, err)
	require.NoError(t, r.SetState(aID, pluginhost.StateLoading))
	require.NoError(t, r.SetState(aID, pluginhost.StateLoaded))

	bID, err := r.Register(metaWithDep("b", "1.0.0", "a", "^1.0.0"), nil)
	require.NoError(t, err)
	require.NoError(t, r.SetState(bID, pluginhost.StateLoading))
	require.NoError(t, r.SetState(bID, pluginhost.StateLoaded))

	cID, err := r.Register(metaWithDep("c", "1.0.0", "b", "^1.0.0"), nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{aID, bID}, r.GetAllDependencies(cID))
	assert.ElementsMatch(t, []string{bID, cID}, r.GetAllDependents(aID))
}

func TestValidateDependencyGraphOnHealthyGraph(t *testing.T) {
	r := registry.New()
	aID, err := r.Register(meta("a", "1.0.0"), nil)
	require.NoError(t, err)
	require.NoError(t, r.SetState(aID, pluginhost.StateLoading))
	require.NoError(t, r.SetState(aID, pluginhost.StateLoaded))
	_, err = r.Register(metaWithDep("b", "1.0.0", "a", "^1.0.0"), nil)
	require.NoError(t, err)

	require.NoError(t, r.ValidateDependencyGraph())
}
