package limiter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingreader/ting-plugins/internal/pluginhost/limiter"
)

func TestMemoryGrowingAcceptsWithinCeiling(t *testing.T) {
	l := limiter.New(1024)
	require.True(t, l.MemoryGrowing(0, 512))
	assert.Equal(t, int64(512), l.Used())
}

func TestMemoryGrowingRejectsBeyondCeiling(t *testing.T) {
	l := limiter.New(1024)
	require.True(t, l.MemoryGrowing(0, 800))
	require.False(t, l.MemoryGrowing(800, 2000))
	assert.Equal(t, int64(800), l.Used(), "a rejected growth must not be accounted")
}

func TestMemoryGrowingAccumulatesAcrossCalls(t *testing.T) {
	l := limiter.New(1024)
	require.True(t, l.MemoryGrowing(0, 400))
	require.True(t, l.MemoryGrowing(400, 900))
	require.False(t, l.MemoryGrowing(900, 2000))
	assert.Equal(t, int64(900), l.Used())
}

func TestTableGrowingAlwaysAccepts(t *testing.T) {
	l := limiter.New(0)
	require.True(t, l.TableGrowing(0, 1_000_000))
}

func TestMaxMemoryBytesReflectsConstruction(t *testing.T) {
	l := limiter.New(4096)
	assert.Equal(t, int64(4096), l.MaxMemoryBytes())
}
