package decay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertAndContains(t *testing.T) {
	s := New[string](1000)
	require.True(t, s.Insert("a", 0))
	require.False(t, s.Insert("a", 1)) // already present
	require.True(t, s.Contains("a"))
	require.Equal(t, 1, s.Size())
}

func TestDecayRemovesExpired(t *testing.T) {
	s := New[string](500)
	s.Insert("a", 0)
	s.Insert("b", 100)

	s.Decay(499)
	require.True(t, s.Contains("a"))
	require.True(t, s.Contains("b"))

	s.Decay(500)
	require.False(t, s.Contains("a"))
	require.True(t, s.Contains("b"))

	s.Decay(600)
	require.True(t, s.Empty())
}

func TestUpsertRefreshesTimestamp(t *testing.T) {
	s := New[string](100)
	s.Insert("a", 0)
	s.Upsert("a", 90)
	s.Decay(100) // would have expired if still at t=0
	require.True(t, s.Contains("a"))
	s.Decay(190)
	require.False(t, s.Contains("a"))
}

func TestAllowAsRateLimiter(t *testing.T) {
	edge := "router-1"
	limiter := New[string](500)

	require.True(t, limiter.Allow(edge, 0))
	require.False(t, limiter.Allow(edge, 100))

	limiter.Decay(500)
	require.True(t, limiter.Allow(edge, 500))
}

func TestRemove(t *testing.T) {
	s := New[int](1000)
	s.Insert(7, 0)
	s.Remove(7)
	require.False(t, s.Contains(7))
}
