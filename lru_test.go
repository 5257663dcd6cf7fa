package kvengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRUCache_GetPromotesRecency(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", String("a"), nil)
	c.put("b", String("b"), nil)

	_, ok := c.get("a") // touch a, making b the LRU entry
	require.True(t, ok)

	evictedKey, evicted := c.put("c", String("c"), nil)
	require.True(t, evicted)
	require.Equal(t, "b", evictedKey)
	require.True(t, c.has("a"))
	require.True(t, c.has("c"))
	require.False(t, c.has("b"))
}

func TestLRUCache_ProtectedKeysSurviveEviction(t *testing.T) {
	c := newLRUCache(1)
	c.put("dirty", String("v1"), nil)

	protected := func(key string) bool { return key == "dirty" }
	_, evicted := c.put("other", String("v2"), protected)

	require.False(t, evicted, "a protected key must never be evicted")
	require.True(t, c.has("dirty"))
	require.True(t, c.has("other"))
	require.Equal(t, 2, c.len(), "cache may exceed capacity rather than drop a dirty key")
}

func TestLRUCache_UnboundedCapacity(t *testing.T) {
	c := newLRUCache(0)
	for i := 0; i < 100; i++ {
		_, evicted := c.put(string(rune('a'+i%26))+string(rune(i)), Number(float64(i)), nil)
		require.False(t, evicted)
	}
	require.Equal(t, 100, c.len())
}

func TestLRUCache_DeleteAndClear(t *testing.T) {
	c := newLRUCache(0)
	c.put("a", String("1"), nil)
	c.put("b", String("2"), nil)

	require.True(t, c.delete("a"))
	require.False(t, c.delete("a"))
	require.Equal(t, 1, c.len())

	c.clear()
	require.Equal(t, 0, c.len())
	require.False(t, c.has("b"))
}

func TestLRUCache_PeekDoesNotAffectRecency(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", String("a"), nil)
	c.put("b", String("b"), nil)

	_, ok := c.peek("a")
	require.True(t, ok)

	evictedKey, evicted := c.put("c", String("c"), nil)
	require.True(t, evicted)
	require.Equal(t, "a", evictedKey, "peek must not promote recency the way get does")
}
