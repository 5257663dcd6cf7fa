package kvengine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T) *Options {
	t.Helper()
	dir := t.TempDir()
	opts := NewOptions()
	opts.DBPath = filepath.Join(dir, "kv.db")
	opts.IndexPath = filepath.Join(dir, "kv.index")
	opts.WALPath = filepath.Join(dir, "kv.wal")
	opts.Preload = false
	noInterval := time.Duration(0)
	opts.FlushInterval = &noInterval // deterministic tests drive flushes manually
	opts.CompactInterval = time.Hour
	opts.CheckpointInterval = time.Hour
	return opts
}

func TestEngine_SetGetDelete(t *testing.T) {
	e, err := Open(testOptions(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Set("k1", String("hello"), nil))
	v, err := e.Get("k1")
	require.NoError(t, err)
	require.Equal(t, "hello", v.Str)

	require.True(t, e.Has("k1"))

	existed, err := e.Delete("k1")
	require.NoError(t, err)
	require.True(t, existed)

	_, err = e.Get("k1")
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, e.Has("k1"))
}

func TestEngine_SetRejectsEmptyKey(t *testing.T) {
	e, err := Open(testOptions(t))
	require.NoError(t, err)
	defer e.Close()

	err = e.Set("", String("x"), nil)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestEngine_FlushIsDurableAcrossReopen(t *testing.T) {
	opts := testOptions(t)

	e, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, e.Set("persisted", Number(42), nil))
	require.NoError(t, e.Flush(true))
	require.NoError(t, e.Close())

	e2, err := Open(opts)
	require.NoError(t, err)
	defer e2.Close()

	v, err := e2.Get("persisted")
	require.NoError(t, err)
	require.Equal(t, float64(42), v.Num)
}

func TestEngine_FlushIsIdempotent(t *testing.T) {
	e, err := Open(testOptions(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Set("k", String("v"), nil))
	require.NoError(t, e.Flush(true))

	sizeBefore, err := e.dl.size()
	require.NoError(t, err)

	require.NoError(t, e.Flush(true)) // no new writes since the last flush

	sizeAfter, err := e.dl.size()
	require.NoError(t, err)
	require.Equal(t, sizeBefore, sizeAfter)
}

func TestEngine_TTLExpiresKey(t *testing.T) {
	e, err := Open(testOptions(t))
	require.NoError(t, err)
	defer e.Close()

	ttl := 20 * time.Millisecond
	require.NoError(t, e.Set("temp", String("soon gone"), &ttl))
	require.True(t, e.Has("temp"))

	require.Eventually(t, func() bool {
		return !e.Has("temp")
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_SetWithZeroTTLCancelsExisting(t *testing.T) {
	e, err := Open(testOptions(t))
	require.NoError(t, err)
	defer e.Close()

	ttl := time.Hour
	require.NoError(t, e.Set("k", String("v1"), &ttl))
	_, ok := e.ttl.Load("k")
	require.True(t, ok)

	zero := time.Duration(0)
	require.NoError(t, e.Set("k", String("v2"), &zero))
	_, ok = e.ttl.Load("k")
	require.False(t, ok)
}

func TestEngine_ClearEmptiesStore(t *testing.T) {
	e, err := Open(testOptions(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Set("a", String("1"), nil))
	require.NoError(t, e.Set("b", String("2"), nil))
	require.NoError(t, e.Flush(true))

	require.NoError(t, e.Clear())
	require.Equal(t, 0, e.Size())
	require.False(t, e.Has("a"))
}

func TestEngine_CompactZeroesWastedSpace(t *testing.T) {
	e, err := Open(testOptions(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Set("k", String("version-1"), nil))
	require.NoError(t, e.Flush(true))
	require.NoError(t, e.Set("k", String("version-2-longer-value"), nil))
	require.NoError(t, e.Flush(true))

	stats := e.Stats()
	require.Greater(t, stats.WastedSpace, int64(0))

	require.NoError(t, e.Compact())

	stats = e.Stats()
	require.Zero(t, stats.WastedSpace)

	v, err := e.Get("k")
	require.NoError(t, err)
	require.Equal(t, "version-2-longer-value", v.Str)
}

func TestEngine_CompactPreservesDataAcrossReopen(t *testing.T) {
	opts := testOptions(t)

	e, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, e.Set("a", String("1"), nil))
	require.NoError(t, e.Set("b", String("2"), nil))
	require.NoError(t, e.Flush(true))
	require.NoError(t, e.Compact())
	require.NoError(t, e.Close())

	e2, err := Open(opts)
	require.NoError(t, err)
	defer e2.Close()

	v, err := e2.Get("a")
	require.NoError(t, err)
	require.Equal(t, "1", v.Str)
	v, err = e2.Get("b")
	require.NoError(t, err)
	require.Equal(t, "2", v.Str)
}

func TestEngine_OperationsRejectedAfterClose(t *testing.T) {
	e, err := Open(testOptions(t))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	err = e.Set("k", String("v"), nil)
	var lifecycle *LifecycleError
	require.ErrorAs(t, err, &lifecycle)

	_, err = e.Get("k")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.Close(), "Close must be idempotent")
}

func TestEngine_KeysAndSize(t *testing.T) {
	e, err := Open(testOptions(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Set("a", String("1"), nil))
	require.NoError(t, e.Set("b", String("2"), nil))
	require.Equal(t, 2, e.Size())
	require.ElementsMatch(t, []string{"a", "b"}, e.Keys())
}

func TestEngine_HasReflectsUnflushedWrites(t *testing.T) {
	e, err := Open(testOptions(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Set("a", String("1"), nil))
	require.True(t, e.Has("a"), "a write not yet flushed to the Index must still count as live")

	existed, err := e.Delete("a")
	require.NoError(t, err)
	require.True(t, existed)
	require.False(t, e.Has("a"))
}

func TestEngine_MaxMemoryKeysEviction(t *testing.T) {
	opts := testOptions(t)
	opts.MaxMemoryKeys = 1

	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Set("a", String("1"), nil))
	require.NoError(t, e.Flush(true))
	require.NoError(t, e.Set("b", String("2"), nil))
	require.NoError(t, e.Flush(true))

	require.Equal(t, 1, e.cache.len())
	// "a" was flushed and evicted from the cache, but it's still a
	// live key served from the Data Log.
	v, err := e.Get("a")
	require.NoError(t, err)
	require.Equal(t, "1", v.Str)
}
