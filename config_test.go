package kvengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOptionsFile_MissingFileReturnsDefaults(t *testing.T) {
	opts, err := LoadOptionsFile(filepath.Join(t.TempDir(), "missing.jsonc"))
	require.NoError(t, err)
	require.Equal(t, DefaultDBPath, opts.DBPath)
}

func TestLoadOptionsFile_ParsesHujsonWithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.config.jsonc")
	doc := `{
		// trailing commas and comments are both fine
		"dbPath": "custom.db",
		"indexPath": "custom.index",
		"flushInterval": 250,
		"syncOnWrite": true,
		"maxMemoryKeys": 1000,
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	opts, err := LoadOptionsFile(path)
	require.NoError(t, err)
	require.Equal(t, "custom.db", opts.DBPath)
	require.Equal(t, "custom.index", opts.IndexPath)
	require.Equal(t, true, opts.SyncOnWrite)
	require.Equal(t, 1000, opts.MaxMemoryKeys)
	require.NotNil(t, opts.FlushInterval)
	require.Equal(t, 250*time.Millisecond, *opts.FlushInterval)
}

func TestLoadOptionsFile_InvalidJSONReturnsConfigurationError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{ not json `), 0644))

	_, err := LoadOptionsFile(path)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestOptions_WithDefaultsBackfillsZeroFields(t *testing.T) {
	opts := &Options{DBPath: "only-this.db"}
	merged := opts.withDefaults()
	require.Equal(t, "only-this.db", merged.DBPath)
	require.Equal(t, DefaultIndexPath, merged.IndexPath)
	require.Equal(t, DefaultIndexPath+".wal", merged.WALPath)
	require.NotNil(t, merged.Observer)
}
