package kvengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempDataLog(t *testing.T) (*dataLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.log")
	dl, err := openDataLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { dl.close() })
	return dl, path
}

func TestDataLog_AppendAndReadExact(t *testing.T) {
	dl, _ := tempDataLog(t)

	off1, err := dl.append([]byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, int64(0), off1)

	off2, err := dl.append([]byte("world!"), 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), off2)

	got, err := dl.readExact(off1, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	got, err = dl.readExact(off2, 6)
	require.NoError(t, err)
	require.Equal(t, "world!", string(got))
}

func TestDataLog_ReadExact_ShortRead(t *testing.T) {
	dl, _ := tempDataLog(t)
	_, err := dl.append([]byte("ab"), 0)
	require.NoError(t, err)

	_, err = dl.readExact(0, 10)
	var corrupt *CorruptionError
	require.ErrorAs(t, err, &corrupt)
}

func TestDataLog_TruncateResetsSize(t *testing.T) {
	dl, _ := tempDataLog(t)
	_, err := dl.append([]byte("some bytes"), 0)
	require.NoError(t, err)

	require.NoError(t, dl.truncate())
	size, err := dl.size()
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestDataLog_ReopenSwapsHandle(t *testing.T) {
	dl, path := tempDataLog(t)
	_, err := dl.append([]byte("original"), 0)
	require.NoError(t, err)
	require.NoError(t, dl.fsync())

	renamed := path + ".swap"
	require.NoError(t, os.Rename(path, renamed))
	require.NoError(t, os.WriteFile(path, []byte("replacement"), 0644))

	require.NoError(t, dl.reopen(path))
	got, err := dl.readExact(0, int64(len("replacement")))
	require.NoError(t, err)
	require.Equal(t, "replacement", string(got))
}
