package kvengine

import (
	"os"
	"sync"
)

// dataLog is the append-only file backing every stored value. Offsets
// are caller-supplied (the Engine owns the write cursor); dataLog only
// performs the raw file operations in §4.2.
type dataLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func openDataLog(path string) (*dataLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, newIOError("open", path, err)
	}
	return &dataLog{f: f, path: path}, nil
}

// size returns the current file length, used at open time to seed the
// Engine's write cursor.
func (d *dataLog) size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stat, err := d.f.Stat()
	if err != nil {
		return 0, newIOError("stat", d.path, err)
	}
	return stat.Size(), nil
}

// append writes bytes at the caller-supplied absolute offset. The
// caller (Engine) guarantees offset is never inside a live record.
func (d *dataLog) append(data []byte, offset int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.WriteAt(data, offset); err != nil {
		return 0, newIOError("write", d.path, err)
	}
	return offset, nil
}

// readExact reads exactly size bytes at offset, failing with a
// CorruptionError on a short read (truncated or foreshortened file).
func (d *dataLog) readExact(offset int64, size int64) ([]byte, error) {
	buf := make([]byte, size)
	d.mu.Lock()
	n, err := d.f.ReadAt(buf, offset)
	d.mu.Unlock()
	if err != nil && int64(n) != size {
		return nil, newCorruptionError("short read at offset %d: wanted %d bytes, got %d (%v)", offset, size, n, err)
	}
	return buf, nil
}

// fsync forces durable persistence of all writes issued so far.
func (d *dataLog) fsync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Sync(); err != nil {
		return newIOError("fsync", d.path, err)
	}
	return nil
}

// truncate empties the file; used only by clear().
func (d *dataLog) truncate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Truncate(0); err != nil {
		return newIOError("truncate", d.path, err)
	}
	if _, err := d.f.Seek(0, 0); err != nil {
		return newIOError("seek", d.path, err)
	}
	return nil
}

// reopen swaps the underlying file descriptor, used after compaction's
// atomic rename has replaced the file on disk out from under the old
// handle.
func (d *dataLog) reopen(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return newIOError("reopen", path, err)
	}
	d.mu.Lock()
	old := d.f
	d.f = f
	d.path = path
	d.mu.Unlock()
	return old.Close()
}

func (d *dataLog) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
