package kvengine

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// RecordMeta is the Index value for a key: where its live record lives
// in the Data Log, and its optional TTL expiry (§3).
type RecordMeta struct {
	Offset int64
	Size   int64
	Type   Kind
	// Expiry is an absolute millisecond timestamp, or nil when the key
	// carries no TTL.
	Expiry *int64
}

// index is the in-memory key -> RecordMeta mapping (§4.3). It has no
// persistence duties of its own — the WAL and checkpoint own that —
// and exists purely for fast concurrent lookup, the same division of
// labor the teacher draws between its xsync-backed maps and the WAL
// Store that durably backs them.
type index struct {
	m *xsync.Map
}

func newIndex() *index {
	return &index{m: xsync.NewMap()}
}

func (ix *index) get(key string) (RecordMeta, bool) {
	v, ok := ix.m.Load(key)
	if !ok {
		return RecordMeta{}, false
	}
	return v.(RecordMeta), true
}

func (ix *index) set(key string, meta RecordMeta) {
	ix.m.Store(key, meta)
}

func (ix *index) delete(key string) (RecordMeta, bool) {
	v, ok := ix.m.LoadAndDelete(key)
	if !ok {
		return RecordMeta{}, false
	}
	return v.(RecordMeta), true
}

func (ix *index) size() int {
	return ix.m.Size()
}

// enumerate calls fn for every key/meta pair. fn returning false stops
// iteration early.
func (ix *index) enumerate(fn func(key string, meta RecordMeta) bool) {
	ix.m.Range(func(key string, v interface{}) bool {
		return fn(key, v.(RecordMeta))
	})
}

// clear empties the index, used by Engine.Clear.
func (ix *index) clear() {
	ix.m.Range(func(key string, _ interface{}) bool {
		ix.m.Delete(key)
		return true
	})
}

// snapshot copies the whole index into a plain map, the shape the
// checkpoint document (§4.4) and compaction rebuild need.
func (ix *index) snapshot() map[string]RecordMeta {
	out := make(map[string]RecordMeta, ix.size())
	ix.enumerate(func(key string, meta RecordMeta) bool {
		out[key] = meta
		return true
	})
	return out
}

// replace swaps the whole backing map in one shot — used after
// compaction rebuilds the index with new offsets, and after a
// checkpoint/WAL replay reconstructs it from disk.
func (ix *index) replace(entries map[string]RecordMeta) {
	fresh := xsync.NewMap()
	for k, v := range entries {
		fresh.Store(k, v)
	}
	ix.m = fresh
}
