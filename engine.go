package kvengine

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type engineState int32

const (
	stateOpen engineState = iota
	stateCompacting
	stateClosing
	stateClosed
)

type ttlEntry struct {
	expiry int64
	timer  *time.Timer
}

// Engine orchestrates every other component: the in-memory store,
// LRU-bounded read cache, TTL timers, and the background flush,
// checkpoint, and compaction tasks (§4.5). A single mutex serializes
// the ordering-sensitive state (cache recency, the dirty-data set,
// TTL bookkeeping) the same way the teacher's Store.mu serializes file
// writes — the spec's "single cooperative thread" model, realized in
// Go as lock-around-shared-state rather than an actor loop.
type Engine struct {
	opts *Options
	obs  Observer

	dl *dataLog
	ix *index
	wc *walCheckpoint

	mu          sync.Mutex
	cache       *lruCache
	dirty       map[string]struct{}
	ttl         *xsync.Map // key -> ttlEntry
	writeCursor int64
	wastedSpace int64

	state engineState

	compacting int32 // guards Compact() reentrancy, separate from `state` so a background tick can check-and-skip without racing a manual call

	compactions        uint64
	lastCompactionTime time.Time

	reads, writes, deletes, hits, misses, diskReads uint64
	bytesWrittenToDataFile, bytesReadFromDataFile    uint64

	stopBackground chan struct{}
	bgWG           sync.WaitGroup
}

// Open creates or opens the store at the paths named in opts,
// replaying the WAL and base index file per the Recovery protocol
// (§4.4) before returning.
func Open(opts *Options) (*Engine, error) {
	o := opts.withDefaults()

	ix := newIndex()

	dl, err := openDataLog(o.DBPath)
	if err != nil {
		return nil, err
	}

	wc, err := openWALCheckpoint(o.WALPath, o.IndexPath, o.CheckpointWALSizeThreshold, ix, o.Observer)
	if err != nil {
		dl.close()
		return nil, err
	}

	e := &Engine{
		opts:           o,
		obs:            o.Observer,
		dl:             dl,
		ix:             ix,
		wc:             wc,
		cache:          newLRUCache(o.MaxMemoryKeys),
		dirty:          make(map[string]struct{}),
		ttl:            xsync.NewMap(),
		stopBackground: make(chan struct{}),
	}

	now := time.Now().UnixMilli()
	if _, err := wc.recover(now, e.scheduleTTL, e.cancelTTL); err != nil {
		dl.close()
		wc.close()
		return nil, err
	}

	size, err := dl.size()
	if err != nil {
		dl.close()
		wc.close()
		return nil, err
	}
	e.writeCursor = size

	if o.Preload {
		e.preload()
	}

	e.startBackgroundTasks()
	e.obs.Emit(EventReady)
	return e, nil
}

// preload loads every live value into the cache at startup, respecting
// MaxMemoryKeys (§6 `preload`).
func (e *Engine) preload() {
	e.ix.enumerate(func(key string, meta RecordMeta) bool {
		data, err := e.dl.readExact(meta.Offset, meta.Size)
		if err != nil {
			e.obs.Emit(EventError, err)
			return true
		}
		value, err := DecodeValue(data)
		if err != nil {
			e.obs.Emit(EventError, err)
			return true
		}
		e.mu.Lock()
		e.cache.put(key, value, e.isDirtyLocked)
		e.mu.Unlock()
		return true
	})
}

func (e *Engine) startBackgroundTasks() {
	if e.opts.FlushInterval != nil && *e.opts.FlushInterval > 0 {
		e.bgWG.Add(1)
		go e.runTicker(*e.opts.FlushInterval, func() {
			if err := e.Flush(false); err != nil {
				e.obs.Emit(EventWarn, "periodic flush failed: "+err.Error())
			}
		})
	}
	if e.opts.CheckpointInterval > 0 {
		e.bgWG.Add(1)
		go e.runTicker(e.opts.CheckpointInterval, func() {
			if err := e.Checkpoint(true); err != nil {
				e.obs.Emit(EventWarn, "periodic checkpoint failed: "+err.Error())
			}
		})
	}
	if e.opts.CompactInterval > 0 {
		e.bgWG.Add(1)
		go e.runTicker(e.opts.CompactInterval, e.maybeAutoCompact)
	}
}

func (e *Engine) runTicker(interval time.Duration, fn func()) {
	defer e.bgWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-e.stopBackground:
			return
		}
	}
}

func (e *Engine) maybeAutoCompact() {
	e.mu.Lock()
	wasted := e.wastedSpace
	e.mu.Unlock()
	size, err := e.dl.size()
	if err != nil || size == 0 {
		return
	}
	if float64(wasted)/float64(size) >= e.opts.CompactThreshold {
		if err := e.Compact(); err != nil && err != ErrCompacting {
			e.obs.Emit(EventWarn, "auto compaction failed: "+err.Error())
		}
	}
}

func (e *Engine) isDirtyLocked(key string) bool {
	_, ok := e.dirty[key]
	return ok
}

func (e *Engine) canWrite() bool {
	s := engineState(atomic.LoadInt32((*int32)(&e.state)))
	return s == stateOpen || s == stateCompacting
}

func (e *Engine) canRead() bool {
	return e.canWrite()
}

// Set stores value under key (§4.5 `set`). An explicit ttl overrides
// opts.DefaultTTL; a non-nil ttl <= 0 cancels any existing TTL without
// scheduling a new one.
func (e *Engine) Set(key string, value Value, ttl *time.Duration) error {
	if !e.canWrite() {
		return newLifecycleError("set rejected: engine is %v", e.stateLabel())
	}
	if key == "" {
		return newConfigError("key must not be empty")
	}

	effective := ttl
	if effective == nil {
		effective = e.opts.DefaultTTL
	}

	e.mu.Lock()
	e.cache.put(key, value, e.isDirtyLocked)
	e.dirty[key] = struct{}{}
	e.mu.Unlock()

	if effective != nil && *effective > 0 {
		expiry := time.Now().Add(*effective).UnixMilli()
		e.scheduleTTL(key, expiry)
	} else {
		e.cancelTTL(key)
	}

	atomic.AddUint64(&e.writes, 1)
	e.obs.Emit(EventSet, key, value)

	if e.opts.SyncOnWrite {
		return e.Flush(true)
	}
	return nil
}

// Get returns the current value for key, or ErrNotFound if it's
// absent, expired, or the engine is closing/closed (§4.5 `get`).
func (e *Engine) Get(key string) (Value, error) {
	atomic.AddUint64(&e.reads, 1)
	if !e.canRead() {
		return Value{}, ErrNotFound
	}

	e.mu.Lock()
	if v, ok := e.cache.get(key); ok {
		e.mu.Unlock()
		atomic.AddUint64(&e.hits, 1)
		e.obs.Emit(EventGet, key, v)
		return v, nil
	}
	e.mu.Unlock()

	meta, ok := e.ix.get(key)
	if !ok {
		atomic.AddUint64(&e.misses, 1)
		e.obs.Emit(EventMiss, key)
		return Value{}, ErrNotFound
	}

	data, err := e.dl.readExact(meta.Offset, meta.Size)
	if err != nil {
		e.obs.Emit(EventError, err)
		atomic.AddUint64(&e.misses, 1)
		return Value{}, ErrNotFound
	}
	value, err := DecodeValue(data)
	if err != nil {
		e.obs.Emit(EventError, err)
		atomic.AddUint64(&e.misses, 1)
		return Value{}, ErrNotFound
	}

	atomic.AddUint64(&e.diskReads, 1)
	atomic.AddUint64(&e.bytesReadFromDataFile, uint64(len(data)))

	e.mu.Lock()
	e.cache.put(key, value, e.isDirtyLocked)
	e.mu.Unlock()

	// Found, but not in the read cache: a cache miss served from disk,
	// not a hit, per §4.5's distinction between hits/misses/diskReads.
	atomic.AddUint64(&e.misses, 1)
	e.obs.Emit(EventGet, key, value)
	return value, nil
}

// Has reports whether key has a live, unexpired record, including one
// written by Set but not yet flushed to the Index (TTL expiry is
// enforced by the timer, so presence here implies non-expired (I6)).
func (e *Engine) Has(key string) bool {
	if !e.canRead() {
		return false
	}
	if _, ok := e.ix.get(key); ok {
		return true
	}
	e.mu.Lock()
	_, pending := e.dirty[key]
	e.mu.Unlock()
	return pending
}

// Delete removes key, reporting whether it was present.
func (e *Engine) Delete(key string) (bool, error) {
	if !e.canWrite() {
		return false, newLifecycleError("delete rejected: engine is %v", e.stateLabel())
	}

	meta, existedInIndex := e.ix.delete(key)
	if existedInIndex {
		e.mu.Lock()
		e.wastedSpace += meta.Size
		e.mu.Unlock()
	}

	e.mu.Lock()
	_, existedPending := e.dirty[key]
	e.cache.delete(key)
	delete(e.dirty, key)
	e.mu.Unlock()

	// A key Set but not yet flushed has no Index entry yet, but it's
	// still live per Has/Keys/Size's merged view — report it as
	// existing so Delete's return stays consistent with them.
	existed := existedInIndex || existedPending

	e.cancelTTL(key)
	e.wc.queueDelete(key)

	atomic.AddUint64(&e.deletes, 1)
	e.obs.Emit(EventDelete, key)

	if e.opts.SyncOnWrite {
		if _, err := e.wc.flush(true); err != nil {
			return existed, err
		}
	}
	return existed, nil
}

// liveKeySet returns every live key: everything in the Index, plus
// anything Set has written into the cache but flushData hasn't yet
// persisted into the Index (§3's dirty-data set). Without the latter,
// a key survives a Get (served from cache) but is invisible to
// Has/Keys/Size until the next flush — this merges the two so callers
// see a consistent view of what's "live" regardless of flush timing.
func (e *Engine) liveKeySet() map[string]struct{} {
	e.mu.Lock()
	pending := make([]string, 0, len(e.dirty))
	for k := range e.dirty {
		pending = append(pending, k)
	}
	e.mu.Unlock()

	out := make(map[string]struct{}, e.ix.size()+len(pending))
	e.ix.enumerate(func(key string, _ RecordMeta) bool {
		out[key] = struct{}{}
		return true
	})
	for _, k := range pending {
		out[k] = struct{}{}
	}
	return out
}

// Keys returns every live key, in no particular order.
func (e *Engine) Keys() []string {
	set := e.liveKeySet()
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// Size returns the number of live keys, including ones written by Set
// but not yet flushed to the Index.
func (e *Engine) Size() int { return len(e.liveKeySet()) }

// Clear empties the store: cache, Index, pending WAL entries, the
// dirty-data set, and every TTL timer, then truncates the Data Log and
// WAL and checkpoints an empty Index (§4.5 `clear`).
func (e *Engine) Clear() error {
	if !e.canWrite() {
		return newLifecycleError("clear rejected: engine is %v", e.stateLabel())
	}

	oldSize, _ := e.dl.size()

	e.mu.Lock()
	e.cache.clear()
	e.dirty = make(map[string]struct{})
	e.mu.Unlock()

	e.ttl.Range(func(key string, v interface{}) bool {
		v.(ttlEntry).timer.Stop()
		e.ttl.Delete(key)
		return true
	})

	e.ix.clear()
	if err := e.wc.truncateAll(); err != nil {
		return err
	}
	if err := e.dl.truncate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.writeCursor = 0
	e.wastedSpace = 0
	e.mu.Unlock()

	if err := e.wc.checkpoint(true, false); err != nil {
		return err
	}

	e.obs.Emit(EventClear, oldSize)
	return nil
}

// Flush runs the data-flush algorithm (§4.5) followed by a WAL flush,
// syncing both files when forceSync is set. With no writes pending
// since the last flush, it's a no-op — no file growth, no
// EventDataFlush with a positive count.
func (e *Engine) Flush(forceSync bool) error {
	if err := e.flushData(forceSync); err != nil {
		return err
	}
	if _, err := e.wc.flush(forceSync); err != nil {
		return err
	}
	return nil
}

// flushData implements §4.5's data-flush algorithm.
func (e *Engine) flushData(forceSync bool) error {
	e.mu.Lock()
	if len(e.dirty) == 0 {
		e.mu.Unlock()
		return nil
	}
	batch := e.dirty
	e.dirty = make(map[string]struct{})

	flushed := 0
	var anyWritten bool
	for key := range batch {
		value, ok := e.cache.peek(key)
		if !ok {
			continue
		}

		encoded, err := EncodeValue(value)
		if err != nil {
			e.dirty[key] = struct{}{}
			e.obs.Emit(EventError, err)
			continue
		}

		offset, err := e.dl.append(encoded, e.writeCursor)
		if err != nil {
			e.dirty[key] = struct{}{}
			e.obs.Emit(EventError, err)
			continue
		}
		e.writeCursor += int64(len(encoded))
		anyWritten = true
		atomic.AddUint64(&e.bytesWrittenToDataFile, uint64(len(encoded)))

		if oldMeta, had := e.ix.get(key); had {
			e.wastedSpace += oldMeta.Size
		}

		var expiry *int64
		if v, ok := e.ttl.Load(key); ok {
			exp := v.(ttlEntry).expiry
			expiry = &exp
		}

		newMeta := RecordMeta{Offset: offset, Size: int64(len(encoded)), Type: value.Kind, Expiry: expiry}
		e.ix.set(key, newMeta)
		e.wc.queueSet(key, newMeta)
		flushed++
	}
	e.mu.Unlock()

	if forceSync && anyWritten {
		if err := e.dl.fsync(); err != nil {
			return err
		}
	}
	if flushed > 0 {
		e.obs.Emit(EventDataFlush, flushed)
	}
	return nil
}

func (e *Engine) scheduleTTL(key string, expiryMS int64) {
	e.cancelTTL(key)
	delay := time.Until(time.UnixMilli(expiryMS))
	if delay < 0 {
		delay = 0
	}
	timer := time.AfterFunc(delay, func() { e.onTTLExpire(key, expiryMS) })
	e.ttl.Store(key, ttlEntry{expiry: expiryMS, timer: timer})
}

func (e *Engine) cancelTTL(key string) {
	if v, ok := e.ttl.LoadAndDelete(key); ok {
		v.(ttlEntry).timer.Stop()
	}
}

func (e *Engine) onTTLExpire(key string, expiryMS int64) {
	v, ok := e.ttl.Load(key)
	if !ok || v.(ttlEntry).expiry != expiryMS {
		return // superseded by a reschedule; ignore this stale firing
	}
	e.ttl.Delete(key)
	if !e.canWrite() {
		return
	}
	if _, err := e.Delete(key); err != nil {
		e.obs.Emit(EventWarn, "ttl expiry delete failed for "+key+": "+err.Error())
		return
	}
	e.obs.Emit(EventExpired, key)
}

// Checkpoint forces the checkpoint protocol to run now, ignoring the
// size/time triggers.
func (e *Engine) Checkpoint(forceSync bool) error {
	if !e.canWrite() {
		return newLifecycleError("checkpoint rejected: engine is %v", e.stateLabel())
	}
	return e.wc.checkpoint(forceSync, false)
}

// Compact rewrites the Data Log to eliminate dead space and forces a
// durable checkpoint (§4.5 `compact`).
func (e *Engine) Compact() error {
	if !e.canWrite() {
		return newLifecycleError("compact rejected: engine is %v", e.stateLabel())
	}
	if !atomic.CompareAndSwapInt32(&e.compacting, 0, 1) {
		return ErrCompacting
	}
	defer atomic.StoreInt32(&e.compacting, 0)

	prevState := engineState(atomic.SwapInt32((*int32)(&e.state), int32(stateCompacting)))
	// Only restore prevState if nothing else changed it while we were
	// compacting: a concurrent Close() may have already moved state to
	// stateClosing, and restoring prevState unconditionally would
	// clobber that transition back to Open.
	defer atomic.CompareAndSwapInt32((*int32)(&e.state), int32(stateCompacting), int32(prevState))

	e.obs.Emit(EventCompactStart)

	if err := e.Flush(true); err != nil {
		return err
	}

	tmpPath := e.opts.DBPath + ".compacting-" + uuid.NewString()
	tmpLog, err := openDataLog(tmpPath)
	if err != nil {
		return err
	}

	newEntries := make(map[string]RecordMeta)
	var newCursor int64
	var firstErr error

	e.ix.enumerate(func(key string, meta RecordMeta) bool {
		var value Value
		e.mu.Lock()
		cached, ok := e.cache.peek(key)
		e.mu.Unlock()
		if ok {
			value = cached
		} else {
			data, err := e.dl.readExact(meta.Offset, meta.Size)
			if err != nil {
				firstErr = err
				return false
			}
			v, err := DecodeValue(data)
			if err != nil {
				firstErr = err
				return false
			}
			value = v
		}

		encoded, err := EncodeValue(value)
		if err != nil {
			firstErr = err
			return false
		}
		offset, err := tmpLog.append(encoded, newCursor)
		if err != nil {
			firstErr = err
			return false
		}
		newCursor += int64(len(encoded))

		newMeta := meta
		newMeta.Offset = offset
		newMeta.Size = int64(len(encoded))
		newEntries[key] = newMeta
		return true
	})

	if firstErr != nil {
		tmpLog.close()
		os.Remove(tmpPath)
		return firstErr
	}
	if err := tmpLog.fsync(); err != nil {
		tmpLog.close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpLog.close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := e.dl.close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, e.opts.DBPath); err != nil {
		return newIOError("rename", tmpPath, err)
	}
	if err := e.dl.reopen(e.opts.DBPath); err != nil {
		return err
	}

	e.ix.replace(newEntries)
	e.mu.Lock()
	e.writeCursor = newCursor
	e.wastedSpace = 0
	e.mu.Unlock()

	if err := e.wc.checkpoint(true, false); err != nil {
		return err
	}

	atomic.AddUint64(&e.compactions, 1)
	e.mu.Lock()
	e.lastCompactionTime = time.Now()
	e.mu.Unlock()
	atomic.StoreUint64(&e.bytesWrittenToDataFile, uint64(newCursor))

	e.obs.Emit(EventCompactEnd, newCursor)
	return nil
}

func (e *Engine) stateLabel() string {
	switch engineState(atomic.LoadInt32((*int32)(&e.state))) {
	case stateOpen:
		return "open"
	case stateCompacting:
		return "compacting"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Stats returns a snapshot of every counter in §4.5.
func (e *Engine) Stats() Stats {
	dataFileSize, _ := e.dl.size()
	checkpoints, lastCheckpoint := e.wc.checkpointStatsSnapshot()
	var indexFileSize int64
	if st, err := os.Stat(e.opts.IndexPath); err == nil {
		indexFileSize = st.Size()
	}

	e.mu.Lock()
	wasted := e.wastedSpace
	pendingData := len(e.dirty)
	memKeys := e.cache.len()
	lastCompaction := e.lastCompactionTime
	e.mu.Unlock()

	return Stats{
		Reads:                  atomic.LoadUint64(&e.reads),
		Writes:                 atomic.LoadUint64(&e.writes),
		Deletes:                atomic.LoadUint64(&e.deletes),
		Hits:                   atomic.LoadUint64(&e.hits),
		Misses:                 atomic.LoadUint64(&e.misses),
		DiskReads:              atomic.LoadUint64(&e.diskReads),
		BytesWrittenToDataFile: atomic.LoadUint64(&e.bytesWrittenToDataFile),
		BytesReadFromDataFile:  atomic.LoadUint64(&e.bytesReadFromDataFile),
		BytesWrittenToWAL:      uint64(e.wc.sessionWALBytesWritten()),
		Compactions:            atomic.LoadUint64(&e.compactions),
		LastCompactionTime:     lastCompaction,
		WastedSpace:            wasted,
		IndexSizeBytes:         indexFileSize,
		WALSizeBytes:           e.wc.walSizeBytes(),
		Checkpoints:            checkpoints,
		LastCheckpointTime:     lastCheckpoint,
		ActiveKeys:             e.ix.size(),
		MemoryStoreKeys:        memKeys,
		PendingDataWrites:      pendingData,
		PendingIndexChanges:    e.wc.pendingLen(),
		DataFileSize:           dataFileSize,
	}
}

// Close stops every background task, cancels TTL timers, runs a final
// synchronous flush and checkpoint, and closes both files. Close is
// idempotent and terminal: once Closed, further operations are
// rejected (§4.5 `close`).
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32((*int32)(&e.state), int32(stateOpen), int32(stateClosing)) &&
		!atomic.CompareAndSwapInt32((*int32)(&e.state), int32(stateCompacting), int32(stateClosing)) {
		return nil // already closing or closed
	}

	e.obs.Emit(EventClosing)

	close(e.stopBackground)
	e.bgWG.Wait()

	e.ttl.Range(func(key string, v interface{}) bool {
		v.(ttlEntry).timer.Stop()
		e.ttl.Delete(key)
		return true
	})

	if err := e.flushData(true); err != nil {
		e.obs.Emit(EventWarn, "final data flush failed: "+err.Error())
	}
	if _, err := e.wc.flush(true); err != nil {
		e.obs.Emit(EventWarn, "final WAL flush failed: "+err.Error())
	}
	if err := e.wc.checkpoint(true, true); err != nil {
		e.obs.Emit(EventWarn, "final checkpoint failed: "+err.Error())
	}

	var firstErr error
	if err := e.dl.close(); err != nil {
		firstErr = err
	}
	if err := e.wc.close(); err != nil && firstErr == nil {
		firstErr = err
	}

	atomic.StoreInt32((*int32)(&e.state), int32(stateClosed))
	e.obs.Emit(EventClose)
	return firstErr
}
