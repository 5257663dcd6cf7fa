package kvengine

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	natomic "github.com/natefinch/atomic"
)

// walHeader identifies the WAL file format and version, the same
// guard the teacher's Store.Open uses (WalHeader in its own wal.go)
// before trusting an existing file.
const walHeader = "kvengine-wal/1\n"

type walOp byte

const (
	walOpSet    walOp = 1
	walOpDelete walOp = 2
)

// pendingChange is a queued, not-yet-flushed index mutation (§3's
// "pending-change set"). Only the most recent change per key survives
// until flush — last-writer-wins.
type pendingChange struct {
	op   walOp
	meta RecordMeta
}

// checkpointMeta is RecordMeta's textual (JSON) encoding, used both as
// the WAL SET entry's metadata payload and inside the base index
// document.
type checkpointMeta struct {
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	Type   Kind   `json:"type"`
	Expiry *int64 `json:"expiry,omitempty"`
}

func toCheckpointMeta(m RecordMeta) checkpointMeta {
	return checkpointMeta{Offset: m.Offset, Size: m.Size, Type: m.Type, Expiry: m.Expiry}
}

func fromCheckpointMeta(m checkpointMeta) RecordMeta {
	return RecordMeta{Offset: m.Offset, Size: m.Size, Type: m.Type, Expiry: m.Expiry}
}

type checkpointStats struct {
	LastCheckpointTime int64  `json:"lastCheckpointTime"`
	Checkpoints        uint64 `json:"checkpoints"`
}

// checkpointDoc is the base index file's on-disk shape (§4.4, §6).
type checkpointDoc struct {
	Index     map[string]checkpointMeta `json:"index"`
	Stats     checkpointStats           `json:"stats"`
	UpdatedAt int64                     `json:"updatedAt"`
}

// walCheckpoint owns the durable WAL file, the pending-change batch
// it flushes, and the base-index checkpoint file — §4.4 in full. It
// shares the Engine's *index, mutating it directly during recovery
// replay and during checkpoint's own bookkeeping reads.
type walCheckpoint struct {
	mu  sync.Mutex
	f   *os.File
	ix  *index
	obs Observer

	walPath   string
	indexPath string
	walSize   int64

	// sessionWALBytes is the "per-session WAL-bytes counter" of §4.4
	// step 6: bytes written to the WAL since the last checkpoint,
	// distinct from walSize (the current file size used for the
	// size-triggered-checkpoint threshold). Both are reset together at
	// checkpoint, but they answer different questions — walSize is
	// "how big is the file", sessionWALBytes is "how much has this
	// session written since it was last durably captured".
	sessionWALBytes int64

	pending map[string]pendingChange

	checkpointing  bool
	checkpoints    uint64
	lastCheckpoint time.Time

	walSizeThreshold int64
}

func openWALCheckpoint(walPath, indexPath string, walSizeThreshold int64, ix *index, obs Observer) (*walCheckpoint, error) {
	f, err := os.OpenFile(walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, newIOError("open", walPath, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newIOError("stat", walPath, err)
	}
	if stat.Size() == 0 {
		if _, err := f.Write([]byte(walHeader)); err != nil {
			f.Close()
			return nil, newIOError("write", walPath, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, newIOError("fsync", walPath, err)
		}
		stat, _ = f.Stat()
	} else {
		hdr := make([]byte, len(walHeader))
		if _, err := f.ReadAt(hdr, 0); err != nil {
			f.Close()
			return nil, newCorruptionError("WAL %s missing or truncated header", walPath)
		}
		if string(hdr) != walHeader {
			f.Close()
			return nil, newCorruptionError("WAL %s has an unrecognized header", walPath)
		}
	}

	return &walCheckpoint{
		f:                f,
		ix:               ix,
		obs:              obs,
		walPath:          walPath,
		indexPath:        indexPath,
		walSize:          stat.Size(),
		pending:          make(map[string]pendingChange),
		walSizeThreshold: walSizeThreshold,
	}, nil
}

func (c *walCheckpoint) queueSet(key string, meta RecordMeta) {
	c.mu.Lock()
	c.pending[key] = pendingChange{op: walOpSet, meta: meta}
	c.mu.Unlock()
}

func (c *walCheckpoint) queueDelete(key string) {
	c.mu.Lock()
	c.pending[key] = pendingChange{op: walOpDelete}
	c.mu.Unlock()
}

func (c *walCheckpoint) pendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *walCheckpoint) sessionWALBytesWritten() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionWALBytes
}

func (c *walCheckpoint) walSizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.walSize
}

func encodeWALEntry(key string, change pendingChange) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(change.op))

	keyBytes := []byte(key)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(keyBytes)))
	buf.Write(lenBuf[:])
	buf.Write(keyBytes)

	if change.op == walOpSet {
		metaBytes, err := json.Marshal(toCheckpointMeta(change.meta))
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(metaBytes)))
		buf.Write(lenBuf[:])
		buf.Write(metaBytes)
	}
	return buf.Bytes(), nil
}

// flush is the flushToWAL protocol (§4.4): swap the pending batch for
// an empty one, serialize it, append it, and size-trigger a
// checkpoint if the WAL has grown past its threshold.
func (c *walCheckpoint) flush(forceSync bool) (int, error) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return 0, nil
	}
	batch := c.pending
	c.pending = make(map[string]pendingChange)
	c.mu.Unlock()

	var buf bytes.Buffer
	for key, change := range batch {
		entry, err := encodeWALEntry(key, change)
		if err != nil {
			// Re-merge the whole batch; the caller can retry on the
			// next flush tick.
			c.remerge(batch)
			return 0, newSerializationError(key, err)
		}
		buf.Write(entry)
	}

	c.mu.Lock()
	n, err := c.f.Write(buf.Bytes())
	if err != nil {
		c.remergeLocked(batch)
		if stat, statErr := c.f.Stat(); statErr == nil {
			c.walSize = stat.Size()
		}
		c.mu.Unlock()
		return 0, newIOError("write", c.walPath, err)
	}
	c.walSize += int64(n)
	c.sessionWALBytes += int64(n)
	shouldCheckpoint := c.walSize >= c.walSizeThreshold
	c.mu.Unlock()

	if forceSync {
		if err := c.fsync(); err != nil {
			return len(batch), err
		}
	}

	c.obs.Emit(EventIndexWALFlush, len(batch))

	if shouldCheckpoint {
		if err := c.checkpoint(false, false); err != nil {
			c.obs.Emit(EventWarn, "auto checkpoint failed: "+err.Error())
		}
	}
	return len(batch), nil
}

func (c *walCheckpoint) remerge(batch map[string]pendingChange) {
	c.mu.Lock()
	c.remergeLocked(batch)
	c.mu.Unlock()
}

// remergeLocked re-inserts batch entries that weren't superseded by a
// newer write queued after the swap — last-writer-wins across the
// retry.
func (c *walCheckpoint) remergeLocked(batch map[string]pendingChange) {
	for k, v := range batch {
		if _, exists := c.pending[k]; !exists {
			c.pending[k] = v
		}
	}
}

func (c *walCheckpoint) fsync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.f.Sync(); err != nil {
		return newIOError("fsync", c.walPath, err)
	}
	return nil
}

// checkpoint is the performCheckpoint protocol (§4.4): flush any
// queued WAL entries, snapshot the Index into the base index document,
// commit it atomically, then truncate the WAL.
func (c *walCheckpoint) checkpoint(forceSync, duringClose bool) error {
	c.mu.Lock()
	if c.checkpointing && !duringClose {
		c.mu.Unlock()
		return nil
	}
	c.checkpointing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.checkpointing = false
		c.mu.Unlock()
	}()

	if !duringClose {
		if _, err := c.flush(false); err != nil {
			return err
		}
	}

	c.obs.Emit(EventCheckpointStart)

	snapshot := c.ix.snapshot()
	docIndex := make(map[string]checkpointMeta, len(snapshot))
	for k, v := range snapshot {
		docIndex[k] = toCheckpointMeta(v)
	}

	c.mu.Lock()
	nextCheckpoints := c.checkpoints + 1
	c.mu.Unlock()

	now := time.Now()
	doc := checkpointDoc{
		Index: docIndex,
		Stats: checkpointStats{
			LastCheckpointTime: now.UnixMilli(),
			Checkpoints:        nextCheckpoints,
		},
		UpdatedAt: now.UnixMilli(),
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return newSerializationError("", err)
	}

	// natefinch/atomic.WriteFile writes to a temp file in indexPath's
	// directory, fsyncs it, then renames over indexPath — the commit
	// point of the checkpoint (§4.4 step 5). On failure the prior
	// base index file is untouched and the WAL is left intact, so no
	// unpersisted change is lost.
	if err := natomic.WriteFile(c.indexPath, bytes.NewReader(data)); err != nil {
		return newIOError("checkpoint-write", c.indexPath, err)
	}

	c.mu.Lock()
	if err := c.f.Truncate(0); err != nil {
		c.mu.Unlock()
		return newIOError("truncate", c.walPath, err)
	}
	if _, err := c.f.Seek(0, io.SeekStart); err != nil {
		c.mu.Unlock()
		return newIOError("seek", c.walPath, err)
	}
	if _, err := c.f.Write([]byte(walHeader)); err != nil {
		c.mu.Unlock()
		return newIOError("write", c.walPath, err)
	}
	c.walSize = int64(len(walHeader))
	c.sessionWALBytes = 0
	if forceSync {
		if err := c.f.Sync(); err != nil {
			c.mu.Unlock()
			return newIOError("fsync", c.walPath, err)
		}
	}
	c.checkpoints = nextCheckpoints
	c.lastCheckpoint = now
	c.mu.Unlock()

	c.obs.Emit(EventCheckpointEnd, len(data))
	return nil
}

func (c *walCheckpoint) checkpointStatsSnapshot() (uint64, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoints, c.lastCheckpoint
}

// recover implements the Recovery protocol (§4.4): load the base
// index file if present, then replay the WAL from offset 0, applying
// SET/DELETE entries to ix. A truncated or malformed tail entry halts
// replay at the entry boundary rather than propagating an error.
func (c *walCheckpoint) recover(nowMS int64, scheduleTTL func(key string, expiryMS int64), cancelTTL func(key string)) (replayedOps int, err error) {
	if raw, readErr := os.ReadFile(c.indexPath); readErr == nil {
		var doc checkpointDoc
		if jsonErr := json.Unmarshal(raw, &doc); jsonErr != nil {
			c.obs.Emit(EventWarn, "base index file is unreadable, starting from an empty index: "+jsonErr.Error())
		} else {
			entries := make(map[string]RecordMeta, len(doc.Index))
			for k, v := range doc.Index {
				meta := fromCheckpointMeta(v)
				if meta.Expiry != nil {
					if *meta.Expiry <= nowMS {
						continue
					}
					scheduleTTL(k, *meta.Expiry)
				}
				entries[k] = meta
			}
			c.ix.replace(entries)
			c.checkpoints = doc.Stats.Checkpoints
			if doc.Stats.LastCheckpointTime > 0 {
				c.lastCheckpoint = time.UnixMilli(doc.Stats.LastCheckpointTime)
			}
		}
	} else if !os.IsNotExist(readErr) {
		return 0, newIOError("read", c.indexPath, readErr)
	}

	rf, err := os.Open(c.walPath)
	if err != nil {
		return 0, newIOError("open", c.walPath, err)
	}
	defer rf.Close()

	hdr := make([]byte, len(walHeader))
	if _, err := io.ReadFull(rf, hdr); err != nil {
		return 0, newCorruptionError("WAL %s missing header", c.walPath)
	}
	if string(hdr) != walHeader {
		return 0, newCorruptionError("WAL %s has an unrecognized header", c.walPath)
	}

replayLoop:
	for {
		opBuf := make([]byte, 1)
		if _, err := io.ReadFull(rf, opBuf); err != nil {
			break // clean EOF at an entry boundary
		}
		op := walOp(opBuf[0])

		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(rf, lenBuf); err != nil {
			c.obs.Emit(EventWarn, "truncated WAL entry (key length), stopping replay")
			break
		}
		keyLen := binary.LittleEndian.Uint32(lenBuf)
		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(rf, keyBytes); err != nil {
			c.obs.Emit(EventWarn, "truncated WAL entry (key), stopping replay")
			break
		}
		key := string(keyBytes)

		switch op {
		case walOpSet:
			if _, err := io.ReadFull(rf, lenBuf); err != nil {
				c.obs.Emit(EventWarn, "truncated WAL entry (meta length), stopping replay")
				break replayLoop
			}
			metaLen := binary.LittleEndian.Uint32(lenBuf)
			metaBytes := make([]byte, metaLen)
			if _, err := io.ReadFull(rf, metaBytes); err != nil {
				c.obs.Emit(EventWarn, "truncated WAL entry (meta), stopping replay")
				break replayLoop
			}
			var cm checkpointMeta
			if err := json.Unmarshal(metaBytes, &cm); err != nil {
				c.obs.Emit(EventWarn, "malformed WAL SET metadata, stopping replay: "+err.Error())
				break replayLoop
			}
			meta := fromCheckpointMeta(cm)
			if meta.Expiry != nil && *meta.Expiry <= nowMS {
				c.ix.delete(key)
				replayedOps++
				continue
			}
			if meta.Expiry != nil {
				scheduleTTL(key, *meta.Expiry)
			}
			c.ix.set(key, meta)
			replayedOps++
		case walOpDelete:
			c.ix.delete(key)
			cancelTTL(key)
			replayedOps++
		default:
			c.obs.Emit(EventWarn, "unknown WAL op, stopping replay")
			break replayLoop
		}
	}

	c.obs.Emit(EventWALReplayed, replayedOps, c.ix.size())
	return replayedOps, nil
}

func (c *walCheckpoint) truncateAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]pendingChange)
	if err := c.f.Truncate(0); err != nil {
		return newIOError("truncate", c.walPath, err)
	}
	if _, err := c.f.Seek(0, io.SeekStart); err != nil {
		return newIOError("seek", c.walPath, err)
	}
	if _, err := c.f.Write([]byte(walHeader)); err != nil {
		return newIOError("write", c.walPath, err)
	}
	c.walSize = int64(len(walHeader))
	c.sessionWALBytes = 0
	return nil
}

func (c *walCheckpoint) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}
