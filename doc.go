// Package kvengine is an embedded, single-process persistent key-value
// store. Writes land in an append-only Data Log; a write-ahead log and
// periodic checkpoint keep an in-memory Index crash-safe; a bounded
// LRU cache serves hot reads without touching disk; and background
// compaction reclaims space left behind by overwritten or deleted
// keys.
//
// A typical caller opens an Engine, issues Set/Get/Delete/Has calls,
// and Closes it on shutdown:
//
//	e, err := kvengine.Open(kvengine.NewOptions())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer e.Close()
//
//	e.Set("user:42", kvengine.String("alice"), nil)
//	v, err := e.Get("user:42")
//
// AsyncEngine wraps an Engine with a single-worker dispatch queue for
// callers that prefer a non-blocking, future-based API; it adds no
// parallelism beyond that one worker.
package kvengine
