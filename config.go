package kvengine

import (
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tailscale/hujson"
)

// Default values for every recognized Options field, per §6.
const (
	DefaultDBPath                     = "kv.db"
	DefaultIndexPath                  = "kv.index"
	DefaultFlushInterval              = 100 * time.Millisecond
	DefaultCompactInterval            = time.Hour
	DefaultCompactThreshold           = 0.5
	DefaultCheckpointInterval         = 10 * time.Minute
	DefaultCheckpointWALSizeThreshold = 5 * 1024 * 1024
)

// Options configures an Engine. The zero value is not directly usable;
// call NewOptions or pass Options through Open, which backfills unset
// paths, intervals, thresholds and the Observer with their defaults.
// SyncOnWrite, Preload, MaxMemoryKeys and DefaultTTL are taken as given,
// so a zero Options literal has Preload false.
type Options struct {
	DBPath    string
	IndexPath string
	WALPath   string // defaults to IndexPath + ".wal"

	// FlushInterval is the periodic deferred-flush cadence. Nil takes
	// the default; a pointer to 0 or less disables the periodic task.
	FlushInterval *time.Duration

	SyncOnWrite bool

	// DefaultTTL applies to writes that don't specify one. Nil means
	// no default TTL.
	DefaultTTL *time.Duration

	Preload bool

	// MaxMemoryKeys bounds the read cache. 0 means unbounded.
	MaxMemoryKeys int

	CompactInterval            time.Duration
	CompactThreshold           float64
	CheckpointInterval         time.Duration
	CheckpointWALSizeThreshold int64

	// Observer receives lifecycle events (§6). Defaults to a no-op.
	Observer Observer
}

// NewOptions returns Options populated with every default from §6.
// Preload defaults to true and MaxMemoryKeys to unbounded (0).
func NewOptions() *Options {
	flush := DefaultFlushInterval
	return &Options{
		DBPath:                     DefaultDBPath,
		IndexPath:                  DefaultIndexPath,
		FlushInterval:              &flush,
		Preload:                    true,
		MaxMemoryKeys:              0,
		CompactInterval:            DefaultCompactInterval,
		CompactThreshold:           DefaultCompactThreshold,
		CheckpointInterval:         DefaultCheckpointInterval,
		CheckpointWALSizeThreshold: DefaultCheckpointWALSizeThreshold,
	}
}

// withDefaults returns a copy of opts (or fresh defaults if opts is
// nil) with zero-valued paths, intervals, thresholds and Observer
// backfilled. SyncOnWrite, Preload, MaxMemoryKeys and DefaultTTL are
// left as given.
func (opts *Options) withDefaults() *Options {
	out := NewOptions()
	if opts == nil {
		return out
	}
	merged := *opts
	if merged.DBPath == "" {
		merged.DBPath = out.DBPath
	}
	if merged.IndexPath == "" {
		merged.IndexPath = out.IndexPath
	}
	if merged.FlushInterval == nil {
		// Caller left it entirely unset (as opposed to explicitly
		// disabling it) only when constructed via a zero Options
		// literal; NewOptions-based callers always carry a pointer.
		// We treat a nil here as "use the default", matching the
		// other zero-value fallbacks below — callers that want the
		// periodic flush disabled should set FlushInterval to a
		// pointer to 0.
		merged.FlushInterval = out.FlushInterval
	}
	if merged.CompactInterval == 0 {
		merged.CompactInterval = out.CompactInterval
	}
	if merged.CompactThreshold == 0 {
		merged.CompactThreshold = out.CompactThreshold
	}
	if merged.CheckpointInterval == 0 {
		merged.CheckpointInterval = out.CheckpointInterval
	}
	if merged.CheckpointWALSizeThreshold == 0 {
		merged.CheckpointWALSizeThreshold = out.CheckpointWALSizeThreshold
	}
	if merged.WALPath == "" {
		merged.WALPath = merged.IndexPath + ".wal"
	}
	if merged.Observer == nil {
		merged.Observer = noopObserver{}
	}
	return &merged
}

// configFile mirrors the on-disk config document's field names (§6)
// in milliseconds, the unit the spec's configuration keys are written
// in. It's parsed from hujson (JSON plus comments and trailing
// commas), the format calvinalkan-agent-task uses for its own on-disk
// config/ticket documents.
type configFile struct {
	DBPath                     string `json:"dbPath"`
	IndexPath                  string `json:"indexPath"`
	WALPath                    string `json:"walPath"`
	FlushIntervalMS            *int64 `json:"flushInterval"`
	SyncOnWrite                bool   `json:"syncOnWrite"`
	DefaultTTLMS               *int64 `json:"defaultTTL"`
	Preload                    *bool  `json:"preload"`
	MaxMemoryKeys              int    `json:"maxMemoryKeys"`
	CompactIntervalMS          int64  `json:"compactIntervalMS"`
	CompactThreshold           float64 `json:"compactThreshold"`
	CheckpointIntervalMS       int64  `json:"checkpointIntervalMS"`
	CheckpointWALSizeThreshold int64  `json:"checkpointWalSizeThreshold"`
}

// LoadOptionsFile reads a hujson config document (JSON with // and /*
// */ comments and trailing commas allowed) at path and returns the
// Options it describes, with every field not present in the file left
// for withDefaults to backfill. A missing file is not an error: it
// returns NewOptions() unchanged, so a fresh deployment can Open with
// no config file present at all.
func LoadOptionsFile(path string) (*Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewOptions(), nil
		}
		return nil, newIOError("read", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return nil, newConfigError("invalid config file %s: %v", path, err)
	}

	var cf configFile
	if err := json.Unmarshal(standardized, &cf); err != nil {
		return nil, newConfigError("invalid config file %s: %v", path, err)
	}

	opts := &Options{
		DBPath:                     cf.DBPath,
		IndexPath:                  cf.IndexPath,
		WALPath:                    cf.WALPath,
		SyncOnWrite:                cf.SyncOnWrite,
		MaxMemoryKeys:              cf.MaxMemoryKeys,
		CompactThreshold:           cf.CompactThreshold,
		CheckpointWALSizeThreshold: cf.CheckpointWALSizeThreshold,
	}
	if cf.FlushIntervalMS != nil {
		d := time.Duration(*cf.FlushIntervalMS) * time.Millisecond
		opts.FlushInterval = &d
	}
	if cf.DefaultTTLMS != nil {
		d := time.Duration(*cf.DefaultTTLMS) * time.Millisecond
		opts.DefaultTTL = &d
	}
	if cf.Preload != nil {
		opts.Preload = *cf.Preload
	} else {
		opts.Preload = true
	}
	if cf.CompactIntervalMS > 0 {
		opts.CompactInterval = time.Duration(cf.CompactIntervalMS) * time.Millisecond
	}
	if cf.CheckpointIntervalMS > 0 {
		opts.CheckpointInterval = time.Duration(cf.CheckpointIntervalMS) * time.Millisecond
	}
	return opts, nil
}
