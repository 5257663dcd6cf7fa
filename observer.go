package kvengine

import "log"

// Observer receives named lifecycle events from the Engine (§9's
// "observer pattern" design note — the Go analogue of a
// language-specific event emitter). Dispatch to interested listeners
// is entirely the Observer's problem; the Engine only calls Emit.
type Observer interface {
	Emit(event string, args ...interface{})
}

// Event names emitted by the Engine, per §6.
const (
	EventReady           = "ready"
	EventError           = "error"
	EventSet             = "set"
	EventGet             = "get"
	EventMiss            = "miss"
	EventDelete          = "delete"
	EventExpired         = "expired"
	EventDataFlush       = "data_flush"
	EventIndexWALFlush   = "index_wal_flush"
	EventCompactStart    = "compact_start"
	EventCompactEnd      = "compact_end"
	EventCheckpointStart = "checkpoint_start"
	EventCheckpointEnd   = "checkpoint_end"
	EventClear           = "clear"
	EventClosing         = "closing"
	EventClose           = "close"
	EventWarn            = "warn"
	EventLog             = "log"
	EventWALReplayed     = "wal_replayed"
)

// noopObserver discards every event; it's the default when Options
// doesn't supply one.
type noopObserver struct{}

func (noopObserver) Emit(string, ...interface{}) {}

// LogObserver forwards warn/log/error events to a standard library
// *log.Logger and discards the rest. It's the ambient default an
// embedding application can opt into, matching the teacher's own
// choice of plain stdlib logging (see DESIGN.md) rather than a
// structured logging framework.
type LogObserver struct {
	Logger *log.Logger
}

// NewLogObserver returns a LogObserver writing through logger, or the
// standard logger if logger is nil.
func NewLogObserver(logger *log.Logger) *LogObserver {
	if logger == nil {
		logger = log.Default()
	}
	return &LogObserver{Logger: logger}
}

func (o *LogObserver) Emit(event string, args ...interface{}) {
	switch event {
	case EventWarn:
		o.Logger.Println(append([]interface{}{"kvengine: warn:"}, args...)...)
	case EventLog:
		o.Logger.Println(append([]interface{}{"kvengine:"}, args...)...)
	case EventError:
		o.Logger.Println(append([]interface{}{"kvengine: error:"}, args...)...)
	}
}

// multiObserver fans out to several observers, the same shape as
// LeeNgari-RDBMS's multiHandler combinator for slog.Handler — kept
// here for an embedder that wants both a LogObserver and its own
// metrics/event sink.
type multiObserver struct {
	observers []Observer
}

// MultiObserver combines observers into one that forwards every event
// to each of them in order.
func MultiObserver(observers ...Observer) Observer {
	return &multiObserver{observers: observers}
}

func (m *multiObserver) Emit(event string, args ...interface{}) {
	for _, o := range m.observers {
		o.Emit(event, args...)
	}
}
