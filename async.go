package kvengine

import (
	"context"
	"sync"
	"time"
)

// Future is the result of a call dispatched through AsyncEngine. It
// adds no parallelism of its own — it is satisfied by the same single
// background worker goroutine that runs every other dispatched call,
// in submission order.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(val T, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

// Wait blocks until the underlying call has run and returns its
// result.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.val, f.err
}

// WaitContext is Wait with an early-exit path; a cancellation does not
// stop the dispatched call itself, which still runs to completion on
// the worker goroutine.
func (f *Future[T]) WaitContext(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AsyncEngine is the asynchronous façade described in §9's design
// notes: a thin layer over Engine that defers every call onto a single
// worker goroutine ("the next cooperative suspension point") and
// returns a Future immediately. Every dispatched call runs strictly
// after the ones submitted before it — the façade introduces no
// concurrency beyond the one worker, matching the engine's
// single-threaded cooperative scheduling model even though the
// underlying Engine itself is safe to call from any goroutine.
type AsyncEngine struct {
	e     *Engine
	tasks chan func()
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewAsyncEngine wraps e and starts its single dispatch worker. The
// queue depth bounds how many submitted calls may be pending before a
// caller's post blocks; a queueDepth of 0 or less uses a reasonable
// default.
func NewAsyncEngine(e *Engine, queueDepth int) *AsyncEngine {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	a := &AsyncEngine{
		e:     e,
		tasks: make(chan func(), queueDepth),
		stop:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *AsyncEngine) run() {
	defer a.wg.Done()
	for {
		select {
		case fn := <-a.tasks:
			fn()
		case <-a.stop:
			a.drain()
			return
		}
	}
}

// drain runs every call already queued before stop, so a Close waiting
// on the worker doesn't strand a caller's Future forever.
func (a *AsyncEngine) drain() {
	for {
		select {
		case fn := <-a.tasks:
			fn()
		default:
			return
		}
	}
}

func (a *AsyncEngine) post(fn func()) {
	select {
	case a.tasks <- fn:
	case <-a.stop:
	}
}

// Set dispatches Engine.Set and returns a Future for its error.
func (a *AsyncEngine) Set(key string, value Value, ttl *time.Duration) *Future[struct{}] {
	fut := newFuture[struct{}]()
	a.post(func() { fut.complete(struct{}{}, a.e.Set(key, value, ttl)) })
	return fut
}

// Get dispatches Engine.Get.
func (a *AsyncEngine) Get(key string) *Future[Value] {
	fut := newFuture[Value]()
	a.post(func() {
		v, err := a.e.Get(key)
		fut.complete(v, err)
	})
	return fut
}

// Has dispatches Engine.Has.
func (a *AsyncEngine) Has(key string) *Future[bool] {
	fut := newFuture[bool]()
	a.post(func() { fut.complete(a.e.Has(key), nil) })
	return fut
}

// Delete dispatches Engine.Delete.
func (a *AsyncEngine) Delete(key string) *Future[bool] {
	fut := newFuture[bool]()
	a.post(func() {
		existed, err := a.e.Delete(key)
		fut.complete(existed, err)
	})
	return fut
}

// Clear dispatches Engine.Clear.
func (a *AsyncEngine) Clear() *Future[struct{}] {
	fut := newFuture[struct{}]()
	a.post(func() { fut.complete(struct{}{}, a.e.Clear()) })
	return fut
}

// Keys dispatches Engine.Keys.
func (a *AsyncEngine) Keys() *Future[[]string] {
	fut := newFuture[[]string]()
	a.post(func() { fut.complete(a.e.Keys(), nil) })
	return fut
}

// Size dispatches Engine.Size.
func (a *AsyncEngine) Size() *Future[int] {
	fut := newFuture[int]()
	a.post(func() { fut.complete(a.e.Size(), nil) })
	return fut
}

// Flush dispatches Engine.Flush.
func (a *AsyncEngine) Flush(forceSync bool) *Future[struct{}] {
	fut := newFuture[struct{}]()
	a.post(func() { fut.complete(struct{}{}, a.e.Flush(forceSync)) })
	return fut
}

// Compact dispatches Engine.Compact.
func (a *AsyncEngine) Compact() *Future[struct{}] {
	fut := newFuture[struct{}]()
	a.post(func() { fut.complete(struct{}{}, a.e.Compact()) })
	return fut
}

// Checkpoint dispatches Engine.Checkpoint.
func (a *AsyncEngine) Checkpoint(forceSync bool) *Future[struct{}] {
	fut := newFuture[struct{}]()
	a.post(func() { fut.complete(struct{}{}, a.e.Checkpoint(forceSync)) })
	return fut
}

// Stats dispatches Engine.Stats.
func (a *AsyncEngine) Stats() *Future[Stats] {
	fut := newFuture[Stats]()
	a.post(func() { fut.complete(a.e.Stats(), nil) })
	return fut
}

// Close stops the dispatch worker after draining its queue, then
// closes the underlying Engine synchronously.
func (a *AsyncEngine) Close() error {
	close(a.stop)
	a.wg.Wait()
	return a.e.Close()
}
