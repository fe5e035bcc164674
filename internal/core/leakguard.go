package core

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// LeakGuard is the best-effort backstop for statements that become
// unreachable without an explicit Close. Deterministic Close at the call site
// is always the primary path; the guard only reclaims server-side resources
// for handles the caller forgot, at a time the runtime chooses.
//
// Cleanups run on one background worker goroutine, never on the goroutine
// that triggered garbage collection, and a panicking cleanup is captured
// rather than propagated.
type LeakGuard struct {
	name string

	mu     sync.Mutex
	queue  []func() error
	signal chan struct{}
	done   chan struct{}
	closed bool

	leaks    atomic.Int64
	failures atomic.Int64
}

// NewLeakGuard starts a guard with a single worker. name appears nowhere but
// is useful when inspecting goroutine dumps.
func NewLeakGuard(name string) *LeakGuard {
	g := &LeakGuard{
		name:   name,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go g.work()
	return g
}

// Register observes owner's reachability. When owner becomes unreachable
// without Unregister having been called, cleanup runs asynchronously on the
// guard's worker, at most once. The returned function detaches the
// observation; calling it after collection is a no-op.
//
// cleanup must not reference owner, or owner can never become unreachable.
func (g *LeakGuard) Register(owner any, cleanup func() error) (unregister func()) {
	runtime.SetFinalizer(owner, func(any) {
		g.enqueue(cleanup)
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			runtime.SetFinalizer(owner, nil)
		})
	}
}

// Leaked reports how many cleanups the guard has run.
func (g *LeakGuard) Leaked() int64 { return g.leaks.Load() }

// Failures reports how many cleanups panicked or returned an error.
func (g *LeakGuard) Failures() int64 { return g.failures.Load() }

// Close stops the worker after draining already-queued cleanups.
func (g *LeakGuard) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()
	close(g.done)
}

func (g *LeakGuard) enqueue(cleanup func() error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		// Guard already shut down; run inline as a last resort, still
		// swallowing panics.
		g.runOne(cleanup)
		return
	}
	g.queue = append(g.queue, cleanup)
	g.mu.Unlock()
	select {
	case g.signal <- struct{}{}:
	default:
	}
}

func (g *LeakGuard) work() {
	for {
		select {
		case <-g.signal:
			g.drain()
		case <-g.done:
			g.drain()
			return
		}
	}
}

func (g *LeakGuard) drain() {
	for {
		g.mu.Lock()
		if len(g.queue) == 0 {
			g.mu.Unlock()
			return
		}
		cleanup := g.queue[0]
		g.queue = g.queue[1:]
		g.mu.Unlock()
		g.runOne(cleanup)
	}
}

func (g *LeakGuard) runOne(cleanup func() error) {
	defer func() {
		if recover() != nil {
			g.failures.Add(1)
		}
	}()
	g.leaks.Add(1)
	if err := cleanup(); err != nil {
		g.failures.Add(1)
	}
}
