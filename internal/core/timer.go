package core

import (
	"container/heap"
	"sync"
	"time"
)

// SharedTimer schedules one-shot cancellation tasks for all statements of a
// driver instance without dedicating a goroutine per statement.
//
// The runner goroutine exists only while at least one statement holds a
// reference: Acquire on the 0→1 transition starts it, Release on the 1→0
// transition stops it. Callers must pair every Acquire with exactly one
// Release around the interval during which they hold an armed timer.
//
// SharedTimer instances are constructed explicitly and injected, so tests can
// run independent timers side by side.
type SharedTimer struct {
	mu       sync.Mutex
	refCount int
	tasks    timerHeap
	wake     chan struct{}
	stop     chan struct{}
}

// NewSharedTimer returns a timer with no runner; the runner starts lazily on
// the first Acquire.
func NewSharedTimer() *SharedTimer {
	return &SharedTimer{}
}

// Acquire takes a reference, starting the runner on the 0→1 transition.
func (t *SharedTimer) Acquire() {
	t.mu.Lock()
	t.refCount++
	if t.refCount == 1 {
		// Each runner generation gets its own wake channel so a stopping
		// runner can never swallow a wake-up meant for its successor.
		t.stop = make(chan struct{})
		t.wake = make(chan struct{}, 1)
		go t.run(t.stop, t.wake)
	}
	t.mu.Unlock()
}

// Release drops a reference, stopping the runner on the 1→0 transition.
// Releasing more than acquired is a programming error.
func (t *SharedTimer) Release() {
	t.mu.Lock()
	t.refCount--
	if t.refCount < 0 {
		t.mu.Unlock()
		panic("sqlwire: SharedTimer released more often than acquired")
	}
	if t.refCount == 0 {
		close(t.stop)
		t.stop = nil
		t.wake = nil
	}
	t.mu.Unlock()
}

// RefCount reports the current reference count.
func (t *SharedTimer) RefCount() int {
	t.mu.Lock()
	n := t.refCount
	t.mu.Unlock()
	return n
}

// Schedule runs task once after delay, unless cancelled first. The caller
// must hold an acquired reference for as long as the task is armed.
func (t *SharedTimer) Schedule(delay time.Duration, task func()) *TimerTask {
	tt := &TimerTask{timer: t, fn: task, at: time.Now().Add(delay), index: -1}
	t.mu.Lock()
	heap.Push(&t.tasks, tt)
	wake := t.wake
	t.mu.Unlock()
	if wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	return tt
}

func (t *SharedTimer) run(stop, wake chan struct{}) {
	for {
		t.mu.Lock()
		now := time.Now()
		var due []func()
		for t.tasks.Len() > 0 && !t.tasks[0].at.After(now) {
			tt := heap.Pop(&t.tasks).(*TimerTask)
			tt.fired = true
			due = append(due, tt.fn)
		}
		wait := time.Hour
		if t.tasks.Len() > 0 {
			wait = t.tasks[0].at.Sub(now)
		}
		t.mu.Unlock()

		// Tasks run outside the lock; a task is free to call back into the
		// timer (it typically triggers a cancel that releases a reference).
		for _, fn := range due {
			fn()
		}

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// TimerTask is a scheduled cancellation handle.
type TimerTask struct {
	timer *SharedTimer
	fn    func()
	at    time.Time

	// guarded by timer.mu
	index     int
	fired     bool
	cancelled bool
}

// Cancel unschedules the task. Idempotent; a no-op if the task already fired.
func (tt *TimerTask) Cancel() {
	tt.timer.mu.Lock()
	if !tt.fired && !tt.cancelled {
		heap.Remove(&tt.timer.tasks, tt.index)
		tt.cancelled = true
	}
	tt.timer.mu.Unlock()
}

type timerHeap []*TimerTask

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	tt := x.(*TimerTask)
	tt.index = len(*h)
	*h = append(*h, tt)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	tt := old[n-1]
	old[n-1] = nil
	tt.index = -1
	*h = old[:n-1]
	return tt
}
