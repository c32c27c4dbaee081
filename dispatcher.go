package runlevel

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// boundedDispatcher is a ready-made Dispatcher, bounding concurrency with
// golang.org/x/sync/semaphore.Weighted. The teacher corpus's go.mod lists
// golang.org/x/sync without any direct import in the corpus itself; this
// is its concrete home, bounding exactly the kind of "caller-supplied
// bounded thread dispatcher" SPEC_FULL.md §5 calls for.
type boundedDispatcher struct {
	sem *semaphore.Weighted
}

// NewBoundedDispatcher returns a Dispatcher that runs at most n functions
// concurrently, queuing (blocking the calling goroutine of Go) beyond
// that. Panics if n <= 0.
func NewBoundedDispatcher(n int) Dispatcher {
	if n <= 0 {
		panic(`runlevel: NewBoundedDispatcher requires n > 0`)
	}
	return &boundedDispatcher{sem: semaphore.NewWeighted(int64(n))}
}

func (d *boundedDispatcher) Go(fn func()) {
	// Acquire blocks the calling goroutine, not the new one - if every slot
	// is in use, scheduling this fn waits for one to free up, same as a
	// worker pool with a bounded queue depth of zero.
	_ = d.sem.Acquire(context.Background(), 1)
	go func() {
		defer d.sem.Release(1)
		fn()
	}()
}

// systemTimer is a ready-made Timer, backed by time.AfterFunc and a
// self-rescheduling chain of time.AfterFunc calls for fixed-delay tasks
// (teacher-grounded on longpoll.Channel's time.NewTimer-based waiting,
// generalized into a re-armable chain).
type systemTimer struct{}

// NewSystemTimer returns a Timer backed by the standard library's real
// wall-clock timers.
func NewSystemTimer() Timer { return systemTimer{} }

func (systemTimer) AfterFunc(d time.Duration, fn func()) TimerHandle {
	return &stdTimerHandle{t: time.AfterFunc(d, fn)}
}

func (systemTimer) ScheduleFixedDelay(d time.Duration, fn func()) TimerHandle {
	h := &fixedDelayHandle{d: d, fn: fn}
	h.arm()
	return h
}

type stdTimerHandle struct {
	t *time.Timer
}

func (h *stdTimerHandle) Stop() bool { return h.t.Stop() }

// fixedDelayHandle implements Timer.ScheduleFixedDelay: fn is invoked,
// then after it returns, d elapses before the next invocation, until
// stopped. Firing is at-most-once per tick: a tick in flight when Stop is
// called still completes, but no further tick is armed.
type fixedDelayHandle struct {
	d       time.Duration
	fn      func()
	stopped atomic.Bool
	current atomic.Pointer[time.Timer]
}

func (h *fixedDelayHandle) arm() {
	if h.stopped.Load() {
		return
	}
	h.current.Store(time.AfterFunc(h.d, h.tick))
}

func (h *fixedDelayHandle) tick() {
	if h.stopped.Load() {
		return
	}
	h.fn()
	h.arm()
}

func (h *fixedDelayHandle) Stop() bool {
	first := !h.stopped.Swap(true)
	if t := h.current.Load(); t != nil {
		t.Stop()
	}
	return first
}
