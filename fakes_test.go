package runlevel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeDescriptor is a minimal, comparable Descriptor for tests.
type fakeDescriptor struct {
	name  string
	level Level
	deps  []*fakeDescriptor
	scope string
}

func newFakeDescriptor(name string, level Level, deps ...*fakeDescriptor) *fakeDescriptor {
	return &fakeDescriptor{name: name, level: level, scope: RunLevelScope, deps: deps}
}

func (d *fakeDescriptor) DeclaredLevel() (Level, bool) { return d.level, true }
func (d *fakeDescriptor) Scope() string                { return d.scope }
func (d *fakeDescriptor) InjectionPoints() []Descriptor {
	out := make([]Descriptor, len(d.deps))
	for i, dep := range d.deps {
		out[i] = dep
	}
	return out
}

func (d *fakeDescriptor) String() string { return d.name }

// fakeHandle is a recording ServiceHandle: activation/destruction are
// controlled by caller-supplied hooks, and every call
// is recorded for assertions.
type fakeHandle struct {
	d *fakeDescriptor

	onActivate func(ctx context.Context) error
	onDestroy  func(ctx context.Context) error

	mu          sync.Mutex
	scratch     map[any]any
	activations int
	destructions int
}

func newFakeHandle(d *fakeDescriptor) *fakeHandle {
	return &fakeHandle{d: d, scratch: make(map[any]any)}
}

func (h *fakeHandle) Descriptor() Descriptor { return h.d }

func (h *fakeHandle) Activate(ctx context.Context) error {
	h.mu.Lock()
	h.activations++
	h.mu.Unlock()
	if h.onActivate != nil {
		return h.onActivate(ctx)
	}
	return nil
}

func (h *fakeHandle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	h.destructions++
	h.mu.Unlock()
	if h.onDestroy != nil {
		return h.onDestroy(ctx)
	}
	return nil
}

func (h *fakeHandle) SetScratch(key, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if value == nil {
		delete(h.scratch, key)
		return
	}
	h.scratch[key] = value
}

func (h *fakeHandle) GetScratch(key any) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.scratch[key]
	return v, ok
}

func (h *fakeHandle) activationMode() ActivationMode {
	v, _ := h.GetScratch(scratchKeyActivationMode)
	mode, _ := v.(ActivationMode)
	return mode
}

// fakeLocator is a fixed, in-memory Locator over a handful of levels,
// vending fresh fakeHandle instances per snapshot call (matching a real
// Locator's "handle per attempt" semantics).
type fakeLocator struct {
	mu         sync.Mutex
	byLevel    map[Level][]*fakeDescriptor
	issued     []*fakeHandle
	activateFn func(d *fakeDescriptor) func(ctx context.Context) error
	destroyFn  func(d *fakeDescriptor) func(ctx context.Context) error
}

func newFakeLocator() *fakeLocator {
	return &fakeLocator{byLevel: make(map[Level][]*fakeDescriptor)}
}

func (l *fakeLocator) add(d *fakeDescriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byLevel[d.level] = append(l.byLevel[d.level], d)
}

func (l *fakeLocator) SnapshotAscending(level Level) []ServiceHandle {
	l.mu.Lock()
	descs := append([]*fakeDescriptor(nil), l.byLevel[level]...)
	l.mu.Unlock()

	out := make([]ServiceHandle, len(descs))
	for i, d := range descs {
		h := newFakeHandle(d)
		if l.activateFn != nil {
			h.onActivate = l.activateFn(d)
		}
		if l.destroyFn != nil {
			h.onDestroy = l.destroyFn(d)
		}
		l.mu.Lock()
		l.issued = append(l.issued, h)
		l.mu.Unlock()
		out[i] = h
	}
	return out
}

func (l *fakeLocator) SnapshotDescending(level Level) []ServiceHandle {
	handles := l.SnapshotAscending(level)
	for i, j := 0, len(handles)-1; i < j; i, j = i+1, j-1 {
		handles[i], handles[j] = handles[j], handles[i]
	}
	return handles
}

// fakeTimer is a manually-driven Timer: AfterFunc/ScheduleFixedDelay tasks
// are recorded rather than scheduled against the wall clock; tests fire
// them explicitly via fire.
type fakeTimer struct {
	mu    sync.Mutex
	tasks []*fakeTimerTask
}

type fakeTimerTask struct {
	fn      func()
	fixed   bool
	stopped bool
}

func (t *fakeTimerTask) Stop() bool {
	first := !t.stopped
	t.stopped = true
	return first
}

func newFakeTimer() *fakeTimer { return &fakeTimer{} }

func (t *fakeTimer) schedule(fn func(), fixed bool) TimerHandle {
	task := &fakeTimerTask{fn: fn, fixed: fixed}
	t.mu.Lock()
	t.tasks = append(t.tasks, task)
	t.mu.Unlock()
	return task
}

func (t *fakeTimer) AfterFunc(_ time.Duration, fn func()) TimerHandle { return t.schedule(fn, false) }
func (t *fakeTimer) ScheduleFixedDelay(_ time.Duration, fn func()) TimerHandle {
	return t.schedule(fn, true)
}

// fire runs every currently-registered, non-stopped task once.
func (t *fakeTimer) fire() {
	t.mu.Lock()
	tasks := append([]*fakeTimerTask(nil), t.tasks...)
	t.mu.Unlock()
	for _, task := range tasks {
		if !task.stopped {
			task.fn()
		}
	}
}

func noErrHandle(d *fakeDescriptor) func(ctx context.Context) error {
	return func(ctx context.Context) error { return nil }
}

func failHandle(d *fakeDescriptor, cause error) func(ctx context.Context) error {
	return func(ctx context.Context) error { return fmt.Errorf(`%s: %w`, d.name, cause) }
}
