package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/joeycumines/logiface"

	runlevel "github.com/joeycumines/go-runlevel"
)

// demoDescriptor is a minimal, comparable Descriptor implementation - a
// named service at a fixed level, with a fixed list of dependencies.
type demoDescriptor struct {
	name  string
	level runlevel.Level
	deps  []*demoDescriptor
}

func (d *demoDescriptor) DeclaredLevel() (runlevel.Level, bool) { return d.level, true }
func (d *demoDescriptor) Scope() string                         { return runlevel.RunLevelScope }
func (d *demoDescriptor) InjectionPoints() []runlevel.Descriptor {
	out := make([]runlevel.Descriptor, len(d.deps))
	for i, dep := range d.deps {
		out[i] = dep
	}
	return out
}

// demoHandle is a trivial ServiceHandle that sleeps briefly to simulate
// startup/teardown work, and logs through the same logiface facade the
// rest of the demo uses.
type demoHandle struct {
	d   *demoDescriptor
	log *logiface.Logger[logiface.Event]

	mu      sync.Mutex
	scratch map[any]any
}

func newDemoHandle(d *demoDescriptor, log *logiface.Logger[logiface.Event]) *demoHandle {
	return &demoHandle{d: d, log: log, scratch: make(map[any]any)}
}

func (h *demoHandle) Descriptor() runlevel.Descriptor { return h.d }

func (h *demoHandle) Activate(ctx context.Context) error {
	h.log.Debug().Str(`service`, h.d.name).Log(`runlevel-demo: activating`)
	select {
	case <-time.After(10 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return fmt.Errorf(`%s: %w`, h.d.name, runlevel.WasCancelledError)
	}
}

func (h *demoHandle) Destroy(ctx context.Context) error {
	h.log.Debug().Str(`service`, h.d.name).Log(`runlevel-demo: destroying`)
	select {
	case <-time.After(5 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return fmt.Errorf(`%s: %w`, h.d.name, runlevel.WasCancelledError)
	}
}

func (h *demoHandle) SetScratch(key, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if value == nil {
		delete(h.scratch, key)
		return
	}
	h.scratch[key] = value
}

func (h *demoHandle) GetScratch(key any) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.scratch[key]
	return v, ok
}

// demoLocator is a fixed, in-memory set of services spread across three
// levels, illustrating dependency ordering via InjectionPoints.
type demoLocator struct {
	log    *logiface.Logger[logiface.Event]
	levels map[runlevel.Level][]*demoDescriptor
}

func newDemoLocator(log *logiface.Logger[logiface.Event]) *demoLocator {
	dbPool := &demoDescriptor{name: `db-pool`, level: 1}
	cache := &demoDescriptor{name: `cache`, level: 1}
	userSvc := &demoDescriptor{name: `user-service`, level: 2, deps: []*demoDescriptor{dbPool}}
	sessionSvc := &demoDescriptor{name: `session-service`, level: 2, deps: []*demoDescriptor{cache}}
	httpServer := &demoDescriptor{name: `http-server`, level: 3, deps: []*demoDescriptor{userSvc, sessionSvc}}

	return &demoLocator{
		log: log,
		levels: map[runlevel.Level][]*demoDescriptor{
			1: {dbPool, cache},
			2: {userSvc, sessionSvc},
			3: {httpServer},
		},
	}
}

func (l *demoLocator) SnapshotAscending(level runlevel.Level) []runlevel.ServiceHandle {
	descs := l.levels[level]
	out := make([]runlevel.ServiceHandle, len(descs))
	for i, d := range descs {
		out[i] = newDemoHandle(d, l.log)
	}
	return out
}

func (l *demoLocator) SnapshotDescending(level runlevel.Level) []runlevel.ServiceHandle {
	descs := append([]*demoDescriptor(nil), l.levels[level]...)
	sort.SliceStable(descs, func(i, j int) bool { return i > j })
	out := make([]runlevel.ServiceHandle, len(descs))
	for i, d := range descs {
		out[i] = newDemoHandle(d, l.log)
	}
	return out
}
