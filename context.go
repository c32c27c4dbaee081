package runlevel

import (
	"context"
	"sync"
)

// Context is process-wide run-level orchestrator state: the current
// level, the single-job gate, per-descriptor activation status, the error
// registry, and the would-block predicate. See SPEC_FULL.md §4.1.
//
// Construct with NewContext. The zero value is not usable.
type Context struct {
	mu sync.Mutex // the "context lock"; always acquired before any Job lock

	locator    Locator
	dispatcher Dispatcher
	timer      Timer
	config     Config
	log        *Logger

	currentLevel Level
	activeJob    *Job

	// inFlight tracks descriptors currently being activated or destroyed on
	// some goroutine, each with the context.CancelFunc that aborts it. Used
	// for both the would-block pre-check and hardCancelOne; entries are not
	// tagged by direction, so the pre-check sees destructions too.
	inFlight map[Descriptor]context.CancelFunc

	registry *registry

	listeners listenerSet
}

// ContextOption configures optional Context behavior, supplied to
// NewContext.
type ContextOption func(*Context)

// WithLogger configures the structured logger a Context uses for its own
// diagnostics (job lifecycle, recovered listener panics). Defaults to a
// discarding logger.
func WithLogger(l *Logger) ContextOption {
	return func(c *Context) { c.log = loggerOrDiscard(l) }
}

// NewContext constructs a Context at level 0, bound to locator for service
// snapshots, dispatcher for thread scheduling (when config selects
// threaded mode), and timer for hard-cancel scheduling.
func NewContext(locator Locator, dispatcher Dispatcher, timer Timer, config Config, opts ...ContextOption) *Context {
	if locator == nil {
		panic(`runlevel: nil Locator`)
	}
	c := &Context{
		locator:    locator,
		dispatcher: dispatcher,
		timer:      timer,
		config:     config,
		log:        discardLogger,
		inFlight:   make(map[Descriptor]context.CancelFunc),
		registry:   newRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns the level at which every service with declared level <=
// Current that must be active, is active.
func (c *Context) Current() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLevel
}

// RegisterListener registers l against the callback surface named by kind.
// Panics if l doesn't implement the interface kind requires.
func (c *Context) RegisterListener(kind ListenerKind, l any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case ListenerProgressStarted:
		c.listeners.progressStarted = append(c.listeners.progressStarted, l.(ProgressStartedListener))
	case ListenerProgress:
		c.listeners.progress = append(c.listeners.progress, l.(ProgressListener))
	case ListenerCancelled:
		c.listeners.cancelled = append(c.listeners.cancelled, l.(CancelledListener))
	case ListenerError:
		c.listeners.error = append(c.listeners.error, l.(ErrorListener))
	default:
		panic(`runlevel: unknown ListenerKind`)
	}
}

// RegisterSorter appends s to the chain of sorters run over each level's
// service list during an ascent.
func (c *Context) RegisterSorter(s Sorter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners.sorters = append(c.listeners.sorters, s)
}

// Submit moves the Context from its current level to proposed. Fails with
// ErrBusy if a Job is already in flight.
func (c *Context) Submit(proposed Level) (*Job, error) {
	c.mu.Lock()
	if c.activeJob != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}

	c.registry.clear()
	listeners := c.listeners.snapshot()
	start := c.currentLevel

	job := newJob(c, proposed, listeners)
	c.activeJob = job
	c.mu.Unlock()

	c.log.Info().
		Int(`from`, int(start)).
		Int(`to`, int(proposed)).
		Log(`runlevel: job submitted`)

	job.dispatchProgressStarted(start)
	job.start()

	return job, nil
}

// markLevelAchieved records level as the Context's current level. Must
// only be called by the active Job's driver.
func (c *Context) markLevelAchieved(level Level) {
	c.mu.Lock()
	c.currentLevel = level
	c.mu.Unlock()
}

// snapshotAscending returns the ordered list of services to start at
// level, per Locator.SnapshotAscending.
func (c *Context) snapshotAscending(level Level) []ServiceHandle {
	return c.locator.SnapshotAscending(level)
}

// snapshotDescending returns the ordered list of active services to tear
// down at level, per Locator.SnapshotDescending.
func (c *Context) snapshotDescending(level Level) []ServiceHandle {
	return c.locator.SnapshotDescending(level)
}

// wouldBlockRightNow reports whether d is currently being activated (or
// destroyed) on some other goroutine.
func (c *Context) wouldBlockRightNow(d Descriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[d]
	return ok
}

// beginInFlight registers d as in-flight, deriving a cancellable context
// from parent. The returned end func must be called exactly once, when the
// operation on d finishes; it unregisters d and releases the derived
// context's resources.
func (c *Context) beginInFlight(parent context.Context, d Descriptor) (ctx context.Context, end func()) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.inFlight[d] = cancel
	c.mu.Unlock()
	return ctx, func() {
		c.mu.Lock()
		delete(c.inFlight, d)
		c.mu.Unlock()
		cancel()
	}
}

// hardCancelOne forces the in-flight activation or destruction of d, on
// whatever goroutine is running it, to abort with a was-cancelled failure.
func (c *Context) hardCancelOne(d Descriptor) {
	c.mu.Lock()
	cancel := c.inFlight[d]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// recordError stores err and action against d, for the duration of the
// current Job.
func (c *Context) recordError(d Descriptor, err error, action ListenerAction) {
	c.mu.Lock()
	c.registry.record(d, err, action)
	c.mu.Unlock()
}

// jobDone releases the single-job gate, allowing a subsequent Submit.
func (c *Context) jobDone(job *Job) {
	c.mu.Lock()
	if c.activeJob == job {
		c.activeJob = nil
	}
	c.mu.Unlock()
}

// goOrInline runs fn via the Dispatcher when the Context is configured for
// threaded execution, otherwise runs it synchronously on the calling
// goroutine - the single-threaded cooperative mode from SPEC_FULL.md §5.
func (c *Context) goOrInline(fn func()) {
	if c.config.threaded() && c.dispatcher != nil {
		c.dispatcher.Go(fn)
		return
	}
	fn()
}
