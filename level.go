package runlevel

import (
	"context"
	"time"
)

// Level is a run-level: a signed integer with monotonic sense only
// (greater is "higher"). There are no range constraints.
type Level int

// Descriptor is an opaque handle to a registered service, as maintained by
// the (out-of-scope) dependency-injection container. Implementations are
// treated by this package as identity-comparable tokens: the concrete type
// behind Descriptor must be comparable (e.g. a pointer, or a simple value
// type), since Descriptor values are used as map keys.
type Descriptor interface {
	// DeclaredLevel returns the level this service participates at, and
	// true, or (0, false) if the service doesn't participate in levelling.
	DeclaredLevel() (Level, bool)
	// Scope returns the descriptor's current scope tag.
	Scope() string
	// InjectionPoints returns the descriptors this one directly depends on,
	// via its injection points. Used only by the would-block pre-check.
	InjectionPoints() []Descriptor
}

// ActivationMode is passed to a ServiceHandle via SetScratch, under
// scratchKeyActivationMode, immediately before Activate is called, as a
// non-blocking hint.
type ActivationMode int

const (
	// ActivationBlocking indicates the caller is willing to wait for any
	// dependency currently being activated elsewhere.
	ActivationBlocking ActivationMode = iota
	// ActivationNonBlocking indicates the caller wants activation to fail
	// with a WouldBlock-shaped error instead of waiting.
	ActivationNonBlocking
)

// scratchKeyActivationMode is the scratch key the AscentWorkerPool uses to
// convey ActivationMode to ServiceHandle.Activate.
type scratchKeyType struct{}

var scratchKeyActivationMode = scratchKeyType{}

// ServiceHandle is a bound pair of (descriptor, lazy instance slot), as
// maintained by the (out-of-scope) dependency-injection container.
type ServiceHandle interface {
	// Descriptor returns the descriptor this handle is bound to.
	Descriptor() Descriptor

	// Activate produces or returns the instance. Implementations signal
	// would-block by returning (or wrapping) WouldBlockError, and a hard
	// cancel by returning (or wrapping) WasCancelledError; both are
	// recognised via errors.Is against those variables. Other failures are
	// generic and are surfaced to listeners as ActivationFailure.
	Activate(ctx context.Context) error

	// Destroy tears the instance down. Failures are generic, and are
	// surfaced to listeners as DestructionFailure.
	Destroy(ctx context.Context) error

	// SetScratch sets per-call scratch data, used by this package to pass
	// non-blocking hints into Activate. Implementations should treat this
	// as opaque storage, scoped to the handle.
	SetScratch(key, value any)
	// GetScratch returns previously-set scratch data, or (nil, false).
	GetScratch(key any) (value any, ok bool)
}

// WouldBlockError is the sentinel a ServiceHandle.Activate implementation
// should wrap (via fmt.Errorf("...: %w", WouldBlockError)) or return
// directly, to signal that a non-blocking activation encountered a
// dependency already being activated on another thread.
var WouldBlockError = errWouldBlock

// WasCancelledError is the sentinel a ServiceHandle.Activate or
// ServiceHandle.Destroy implementation should wrap or return directly, to
// signal that the operation was aborted by a hard cancel.
var WasCancelledError = errWasCancelled

// Locator is the consumed, out-of-scope query surface onto the
// dependency-injection container's registered services.
type Locator interface {
	// SnapshotAscending returns, in Sorter-ready order, every ServiceHandle
	// whose Descriptor.DeclaredLevel equals level. The returned slice is a
	// snapshot: services registered after the call don't retroactively
	// appear.
	SnapshotAscending(level Level) []ServiceHandle

	// SnapshotDescending returns every currently-active ServiceHandle whose
	// Descriptor.DeclaredLevel equals level, in reverse-activation order
	// (the order in which they should be torn down).
	SnapshotDescending(level Level) []ServiceHandle
}

// Dispatcher is a caller-supplied, bounded thread dispatcher. It is not
// owned by this package, and must not be shut down by it. See
// NewBoundedDispatcher for a ready-made implementation.
type Dispatcher interface {
	// Go arranges for fn to run, possibly asynchronously. Implementations
	// used in single-threaded cooperative mode should run fn synchronously.
	Go(fn func())
}

// Timer is a caller-supplied scheduler of one-shot and fixed-delay tasks,
// supporting at-most-once cancellation. It is not owned by this package.
// See NewSystemTimer for a ready-made implementation.
type Timer interface {
	// AfterFunc schedules fn to run once, after d elapses.
	AfterFunc(d time.Duration, fn func()) TimerHandle
	// ScheduleFixedDelay schedules fn to run repeatedly, with d between the
	// end of one run and the start of the next, until stopped.
	ScheduleFixedDelay(d time.Duration, fn func()) TimerHandle
}

// TimerHandle cancels a scheduled Timer task. Stop is safe to call more
// than once, and from any goroutine; only the first call has effect, and
// firing is at-most-once.
type TimerHandle interface {
	Stop() bool
}
