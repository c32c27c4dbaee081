package runlevel

import "time"

// Config configures a Context, per SPEC_FULL.md §6.
type Config struct {
	// MaxThreads bounds the number of concurrent activation workers an
	// AscentWorkerPool will use, per level. 0 selects single-threaded
	// cooperative mode: every driver runs to completion on the submitting
	// thread (or, for a synthesized cleanup descent, the thread that
	// detected the failure/cancellation).
	MaxThreads int

	// UseThreads, when false, forces single-threaded cooperative mode
	// regardless of MaxThreads (e.g. for deterministic tests).
	UseThreads bool

	// CancelTimeoutMillis bounds how long a cancelled AscentWorkerPool or
	// DescentQueue waits for in-flight work before hard-cancelling it. A
	// value <= 0 disables the hard-cancel watchdog (cancellation then waits
	// indefinitely for in-flight work to finish on its own).
	CancelTimeoutMillis int
}

// cancelTimeout returns the configured hard-cancel deadline as a
// time.Duration, or 0 if disabled.
func (c Config) cancelTimeout() time.Duration {
	if c.CancelTimeoutMillis <= 0 {
		return 0
	}
	return time.Duration(c.CancelTimeoutMillis) * time.Millisecond
}

// threaded reports whether drivers should run on Dispatcher-scheduled
// goroutines (true), or inline on the caller's thread (false).
func (c Config) threaded() bool {
	return c.UseThreads && c.MaxThreads > 0
}

// workers returns the effective worker count for a level of size n, per
// the AscentWorkerPool parallelism rule in SPEC_FULL.md §4.4: min(n, T).
func (c Config) workers(n int) int {
	if !c.threaded() {
		return 1
	}
	if n < c.MaxThreads {
		return n
	}
	return c.MaxThreads
}
