// Package runlevel implements an asynchronous run-level orchestrator: it
// drives a set of externally-registered services through an ordered
// sequence of integer levels, starting each service whose declared level
// matches the target as the system ascends, and destroying it as the
// system descends.
//
// A single submitted [Job] moves a [Context] from its current level to a
// caller-proposed level. Listeners observe progress, errors, and
// cancellation; a Job may be cancelled, re-targeted mid-flight (including
// reversing direction), and, when Config.CancelTimeoutMillis is positive,
// is subject to a hard-cancel deadline when services refuse to stop.
//
// This package does not implement a dependency-injection container,
// annotation discovery, event publication, or CLI/config-file loading —
// those are external collaborators, consumed through the [Locator],
// [Dispatcher], and [Timer] contracts, and through the [ServiceHandle]
// and [Descriptor] contracts the container's services must satisfy.
//
// See also [github.com/joeycumines/go-microbatch], for a structurally
// similar single-package library with its own bounded-concurrency
// scheduling, from the same corpus this package's idiom is drawn from.
package runlevel
