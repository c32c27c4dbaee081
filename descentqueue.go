package runlevel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// defaultHardCancelDownPoll is the fixed-delay cadence the hard-cancel-down
// watchdog polls completion progress at, used only when Config's cancel
// timeout doesn't itself suggest a finer interval. Kept short relative to
// typical cancel timeouts, so "two unchanged ticks" resolves quickly.
const defaultHardCancelDownPoll = 25 * time.Millisecond

// queueResult is the outcome of running a descentQueue over one level's
// services.
type queueResult struct {
	// errs accumulates every DestructionFailure encountered, regardless of
	// listener action - destruction always continues past a failure
	// (SPEC_FULL.md §7: "action IGNORE always effectively applies").
	errs []error
	// clamp is true if any failure's listener action was
	// ActionGoToNextLowerLevelAndStop, telling the DownDriver to stop
	// descending after this level.
	clamp bool
	// cancelled is true if cancel was invoked on this queue, regardless of
	// whether the hard-cancel watchdog ever had to fire - mirroring
	// ascentWorkerPool's poolResult.cancelled.
	cancelled bool
}

// descentQueue performs strictly-serial teardown of one level's services,
// with a hard-cancel watchdog on stuck destructions, per SPEC_FULL.md
// §4.5.
type descentQueue struct {
	ctx      *Context
	job      *Job
	level    Level
	suppress bool // true for a synthesized cleanup descent

	mu                  sync.Mutex
	queue               []ServiceHandle
	currentlyDestroying Descriptor
	completed           int // count of finished destroyOne calls, the watchdog's progress signal
	lastTickCompleted   int
	strikes             int // consecutive ticks observed with no progress
	watchdog            TimerHandle
	clampFloor          bool
	cancelled           bool

	remaining sync.WaitGroup

	errsMu   sync.Mutex
	errsList []error
}

// runDescentQueue tears down every handle in handles, serially, returning
// once all have been destroyed (or abandoned, mid hard-cancel handover).
func runDescentQueue(ctx *Context, job *Job, level Level, handles []ServiceHandle, suppress bool) queueResult {
	if len(handles) == 0 {
		return queueResult{}
	}

	q := &descentQueue{
		ctx:      ctx,
		job:      job,
		level:    level,
		suppress: suppress,
		queue:    append([]ServiceHandle(nil), handles...),
	}

	if !suppress {
		job.setActiveOp(q)
		defer job.setActiveOp(nil)
	}

	q.remaining.Add(len(handles))
	q.spawnWorker()
	q.remaining.Wait()

	q.mu.Lock()
	if q.watchdog != nil {
		q.watchdog.Stop()
	}
	q.mu.Unlock()

	q.errsMu.Lock()
	errs := append([]error(nil), q.errsList...)
	q.errsMu.Unlock()

	q.mu.Lock()
	clamp := q.clampFloor
	cancelled := q.cancelled
	q.mu.Unlock()

	return queueResult{errs: errs, clamp: clamp, cancelled: cancelled}
}

// cancel implements cancellableOp. It always records that cancellation was
// requested (mirroring ascentWorkerPool.cancel), and additionally arms the
// hard-cancel-down watchdog if Config has a positive cancel timeout - that
// timeout only bounds how long a stuck destruction can delay the descent,
// it isn't a precondition for the cancellation itself being observed.
func (q *descentQueue) cancel() {
	q.mu.Lock()
	q.cancelled = true
	timeout := q.ctx.config.cancelTimeout()
	if timeout <= 0 || q.ctx.timer == nil || q.watchdog != nil {
		q.mu.Unlock()
		return
	}
	q.lastTickCompleted = q.completed
	q.strikes = 0
	q.watchdog = q.ctx.timer.ScheduleFixedDelay(pollInterval(timeout), q.watchdogTick)
	q.mu.Unlock()
}

func pollInterval(cancelTimeout time.Duration) time.Duration {
	if cancelTimeout < defaultHardCancelDownPoll {
		return cancelTimeout
	}
	return defaultHardCancelDownPoll
}

// watchdogTick fires on the fixed-delay schedule armed by cancel. Two
// consecutive ticks with no completions while a destruction is in flight
// mean that destruction is stuck: the watchdog hard-cancels it, credits it
// as complete for accounting purposes, and hands the remaining queue to a
// fresh worker. The stuck goroutine, if it never returns, simply leaks -
// it is abandoned, not waited on.
func (q *descentQueue) watchdogTick() {
	q.mu.Lock()
	current := q.currentlyDestroying
	if current == nil {
		// nothing in flight right now: either the queue is between items
		// or already drained. Reset the strike counter so a later stall
		// is judged against a fresh baseline.
		q.lastTickCompleted = q.completed
		q.strikes = 0
		q.mu.Unlock()
		return
	}

	if q.completed == q.lastTickCompleted {
		q.strikes++
	} else {
		q.strikes = 0
	}
	q.lastTickCompleted = q.completed

	if q.strikes < 2 {
		q.mu.Unlock()
		return
	}

	// two unchanged ticks: abandon the stuck destruction. Credit it as
	// completed now, since the goroutine actually doing the work may
	// never return.
	q.currentlyDestroying = nil
	q.completed++
	q.strikes = 0
	q.mu.Unlock()

	q.ctx.hardCancelOne(current)
	q.remaining.Done()
	q.spawnWorker()
}

func (q *descentQueue) spawnWorker() {
	q.ctx.goOrInline(q.workerLoop)
}

func (q *descentQueue) workerLoop() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.mu.Unlock()
			return
		}
		h := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()

		if q.destroyOne(h) {
			q.remaining.Done()
		}
	}
}

// destroyOne runs one destruction to completion and reports whether this
// call is the one that should account for it (calling remaining.Done() and
// dispatching any failure). It returns false if the watchdog already
// abandoned this descriptor out from under it - in that case the result is
// stale and is discarded, since the job has already moved on.
func (q *descentQueue) destroyOne(h ServiceHandle) bool {
	d := h.Descriptor()

	q.mu.Lock()
	q.currentlyDestroying = d
	q.mu.Unlock()

	dctx, end := q.ctx.beginInFlight(context.Background(), d)
	err := h.Destroy(dctx)
	end()

	q.mu.Lock()
	abandoned := q.currentlyDestroying != d
	if !abandoned {
		q.currentlyDestroying = nil
		q.completed++
	}
	q.mu.Unlock()
	if abandoned {
		return false
	}

	if err == nil || errors.Is(err, errWasCancelled) {
		return true
	}

	action := q.job.dispatchError(ErrorInfo{
		Descriptor: d,
		Level:      q.level,
		Ascending:  false,
		Err:        err,
	})
	q.ctx.recordError(d, err, action)

	q.errsMu.Lock()
	q.errsList = append(q.errsList, &DestructionFailure{Descriptor: d, Level: q.level, Cause: err})
	q.errsMu.Unlock()

	if action == ActionGoToNextLowerLevelAndStop {
		q.mu.Lock()
		q.clampFloor = true
		q.mu.Unlock()
	}
	return true
}
