package runlevel

import (
	"sync"
	"time"
)

// direction is the sense in which a Job's driver is currently moving the
// Context's current level.
type direction int

const (
	dirIdle direction = iota
	dirUp
	dirDown
)

func directionOf(current, proposed Level) direction {
	switch {
	case proposed > current:
		return dirUp
	case proposed < current:
		return dirDown
	default:
		return dirIdle
	}
}

// cancellableOp is implemented by whatever is currently doing work on
// behalf of a Job (an *ascentWorkerPool during an ascent, a
// *descentQueue during a descent), so that Job.Cancel can signal it.
type cancellableOp interface {
	cancel()
}

// WaitResult is returned by Job.Wait, describing why it returned.
type WaitResult int

const (
	// WaitDone indicates the Job reached a terminal state; the
	// accompanying error (if any) is the Job's final result.
	WaitDone WaitResult = iota
	// WaitTimedOut indicates the supplied timeout elapsed first.
	WaitTimedOut
	// WaitRepurposed indicates the Job reversed direction underneath the
	// caller; the caller should re-query ProposedLevel/IsUp/IsDown and call
	// Wait again.
	WaitRepurposed
)

// Job represents one in-flight level transition. Obtain one via
// Context.Submit.
type Job struct {
	ctx       *Context
	listeners listenerSet

	mu          sync.Mutex // the "job lock"; guards everything below
	proposed    Level
	direction   direction
	cancelled   bool
	done        bool
	err         error
	inCallback  bool
	repurposing bool
	pendingDir  direction
	activeOp    cancellableOp

	doneCh  chan struct{} // closed exactly once, when the Job truly finishes
	genDone chan struct{} // closed (and replaced) each time the Job repurposes

	// callbackMu serializes listener dispatch (progress/cancelled/error),
	// so callbacks for a given Job are never concurrent with one another,
	// without holding mu (the state lock) across a callback invocation.
	callbackMu sync.Mutex
}

func newJob(ctx *Context, proposed Level, listeners listenerSet) *Job {
	return &Job{
		ctx:       ctx,
		listeners: listeners,
		proposed:  proposed,
		doneCh:    make(chan struct{}),
		genDone:   make(chan struct{}),
	}
}

// ProposedLevel returns the level this Job is currently driving toward.
func (j *Job) ProposedLevel() Level {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.proposed
}

// IsUp reports whether the Job's current driver is ascending.
func (j *Job) IsUp() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.direction == dirUp
}

// IsDown reports whether the Job's current driver is descending.
func (j *Job) IsDown() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.direction == dirDown
}

// IsDone reports whether the Job has reached a terminal state.
func (j *Job) IsDone() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}

// IsCancelled reports whether Cancel has been called on this Job.
func (j *Job) IsCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// Cancel requests that this Job wind down as soon as possible. It is
// idempotent, non-blocking, and best-effort: it returns false if the Job
// is already done or already cancelled, true otherwise. Concurrent callers
// racing Cancel will see exactly one of them return true.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	if j.done || j.cancelled {
		j.mu.Unlock()
		return false
	}
	j.cancelled = true
	op := j.activeOp
	j.mu.Unlock()

	if op != nil {
		op.cancel()
	}
	return true
}

// ChangeProposedLevel retargets this Job to newLevel, returning the level
// that was previously proposed. Permitted only from inside a listener
// callback for this Job; otherwise returns ErrIllegalState. Returns
// ErrIllegalState if the Job is already done.
//
// If newLevel keeps the same direction (relative to the Context's current
// level) as the driver already running, the driver simply retargets. If
// it flips direction, the current driver winds down to the level it has
// already achieved, Wait callers observe WaitRepurposed once, and a fresh
// driver of the opposite direction is constructed and started.
func (j *Job) ChangeProposedLevel(newLevel Level) (Level, error) {
	// read before taking the job lock: the context lock is never acquired
	// while a Job lock is held
	current := j.ctx.Current()

	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.inCallback || j.done {
		return j.proposed, ErrIllegalState
	}

	old := j.proposed
	newDir := directionOf(current, newLevel)

	j.proposed = newLevel

	if newDir == j.direction {
		return old, nil
	}

	// direction flip (or collapse to idle): arm repurposing, for the
	// driver to observe at its next loop boundary.
	j.repurposing = true
	j.pendingDir = newDir
	return old, nil
}

// checkRepurpose is called by a driver at each loop boundary (after
// completing a level and dispatching progress). If a repurpose was armed
// by ChangeProposedLevel, it closes the current generation channel,
// starts the opposite driver (or finishes the Job, if the new direction
// collapsed to idle), and returns true - the calling driver must return
// immediately without finishing the Job itself.
func (j *Job) checkRepurpose() bool {
	j.mu.Lock()
	if !j.repurposing {
		j.mu.Unlock()
		return false
	}
	j.repurposing = false
	newDir := j.pendingDir
	target := j.proposed
	oldGen := j.genDone
	j.genDone = make(chan struct{})
	j.direction = newDir
	j.activeOp = nil
	j.mu.Unlock()

	close(oldGen)

	if newDir == dirIdle {
		j.finish(nil, false)
		return true
	}

	j.runDriverForDirection(newDir, target)
	return true
}

// start computes the initial direction from the Context's current level,
// and starts the appropriate driver (or finishes immediately, if the
// proposed level is already current).
func (j *Job) start() {
	current := j.ctx.Current()
	dir := directionOf(current, j.proposed)

	j.mu.Lock()
	j.direction = dir
	j.mu.Unlock()

	if dir == dirIdle {
		j.finish(nil, false)
		return
	}
	j.runDriverForDirection(dir, j.proposed)
}

func (j *Job) runDriverForDirection(dir direction, target Level) {
	switch dir {
	case dirUp:
		d := &upDriver{job: j, target: target}
		j.ctx.goOrInline(d.run)
	case dirDown:
		d := &downDriver{job: j, target: target}
		j.ctx.goOrInline(d.run)
	}
}

// setActiveOp records op as the thing Cancel should signal, under the job
// lock.
func (j *Job) setActiveOp(op cancellableOp) {
	j.mu.Lock()
	j.activeOp = op
	j.mu.Unlock()
}

func (j *Job) isCancelledNow() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// finish marks the Job done exactly once, recording err as its result,
// closing doneCh, and releasing the Context's single-job gate.
func (j *Job) finish(err error, cancelled bool) {
	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		return
	}
	j.done = true
	j.err = err
	if cancelled {
		j.cancelled = true
	}
	j.activeOp = nil
	close(j.doneCh)
	j.mu.Unlock()

	j.ctx.log.Info().
		Int(`proposed`, int(j.proposed)).
		Log(`runlevel: job finished`)

	j.ctx.jobDone(j)
}

// Wait blocks until the Job reaches a terminal state, is repurposed, or
// timeout elapses (a non-positive timeout waits indefinitely).
func (j *Job) Wait(timeout time.Duration) (WaitResult, error) {
	j.mu.Lock()
	if j.done {
		err := j.err
		j.mu.Unlock()
		return WaitDone, err
	}
	doneCh := j.doneCh
	genCh := j.genDone
	j.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case <-doneCh:
		j.mu.Lock()
		err := j.err
		j.mu.Unlock()
		return WaitDone, err
	case <-genCh:
		return WaitRepurposed, nil
	case <-timeoutCh:
		return WaitTimedOut, ErrTimedOut
	}
}

// dispatchProgressStarted invokes the progress-start listeners, from
// Context.Submit, before any driver has started.
func (j *Job) dispatchProgressStarted(level Level) {
	j.callbackMu.Lock()
	defer j.callbackMu.Unlock()
	j.setInCallback(true)
	defer j.setInCallback(false)
	j.listeners.dispatchProgressStarted(j, level)
}

func (j *Job) dispatchProgress(level Level) {
	j.callbackMu.Lock()
	defer j.callbackMu.Unlock()
	j.setInCallback(true)
	defer j.setInCallback(false)
	j.listeners.dispatchProgress(j, level)
}

func (j *Job) dispatchCancelled(level Level) {
	j.callbackMu.Lock()
	defer j.callbackMu.Unlock()
	j.setInCallback(true)
	defer j.setInCallback(false)
	j.listeners.dispatchCancelled(j, level)
}

func (j *Job) dispatchError(info ErrorInfo) ListenerAction {
	j.callbackMu.Lock()
	defer j.callbackMu.Unlock()
	j.setInCallback(true)
	defer j.setInCallback(false)
	return j.listeners.dispatchError(j, info)
}

func (j *Job) setInCallback(v bool) {
	j.mu.Lock()
	j.inCallback = v
	j.mu.Unlock()
}
