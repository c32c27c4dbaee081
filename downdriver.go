package runlevel

// downDriver drives a Job (or a synthesized cleanup after a failed or
// cancelled ascent) strictly downward toward target, one level at a time,
// per SPEC_FULL.md §4.5.
//
// A synthesized cleanup descent (suppress == true) never dispatches
// progress/cancelled callbacks, never checks for repurposing, and never
// finishes the Job - it is run to completion inline by the upDriver that
// created it, purely to restore Context.Current to a consistent floor.
type downDriver struct {
	job      *Job
	target   Level
	suppress bool
}

// downExecResult reports how execute's loop ended.
type downExecResult struct {
	cancelled bool
	// dispatchLevel is the level to pass to Job.dispatchCancelled, already
	// adjusted for how far markLevelAchieved had progressed when the
	// cancellation was observed - callers must pass it straight through,
	// not adjust it further.
	dispatchLevel    Level
	handledElsewhere bool // checkRepurpose already finished or restarted the Job
}

// run drives a real, Job-owned descent to completion, dispatching
// callbacks and finishing the Job. Used both for descents requested
// directly via Submit and for the opposite driver started after a
// repurpose.
func (d *downDriver) run() {
	res := d.execute()
	if res.handledElsewhere {
		return
	}
	if res.cancelled {
		d.job.dispatchCancelled(res.dispatchLevel)
		d.job.finish(nil, true)
		return
	}
	d.job.finish(nil, false)
}

// execute tears down one level at a time until Context.Current reaches
// target (which may itself be lowered mid-loop, by a clamped destruction
// failure).
func (d *downDriver) execute() downExecResult {
	c := d.job.ctx
	for {
		current := c.Current()
		if current <= d.target {
			return downExecResult{}
		}
		k := current

		if !d.suppress && d.job.isCancelledNow() {
			// Current is still k here - markLevelAchieved(k-1) hasn't run
			// this iteration, so per spec.md:141 step 1, onCancelled(k) is
			// dispatched directly, matching Current.
			return downExecResult{cancelled: true, dispatchLevel: k}
		}

		c.markLevelAchieved(k - 1)
		handles := c.snapshotDescending(k)
		res := runDescentQueue(c, d.job, k, handles, d.suppress)

		if res.clamp {
			d.target = k - 1
		}

		if d.suppress {
			continue
		}

		if res.cancelled {
			// markLevelAchieved(k-1) already ran above, so Current is k-1;
			// dispatch that, not k.
			return downExecResult{cancelled: true, dispatchLevel: k - 1}
		}

		d.job.dispatchProgress(k - 1)
		if d.job.checkRepurpose() {
			return downExecResult{handledElsewhere: true}
		}
		// pick up a same-direction ChangeProposedLevel from the callback,
		// unless this level's teardown clamped the floor
		if !res.clamp {
			d.target = d.job.ProposedLevel()
		}
	}
}

// runSynthesizedCleanupDescent tears down everything above target, without
// touching the Job's callback or repurpose machinery, restoring Current to
// a consistent floor after a failed or cancelled ascent. Runs inline on
// the calling (driver) goroutine, to completion, before the caller
// finishes the Job.
func runSynthesizedCleanupDescent(job *Job, target Level) {
	d := &downDriver{job: job, target: target, suppress: true}
	d.execute()
}
