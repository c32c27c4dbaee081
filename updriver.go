package runlevel

// upDriver drives a Job upward toward target, one level at a time, per
// SPEC_FULL.md §4.3 - §4.4.
type upDriver struct {
	job    *Job
	target Level
}

func (d *upDriver) run() {
	c := d.job.ctx
	for {
		current := c.Current()
		if current >= d.target {
			d.job.finish(nil, false)
			return
		}
		k := current + 1

		handles := c.snapshotAscending(k)
		handles = d.job.listeners.sort(k, handles)

		res := runAscentWorkerPool(c, d.job, k, handles)

		if res.cancelled {
			runSynthesizedCleanupDescent(d.job, k-1)
			d.job.dispatchCancelled(k - 1)
			d.job.finish(nil, true)
			return
		}

		if len(res.errs) > 0 {
			runSynthesizedCleanupDescent(d.job, k-1)
			d.job.finish(newJobFailure(res.errs), false)
			return
		}

		c.markLevelAchieved(k)
		d.job.dispatchProgress(k)

		if d.job.checkRepurpose() {
			return
		}
		// pick up a same-direction ChangeProposedLevel from the callback
		d.target = d.job.ProposedLevel()
	}
}
