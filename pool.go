package runlevel

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// RunLevelScope is the scope tag a Descriptor should report from Scope,
// for the would-block pre-check (SPEC_FULL.md §4.4.1) to walk its
// injection points. Descriptors outside this scope are assumed to be
// resolved eagerly elsewhere, and are not walked.
const RunLevelScope = `RunLevel`

// poolResult is the outcome of running an ascentWorkerPool over one
// level's services.
type poolResult struct {
	// errs accumulates only ActivationFailure values whose listener action
	// was ActionGoToNextLowerLevelAndStop; IGNORE-classified failures never
	// appear here.
	errs []error
	// cancelled is true if the pool's cancel was invoked and observed
	// before every handle completed.
	cancelled bool
}

// ascentWorkerPool performs bounded-parallel startup of every service at
// one level, per SPEC_FULL.md §4.4.
type ascentWorkerPool struct {
	ctx   *Context
	job   *Job
	level Level

	workerCount int

	queueMu     sync.Mutex
	queue       []ServiceHandle
	runningNow  int
	inFlightSet map[Descriptor]struct{}

	cancelled       boolFlag
	masterMu        sync.Mutex
	hardCancelTimer TimerHandle

	remaining sync.WaitGroup
	errsMu    sync.Mutex
	errsList  []error
}

// boolFlag is a tiny CAS-able flag, avoiding a full sync/atomic import
// fan-out for a single bit of state.
type boolFlag struct {
	mu  sync.Mutex
	set bool
}

func (f *boolFlag) trySet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return false
	}
	f.set = true
	return true
}

func (f *boolFlag) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// runAscentWorkerPool schedules every handle in handles for activation at
// level, returning once all have completed, parked-forever-abandoned (on
// cancel), or been hard-cancelled.
func runAscentWorkerPool(ctx *Context, job *Job, level Level, handles []ServiceHandle) poolResult {
	if len(handles) == 0 {
		return poolResult{}
	}

	p := &ascentWorkerPool{
		ctx:         ctx,
		job:         job,
		level:       level,
		queue:       append([]ServiceHandle(nil), handles...),
		inFlightSet: make(map[Descriptor]struct{}),
	}
	p.workerCount = ctx.config.workers(len(handles))
	if p.workerCount < 1 {
		p.workerCount = 1
	}
	p.remaining.Add(len(handles))

	job.setActiveOp(p)
	defer job.setActiveOp(nil)

	var workers sync.WaitGroup
	for i := 0; i < p.workerCount-1; i++ {
		workers.Add(1)
		ctx.goOrInline(func() {
			defer workers.Done()
			p.worker()
		})
	}
	p.worker() // calling goroutine is the final worker
	workers.Wait()
	p.remaining.Wait()

	p.masterMu.Lock()
	if p.hardCancelTimer != nil {
		p.hardCancelTimer.Stop()
	}
	p.masterMu.Unlock()

	p.errsMu.Lock()
	errs := append([]error(nil), p.errsList...)
	p.errsMu.Unlock()

	return poolResult{errs: errs, cancelled: p.cancelled.get()}
}

// cancel implements cancellableOp, arming the hard-cancel timer (if
// configured) and abandoning every handle not yet picked up by a worker.
func (p *ascentWorkerPool) cancel() {
	if !p.cancelled.trySet() {
		return
	}

	p.queueMu.Lock()
	drained := p.queue
	p.queue = nil
	p.queueMu.Unlock()
	for range drained {
		p.remaining.Done()
	}

	timeout := p.ctx.config.cancelTimeout()
	if timeout > 0 && p.ctx.timer != nil {
		p.masterMu.Lock()
		p.hardCancelTimer = p.ctx.timer.AfterFunc(timeout, p.hardCancelOutstanding)
		p.masterMu.Unlock()
	}
}

func (p *ascentWorkerPool) hardCancelOutstanding() {
	p.queueMu.Lock()
	outstanding := maps.Keys(p.inFlightSet)
	p.queueMu.Unlock()

	for _, d := range outstanding {
		p.ctx.hardCancelOne(d)
	}
}

// worker implements the per-worker loop of SPEC_FULL.md §4.4.
func (p *ascentWorkerPool) worker() {
	var parked ServiceHandle
	alreadyTried := make(map[Descriptor]struct{})

	for {
		p.queueMu.Lock()

		if parked != nil {
			if p.cancelled.get() {
				p.queueMu.Unlock()
				parked = nil
				p.remaining.Done()
				continue
			}
			p.queue = append(p.queue, parked)
			alreadyTried[parked.Descriptor()] = struct{}{}
			parked = nil
		}

		if len(p.queue) == 0 {
			p.queueMu.Unlock()
			return
		}

		blockMode := len(p.queue) <= p.workerCount-p.runningNow

		var h ServiceHandle
		if blockMode {
			h = p.queue[0]
			p.queue = p.queue[1:]
		} else {
			idx := -1
			for i, cand := range p.queue {
				if _, tried := alreadyTried[cand.Descriptor()]; !tried {
					idx = i
					break
				}
			}
			if idx < 0 {
				h = p.queue[0]
				p.queue = p.queue[1:]
				blockMode = true
			} else {
				h = p.queue[idx]
				p.queue = slices.Delete(p.queue, idx, idx+1)
			}
		}

		p.runningNow++
		p.inFlightSet[h.Descriptor()] = struct{}{}
		p.queueMu.Unlock()

		wouldBlock := p.activateOne(h, blockMode)

		p.queueMu.Lock()
		p.runningNow--
		delete(p.inFlightSet, h.Descriptor())
		p.queueMu.Unlock()

		if wouldBlock {
			parked = h
			continue
		}
		p.remaining.Done()
	}
}

// activateOne runs the activation protocol for h, returning true if it
// was parked as would-block (and must be retried), false if it completed
// (successfully, tolerated, or accumulated as a failure).
func (p *ascentWorkerPool) activateOne(h ServiceHandle, blockMode bool) (parked bool) {
	d := h.Descriptor()

	mode := ActivationBlocking
	if !blockMode {
		mode = ActivationNonBlocking
		if p.ctx.wouldBlockPreCheck(d) {
			return true
		}
	}

	h.SetScratch(scratchKeyActivationMode, mode)
	actCtx, end := p.ctx.beginInFlight(context.Background(), d)
	err := h.Activate(actCtx)
	end()
	h.SetScratch(scratchKeyActivationMode, nil)

	switch {
	case err == nil:
		return false

	case errors.Is(err, errWouldBlock):
		return true

	case errors.Is(err, errWasCancelled):
		return false

	default:
		action := p.job.dispatchError(ErrorInfo{
			Descriptor: d,
			Level:      p.level,
			Ascending:  true,
			Err:        err,
		})
		p.ctx.recordError(d, err, action)
		if action == ActionGoToNextLowerLevelAndStop {
			p.errsMu.Lock()
			p.errsList = append(p.errsList, &ActivationFailure{Descriptor: d, Level: p.level, Cause: err})
			p.errsMu.Unlock()
		}
		return false
	}
}

// wouldBlockPreCheck walks d and the transitive closure of its
// RunLevelScope injection points, pruning cycles, reporting true if any
// visited descriptor is currently being activated elsewhere. Advisory
// only: a false negative is handled by Activate itself raising
// errWouldBlock.
func (c *Context) wouldBlockPreCheck(d Descriptor) bool {
	visited := make(map[Descriptor]struct{})
	var walk func(d Descriptor) bool
	walk = func(d Descriptor) bool {
		if _, ok := visited[d]; ok {
			return false
		}
		visited[d] = struct{}{}
		if c.wouldBlockRightNow(d) {
			return true
		}
		for _, dep := range d.InjectionPoints() {
			if dep.Scope() != RunLevelScope {
				continue
			}
			if walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(d)
}
