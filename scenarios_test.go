package runlevel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingListener captures every callback a Job dispatches, in order,
// for scenario assertions that care about sequencing rather than just
// the end state.
type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingListener) OnProgressStarted(job *Job, level Level) {
	r.record(`progressStarted(` + levelString(level) + `)`)
}

func (r *recordingListener) OnProgress(job *Job, level Level) {
	r.record(`progress(` + levelString(level) + `)`)
}

func (r *recordingListener) OnCancelled(job *Job, level Level) {
	r.record(`cancelled(` + levelString(level) + `)`)
}

func (r *recordingListener) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recordingListener) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func levelString(l Level) string {
	// small, test-only int->string without importing strconv twice over.
	if l == 0 {
		return `0`
	}
	neg := l < 0
	if neg {
		l = -l
	}
	var buf [20]byte
	i := len(buf)
	for l > 0 {
		i--
		buf[i] = byte('0' + l%10)
		l /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// S1: linear ascent, no deps, callbacks observed in order.
func TestScenario_S1_LinearAscent(t *testing.T) {
	loc := newFakeLocator()
	loc.add(newFakeDescriptor(`a`, 1))
	loc.add(newFakeDescriptor(`b`, 2))
	loc.add(newFakeDescriptor(`c`, 3))

	ctx := newTestContext(loc)
	rec := &recordingListener{}
	ctx.RegisterListener(ListenerProgressStarted, rec)
	ctx.RegisterListener(ListenerProgress, rec)

	job, err := ctx.Submit(3)
	require.NoError(t, err)
	res, err := job.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, WaitDone, res)
	assert.Equal(t, Level(3), ctx.Current())

	assert.Equal(t, []string{
		`progressStarted(0)`,
		`progress(1)`,
		`progress(2)`,
		`progress(3)`,
	}, rec.snapshot())
}

// S2: parallel-at-level, maxThreads=4, all four complete before progress(1).
func TestScenario_S2_ParallelAtLevel(t *testing.T) {
	loc := newFakeLocator()
	for _, name := range []string{`a`, `b`, `c`, `d`} {
		loc.add(newFakeDescriptor(name, 1))
	}

	var concurrentNow, maxConcurrent int32
	loc.activateFn = func(d *fakeDescriptor) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			n := atomic.AddInt32(&concurrentNow, 1)
			for {
				cur := atomic.LoadInt32(&maxConcurrent)
				if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&concurrentNow, -1)
			return nil
		}
	}

	ctx := NewContext(loc, NewBoundedDispatcher(4), newFakeTimer(), Config{MaxThreads: 4, UseThreads: true})

	job, err := ctx.Submit(1)
	require.NoError(t, err)
	res, err := job.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, WaitDone, res)
	assert.Equal(t, Level(1), ctx.Current())
	assert.Greater(t, atomic.LoadInt32(&maxConcurrent), int32(1), `expected genuine overlap across workers`)
}

// S3: would-block rotation. A depends on B, both at level 1, maxThreads=2.
// Whichever worker picks A first must defer it (WouldBlockError) and let
// the other worker take B; A is retried and activates after B.
func TestScenario_S3_WouldBlockRotation(t *testing.T) {
	loc := newFakeLocator()
	b := newFakeDescriptor(`b`, 1)
	a := newFakeDescriptor(`a`, 1, b)
	loc.add(a)
	loc.add(b)

	var mu sync.Mutex
	var order []string
	var bDone bool
	var aDeferrals int

	loc.activateFn = func(d *fakeDescriptor) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			if d.name == `a` && !bDone {
				aDeferrals++
				return WouldBlockError
			}
			order = append(order, d.name)
			if d.name == `b` {
				bDone = true
			}
			return nil
		}
	}

	ctx := NewContext(loc, NewBoundedDispatcher(2), newFakeTimer(), Config{MaxThreads: 2, UseThreads: true})

	job, err := ctx.Submit(1)
	require.NoError(t, err)
	res, err := job.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, WaitDone, res)
	assert.Equal(t, Level(1), ctx.Current())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`b`, `a`}, order, `a must retry and activate only after b`)
	assert.GreaterOrEqual(t, aDeferrals, 1, `a must have deferred at least once`)
}

// S4: ascent failure rollback. Level-2 activation fails with a STOP
// action; level-3 is never reached, level-1 stays active.
func TestScenario_S4_AscentFailureRollback(t *testing.T) {
	loc := newFakeLocator()
	loc.add(newFakeDescriptor(`a`, 1))
	loc.add(newFakeDescriptor(`b`, 2))
	c := newFakeDescriptor(`c`, 3)
	loc.add(c)

	loc.activateFn = func(d *fakeDescriptor) func(ctx context.Context) error {
		if d.name == `b` {
			return failHandle(d, assert.AnError)
		}
		return nil
	}
	ctx := newTestContext(loc)
	ctx.RegisterListener(ListenerError, errorListenerFunc(func(job *Job, info ErrorInfo) ListenerAction {
		return ActionGoToNextLowerLevelAndStop
	}))

	job, err := ctx.Submit(3)
	require.NoError(t, err)
	res, jobErr := job.Wait(time.Second)
	assert.Equal(t, WaitDone, res)
	require.Error(t, jobErr)

	var jf *JobFailure
	require.ErrorAs(t, jobErr, &jf)
	assert.Equal(t, Level(1), ctx.Current())

	for _, h := range loc.issued {
		if h.d.name == `c` {
			assert.Zero(t, h.activations, `level-3 service must never be activated`)
		}
	}
}

// S5: repurpose mid-flight. Inside onProgress(2), the listener reverses
// to target 0; waiters observe WaitRepurposed once, then Done at 0.
func TestScenario_S5_RepurposeMidFlight(t *testing.T) {
	loc := newFakeLocator()
	loc.add(newFakeDescriptor(`a`, 1))
	loc.add(newFakeDescriptor(`b`, 2))
	loc.add(newFakeDescriptor(`c`, 3))
	loc.add(newFakeDescriptor(`d`, 4))
	loc.add(newFakeDescriptor(`e`, 5))

	ctx := newTestContext(loc)
	listener := &reversingListener{triggerAt: 2, newTarget: 0}
	ctx.RegisterListener(ListenerProgress, listener)

	job, err := ctx.Submit(5)
	require.NoError(t, err)

	var repurposedCount int
	for {
		res, err := job.Wait(time.Second)
		require.NoError(t, err)
		if res == WaitRepurposed {
			repurposedCount++
			continue
		}
		assert.Equal(t, WaitDone, res)
		break
	}

	assert.Equal(t, 1, repurposedCount, `exactly one WaitRepurposed observed`)
	assert.Equal(t, Level(0), ctx.Current())
}

// S6: stuck descent hard-cancel. A service at level 2 hangs in
// destruction; cancel() with a short timeout. After two unchanged ticks
// the hard-cancel fires, the stuck destruction is abandoned to a fresh
// worker, and the Job reports cancelled at level 1.
func TestScenario_S6_StuckDescentHardCancel(t *testing.T) {
	loc := newFakeLocator()
	loc.add(newFakeDescriptor(`a`, 1))
	loc.add(newFakeDescriptor(`b`, 2))

	stuck := make(chan struct{})
	entered := make(chan struct{})
	loc.destroyFn = func(d *fakeDescriptor) func(ctx context.Context) error {
		if d.name != `b` {
			return nil
		}
		return func(ctx context.Context) error {
			close(entered)
			<-stuck
			return nil
		}
	}

	timer := newFakeTimer()
	ctx := NewContext(loc, NewBoundedDispatcher(2), timer, Config{
		MaxThreads:          2,
		UseThreads:          true,
		CancelTimeoutMillis: 100,
	})

	var cancelledAt Level
	ctx.RegisterListener(ListenerCancelled, cancelledListenerFunc(func(job *Job, level Level) {
		cancelledAt = level
	}))

	up, err := ctx.Submit(2)
	require.NoError(t, err)
	_, err = up.Wait(time.Second)
	require.NoError(t, err)

	down, err := ctx.Submit(0)
	require.NoError(t, err)

	<-entered
	assert.True(t, down.Cancel())

	timer.fire()
	timer.fire()

	res, jobErr := down.Wait(time.Second)
	assert.Equal(t, WaitDone, res)
	assert.NoError(t, jobErr)
	assert.True(t, down.IsCancelled())
	assert.Equal(t, Level(1), cancelledAt)
	assert.Equal(t, Level(1), ctx.Current())
}

// Invariant 1: single-job gate - a second Submit fails with ErrBusy while
// the first is in flight (covered more thoroughly in
// TestContext_Submit_ErrBusyWhileInFlight; this checks the gate releases
// cleanly afterward).
func TestInvariant_SingleJobGate_ReleasesAfterDone(t *testing.T) {
	loc := newFakeLocator()
	loc.add(newFakeDescriptor(`a`, 1))
	ctx := newTestContext(loc)

	job, err := ctx.Submit(1)
	require.NoError(t, err)
	_, err = job.Wait(time.Second)
	require.NoError(t, err)

	job2, err := ctx.Submit(0)
	require.NoError(t, err, `gate must release once the prior Job finishes`)
	_, err = job2.Wait(time.Second)
	require.NoError(t, err)
}

// Round-trip law: submit(L); wait(); submit(L); wait() on an error-free
// container leaves current()==L and produces zero new activations the
// second time.
func TestRoundTrip_ResubmitSameLevel_NoNewActivations(t *testing.T) {
	loc := newFakeLocator()
	loc.add(newFakeDescriptor(`a`, 1))
	loc.add(newFakeDescriptor(`b`, 2))
	ctx := newTestContext(loc)

	job, err := ctx.Submit(2)
	require.NoError(t, err)
	_, err = job.Wait(time.Second)
	require.NoError(t, err)
	require.Equal(t, Level(2), ctx.Current())

	before := len(loc.issued)

	job2, err := ctx.Submit(2)
	require.NoError(t, err)
	res, err := job2.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, WaitDone, res)
	assert.Equal(t, Level(2), ctx.Current())
	assert.Equal(t, before, len(loc.issued), `no new handles should be issued for a no-op submit`)
}

// Round-trip law: submit(L); cancel(); wait(); submit(L); wait() leaves
// current()==L if the cancellation completed, and every service torn
// down during cancel is re-activated.
func TestRoundTrip_CancelThenResubmit_ReactivatesTornDown(t *testing.T) {
	loc := newFakeLocator()
	loc.add(newFakeDescriptor(`a`, 1))
	loc.add(newFakeDescriptor(`b`, 2))

	entered := make(chan struct{})
	release := make(chan struct{})
	loc.activateFn = func(d *fakeDescriptor) func(ctx context.Context) error {
		if d.name != `b` {
			return nil
		}
		return func(ctx context.Context) error {
			close(entered)
			<-release
			return WasCancelledError
		}
	}

	ctx := NewContext(loc, NewBoundedDispatcher(2), newFakeTimer(), Config{MaxThreads: 2, UseThreads: true})

	job, err := ctx.Submit(2)
	require.NoError(t, err)

	<-entered
	assert.True(t, job.Cancel())
	close(release)

	_, err = job.Wait(time.Second)
	require.NoError(t, err)
	require.Equal(t, Level(1), ctx.Current())

	// second submit, this time letting b succeed.
	loc.activateFn = nil
	before := map[string]int{}
	for _, h := range loc.issued {
		before[h.d.name]++
	}

	job2, err := ctx.Submit(2)
	require.NoError(t, err)
	res, err := job2.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, WaitDone, res)
	assert.Equal(t, Level(2), ctx.Current())

	after := map[string]int{}
	for _, h := range loc.issued {
		after[h.d.name]++
	}
	assert.Greater(t, after[`b`], before[`b`], `b must be re-activated on resubmit`)
}
