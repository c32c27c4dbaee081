package runlevel

import (
	"errors"
	"fmt"
)

// Standard errors returned by public Context and Job methods.
var (
	// ErrBusy is returned by Context.Submit when a Job is already in flight.
	ErrBusy = errors.New(`runlevel: a job is already in progress`)

	// ErrIllegalState is returned by Job.ChangeProposedLevel when called
	// outside of a listener callback for that Job, or on a Job that is done.
	ErrIllegalState = errors.New(`runlevel: illegal state`)

	// ErrTimedOut is returned by Job.Wait when the supplied timeout elapses
	// before the Job reaches a terminal or repurposed state.
	ErrTimedOut = errors.New(`runlevel: wait timed out`)

	// errWouldBlock is raised internally by activation, when a non-blocking
	// worker would have to wait on another worker's in-progress activation.
	// Never surfaced to listeners or callers.
	errWouldBlock = errors.New(`runlevel: activation would block`)

	// errWasCancelled is raised internally when an activation or destruction
	// is aborted by a hard cancel. Never surfaced to listeners or callers;
	// treated as a non-error completion.
	errWasCancelled = errors.New(`runlevel: was cancelled`)
)

// ActivationFailure wraps a failure raised by ServiceHandle.Activate,
// surfaced to ErrorListener.OnError during an ascent.
type ActivationFailure struct {
	Descriptor Descriptor
	Level      Level
	Cause      error
}

func (e *ActivationFailure) Error() string {
	return fmt.Sprintf(`runlevel: activation failed at level %d: %v`, e.Level, e.Cause)
}

func (e *ActivationFailure) Unwrap() error { return e.Cause }

// DestructionFailure wraps a failure raised by ServiceHandle.Destroy,
// surfaced to ErrorListener.OnError during a descent.
type DestructionFailure struct {
	Descriptor Descriptor
	Level      Level
	Cause      error
}

func (e *DestructionFailure) Error() string {
	return fmt.Sprintf(`runlevel: destruction failed at level %d: %v`, e.Level, e.Cause)
}

func (e *DestructionFailure) Unwrap() error { return e.Cause }

// JobFailure is the aggregate failure returned from Job.Wait, when an
// ascent is aborted due to one or more accumulated ActivationFailure
// values (after listener error actions have been applied).
type JobFailure struct {
	errs []error
}

func (e *JobFailure) Error() string {
	if len(e.errs) == 1 {
		return e.errs[0].Error()
	}
	return fmt.Sprintf(`runlevel: job failed with %d error(s): %v`, len(e.errs), errors.Join(e.errs...))
}

// Errors returns the accumulated failures wrapped by this JobFailure, in
// the order they were recorded.
func (e *JobFailure) Errors() []error { return append([]error(nil), e.errs...) }

// Unwrap supports errors.Is/errors.As over the accumulated failures.
func (e *JobFailure) Unwrap() []error { return e.errs }

// newJobFailure returns nil if errs is empty, otherwise a *JobFailure
// wrapping a defensive copy of errs.
func newJobFailure(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &JobFailure{errs: append([]error(nil), errs...)}
}
