package runlevel

// ListenerAction is returned by ErrorListener.OnError, to tell the Job how
// to proceed after an activation or destruction failure.
type ListenerAction int

const (
	// ActionIgnore continues processing the level the failure occurred at,
	// without accumulating the failure into the Job's eventual JobFailure.
	ActionIgnore ListenerAction = iota
	// ActionGoToNextLowerLevelAndStop aborts the current level: during an
	// ascent, it triggers an automatic descent back one level; during a
	// descent, it clamps the descent floor at the current level.
	ActionGoToNextLowerLevelAndStop
)

// ErrorInfo describes a single activation or destruction failure, passed
// to ErrorListener.OnError.
type ErrorInfo struct {
	// Descriptor identifies the service that failed.
	Descriptor Descriptor
	// Level is the level being processed when the failure occurred.
	Level Level
	// Ascending is true for an activation failure, false for a destruction
	// failure.
	Ascending bool
	// Err is the underlying cause.
	Err error
}

// ProgressStartedListener is notified once, when a Job is submitted,
// before its driver starts.
type ProgressStartedListener interface {
	OnProgressStarted(job *Job, currentLevel Level)
}

// ProgressListener is notified each time a Job completes processing of a
// level, in either direction.
type ProgressListener interface {
	OnProgress(job *Job, level Level)
}

// CancelledListener is notified once, when a Job finishes unwinding after
// a cancellation took effect.
type CancelledListener interface {
	OnCancelled(job *Job, level Level)
}

// ErrorListener is notified for every activation or destruction failure,
// and decides how the Job should proceed.
type ErrorListener interface {
	OnError(job *Job, info ErrorInfo) ListenerAction
}

// Sorter may reorder the list of services about to be scheduled at a
// level, during an ascent. Returning nil means "no change".
type Sorter interface {
	Sort(level Level, handles []ServiceHandle) []ServiceHandle
}

// ListenerKind selects which callback surface RegisterListener binds to.
type ListenerKind int

const (
	ListenerProgressStarted ListenerKind = iota
	ListenerProgress
	ListenerCancelled
	ListenerError
)

// listenerSet is the Context's registered listeners, snapshotted by value
// (the slices, not their contents) into every Job at submit time.
type listenerSet struct {
	progressStarted []ProgressStartedListener
	progress        []ProgressListener
	cancelled       []CancelledListener
	error           []ErrorListener
	sorters         []Sorter
}

func (s *listenerSet) snapshot() listenerSet {
	return listenerSet{
		progressStarted: append([]ProgressStartedListener(nil), s.progressStarted...),
		progress:        append([]ProgressListener(nil), s.progress...),
		cancelled:       append([]CancelledListener(nil), s.cancelled...),
		error:           append([]ErrorListener(nil), s.error...),
		sorters:         append([]Sorter(nil), s.sorters...),
	}
}

// dispatchProgressStarted invokes every progress-start listener, recovering
// and logging (rather than propagating) any panic, per the propagation
// policy: listener failures are swallowed at the observability boundary.
func (s *listenerSet) dispatchProgressStarted(job *Job, level Level) {
	for _, l := range s.progressStarted {
		func() {
			defer recoverListenerPanic(job, `OnProgressStarted`)
			l.OnProgressStarted(job, level)
		}()
	}
}

func (s *listenerSet) dispatchProgress(job *Job, level Level) {
	for _, l := range s.progress {
		func() {
			defer recoverListenerPanic(job, `OnProgress`)
			l.OnProgress(job, level)
		}()
	}
}

func (s *listenerSet) dispatchCancelled(job *Job, level Level) {
	for _, l := range s.cancelled {
		func() {
			defer recoverListenerPanic(job, `OnCancelled`)
			l.OnCancelled(job, level)
		}()
	}
}

// dispatchError invokes every error listener for info, applying the "any
// STOP wins over IGNORE" rule (see SPEC_FULL.md open question 1): the
// aggregate action is ActionGoToNextLowerLevelAndStop if any listener
// returned it, regardless of registration order.
func (s *listenerSet) dispatchError(job *Job, info ErrorInfo) (action ListenerAction) {
	action = ActionIgnore
	for _, l := range s.error {
		func() {
			defer recoverListenerPanic(job, `OnError`)
			if l.OnError(job, info) == ActionGoToNextLowerLevelAndStop {
				action = ActionGoToNextLowerLevelAndStop
			}
		}()
	}
	return action
}

// sort runs handles through every registered sorter in order, treating a
// sorter returning nil, or panicking, as "no change" for that sorter.
func (s *listenerSet) sort(level Level, handles []ServiceHandle) []ServiceHandle {
	for _, srt := range s.sorters {
		reordered := func() (out []ServiceHandle) {
			defer func() {
				if recover() != nil {
					out = nil
				}
			}()
			return srt.Sort(level, handles)
		}()
		if reordered != nil {
			handles = reordered
		}
	}
	return handles
}

func recoverListenerPanic(job *Job, callback string) {
	if r := recover(); r != nil {
		job.logPanic(callback, r)
	}
}
