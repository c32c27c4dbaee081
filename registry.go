package runlevel

// descriptorRecord is the per-descriptor bookkeeping the Context keeps
// between transitions: the latest recorded failure, and the latest
// listener action (IGNORE or GoToNextLowerLevelAndStop) applied to it.
//
// Guarded entirely by the Context lock; no independent locking of its own
// is needed, unlike catrate.Limiter's sync.Map category cache, since
// every access here already happens while the context lock is held.
type descriptorRecord struct {
	err    error
	action ListenerAction
}

// registry is the Context's per-descriptor error/action bookkeeping,
// cleared at the start of every Job and populated as errors are recorded
// during that Job's run.
type registry struct {
	records map[Descriptor]*descriptorRecord
}

func newRegistry() *registry {
	return &registry{records: make(map[Descriptor]*descriptorRecord)}
}

// clear discards all recorded errors and actions, called when a new Job
// begins.
func (r *registry) clear() {
	clear(r.records)
}

// record stores err and action against descriptor, overwriting any
// previous record.
func (r *registry) record(d Descriptor, err error, action ListenerAction) {
	r.records[d] = &descriptorRecord{err: err, action: action}
}
