package runlevel

import (
	"fmt"

	"github.com/joeycumines/logiface"
)

// Logger is the structured-logging facade this package depends on,
// aliased to the generified form of github.com/joeycumines/logiface's
// Logger, so that callers aren't forced to pick a concrete Event type.
// A nil *Logger is valid, and discards all log calls (matching
// logiface's own nil-safety).
type Logger = logiface.Logger[logiface.Event]

// discardLogger is used wherever a Context is constructed without an
// explicit logger.
var discardLogger = logiface.New[logiface.Event]().Logger()

func loggerOrDiscard(l *Logger) *Logger {
	if l == nil {
		return discardLogger
	}
	return l
}

// logPanic records a recovered listener-callback panic at the
// observability boundary, per the propagation policy in SPEC_FULL.md §7:
// listener callback failures are swallowed, never propagated into the Job
// result.
func (j *Job) logPanic(callback string, recovered any) {
	j.ctx.log.Err().
		Err(fmt.Errorf(`%v`, recovered)).
		Str(`callback`, callback).
		Int(`level`, int(j.proposed)).
		Log(`runlevel: recovered panic in listener callback`)
}
