package authgate

import "errors"

// Sentinel errors implementing the §7 error taxonomy for conditions that
// originate in the framework itself rather than in pipeline.ErrCycle (scheduler)
// or milter.ErrProtocol (wire engine), which live in their own packages.
var (
	// ErrUnknownHandler is returned by Activate when Config.LoadHandlers
	// names a handler that was never registered — a fatal global error
	// per §7 and §4.A.
	ErrUnknownHandler = errors.New("authgate: unknown handler")

	// ErrFatalWorker marks an uncaught failure inside handler
	// infrastructure (not inside a handler callback itself, which is
	// reified as a temperror/permerror fragment instead). The worker
	// owning it must log and exit; the supervisor replaces it.
	ErrFatalWorker = errors.New("authgate: fatal worker error")

	// ErrFatalGlobal marks a condition from which only the whole daemon
	// can recover: a scheduler cycle, an unknown handler, or an
	// unrecoverable bind failure. A worker that observes one signals the
	// parent via SIGTERM; the parent logs and exits.
	ErrFatalGlobal = errors.New("authgate: fatal global error")

	// ErrListenerCollision is returned when a data listener and the
	// metrics listener resolve to the same address/port — the §9 open
	// question on metric-port collision, resolved here by refusing to
	// start rather than leaving the behavior undefined.
	ErrListenerCollision = errors.New("authgate: data listener and metric listener collide")
)
