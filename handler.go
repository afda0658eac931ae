package authgate

// HandlerDescriptor is the static, compile-time description of one loaded
// handler module, per §3's "Handler Descriptor". It never changes after
// registration; the pipeline scheduler consults it to compute dispatch
// order and the registry consults it to validate `load_handlers`.
type HandlerDescriptor struct {
	Name string

	// SupportedStages lists the lifecycle stages this handler declares a
	// callback for. The scheduler only ever looks up a handler's ordering
	// edges and callback within a stage it declares here.
	SupportedStages []Stage

	// RequiresBefore[stage] names peer handlers that must run before this
	// one at that stage. RequiredAfter[stage] names peers that must run
	// after this one; the scheduler folds RequiredAfter into the peer's
	// RequiresBefore edge before sorting, per §4.E step 2.
	RequiresBefore map[Stage][]string
	RequiredAfter  map[Stage][]string

	// MetricsDeclared lists counter/histogram names this handler exposes to
	// the metrics sideband listener via register_metrics.
	MetricsDeclared []string
}

// Supports reports whether the descriptor declares a callback at stage.
func (d HandlerDescriptor) Supports(stage Stage) bool {
	for _, s := range d.SupportedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// Handler is the marker interface every handler module instance satisfies.
// Name must match the Name on the HandlerDescriptor it was registered with —
// the pipeline scheduler and the Authentication-Results assembler both key
// state off this string.
//
// A handler implements whichever of the per-stage interfaces below
// correspond to the stages in its HandlerDescriptor.SupportedStages; it is a
// registration error (caught at Registry.Active time) to declare a stage
// without implementing the matching interface.
type Handler interface {
	Name() string
}

// Per-stage callback interfaces. A handler implements the subset matching
// its declared SupportedStages; the pipeline dispatcher type-asserts for
// each in turn rather than requiring a single fat interface, so handlers
// that only care about, say, EnvFrom and EOM need not stub out the rest.
type (
	ConnectHandler interface {
		Connect(ctx *Context) error
	}
	HeloHandler interface {
		Helo(ctx *Context, name string) error
	}
	EnvFromHandler interface {
		EnvFrom(ctx *Context, addr string, params map[string]string) error
	}
	EnvRcptHandler interface {
		EnvRcpt(ctx *Context, addr string, params map[string]string) error
	}
	HeaderHandler interface {
		Header(ctx *Context, name, value string) error
	}
	EOHHandler interface {
		EOH(ctx *Context) error
	}
	BodyHandler interface {
		Body(ctx *Context, chunk []byte) error
	}
	EOMHandler interface {
		EOM(ctx *Context) error
	}
	AbortHandler interface {
		Abort(ctx *Context) error
	}
	CloseHandler interface {
		Close(ctx *Context) error
	}
)

// Optional lifecycle hooks, per §3's "Handler Descriptor" hook list. None are
// required; the supervisor and registry check for each via type assertion.
type (
	// PreLoopSetupHook runs once in the parent before the accept loop starts.
	PreLoopSetupHook interface {
		PreLoopSetup() error
	}
	// PreForkSetupHook runs in the parent immediately before each child fork.
	PreForkSetupHook interface {
		PreForkSetup() error
	}
	// SetupHook runs once in the child after fork, before the accept loop.
	SetupHook interface {
		Setup() error
	}
	// DestroyHook runs once when the handler is being torn down (worker exit).
	DestroyHook interface {
		Destroy() error
	}
)

// Factory constructs one Handler instance. The registry calls it once per
// worker during setup_handlers (§4.I), so factories may safely allocate
// per-worker resources (e.g. a DNS resolver handle) but must not share
// mutable state across the instances they produce for different workers.
type Factory func() (Handler, error)
