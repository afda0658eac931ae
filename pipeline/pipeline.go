// Package pipeline implements the topological handler scheduler described
// in §4.E: given the active handler set and a lifecycle stage, it computes a
// valid dispatch order satisfying every declared requires_before/
// required_after edge, caches that order for the worker's lifetime, and
// walks it on every stage event.
package pipeline

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"

	"github.com/sentrymta/authgate"
)

// ErrCycle is the fatal global error raised when a stage's dependency graph
// cannot be topologically sorted — §4.E step 3's "Could not build order
// list," also exercised by §8 scenario 5.
var ErrCycle = errors.New("could not build order list")

// Scheduler holds, per stage, the cached dispatch order for one worker's
// active handler set. It is built once per worker (mirroring §4.E's "cached
// for the worker's lifetime") and is read-only thereafter, so it needs no
// locking even though every connection in the worker shares it.
type Scheduler struct {
	active []authgate.ActiveHandler
	byName map[string]authgate.ActiveHandler
	order  map[authgate.Stage][]authgate.ActiveHandler
}

// NewScheduler builds the per-stage dispatch order for active. It returns
// ErrCycle, wrapped with the offending stage, if any stage's dependency
// graph contains a cycle.
func NewScheduler(active []authgate.ActiveHandler) (*Scheduler, error) {
	s := &Scheduler{
		active: active,
		byName: make(map[string]authgate.ActiveHandler, len(active)),
		order:  make(map[authgate.Stage][]authgate.ActiveHandler),
	}
	for _, h := range active {
		s.byName[h.Descriptor.Name] = h
	}
	for _, stage := range authgate.Stages {
		order, err := sortStage(active, stage)
		if err != nil {
			return nil, fmt.Errorf("pipeline: stage %s: %w", stage, err)
		}
		s.order[stage] = order
	}
	return s, nil
}

// Order returns the cached dispatch order for stage: every active handler
// that declares support for it, in scheduler order.
func (s *Scheduler) Order(stage authgate.Stage) []authgate.ActiveHandler {
	return s.order[stage]
}

// Dispatch walks the cached order for stage, invoking call for each handler
// in turn. call is expected to type-assert the handler instance to the
// per-stage interface it needs (ConnectHandler, HeaderHandler, ...) and
// invoke it with the stage-specific arguments; Dispatch itself is agnostic
// to argument shape, matching §4.E's separation between "compute order" and
// "dispatch."
//
// An error returned by call is never propagated to the caller: per §7's
// propagation policy, handler errors are reified as a single
// method=temperror fragment on the Context and logged, and dispatch
// continues with the next handler in order — one handler's failure never
// aborts its peers.
func (s *Scheduler) Dispatch(stage authgate.Stage, ctx *authgate.Context, call func(authgate.ActiveHandler) error) {
	for _, h := range s.order[stage] {
		if err := call(h); err != nil {
			ctx.Logger.Warn("handler temperror",
				"handler", h.Descriptor.Name, "stage", stage, "error", err)
			ctx.AddAuthHeader(authgate.ResultFragment{
				Method: h.Descriptor.Name,
				Result: "temperror",
			})
		}
	}
}

// sortStage implements §4.E's algorithm for one stage.
func sortStage(active []authgate.ActiveHandler, stage authgate.Stage) ([]authgate.ActiveHandler, error) {
	byName := make(map[string]authgate.ActiveHandler)
	var todo []string
	for _, h := range active {
		if !h.Descriptor.Supports(stage) {
			continue
		}
		byName[h.Descriptor.Name] = h
		todo = append(todo, h.Descriptor.Name)
	}
	sort.Strings(todo)

	// requires[name] is the set of peer names that must be emitted before
	// name can be emitted at this stage.
	requires := make(map[string]map[string]bool, len(todo))
	for _, name := range todo {
		desc := byName[name].Descriptor
		set := make(map[string]bool)
		for _, peer := range desc.RequiresBefore[stage] {
			set[peer] = true
		}
		requires[name] = set
	}
	// Fold required_after into the peer's requires_before edge, per step 2:
	// "for each handler declaring required_after[stage] including peer P,
	// inject a requires_before edge on P toward this handler."
	for _, name := range todo {
		desc := byName[name].Descriptor
		for _, peer := range desc.RequiredAfter[stage] {
			if _, ok := requires[name]; ok {
				requires[name][peer] = true
			}
		}
	}

	// dependents[req] lists the names whose requires[name] set includes req,
	// so emitting req can be propagated to them in O(1) rather than rescanning
	// every remaining node on each step.
	dependents := make(map[string][]string, len(todo))
	pending := make(map[string]int, len(todo))
	for name, reqs := range requires {
		pending[name] = len(reqs)
		for req := range reqs {
			dependents[req] = append(dependents[req], name)
		}
	}

	// §4.E/§8's tie-break requires the single lexicographically smallest
	// ready handler to be chosen at each step, not a whole batch of
	// simultaneously-ready handlers sorted together: a dependency satisfied
	// mid-pass must be able to jump ahead of alphabetically earlier handlers
	// that were already ready. A min-heap over ready names gives exactly
	// that one-at-a-time selection.
	ready := &nameHeap{}
	for _, name := range todo {
		if pending[name] == 0 {
			heap.Push(ready, name)
		}
	}

	var order []authgate.ActiveHandler
	for ready.Len() > 0 {
		name := heap.Pop(ready).(string)
		order = append(order, byName[name])
		for _, dep := range dependents[name] {
			pending[dep]--
			if pending[dep] == 0 {
				heap.Push(ready, dep)
			}
		}
	}
	if len(order) != len(todo) {
		return nil, ErrCycle
	}
	return order, nil
}

// nameHeap is a min-heap of handler names, giving sortStage's Kahn's-algorithm
// loop its lexicographically-smallest-ready-node-first selection.
type nameHeap []string

func (h nameHeap) Len() int            { return len(h) }
func (h nameHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h nameHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nameHeap) Push(x any)         { *h = append(*h, x.(string)) }
func (h *nameHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
