package authgate

import (
	"fmt"
	"sort"
	"sync"
)

// registration pairs a handler's static descriptor with the factory that
// produces instances of it.
type registration struct {
	descriptor HandlerDescriptor
	factory    Factory
}

var (
	registryMu sync.Mutex
	registry   = map[string]registration{}
)

// Register adds a handler module to the compile-time registry. Handler
// packages call this from an init() function, replacing the source's
// filesystem-scanning module discovery (§9 "Dynamic module discovery") with
// a registry populated purely by which handler packages the daemon binary
// imports.
//
// Register panics if name is already registered; it is meant to run during
// package initialization, where a duplicate is a programming error, not a
// runtime condition to recover from.
func Register(desc HandlerDescriptor, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if desc.Name == "" {
		panic("authgate: handler registered with empty name")
	}
	if _, exists := registry[desc.Name]; exists {
		panic(fmt.Sprintf("authgate: handler %q registered twice", desc.Name))
	}
	registry[desc.Name] = registration{descriptor: desc, factory: factory}
}

// RegisteredNames returns every handler name currently registered, sorted
// lexicographically.
func RegisteredNames() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveHandler is one instantiated handler paired with its descriptor, the
// unit the pipeline scheduler consumes.
type ActiveHandler struct {
	Descriptor HandlerDescriptor
	Instance   Handler
}

// Activate resolves Config.LoadHandlers against the compile-time registry
// and constructs one instance per name, in the order declared. An unknown
// name is fatal at worker startup per §4.A — Activate returns an error the
// caller must treat as a fatal global error (§7), not a retryable one.
func Activate(loadHandlers []string) ([]ActiveHandler, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	active := make([]ActiveHandler, 0, len(loadHandlers))
	for _, name := range loadHandlers {
		reg, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
		}
		instance, err := reg.factory()
		if err != nil {
			return nil, fmt.Errorf("authgate: constructing handler %q: %w", name, err)
		}
		if instance.Name() != reg.descriptor.Name {
			return nil, fmt.Errorf("authgate: handler %q constructed an instance reporting name %q", name, instance.Name())
		}
		active = append(active, ActiveHandler{Descriptor: reg.descriptor, Instance: instance})
	}
	return active, nil
}
