package process

import (
	"context"
	"sort"
	"sync"
)

// Func is a callable that can be executed in a child process by SpawnFunc.
// The context is cancelled when the child receives the termination signal,
// which gives the callable the grace period to return before it is killed.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

var (
	funcsMu sync.RWMutex
	funcs   = make(map[string]Func)
)

// Register associates fn with name. Registration must happen during program
// initialisation, identically in parent and child, which is naturally the case
// when it is done from an init function. Registering the same name twice
// replaces the earlier callable.
func Register(name string, fn Func) {
	if name == "" {
		panic("process.Register: name must not be empty")
	}
	if fn == nil {
		panic("process.Register: func must not be nil")
	}

	funcsMu.Lock()
	defer funcsMu.Unlock()
	funcs[name] = fn
}

// Lookup returns the callable registered under name.
func Lookup(name string) (Func, bool) {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	fn, ok := funcs[name]
	return fn, ok
}

// Funcs lists the registered callable names in lexical order.
func Funcs() []string {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
