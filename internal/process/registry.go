//go:build unix

package process

import (
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Info describes a live handle.
type Info struct {
	ID      uint64
	Pid     int
	Name    string
	Kind    string
	State   State
	Elapsed time.Duration
}

// Registry tracks the handles whose children have not yet completed or been
// closed, so that they can be terminated together when the parent is asked to
// shut down.
type Registry struct {
	mu   sync.Mutex
	live map[*child]struct{}

	hookSignals []os.Signal
	chain       func(os.Signal)
	logger      *zap.Logger
	hookOnce    sync.Once
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHookSignals sets the signals that trigger CloseAll. Passing no signals
// disables the hook.
func WithHookSignals(sigs ...os.Signal) RegistryOption {
	return func(r *Registry) {
		r.hookSignals = sigs
	}
}

// WithChain replaces what happens after the hook closed every handle. By
// default the signal is re-raised once the hook has stopped listening, so it
// reaches any other handler or, failing that, terminates the process.
func WithChain(fn func(os.Signal)) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.chain = fn
		}
	}
}

// WithRegistryLogger sets the logger used by the shutdown hook.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry builds an empty registry. The shutdown hook is installed with the
// first handle that is added.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		live:        make(map[*child]struct{}),
		hookSignals: []os.Signal{syscall.SIGTERM},
		chain:       reraise,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry used by the default
// spawner.
func DefaultRegistry() *Registry { return defaultRegistry }

func (r *Registry) add(c *child) {
	r.mu.Lock()
	r.live[c] = struct{}{}
	r.mu.Unlock()
	r.InstallHook()
}

func (r *Registry) remove(c *child) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[c]
	delete(r.live, c)
	return ok
}

func (r *Registry) children() []*child {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*child, 0, len(r.live))
	for c := range r.live {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Snapshot describes the live handles ordered by ID.
func (r *Registry) Snapshot() []Info {
	children := r.children()
	infos := make([]Info, 0, len(children))
	now := time.Now()
	for _, c := range children {
		c.mu.Lock()
		info := Info{
			ID:      c.id,
			Pid:     c.pid,
			Name:    c.name,
			Kind:    c.kind,
			State:   c.state,
			Elapsed: now.Sub(c.start),
		}
		c.mu.Unlock()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// CloseAll closes every live handle concurrently and returns how many it
// closed. Handles added while it runs are left alone.
func (r *Registry) CloseAll() int {
	children := r.children()
	var g errgroup.Group
	for _, c := range children {
		g.Go(func() error {
			c.close()
			return nil
		})
	}
	_ = g.Wait()
	return len(children)
}

// InstallHook arranges for the configured signals to close every live handle
// before the chained action runs. It is idempotent and is called
// automatically when the first handle is added. The hook fires once.
func (r *Registry) InstallHook() {
	if len(r.hookSignals) == 0 {
		return
	}
	r.hookOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, r.hookSignals...)
		go r.runHook(ch)
	})
}

func (r *Registry) runHook(ch chan os.Signal) {
	sig := <-ch
	n := r.CloseAll()
	r.logger.Info("closed live handles on signal",
		zap.Stringer("signal", sig),
		zap.Int("handles", n),
	)
	signal.Stop(ch)
	r.chain(sig)
}

func reraise(sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	_ = unix.Kill(os.Getpid(), s)
}
