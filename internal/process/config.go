//go:build unix

package process

import (
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Default termination settings.
const (
	DefaultGracePeriod      = 500 * time.Millisecond
	DefaultKillPollInterval = 100 * time.Millisecond
)

// Config controls how handles created by a Spawner are terminated.
type Config struct {
	// GracePeriod is how long Close waits for the child to exit after
	// TermSignal before sending KillSignal.
	GracePeriod time.Duration
	// KillPollInterval is the granularity at which Close checks whether the
	// child has exited during the grace period.
	KillPollInterval time.Duration
	TermSignal       syscall.Signal
	KillSignal       syscall.Signal
}

// DefaultConfig returns the termination settings used by the default spawner.
func DefaultConfig() Config {
	return Config{
		GracePeriod:      DefaultGracePeriod,
		KillPollInterval: DefaultKillPollInterval,
		TermSignal:       syscall.SIGTERM,
		KillSignal:       syscall.SIGKILL,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.KillPollInterval <= 0 {
		c.KillPollInterval = def.KillPollInterval
	}
	if c.TermSignal == 0 {
		c.TermSignal = def.TermSignal
	}
	if c.KillSignal == 0 {
		c.KillSignal = def.KillSignal
	}
	return c
}

// Option configures a Spawner.
type Option func(*Spawner)

// WithConfig replaces the termination settings.
func WithConfig(cfg Config) Option {
	return func(s *Spawner) {
		s.cfg = cfg
	}
}

// WithGracePeriod overrides the time allowed between the termination and kill
// signals.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Spawner) {
		s.cfg.GracePeriod = d
	}
}

// WithKillPollInterval overrides how often Close checks for exit during the
// grace period.
func WithKillPollInterval(d time.Duration) Option {
	return func(s *Spawner) {
		s.cfg.KillPollInterval = d
	}
}

// WithLogger sets the logger used for lifecycle diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Spawner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver attaches an Observer notified of handle lifecycle transitions.
func WithObserver(o Observer) Option {
	return func(s *Spawner) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithRegistry tracks handles in r instead of the process-wide registry.
func WithRegistry(r *Registry) Option {
	return func(s *Spawner) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithExecutable sets the binary re-executed by SpawnFunc. It defaults to the
// running executable.
func WithExecutable(path string) Option {
	return func(s *Spawner) {
		s.executable = path
	}
}

// SpawnOption customises a single spawn.
type SpawnOption func(*spawnOptions)

type spawnOptions struct {
	dir   string
	env   map[string]string
	stdin *os.File
}

// WithDir runs the child in dir.
func WithDir(dir string) SpawnOption {
	return func(o *spawnOptions) {
		o.dir = dir
	}
}

// WithEnv adds variables to the environment inherited from the parent.
func WithEnv(env map[string]string) SpawnOption {
	return func(o *spawnOptions) {
		if len(env) == 0 {
			return
		}
		if o.env == nil {
			o.env = make(map[string]string, len(env))
		}
		for k, v := range env {
			o.env[k] = v
		}
	}
}

// WithStdin connects f to the child's standard input. By default the child
// reads from the null device. SpawnFunc ignores this option because the call
// payload is delivered on standard input.
func WithStdin(f *os.File) SpawnOption {
	return func(o *spawnOptions) {
		o.stdin = f
	}
}
