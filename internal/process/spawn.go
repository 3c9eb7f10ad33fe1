//go:build unix

package process

import (
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// childFuncEnv names the callable a re-executed binary must run.
const childFuncEnv = "COPEN_CHILD_FUNC"

var handleIDs atomic.Uint64

// Spawner starts children that share termination settings, a registry, a
// logger and an observer.
type Spawner struct {
	cfg        Config
	registry   *Registry
	logger     *zap.Logger
	observer   Observer
	executable string
}

// NewSpawner builds a Spawner. Without options it uses DefaultConfig, the
// process-wide registry, no logging and no observer.
func NewSpawner(opts ...Option) *Spawner {
	s := &Spawner{
		cfg:      DefaultConfig(),
		registry: DefaultRegistry(),
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.normalized()
	return s
}

// Config returns the spawner's effective termination settings.
func (s *Spawner) Config() Config { return s.cfg }

// Registry returns the registry tracking the spawner's live handles.
func (s *Spawner) Registry() *Registry { return s.registry }

var (
	defaultMu      sync.RWMutex
	defaultSpawner = NewSpawner()
)

// Default returns the spawner used by the package-level Spawn and SpawnFunc.
func Default() *Spawner {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultSpawner
}

// SetDefault replaces the spawner used by the package-level functions.
func SetDefault(s *Spawner) {
	if s == nil {
		return
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultSpawner = s
}

// Spawn starts path with args using the default spawner.
func Spawn(path string, args ...string) (*Handle, error) {
	return Default().Spawn(path, args...)
}

// SpawnFunc runs the named callable in a child process using the default
// spawner.
func SpawnFunc(name string, args []any, kwargs map[string]any, opts ...SpawnOption) (*ResultHandle, error) {
	return Default().SpawnFunc(name, args, kwargs, opts...)
}

// Spawn starts the program at path with args. A path without a separator is
// resolved against PATH. The child's argv is args with path prepended unless
// args already starts with path, so Spawn("echo", "echo", "hi") and
// Spawn("echo", "hi") both print "hi". The child's standard output is
// captured for Read and its standard error is kept for Stderr.
func (s *Spawner) Spawn(path string, args ...string) (*Handle, error) {
	return s.SpawnWith(path, args)
}

// SpawnWith is Spawn with per-child options.
func (s *Spawner) SpawnWith(path string, args []string, opts ...SpawnOption) (*Handle, error) {
	o := applySpawnOptions(opts)
	resolved, err := exec.LookPath(path)
	if err != nil {
		s.observer.SpawnFailed(KindCommand)
		return nil, &SpawnError{Path: path, Err: err}
	}

	argv := args
	if len(args) == 0 || args[0] != path {
		argv = append([]string{path}, args...)
	}
	c, err := s.start(KindCommand, path, resolved, argv, o, o.stdin)
	if err != nil {
		return nil, err
	}
	return newHandle(c), nil
}

// SpawnFunc runs the callable registered under name in a re-executed copy of
// the current binary, which must call Init first thing in main. The encoded
// return value is available from ResultHandle.Read; an error or panic inside
// the callable is returned from Poll, Wait or Read as a *CallError.
func (s *Spawner) SpawnFunc(name string, args []any, kwargs map[string]any, opts ...SpawnOption) (*ResultHandle, error) {
	if _, ok := Lookup(name); !ok {
		s.observer.SpawnFailed(KindCallable)
		return nil, &SpawnError{Path: name, Err: ErrUnknownFunc}
	}
	payload, err := encodeCall(Call{Name: name, Args: args, Kwargs: kwargs})
	if err != nil {
		s.observer.SpawnFailed(KindCallable)
		return nil, err
	}
	exe, err := s.executablePath()
	if err != nil {
		s.observer.SpawnFailed(KindCallable)
		return nil, &SpawnError{Path: name, Err: err}
	}

	o := applySpawnOptions(append(opts, WithEnv(map[string]string{childFuncEnv: name})))
	in, err := newPipe()
	if err != nil {
		s.observer.SpawnFailed(KindCallable)
		return nil, &SpawnError{Path: name, Err: err}
	}
	stdin := in.reader("stdin")
	c, err := s.start(KindCallable, name, exe, []string{exe}, o, stdin)
	_ = stdin.Close()
	if err != nil {
		in.close()
		return nil, err
	}

	go deliver(in.writer("call"), payload, c.logger)
	return &ResultHandle{h: newHandle(c)}, nil
}

func (s *Spawner) executablePath() (string, error) {
	if s.executable != "" {
		return s.executable, nil
	}
	return os.Executable()
}

// start creates the output pipes and starts the child. The parent's copies of
// the write ends are closed once the child holds them, so end-of-file on the
// read ends means the child, and anything it forked, has exited or closed its
// output.
func (s *Spawner) start(kind, name, path string, argv []string, o spawnOptions, stdin *os.File) (*child, error) {
	fail := func(err error) (*child, error) {
		s.observer.SpawnFailed(kind)
		return nil, &SpawnError{Path: name, Err: err}
	}

	if stdin == nil {
		null, err := os.Open(os.DevNull)
		if err != nil {
			return fail(err)
		}
		defer null.Close()
		stdin = null
	}

	stdout, err := newPipe()
	if err != nil {
		return fail(err)
	}
	stderr, err := newPipe()
	if err != nil {
		stdout.close()
		return fail(err)
	}
	wake, err := newPipe()
	if err != nil {
		stdout.close()
		stderr.close()
		return fail(err)
	}

	outW := stdout.writer("stdout")
	errW := stderr.writer("stderr")
	proc, err := os.StartProcess(path, argv, &os.ProcAttr{
		Dir:   o.dir,
		Env:   mergeEnv(o.env),
		Files: []*os.File{stdin, outW, errW},
	})
	_ = outW.Close()
	_ = errW.Close()
	if err != nil {
		stdout.close()
		stderr.close()
		wake.close()
		return fail(err)
	}

	c := &child{
		id:       handleIDs.Add(1),
		pid:      proc.Pid,
		name:     name,
		kind:     kind,
		stdoutFd: stdout.r,
		proc:     proc,
		cfg:      s.cfg,
		registry: s.registry,
		observer: s.observer,
		stdout:   newStream(stdout.r),
		stderr:   newStream(stderr.r),
		state:    StateRunning,
		start:    time.Now(),
		exitCode: -1,
		watch:    [2]int{stdout.r, stderr.r},
		wakeR:    wake.r,
		wakeW:    wake.w,
	}
	c.logger = s.logger.With(
		zap.Uint64("handle", c.id),
		zap.String("kind", kind),
		zap.String("name", name),
		zap.Int("pid", c.pid),
	)

	s.registry.add(c)
	s.observer.HandleStarted(kind)
	c.logger.Debug("child spawned")
	return c, nil
}

// deliver writes the call payload to the child's standard input. A child that
// exits without reading it surfaces as EPIPE here and is reported through the
// handle instead.
func deliver(w *os.File, payload []byte, logger *zap.Logger) {
	defer w.Close()
	if _, err := w.Write(payload); err != nil {
		logger.Debug("deliver call payload", zap.Error(err))
	}
}

func applySpawnOptions(opts []SpawnOption) spawnOptions {
	var o spawnOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// mergeEnv overlays extra onto the current environment. Overridden variables
// are removed from the inherited set because the first occurrence of a
// duplicated name wins in most getenv implementations.
func mergeEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	base := os.Environ()
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
