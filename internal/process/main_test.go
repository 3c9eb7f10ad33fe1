//go:build unix

package process

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

// signalHelperEnv makes the test binary act as a program that spawns a child
// through the package-level API and then receives SIGTERM.
const signalHelperEnv = "COPEN_TEST_SIGNAL_HELPER"

func TestMain(m *testing.M) {
	Init()
	if os.Getenv(signalHelperEnv) == "1" {
		runSignalHelper()
	}
	os.Exit(m.Run())
}

// runSignalHelper prints the pid of a long-running child started with Spawn,
// then sends SIGTERM to itself. The default registry hook must close the
// child and let the signal terminate the process.
func runSignalHelper() {
	h, err := Spawn("sleep", "30")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fmt.Println(h.Pid())
	if err := unix.Kill(os.Getpid(), unix.SIGTERM); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	time.Sleep(10 * time.Second)
	runtime.KeepAlive(h)
	os.Exit(3)
}

func newTestSpawner(t *testing.T, opts ...Option) *Spawner {
	t.Helper()
	base := []Option{
		WithRegistry(NewRegistry(WithHookSignals())),
		WithLogger(zaptest.NewLogger(t, zaptest.Level(zapcore.InfoLevel))),
	}
	return NewSpawner(append(base, opts...)...)
}

type recordingObserver struct {
	mu        sync.Mutex
	started   map[string]int
	failed    map[string]int
	escalated map[string]int
	outcomes  []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		started:   make(map[string]int),
		failed:    make(map[string]int),
		escalated: make(map[string]int),
	}
}

func (o *recordingObserver) HandleStarted(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started[kind]++
}

func (o *recordingObserver) SpawnFailed(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[kind]++
}

func (o *recordingObserver) HandleFinished(kind, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, kind+"/"+outcome)
}

func (o *recordingObserver) KillEscalated(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.escalated[kind]++
}

func (o *recordingObserver) snapshot() (started, failed, escalated map[string]int, outcomes []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started, o.failed, o.escalated, append([]string(nil), o.outcomes...)
}
