//go:build unix

package process

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"pgregory.net/rapid"
)

func TestRegistryAddRemoveMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry(WithHookSignals())
		pool := make([]*child, rapid.IntRange(1, 8).Draw(t, "pool"))
		for i := range pool {
			pool[i] = &child{id: uint64(i + 1), start: time.Now()}
		}
		model := make(map[*child]bool)

		steps := rapid.IntRange(0, 64).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			c := pool[rapid.IntRange(0, len(pool)-1).Draw(t, "child")]
			if rapid.Bool().Draw(t, "add") {
				r.add(c)
				model[c] = true
			} else {
				removed := r.remove(c)
				if removed != model[c] {
					t.Fatalf("remove(%d) = %v, model has %v", c.id, removed, model[c])
				}
				delete(model, c)
			}
			if r.Len() != len(model) {
				t.Fatalf("Len() = %d, model has %d", r.Len(), len(model))
			}
		}

		infos := r.Snapshot()
		for i := 1; i < len(infos); i++ {
			if infos[i-1].ID >= infos[i].ID {
				t.Fatalf("snapshot not ordered by id: %v", infos)
			}
		}
	})
}

func TestRegistryHookClosesLiveHandles(t *testing.T) {
	chained := make(chan os.Signal, 1)
	reg := NewRegistry(
		WithHookSignals(syscall.SIGUSR1),
		WithChain(func(sig os.Signal) { chained <- sig }),
	)
	s := newTestSpawner(t, WithRegistry(reg))

	var handles []*Handle
	for i := 0; i < 2; i++ {
		h, err := s.Spawn("sleep", "30")
		if err != nil {
			t.Fatalf("spawn: %v", err)
		}
		handles = append(handles, h)
	}
	if n := reg.Len(); n != 2 {
		t.Fatalf("expected 2 live handles, got %d", n)
	}

	if err := unix.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case sig := <-chained:
		if sig != syscall.SIGUSR1 {
			t.Fatalf("chained %v, expected SIGUSR1", sig)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("hook did not chain the signal")
	}

	if n := reg.Len(); n != 0 {
		t.Fatalf("expected empty registry, got %d", n)
	}
	for _, h := range handles {
		if st := h.State(); st != StateClosed {
			t.Fatalf("expected closed handle, got %s", st)
		}
		if sig := h.KillSignal(); sig != syscall.SIGTERM {
			t.Fatalf("expected SIGTERM, got %v", sig)
		}
	}
}

func TestDefaultHookClosesChildrenAndReraises(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), signalHelperEnv+"=1")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected the helper to die from a signal, got %v (stderr %s)", err, stderr.String())
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() || ws.Signal() != syscall.SIGTERM {
		t.Fatalf("expected termination by SIGTERM, got %v (stderr %s)", exitErr, stderr.String())
	}

	pid, err := strconv.Atoi(strings.TrimSpace(stdout.String()))
	if err != nil || pid <= 0 {
		t.Fatalf("helper did not report its child pid: %q", stdout.String())
	}
	if err := unix.Kill(pid, 0); !errors.Is(err, unix.ESRCH) {
		t.Fatalf("expected child %d to be gone, kill(0) returned %v", pid, err)
	}
}

func TestCloseAllReturnsCount(t *testing.T) {
	s := newTestSpawner(t)
	for i := 0; i < 3; i++ {
		h, err := s.Spawn("sleep", "30")
		if err != nil {
			t.Fatalf("spawn: %v", err)
		}
		defer h.Close()
	}
	if n := s.Registry().CloseAll(); n != 3 {
		t.Fatalf("expected 3 closed handles, got %d", n)
	}
	if n := s.Registry().Len(); n != 0 {
		t.Fatalf("expected empty registry, got %d", n)
	}
	if n := s.Registry().CloseAll(); n != 0 {
		t.Fatalf("expected nothing left to close, got %d", n)
	}
}
