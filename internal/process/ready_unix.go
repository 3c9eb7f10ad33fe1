//go:build unix

package process

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const readyEvents = unix.POLLIN | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL

// waitReadable blocks until at least one descriptor is readable or hung up, or
// until timeout elapses. A zero timeout only inspects the current state and a
// negative timeout blocks indefinitely. Negative descriptors are ignored and are
// never reported ready.
func waitReadable(fds []int, timeout time.Duration) ([]bool, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	ready := make([]bool, len(fds))
	for {
		n, err := unix.Poll(pfds, pollMillis(timeout, deadline))
		if errors.Is(err, unix.EINTR) {
			if timeout > 0 && !time.Now().Before(deadline) {
				return ready, nil
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return ready, nil
		}
		for i := range pfds {
			ready[i] = pfds[i].Fd >= 0 && pfds[i].Revents&readyEvents != 0
		}
		return ready, nil
	}
}

func pollMillis(timeout time.Duration, deadline time.Time) int {
	switch {
	case timeout < 0:
		return -1
	case timeout == 0:
		return 0
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	return int((remaining + time.Millisecond - 1) / time.Millisecond)
}
