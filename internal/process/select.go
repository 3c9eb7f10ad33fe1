//go:build unix

package process

import (
	"runtime"
	"time"
)

// Select waits until at least one of the handles can make progress and
// returns those that can. Handles that are no longer running are returned
// immediately. A negative timeout waits indefinitely; on timeout the result is
// empty.
//
// Readiness is a hint: a ready handle has output to drain or has finished,
// and Poll on it may still report false. Descriptors are read under the
// handle's lock but polled without it, so a handle closed concurrently can
// have its descriptor numbers reused by then and be reported ready
// spuriously. A handle whose output has ended but whose child has not exited
// yet is rechecked every exitCheckInterval and returned on each recheck.
func Select(handles []*Handle, timeout time.Duration) ([]*Handle, error) {
	defer runtime.KeepAlive(handles)

	var ready, exiting []*Handle
	fds := make([]int, 0, 2*len(handles))
	owners := make([]*Handle, 0, 2*len(handles))
	for _, h := range handles {
		if h == nil {
			continue
		}
		c := h.c
		c.mu.Lock()
		state, watch := c.state, c.watch
		c.mu.Unlock()
		if state != StateRunning {
			ready = append(ready, h)
			continue
		}
		if watch[0] < 0 && watch[1] < 0 {
			exiting = append(exiting, h)
			continue
		}
		for _, fd := range watch {
			if fd >= 0 {
				fds = append(fds, fd)
				owners = append(owners, h)
			}
		}
	}
	if len(ready) > 0 {
		return ready, nil
	}
	if len(exiting) > 0 && (timeout < 0 || timeout > exitCheckInterval) {
		timeout = exitCheckInterval
	}
	if len(fds) == 0 {
		if len(exiting) > 0 {
			time.Sleep(timeout)
		}
		return exiting, nil
	}

	flags, err := waitReadable(fds, timeout)
	if err != nil {
		return nil, err
	}
	seen := make(map[*Handle]bool, len(owners))
	for i, ok := range flags {
		if ok && !seen[owners[i]] {
			seen[owners[i]] = true
			ready = append(ready, owners[i])
		}
	}
	return append(ready, exiting...), nil
}
