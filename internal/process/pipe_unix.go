//go:build unix

package process

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// pipe is a unidirectional descriptor pair. A value of -1 marks an end that has
// been closed or handed off.
type pipe struct {
	r int
	w int
}

// newPipe allocates a pipe whose ends are close-on-exec, so that concurrently
// spawned children never inherit each other's descriptors.
func newPipe() (*pipe, error) {
	var fds [2]int
	syscall.ForkLock.RLock()
	err := unix.Pipe(fds[:])
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}
	return &pipe{r: fds[0], w: fds[1]}, nil
}

// writer transfers ownership of the write end to an *os.File.
func (p *pipe) writer(name string) *os.File {
	f := os.NewFile(uintptr(p.w), name)
	p.w = -1
	return f
}

// reader transfers ownership of the read end to an *os.File.
func (p *pipe) reader(name string) *os.File {
	f := os.NewFile(uintptr(p.r), name)
	p.r = -1
	return f
}

func (p *pipe) close() {
	if p == nil {
		return
	}
	closeFd(&p.r)
	closeFd(&p.w)
}

func closeFd(fd *int) {
	if *fd < 0 {
		return
	}
	_ = unix.Close(*fd)
	*fd = -1
}
