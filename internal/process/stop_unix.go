//go:build unix

package process

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// terminate stops a child that has not been reaped: a child that already
// exited is adopted as is, otherwise the termination signal is sent and the
// kill signal follows if the child outlives the grace period. The child is
// always reaped on return. Callers must hold ioMu.
func (c *child) terminate() {
	if c.reap(unix.WNOHANG) {
		return
	}

	if err := unix.Kill(c.pid, c.cfg.TermSignal); err != nil && !errors.Is(err, unix.ESRCH) {
		c.logger.Warn("signal child", zap.Stringer("signal", c.cfg.TermSignal), zap.Error(err))
	}

	deadline := time.Now().Add(c.cfg.GracePeriod)
	for {
		if c.reap(unix.WNOHANG) {
			return
		}
		if !time.Now().Before(deadline) {
			break
		}
		time.Sleep(min(c.cfg.KillPollInterval, time.Until(deadline)))
	}

	c.observer.KillEscalated(c.kind)
	c.logger.Warn("child outlived grace period",
		zap.Duration("grace_period", c.cfg.GracePeriod),
		zap.Stringer("signal", c.cfg.KillSignal),
	)
	if err := unix.Kill(c.pid, c.cfg.KillSignal); err != nil && !errors.Is(err, unix.ESRCH) {
		c.logger.Warn("kill child", zap.Stringer("signal", c.cfg.KillSignal), zap.Error(err))
	}
	c.reap(0)
}
