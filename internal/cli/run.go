package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Paintersrp/copen/internal/process"
)

func newRunCmd(ctx *context) *cobra.Command {
	var (
		dir     string
		env     map[string]string
		stdin   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Run a command as a child process and exit with its status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []process.SpawnOption
			if dir != "" {
				opts = append(opts, process.WithDir(dir))
			}
			if len(env) > 0 {
				opts = append(opts, process.WithEnv(env))
			}
			in, err := openStdin(stdin)
			if err != nil {
				return err
			}
			if in != nil {
				if in != os.Stdin {
					defer in.Close()
				}
				opts = append(opts, process.WithStdin(in))
			}

			h, err := ctx.spawner.SpawnWith(args[0], args[1:], opts...)
			if err != nil {
				return &exitCodeError{code: process.ExitSpawnFailed, err: err}
			}
			defer h.Close()
			ctx.logger.Debug("child started", zap.Int("pid", h.Pid()), zap.String("name", h.Name()))

			waitErr := waitHandle(cmd.Context(), h, timeout)

			out, readErr := h.Read()
			if len(out) > 0 {
				_, _ = cmd.OutOrStdout().Write(out)
			}
			if stderr := h.Stderr(); len(stderr) > 0 {
				_, _ = cmd.ErrOrStderr().Write(stderr)
			}
			if waitErr != nil {
				return &exitCodeError{code: exitCodeOf(h), err: waitErr}
			}
			if readErr != nil {
				return readErr
			}
			if code := exitCodeOf(h); code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Working directory of the child")
	cmd.Flags().StringToStringVarP(&env, "env", "e", nil, "Extra environment variables (KEY=VALUE)")
	cmd.Flags().StringVar(&stdin, "stdin", "", "File fed to the child's standard input (- for copen's own)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Close the child after this long (0 waits forever)")

	return cmd
}

// openStdin resolves the --stdin flag. Without it the child reads the null
// device.
func openStdin(path string) (*os.File, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return os.Stdin, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stdin: %w", err)
	}
	return f, nil
}

// waitHandle waits for h to finish, closing it when timeout elapses or ctx is
// cancelled.
func waitHandle(ctx stdcontext.Context, h interface {
	WaitContext(stdcontext.Context) error
	Close() error
}, timeout time.Duration) error {
	waitCtx := ctx
	if timeout > 0 {
		var cancel stdcontext.CancelFunc
		waitCtx, cancel = stdcontext.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := h.WaitContext(waitCtx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stdcontext.DeadlineExceeded):
		_ = h.Close()
		return fmt.Errorf("timed out after %s", timeout)
	case errors.Is(err, stdcontext.Canceled):
		_ = h.Close()
		return fmt.Errorf("interrupted: %w", err)
	default:
		return err
	}
}

// exitCodeOf maps a finished child to a shell-style exit status.
func exitCodeOf(h *process.Handle) int {
	if sig := h.KillSignal(); sig != 0 {
		return 128 + int(sig)
	}
	if code := h.ExitCode(); code >= 0 {
		return code
	}
	return 1
}
