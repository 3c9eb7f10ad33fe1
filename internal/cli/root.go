package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Paintersrp/copen/internal/config"
	"github.com/Paintersrp/copen/internal/logging"
	"github.com/Paintersrp/copen/internal/metrics"
	"github.com/Paintersrp/copen/internal/process"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{}

	root := &cobra.Command{
		Use:   "copen",
		Short: "Run commands and Go functions as supervised child processes",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&ctx.configPath, "config", "", "Path to a configuration file")
	flags.String("log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")
	flags.String("log-format", config.DefaultLogFormat, "Log format (console, json)")
	flags.String("log-file", "", "Write logs to a rotated file instead of stderr")
	flags.Duration("grace-period", process.DefaultGracePeriod, "Time a child gets to exit after the termination signal")
	flags.Duration("kill-poll-interval", process.DefaultKillPollInterval, "Interval between exit checks while a child is being terminated")
	flags.String("term-signal", "SIGTERM", "Signal that asks a child to exit before it is killed")

	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newCallCmd(ctx))
	root.AddCommand(newBatchCmd(ctx))
	root.AddCommand(newWatchCmd(ctx))
	root.AddCommand(newFuncsCmd())
	root.AddCommand(newVersionCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, app := newRootCommand()
	root.SetContext(ctx)

	err := root.ExecuteContext(ctx)
	if closeErr := app.teardown(); closeErr != nil {
		fmt.Fprintln(os.Stderr, closeErr)
	}
	if err == nil {
		return
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(os.Stderr, exitErr.err)
		}
		os.Exit(exitErr.code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// exitCodeError makes the process exit with code, printing err first when
// set.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

type context struct {
	configPath string

	cfg      *config.Config
	logger   *zap.Logger
	closeLog func() error
	spawner  *process.Spawner
}

func (c *context) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	logger.Debug("configuration loaded", zap.Stringer("config", cfg))

	registry := process.NewRegistry(
		process.WithRegistryLogger(logger),
		process.WithChain(func(sig os.Signal) {
			logger.Info("children closed on signal", zap.Stringer("signal", sig))
		}),
	)
	opts := append(cfg.ProcessOptions(),
		process.WithLogger(logger),
		process.WithObserver(metrics.Observer{}),
		process.WithRegistry(registry),
	)
	c.spawner = process.NewSpawner(opts...)
	process.SetDefault(c.spawner)

	c.cfg = cfg
	c.logger = logger
	c.closeLog = closeLog
	return nil
}

// teardown flushes and releases the logger built by setup.
func (c *context) teardown() error {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	if c.closeLog == nil {
		return nil
	}
	closeLog := c.closeLog
	c.closeLog = nil
	return closeLog()
}
