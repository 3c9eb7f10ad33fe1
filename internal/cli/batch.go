package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/Paintersrp/copen/internal/batch"
	"github.com/Paintersrp/copen/internal/cliutil"
	"github.com/Paintersrp/copen/internal/engine"
	"github.com/Paintersrp/copen/internal/metrics"
)

const defaultManifest = "batch.yaml"

func addEngineFlags(cmd *cobra.Command, manifest *string) {
	cmd.Flags().StringVarP(manifest, "file", "f", defaultManifest, "Path to the batch manifest")
	cmd.Flags().Duration("poll-interval", 0, "How often the engine re-checks deadlines while children are quiet")
	cmd.Flags().Duration("default-timeout", 0, "Timeout applied to jobs that do not set one")
	cmd.Flags().Int("spawn-limit", 0, "Maximum number of children started concurrently")
}

func newBatchCmd(ctx *context) *cobra.Command {
	var (
		manifestPath string
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run every job of a batch manifest concurrently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := batch.Load(manifestPath)
			if err != nil {
				return err
			}

			stopMetrics, err := ctx.serveMetrics(ctx.cfg.Batch.MetricsAddr)
			if err != nil {
				return err
			}
			defer stopMetrics()

			stdout := cmd.OutOrStdout()
			stderr := cmd.ErrOrStderr()

			var enc *json.Encoder
			if jsonOutput {
				enc = json.NewEncoder(stdout)
			}
			progress := io.Discard
			if !jsonOutput && isTerminal(stderr) {
				progress = stderr
			}

			events := make(chan engine.Event, 64)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for evt := range events {
					if enc != nil {
						cliutil.EncodeEvent(enc, stderr, evt)
						continue
					}
					fmt.Fprintln(progress, cliutil.FormatEvent(evt))
				}
			}()

			results, runErr := ctx.newEngine().Run(cmd.Context(), manifest.EngineJobs(), events)
			close(events)
			<-done
			if runErr != nil {
				return runErr
			}

			if enc != nil {
				for _, res := range results {
					cliutil.EncodeResult(enc, stderr, res)
				}
			} else if err := cliutil.WriteResultTable(stdout, results); err != nil {
				return err
			}
			return batchError(results, cmd.Context().Err())
		},
	}

	addEngineFlags(cmd, &manifestPath)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit events and results as JSON lines")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while the batch runs")

	return cmd
}

func (c *context) newEngine() *engine.Engine {
	return engine.New(c.spawner,
		engine.WithLogger(c.logger),
		engine.WithPollInterval(c.cfg.Batch.PollInterval),
		engine.WithSpawnLimit(c.cfg.Batch.SpawnLimit),
		engine.WithDefaultTimeout(c.cfg.Batch.DefaultTimeout),
	)
}

// serveMetrics exposes the metrics registry on addr until the returned
// function is called. An empty addr serves nothing.
func (c *context) serveMetrics(addr string) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	c.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return func() {
		shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

// batchError reports failed jobs as a non-zero exit without repeating the
// per-job errors already printed.
func batchError(results []engine.Result, ctxErr error) error {
	if ctxErr != nil {
		return &exitCodeError{code: 130, err: fmt.Errorf("batch interrupted: %w", ctxErr)}
	}
	_, failed := cliutil.Summarize(results)
	if failed > 0 {
		return &exitCodeError{code: 1}
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
