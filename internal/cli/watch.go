package cli

import (
	stdcontext "context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/copen/internal/batch"
	"github.com/Paintersrp/copen/internal/cliutil"
	"github.com/Paintersrp/copen/internal/engine"
	"github.com/Paintersrp/copen/internal/tui"
)

func newWatchCmd(ctx *context) *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run a batch manifest in an interactive view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isTerminal(cmd.OutOrStdout()) {
				return fmt.Errorf("watch requires an interactive terminal")
			}

			manifest, err := batch.Load(manifestPath)
			if err != nil {
				return err
			}

			runCtx, cancel := stdcontext.WithCancel(cmd.Context())
			defer cancel()

			ui := tui.New()
			go func() {
				select {
				case <-ui.Done():
					cancel()
				case <-runCtx.Done():
				}
			}()
			type outcome struct {
				results []engine.Result
				err     error
			}
			finished := make(chan outcome, 1)
			go func() {
				results, err := ctx.newEngine().Run(runCtx, manifest.EngineJobs(), ui.EventSink())
				ui.CloseEvents()
				if err == nil {
					ui.SetResults(results)
				}
				finished <- outcome{results: results, err: err}
			}()

			uiErr := ui.Run(runCtx)
			cancel()
			res := <-finished

			if err := errors.Join(uiErr, res.err); err != nil {
				return err
			}
			if err := cliutil.WriteResultTable(cmd.OutOrStdout(), res.results); err != nil {
				return err
			}
			return batchError(res.results, cmd.Context().Err())
		},
	}

	addEngineFlags(cmd, &manifestPath)

	return cmd
}
