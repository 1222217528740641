/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the enrichment workers",
	Long: `Drain the enrichment queue without serving HTTP. Use this to scale
enrichment separately from the API; every worker claims entries atomically,
so several processes can share one database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
			app.settings.Pipeline.Workers = n
			app.rebuildWorkers()
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "Enrichment workers running (%d). Ctrl+C to stop.\n", app.settings.Pipeline.Workers)
		return app.workers.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().Int("workers", 0, "number of workers (overrides pipeline.workers)")
}
