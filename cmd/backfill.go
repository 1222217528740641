/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/josephgoksu/NoteWing/internal/enrich"
	"github.com/josephgoksu/NoteWing/internal/usage"
	"github.com/spf13/cobra"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed notes that have no embedding yet",
	Long: `Find notes without a stored embedding and bring them up to date.

By default every such note is enqueued for full enrichment (embedding and
entity extraction) and processed by running workers. With --direct the
embeddings are generated right here, one note at a time, without
extraction.

Examples:
  notewing backfill
  notewing backfill --owner u1 --direct`,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		direct, _ := cmd.Flags().GetBool("direct")
		out := cmd.OutOrStdout()

		settings, store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if direct {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			bf := enrich.NewBackfiller(store, newEmbeddingClient(ctx, settings), usage.NewLedger(store))
			report, err := bf.Run(ctx, owner)
			if report != nil {
				fmt.Fprintf(out, "Embedded %d of %d notes (%d failed)\n", report.Embedded, report.Total, report.Failed)
				for _, e := range report.Errors {
					fmt.Fprintf(out, "  %s\n", e)
				}
			}
			return err
		}

		notes, err := store.ListNotesMissingEmbedding(cmd.Context(), owner)
		if err != nil {
			return err
		}
		for _, n := range notes {
			if _, err := store.Enqueue(cmd.Context(), n.ID, n.Owner, 0, settings.Pipeline.MaxAttempts); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "Enqueued %d notes without embeddings", len(notes))
		if len(notes) > 0 {
			fmt.Fprint(out, "; run 'notewing worker' or 'notewing serve' to process them")
		}
		fmt.Fprintln(out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backfillCmd)
	backfillCmd.Flags().String("owner", "", "only this owner's notes (default all owners)")
	backfillCmd.Flags().Bool("direct", false, "embed synchronously instead of enqueueing")
}
