/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/ui"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the enrichment queue",
}

var queueHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show queue counts and embedding coverage",
	Long: `Show how many enrichment entries are pending, processing, completed and
failed, the age of the oldest pending entry, and how many notes carry an
embedding. The queue is reported unhealthy once failed entries exceed
pipeline.failedThreshold.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		settings, store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		health, err := store.QueueHealth(cmd.Context(), owner, time.Now())
		if err != nil {
			return err
		}
		health.Evaluate(settings.Pipeline.FailedThreshold)
		stats, err := store.EmbeddingStats(cmd.Context(), owner)
		if err != nil {
			return err
		}

		if jsonOutput {
			data, err := json.MarshalIndent(map[string]any{"queue": health, "embeddings": stats}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderQueueHealth(health, stats))
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <note-id>",
	Short: "Reset a failed enrichment entry to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := store.RetryFailed(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Note %s is pending again\n", ui.Icon("✓", ui.StyleSuccess), args[0])
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue entries by status",
	Long: `List enrichment entries with one status, newest first.

Examples:
  notewing queue list                 # failed entries
  notewing queue list --status pending`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		switch memory.QueueStatus(status) {
		case memory.QueuePending, memory.QueueProcessing, memory.QueueCompleted, memory.QueueFailed:
		default:
			return fmt.Errorf("unknown status %q (pending, processing, completed, failed)", status)
		}

		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		entries, err := store.ListQueue(cmd.Context(), memory.QueueStatus(status), limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), ui.StyleSubtle.Render(fmt.Sprintf("No %s entries.", status)))
			return nil
		}
		fmt.Fprint(cmd.OutOrStdout(), renderQueueEntries(entries, ui.TerminalWidth()))
		return nil
	},
}

func renderQueueEntries(entries []memory.QueueEntry, width int) string {
	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{
			e.NoteID,
			e.Owner,
			string(e.Status),
			fmt.Sprintf("%d/%d", e.Attempts, e.MaxAttempts),
			e.CreatedAt.Local().Format("2006-01-02 15:04"),
			ui.Snippet(e.LastError, 50),
		}
	}
	table := &ui.Table{
		Headers:  []string{"Note", "Owner", "Status", "Attempts", "Queued", "Last error"},
		Rows:     rows,
		MaxWidth: max(width/3, 12),
	}
	return table.Render()
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueHealthCmd, queueRetryCmd, queueListCmd)

	queueHealthCmd.Flags().String("owner", "", "limit queue counts and embedding coverage to one owner")
	queueHealthCmd.Flags().Bool("json", false, "output as JSON")
	queueListCmd.Flags().String("status", string(memory.QueueFailed), "status to list")
	queueListCmd.Flags().Int("limit", 50, "maximum entries")
}
