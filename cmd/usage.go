/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/ui"
	"github.com/josephgoksu/NoteWing/internal/usage"
	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Report LLM token usage and estimated cost",
	Long: `Summarize the token usage ledger by model and by operation.

Examples:
  notewing usage                       # everyone, all time
  notewing usage --owner u1 --period month
  notewing usage --note n-1b4e28ba-...  # one note's enrichment cost
  notewing usage --owner u1 --days 14   # daily series`,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		noteID, _ := cmd.Flags().GetString("note")
		periodFlag, _ := cmd.Flags().GetString("period")
		days, _ := cmd.Flags().GetInt("days")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		period, err := usage.ParsePeriod(periodFlag)
		if err != nil {
			return err
		}

		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		ledger := usage.NewLedger(store)

		var summary *usage.Summary
		if noteID != "" {
			summary, err = ledger.ForNote(cmd.Context(), noteID)
		} else {
			summary, err = ledger.Summary(cmd.Context(), owner, period)
		}
		if err != nil {
			return err
		}
		var daily []memory.DailyUsage
		if days > 0 {
			if daily, err = ledger.Daily(cmd.Context(), owner, days); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			data, err := json.MarshalIndent(map[string]any{"summary": summary, "daily": daily}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		fmt.Fprint(out, ui.RenderUsage(summary))
		if len(daily) > 0 {
			fmt.Fprintln(out, ui.StyleSectionTitle.Render("Daily"))
			fmt.Fprintln(out, renderDaily(daily))
		}
		return nil
	},
}

func renderDaily(days []memory.DailyUsage) string {
	t := &ui.Table{Headers: []string{"Date", "Calls", "Input", "Output", "Cost"}, Numeric: []int{1, 2, 3, 4}}
	for _, d := range days {
		t.Rows = append(t.Rows, []string{
			d.Date,
			strconv.Itoa(d.Calls),
			strconv.Itoa(d.InputTokens),
			strconv.Itoa(d.OutputTokens),
			ui.FormatCost(d.Cost),
		})
	}
	return t.Render()
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.Flags().String("owner", "", "only this owner's usage")
	usageCmd.Flags().String("note", "", "only usage attributed to this note")
	usageCmd.Flags().String("period", "all", "day, week, month or all")
	usageCmd.Flags().Int("days", 0, "also show a daily series for the last N days")
	usageCmd.Flags().Bool("json", false, "output as JSON")
}
