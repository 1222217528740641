/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/josephgoksu/NoteWing/internal/knowledge"
	"github.com/josephgoksu/NoteWing/internal/ui"
	"github.com/spf13/cobra"
)

// searchCmd represents the search command
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search an owner's notes by keyword and meaning",
	Long: `Run a hybrid search over one owner's notes. Keyword matches and semantic
matches are fused with Reciprocal Rank Fusion; when the embedding provider is
unavailable the results fall back to keyword matches only.

Examples:
  notewing search --owner u1 "quarterly roadmap"
  notewing search --owner u1 --category work "budget"
  notewing search --owner u1 --json "Jane"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := requireOwner(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		category, _ := cmd.Flags().GetString("category")
		noteType, _ := cmd.Flags().GetString("type")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		app, err := newApplication(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		resp, err := app.engine.Search(cmd.Context(), knowledge.Request{
			Query:    strings.Join(args, " "),
			Owner:    owner,
			Limit:    limit,
			Category: category,
			Type:     noteType,
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			data, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal results: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		fmt.Fprint(cmd.OutOrStdout(), ui.RenderSearchResults(resp, ui.TerminalWidth()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().String("owner", "", "owner whose notes are searched")
	searchCmd.Flags().IntP("limit", "n", 0, "maximum results (default search.defaultLimit)")
	searchCmd.Flags().String("category", "", "only notes in this category")
	searchCmd.Flags().String("type", "", "only notes of this type")
	searchCmd.Flags().Bool("json", false, "output results as JSON")
}
