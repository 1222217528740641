/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the keyword search index from stored notes",
	Long: `Drop and rebuild the full-text index used by keyword search. The index is
kept current on every write; run this after restoring a database copy or if
keyword results look stale.

Examples:
  notewing reindex`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		n, err := store.RebuildFTS(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d notes\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}
