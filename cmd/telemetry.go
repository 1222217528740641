/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"fmt"

	"github.com/josephgoksu/NoteWing/internal/config"
	"github.com/josephgoksu/NoteWing/internal/telemetry"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// telemetryFs is the filesystem telemetry state is kept on. Tests swap it.
var telemetryFs = afero.NewOsFs()

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Manage anonymous telemetry",
	Long: `View and manage NoteWing's anonymous telemetry settings.

When enabled, NoteWing reports counts and durations of enrichment runs and
searches. Note content, queries and owner ids are never sent.`,
}

var telemetryStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current telemetry status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadTelemetryConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if cfg.IsEnabled() {
			fmt.Fprintln(out, "Telemetry: enabled")
			fmt.Fprintf(out, "   Install ID: %s\n", cfg.AnonymousID)
			fmt.Fprintln(out, "   To disable: notewing telemetry disable")
		} else {
			fmt.Fprintln(out, "Telemetry: disabled")
			fmt.Fprintln(out, "   To enable: notewing telemetry enable")
		}
		return nil
	},
}

var telemetryEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable anonymous telemetry",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setTelemetry(true); err != nil {
			return fmt.Errorf("failed to enable telemetry: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Telemetry enabled. Thank you for helping improve NoteWing!")
		return nil
	},
}

var telemetryDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable anonymous telemetry",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setTelemetry(false); err != nil {
			return fmt.Errorf("failed to disable telemetry: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Telemetry disabled.")
		return nil
	},
}

func loadTelemetryConfig() (*telemetry.Config, string, error) {
	dir, err := config.GetGlobalConfigDir()
	if err != nil {
		return nil, "", fmt.Errorf("determine config directory: %w", err)
	}
	cfg, err := telemetry.Load(telemetryFs, dir)
	if err != nil {
		return nil, "", err
	}
	return cfg, dir, nil
}

func setTelemetry(enabled bool) error {
	cfg, dir, err := loadTelemetryConfig()
	if err != nil {
		return err
	}
	cfg.Enabled = enabled
	return cfg.Save(telemetryFs, dir)
}

func init() {
	rootCmd.AddCommand(telemetryCmd)
	telemetryCmd.AddCommand(telemetryStatusCmd, telemetryEnableCmd, telemetryDisableCmd)
}
