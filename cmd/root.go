/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/josephgoksu/NoteWing/internal/config"
	"github.com/josephgoksu/NoteWing/internal/logger"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// cfgFile is the path to the configuration file.
	cfgFile string
	// verbose enables debug logging.
	verbose bool
	// version is the application version.
	version = "0.1.0"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "notewing",
	Short: "NoteWing - notes that link themselves",
	Long: `NoteWing stores free-text notes and enriches them in the background:
each note gets an embedding for semantic search and an LLM pass that links
the people, companies and projects it mentions. When a mention is ambiguous,
NoteWing asks the owner over chat and applies the answer.

Start the API and workers with 'notewing serve'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl := viper.GetString("log.level")
		if viper.GetBool("verbose") {
			lvl = "debug"
		}
		logger.Setup(os.Stderr, viper.GetString("log.format"), lvl)
		logger.SetVersion(version)
		if dir, err := config.GetGlobalConfigDir(); err == nil {
			logger.SetBasePath(dir)
		}
		if configLoaded {
			logger.WatchConfig()
		}
		if viper.GetBool("no-color") || os.Getenv("NO_COLOR") != "" {
			lipgloss.SetColorProfile(termenv.Ascii)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetVersion returns the application version.
func GetVersion() string {
	return version
}

func init() {
	cobra.OnInitialize(InitConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./.notewing/.notewing.yaml or $HOME/.notewing.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("no-color", rootCmd.PersistentFlags().Lookup("no-color"))
}
