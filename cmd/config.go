/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	configName = ".notewing"
	envPrefix  = "NOTEWING"
)

// configLoaded is set once a config file has been read successfully.
var configLoaded bool

// InitConfig reads in config file and ENV variables if set.
func InitConfig() {
	// .env.local wins over .env; godotenv never overwrites variables already set.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	viper.SetEnvPrefix(envPrefix) // e.g., NOTEWING_SERVER_PORT
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	cfgFileFlag := viper.GetString("config")
	if cfgFileFlag != "" {
		viper.SetConfigFile(cfgFileFlag)
	} else {
		// ./.notewing/.notewing.yaml, then $HOME/.notewing.yaml, then ./.notewing.yaml
		viper.AddConfigPath(configName)
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(configName)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
			if viper.GetBool("verbose") {
				fmt.Fprintln(os.Stderr, "No config file found. Using defaults and environment variables.")
			}
		case cfgFileFlag != "" && errors.Is(err, os.ErrNotExist):
			fmt.Fprintln(os.Stderr, "Error: Specified config file not found:", cfgFileFlag)
		default:
			fmt.Fprintln(os.Stderr, "Error reading config file:", viper.ConfigFileUsed(), "-", err)
		}
		return
	}
	configLoaded = true
	if viper.GetBool("verbose") {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
}

// requireOwner reads the --owner flag, falling back to the configured default owner.
func requireOwner(cmd *cobra.Command) (string, error) {
	owner, _ := cmd.Flags().GetString("owner")
	if owner == "" {
		owner = viper.GetString("owner")
	}
	if strings.TrimSpace(owner) == "" {
		return "", errors.New("owner is required: pass --owner or set NOTEWING_OWNER")
	}
	return strings.TrimSpace(owner), nil
}
