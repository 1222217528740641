package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// GetGlobalConfigDir returns ~/.notewing. It's a variable to allow overriding in tests.
var GetGlobalConfigDir = func() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".notewing"), nil
}

// GetStorageBasePath returns the directory holding notes.db.
// Resolution order: storage.path, XDG_DATA_HOME/notewing, ~/.notewing/data.
func GetStorageBasePath() (string, error) {
	if path := viper.GetString("storage.path"); path != "" {
		return path, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "notewing"), nil
	}
	dir, err := GetGlobalConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}
