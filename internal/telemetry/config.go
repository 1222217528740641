// Package telemetry sends anonymous, opt-in usage events to PostHog.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ConfigFileName is the name of the telemetry state file in the config dir.
const ConfigFileName = "telemetry.json"

// Config holds the opt-in state and the anonymous install id.
type Config struct {
	Enabled     bool   `json:"enabled"`
	AnonymousID string `json:"anonymous_id"`
}

// IsEnabled returns true if telemetry is currently enabled.
func (c *Config) IsEnabled() bool {
	return c != nil && c.Enabled
}

// Load reads dir/telemetry.json from fs. A missing file yields a disabled
// config with a fresh anonymous id.
func Load(fs afero.Fs, dir string) (*Config, error) {
	cfg := &Config{}
	data, err := afero.ReadFile(fs, filepath.Join(dir, ConfigFileName))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read telemetry config: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse telemetry config: %w", err)
		}
	}
	if cfg.AnonymousID == "" {
		cfg.AnonymousID = uuid.New().String()
	}
	return cfg, nil
}

// Save writes the config to dir/telemetry.json with owner-only permissions.
func (c *Config) Save(fs afero.Fs, dir string) error {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal telemetry config: %w", err)
	}
	if err := afero.WriteFile(fs, filepath.Join(dir, ConfigFileName), data, 0600); err != nil {
		return fmt.Errorf("write telemetry config: %w", err)
	}
	return nil
}
