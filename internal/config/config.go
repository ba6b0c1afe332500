// Package config loads and validates the runtime configuration from YAML.
package config

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, applies defaults and validates the
// result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Dump writes the effective configuration as YAML, with credentials
// redacted, for startup diagnostics and the status surface.
func (c *Config) Dump() ([]byte, error) {
	redacted := *c
	if redacted.Venue.APIKey != "" {
		redacted.Venue.APIKey = "***"
	}
	if redacted.Venue.APISecret != "" {
		redacted.Venue.APISecret = "***"
	}
	if redacted.Telegram.BotToken != "" {
		redacted.Telegram.BotToken = "***"
	}
	return yaml.Marshal(&redacted)
}

// WriteEffective dumps the redacted effective configuration to path.
func (c *Config) WriteEffective(path string) error {
	data, err := c.Dump()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
