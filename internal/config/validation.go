package config

import (
	"fmt"
	"strings"
)

// validate performs basic sanity checks on the loaded configuration.
func validate(c *Config) error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols requires at least one entry")
	}
	for _, s := range c.Symbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("symbols contains an empty entry")
		}
	}
	if err := c.Venue.validate(); err != nil {
		return err
	}
	if err := c.Telegram.validate(); err != nil {
		return err
	}
	return nil
}

func (v *VenueConfig) validate() error {
	if v.Name != "binance" {
		return fmt.Errorf("venue.name %q is not supported", v.Name)
	}
	if strings.TrimSpace(v.APIKey) == "" {
		return fmt.Errorf("venue.api_key is required")
	}
	if strings.TrimSpace(v.APISecret) == "" {
		return fmt.Errorf("venue.api_secret is required")
	}
	return nil
}

func (t *TelegramConfig) validate() error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.BotToken) == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram.enabled")
	}
	if strings.TrimSpace(t.ChatID) == "" {
		return fmt.Errorf("telegram.chat_id is required when telegram.enabled")
	}
	return nil
}
