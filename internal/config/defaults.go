package config

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 5
	}
	if c.State.KeepBackups <= 0 {
		c.State.KeepBackups = 10
	}
	if c.Venue.Name == "" {
		c.Venue.Name = "binance"
	}
	if c.Venue.HTTPTimeoutSec <= 0 {
		c.Venue.HTTPTimeoutSec = 15
	}
	if c.Venue.BreakerThreshold <= 0 {
		c.Venue.BreakerThreshold = 5
	}
	if c.Venue.BreakerCooldownSec <= 0 {
		c.Venue.BreakerCooldownSec = 30
	}
	if c.Watchdog.IntervalSec <= 0 {
		c.Watchdog.IntervalSec = 30
	}
	if c.Watchdog.CheckpointMaxAgeMin <= 0 {
		c.Watchdog.CheckpointMaxAgeMin = 60
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8920"
	}
}
