package config

// Config is the full runtime configuration.
type Config struct {
	// DataDir roots every persistence artifact: state, checkpoints, backups,
	// journals and the trade archive.
	DataDir string `yaml:"data_dir"`

	Symbols []string `yaml:"symbols"`

	Log      LogConfig      `yaml:"log"`
	State    StateConfig    `yaml:"state"`
	Venue    VenueConfig    `yaml:"venue"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	HTTP     HTTPConfig     `yaml:"http"`
	Telegram TelegramConfig `yaml:"telegram"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// File enables rotating file output alongside stdout when non-empty.
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
}

type StateConfig struct {
	KeepBackups int `yaml:"keep_backups"`
}

type VenueConfig struct {
	Name           string `yaml:"name"`
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	RESTBaseURL    string `yaml:"rest_base_url"`
	HTTPTimeoutSec int    `yaml:"http_timeout_sec"`

	// Breaker settings for the venue circuit guard.
	BreakerThreshold   int `yaml:"breaker_threshold"`
	BreakerCooldownSec int `yaml:"breaker_cooldown_sec"`
}

type WatchdogConfig struct {
	IntervalSec         int    `yaml:"interval_sec"`
	CheckpointMaxAgeMin int    `yaml:"checkpoint_max_age_min"`
	EmergencyFlagPath   string `yaml:"emergency_flag_path"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type ArchiveConfig struct {
	// Path of the SQLite trade archive. Empty disables archiving.
	Path string `yaml:"path"`
}
