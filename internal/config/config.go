package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models fleetline.yml.
type Config struct {
	Remote struct {
		URL                string `yaml:"url"`
		PullIntervalSecs   int    `yaml:"pull_interval_seconds"`
		PushQuietSecs      int    `yaml:"push_quiet_seconds"`
		SavedWindowSecs    int    `yaml:"saved_window_seconds"`
		RequestTimeoutSecs int    `yaml:"request_timeout_seconds"`
	} `yaml:"remote"`
	Analysis struct {
		URL         string `yaml:"url"`
		TimeoutSecs int    `yaml:"timeout_seconds"`
	} `yaml:"analysis"`
	Photos struct {
		MaxWidth int `yaml:"max_width"`
		Quality  int `yaml:"quality"`
	} `yaml:"photos"`
	Bootstrap struct {
		AdminUsername string `yaml:"admin_username"`
		AdminPassword string `yaml:"admin_password"`
	} `yaml:"bootstrap"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Remote.PullIntervalSecs <= 0 {
		return fmt.Errorf("config.remote.pull_interval_seconds must be positive")
	}
	if c.Remote.PushQuietSecs <= 0 {
		return fmt.Errorf("config.remote.push_quiet_seconds must be positive")
	}
	if c.Remote.SavedWindowSecs <= 0 {
		return fmt.Errorf("config.remote.saved_window_seconds must be positive")
	}
	if c.Photos.Quality < 0 || c.Photos.Quality > 100 {
		return fmt.Errorf("config.photos.quality must be 0-100")
	}
	if c.Bootstrap.AdminUsername == "" {
		return fmt.Errorf("config.bootstrap.admin_username is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fleetline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PullInterval returns the configured pull cadence.
func (c *Config) PullInterval() time.Duration {
	return time.Duration(c.Remote.PullIntervalSecs) * time.Second
}

// PushQuiet returns the debounce quiet period for outgoing pushes.
func (c *Config) PushQuiet() time.Duration {
	return time.Duration(c.Remote.PushQuietSecs) * time.Second
}

// SavedWindow returns how long the "saved" status lingers after a push.
func (c *Config) SavedWindow() time.Duration {
	return time.Duration(c.Remote.SavedWindowSecs) * time.Second
}

const defaultTemplate = `remote:
  url: ""
  pull_interval_seconds: 60
  push_quiet_seconds: 2
  saved_window_seconds: 3
  request_timeout_seconds: 15

analysis:
  url: ""
  timeout_seconds: 10

photos:
  max_width: 1024
  quality: 70

bootstrap:
  admin_username: admin
  admin_password: admin
`
