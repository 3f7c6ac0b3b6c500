// Package config loads the session configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/simple64/netsync/internal/wire"
)

const (
	ModeHost   = "host"
	ModeClient = "client"
)

var ErrInvalid = errors.New("invalid configuration")

type LogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type LobbyConfig struct {
	MinPlayers int `yaml:"min_players"`
}

type AnnounceConfig struct {
	URL      string        `yaml:"url"`
	Name     string        `yaml:"name"`
	Address  string        `yaml:"address"`
	Interval time.Duration `yaml:"interval"`
}

type Config struct {
	Mode           string         `yaml:"mode"`
	Address        string         `yaml:"address"`
	TickRate       int            `yaml:"tick_rate"`
	MaxMessageSize int            `yaml:"max_message_size"`
	MaxPlayers     int            `yaml:"max_players"`
	PendingWindow  int            `yaml:"pending_window"`
	StatsInterval  time.Duration  `yaml:"stats_interval"`
	Log            LogConfig      `yaml:"log"`
	Lobby          LobbyConfig    `yaml:"lobby"`
	Announce       AnnounceConfig `yaml:"announce"`
}

func Default() *Config {
	return &Config{
		Mode:           ModeHost,
		Address:        ":45000",
		TickRate:       30, //nolint:gomnd
		MaxMessageSize: wire.DefaultMaxMessageSize,
		MaxPlayers:     8, //nolint:gomnd
		StatsInterval:  time.Minute,
		Log: LogConfig{
			MaxSizeMB:  10, //nolint:gomnd
			MaxBackups: 3,  //nolint:gomnd
			MaxAgeDays: 28, //nolint:gomnd
		},
		Lobby:    LobbyConfig{MinPlayers: 2}, //nolint:gomnd
		Announce: AnnounceConfig{Interval: 5 * time.Minute},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Mode != ModeHost && c.Mode != ModeClient:
		return fmt.Errorf("mode %q: %w", c.Mode, ErrInvalid)
	case c.Address == "":
		return fmt.Errorf("empty address: %w", ErrInvalid)
	case c.TickRate <= 0:
		return fmt.Errorf("tick_rate %d: %w", c.TickRate, ErrInvalid)
	case c.MaxMessageSize <= wire.RecordHeaderSize:
		return fmt.Errorf("max_message_size %d: %w", c.MaxMessageSize, ErrInvalid)
	case c.MaxPlayers < 0:
		return fmt.Errorf("max_players %d: %w", c.MaxPlayers, ErrInvalid)
	case c.PendingWindow < 0:
		return fmt.Errorf("pending_window %d: %w", c.PendingWindow, ErrInvalid)
	case c.StatsInterval < 0:
		return fmt.Errorf("stats_interval %s: %w", c.StatsInterval, ErrInvalid)
	case c.Announce.URL != "" && c.Announce.Interval <= 0:
		return fmt.Errorf("announce interval %s: %w", c.Announce.Interval, ErrInvalid)
	}
	return nil
}

// TickInterval is the time between two ticks.
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}
