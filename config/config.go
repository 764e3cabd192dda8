package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/siproxylin/drunk-call-service/shared"
	"go.uber.org/multierr"
)

// Environment variable keys
const (
	EnvListen       = "CALLSERVICE_LISTEN"
	EnvLogLevel     = "CALLSERVICE_LOG_LEVEL"
	EnvLogPath      = "CALLSERVICE_LOG_PATH"
	EnvLivenessOff  = "CALLSERVICE_LIVENESS_DISABLED"
	EnvRelayURLs    = "CALLSERVICE_DEFAULT_TURN"
	EnvRelayUser    = "CALLSERVICE_DEFAULT_TURN_USERNAME"
	EnvRelayPass    = "CALLSERVICE_DEFAULT_TURN_PASSWORD"
	EnvGatherWait   = "CALLSERVICE_GATHER_TIMEOUT"
	EnvEventBacklog = "CALLSERVICE_EVENT_QUEUE"
)

type Config struct {
	Listen   string   `yaml:"listen"`
	Log      Log      `yaml:"log"`
	Liveness Liveness `yaml:"liveness"`
	Session  Session  `yaml:"session"`
	Relay    Relay    `yaml:"relay"`
	Shutdown Shutdown `yaml:"shutdown"`
}

type Log struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Liveness configures the heartbeat watchdog.
type Liveness struct {
	Disabled  bool          `yaml:"disabled"`
	Interval  time.Duration `yaml:"interval"`
	WarnAfter time.Duration `yaml:"warn_after"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Session struct {
	EventQueue    int           `yaml:"event_queue"`
	GatherTimeout time.Duration `yaml:"gather_timeout"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	StatsRounds   int           `yaml:"stats_rounds"`
}

// Relay is the TURN server used when a session brings none of its own.
type Relay struct {
	URLs     []string `yaml:"urls"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

type Shutdown struct {
	Grace time.Duration `yaml:"grace"`
}

func Default() Config {
	return Config{
		Listen: "127.0.0.1:50051",
		Log: Log{
			Level:      "INFO",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Liveness: Liveness{
			Interval:  2 * time.Second,
			WarnAfter: 7 * time.Second,
			Timeout:   10 * time.Second,
		},
		Session: Session{
			EventQueue:    100,
			GatherTimeout: 3 * time.Second,
			StatsInterval: 5 * time.Second,
			StatsRounds:   6,
		},
		Relay: Relay{
			URLs: []string{
				"turn:turn.jami.net:3478",
				"turn:turn.jami.net:3478?transport=tcp",
			},
			Username: "ring",
			Password: "ring",
		},
		Shutdown: Shutdown{Grace: 100 * time.Millisecond},
	}
}

// Load returns defaults overlaid by the YAML file at path (if any) and then
// by CALLSERVICE_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() (err error) {
	if c.Listen, err = shared.Getenv(shared.GetenvString, EnvListen, false, c.Listen); err != nil {
		return err
	}
	if c.Log.Level, err = shared.Getenv(shared.GetenvString, EnvLogLevel, false, c.Log.Level); err != nil {
		return err
	}
	if c.Log.Path, err = shared.Getenv(shared.GetenvString, EnvLogPath, false, c.Log.Path); err != nil {
		return err
	}
	if c.Liveness.Disabled, err = shared.Getenv(shared.GetenvBool, EnvLivenessOff, false, c.Liveness.Disabled); err != nil {
		return err
	}
	if c.Session.GatherTimeout, err = shared.Getenv(shared.GetenvDuration, EnvGatherWait, false, c.Session.GatherTimeout); err != nil {
		return err
	}
	if c.Session.EventQueue, err = shared.Getenv(shared.GetenvInt, EnvEventBacklog, false, c.Session.EventQueue); err != nil {
		return err
	}
	relayURL, err := shared.Getenv(shared.GetenvString, EnvRelayURLs, false, "")
	if err != nil {
		return err
	}
	if relayURL != "" {
		c.Relay.URLs = []string{relayURL}
	}
	if c.Relay.Username, err = shared.Getenv(shared.GetenvString, EnvRelayUser, false, c.Relay.Username); err != nil {
		return err
	}
	if c.Relay.Password, err = shared.Getenv(shared.GetenvString, EnvRelayPass, false, c.Relay.Password); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if _, err := shared.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if !c.Liveness.Disabled {
		if c.Liveness.Interval <= 0 || c.Liveness.Timeout <= 0 {
			errs = append(errs, errors.New("liveness interval and timeout must be positive"))
		}
		if c.Liveness.WarnAfter >= c.Liveness.Timeout {
			errs = append(errs, errors.New("liveness warn_after must be shorter than timeout"))
		}
	}
	if c.Session.EventQueue <= 0 {
		errs = append(errs, errors.New("session event_queue must be positive"))
	}
	if c.Session.GatherTimeout <= 0 {
		errs = append(errs, errors.New("session gather_timeout must be positive"))
	}
	if c.Session.StatsInterval <= 0 || c.Session.StatsRounds < 0 {
		errs = append(errs, errors.New("session stats_interval must be positive and stats_rounds non-negative"))
	}
	if c.Shutdown.Grace < 0 {
		errs = append(errs, errors.New("shutdown grace must not be negative"))
	}
	if len(c.Relay.URLs) == 0 {
		errs = append(errs, errors.New("relay urls are empty"))
	}
	if err := multierr.Combine(errs...); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrInvalidConfig, err)
	}
	return nil
}
