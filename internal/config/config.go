// Package config loads the vehicle daemon configuration from a YAML file
// and applies defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "45s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration surface.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	// MaxSpeed is the clamp applied to MOVE speed parameters, in m/s.
	MaxSpeed float64 `yaml:"max_speed"`

	SessionTTL      Duration `yaml:"session_ttl"`
	StalenessWindow Duration `yaml:"staleness_window"`
	SweepInterval   Duration `yaml:"sweep_interval"`

	BatchWindow          Duration `yaml:"batch_window"`
	CompressionThreshold int      `yaml:"compression_threshold"`

	StatusCacheTTL     Duration `yaml:"status_cache_ttl"`
	StatusFetchTimeout Duration `yaml:"status_fetch_timeout"`

	// AuthFailureLimit is the number of consecutive signature, replay or
	// staleness failures tolerated on one connection before it is closed.
	// Zero disables the limit.
	AuthFailureLimit int `yaml:"auth_failure_limit"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		ListenAddr:           ":8443",
		DataDir:              "data",
		MaxSpeed:             2.5,
		SessionTTL:           Duration(30 * time.Minute),
		StalenessWindow:      Duration(30 * time.Second),
		SweepInterval:        Duration(time.Minute),
		BatchWindow:          Duration(50 * time.Millisecond),
		CompressionThreshold: 1024,
		StatusCacheTTL:       Duration(2 * time.Second),
		StatusFetchTimeout:   Duration(3 * time.Second),
		AuthFailureLimit:     0,
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxSpeed <= 0 {
		return fmt.Errorf("max_speed must be positive")
	}
	if c.SessionTTL <= 0 || c.StalenessWindow <= 0 || c.BatchWindow <= 0 {
		return fmt.Errorf("session_ttl, staleness_window and batch_window must be positive")
	}
	if c.CompressionThreshold < 0 {
		return fmt.Errorf("compression_threshold must not be negative")
	}
	return nil
}
