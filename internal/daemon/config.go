// Package daemon manages the nearcast daemon lifecycle and configuration.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"github.com/nearcast/nearcast/internal/domain"
	"github.com/nearcast/nearcast/internal/geo"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Delivery  DeliveryConfig  `toml:"delivery"`
	Queue     QueueConfig     `toml:"queue"`
	Health    HealthConfig    `toml:"health"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Peers     []PeerConfig    `toml:"peers"`
}

// APIConfig controls the admin HTTP server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// DeliveryConfig controls synchronous delivery.
type DeliveryConfig struct {
	Timeout string `toml:"timeout"` // connect + round trip, e.g. "5s"

	// DedupeWindow is how many recent message ids each peer remembers so a
	// message arriving over a second channel is not dispatched twice.
	DedupeWindow int `toml:"dedupe_window"`
}

// QueueConfig controls the durable inbox broker.
type QueueConfig struct {
	Path         string `toml:"path"`
	PollInterval string `toml:"poll_interval"`
}

// HealthConfig controls the periodic health checks.
type HealthConfig struct {
	Interval string `toml:"interval"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
	File  string `toml:"file"`  // empty logs to stderr only
}

// TelemetryConfig controls metrics exposure.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// PeerConfig is one peer hosted by this daemon.
type PeerConfig struct {
	Name       string  `toml:"name"`
	Latitude   float64 `toml:"latitude"`
	Longitude  float64 `toml:"longitude"`
	RadiusKm   float64 `toml:"radius_km"`
	DirectAddr string  `toml:"direct_addr"`
	RPCAddr    string  `toml:"rpc_addr"`
}

// Location returns the configured position.
func (p PeerConfig) Location() geo.Location {
	return geo.Location{Lat: p.Latitude, Lon: p.Longitude}
}

// DefaultConfig returns a sensible default configuration with no peers.
func DefaultConfig() Config {
	homeDir := nearcastHome()
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 7070,
		},
		Delivery: DeliveryConfig{
			Timeout:      "5s",
			DedupeWindow: 1024,
		},
		Queue: QueueConfig{
			Path:         filepath.Join(homeDir, "queue.db"),
			PollInterval: "1s",
		},
		Health: HealthConfig{
			Interval: "30s",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(homeDir, "nearcast.log"),
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
	}
}

// DemoPeers returns four peers around Fortaleza, two of them close enough
// to talk synchronously.
func DemoPeers() []PeerConfig {
	return []PeerConfig{
		{Name: "Alice", Latitude: -3.7319, Longitude: -38.5267, RadiusKm: 2.0, DirectAddr: "127.0.0.1:8001", RPCAddr: "127.0.0.1:9001"},
		{Name: "Bob", Latitude: -3.7325, Longitude: -38.5270, RadiusKm: 1.5, DirectAddr: "127.0.0.1:8002", RPCAddr: "127.0.0.1:9002"},
		{Name: "Carol", Latitude: -3.7400, Longitude: -38.5400, RadiusKm: 3.0, DirectAddr: "127.0.0.1:8003", RPCAddr: "127.0.0.1:9003"},
		{Name: "Diana", Latitude: -3.8000, Longitude: -38.6000, RadiusKm: 2.0, DirectAddr: "127.0.0.1:8004", RPCAddr: "127.0.0.1:9004"},
	}
}

// LoadConfig reads config from $NEARCAST_HOME/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile reads config from path. A missing file yields the defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes the config to $NEARCAST_HOME/config.toml.
func SaveConfig(cfg Config) error {
	return SaveConfigFile(ConfigPath(), cfg)
}

// SaveConfigFile writes the config to path.
func SaveConfigFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// Validate reports every problem in the configuration at once.
func (c Config) Validate() error {
	var err error
	if c.API.Port < 0 || c.API.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	for _, d := range []struct{ key, val string }{
		{"delivery.timeout", c.Delivery.Timeout},
		{"queue.poll_interval", c.Queue.PollInterval},
		{"health.interval", c.Health.Interval},
	} {
		if d.val == "" {
			continue
		}
		if v, perr := time.ParseDuration(d.val); perr != nil || v <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s: invalid duration %q", d.key, d.val))
		}
	}
	if c.Delivery.DedupeWindow < 0 {
		err = multierr.Append(err, errors.New("delivery.dedupe_window must not be negative"))
	}

	seen := make(map[string]bool)
	for i, p := range c.Peers {
		if seen[p.Name] && p.Name != "" {
			err = multierr.Append(err, fmt.Errorf("peers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if perr := p.Validate(); perr != nil {
			err = multierr.Append(err, fmt.Errorf("peers[%d]: %w", i, perr))
		}
	}
	return err
}

// Validate checks one peer definition.
func (p PeerConfig) Validate() error {
	var err error
	if p.Name == "" {
		err = multierr.Append(err, fmt.Errorf("name is required: %w", domain.ErrInvalidName))
	}
	if !geo.ValidRadius(p.RadiusKm) {
		err = multierr.Append(err, fmt.Errorf("%s: radius_km must be positive: %w", p.Name, domain.ErrInvalidRadius))
	}
	if !geo.ValidCoordinates(p.Latitude, p.Longitude) {
		err = multierr.Append(err, fmt.Errorf("%s: coordinates out of range: %w", p.Name, domain.ErrInvalidCoordinates))
	}
	return err
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(nearcastHome(), "config.toml")
}

// nearcastHome returns the nearcast data directory.
func nearcastHome() string {
	if env := os.Getenv("NEARCAST_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nearcast")
}

// Home is exported for use by other packages.
func Home() string {
	return nearcastHome()
}

// parseDuration parses s, returning fallback for empty or invalid input.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
