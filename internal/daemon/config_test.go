package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("NEARCAST_HOME", "/tmp/nc-home")
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 7070 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 7070)
	}
	if cfg.Delivery.Timeout != "5s" {
		t.Errorf("Delivery.Timeout = %q, want 5s", cfg.Delivery.Timeout)
	}
	if cfg.Queue.Path != filepath.Join("/tmp/nc-home", "queue.db") {
		t.Errorf("Queue.Path = %q", cfg.Queue.Path)
	}
	if len(cfg.Peers) != 0 {
		t.Errorf("Peers = %d, want none", len(cfg.Peers))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestDemoPeersValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Peers = DemoPeers()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("demo peers invalid: %v", err)
	}
	if len(cfg.Peers) != 4 {
		t.Errorf("demo peers = %d, want 4", len(cfg.Peers))
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("NEARCAST_HOME", t.TempDir())
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("Port = %d", cfg.API.Port)
	}
}

func TestSaveLoadConfig(t *testing.T) {
	t.Setenv("NEARCAST_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.API.Port = 9999
	cfg.Peers = DemoPeers()[:2]
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	got, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.API.Port != 9999 {
		t.Errorf("Port = %d, want 9999", got.API.Port)
	}
	if len(got.Peers) != 2 || got.Peers[1].Name != "Bob" || got.Peers[1].RadiusKm != 1.5 {
		t.Errorf("Peers = %+v", got.Peers)
	}
}

func TestLoadConfigFile_Partial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[delivery]
timeout = "750ms"

[[peers]]
name = "Solo"
latitude = 10.5
longitude = -20.25
radius_km = 3
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Delivery.Timeout != "750ms" {
		t.Errorf("Timeout = %q", cfg.Delivery.Timeout)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Error("unset sections should keep defaults")
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].Location().Lon != -20.25 {
		t.Errorf("Peers = %+v", cfg.Peers)
	}
}

func TestLoadConfigFile_Errors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.toml")
	os.WriteFile(bad, []byte("[api\nport = "), 0600)
	if _, err := LoadConfigFile(bad); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("malformed TOML err = %v", err)
	}

	invalid := filepath.Join(dir, "invalid.toml")
	os.WriteFile(invalid, []byte("[[peers]]\nname = \"x\"\nradius_km = 0\n"), 0600)
	if _, err := LoadConfigFile(invalid); err == nil || !strings.Contains(err.Error(), "radius_km") {
		t.Errorf("invalid peer err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"bad timeout", func(c *Config) { c.Delivery.Timeout = "soon" }, "delivery.timeout"},
		{"negative poll", func(c *Config) { c.Queue.PollInterval = "-1s" }, "queue.poll_interval"},
		{"negative dedupe", func(c *Config) { c.Delivery.DedupeWindow = -1 }, "dedupe_window"},
		{"missing name", func(c *Config) { c.Peers = []PeerConfig{{RadiusKm: 1}} }, "name is required"},
		{"duplicate name", func(c *Config) {
			c.Peers = []PeerConfig{{Name: "a", RadiusKm: 1}, {Name: "a", RadiusKm: 1}}
		}, "duplicate"},
		{"bad coordinates", func(c *Config) {
			c.Peers = []PeerConfig{{Name: "a", Latitude: 91, RadiusKm: 1}}
		}, "coordinates"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"", 5 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"garbage", 5 * time.Second},
		{"-1s", 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseDuration(tt.input, 5*time.Second); got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "nearcast.log")
	log, err := NewLogger(LoggingConfig{Level: "debug", File: file})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Info("hello")
	_ = log.Sync()

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file = %q", data)
	}

	if _, err := NewLogger(LoggingConfig{Level: "loud"}); err == nil {
		t.Error("unknown level should fail")
	}
}
