// Package config loads and validates the daemon's JSON configuration
// and supports live reload of the runtime-swappable parts.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Device    Device    `json:"device"`
	Timeouts  Timeouts  `json:"timeouts"`
	Reconnect Reconnect `json:"reconnect"`
	Quality   Quality   `json:"quality"`
	Router    Router    `json:"router"`
	Transport Transport `json:"transport"`
	Diag      Diag      `json:"diag"`
}

type Device struct {
	Name    string `json:"name"`
	KeyFile string `json:"key_file"`
	DataDir string `json:"data_dir"`
}

type Timeouts struct {
	// Profile selects the active duration table: normal, fast, emergency.
	Profile string `json:"profile"`
	// Per-kind overrides in seconds; zero keeps the profile value.
	DiscoverySec  int `json:"discovery_seconds,omitempty"`
	ConnectionSec int `json:"connection_seconds,omitempty"`
	HandshakeSec  int `json:"handshake_seconds,omitempty"`
	DeliverySec   int `json:"delivery_seconds,omitempty"`
	PingSec       int `json:"ping_seconds,omitempty"`
}

type Reconnect struct {
	InitialDelaySec int  `json:"initial_delay_seconds"`
	MaxDelaySec     int  `json:"max_delay_seconds"`
	MaxAttempts     int  `json:"max_attempts"`
	Exponential     bool `json:"exponential"`
}

type Quality struct {
	WindowSize    int `json:"window_size"`
	SweepSec      int `json:"sweep_seconds"`
	StaleAfterSec int `json:"stale_after_seconds"`
}

type Router struct {
	DedupWindowSec int `json:"dedup_window_seconds"`
	QueueCap       int `json:"queue_cap"`
	HistoryCap     int `json:"history_cap"`
}

type Transport struct {
	ListenPort    int    `json:"listen_port"`
	MdnsTag       string `json:"mdns_tag"`
	PresenceTopic string `json:"presence_topic"`
	PingSec       int    `json:"ping_seconds"`
}

type Diag struct {
	// HTTPAddr serves the websocket event feed; empty disables it.
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Device: Device{
			Name:    "meshlink-node",
			KeyFile: "identity.key", // relative paths resolve under data_dir
			DataDir: "data",
		},
		Timeouts: Timeouts{
			Profile: "normal",
		},
		Reconnect: Reconnect{
			InitialDelaySec: 2,
			MaxDelaySec:     30,
			MaxAttempts:     5,
			Exponential:     true,
		},
		Quality: Quality{
			WindowSize:    10,
			SweepSec:      10,
			StaleAfterSec: 60,
		},
		Router: Router{
			DedupWindowSec: 300,
			QueueCap:       200,
			HistoryCap:     1000,
		},
		Transport: Transport{
			ListenPort:    0,
			MdnsTag:       "meshlink-mdns",
			PresenceTopic: "meshlink.presence.v1",
			PingSec:       15,
		},
		Diag: Diag{
			HTTPAddr: "",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Device.Name) == "" {
		return errors.New("device.name is required")
	}
	if strings.TrimSpace(c.Device.KeyFile) == "" {
		return errors.New("device.key_file is required")
	}
	if strings.TrimSpace(c.Device.DataDir) == "" {
		return errors.New("device.data_dir is required")
	}

	switch c.Timeouts.Profile {
	case "", "normal", "fast", "emergency":
	default:
		return fmt.Errorf("timeouts.profile %q must be normal, fast, or emergency", c.Timeouts.Profile)
	}
	for name, v := range map[string]int{
		"timeouts.discovery_seconds":  c.Timeouts.DiscoverySec,
		"timeouts.connection_seconds": c.Timeouts.ConnectionSec,
		"timeouts.handshake_seconds":  c.Timeouts.HandshakeSec,
		"timeouts.delivery_seconds":   c.Timeouts.DeliverySec,
		"timeouts.ping_seconds":       c.Timeouts.PingSec,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}

	if c.Reconnect.InitialDelaySec <= 0 {
		return errors.New("reconnect.initial_delay_seconds must be > 0")
	}
	if c.Reconnect.MaxDelaySec < c.Reconnect.InitialDelaySec {
		return errors.New("reconnect.max_delay_seconds must be >= initial_delay_seconds")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return errors.New("reconnect.max_attempts must be > 0")
	}

	if c.Quality.WindowSize <= 0 {
		return errors.New("quality.window_size must be > 0")
	}
	if c.Quality.SweepSec <= 0 {
		return errors.New("quality.sweep_seconds must be > 0")
	}
	if c.Quality.StaleAfterSec <= c.Quality.SweepSec {
		return errors.New("quality.stale_after_seconds must be > quality.sweep_seconds")
	}

	if c.Router.DedupWindowSec <= 0 {
		return errors.New("router.dedup_window_seconds must be > 0")
	}
	if c.Router.QueueCap <= 0 {
		return errors.New("router.queue_cap must be > 0")
	}

	if c.Transport.ListenPort < 0 || c.Transport.ListenPort > 65535 {
		return errors.New("transport.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.Transport.MdnsTag) == "" {
		return errors.New("transport.mdns_tag is required")
	}
	if strings.TrimSpace(c.Transport.PresenceTopic) == "" {
		return errors.New("transport.presence_topic is required")
	}
	if c.Transport.PingSec <= 0 {
		return errors.New("transport.ping_seconds must be > 0")
	}

	return nil
}

// Load reads and validates the config at path. A missing file yields the
// defaults (and is not an error) so a fresh node starts without setup.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
