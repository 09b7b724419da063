// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the agent configuration from a single YAML
// file. The file is the only source of truth: environment variables
// never override it, so a deployed machine's behavior is fully
// auditable from its config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent configuration.
type Config struct {
	Machine   MachineConfig   `yaml:"machine"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Camera    CameraConfig    `yaml:"camera"`
	Identity  IdentityConfig  `yaml:"identity"`
	System    SystemConfig    `yaml:"system"`
}

// MachineConfig locates the machine control daemon.
type MachineConfig struct {
	// Network is "unix" or "tcp".
	Network string `yaml:"network"`
	// Address is the socket path (unix) or host:port (tcp).
	Address string `yaml:"address"`
}

// CloudConfig locates the fleet management API.
type CloudConfig struct {
	// BaseURL is the API root, e.g. https://fleet.example.com/api/v1.
	// Websocket URLs are derived from it.
	BaseURL string `yaml:"base_url"`
	// Token authorizes this machine against the API.
	Token string `yaml:"token"`
}

type TelemetryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type CameraConfig struct {
	Enabled   bool `yaml:"enabled"`
	FrameRate int  `yaml:"frame_rate"`
}

type IdentityConfig struct {
	// CachePath is where the machine identity record is stored.
	CachePath string `yaml:"cache_path"`
}

type SystemConfig struct {
	// AllowedServices are the systemd units the fleet may control
	// remotely. Empty means none.
	AllowedServices []string `yaml:"allowed_services"`
}

// Default returns the built-in defaults. Load starts from these.
func Default() *Config {
	return &Config{
		Machine: MachineConfig{
			Network: "unix",
			Address: "/var/run/glonaxd.sock",
		},
		Telemetry: TelemetryConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Camera: CameraConfig{
			Enabled:   false,
			FrameRate: 10,
		},
		Identity: IdentityConfig{
			CachePath: "/var/lib/fieldlink/identity.cbor",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors, reporting all of them
// at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Machine.Network != "unix" && c.Machine.Network != "tcp" {
		errs = append(errs, fmt.Errorf("machine.network must be unix or tcp, got %q", c.Machine.Network))
	}
	if c.Machine.Address == "" {
		errs = append(errs, errors.New("machine.address is required"))
	}
	if c.Cloud.BaseURL == "" {
		errs = append(errs, errors.New("cloud.base_url is required"))
	} else if !strings.HasPrefix(c.Cloud.BaseURL, "http://") && !strings.HasPrefix(c.Cloud.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("cloud.base_url must be an http(s) URL, got %q", c.Cloud.BaseURL))
	}
	if c.Telemetry.Enabled && c.Telemetry.Interval <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.interval must be positive, got %v", c.Telemetry.Interval))
	}
	if c.Camera.Enabled && c.Camera.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("camera.frame_rate must be positive, got %d", c.Camera.FrameRate))
	}
	if c.Identity.CachePath == "" {
		errs = append(errs, errors.New("identity.cache_path is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ControlURL returns the websocket URL of the machine's cloud control
// channel.
func (c *Config) ControlURL(instanceID string) string {
	base := c.Cloud.BaseURL
	if after, ok := strings.CutPrefix(base, "https://"); ok {
		base = "wss://" + after
	} else if after, ok := strings.CutPrefix(base, "http://"); ok {
		base = "ws://" + after
	}
	return strings.TrimSuffix(base, "/") + "/" + instanceID + "/ws"
}
