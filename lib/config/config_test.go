// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
cloud:
  base_url: https://fleet.example.com/api/v1
  token: secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Machine.Network != "unix" {
		t.Errorf("machine.network = %q, want unix", cfg.Machine.Network)
	}
	if cfg.Machine.Address != "/var/run/glonaxd.sock" {
		t.Errorf("machine.address = %q", cfg.Machine.Address)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Interval != time.Minute {
		t.Errorf("telemetry defaults = %+v", cfg.Telemetry)
	}
	if cfg.Camera.Enabled {
		t.Error("camera enabled by default")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
machine:
  network: tcp
  address: 10.0.0.5:30051
cloud:
  base_url: http://fleet.internal
  token: secret
telemetry:
  interval: 30s
camera:
  enabled: true
  frame_rate: 25
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Machine.Network != "tcp" || cfg.Machine.Address != "10.0.0.5:30051" {
		t.Errorf("machine = %+v", cfg.Machine)
	}
	if cfg.Telemetry.Interval != 30*time.Second {
		t.Errorf("telemetry.interval = %v", cfg.Telemetry.Interval)
	}
	if !cfg.Camera.Enabled || cfg.Camera.FrameRate != 25 {
		t.Errorf("camera = %+v", cfg.Camera)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); !os.IsNotExist(err) {
		t.Fatalf("Load missing file: %v", err)
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := &Config{
		Machine:   MachineConfig{Network: "udp"},
		Telemetry: TelemetryConfig{Enabled: true, Interval: -time.Second},
		Camera:    CameraConfig{Enabled: true},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted broken config")
	}
	for _, want := range []string{
		"machine.network",
		"machine.address",
		"cloud.base_url",
		"telemetry.interval",
		"camera.frame_rate",
		"identity.cache_path",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate error missing %q: %v", want, err)
		}
	}
}

func TestValidateRejectsNonHTTPBaseURL(t *testing.T) {
	cfg := Default()
	cfg.Cloud.BaseURL = "ftp://fleet.example.com"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "http(s)") {
		t.Fatalf("Validate = %v, want http(s) error", err)
	}
}

func TestControlURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://fleet.example.com/api/v1", "wss://fleet.example.com/api/v1/abc/ws"},
		{"https://fleet.example.com/api/v1/", "wss://fleet.example.com/api/v1/abc/ws"},
		{"http://localhost:8000", "ws://localhost:8000/abc/ws"},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Cloud.BaseURL = tt.base
		if got := cfg.ControlURL("abc"); got != tt.want {
			t.Errorf("ControlURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
