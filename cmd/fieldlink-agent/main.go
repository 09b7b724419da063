// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

// Fieldlink-agent is the on-machine edge process. It connects to the
// local machine control daemon, maintains a websocket control channel
// to the fleet management API, and answers remote commands: telemetry
// queries, motion commands, host maintenance, and WebRTC tunnel setup
// for low-latency remote operation.
//
// On startup:
//  1. Loads the YAML configuration.
//  2. Resolves the machine identity, from the on-disk cache when
//     present, otherwise by a handshake with the control daemon.
//  3. Starts the camera relay and telemetry reporter when enabled.
//  4. Runs the agent loops until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/fieldlink-systems/fieldlink/agent"
	"github.com/fieldlink-systems/fieldlink/identity"
	"github.com/fieldlink-systems/fieldlink/lib/clock"
	"github.com/fieldlink-systems/fieldlink/lib/config"
	"github.com/fieldlink-systems/fieldlink/lib/version"
	"github.com/fieldlink-systems/fieldlink/media"
	"github.com/fieldlink-systems/fieldlink/system"
	"github.com/fieldlink-systems/fieldlink/telemetry"
	"github.com/fieldlink-systems/fieldlink/tunnel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "/etc/fieldlink/agent.yaml", "path to the agent configuration file")
	flag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("fieldlink-agent %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	userAgent := "fieldlink-agent/" + version.Short()
	clk := clock.Real()

	// Resolve the machine identity before anything talks to the cloud:
	// the instance ID is part of every cloud URL.
	instance, err := identity.Fetch(ctx, cfg.Identity.CachePath, cfg.Machine.Network, cfg.Machine.Address, userAgent, logger)
	if err != nil {
		return fmt.Errorf("resolving machine identity: %w", err)
	}
	instanceID := instance.ID.String()
	logger.Info("machine identity resolved",
		"instance", instanceID,
		"model", instance.Model,
		"version", instance.VersionString(),
	)

	group, ctx := errgroup.WithContext(ctx)

	var relay *media.Relay
	if cfg.Camera.Enabled {
		relay = media.NewRelay(media.NewTestPattern(clk, cfg.Camera.FrameRate), logger)
		group.Go(func() error {
			return relay.Run(ctx)
		})
		logger.Info("camera relay started", "frame_rate", cfg.Camera.FrameRate)
	}

	notifier := telemetry.NewNotifier(cfg.Cloud.BaseURL, cfg.Cloud.Token, instanceID, logger)

	if cfg.Telemetry.Enabled {
		reporter := telemetry.NewReporter(telemetry.ReporterConfig{
			BaseURL:    cfg.Cloud.BaseURL,
			Token:      cfg.Cloud.Token,
			InstanceID: instanceID,
			Interval:   cfg.Telemetry.Interval,
			Clock:      clk,
			Logger:     logger,
		})
		group.Go(func() error {
			return reporter.Run(ctx)
		})
		logger.Info("telemetry reporter started", "interval", cfg.Telemetry.Interval)
	}

	var operator *system.Operator
	if len(cfg.System.AllowedServices) > 0 {
		operator = system.NewOperator(logger, cfg.System.AllowedServices)
	}

	tunnels := tunnel.NewManager(tunnel.ManagerConfig{
		MachineNetwork: cfg.Machine.Network,
		MachineAddress: cfg.Machine.Address,
		UserAgent:      userAgent,
		Relay:          relay,
		Notifier:       notifier,
		Clock:          clk,
		Logger:         logger,
	})

	runtime := agent.NewRuntime(agent.Config{
		MachineNetwork: cfg.Machine.Network,
		MachineAddress: cfg.Machine.Address,
		CloudURL:       cfg.ControlURL(instanceID),
		CloudToken:     cfg.Cloud.Token,
		UserAgent:      userAgent,
	}, tunnels, operator, clk, logger)
	group.Go(func() error {
		return runtime.Run(ctx)
	})

	err = group.Wait()
	logger.Info("shutting down")
	return err
}
