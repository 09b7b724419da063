// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package system executes the small set of host maintenance actions
// the fleet exposes remotely: rebooting the machine computer,
// controlling an allowlisted set of systemd units, and running the
// package manager. Anything outside the allowlists is refused before
// a process is spawned.
package system

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// operations systemctl accepts remotely. Status-style introspection
// is excluded on purpose; the fleet reads unit state through
// telemetry instead.
var allowedOperations = map[string]bool{
	"start":   true,
	"stop":    true,
	"restart": true,
}

// operations apt accepts remotely. Removals are excluded; the fleet
// never uninstalls packages from a running machine.
var allowedAptOperations = map[string]bool{
	"update":  true,
	"upgrade": true,
	"install": true,
}

// Operator runs host commands. The zero value is unusable; construct
// with NewOperator.
type Operator struct {
	logger          *slog.Logger
	allowedServices map[string]bool

	// runCommand is swapped out by tests.
	runCommand func(ctx context.Context, name string, args ...string) error
}

func NewOperator(logger *slog.Logger, allowedServices []string) *Operator {
	allowed := make(map[string]bool, len(allowedServices))
	for _, service := range allowedServices {
		allowed[service] = true
	}
	return &Operator{
		logger:          logger,
		allowedServices: allowed,
		runCommand:      run,
	}
}

func run(ctx context.Context, name string, args ...string) error {
	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Reboot restarts the machine computer.
func (o *Operator) Reboot(ctx context.Context) error {
	o.logger.Warn("rebooting host on remote request")
	return o.runCommand(ctx, "systemctl", "reboot")
}

// Systemctl applies operation to service. Both must be on the
// allowlists.
func (o *Operator) Systemctl(ctx context.Context, operation, service string) error {
	if !allowedOperations[operation] {
		return fmt.Errorf("operation %q not permitted", operation)
	}
	if !o.allowedServices[service] {
		return fmt.Errorf("service %q not permitted", service)
	}
	o.logger.Info("running systemctl on remote request", "operation", operation, "service", service)
	return o.runCommand(ctx, "systemctl", operation, service)
}

// Apt runs the package manager. The operation must be on the
// allowlist; install additionally requires a package name.
func (o *Operator) Apt(ctx context.Context, operation, pkg string) error {
	if !allowedAptOperations[operation] {
		return fmt.Errorf("operation %q not permitted", operation)
	}
	if operation == "install" && pkg == "" {
		return fmt.Errorf("package name required for install")
	}
	o.logger.Info("running apt on remote request", "operation", operation, "package", pkg)
	args := []string{"-y", operation}
	if pkg != "" {
		args = append(args, pkg)
	}
	return o.runCommand(ctx, "apt-get", args...)
}
