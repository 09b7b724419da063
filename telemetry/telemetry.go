// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry reports host health to the fleet management API:
// periodic snapshots of memory, disk, and CPU load, plus one-shot
// lifecycle notifications. Everything here is best-effort; telemetry
// failures are logged and never interrupt the agent.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fieldlink-systems/fieldlink/lib/clock"
)

// HostStats is one snapshot of host health.
type HostStats struct {
	Hostname      string  `json:"hostname"`
	Kernel        string  `json:"kernel"`
	UptimeSeconds uint64  `json:"uptime"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryTotal   uint64  `json:"memory_total"`
	DiskUsed      uint64  `json:"disk_used"`
	DiskTotal     uint64  `json:"disk_total"`
	CPULoad1      float64 `json:"cpu_1"`
	CPULoad5      float64 `json:"cpu_5"`
	CPULoad15     float64 `json:"cpu_15"`
}

// Collect gathers a snapshot from the running host.
func Collect(ctx context.Context) (HostStats, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostStats{}, fmt.Errorf("reading host info: %w", err)
	}
	memory, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostStats{}, fmt.Errorf("reading memory stats: %w", err)
	}
	rootDisk, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return HostStats{}, fmt.Errorf("reading disk stats: %w", err)
	}
	loadAvg, err := load.AvgWithContext(ctx)
	if err != nil {
		return HostStats{}, fmt.Errorf("reading load average: %w", err)
	}

	return HostStats{
		Hostname:      info.Hostname,
		Kernel:        info.KernelVersion,
		UptimeSeconds: info.Uptime,
		MemoryUsed:    memory.Used,
		MemoryTotal:   memory.Total,
		DiskUsed:      rootDisk.Used,
		DiskTotal:     rootDisk.Total,
		CPULoad1:      loadAvg.Load1,
		CPULoad5:      loadAvg.Load5,
		CPULoad15:     loadAvg.Load15,
	}, nil
}

// ReporterConfig collects Reporter dependencies.
type ReporterConfig struct {
	// BaseURL is the management API root, e.g.
	// https://fleet.example.com/api/v1.
	BaseURL    string
	Token      string
	InstanceID string
	Interval   time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Reporter posts periodic host snapshots.
type Reporter struct {
	client     *http.Client
	baseURL    string
	token      string
	instanceID string
	interval   time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	// collect is swapped out by tests.
	collect func(ctx context.Context) (HostStats, error)
}

func NewReporter(cfg ReporterConfig) *Reporter {
	return &Reporter{
		client:     &http.Client{Timeout: 15 * time.Second},
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		instanceID: cfg.InstanceID,
		interval:   cfg.Interval,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		collect:    Collect,
	}
}

// Run posts a snapshot every interval until ctx ends. Cancellation is
// a clean stop.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.reportOnce(ctx); err != nil {
				r.logger.Warn("host telemetry report failed", "error", err)
			}
		}
	}
}

func (r *Reporter) reportOnce(ctx context.Context) error {
	stats, err := r.collect(ctx)
	if err != nil {
		return err
	}
	return postJSON(ctx, r.client, r.baseURL+"/"+r.instanceID+"/host", r.token, stats)
}

// Notifier posts one-shot lifecycle events, such as RTC.CONNECTED
// when an operator tunnel comes up.
type Notifier struct {
	client     *http.Client
	baseURL    string
	token      string
	instanceID string
	logger     *slog.Logger
}

func NewNotifier(baseURL, token, instanceID string, logger *slog.Logger) *Notifier {
	return &Notifier{
		client:     &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		token:      token,
		instanceID: instanceID,
		logger:     logger,
	}
}

type notification struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// Notify delivers one event. Failures are logged, never returned; a
// missed notification must not affect the tunnel lifecycle that
// produced it.
func (n *Notifier) Notify(ctx context.Context, topic, message string) {
	err := postJSON(ctx, n.client, n.baseURL+"/"+n.instanceID+"/notify", n.token, notification{Topic: topic, Message: message})
	if err != nil {
		n.logger.Warn("notification delivery failed", "topic", topic, "error", err)
		return
	}
	n.logger.Debug("notification delivered", "topic", topic, "message", message)
}

func postJSON(ctx context.Context, client *http.Client, url, token string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("management API returned %s", resp.Status)
	}
	return nil
}
