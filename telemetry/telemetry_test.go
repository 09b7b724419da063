// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fieldlink-systems/fieldlink/lib/clock"
	"github.com/fieldlink-systems/fieldlink/lib/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type capturedRequest struct {
	path   string
	auth   string
	body   []byte
	method string
}

func captureServer(t *testing.T, requests chan capturedRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- capturedRequest{
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			body:   body,
			method: r.Method,
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestReporterPostsSnapshot(t *testing.T) {
	requests := make(chan capturedRequest, 1)
	server := captureServer(t, requests)

	reporter := NewReporter(ReporterConfig{
		BaseURL:    server.URL,
		Token:      "secret-token",
		InstanceID: "machine-1",
		Interval:   time.Minute,
		Clock:      clock.Real(),
		Logger:     discardLogger(),
	})
	reporter.collect = func(ctx context.Context) (HostStats, error) {
		return HostStats{Hostname: "edge-7", MemoryUsed: 512, MemoryTotal: 2048, CPULoad1: 0.4}, nil
	}

	if err := reporter.reportOnce(context.Background()); err != nil {
		t.Fatalf("reportOnce: %v", err)
	}

	req := testutil.RequireReceive(t, requests, 5*time.Second, "waiting for telemetry POST")
	if req.method != http.MethodPost {
		t.Errorf("method = %s", req.method)
	}
	if req.path != "/machine-1/host" {
		t.Errorf("path = %s", req.path)
	}
	if req.auth != "Bearer secret-token" {
		t.Errorf("auth = %q", req.auth)
	}
	var stats HostStats
	if err := json.Unmarshal(req.body, &stats); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if stats.Hostname != "edge-7" || stats.MemoryTotal != 2048 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReporterRunFollowsTicker(t *testing.T) {
	requests := make(chan capturedRequest, 4)
	server := captureServer(t, requests)
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	reporter := NewReporter(ReporterConfig{
		BaseURL:    server.URL,
		InstanceID: "machine-1",
		Interval:   30 * time.Second,
		Clock:      fake,
		Logger:     discardLogger(),
	})
	reporter.collect = func(ctx context.Context) (HostStats, error) {
		return HostStats{Hostname: "edge-7"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reporter.Run(ctx) }()

	fake.WaitForTimers(1)
	fake.Advance(30 * time.Second)
	testutil.RequireReceive(t, requests, 5*time.Second, "first report")

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "reporter shutdown"); err != nil {
		t.Fatalf("Run returned %v on cancellation", err)
	}
}

func TestReporterSurfacesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	reporter := NewReporter(ReporterConfig{
		BaseURL:    server.URL,
		InstanceID: "machine-1",
		Interval:   time.Minute,
		Clock:      clock.Real(),
		Logger:     discardLogger(),
	})
	reporter.collect = func(ctx context.Context) (HostStats, error) {
		return HostStats{}, nil
	}

	if err := reporter.reportOnce(context.Background()); err == nil {
		t.Fatal("reportOnce succeeded against a 403 response")
	}
}

func TestNotifierPostsEvent(t *testing.T) {
	requests := make(chan capturedRequest, 1)
	server := captureServer(t, requests)

	notifier := NewNotifier(server.URL, "secret-token", "machine-1", discardLogger())
	notifier.Notify(context.Background(), "RTC.CONNECTED", "conn-1")

	req := testutil.RequireReceive(t, requests, 5*time.Second, "waiting for notification POST")
	if req.path != "/machine-1/notify" {
		t.Errorf("path = %s", req.path)
	}
	var event notification
	if err := json.Unmarshal(req.body, &event); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if event.Topic != "RTC.CONNECTED" || event.Message != "conn-1" {
		t.Errorf("event = %+v", event)
	}
}

func TestNotifierSwallowsFailures(t *testing.T) {
	// Nothing listens here; Notify must not panic or block.
	notifier := NewNotifier("http://127.0.0.1:1", "", "machine-1", discardLogger())
	notifier.Notify(context.Background(), "RTC.DISCONNECTED", "conn-1")
}
