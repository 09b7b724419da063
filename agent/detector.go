// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"sync"
	"time"

	"github.com/fieldlink-systems/fieldlink/lib/clock"
)

// changeDetector suppresses repeated identical payloads per topic.
// Machine modules report their state continuously; the cloud only
// needs to hear about changes, plus a periodic refresh so a silent
// topic cannot go stale forever.
type changeDetector struct {
	clock  clock.Clock
	window time.Duration

	mu   sync.Mutex
	last map[string]observation
}

type observation struct {
	payload []byte
	sentAt  time.Time
}

func newChangeDetector(clk clock.Clock, window time.Duration) *changeDetector {
	return &changeDetector{
		clock:  clk,
		window: window,
		last:   make(map[string]observation),
	}
}

// ShouldSend reports whether payload is worth sending for topic, and
// records it as sent when it is. A payload identical to the previous
// one is suppressed unless the previous send is older than the
// window.
func (d *changeDetector) ShouldSend(topic string, payload []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if prev, ok := d.last[topic]; ok {
		if bytes.Equal(prev.payload, payload) && now.Sub(prev.sentAt) < d.window {
			return false
		}
	}
	d.last[topic] = observation{payload: payload, sentAt: now}
	return true
}

// Forget drops the record for topic, so the next payload always
// sends. Used when a send fails after ShouldSend already recorded it.
func (d *changeDetector) Forget(topic string) {
	d.mu.Lock()
	delete(d.last, topic)
	d.mu.Unlock()
}
