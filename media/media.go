// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package media carries the machine's camera feed to remote
// operators. One Source produces encoded H.264 samples; a Relay fans
// the samples out to any number of WebRTC video tracks, so several
// peer connections can share one capture device.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/fieldlink-systems/fieldlink/lib/clock"
)

// Source produces encoded H.264 video samples. Next blocks until the
// next sample is available or ctx ends.
type Source interface {
	Next(ctx context.Context) (pionmedia.Sample, error)
}

// Relay reads samples from one Source and writes each to every
// subscribed track. Subscribers that fail a write are logged and
// kept; a camera hiccup must not tear down a tunnel.
type Relay struct {
	source Source
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[*webrtc.TrackLocalStaticSample]struct{}
}

func NewRelay(source Source, logger *slog.Logger) *Relay {
	return &Relay{
		source:      source,
		logger:      logger,
		subscribers: make(map[*webrtc.TrackLocalStaticSample]struct{}),
	}
}

// Subscribe creates a video track fed by the relay. The caller adds
// it to a peer connection and must Unsubscribe when done.
func (r *Relay) Subscribe(trackID string) (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		trackID,
		"fieldlink-camera",
	)
	if err != nil {
		return nil, fmt.Errorf("creating video track: %w", err)
	}
	r.mu.Lock()
	r.subscribers[track] = struct{}{}
	r.mu.Unlock()
	return track, nil
}

// Unsubscribe detaches a track from the relay. Unknown tracks are
// ignored.
func (r *Relay) Unsubscribe(track *webrtc.TrackLocalStaticSample) {
	r.mu.Lock()
	delete(r.subscribers, track)
	r.mu.Unlock()
}

// SubscriberCount reports the number of attached tracks.
func (r *Relay) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// Run pumps samples from the source to all subscribers until ctx
// ends. Context cancellation is a clean stop, not an error.
func (r *Relay) Run(ctx context.Context) error {
	for {
		sample, err := r.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading video sample: %w", err)
		}

		r.mu.Lock()
		tracks := make([]*webrtc.TrackLocalStaticSample, 0, len(r.subscribers))
		for track := range r.subscribers {
			tracks = append(tracks, track)
		}
		r.mu.Unlock()

		for _, track := range tracks {
			if err := track.WriteSample(sample); err != nil {
				r.logger.Debug("writing sample to track failed", "track", track.ID(), "error", err)
			}
		}
	}
}

// TestPattern is a synthetic Source for machines without a camera and
// for tests. It emits a fixed H.264 access unit (SPS, PPS, and one
// IDR slice of a black frame) at the configured frame rate.
type TestPattern struct {
	clock    clock.Clock
	interval time.Duration
}

func NewTestPattern(clk clock.Clock, frameRate int) *TestPattern {
	if frameRate <= 0 {
		frameRate = 10
	}
	return &TestPattern{
		clock:    clk,
		interval: time.Second / time.Duration(frameRate),
	}
}

// blackFrame is a minimal Annex-B access unit: SPS and PPS for a
// 16x16 baseline stream followed by an IDR slice.
var blackFrame = []byte{
	0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x0A, 0xF8, 0x41, 0xA2,
	0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80,
	0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0x33, 0xFF, 0xFE,
	0xF6, 0xF0, 0xFE, 0x05, 0x36, 0x56, 0x04, 0x50, 0x96, 0x7B, 0x3F,
}

func (p *TestPattern) Next(ctx context.Context) (pionmedia.Sample, error) {
	select {
	case <-ctx.Done():
		return pionmedia.Sample{}, ctx.Err()
	case <-p.clock.After(p.interval):
	}
	return pionmedia.Sample{Data: blackFrame, Duration: p.interval}, nil
}
