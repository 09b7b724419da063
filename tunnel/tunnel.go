// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/fieldlink-systems/fieldlink/lib/clock"
	"github.com/fieldlink-systems/fieldlink/machine"
	"github.com/fieldlink-systems/fieldlink/protocol"
)

// Tunnel is one active peer connection bound to one connection id.
// Its lifecycle ends through Close, which is idempotent and always
// releases the manager's singleton slot.
type Tunnel struct {
	connectionID int64
	manager      *Manager
	pc           *webrtc.PeerConnection
	track        *webrtc.TrackLocalStaticSample
	clock        clock.Clock
	logger       *slog.Logger

	// announced flips once the peer connection reached connected.
	// Only announced tunnels emit a disconnect notification; a setup
	// that never connected was never reported as established.
	announced atomic.Bool

	// ctx ends when the tunnel is closing; the relay loop and sleeps
	// key off it.
	ctx    context.Context
	cancel context.CancelFunc

	watchdogMu sync.Mutex
	watchdog   *clock.Timer

	sessionMu sync.Mutex
	session   *machine.Session

	closeOnce sync.Once
}

// armWatchdog schedules the connect timeout. Firing is a no-op when
// the peer connection reached connected in time.
func (t *Tunnel) armWatchdog() {
	t.watchdogMu.Lock()
	defer t.watchdogMu.Unlock()
	t.watchdog = t.clock.AfterFunc(connectTimeout, func() {
		if t.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
			return
		}
		t.logger.Warn("peer connection not connected within timeout", "timeout", connectTimeout)
		t.Close()
	})
}

func (t *Tunnel) handleStateChange(state webrtc.PeerConnectionState) {
	t.logger.Info("peer connection state changed", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		t.announced.Store(true)
		if t.manager.notifier != nil {
			go t.manager.notifier.Notify(t.ctx, "RTC.CONNECTED", strconv.FormatInt(t.connectionID, 10))
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		// Run teardown off the signaling goroutine: Close releases
		// the peer connection, which would re-enter this handler.
		go t.Close()
	}
}

func (t *Tunnel) handleDataChannel(dc *webrtc.DataChannel) {
	switch dc.Label() {
	case "signal":
		dc.OnOpen(func() {
			go t.runSignalRelay(dc)
		})
		// A closed signal channel is terminal for the relay.
		dc.OnClose(func() {
			t.logger.Debug("signal channel closed")
			t.cancel()
		})
	case "command":
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			t.handleCommand(dc, msg.Data)
		})
	default:
		t.logger.Debug("ignoring unexpected data channel", "label", dc.Label())
	}
}

// runSignalRelay keeps a machine session open and relays its frames
// onto the signal channel. Machine connection errors are recoverable
// (log, wait, redial); a closed channel or tunnel ends the loop.
func (t *Tunnel) runSignalRelay(dc *webrtc.DataChannel) {
	for t.ctx.Err() == nil {
		session, err := machine.Dial(t.ctx, t.manager.machineNetwork, t.manager.machineAddress, t.manager.userAgent, t.logger)
		if err != nil {
			t.logger.Warn("machine connection failed", "error", err)
			t.sleep(machineRetryDelay)
			continue
		}
		t.setSession(session)

		err = t.relayFrames(dc, session)
		t.setSession(nil)
		session.Close()

		if t.ctx.Err() != nil {
			return
		}
		if err != nil {
			t.logger.Warn("machine relay interrupted", "error", err)
			t.sleep(machineRetryDelay)
		}
	}
}

// relayFrames stops machine motion, announces the machine identity,
// then forwards every machine frame verbatim. A machine error returns
// non-nil (recoverable); a channel send failure cancels the tunnel
// context and returns nil (terminal).
func (t *Tunnel) relayFrames(dc *webrtc.DataChannel, session *machine.Session) error {
	if err := session.SendMotion(protocol.StopAll()); err != nil {
		return err
	}

	instancePayload, err := session.Instance().MarshalBinary()
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(protocol.MessageInstance, instancePayload)
	if err != nil {
		return err
	}
	if err := dc.Send(frame); err != nil {
		t.cancel()
		return nil
	}

	for {
		messageType, payload, err := session.RecvFrame()
		if err != nil {
			return err
		}
		frame, err := protocol.Encode(messageType, payload)
		if err != nil {
			t.logger.Debug("re-encoding machine frame failed", "type", messageType.String(), "error", err)
			continue
		}
		if err := dc.Send(frame); err != nil {
			t.cancel()
			return nil
		}
	}
}

// handleCommand processes one message from the command channel. ECHO
// frames are bounced back unchanged as a liveness probe and never
// reach the machine; everything else is forwarded verbatim.
func (t *Tunnel) handleCommand(dc *webrtc.DataChannel, data []byte) {
	messageType, payload, err := protocol.DecodeFrame(data)
	if err != nil {
		t.logger.Debug("dropping malformed command frame", "error", err)
		return
	}

	if messageType == protocol.MessageEcho {
		if err := dc.Send(data); err != nil {
			t.logger.Debug("echo reply failed", "error", err)
		}
		return
	}

	session := t.getSession()
	if session == nil {
		t.logger.Debug("dropping command frame, no machine session", "type", messageType.String())
		return
	}
	if err := session.WriteFrame(messageType, payload); err != nil {
		t.logger.Warn("forwarding command frame failed", "type", messageType.String(), "error", err)
	}
}

func (t *Tunnel) setSession(session *machine.Session) {
	t.sessionMu.Lock()
	t.session = session
	t.sessionMu.Unlock()
}

func (t *Tunnel) getSession() *machine.Session {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	return t.session
}

func (t *Tunnel) takeSession() *machine.Session {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	session := t.session
	t.session = nil
	return session
}

func (t *Tunnel) sleep(d time.Duration) {
	select {
	case <-t.ctx.Done():
	case <-t.clock.After(d):
	}
}

// Close tears the tunnel down: cancel the relay, disarm the watchdog,
// stop machine motion and close the session, release the video track
// and the peer connection, and clear the manager slot. Each step is
// best-effort; Close never fails and may be called from any
// goroutine, any number of times.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		t.cancel()

		t.watchdogMu.Lock()
		if t.watchdog != nil {
			t.watchdog.Stop()
		}
		t.watchdogMu.Unlock()

		if session := t.takeSession(); session != nil {
			if err := session.SendMotion(protocol.StopAll()); err != nil {
				t.logger.Debug("motion stop on teardown failed", "error", err)
			}
			session.Close()
		}

		if t.track != nil && t.manager.relay != nil {
			t.manager.relay.Unsubscribe(t.track)
		}
		if err := t.pc.Close(); err != nil {
			t.logger.Debug("closing peer connection", "error", err)
		}

		t.manager.clearActive(t)
		if t.announced.Load() && t.manager.notifier != nil {
			go t.manager.notifier.Notify(context.Background(), "RTC.DISCONNECTED", strconv.FormatInt(t.connectionID, 10))
		}
		t.logger.Info("rtc tunnel closed")
	})
}
