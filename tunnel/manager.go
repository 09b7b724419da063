// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package tunnel manages the WebRTC bridge between a remote operator
// and the machine. At most one tunnel is active per process: one peer
// connection carrying a "signal" data channel (machine frames out), a
// "command" data channel (operator frames in), and optionally the
// shared camera track.
package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/fieldlink-systems/fieldlink/lib/clock"
	"github.com/fieldlink-systems/fieldlink/media"
	"github.com/fieldlink-systems/fieldlink/protocol"
	"github.com/fieldlink-systems/fieldlink/rpc"
)

const (
	// connectTimeout bounds the time from answer creation to the peer
	// connection reaching connected.
	connectTimeout = 60 * time.Second

	// machineRetryDelay paces the signal relay's reconnect attempts
	// against the machine daemon.
	machineRetryDelay = time.Second

	// iceGatherTimeout bounds local ICE candidate gathering during
	// answer construction.
	iceGatherTimeout = 10 * time.Second
)

// PeerConnectionParams identifies the operator side of a tunnel
// request. The field types mirror the fleet console's wire contract:
// the connection id is an integer and video_track a 0/1 flag.
type PeerConnectionParams struct {
	ConnectionID int64  `json:"connection_id"`
	UserAgent    string `json:"user_agent"`
	VideoTrack   Flag   `json:"video_track"`
}

// Flag is a boolean the console transmits as a 0/1 integer. JSON
// true/false is accepted as well.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	switch s := string(bytes.TrimSpace(data)); s {
	case "true":
		*f = true
	case "false", "null":
		*f = false
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("flag must be a number or boolean, got %s", s)
		}
		*f = n != 0
	}
	return nil
}

func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// ICECandidateParams is one trickled ICE candidate from the operator.
type ICECandidateParams struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment"`
}

// Notifier receives tunnel lifecycle events. Delivery is
// best-effort.
type Notifier interface {
	Notify(ctx context.Context, topic, message string)
}

// ManagerConfig collects the dependencies a Manager needs.
type ManagerConfig struct {
	// MachineNetwork and MachineAddress locate the machine control
	// daemon ("unix" + socket path, or "tcp" + host:port).
	MachineNetwork string
	MachineAddress string

	// UserAgent is sent in the machine handshake.
	UserAgent string

	// Relay provides the shared camera feed. Nil disables video.
	Relay *media.Relay

	ICEServers []webrtc.ICEServer

	// Notifier receives RTC.CONNECTED / RTC.DISCONNECTED events. Nil
	// disables notifications.
	Notifier Notifier

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager owns the process-wide tunnel slot. Setup, Update, and
// Disconnect are the RPC-facing operations; all reject with
// application errors rather than framework errors so the remote
// operator sees a meaningful code.
type Manager struct {
	machineNetwork string
	machineAddress string
	userAgent      string
	relay          *media.Relay
	iceServers     []webrtc.ICEServer
	notifier       Notifier
	clock          clock.Clock
	logger         *slog.Logger

	mu     sync.Mutex
	active *Tunnel
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		machineNetwork: cfg.MachineNetwork,
		machineAddress: cfg.MachineAddress,
		userAgent:      cfg.UserAgent,
		relay:          cfg.Relay,
		iceServers:     cfg.ICEServers,
		notifier:       cfg.Notifier,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
	}
}

// Active reports the connection id of the current tunnel, if any.
func (m *Manager) Active() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return 0, false
	}
	return m.active.connectionID, true
}

// Setup builds a peer connection answering the operator's offer and
// returns the complete answer SDP. It rejects when a tunnel is
// already active, the connection id is missing, or the description is
// not an offer. Internal failures are logged in full but surface to
// the operator as a generic application error.
func (m *Manager) Setup(ctx context.Context, params PeerConnectionParams, offer protocol.SessionDescription) (string, error) {
	if params.ConnectionID == 0 {
		return "", rpc.Errorf("connection id required")
	}
	if offer.Type != "offer" {
		return "", rpc.Errorf("expected an SDP offer, got %q", offer.Type)
	}
	m.mu.Lock()
	occupied := m.active != nil
	m.mu.Unlock()
	if occupied {
		return "", rpc.Errorf("RTC connection already established")
	}

	tunnel, answer, err := m.buildTunnel(ctx, params, offer)
	if err != nil {
		m.logger.Error("rtc setup failed", "connection_id", params.ConnectionID, "error", err)
		return "", rpc.Errorf("RTC setup failed")
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		tunnel.Close()
		return "", rpc.Errorf("RTC connection already established")
	}
	m.active = tunnel
	m.mu.Unlock()

	tunnel.armWatchdog()
	m.logger.Info("rtc tunnel established",
		"connection_id", params.ConnectionID,
		"user_agent", params.UserAgent,
		"video", bool(params.VideoTrack),
	)
	return answer, nil
}

// Update attaches one trickled ICE candidate to the active tunnel.
// The connection id must match the active tunnel.
func (m *Manager) Update(ctx context.Context, params PeerConnectionParams, candidate ICECandidateParams) error {
	tunnel := m.lookup(params.ConnectionID)
	if tunnel == nil {
		return rpc.Errorf("no RTC connection with id %d", params.ConnectionID)
	}
	if candidate.Candidate == "" {
		return rpc.Errorf("empty ICE candidate")
	}

	init := webrtc.ICECandidateInit{
		// Browsers send "candidate:..." per the W3C API; the SDP
		// attribute value pion expects has no such prefix.
		Candidate:        strings.TrimPrefix(candidate.Candidate, "candidate:"),
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}
	if err := tunnel.pc.AddICECandidate(init); err != nil {
		m.logger.Warn("adding ICE candidate failed", "connection_id", params.ConnectionID, "error", err)
		return rpc.Errorf("adding ICE candidate failed")
	}
	return nil
}

// Disconnect tears down the active tunnel. The connection id must
// match.
func (m *Manager) Disconnect(ctx context.Context, params PeerConnectionParams) error {
	tunnel := m.lookup(params.ConnectionID)
	if tunnel == nil {
		return rpc.Errorf("no RTC connection with id %d", params.ConnectionID)
	}
	tunnel.Close()
	return nil
}

// Shutdown tears down the active tunnel, if any. Called on agent
// stop.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	tunnel := m.active
	m.mu.Unlock()
	if tunnel != nil {
		tunnel.Close()
	}
}

func (m *Manager) lookup(connectionID int64) *Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.connectionID != connectionID {
		return nil
	}
	return m.active
}

// clearActive releases the singleton slot if tunnel still owns it.
func (m *Manager) clearActive(tunnel *Tunnel) {
	m.mu.Lock()
	if m.active == tunnel {
		m.active = nil
	}
	m.mu.Unlock()
}

// buildTunnel constructs the peer connection, applies the offer, and
// produces the complete local answer (after ICE gathering).
func (m *Manager) buildTunnel(ctx context.Context, params PeerConnectionParams, offer protocol.SessionDescription) (*Tunnel, string, error) {
	// Loopback candidates cover bench setups where the operator
	// console runs on the machine itself.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, "", fmt.Errorf("registering codecs: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return nil, "", fmt.Errorf("creating peer connection: %w", err)
	}

	tunnelCtx, cancel := context.WithCancel(context.Background())
	tunnel := &Tunnel{
		connectionID: params.ConnectionID,
		manager:      m,
		pc:           pc,
		clock:        m.clock,
		logger:       m.logger.With("connection_id", params.ConnectionID),
		ctx:          tunnelCtx,
		cancel:       cancel,
	}

	if bool(params.VideoTrack) && m.relay != nil {
		track, err := m.relay.Subscribe("video-" + strconv.FormatInt(params.ConnectionID, 10))
		if err != nil {
			tunnel.Close()
			return nil, "", err
		}
		tunnel.track = track
		sender, err := pc.AddTrack(track)
		if err != nil {
			tunnel.Close()
			return nil, "", fmt.Errorf("adding video track: %w", err)
		}
		// Drain RTCP so the interceptors keep running.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	pc.OnConnectionStateChange(tunnel.handleStateChange)
	pc.OnDataChannel(tunnel.handleDataChannel)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		tunnel.Close()
		return nil, "", fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		tunnel.Close()
		return nil, "", fmt.Errorf("creating answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		tunnel.Close()
		return nil, "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-m.clock.After(iceGatherTimeout):
		tunnel.Close()
		return nil, "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		tunnel.Close()
		return nil, "", ctx.Err()
	}

	return tunnel, pc.LocalDescription().SDP, nil
}
