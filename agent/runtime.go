// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent wires the machine session, the cloud websocket, the
// JSON-RPC engine, and the RTC tunnel manager into one runtime. Two
// bounded queues decouple the sides: machine signals flow to the
// cloud through a change detector, cloud commands flow to the
// machine. Both connections reconnect forever with a fixed one-second
// delay; context cancellation is the only shutdown path and is a
// clean stop.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/fieldlink-systems/fieldlink/lib/clock"
	"github.com/fieldlink-systems/fieldlink/lib/queue"
	"github.com/fieldlink-systems/fieldlink/machine"
	"github.com/fieldlink-systems/fieldlink/protocol"
	"github.com/fieldlink-systems/fieldlink/rpc"
	"github.com/fieldlink-systems/fieldlink/system"
	"github.com/fieldlink-systems/fieldlink/tunnel"
)

const (
	// reconnectDelay is the fixed pause between reconnect attempts
	// for both the machine session and the cloud websocket. No
	// backoff: both peers are local or near and recover fast.
	reconnectDelay = time.Second

	// queueCapacity bounds the signal and command queues. Overflow
	// drops the newest element; producers never block.
	queueCapacity = 8

	// suppressionWindow is how long an unchanged topic stays quiet
	// before it is re-sent anyway.
	suppressionWindow = 5 * time.Second

	handshakeTimeout = 10 * time.Second
)

var errNoCloudConnection = errors.New("no cloud connection")

// Config locates the runtime's two remote endpoints.
type Config struct {
	// MachineNetwork and MachineAddress locate the machine control
	// daemon ("unix" + socket path, or "tcp" + host:port).
	MachineNetwork string
	MachineAddress string

	// CloudURL is the complete websocket URL of the fleet control
	// channel for this machine.
	CloudURL string

	// CloudToken authorizes the websocket handshake.
	CloudToken string

	// UserAgent identifies this agent in the machine handshake.
	UserAgent string
}

// Runtime is the agent's supervisor. Construct with NewRuntime, then
// call Run.
type Runtime struct {
	cfg     Config
	logger  *slog.Logger
	clock   clock.Clock
	engine  *rpc.Engine
	tunnels *tunnel.Manager
	system  *system.Operator

	state    *machine.State
	signals  *queue.Queue[machine.Signal]
	commands *queue.Queue[protocol.ChannelMessage]
	detector *changeDetector

	sessionMu sync.Mutex
	session   *machine.Session

	connMu sync.Mutex
	conn   *websocket.Conn
	// connUp is closed while a cloud connection is present and
	// replaced with a fresh open channel when it drops. The signal
	// loop waits on it so queued signals survive an outage.
	connUp chan struct{}
}

// NewRuntime assembles a runtime. operator may be nil, which leaves
// the host maintenance methods unregistered.
func NewRuntime(cfg Config, tunnels *tunnel.Manager, operator *system.Operator, clk clock.Clock, logger *slog.Logger) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		engine:   rpc.NewEngine(logger),
		tunnels:  tunnels,
		system:   operator,
		state:    machine.NewState(),
		signals:  queue.New[machine.Signal](queueCapacity),
		commands: queue.New[protocol.ChannelMessage](queueCapacity),
		detector: newChangeDetector(clk, suppressionWindow),
		connUp:   make(chan struct{}),
	}
	r.registerMethods()
	return r
}

// Run supervises the loops until ctx ends. Cancellation is graceful
// shutdown, not an error.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("agent starting",
		"machine", r.cfg.MachineAddress,
		"cloud", r.cfg.CloudURL,
	)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return r.machineLoop(ctx) })
	group.Go(func() error { return r.commandLoop(ctx) })
	group.Go(func() error { return r.signalLoop(ctx) })
	group.Go(func() error { return r.cloudLoop(ctx) })
	err := group.Wait()
	r.tunnels.Shutdown()
	r.logger.Info("agent stopped")
	return err
}

// machineLoop keeps one session to the machine daemon open, feeding
// its signals into the state cache and the signal queue.
func (r *Runtime) machineLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		session, err := machine.Dial(ctx, r.cfg.MachineNetwork, r.cfg.MachineAddress, r.cfg.UserAgent, r.logger)
		if err != nil {
			r.logger.Warn("machine connection failed", "error", err)
			r.sleep(ctx, reconnectDelay)
			continue
		}

		r.setSession(session)
		r.state.Observe(machine.Signal{Topic: machine.TopicInstance, Payload: session.Instance()})
		r.publishSignal(machine.Signal{Topic: machine.TopicInstance, Payload: session.Instance()})

		r.pumpMachine(ctx, session)
		r.setSession(nil)
		session.Close()

		if ctx.Err() != nil {
			break
		}
		r.sleep(ctx, reconnectDelay)
	}
	return nil
}

// pumpMachine reads signals until the session breaks or ctx ends.
func (r *Runtime) pumpMachine(ctx context.Context, session *machine.Session) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Unblock the pending Recv.
			session.Close()
		case <-done:
		}
	}()

	for {
		signal, ok, err := session.Recv()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("machine session broke", "error", err)
			}
			return
		}
		if !ok {
			continue
		}
		r.state.Observe(signal)
		r.publishSignal(signal)
	}
}

func (r *Runtime) publishSignal(signal machine.Signal) {
	if result := r.signals.TryPush(signal); result == queue.Full {
		r.logger.Warn("signal queue full, dropping", "topic", signal.Topic)
	}
}

// commandLoop drains the command queue into the machine session.
// Commands arriving while the machine is unreachable are dropped; the
// cloud keeps its own view of delivery.
func (r *Runtime) commandLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-r.commands.C():
			if !ok {
				return nil
			}
			r.applyCommand(msg)
		}
	}
}

func (r *Runtime) applyCommand(msg protocol.ChannelMessage) {
	session := r.getSession()
	if session == nil {
		r.logger.Warn("dropping command, no machine session", "type", string(msg.Type), "topic", msg.Topic)
		return
	}

	var err error
	switch payload := msg.Payload.(type) {
	case protocol.Engine:
		err = session.SendEngine(payload)
	case protocol.Motion:
		err = session.SendMotion(payload)
	case protocol.Control:
		err = session.SendControl(payload)
	default:
		r.logger.Debug("unsupported command payload", "type", string(msg.Type), "topic", msg.Topic)
		return
	}
	if err != nil {
		r.logger.Warn("writing command to machine failed", "topic", msg.Topic, "error", err)
	}
}

// signalLoop drains the signal queue onto the cloud websocket through
// the change detector. The queue is only consumed while a connection
// is up; during an outage up to queueCapacity signals stay queued for
// delivery on reconnect.
func (r *Runtime) signalLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.cloudReady():
		}
		select {
		case <-ctx.Done():
			return nil
		case signal, ok := <-r.signals.C():
			if !ok {
				return nil
			}
			r.forwardSignal(signal)
		}
	}
}

func (r *Runtime) forwardSignal(signal machine.Signal) {
	msg := protocol.ChannelMessage{
		Type:    protocol.ChannelSignal,
		Topic:   signal.Topic,
		Payload: signal.Payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("encoding signal failed", "topic", signal.Topic, "error", err)
		return
	}
	if !r.detector.ShouldSend(signal.Topic, data) {
		return
	}
	if err := r.send(data); err != nil {
		// The detector recorded the send; undo and requeue so the
		// signal goes out as soon as the connection returns.
		r.detector.Forget(signal.Topic)
		if result := r.signals.TryPush(signal); result == queue.Full {
			r.logger.Warn("signal queue full, dropping", "topic", signal.Topic)
			return
		}
		r.logger.Debug("cloud send failed, signal requeued", "topic", signal.Topic, "error", err)
	}
}

// cloudLoop keeps the websocket to the fleet cloud open and routes
// inbound traffic.
func (r *Runtime) cloudLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		conn, err := r.dialCloud(ctx)
		if err != nil {
			r.logger.Warn("cloud connection failed", "error", err)
			r.sleep(ctx, reconnectDelay)
			continue
		}

		r.logger.Info("cloud connection established", "url", r.cfg.CloudURL)
		r.setConn(conn)
		r.serveCloud(ctx, conn)
		r.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			break
		}
		r.sleep(ctx, reconnectDelay)
	}
	return nil
}

func (r *Runtime) dialCloud(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	if r.cfg.CloudToken != "" {
		header.Set("Authorization", "Bearer "+r.cfg.CloudToken)
	}
	conn, _, err := dialer.DialContext(ctx, r.cfg.CloudURL, header)
	return conn, err
}

func (r *Runtime) serveCloud(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Unblock the pending ReadMessage.
			conn.Close()
		case <-done:
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("cloud connection broke", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			r.logger.Debug("ignoring non-text websocket message", "type", messageType)
			continue
		}
		r.route(ctx, data)
	}
}

// route classifies one inbound websocket text message: a channel
// envelope goes to the command queue, anything else is treated as
// JSON-RPC and any produced response is written back.
func (r *Runtime) route(ctx context.Context, data []byte) {
	var msg protocol.ChannelMessage
	if err := json.Unmarshal(data, &msg); err == nil && msg.Type.Valid() {
		if msg.Type == protocol.ChannelError {
			r.logger.Debug("dropping unintelligible envelope", "topic", msg.Topic)
			return
		}
		if result := r.commands.TryPush(msg); result == queue.Full {
			r.logger.Warn("command queue full, dropping", "topic", msg.Topic)
		}
		return
	}

	if response := r.engine.Invoke(ctx, data); response != nil {
		if err := r.send(response); err != nil {
			r.logger.Warn("writing rpc response failed", "error", err)
		}
	}
}

// send writes one text message to the current cloud connection.
// Writes are serialized; gorilla allows one concurrent writer.
func (r *Runtime) send(data []byte) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return errNoCloudConnection
	}
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

func (r *Runtime) setConn(conn *websocket.Conn) {
	r.connMu.Lock()
	r.conn = conn
	if conn != nil {
		close(r.connUp)
	} else {
		r.connUp = make(chan struct{})
	}
	r.connMu.Unlock()
}

// cloudReady returns a channel that is closed while a cloud
// connection is established.
func (r *Runtime) cloudReady() <-chan struct{} {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.connUp
}

func (r *Runtime) setSession(session *machine.Session) {
	r.sessionMu.Lock()
	r.session = session
	r.sessionMu.Unlock()
}

func (r *Runtime) getSession() *machine.Session {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()
	return r.session
}

func (r *Runtime) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-r.clock.After(d):
	}
}
