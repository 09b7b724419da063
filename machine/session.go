// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package machine provides the client session to the local machine
// control daemon: dialing, the SESSION→INSTANCE handshake, typed send
// and receive operations, and the runtime-owned cache of the last
// known machine state.
package machine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/fieldlink-systems/fieldlink/protocol"
)

// SessionState tracks where a session is in its lifecycle. Sessions
// move strictly forward: Unconnected → Handshaking → Established →
// Closed. A failed session is discarded and reopened by the caller;
// there is no in-place recovery.
type SessionState int

const (
	Unconnected SessionState = iota
	Handshaking
	Established
	Closed
)

// Signal is one typed message received from the machine, tagged with
// the topic the runtime publishes it under.
type Signal struct {
	Topic   string
	Payload any
}

// Topic names for signals produced by Recv.
const (
	TopicInstance = "instance"
	TopicStatus   = "status"
	TopicEngine   = "engine"
	TopicMotion   = "motion"
)

// Session is one connection to the machine control daemon. It owns
// the stream, performs the handshake on open, and offers typed send
// and receive operations. The session never retries: protocol and
// transport failures surface to the caller, which discards the
// session and dials a new one.
//
// Reads and writes may run on separate goroutines; writes are
// serialized internally.
type Session struct {
	conn      net.Conn
	reader    *bufio.Reader
	userAgent string
	instance  protocol.Instance
	logger    *slog.Logger

	// writeMu serializes frame writes and flushes.
	writeMu sync.Mutex
	writer  *bufio.Writer

	// stateMu guards state transitions and close idempotence.
	stateMu sync.Mutex
	state   SessionState
}

// Dial opens a stream to the machine daemon ("unix" or "tcp") and
// performs the handshake. On return the session is Established and
// Instance carries the machine identity.
func Dial(ctx context.Context, network, address, userAgent string, logger *slog.Logger) (*Session, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dialing machine at %s: %w", address, err)
	}
	return Attach(conn, userAgent, logger)
}

// Attach performs the handshake over an already-open stream and
// returns the established session. Dial is Attach plus the dialing.
func Attach(conn net.Conn, userAgent string, logger *slog.Logger) (*Session, error) {
	session := &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		userAgent: userAgent,
		logger:    logger,
		state:     Handshaking,
	}
	if err := session.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return session, nil
}

// handshake writes the SESSION frame and blocks for exactly one
// response frame. Only an immediate INSTANCE frame establishes the
// session; any other first frame is a protocol failure even when a
// later frame would have been INSTANCE.
func (s *Session) handshake() error {
	hello, err := protocol.SessionHello{UserAgent: s.userAgent}.MarshalBinary()
	if err != nil {
		return err
	}
	if err := s.WriteFrame(protocol.MessageSession, hello); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	messageType, payload, err := protocol.ReadFrame(s.reader)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if messageType != protocol.MessageInstance {
		return fmt.Errorf("handshake: first frame is %v, want INSTANCE", messageType)
	}
	if err := s.instance.UnmarshalBinary(payload); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	s.stateMu.Lock()
	s.state = Established
	s.stateMu.Unlock()

	s.logger.Debug("machine session established",
		"instance", s.instance.ID,
		"model", s.instance.Model,
		"machine_type", s.instance.MachineType.String(),
		"version", s.instance.VersionString(),
	)
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Instance returns the machine identity received in the handshake.
func (s *Session) Instance() protocol.Instance {
	return s.instance
}

// RecvFrame reads one raw frame from the machine. Used by relay paths
// that forward frames verbatim without decoding the payload.
func (s *Session) RecvFrame() (protocol.MessageType, []byte, error) {
	return protocol.ReadFrame(s.reader)
}

// Recv reads one frame and maps it through the message factory to a
// typed signal. The boolean is false when the frame carried a type
// that does not produce a signal: unknown codes, deprecated types
// (VMS, GNSS), and control-plane types the client does not act on.
// The daemon may be newer than this agent, so unknown traffic must
// not kill the session.
func (s *Session) Recv() (Signal, bool, error) {
	messageType, payload, err := s.RecvFrame()
	if err != nil {
		return Signal{}, false, err
	}

	switch messageType {
	case protocol.MessageInstance:
		var instance protocol.Instance
		if err := instance.UnmarshalBinary(payload); err != nil {
			return Signal{}, false, err
		}
		return Signal{Topic: TopicInstance, Payload: instance}, true, nil

	case protocol.MessageStatus:
		var status protocol.ModuleStatus
		if err := status.UnmarshalBinary(payload); err != nil {
			return Signal{}, false, err
		}
		return Signal{Topic: TopicStatus, Payload: status}, true, nil

	case protocol.MessageEngine:
		var engine protocol.Engine
		if err := engine.UnmarshalBinary(payload); err != nil {
			return Signal{}, false, err
		}
		return Signal{Topic: TopicEngine, Payload: engine}, true, nil

	case protocol.MessageMotion:
		var motion protocol.Motion
		if err := motion.UnmarshalBinary(payload); err != nil {
			return Signal{}, false, err
		}
		return Signal{Topic: TopicMotion, Payload: motion}, true, nil

	default:
		if messageType.Deprecated() {
			s.logger.Debug("dropping deprecated frame", "type", messageType.String())
		} else {
			s.logger.Debug("dropping unhandled frame", "type", messageType.String(), "length", len(payload))
		}
		return Signal{}, false, nil
	}
}

// WriteFrame encodes and writes one frame, flushing before return.
func (s *Session) WriteFrame(messageType protocol.MessageType, payload []byte) error {
	frame, err := protocol.Encode(messageType, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.writer.Write(frame); err != nil {
		return fmt.Errorf("writing %v frame: %w", messageType, err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flushing %v frame: %w", messageType, err)
	}
	return nil
}

// SendControl writes a CONTROL frame.
func (s *Session) SendControl(control protocol.Control) error {
	payload, err := control.MarshalBinary()
	if err != nil {
		return err
	}
	return s.WriteFrame(protocol.MessageControl, payload)
}

// SendEngine writes an ENGINE frame.
func (s *Session) SendEngine(engine protocol.Engine) error {
	payload, err := engine.MarshalBinary()
	if err != nil {
		return err
	}
	return s.WriteFrame(protocol.MessageEngine, payload)
}

// SendMotion writes a MOTION frame.
func (s *Session) SendMotion(motion protocol.Motion) error {
	payload, err := motion.MarshalBinary()
	if err != nil {
		return err
	}
	return s.WriteFrame(protocol.MessageMotion, payload)
}

// Close flushes outstanding writes and releases the stream. Safe to
// call more than once and from any goroutine; a close also unblocks a
// concurrent Recv.
func (s *Session) Close() error {
	s.stateMu.Lock()
	if s.state == Closed {
		s.stateMu.Unlock()
		return nil
	}
	s.state = Closed
	s.stateMu.Unlock()

	s.writeMu.Lock()
	flushErr := s.writer.Flush()
	s.writeMu.Unlock()

	closeErr := s.conn.Close()
	if flushErr != nil && flushErr != io.ErrClosedPipe {
		return flushErr
	}
	return closeErr
}
