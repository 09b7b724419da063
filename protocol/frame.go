// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the three-byte frame preamble.
const Magic = "LXR"

// Version is the protocol version carried in every frame header.
const Version = 3

// HeaderSize is the fixed size of the frame header in bytes.
const HeaderSize = 10

// MaxPayloadSize is the largest payload a frame can carry, bounded by
// the u16 length field.
const MaxPayloadSize = 0xFFFF

// MessageType identifies the payload kind of a frame. The enumeration
// is closed: unknown codes decode successfully at the frame layer and
// are dealt with by the session's message factory.
type MessageType uint8

const (
	MessageError    MessageType = 0x00
	MessageEcho     MessageType = 0x01
	MessageSession  MessageType = 0x10
	MessageShutdown MessageType = 0x11
	MessageRequest  MessageType = 0x12
	MessageInstance MessageType = 0x15
	MessageStatus   MessageType = 0x16
	MessageMotion   MessageType = 0x20
	MessageSignal   MessageType = 0x31
	MessageActor    MessageType = 0x40

	// MessageVMS and MessageGNSS are deprecated on the wire. Frames
	// carrying them still parse; sessions treat them as ignorable.
	MessageVMS  MessageType = 0x41
	MessageGNSS MessageType = 0x42

	MessageEngine  MessageType = 0x43
	MessageTarget  MessageType = 0x44
	MessageControl MessageType = 0x45
	MessageRotator MessageType = 0x46
)

func (t MessageType) String() string {
	switch t {
	case MessageError:
		return "ERROR"
	case MessageEcho:
		return "ECHO"
	case MessageSession:
		return "SESSION"
	case MessageShutdown:
		return "SHUTDOWN"
	case MessageRequest:
		return "REQUEST"
	case MessageInstance:
		return "INSTANCE"
	case MessageStatus:
		return "STATUS"
	case MessageMotion:
		return "MOTION"
	case MessageSignal:
		return "SIGNAL"
	case MessageActor:
		return "ACTOR"
	case MessageVMS:
		return "VMS"
	case MessageGNSS:
		return "GNSS"
	case MessageEngine:
		return "ENGINE"
	case MessageTarget:
		return "TARGET"
	case MessageControl:
		return "CONTROL"
	case MessageRotator:
		return "ROTATOR"
	}
	return fmt.Sprintf("MessageType(0x%02X)", uint8(t))
}

// Deprecated reports whether the type is retired on the wire and must
// not be acted on when received.
func (t MessageType) Deprecated() bool {
	return t == MessageVMS || t == MessageGNSS
}

// ProtocolError reports a malformed frame: bad magic, wrong version,
// non-zero reserved bytes, an oversized payload, or a truncated read.
// It is always fatal to the current stream. The caller must close the
// connection and reconnect; the codec makes no attempt to find the
// next frame boundary.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol: " + e.Reason
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Encode builds a complete frame (header plus payload) for the given
// message type. Payloads larger than MaxPayloadSize are rejected.
func Encode(messageType MessageType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, protocolErrorf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize)
	}
	frame := make([]byte, HeaderSize+len(payload))
	copy(frame, Magic)
	frame[3] = Version
	frame[4] = byte(messageType)
	binary.BigEndian.PutUint16(frame[5:7], uint16(len(payload)))
	// frame[7:10] stay zero (reserved).
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// ReadFrame reads exactly one frame from the stream: 10 header bytes,
// validated, then exactly the advertised payload length. A clean EOF
// before any header byte is returned as io.EOF so callers can tell a
// closed stream from a corrupt one; every other short read or header
// violation is a *ProtocolError.
func ReadFrame(reader io.Reader) (MessageType, []byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, protocolErrorf("reading frame header: %v", err)
	}

	if !bytes.Equal(header[:3], []byte(Magic)) {
		return 0, nil, protocolErrorf("invalid magic %q", header[:3])
	}
	if header[3] != Version {
		return 0, nil, protocolErrorf("unsupported version %d, want %d", header[3], Version)
	}
	if header[7] != 0 || header[8] != 0 || header[9] != 0 {
		return 0, nil, protocolErrorf("non-zero reserved bytes % X", header[7:10])
	}

	messageType := MessageType(header[4])
	length := binary.BigEndian.Uint16(header[5:7])

	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return 0, nil, protocolErrorf("reading %d payload bytes: %v", length, err)
	}
	return messageType, payload, nil
}

// DecodeFrame parses a single complete frame held in memory, as
// received on a message-oriented transport such as a WebRTC data
// channel. The buffer must contain exactly one frame.
func DecodeFrame(data []byte) (MessageType, []byte, error) {
	messageType, payload, err := ReadFrame(bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	if len(data) != HeaderSize+len(payload) {
		return 0, nil, protocolErrorf("frame buffer has %d trailing bytes", len(data)-HeaderSize-len(payload))
	}
	return messageType, payload, nil
}
