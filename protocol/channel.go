// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
)

// ChannelMessageType discriminates the cloud websocket envelope.
type ChannelMessageType string

const (
	ChannelCommand ChannelMessageType = "command"
	ChannelSignal  ChannelMessageType = "signal"
	ChannelControl ChannelMessageType = "control"
	ChannelPeer    ChannelMessageType = "peer"
	ChannelError   ChannelMessageType = "error"
)

// Valid reports whether t is one of the known envelope types. The
// agent uses this to tell envelope traffic apart from JSON-RPC
// requests arriving on the same websocket.
func (t ChannelMessageType) Valid() bool {
	switch t {
	case ChannelCommand, ChannelSignal, ChannelControl, ChannelPeer, ChannelError:
		return true
	default:
		return false
	}
}

// SessionDescription is an SDP offer or answer exchanged with the
// remote operator.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ChannelMessage is the envelope used on the cloud websocket. The
// payload is a discriminated union; decoding tries the candidate
// types in a fixed order and fails closed: when no candidate matches,
// the message type becomes ChannelError and the payload is nil rather
// than returning a decode error. Senders populate Payload with one of
// the candidate types.
type ChannelMessage struct {
	Type    ChannelMessageType `json:"type"`
	Topic   string             `json:"topic"`
	Payload any                `json:"payload,omitempty"`
}

// payloadCandidate describes one union member: the JSON keys that must
// be present, the keys that may be present, and the decoder. Order in
// the candidates table is the fixed resolution order.
type payloadCandidate struct {
	required []string
	allowed  []string
	decode   func(json.RawMessage) (any, error)
}

func decodeInto[T any](raw json.RawMessage) (any, error) {
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}

var payloadCandidates = []payloadCandidate{
	{
		required: []string{"id", "model", "machine_type", "version", "serial_number"},
		allowed:  []string{"id", "model", "machine_type", "version", "serial_number"},
		decode:   decodeInto[Instance],
	},
	{
		required: []string{"driver_demand", "actual_engine", "rpm", "state"},
		allowed:  []string{"driver_demand", "actual_engine", "rpm", "state"},
		decode:   decodeInto[Engine],
	},
	{
		required: []string{"type"},
		allowed:  []string{"type", "straight_drive", "change"},
		decode:   decodeInto[Motion],
	},
	{
		required: []string{"type", "value"},
		allowed:  []string{"type", "value"},
		decode:   decodeInto[Control],
	},
	{
		required: []string{"name", "state", "error_code"},
		allowed:  []string{"name", "state", "error_code"},
		decode:   decodeInto[ModuleStatus],
	},
	{
		required: []string{"type", "sdp"},
		allowed:  []string{"type", "sdp"},
		decode:   decodeInto[SessionDescription],
	},
}

// UnmarshalJSON decodes the envelope and resolves the payload union.
// An envelope whose payload matches no candidate decodes successfully
// with Type forced to ChannelError. The error is in-band so that
// relay paths can log and drop instead of tearing down the stream.
func (m *ChannelMessage) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Type    ChannelMessageType `json:"type"`
		Topic   string             `json:"topic"`
		Payload json.RawMessage    `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	m.Type = envelope.Type
	m.Topic = envelope.Topic
	m.Payload = nil

	if len(envelope.Payload) == 0 || string(envelope.Payload) == "null" {
		return nil
	}

	payload, err := decodeChannelPayload(envelope.Payload)
	if err != nil {
		m.Type = ChannelError
		return nil
	}
	m.Payload = payload
	return nil
}

// decodeChannelPayload resolves the payload union by key-set matching:
// a candidate matches when all of its required keys are present and no
// key outside its allowed set is present.
func decodeChannelPayload(raw json.RawMessage) (any, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("channel payload is not an object: %w", err)
	}

	for _, candidate := range payloadCandidates {
		if !candidateMatches(candidate, fields) {
			continue
		}
		value, err := candidate.decode(raw)
		if err != nil {
			// Keys matched but values did not; keep trying later
			// candidates before failing closed.
			continue
		}
		return value, nil
	}
	return nil, fmt.Errorf("channel payload matches no known type")
}

func candidateMatches(candidate payloadCandidate, fields map[string]json.RawMessage) bool {
	for _, key := range candidate.required {
		if _, ok := fields[key]; !ok {
			return false
		}
	}
	for key := range fields {
		allowed := false
		for _, name := range candidate.allowed {
			if key == name {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}
