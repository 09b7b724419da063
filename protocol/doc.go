// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the machine wire protocol: the LXR frame
// codec, the closed message-type model, the typed payload codecs
// (Instance, Engine, Motion, Control, ModuleStatus), and the JSON
// channel envelope used on the cloud websocket.
//
// The wire format is a 10-byte header followed by the payload:
//
//	offset 0  size 3  magic "LXR"
//	offset 3  size 1  protocol version (always 3)
//	offset 4  size 1  message type code
//	offset 5  size 2  payload length, big-endian
//	offset 7  size 3  reserved, must be zero
//
// All numeric payload fields are fixed-width big-endian integers;
// strings are u16-length-prefixed UTF-8. The codec never resynchronizes
// after a malformed header: any validation failure is a *ProtocolError
// and the caller must discard the stream and reconnect.
package protocol
