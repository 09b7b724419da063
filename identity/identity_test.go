// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fieldlink-systems/fieldlink/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

var cachedInstance = protocol.Instance{
	ID:           uuid.MustParse("8a1f4c3e-0d2b-4f6a-9c8e-7b5d3a1f0e2c"),
	Model:        "LX95",
	MachineType:  protocol.MachineWheelLoader,
	Version:      [3]uint8{1, 2, 3},
	SerialNumber: "SN-0001",
}

func TestStoreLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.cbor")
	record := Record{Instance: cachedInstance, FetchedAt: time.Date(2026, 2, 14, 8, 0, 0, 0, time.UTC)}

	if err := Store(path, record); err != nil {
		t.Fatalf("Store: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Instance != cachedInstance {
		t.Errorf("instance = %+v, want %+v", loaded.Instance, cachedInstance)
	}
	if !loaded.FetchedAt.Equal(record.FetchedAt) {
		t.Errorf("fetched_at = %v, want %v", loaded.FetchedAt, record.FetchedAt)
	}
}

func TestStoreCreatesMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "var", "lib", "fieldlink", "identity.cbor")
	if err := Store(path, Record{Instance: cachedInstance}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "absent.cbor")); !os.IsNotExist(err) {
		t.Fatalf("Load(absent) = %v, want not-exist", err)
	}

	corrupt := filepath.Join(dir, "corrupt.cbor")
	if err := os.WriteFile(corrupt, []byte("not cbor at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(corrupt); err == nil {
		t.Fatal("Load(corrupt) succeeded")
	}
}

// startFakeDaemon serves one machine handshake per connection.
func startFakeDaemon(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				header := make([]byte, protocol.HeaderSize)
				if _, err := io.ReadFull(conn, header); err != nil {
					return
				}
				length := int(header[5])<<8 | int(header[6])
				if _, err := io.CopyN(io.Discard, conn, int64(length)); err != nil {
					return
				}
				payload, err := cachedInstance.MarshalBinary()
				if err != nil {
					return
				}
				frame, err := protocol.Encode(protocol.MessageInstance, payload)
				if err != nil {
					return
				}
				conn.Write(frame)
			}()
		}
	}()
	return listener.Addr().String()
}

func TestFetchHandshakesOnCacheMiss(t *testing.T) {
	address := startFakeDaemon(t)
	path := filepath.Join(t.TempDir(), "identity.cbor")

	instance, err := Fetch(context.Background(), path, "tcp", address, "fieldlink-test/1.0", discardLogger())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if instance != cachedInstance {
		t.Errorf("instance = %+v, want %+v", instance, cachedInstance)
	}

	// The handshake result must now be cached.
	record, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Fetch: %v", err)
	}
	if record.Instance != cachedInstance {
		t.Errorf("cached instance = %+v", record.Instance)
	}
}

func TestFetchPrefersCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.cbor")
	if err := Store(path, Record{Instance: cachedInstance, FetchedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// No daemon is listening; a cache hit must not dial at all.
	instance, err := Fetch(context.Background(), path, "tcp", "127.0.0.1:1", "fieldlink-test/1.0", discardLogger())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if instance != cachedInstance {
		t.Errorf("instance = %+v", instance)
	}
}
