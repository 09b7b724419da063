// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity caches the machine identity on disk. The agent
// needs the machine id to build its cloud endpoint URLs, so on boot
// it loads the cached record and only performs a machine handshake
// when no usable cache exists. The cache survives machine daemon
// downtime: the cloud loops can start before the daemon is reachable.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldlink-systems/fieldlink/lib/codec"
	"github.com/fieldlink-systems/fieldlink/machine"
	"github.com/fieldlink-systems/fieldlink/protocol"
)

// Record is the on-disk cache entry, CBOR-encoded.
type Record struct {
	Instance  protocol.Instance `json:"instance"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// Load reads and decodes the cache at path.
func Load(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := codec.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("decoding identity cache %s: %w", path, err)
	}
	return record, nil
}

// Store writes the record atomically: temp file in the same
// directory, fsync, rename. A crash mid-write leaves the previous
// cache intact.
func Store(path string, record Record) error {
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding identity record: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating identity cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".identity-*")
	if err != nil {
		return fmt.Errorf("creating temp identity file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing identity cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing identity cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing identity cache: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("installing identity cache: %w", err)
	}
	return nil
}

// Fetch returns the machine identity, preferring the disk cache. On a
// cache miss it performs one machine handshake and stores the result.
func Fetch(ctx context.Context, path, network, address, userAgent string, logger *slog.Logger) (protocol.Instance, error) {
	if record, err := Load(path); err == nil {
		logger.Debug("machine identity loaded from cache",
			"instance", record.Instance.ID,
			"fetched_at", record.FetchedAt,
		)
		return record.Instance, nil
	} else if !os.IsNotExist(err) {
		logger.Warn("unreadable identity cache, refetching", "path", path, "error", err)
	}

	session, err := machine.Dial(ctx, network, address, userAgent, logger)
	if err != nil {
		return protocol.Instance{}, fmt.Errorf("fetching machine identity: %w", err)
	}
	instance := session.Instance()
	session.Close()

	record := Record{Instance: instance, FetchedAt: time.Now().UTC()}
	if err := Store(path, record); err != nil {
		// A failed cache write is not fatal; the identity is in hand.
		logger.Warn("storing identity cache failed", "path", path, "error", err)
	}
	return instance, nil
}
