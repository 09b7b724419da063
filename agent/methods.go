// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"

	"github.com/fieldlink-systems/fieldlink/protocol"
	"github.com/fieldlink-systems/fieldlink/rpc"
	"github.com/fieldlink-systems/fieldlink/tunnel"
)

// registerMethods populates the RPC surface. The glonax_* names are
// the wire contract with the fleet console and predate this agent; do
// not rename them.
func (r *Runtime) registerMethods() {
	r.engine.Register("echo", func(ctx context.Context, v any) (any, error) {
		return v, nil
	})

	r.engine.Register("setup_rtc", func(ctx context.Context, params tunnel.PeerConnectionParams, offer protocol.SessionDescription) (string, error) {
		return r.tunnels.Setup(ctx, params, offer)
	})
	r.engine.Register("update_rtc", func(ctx context.Context, params tunnel.PeerConnectionParams, candidate tunnel.ICECandidateParams) error {
		return r.tunnels.Update(ctx, params, candidate)
	})
	r.engine.Register("disconnect_rtc", func(ctx context.Context, params tunnel.PeerConnectionParams) error {
		return r.tunnels.Disconnect(ctx, params)
	})

	r.engine.Register("glonax_instance", func(ctx context.Context) (any, error) {
		if instance, ok := r.state.Instance(); ok {
			return instance, nil
		}
		return nil, nil
	})
	r.engine.Register("glonax_engine", func(ctx context.Context) (any, error) {
		if engine, ok := r.state.Engine(); ok {
			return engine, nil
		}
		return nil, nil
	})
	r.engine.Register("glonax_motion", func(ctx context.Context) (any, error) {
		if motion, ok := r.state.Motion(); ok {
			return motion, nil
		}
		return nil, nil
	})
	r.engine.Register("glonax_module_status", func(ctx context.Context, name string) (any, error) {
		if status, ok := r.state.ModuleStatus(name); ok {
			return status, nil
		}
		return nil, nil
	})

	if r.system != nil {
		r.engine.Register("reboot", func(ctx context.Context) error {
			if err := r.system.Reboot(ctx); err != nil {
				return rpc.Errorf("%s", err)
			}
			return nil
		})
		r.engine.Register("systemctl", func(ctx context.Context, operation, service string) error {
			if err := r.system.Systemctl(ctx, operation, service); err != nil {
				return rpc.Errorf("%s", err)
			}
			return nil
		})
		r.engine.Register("apt", func(ctx context.Context, operation, pkg string) error {
			if err := r.system.Apt(ctx, operation, pkg); err != nil {
				return rpc.Errorf("%s", err)
			}
			return nil
		})
	}
}
