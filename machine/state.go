// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

package machine

import (
	"sync"

	"github.com/fieldlink-systems/fieldlink/protocol"
)

// State caches the most recent value observed for each machine topic.
// The runtime feeds it from the receive loop; RPC handlers read it.
// All methods are safe for concurrent use.
type State struct {
	mu       sync.RWMutex
	instance *protocol.Instance
	engine   *protocol.Engine
	motion   *protocol.Motion
	modules  map[string]protocol.ModuleStatus
}

func NewState() *State {
	return &State{modules: make(map[string]protocol.ModuleStatus)}
}

// Observe records one signal. Signals with unrecognized payload
// types are ignored.
func (s *State) Observe(signal Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch payload := signal.Payload.(type) {
	case protocol.Instance:
		s.instance = &payload
	case protocol.Engine:
		s.engine = &payload
	case protocol.Motion:
		s.motion = &payload
	case protocol.ModuleStatus:
		s.modules[payload.Name] = payload
	}
}

// Instance returns the last observed machine identity, or false when
// none has been seen yet.
func (s *State) Instance() (protocol.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.instance == nil {
		return protocol.Instance{}, false
	}
	return *s.instance, true
}

func (s *State) Engine() (protocol.Engine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.engine == nil {
		return protocol.Engine{}, false
	}
	return *s.engine, true
}

func (s *State) Motion() (protocol.Motion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.motion == nil {
		return protocol.Motion{}, false
	}
	return *s.motion, true
}

// ModuleStatus returns the last observed status for the named module.
func (s *State) ModuleStatus(name string) (protocol.ModuleStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.modules[name]
	return status, ok
}
