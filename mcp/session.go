// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// SessionState is the durable state of a server session. It is what a
// [SessionStore] persists, so that any server instance can adopt a session
// created elsewhere.
type SessionState struct {
	// InitializeParams are the parameters from the initialize request.
	InitializeParams *InitializeParams `json:"initializeParams,omitempty"`

	// ProtocolVersion is the negotiated protocol version.
	ProtocolVersion string `json:"protocolVersion,omitempty"`

	// LogLevel is the session's logging level. Empty means the server
	// default.
	LogLevel LoggingLevel `json:"logLevel,omitempty"`

	// Subscriptions are the URIs of resources the session subscribed to.
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// A SessionStore persists server session state across connections and
// processes. The streamable HTTP handler consults it when a request carries a
// session ID it does not recognize, allowing sessions to move between server
// instances.
//
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// Load returns the state for sessionID, or nil if there is none.
	Load(ctx context.Context, sessionID string) (*SessionState, error)
	// Store saves the state for sessionID. The state must not be modified
	// after the call returns. A nil state is equivalent to Delete.
	Store(ctx context.Context, sessionID string, state *SessionState) error
	// Delete removes the state for sessionID. Deleting an absent session is
	// not an error.
	Delete(ctx context.Context, sessionID string) error
}

// A MemorySessionStore is an in-memory [SessionStore], for single-process
// deployments and tests.
type MemorySessionStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{states: make(map[string][]byte)}
}

func (s *MemorySessionStore) Load(ctx context.Context, sessionID string) (*SessionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.states[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding session state: %w", err)
	}
	return &state, nil
}

func (s *MemorySessionStore) Store(ctx context.Context, sessionID string, state *SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state == nil {
		return s.Delete(ctx, sessionID)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}
	s.mu.Lock()
	s.states[sessionID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.states, sessionID)
	s.mu.Unlock()
	return nil
}
