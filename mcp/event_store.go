// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
)

// ErrEventsPurged is returned by [EventStore.After] when the requested range
// is no longer available because old events were evicted.
var ErrEventsPurged = errors.New("events purged")

// An EventStore retains the ordered events of each outgoing SSE stream so
// that a client reconnecting with a Last-Event-ID header can replay what it
// missed. Streams are keyed by session ID and a per-session stream ID.
//
// Implementations must be safe for concurrent use.
type EventStore interface {
	// Append appends an event to the stream and returns its zero-based index
	// within the stream.
	Append(ctx context.Context, sessionID string, streamID int64, data []byte) (int, error)
	// After returns the stream's events with indices >= start, in order. The
	// iterator yields ErrEventsPurged if events in the range were evicted.
	After(ctx context.Context, sessionID string, streamID int64, start int) iter.Seq2[[]byte, error]
	// SessionClosed releases everything retained for the session.
	SessionClosed(ctx context.Context, sessionID string) error
}

// defaultMaxEventsPerStream bounds [MemoryEventStore] retention.
const defaultMaxEventsPerStream = 1000

// A MemoryEventStore is an in-memory [EventStore] with bounded per-stream
// retention: when a stream exceeds its limit the oldest events are evicted,
// and replay requests that reach into the evicted range fail with
// [ErrEventsPurged].
type MemoryEventStore struct {
	maxEventsPerStream int

	mu       sync.Mutex
	sessions map[string]map[int64]*eventLog
}

// an eventLog is the retained suffix of one stream.
type eventLog struct {
	firstIndex int // index of events[0] within the whole stream
	events     [][]byte
}

// MemoryEventStoreOptions configure a [MemoryEventStore].
type MemoryEventStoreOptions struct {
	// MaxEventsPerStream bounds retention per stream. Zero means the default
	// of 1000; negative means unbounded.
	MaxEventsPerStream int
}

func NewMemoryEventStore(opts *MemoryEventStoreOptions) *MemoryEventStore {
	max := defaultMaxEventsPerStream
	if opts != nil && opts.MaxEventsPerStream != 0 {
		max = opts.MaxEventsPerStream
	}
	return &MemoryEventStore{
		maxEventsPerStream: max,
		sessions:           make(map[string]map[int64]*eventLog),
	}
}

func (s *MemoryEventStore) Append(ctx context.Context, sessionID string, streamID int64, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	streams, ok := s.sessions[sessionID]
	if !ok {
		streams = make(map[int64]*eventLog)
		s.sessions[sessionID] = streams
	}
	log, ok := streams[streamID]
	if !ok {
		log = &eventLog{}
		streams[streamID] = log
	}
	log.events = append(log.events, data)
	if s.maxEventsPerStream > 0 && len(log.events) > s.maxEventsPerStream {
		evict := len(log.events) - s.maxEventsPerStream
		log.events = append([][]byte(nil), log.events[evict:]...)
		log.firstIndex += evict
	}
	return log.firstIndex + len(log.events) - 1, nil
}

func (s *MemoryEventStore) After(ctx context.Context, sessionID string, streamID int64, start int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		// Snapshot under the lock; events are never mutated after append.
		s.mu.Lock()
		var (
			firstIndex int
			events     [][]byte
		)
		if streams, ok := s.sessions[sessionID]; ok {
			if log, ok := streams[streamID]; ok {
				firstIndex = log.firstIndex
				events = log.events
			}
		}
		s.mu.Unlock()

		if start < firstIndex {
			yield(nil, fmt.Errorf("%w: stream %d of session %q before index %d", ErrEventsPurged, streamID, sessionID, firstIndex))
			return
		}
		for i := start - firstIndex; i < len(events); i++ {
			if !yield(events[i], nil) {
				return
			}
		}
	}
}

func (s *MemoryEventStore) SessionClosed(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}
