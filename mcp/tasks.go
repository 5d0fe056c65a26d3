// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrTaskNotFound is returned by [TaskStore] implementations when no task
// with the given ID exists for the session.
var ErrTaskNotFound = errors.New("task not found")

// ErrQueueFull is returned by [TaskMessageQueue.Enqueue] when the task's
// queue is at capacity.
var ErrQueueFull = errors.New("task message queue full")

// A TaskRecord is the durable state of one task, as persisted by a
// [TaskStore]. The embedded [Task] is what clients observe through tasks/get;
// the remaining fields let any server instance resume responsibility for the
// task.
type TaskRecord struct {
	Task Task `json:"task"`

	// SessionID is the session that created the task. Tasks are only visible
	// to their own session.
	SessionID string `json:"sessionId"`

	// ToolName and Arguments reproduce the originating tools/call.
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Meta is the originating request's _meta.
	Meta Meta `json:"_meta,omitempty"`

	// ExpiresAt, when non-nil, is when the record becomes eligible for
	// eviction. It is CreatedAt plus the TTL.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// Result holds the marshaled CallToolResult once the task completes.
	Result json.RawMessage `json:"result,omitempty"`

	// Error holds the protocol error message for a task that failed before
	// producing a result.
	Error string `json:"error,omitempty"`
}

// A TaskStore persists task records, keyed by session ID and task ID.
// [MemoryTaskStore] serves single-process deployments; a shared
// implementation (such as [SQLTaskStore]) lets any server instance answer
// tasks/get for a task created elsewhere.
//
// Implementations must be safe for concurrent use.
type TaskStore interface {
	// Put creates or replaces the record for rec.Task.TaskID.
	Put(ctx context.Context, sessionID string, rec *TaskRecord) error
	// Get returns the record, or an error wrapping [ErrTaskNotFound].
	// Expired records count as not found.
	Get(ctx context.Context, sessionID, taskID string) (*TaskRecord, error)
	// List returns one page of the session's records in creation order,
	// along with the cursor for the next page ("" when done).
	List(ctx context.Context, sessionID, cursor string, limit int) ([]*TaskRecord, string, error)
	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, sessionID, taskID string) error
}

// A TaskMessage is one queued side-channel request (elicitation or sampling)
// raised by a task while it runs. Queued messages are delivered to the
// client, in order, over the task's tasks/result call.
type TaskMessage struct {
	// Method is the JSON-RPC method to send, such as "elicitation/create".
	Method string `json:"method"`
	// Params is the marshaled request params.
	Params json.RawMessage `json:"params,omitempty"`
	// OriginID correlates the client's answer back to the waiting tool
	// handler. It never appears on the wire.
	OriginID string `json:"originId"`
	// EnqueuedAt is when the message was queued.
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// A TaskMessageQueue holds each task's pending side-channel messages in FIFO
// order.
//
// Implementations must be safe for concurrent use.
type TaskMessageQueue interface {
	// Enqueue appends msg to the task's queue. It returns an error wrapping
	// [ErrQueueFull] if the queue already holds maxSize messages.
	Enqueue(ctx context.Context, sessionID, taskID string, msg *TaskMessage, maxSize int) error
	// Dequeue removes and returns the oldest message, or nil when the queue
	// is empty.
	Dequeue(ctx context.Context, sessionID, taskID string) (*TaskMessage, error)
	// Drain removes and returns all queued messages.
	Drain(ctx context.Context, sessionID, taskID string) ([]*TaskMessage, error)
}

// A MemoryTaskStore is an in-memory [TaskStore]. Expired records are evicted
// lazily, on access.
type MemoryTaskStore struct {
	mu       sync.Mutex
	seq      uint64
	sessions map[string]map[string]*memoryTaskRecord
}

type memoryTaskRecord struct {
	seq  uint64
	data []byte // marshaled TaskRecord
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{sessions: make(map[string]map[string]*memoryTaskRecord)}
}

func (s *MemoryTaskStore) Put(ctx context.Context, sessionID string, rec *TaskRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, ok := s.sessions[sessionID]
	if !ok {
		tasks = make(map[string]*memoryTaskRecord)
		s.sessions[sessionID] = tasks
	}
	if cur, ok := tasks[rec.Task.TaskID]; ok {
		cur.data = data
		return nil
	}
	s.seq++
	tasks[rec.Task.TaskID] = &memoryTaskRecord{seq: s.seq, data: data}
	return nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, sessionID, taskID string) (*TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mr, ok := s.sessions[sessionID][taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	rec, err := decodeTaskRecord(mr.data)
	if err != nil {
		return nil, err
	}
	if taskExpired(rec) {
		delete(s.sessions[sessionID], taskID)
		return nil, ErrTaskNotFound
	}
	return rec, nil
}

func (s *MemoryTaskStore) List(ctx context.Context, sessionID, cursor string, limit int) ([]*TaskRecord, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	after := uint64(0)
	if cursor != "" {
		v, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", errors.New("invalid cursor")
		}
		after = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	type item struct {
		seq uint64
		rec *TaskRecord
	}
	var items []item
	for taskID, mr := range s.sessions[sessionID] {
		rec, err := decodeTaskRecord(mr.data)
		if err != nil {
			return nil, "", err
		}
		if taskExpired(rec) {
			delete(s.sessions[sessionID], taskID)
			continue
		}
		if mr.seq > after {
			items = append(items, item{mr.seq, rec})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })

	var next string
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		next = strconv.FormatUint(items[len(items)-1].seq, 10)
	}
	recs := make([]*TaskRecord, len(items))
	for i, it := range items {
		recs[i] = it.rec
	}
	return recs, next, nil
}

func (s *MemoryTaskStore) Delete(ctx context.Context, sessionID, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions[sessionID], taskID)
	s.mu.Unlock()
	return nil
}

func decodeTaskRecord(data []byte) (*TaskRecord, error) {
	var rec TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func taskExpired(rec *TaskRecord) bool {
	return rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt)
}

// A MemoryTaskQueue is an in-memory [TaskMessageQueue].
type MemoryTaskQueue struct {
	mu     sync.Mutex
	queues map[string][]*TaskMessage // keyed by sessionID + "\x00" + taskID
}

func NewMemoryTaskQueue() *MemoryTaskQueue {
	return &MemoryTaskQueue{queues: make(map[string][]*TaskMessage)}
}

func queueKey(sessionID, taskID string) string { return sessionID + "\x00" + taskID }

func (q *MemoryTaskQueue) Enqueue(ctx context.Context, sessionID, taskID string, msg *TaskMessage, maxSize int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := queueKey(sessionID, taskID)
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxSize > 0 && len(q.queues[key]) >= maxSize {
		return ErrQueueFull
	}
	q.queues[key] = append(q.queues[key], msg)
	return nil
}

func (q *MemoryTaskQueue) Dequeue(ctx context.Context, sessionID, taskID string) (*TaskMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := queueKey(sessionID, taskID)
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queues[key]
	if len(msgs) == 0 {
		return nil, nil
	}
	msg := msgs[0]
	if len(msgs) == 1 {
		delete(q.queues, key)
	} else {
		q.queues[key] = msgs[1:]
	}
	return msg, nil
}

func (q *MemoryTaskQueue) Drain(ctx context.Context, sessionID, taskID string) ([]*TaskMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := queueKey(sessionID, taskID)
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queues[key]
	delete(q.queues, key)
	return msgs, nil
}
