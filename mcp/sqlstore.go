// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements SQL-backed stores for session state, tasks, task
// message queues, and SSE events, so that a pool of server instances behind a
// load balancer can share sessions and tasks. The SQL uses PostgreSQL
// placeholders and upserts; it is tested against lib/pq.

package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"
)

// sqlSchema creates the tables used by the SQL stores.
const sqlSchema = `
CREATE TABLE IF NOT EXISTS mcp_sessions (
	session_id TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS mcp_tasks (
	seq        BIGSERIAL,
	session_id TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	record     TEXT NOT NULL,
	expires_at TIMESTAMPTZ,
	PRIMARY KEY (session_id, task_id)
);

CREATE TABLE IF NOT EXISTS mcp_task_messages (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	message    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS mcp_task_messages_task ON mcp_task_messages (session_id, task_id, id);

CREATE TABLE IF NOT EXISTS mcp_events (
	session_id TEXT NOT NULL,
	stream_id  BIGINT NOT NULL,
	idx        INTEGER NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (session_id, stream_id, idx)
);
`

// InitSQLSchema creates the tables required by [SQLSessionStore],
// [SQLTaskStore], [SQLTaskQueue] and [SQLEventStore] if they do not exist.
func InitSQLSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// A SQLSessionStore is a [SessionStore] backed by a SQL database.
type SQLSessionStore struct {
	db *sql.DB
}

func NewSQLSessionStore(db *sql.DB) *SQLSessionStore {
	return &SQLSessionStore{db: db}
}

func (s *SQLSessionStore) Load(ctx context.Context, sessionID string) (*SessionState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM mcp_sessions WHERE session_id = $1`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	var state SessionState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("decoding session state: %w", err)
	}
	return &state, nil
}

func (s *SQLSessionStore) Store(ctx context.Context, sessionID string, state *SessionState) error {
	if state == nil {
		return s.Delete(ctx, sessionID)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mcp_sessions (session_id, state) VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		sessionID, string(data))
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

func (s *SQLSessionStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM mcp_sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// A SQLTaskStore is a [TaskStore] backed by a SQL database, letting any
// server instance answer tasks/get and tasks/result for tasks created
// elsewhere.
type SQLTaskStore struct {
	db *sql.DB
}

func NewSQLTaskStore(db *sql.DB) *SQLTaskStore {
	return &SQLTaskStore{db: db}
}

func (s *SQLTaskStore) Put(ctx context.Context, sessionID string, rec *TaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding task record: %w", err)
	}
	var expiresAt *time.Time
	if rec.ExpiresAt != nil {
		t := rec.ExpiresAt.UTC()
		expiresAt = &t
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mcp_tasks (session_id, task_id, record, expires_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, task_id) DO UPDATE SET record = EXCLUDED.record, expires_at = EXCLUDED.expires_at`,
		sessionID, rec.Task.TaskID, string(data), expiresAt)
	if err != nil {
		return fmt.Errorf("storing task: %w", err)
	}
	return nil
}

func (s *SQLTaskStore) Get(ctx context.Context, sessionID, taskID string) (*TaskRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT record FROM mcp_tasks
		WHERE session_id = $1 AND task_id = $2 AND (expires_at IS NULL OR expires_at > $3)`,
		sessionID, taskID, time.Now().UTC()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}
	return decodeTaskRecord([]byte(data))
}

func (s *SQLTaskStore) List(ctx context.Context, sessionID, cursor string, limit int) ([]*TaskRecord, string, error) {
	after := int64(0)
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", errors.New("invalid cursor")
		}
		after = v
	}
	q := `
		SELECT seq, record FROM mcp_tasks
		WHERE session_id = $1 AND seq > $2 AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY seq`
	args := []any{sessionID, after, time.Now().UTC()}
	if limit > 0 {
		// One extra row tells us whether there is a next page.
		q += ` LIMIT $4`
		args = append(args, limit+1)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var (
		recs []*TaskRecord
		seqs []int64
	)
	for rows.Next() {
		var (
			seq  int64
			data string
		)
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, "", fmt.Errorf("listing tasks: %w", err)
		}
		rec, err := decodeTaskRecord([]byte(data))
		if err != nil {
			return nil, "", err
		}
		recs = append(recs, rec)
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("listing tasks: %w", err)
	}
	var next string
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
		// The cursor is the seq of the last returned record.
		next = strconv.FormatInt(seqs[limit-1], 10)
	}
	return recs, next, nil
}

func (s *SQLTaskStore) Delete(ctx context.Context, sessionID, taskID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM mcp_tasks WHERE session_id = $1 AND task_id = $2`,
		sessionID, taskID); err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	return nil
}

// A SQLTaskQueue is a [TaskMessageQueue] backed by a SQL database.
type SQLTaskQueue struct {
	db *sql.DB
}

func NewSQLTaskQueue(db *sql.DB) *SQLTaskQueue {
	return &SQLTaskQueue{db: db}
}

func (q *SQLTaskQueue) Enqueue(ctx context.Context, sessionID, taskID string, msg *TaskMessage, maxSize int) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding task message: %w", err)
	}
	if maxSize <= 0 {
		if _, err := q.db.ExecContext(ctx, `
			INSERT INTO mcp_task_messages (session_id, task_id, message) VALUES ($1, $2, $3)`,
			sessionID, taskID, string(data)); err != nil {
			return fmt.Errorf("enqueueing task message: %w", err)
		}
		return nil
	}
	// The guarded insert enforces the bound atomically.
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO mcp_task_messages (session_id, task_id, message)
		SELECT $1, $2, $3
		WHERE (SELECT count(*) FROM mcp_task_messages WHERE session_id = $1 AND task_id = $2) < $4`,
		sessionID, taskID, string(data), maxSize)
	if err != nil {
		return fmt.Errorf("enqueueing task message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("enqueueing task message: %w", err)
	}
	if n == 0 {
		return ErrQueueFull
	}
	return nil
}

func (q *SQLTaskQueue) Dequeue(ctx context.Context, sessionID, taskID string) (*TaskMessage, error) {
	var data string
	err := q.db.QueryRowContext(ctx, `
		DELETE FROM mcp_task_messages
		WHERE id = (
			SELECT id FROM mcp_task_messages
			WHERE session_id = $1 AND task_id = $2
			ORDER BY id LIMIT 1)
		RETURNING message`,
		sessionID, taskID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeueing task message: %w", err)
	}
	return decodeTaskMessage(data)
}

func (q *SQLTaskQueue) Drain(ctx context.Context, sessionID, taskID string) ([]*TaskMessage, error) {
	rows, err := q.db.QueryContext(ctx, `
		WITH drained AS (
			DELETE FROM mcp_task_messages
			WHERE session_id = $1 AND task_id = $2
			RETURNING id, message)
		SELECT message FROM drained ORDER BY id`,
		sessionID, taskID)
	if err != nil {
		return nil, fmt.Errorf("draining task messages: %w", err)
	}
	defer rows.Close()
	var msgs []*TaskMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("draining task messages: %w", err)
		}
		msg, err := decodeTaskMessage(data)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("draining task messages: %w", err)
	}
	return msgs, nil
}

func decodeTaskMessage(data string) (*TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("decoding task message: %w", err)
	}
	return &msg, nil
}

// A SQLEventStore is an [EventStore] backed by a SQL database, so that a
// client can resume a stream against a different server instance than the one
// that produced it.
//
// Appends to one stream must not race: the indexing subquery assumes a single
// writer per stream, which holds because exactly one transport serves a
// session at a time.
type SQLEventStore struct {
	db *sql.DB
}

func NewSQLEventStore(db *sql.DB) *SQLEventStore {
	return &SQLEventStore{db: db}
}

func (s *SQLEventStore) Append(ctx context.Context, sessionID string, streamID int64, data []byte) (int, error) {
	var idx int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO mcp_events (session_id, stream_id, idx, data)
		VALUES ($1, $2,
			COALESCE((SELECT max(idx) + 1 FROM mcp_events WHERE session_id = $1 AND stream_id = $2), 0),
			$3)
		RETURNING idx`,
		sessionID, streamID, string(data)).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}
	return idx, nil
}

func (s *SQLEventStore) After(ctx context.Context, sessionID string, streamID int64, start int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT idx, data FROM mcp_events
			WHERE session_id = $1 AND stream_id = $2 AND idx >= $3
			ORDER BY idx`,
			sessionID, streamID, start)
		if err != nil {
			yield(nil, fmt.Errorf("replaying events: %w", err))
			return
		}
		defer rows.Close()
		want := start
		for rows.Next() {
			var (
				idx  int
				data string
			)
			if err := rows.Scan(&idx, &data); err != nil {
				yield(nil, fmt.Errorf("replaying events: %w", err))
				return
			}
			if idx != want {
				// A gap means earlier events were pruned.
				yield(nil, fmt.Errorf("%w: stream %d of session %q at index %d", ErrEventsPurged, streamID, sessionID, want))
				return
			}
			want++
			if !yield([]byte(data), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("replaying events: %w", err))
		}
	}
}

func (s *SQLEventStore) SessionClosed(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM mcp_events WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("purging session events: %w", err)
	}
	return nil
}
