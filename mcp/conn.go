// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	internaljson "github.com/mcpwire/mcpwire/internal/json"
	"github.com/mcpwire/mcpwire/internal/jsonrpc2"
)

// ErrConnectionClosed is returned when sending on a session whose connection
// is closed or closing.
var ErrConnectionClosed = errors.New("connection closed")

// DefaultRequestTimeout bounds every outgoing call that has no context
// deadline of its own.
const DefaultRequestTimeout = 60 * time.Second

// connOptions configures the request lifecycle of a single connection.
type connOptions struct {
	// requestTimeout is the per-call timeout. Zero means
	// DefaultRequestTimeout; negative means no timeout.
	requestTimeout time.Duration
	// maxTimeout, when positive, caps the total lifetime of a call even when
	// progress notifications keep resetting the per-call timer.
	maxTimeout time.Duration
	// resetTimeoutOnProgress restarts the per-call timer whenever a progress
	// notification arrives for the call's progress token.
	resetTimeoutOnProgress bool
}

// A conn is one side of a JSON-RPC 2.0 connection: it correlates responses to
// outgoing calls, dispatches incoming messages to the session's handler, and
// implements the cancellation and timeout protocol.
type conn struct {
	transport Connection
	// handler processes incoming requests and notifications. Bound by the
	// owning session before the read loop starts.
	handler func(ctx context.Context, req *jsonrpc2.Request) (Result, error)
	// onClose runs once, after the read loop exits.
	onClose func()

	opts connOptions

	writeMu sync.Mutex // serializes transport writes

	mu  sync.Mutex
	seq int64
	// pending holds outgoing calls awaiting a response.
	pending map[jsonrpc2.ID]*pendingCall
	// inflight holds cancel functions for incoming calls being handled.
	inflight  map[jsonrpc2.ID]context.CancelFunc
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// A pendingCall tracks one outgoing call.
type pendingCall struct {
	response      chan *jsonrpc2.Response
	progressToken any
	timer         *time.Timer // per-call timeout; may be reset on progress
	timeout       time.Duration
}

func newConn(transport Connection, opts connOptions) *conn {
	return &conn{
		transport: transport,
		opts:      opts,
		pending:   make(map[jsonrpc2.ID]*pendingCall),
		inflight:  make(map[jsonrpc2.ID]context.CancelFunc),
		done:      make(chan struct{}),
	}
}

// sessionID returns the transport's session ID.
func (c *conn) sessionID() string {
	return c.transport.SessionID()
}

// We track the incoming request ID inside the handler context, so that
// notifications and server->client calls made in the course of handling a
// request are correlated with that request, and HTTP transports can deliver
// them on the matching response stream.
type idContextKey struct{}

// idForRequest returns the jsonrpc ID of the incoming request being handled
// in ctx, if any.
func idForRequest(ctx context.Context) (jsonrpc2.ID, bool) {
	id, ok := ctx.Value(idContextKey{}).(jsonrpc2.ID)
	return id, ok
}

func (c *conn) write(ctx context.Context, msg jsonrpc2.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Write(ctx, msg)
}

// notify sends a notification. It does not wait for anything.
func (c *conn) notify(ctx context.Context, method string, params Params) error {
	msg, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("notifying %q: %w", method, err)
	}
	if err := c.write(ctx, msg); err != nil {
		if c.isDone() {
			return fmt.Errorf("notifying %q: %w", method, ErrConnectionClosed)
		}
		return fmt.Errorf("notifying %q: %w", method, err)
	}
	return nil
}

// call sends a request and blocks until its response arrives, the call times
// out, ctx is cancelled, or the connection closes. A non-error response is
// unmarshaled into result.
func (c *conn) call(ctx context.Context, method string, params Params, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("calling %q: %w", method, ErrConnectionClosed)
	}
	c.seq++
	id := jsonrpc2.Int64ID(c.seq)
	pc := &pendingCall{response: make(chan *jsonrpc2.Response, 1)}
	if params != nil {
		pc.progressToken = getProgressToken(params)
	}
	c.pending[id] = pc
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg, err := jsonrpc2.NewCall(id, method, params)
	if err != nil {
		return fmt.Errorf("calling %q: %w", method, err)
	}
	if err := c.write(ctx, msg); err != nil {
		if c.isDone() {
			return fmt.Errorf("calling %q: %w", method, ErrConnectionClosed)
		}
		return fmt.Errorf("calling %q: %w", method, err)
	}

	timeout := c.opts.requestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	var timeoutC <-chan time.Time
	if timeout > 0 {
		pc.timeout = timeout
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		c.mu.Lock()
		pc.timer = timer
		c.mu.Unlock()
		timeoutC = timer.C
	}
	var maxC <-chan time.Time
	if c.opts.maxTimeout > 0 {
		maxTimer := time.NewTimer(c.opts.maxTimeout)
		defer maxTimer.Stop()
		maxC = maxTimer.C
	}

	select {
	case resp := <-pc.response:
		if resp.Error != nil {
			return fmt.Errorf("calling %q: %w", method, resp.Error)
		}
		if result != nil {
			if err := internaljson.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("calling %q: unmarshaling result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.cancelPeer(id, ctx.Err().Error())
		return ctx.Err()
	case <-timeoutC:
		c.cancelPeer(id, "request timed out")
		return fmt.Errorf("calling %q: %w", method, jsonrpc2.ErrRequestTimeout)
	case <-maxC:
		c.cancelPeer(id, "request exceeded maximum timeout")
		return fmt.Errorf("calling %q: %w", method, jsonrpc2.ErrRequestTimeout)
	case <-c.done:
		return fmt.Errorf("calling %q: %w", method, ErrConnectionClosed)
	}
}

// cancelPeer tells the peer to abandon work on an outgoing call we no longer
// await. Best effort, on a detached context.
func (c *conn) cancelPeer(id jsonrpc2.ID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.notify(ctx, notificationCancelled, &CancelledParams{
		RequestID: id.Raw(),
		Reason:    reason,
	})
}

// resetTimeout restarts the per-call timer of the pending call identified by
// progress token, if timeout resets are enabled.
func (c *conn) resetTimeout(token any) {
	if !c.opts.resetTimeoutOnProgress || token == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pc := range c.pending {
		if pc.timer != nil && tokenEqual(pc.progressToken, token) {
			pc.timer.Reset(pc.timeout)
		}
	}
}

// tokenEqual compares progress tokens, treating a JSON number and a Go int64
// as equal when they denote the same value.
func tokenEqual(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	if a == b {
		return true
	}
	af, aok := tokenFloat(a)
	bf, bok := tokenFloat(b)
	return aok && bok && af == bf
}

func tokenFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// readLoop pumps the transport until it fails or the connection closes.
// Each incoming call is handled on its own goroutine.
func (c *conn) readLoop(ctx context.Context) {
	defer c.close()
	for {
		msg, err := c.transport.Read(ctx)
		if err != nil {
			return
		}
		switch msg := msg.(type) {
		case *jsonrpc2.Response:
			c.mu.Lock()
			pc := c.pending[msg.ID]
			c.mu.Unlock()
			if pc != nil {
				pc.response <- msg
			}
		case *jsonrpc2.Request:
			c.dispatch(ctx, msg)
		}
	}
}

func (c *conn) dispatch(ctx context.Context, req *jsonrpc2.Request) {
	// Cancellation and progress are handled inline, ahead of the regular
	// method table: they affect requests already in flight.
	switch req.Method {
	case notificationCancelled:
		var params CancelledParams
		if err := internaljson.Unmarshal(req.Params, &params); err != nil {
			return
		}
		id, err := jsonrpc2.MakeID(params.RequestID)
		if err != nil {
			return
		}
		c.mu.Lock()
		cancel := c.inflight[id]
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	case notificationProgress:
		var params ProgressNotificationParams
		if err := internaljson.Unmarshal(req.Params, &params); err != nil {
			return
		}
		c.resetTimeout(params.ProgressToken)
		// Fall through to the method table so the session can surface the
		// notification to user handlers.
	}

	if !req.IsCall() {
		go func() {
			_, err := c.handler(ctx, req)
			_ = err // notification errors have nowhere to go
		}()
		return
	}

	handlerCtx, cancel := context.WithCancel(ctx)
	handlerCtx = context.WithValue(handlerCtx, idContextKey{}, req.ID)
	c.mu.Lock()
	c.inflight[req.ID] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.inflight, req.ID)
			c.mu.Unlock()
		}()
		result, err := c.handler(handlerCtx, req)
		if handlerCtx.Err() != nil {
			// The request was cancelled by the peer; no response is expected.
			return
		}
		resp, respErr := jsonrpc2.NewResponse(req.ID, result, err)
		if respErr != nil {
			resp, _ = jsonrpc2.NewResponse(req.ID, nil, jsonrpc2.Errorf(jsonrpc2.CodeInternalError, "marshaling result: %v", respErr))
		}
		// Write on a context detached from the handler, so responses survive
		// handler-level cancellation.
		writeCtx := context.WithValue(context.Background(), idContextKey{}, req.ID)
		_ = c.write(writeCtx, resp)
	}()
}

func (c *conn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// close tears the connection down exactly once.
func (c *conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		err = c.transport.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}

// Wait blocks until the connection has closed.
func (c *conn) Wait() error {
	<-c.done
	return nil
}
