// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mcpwire/mcpwire/jsonrpc"
)

// WebSocketOptions configure a [WebSocketHandler].
type WebSocketOptions struct {
	// CheckOrigin authorizes the Origin of upgrade requests. If nil, only
	// same-origin requests are accepted, per the gorilla default.
	CheckOrigin func(*http.Request) bool
	// Logger, if set, receives transport-level diagnostics.
	Logger *zap.Logger
}

// A WebSocketHandler is an [http.Handler] that serves each WebSocket
// connection as one MCP session. Messages are JSON-RPC, one per text frame.
//
// Unlike the streamable HTTP transport, a WebSocket session lives exactly as
// long as its connection: there is no resumption and no session store.
type WebSocketHandler struct {
	getServer func(*http.Request) *Server
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func NewWebSocketHandler(getServer func(*http.Request) *Server, opts *WebSocketOptions) *WebSocketHandler {
	h := &WebSocketHandler{
		getServer: getServer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: zap.NewNop(),
	}
	if opts != nil {
		h.upgrader.CheckOrigin = opts.CheckOrigin
		if opts.Logger != nil {
			h.logger = opts.Logger
		}
	}
	return h
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	server := h.getServer(req)
	if server == nil {
		http.Error(w, "no server available for request", http.StatusBadRequest)
		return
	}
	sessionID := randText()
	ws, err := h.upgrader.Upgrade(w, req, http.Header{sessionIDHeader: {sessionID}})
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	transport := &connectedTransport{conn: newWebSocketConn(ws, sessionID)}
	if _, err := server.Connect(req.Context(), transport, nil); err != nil {
		h.logger.Warn("connecting websocket session", zap.String("sessionID", sessionID), zap.Error(err))
		ws.Close()
	}
}

// A connectedTransport adapts an established [Connection] to [Transport].
type connectedTransport struct {
	conn Connection
}

func (t *connectedTransport) Connect(context.Context) (Connection, error) { return t.conn, nil }

// A WebSocketClientTransport is a [Transport] that dials an MCP server over a
// WebSocket.
type WebSocketClientTransport struct {
	// Endpoint is the server URL ("ws://..." or "wss://...").
	Endpoint string
	// Dialer is the dialer to use. If nil, [websocket.DefaultDialer].
	Dialer *websocket.Dialer
	// Header is sent with the upgrade request, for authentication.
	Header http.Header
}

func (t *WebSocketClientTransport) Connect(ctx context.Context) (Connection, error) {
	if t.Endpoint == "" {
		return nil, errors.New("endpoint not set")
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, t.Endpoint, t.Header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", t.Endpoint, err)
	}
	sessionID := resp.Header.Get(sessionIDHeader)
	return newWebSocketConn(ws, sessionID), nil
}

// A webSocketConn is a [Connection] over a WebSocket, one JSON-RPC message
// per text frame.
type webSocketConn struct {
	ws        *websocket.Conn
	sessionID string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newWebSocketConn(ws *websocket.Conn, sessionID string) *webSocketConn {
	return &webSocketConn{ws: ws, sessionID: sessionID, done: make(chan struct{})}
}

func (c *webSocketConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, io.EOF
	default:
	}
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			return nil, err
		}
		if kind != websocket.TextMessage {
			continue // binary frames are not part of the protocol
		}
		return jsonrpc.DecodeMessage(data)
	}
}

func (c *webSocketConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *webSocketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		deadline := time.Now().Add(5 * time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *webSocketConn) SessionID() string { return c.sessionID }
