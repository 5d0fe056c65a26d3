// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWebSocketEndToEnd(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(nil)
	handler := NewWebSocketHandler(func(*http.Request) *Server { return server },
		&WebSocketOptions{CheckOrigin: func(*http.Request) bool { return true }})
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	endpoint := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	changed := make(chan struct{}, 1)
	client := NewClient(testImpl, &ClientOptions{
		ToolListChangedHandler: func(context.Context, *ToolListChangedRequest) {
			changed <- struct{}{}
		},
	})
	cs, err := client.Connect(ctx, &WebSocketClientTransport{Endpoint: endpoint})
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	// The session ID travels in the upgrade response.
	if cs.ID() == "" {
		t.Error("client session has no ID")
	}

	res, err := cs.CallTool(ctx, &CallToolParams{
		Name:      "greet",
		Arguments: map[string]any{"name": "dan"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sc := res.StructuredContent.(map[string]any); sc["greeting"] != "hi dan" {
		t.Errorf("greeting = %v", sc["greeting"])
	}

	// The connection is full duplex: server-initiated traffic needs no
	// side streams.
	sessions := server.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("%d server sessions, want 1", len(sessions))
	}
	if err := sessions[0].Ping(ctx, nil); err != nil {
		t.Errorf("server ping: %v", err)
	}
	AddTool(server, &Tool{Name: "late"},
		func(context.Context, *CallToolRequest, greetArgs) (*CallToolResult, any, error) {
			return &CallToolResult{}, nil, nil
		})
	select {
	case <-changed:
	case <-time.After(10 * time.Second):
		t.Fatal("no tools list_changed notification")
	}
}

func TestWebSocketOriginRejected(t *testing.T) {
	server := newTestServer(nil)
	handler := NewWebSocketHandler(func(*http.Request) *Server { return server }, nil)
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	// With the default origin check, a cross-origin upgrade is refused.
	req, err := http.NewRequest("GET", httpServer.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Origin", "http://evil.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status %d, want 403", resp.StatusCode)
	}
}
