// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mcpwire/mcpwire/jsonrpc"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"testClient","version":"v1.0.0"}}}`

// startStreamableServer serves the given server over streamable HTTP for the
// duration of the test.
func startStreamableServer(t *testing.T, server *Server, opts *StreamableHTTPOptions) *httptest.Server {
	t.Helper()
	handler := NewStreamableHTTPHandler(func(*http.Request) *Server { return server }, opts)
	httpServer := httptest.NewServer(handler)
	t.Cleanup(func() {
		httpServer.Close()
		handler.Close()
	})
	return httpServer
}

// do sends a raw streamable HTTP request.
func do(t *testing.T, method, url, sessionID, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "application/json, text/event-stream")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// handshake initializes a session over raw HTTP and returns its ID.
func handshake(t *testing.T, url string) string {
	t.Helper()
	resp := do(t, "POST", url, "", initializeBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize: status %d", resp.StatusCode)
	}
	sessionID := resp.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		t.Fatal("initialize response has no session ID")
	}
	io.Copy(io.Discard, resp.Body)

	resp = do(t, "POST", url, sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized notification: status %d, want 202", resp.StatusCode)
	}
	return sessionID
}

// collectEvents reads all SSE events until the body ends.
func collectEvents(t *testing.T, body io.Reader) []event {
	t.Helper()
	var events []event
	for evt, err := range scanEvents(body) {
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		events = append(events, evt)
	}
	return events
}

func TestStreamableEndToEnd(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(nil)
	httpServer := startStreamableServer(t, server, nil)

	changed := make(chan struct{}, 1)
	client := NewClient(testImpl, &ClientOptions{
		ToolListChangedHandler: func(context.Context, *ToolListChangedRequest) {
			changed <- struct{}{}
		},
	})
	cs, err := client.Connect(ctx, &StreamableClientTransport{Endpoint: httpServer.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	if cs.ID() == "" {
		t.Error("client session has no ID")
	}
	if g, w := cs.InitializeResult().ServerInfo.Name, "testServer"; g != w {
		t.Errorf("server name = %q, want %q", g, w)
	}

	res, err := cs.CallTool(ctx, &CallToolParams{
		Name:      "greet",
		Arguments: map[string]any{"name": "bob"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sc := res.StructuredContent.(map[string]any); sc["greeting"] != "hi bob" {
		t.Errorf("greeting = %v", sc["greeting"])
	}

	// Server-initiated traffic flows over the standalone stream: a ping
	// round-trips, and list_changed notifications arrive.
	sessions := server.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("%d server sessions, want 1", len(sessions))
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sessions[0].Ping(pingCtx, nil); err != nil {
		t.Errorf("server ping: %v", err)
	}

	AddTool(server, &Tool{Name: "late"},
		func(context.Context, *CallToolRequest, greetArgs) (*CallToolResult, any, error) {
			return &CallToolResult{}, nil, nil
		})
	select {
	case <-changed:
	case <-time.After(10 * time.Second):
		t.Fatal("no tools list_changed notification over standalone stream")
	}
}

func TestStreamableHTTPRequests(t *testing.T) {
	server := newTestServer(nil)
	httpServer := startStreamableServer(t, server, nil)
	url := httpServer.URL

	sessionID := handshake(t, url)

	t.Run("call", func(t *testing.T) {
		resp := do(t, "POST", url, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
			t.Errorf("Content-Type = %q", ct)
		}
		events := collectEvents(t, resp.Body)
		if len(events) != 1 {
			t.Fatalf("%d events, want 1", len(events))
		}
		msg, err := jsonrpc.DecodeMessage(events[0].data)
		if err != nil {
			t.Fatal(err)
		}
		if jresp, ok := msg.(*jsonrpc.Response); !ok || jresp.Error != nil {
			t.Errorf("event = %s", events[0].data)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		resp := do(t, "POST", url, "bogus", `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status %d, want 404", resp.StatusCode)
		}
	})

	t.Run("GET without session", func(t *testing.T) {
		resp := do(t, "GET", url, "", "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status %d, want 400", resp.StatusCode)
		}
	})

	t.Run("unsupported method", func(t *testing.T) {
		resp := do(t, "PATCH", url, sessionID, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("status %d, want 405", resp.StatusCode)
		}
		if allow := resp.Header.Get("Allow"); !strings.Contains(allow, "POST") {
			t.Errorf("Allow = %q", allow)
		}
	})

	t.Run("missing accept", func(t *testing.T) {
		req, err := http.NewRequest("POST", url, strings.NewReader(initializeBody))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json") // no text/event-stream
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status %d, want 400", resp.StatusCode)
		}
	})

	t.Run("bad protocol version", func(t *testing.T) {
		req, err := http.NewRequest("POST", url, strings.NewReader(initializeBody))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		req.Header.Set("MCP-Protocol-Version", "1999-01-01")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status %d, want 400", resp.StatusCode)
		}
	})
}

func TestStreamableDelete(t *testing.T) {
	server := newTestServer(nil)
	httpServer := startStreamableServer(t, server, nil)
	url := httpServer.URL

	sessionID := handshake(t, url)

	resp := do(t, "DELETE", url, sessionID, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE: status %d, want 200", resp.StatusCode)
	}

	// The session is gone.
	resp = do(t, "POST", url, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("POST after DELETE: status %d, want 404", resp.StatusCode)
	}
	resp = do(t, "DELETE", url, sessionID, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second DELETE: status %d, want 404", resp.StatusCode)
	}
}

func TestStreamableSessionAdoption(t *testing.T) {
	store := NewMemorySessionStore()
	pod1 := startStreamableServer(t, newTestServer(nil), &StreamableHTTPOptions{SessionStore: store})
	pod2 := startStreamableServer(t, newTestServer(nil), &StreamableHTTPOptions{SessionStore: store})

	// The handshake happens entirely against the first instance.
	sessionID := handshake(t, pod1.URL)

	// The second instance has never seen the session; it adopts the persisted
	// state from the shared store and serves the call.
	resp := do(t, "POST", pod2.URL, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	events := collectEvents(t, resp.Body)
	if len(events) != 1 {
		t.Fatalf("%d events, want 1", len(events))
	}
	msg, err := jsonrpc.DecodeMessage(events[0].data)
	if err != nil {
		t.Fatal(err)
	}
	jresp, ok := msg.(*jsonrpc.Response)
	if !ok || jresp.Error != nil {
		t.Fatalf("event = %s", events[0].data)
	}
	var res ListToolsResult
	if err := json.Unmarshal(jresp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Tools) == 0 {
		t.Error("adopted session listed no tools")
	}

	// Closing through the adopting instance removes the shared state, so the
	// session cannot be adopted again.
	resp = do(t, "DELETE", pod2.URL, sessionID, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE: status %d, want 200", resp.StatusCode)
	}
	pod3 := startStreamableServer(t, newTestServer(nil), &StreamableHTTPOptions{SessionStore: store})
	resp = do(t, "POST", pod3.URL, sessionID, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("POST after DELETE: status %d, want 404", resp.StatusCode)
	}
}

func TestStreamableStateless(t *testing.T) {
	server := newTestServer(nil)
	httpServer := startStreamableServer(t, server, &StreamableHTTPOptions{Stateless: true})
	url := httpServer.URL

	// No handshake: each POST gets a short-lived pre-initialized session.
	resp := do(t, "POST", url, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.Errorf("stateless response has session ID %q", sid)
	}
	events := collectEvents(t, resp.Body)
	if len(events) != 1 {
		t.Fatalf("%d events, want 1", len(events))
	}

	resp = do(t, "GET", url, "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET: status %d, want 405", resp.StatusCode)
	}
}

func TestStreamableJSONResponse(t *testing.T) {
	server := newTestServer(nil)
	httpServer := startStreamableServer(t, server, &StreamableHTTPOptions{JSONResponse: true})

	resp := do(t, "POST", httpServer.URL, "", initializeBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		t.Fatalf("decoding %s: %v", body, err)
	}
	jresp, ok := msg.(*jsonrpc.Response)
	if !ok || jresp.Error != nil {
		t.Fatalf("body = %s", body)
	}
	var res InitializeResult
	if err := json.Unmarshal(jresp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.ServerInfo.Name != "testServer" {
		t.Errorf("server name = %q", res.ServerInfo.Name)
	}

	// The client transport also speaks this mode.
	ctx := context.Background()
	cs, err := NewClient(testImpl, nil).Connect(ctx, &StreamableClientTransport{Endpoint: httpServer.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()
	if _, err := cs.ListTools(ctx, nil); err != nil {
		t.Errorf("tools/list over JSON mode: %v", err)
	}
}

func TestStreamableResumption(t *testing.T) {
	server := NewServer(&Implementation{Name: "testServer", Version: "v1.0.0"}, nil)
	AddTool(server, &Tool{Name: "steps"},
		func(ctx context.Context, req *CallToolRequest, _ greetArgs) (*CallToolResult, any, error) {
			for i := 1; i <= 2; i++ {
				req.Progress(ctx, &ProgressNotificationParams{Progress: float64(i), Total: 2})
			}
			return &CallToolResult{}, nil, nil
		})
	httpServer := startStreamableServer(t, server, nil)
	url := httpServer.URL
	sessionID := handshake(t, url)

	call := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"steps","arguments":{"name":"x"},"_meta":{"progressToken":"t1"}}}`
	resp := do(t, "POST", url, sessionID, call)
	events := collectEvents(t, resp.Body)
	resp.Body.Close()
	if len(events) != 3 {
		t.Fatalf("%d events, want 2 progress + 1 response", len(events))
	}
	for i, evt := range events {
		sid, idx, err := parseEventID(evt.id)
		if err != nil {
			t.Fatal(err)
		}
		if idx != i || sid == 0 {
			t.Errorf("event %d has ID %q", i, evt.id)
		}
	}

	// Resuming after the first event replays the rest of the stream.
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)
	req.Header.Set("Last-Event-ID", events[0].id)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume GET: status %d", resp.StatusCode)
	}

	replayed := make(chan event, 10)
	go func() {
		for evt, err := range scanEvents(resp.Body) {
			if err != nil {
				return
			}
			replayed <- evt
		}
	}()
	var got []string
	for len(got) < 2 {
		select {
		case evt := <-replayed:
			if evt.data == nil {
				continue // priming retry event
			}
			got = append(got, evt.id)
		case <-time.After(10 * time.Second):
			t.Fatalf("replayed %v, want %v", got, events[1:])
		}
	}
	if got[0] != events[1].id || got[1] != events[2].id {
		t.Errorf("replayed IDs %v, want [%s %s]", got, events[1].id, events[2].id)
	}
}

func TestStreamableStreamConflict(t *testing.T) {
	server := newTestServer(nil)
	httpServer := startStreamableServer(t, server, nil)
	url := httpServer.URL
	sessionID := handshake(t, url)

	get := func() *http.Response {
		req, err := http.NewRequest("GET", url, nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Mcp-Session-Id", sessionID)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	first := get()
	defer first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first GET: status %d", first.StatusCode)
	}
	// The priming event confirms the consumer is registered.
	buf := make([]byte, 64)
	if _, err := first.Body.Read(buf); err != nil {
		t.Fatal(err)
	}

	second := get()
	second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Errorf("second GET: status %d, want 409", second.StatusCode)
	}
}

func TestStreamableMaxBody(t *testing.T) {
	server := newTestServer(nil)
	httpServer := startStreamableServer(t, server, &StreamableHTTPOptions{MaxBodyBytes: 256})

	big := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":%q,"version":"v1"}}}`,
		strings.Repeat("x", 1024))
	resp := do(t, "POST", httpServer.URL, "", big)
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status %d, want 413", resp.StatusCode)
	}
}

func TestStreamableOriginCheck(t *testing.T) {
	server := newTestServer(nil)
	httpServer := startStreamableServer(t, server, &StreamableHTTPOptions{
		AllowedOrigins: []string{"example.com"},
	})

	send := func(origin string) int {
		req, err := http.NewRequest("POST", httpServer.URL, strings.NewReader(initializeBody))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}

	if code := send("http://evil.com"); code != http.StatusForbidden {
		t.Errorf("evil origin: status %d, want 403", code)
	}
	if code := send("http://example.com"); code != http.StatusOK {
		t.Errorf("allowed origin: status %d, want 200", code)
	}
}
