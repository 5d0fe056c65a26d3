// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mcpwire/mcpwire/internal/jsonrpc2"
)

var testImpl = &Implementation{Name: "testClient", Version: "v1.0.0"}

type greetArgs struct {
	Name string `json:"name"`
}

type greetResult struct {
	Greeting string `json:"greeting"`
}

// newTestServer returns a server with a small feature set covering tools,
// prompts, and resources.
func newTestServer(opts *ServerOptions) *Server {
	server := NewServer(&Implementation{Name: "testServer", Version: "v1.0.0"}, opts)

	AddTool(server, &Tool{Name: "greet", Description: "say hi"},
		func(_ context.Context, _ *CallToolRequest, args greetArgs) (*CallToolResult, greetResult, error) {
			return nil, greetResult{Greeting: "hi " + args.Name}, nil
		})

	AddTool(server, &Tool{Name: "fail", Description: "always fails"},
		func(_ context.Context, _ *CallToolRequest, _ greetArgs) (*CallToolResult, any, error) {
			return nil, nil, fmt.Errorf("oh no")
		})

	server.AddPrompt(&Prompt{
		Name:      "code_review",
		Arguments: []*PromptArgument{{Name: "code", Required: true}},
	}, func(_ context.Context, req *GetPromptRequest) (*GetPromptResult, error) {
		return &GetPromptResult{
			Description: "review prompt",
			Messages: []*PromptMessage{{
				Role:    "user",
				Content: &TextContent{Text: "Please review: " + req.Params.Arguments["code"]},
			}},
		}, nil
	})

	server.AddResource(&Resource{
		URI:      "file:///info.txt",
		Name:     "info",
		MIMEType: "text/plain",
	}, readFileResource)

	server.AddResourceTemplate(&ResourceTemplate{
		URITemplate: "file:///notes/{id}",
		Name:        "notes",
		MIMEType:    "text/plain",
	}, readFileResource)

	return server
}

func readFileResource(_ context.Context, req *ReadResourceRequest) (*ReadResourceResult, error) {
	switch req.Params.URI {
	case "file:///info.txt", "file:///notes/1":
		return &ReadResourceResult{
			Contents: []*ResourceContents{{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     "contents of " + req.Params.URI,
			}},
		}, nil
	default:
		return nil, ResourceNotFoundError(req.Params.URI)
	}
}

// connect wires a client and server over in-memory transports and tears both
// down when the test finishes.
func connect(t *testing.T, server *Server, client *Client) (*ServerSession, *ClientSession) {
	t.Helper()
	ctx := context.Background()
	ct, st := NewInMemoryTransports()
	ss, err := server.Connect(ctx, st, nil)
	if err != nil {
		t.Fatal(err)
	}
	if client == nil {
		client = NewClient(testImpl, nil)
	}
	cs, err := client.Connect(ctx, ct)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cs.Close()
		ss.Wait()
	})
	return ss, cs
}

func TestBasicConnection(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(&ServerOptions{Instructions: "be nice"})
	_, cs := connect(t, server, nil)

	res := cs.InitializeResult()
	if res == nil {
		t.Fatal("no initialize result")
	}
	if g, w := res.ServerInfo.Name, "testServer"; g != w {
		t.Errorf("server name = %q, want %q", g, w)
	}
	if g, w := res.Instructions, "be nice"; g != w {
		t.Errorf("instructions = %q, want %q", g, w)
	}
	if res.Capabilities == nil || res.Capabilities.Tools == nil {
		t.Error("tools capability not advertised")
	}
	if err := cs.Ping(ctx, nil); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestCallTool(t *testing.T) {
	ctx := context.Background()
	_, cs := connect(t, newTestServer(nil), nil)

	res, err := cs.CallTool(ctx, &CallToolParams{
		Name:      "greet",
		Arguments: map[string]any{"name": "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %v", res.Content)
	}
	sc, ok := res.StructuredContent.(map[string]any)
	if !ok || sc["greeting"] != "hi alice" {
		t.Errorf("structuredContent = %v, want greeting %q", res.StructuredContent, "hi alice")
	}

	// Handler errors become tool errors, visible to the model.
	res, err = cs.CallTool(ctx, &CallToolParams{
		Name:      "fail",
		Arguments: map[string]any{"name": "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("want IsError for failing tool")
	}
	if text := res.Content[0].(*TextContent).Text; !strings.Contains(text, "oh no") {
		t.Errorf("error content = %q, want %q", text, "oh no")
	}

	// Arguments failing schema validation are a protocol error.
	if _, err := cs.CallTool(ctx, &CallToolParams{
		Name:      "greet",
		Arguments: map[string]any{"name": 3},
	}); err == nil {
		t.Error("want error for mistyped arguments")
	}

	if _, err := cs.CallTool(ctx, &CallToolParams{Name: "nope"}); err == nil {
		t.Error("want error for unknown tool")
	}
}

func TestToolPagination(t *testing.T) {
	ctx := context.Background()
	server := NewServer(&Implementation{Name: "testServer", Version: "v1.0.0"}, &ServerOptions{PageSize: 2})
	var want []string
	for i := range 5 {
		name := fmt.Sprintf("tool-%d", i)
		want = append(want, name)
		AddTool(server, &Tool{Name: name}, func(context.Context, *CallToolRequest, greetArgs) (*CallToolResult, any, error) {
			return &CallToolResult{}, nil, nil
		})
	}
	_, cs := connect(t, server, nil)

	// The first page is bounded by PageSize and carries a cursor.
	page, err := cs.ListTools(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Tools) != 2 || page.NextCursor == "" {
		t.Fatalf("first page has %d tools, cursor %q; want 2 with cursor", len(page.Tools), page.NextCursor)
	}

	// The iterator walks all pages.
	var got []string
	for tool, err := range cs.Tools(ctx, nil) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, tool.Name)
	}
	slices.Sort(got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tool names mismatch (-want +got):\n%s", diff)
	}
}

func TestPrompts(t *testing.T) {
	ctx := context.Background()
	_, cs := connect(t, newTestServer(nil), nil)

	list, err := cs.ListPrompts(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Prompts) != 1 || list.Prompts[0].Name != "code_review" {
		t.Fatalf("prompts = %v, want [code_review]", list.Prompts)
	}

	res, err := cs.GetPrompt(ctx, &GetPromptParams{
		Name:      "code_review",
		Arguments: map[string]string{"code": "1+1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if text := res.Messages[0].Content.(*TextContent).Text; text != "Please review: 1+1" {
		t.Errorf("prompt text = %q", text)
	}

	if _, err := cs.GetPrompt(ctx, &GetPromptParams{Name: "nope"}); err == nil {
		t.Error("want error for unknown prompt")
	}
}

func TestResources(t *testing.T) {
	ctx := context.Background()
	_, cs := connect(t, newTestServer(nil), nil)

	res, err := cs.ReadResource(ctx, &ReadResourceParams{URI: "file:///info.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Contents[0].Text; got != "contents of file:///info.txt" {
		t.Errorf("contents = %q", got)
	}

	// Reads with no direct match fall through to templates.
	if _, err := cs.ReadResource(ctx, &ReadResourceParams{URI: "file:///notes/1"}); err != nil {
		t.Errorf("template read: %v", err)
	}

	_, err = cs.ReadResource(ctx, &ReadResourceParams{URI: "file:///notes/404"})
	if err == nil || !strings.Contains(err.Error(), "Resource not found") {
		t.Errorf("missing resource: err = %v, want resource not found", err)
	}

	// URIs matching no resource and no template are rejected.
	if _, err := cs.ReadResource(ctx, &ReadResourceParams{URI: "other:///x"}); err == nil {
		t.Error("want error for unmatched URI")
	}

	var templates []string
	for rt, err := range cs.ResourceTemplates(ctx, nil) {
		if err != nil {
			t.Fatal(err)
		}
		templates = append(templates, rt.URITemplate)
	}
	if len(templates) != 1 || templates[0] != "file:///notes/{id}" {
		t.Errorf("templates = %v", templates)
	}
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	updates := make(chan string, 10)
	server := newTestServer(&ServerOptions{
		SubscribeHandler:   func(context.Context, *SubscribeRequest) error { return nil },
		UnsubscribeHandler: func(context.Context, *UnsubscribeRequest) error { return nil },
	})
	client := NewClient(testImpl, &ClientOptions{
		ResourceUpdatedHandler: func(_ context.Context, req *ResourceUpdatedRequest) {
			updates <- req.Params.URI
		},
	})
	_, cs := connect(t, server, client)

	if err := cs.Subscribe(ctx, &SubscribeParams{URI: "file:///info.txt"}); err != nil {
		t.Fatal(err)
	}
	if err := server.ResourceUpdated(ctx, &ResourceUpdatedNotificationParams{URI: "file:///info.txt"}); err != nil {
		t.Fatal(err)
	}
	select {
	case uri := <-updates:
		if uri != "file:///info.txt" {
			t.Errorf("update for %q", uri)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no resource update received")
	}

	// Updates to unsubscribed resources are not delivered.
	if err := cs.Unsubscribe(ctx, &UnsubscribeParams{URI: "file:///info.txt"}); err != nil {
		t.Fatal(err)
	}
	if err := server.ResourceUpdated(ctx, &ResourceUpdatedNotificationParams{URI: "file:///info.txt"}); err != nil {
		t.Fatal(err)
	}
	select {
	case uri := <-updates:
		t.Errorf("unexpected update for %q after unsubscribe", uri)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSampling(t *testing.T) {
	ctx := context.Background()
	client := NewClient(testImpl, &ClientOptions{
		CreateMessageHandler: func(_ context.Context, req *CreateMessageRequest) (*CreateMessageResult, error) {
			return &CreateMessageResult{
				Role:    "assistant",
				Content: &TextContent{Text: "sampled"},
				Model:   "test-model",
			}, nil
		},
	})
	ss, _ := connect(t, newTestServer(nil), client)

	res, err := ss.CreateMessage(ctx, &CreateMessageParams{
		Messages:  []*SamplingMessage{{Role: "user", Content: &TextContent{Text: "hello"}}},
		MaxTokens: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Model != "test-model" || res.Content.(*TextContent).Text != "sampled" {
		t.Errorf("createMessage = %+v", res)
	}
}

func TestSamplingWithoutCapability(t *testing.T) {
	ctx := context.Background()
	ss, _ := connect(t, newTestServer(nil), nil)

	_, err := ss.CreateMessage(ctx, &CreateMessageParams{
		Messages:  []*SamplingMessage{{Role: "user", Content: &TextContent{Text: "hello"}}},
		MaxTokens: 10,
	})
	if err == nil || !strings.Contains(err.Error(), "sampling") {
		t.Errorf("err = %v, want missing sampling capability", err)
	}
}

func TestElicitation(t *testing.T) {
	ctx := context.Background()
	client := NewClient(testImpl, &ClientOptions{
		ElicitationHandler: func(_ context.Context, req *ElicitRequest) (*ElicitResult, error) {
			return &ElicitResult{
				Action:  "accept",
				Content: map[string]any{"answer": req.Params.Message + "!"},
			}, nil
		},
	})
	ss, _ := connect(t, newTestServer(nil), client)

	res, err := ss.Elicit(ctx, &ElicitParams{Message: "confirm"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != "accept" || res.Content["answer"] != "confirm!" {
		t.Errorf("elicit = %+v", res)
	}
}

func TestRoots(t *testing.T) {
	ctx := context.Background()
	changed := make(chan struct{}, 1)
	server := newTestServer(&ServerOptions{
		RootsListChangedHandler: func(context.Context, *RootsListChangedRequest) {
			changed <- struct{}{}
		},
	})
	client := NewClient(testImpl, nil)
	client.AddRoots(&Root{URI: "file:///project", Name: "project"})
	ss, _ := connect(t, server, client)

	res, err := ss.ListRoots(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Roots) != 1 || res.Roots[0].URI != "file:///project" {
		t.Errorf("roots = %v", res.Roots)
	}

	client.AddRoots(&Root{URI: "file:///other"})
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no roots list_changed notification")
	}
}

func TestLoggingLevels(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var got []LoggingLevel
	client := NewClient(testImpl, &ClientOptions{
		LoggingMessageHandler: func(_ context.Context, req *LoggingMessageRequest) {
			mu.Lock()
			got = append(got, req.Params.Level)
			mu.Unlock()
		},
	})
	ss, cs := connect(t, newTestServer(nil), client)

	if err := cs.SetLoggingLevel(ctx, &SetLoggingLevelParams{Level: "warning"}); err != nil {
		t.Fatal(err)
	}
	// Below the session level: dropped before the wire.
	if err := ss.Log(ctx, &LoggingMessageParams{Level: "debug", Data: "quiet"}); err != nil {
		t.Fatal(err)
	}
	if err := ss.Log(ctx, &LoggingMessageParams{Level: "error", Data: "loud"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no log message received")
		case <-time.After(10 * time.Millisecond):
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "error" {
		t.Errorf("received levels %v, want [error]", got)
	}
}

func TestProgressNotifications(t *testing.T) {
	ctx := context.Background()
	progress := make(chan *ProgressNotificationParams, 10)
	server := NewServer(&Implementation{Name: "testServer", Version: "v1.0.0"}, nil)
	AddTool(server, &Tool{Name: "steps"},
		func(ctx context.Context, req *CallToolRequest, _ greetArgs) (*CallToolResult, any, error) {
			for i := 1; i <= 3; i++ {
				req.Progress(ctx, &ProgressNotificationParams{Progress: float64(i), Total: 3})
			}
			return &CallToolResult{}, nil, nil
		})
	client := NewClient(testImpl, &ClientOptions{
		ProgressNotificationHandler: func(_ context.Context, req *ProgressNotificationClientRequest) {
			progress <- req.Params
		},
	})
	_, cs := connect(t, server, client)

	params := &CallToolParams{Name: "steps", Arguments: map[string]any{"name": "x"}}
	params.SetProgressToken("tok-1")
	if _, err := cs.CallTool(ctx, params); err != nil {
		t.Fatal(err)
	}
	for want := 1.0; want <= 3.0; want++ {
		select {
		case p := <-progress:
			if p.ProgressToken != "tok-1" || p.Progress != want {
				t.Errorf("progress = %+v, want token tok-1 progress %v", p, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("missing progress notification %v", want)
		}
	}
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	stopped := make(chan struct{})
	server := NewServer(&Implementation{Name: "testServer", Version: "v1.0.0"}, nil)
	AddTool(server, &Tool{Name: "hang"},
		func(ctx context.Context, _ *CallToolRequest, _ greetArgs) (*CallToolResult, any, error) {
			close(started)
			<-ctx.Done()
			close(stopped)
			return nil, nil, ctx.Err()
		})
	_, cs := connect(t, server, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := cs.CallTool(ctx, &CallToolParams{Name: "hang", Arguments: map[string]any{"name": "x"}})
		errc <- err
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool handler never started")
	}
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("CallTool error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("CallTool did not return after cancellation")
	}
	// The cancellation notification reaches the handler's context.
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
	// The session is still usable.
	if err := cs.Ping(context.Background(), nil); err != nil {
		t.Errorf("ping after cancellation: %v", err)
	}
}

func TestResetTimeoutOnProgress(t *testing.T) {
	ctx := context.Background()
	server := NewServer(&Implementation{Name: "testServer", Version: "v1.0.0"}, nil)
	AddTool(server, &Tool{Name: "ticker"},
		func(ctx context.Context, req *CallToolRequest, _ greetArgs) (*CallToolResult, any, error) {
			// Runs well past the per-call timeout, but reports progress often
			// enough to keep a resetting timer alive.
			for i := 1; i <= 8; i++ {
				time.Sleep(100 * time.Millisecond)
				req.Progress(ctx, &ProgressNotificationParams{Progress: float64(i), Total: 8})
			}
			return &CallToolResult{}, nil, nil
		})

	call := func(cs *ClientSession) error {
		params := &CallToolParams{Name: "ticker", Arguments: map[string]any{"name": "x"}}
		params.SetProgressToken("tick")
		_, err := cs.CallTool(ctx, params)
		return err
	}

	t.Run("reset", func(t *testing.T) {
		client := NewClient(testImpl, &ClientOptions{
			RequestTimeout:         400 * time.Millisecond,
			ResetTimeoutOnProgress: true,
		})
		_, cs := connect(t, server, client)
		if err := call(cs); err != nil {
			t.Errorf("call timed out despite progress: %v", err)
		}
	})

	t.Run("no reset", func(t *testing.T) {
		client := NewClient(testImpl, &ClientOptions{RequestTimeout: 400 * time.Millisecond})
		_, cs := connect(t, server, client)
		if err := call(cs); !errors.Is(err, jsonrpc2.ErrRequestTimeout) {
			t.Errorf("error = %v, want request timeout", err)
		}
	})
}

func TestReceivingMiddleware(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var methods []string
	server := newTestServer(nil)
	server.AddReceivingMiddleware(func(next MethodHandler) MethodHandler {
		return func(ctx context.Context, method string, req Request) (Result, error) {
			mu.Lock()
			methods = append(methods, method)
			mu.Unlock()
			return next(ctx, method, req)
		}
	})
	_, cs := connect(t, server, nil)

	if _, err := cs.ListTools(ctx, nil); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, want := range []string{"initialize", "notifications/initialized", "tools/list"} {
		if !slices.Contains(methods, want) {
			t.Errorf("middleware did not see %q (saw %v)", want, methods)
		}
	}
}

func TestToolListChanged(t *testing.T) {
	changed := make(chan struct{}, 1)
	client := NewClient(testImpl, &ClientOptions{
		ToolListChangedHandler: func(context.Context, *ToolListChangedRequest) {
			changed <- struct{}{}
		},
	})
	server := newTestServer(nil)
	connect(t, server, client)

	AddTool(server, &Tool{Name: "late"},
		func(context.Context, *CallToolRequest, greetArgs) (*CallToolResult, any, error) {
			return &CallToolResult{}, nil, nil
		})
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no tools list_changed notification")
	}
}

func TestCompletion(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(&ServerOptions{
		CompletionHandler: func(_ context.Context, req *CompleteRequest) (*CompleteResult, error) {
			return &CompleteResult{
				Completion: CompletionResultDetails{Values: []string{req.Params.Argument.Value + "-done"}},
			}, nil
		},
	})
	_, cs := connect(t, server, nil)

	res, err := cs.Complete(ctx, &CompleteParams{
		Ref:      &CompleteReference{Type: "ref/prompt", Name: "code_review"},
		Argument: CompleteParamsArgument{Name: "code", Value: "pre"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Completion.Values) != 1 || res.Completion.Values[0] != "pre-done" {
		t.Errorf("completion = %+v", res.Completion)
	}
}

func TestCompletionNotAdvertised(t *testing.T) {
	ctx := context.Background()
	_, cs := connect(t, newTestServer(nil), nil)

	if _, err := cs.Complete(ctx, &CompleteParams{
		Ref:      &CompleteReference{Type: "ref/prompt", Name: "code_review"},
		Argument: CompleteParamsArgument{Name: "code", Value: "x"},
	}); err == nil {
		t.Error("want error when completions capability is absent")
	}
}
