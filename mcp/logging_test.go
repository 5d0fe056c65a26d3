// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoggingHandler(t *testing.T) {
	ctx := context.Background()
	received := make(chan *LoggingMessageParams, 10)
	client := NewClient(testImpl, &ClientOptions{
		LoggingMessageHandler: func(_ context.Context, req *LoggingMessageRequest) {
			received <- req.Params
		},
	})
	ss, cs := connect(t, newTestServer(nil), client)

	if err := cs.SetLoggingLevel(ctx, &SetLoggingLevelParams{Level: "debug"}); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(NewLoggingHandler(ss, &LoggingHandlerOptions{LoggerName: "test"}))
	logger.WithGroup("req").With("id", 3).Info("handled", "user", "u1")

	select {
	case params := <-received:
		if params.Level != "info" || params.Logger != "test" {
			t.Errorf("level = %q, logger = %q", params.Level, params.Logger)
		}
		want := map[string]any{
			"msg": "handled",
			// Attrs after WithGroup land in the group; numbers arrive as
			// float64 from the wire.
			"req": map[string]any{"id": float64(3), "user": "u1"},
		}
		if diff := cmp.Diff(want, params.Data); diff != "" {
			t.Errorf("data mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no log notification received")
	}
}

func TestSlogLevel(t *testing.T) {
	for _, tt := range []struct {
		in   slog.Level
		want LoggingLevel
	}{
		{slog.LevelDebug, "debug"},
		{slog.LevelInfo, "info"},
		{slog.LevelWarn, "warning"},
		{slog.LevelError, "error"},
		{slog.LevelError + 4, "error"},
	} {
		if got := slogLevel(tt.in); got != tt.want {
			t.Errorf("slogLevel(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
