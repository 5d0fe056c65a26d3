// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Mcpwired is a reference MCP server. It exposes a few demonstration tools,
// prompts, and resources over stdio or streamable HTTP, optionally backed by
// PostgreSQL for cross-instance sessions and tasks.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mcpwire/mcpwire/mcp"
)

var flags struct {
	addr           string
	dsn            string
	stateless      bool
	jsonResponse   bool
	allowedOrigins []string
	allowedHosts   []string
	rps            float64
	debug          bool
}

func main() {
	root := &cobra.Command{
		Use:           "mcpwired",
		Short:         "Reference MCP server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over streamable HTTP",
		RunE:  func(cmd *cobra.Command, _ []string) error { return runHTTP(cmd.Context()) },
	}
	serve.Flags().StringVar(&flags.addr, "addr", "localhost:8080", "listen address")
	serve.Flags().StringVar(&flags.dsn, "db", "", "PostgreSQL DSN for shared sessions, tasks, and events")
	serve.Flags().BoolVar(&flags.stateless, "stateless", false, "serve every request with a fresh session")
	serve.Flags().BoolVar(&flags.jsonResponse, "json-response", false, "answer POSTs with application/json instead of SSE")
	serve.Flags().StringSliceVar(&flags.allowedOrigins, "allowed-origin", nil, "allowed Origin hosts (repeatable)")
	serve.Flags().StringSliceVar(&flags.allowedHosts, "allowed-host", nil, "allowed Host headers (repeatable)")
	serve.Flags().Float64Var(&flags.rps, "rate", 0, "request rate limit per second (0 = unlimited)")
	root.AddCommand(serve)

	stdio := &cobra.Command{
		Use:   "stdio",
		Short: "Serve MCP over stdin/stdout",
		RunE:  func(cmd *cobra.Command, _ []string) error { return runStdio(cmd.Context()) },
	}
	root.AddCommand(stdio)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mcpwired:", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if flags.debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runStdio(ctx context.Context) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	server := newServer(logger, nil)
	return server.Run(ctx, &mcp.StdioTransport{})
}

func runHTTP(ctx context.Context) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := &mcp.StreamableHTTPOptions{
		Stateless:      flags.stateless,
		JSONResponse:   flags.jsonResponse,
		AllowedOrigins: flags.allowedOrigins,
		AllowedHosts:   flags.allowedHosts,
		Logger:         logger,
	}
	if flags.rps > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(flags.rps), int(flags.rps)+1)
	}

	serverOpts := &mcp.ServerOptions{Logger: logger}
	if flags.dsn != "" {
		db, err := sql.Open("postgres", flags.dsn)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()
		if err := mcp.InitSQLSchema(ctx, db); err != nil {
			return err
		}
		opts.SessionStore = mcp.NewSQLSessionStore(db)
		opts.EventStore = mcp.NewSQLEventStore(db)
		serverOpts.TaskStore = mcp.NewSQLTaskStore(db)
		serverOpts.TaskMessageQueue = mcp.NewSQLTaskQueue(db)
	}

	server := newServer(logger, serverOpts)
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, opts)
	defer handler.Close()

	httpServer := &http.Server{Addr: flags.addr, Handler: handler}
	errc := make(chan error, 1)
	go func() { errc <- httpServer.ListenAndServe() }()
	logger.Info("listening", zap.String("addr", flags.addr), zap.Bool("stateless", flags.stateless))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"the text to echo back"`
}

type countArgs struct {
	N     int    `json:"n" jsonschema:"how many steps to count"`
	Delay string `json:"delay,omitempty" jsonschema:"delay between steps, as a duration string"`
}

func newServer(logger *zap.Logger, opts *mcp.ServerOptions) *mcp.Server {
	if opts == nil {
		opts = &mcp.ServerOptions{Logger: logger}
	}
	server := mcp.NewServer(&mcp.Implementation{Name: "mcpwired", Version: "0.1.0"}, opts)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "echo",
		Description: "Echo the input text back to the caller.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args echoArgs) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: args.Text}},
		}, nil, nil
	})

	// count reports progress and supports task augmentation, so it doubles as
	// a smoke test for long-running calls.
	mcp.AddTool(server, &mcp.Tool{
		Name:        "count",
		Description: "Count to n, reporting progress along the way.",
		Execution:   &mcp.ToolExecution{TaskSupport: "optional"},
	}, func(ctx context.Context, req *mcp.CallToolRequest, args countArgs) (*mcp.CallToolResult, any, error) {
		delay := 100 * time.Millisecond
		if args.Delay != "" {
			d, err := time.ParseDuration(args.Delay)
			if err != nil {
				return nil, nil, fmt.Errorf("bad delay: %w", err)
			}
			delay = d
		}
		for i := 1; i <= args.N; i++ {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(delay):
			}
			req.Progress(ctx, &mcp.ProgressNotificationParams{
				Progress: float64(i),
				Total:    float64(args.N),
			})
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("counted to %d", args.N)}},
		}, nil, nil
	})

	server.AddPrompt(&mcp.Prompt{
		Name:        "greet",
		Description: "A friendly greeting.",
		Arguments:   []*mcp.PromptArgument{{Name: "name", Required: true}},
	}, func(_ context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		name := req.Params.Arguments["name"]
		return &mcp.GetPromptResult{
			Messages: []*mcp.PromptMessage{{
				Role:    "user",
				Content: &mcp.TextContent{Text: "Say hello to " + strings.TrimSpace(name) + "."},
			}},
		}, nil
	})

	server.AddResource(&mcp.Resource{
		URI:      "embedded://motd",
		Name:     "motd",
		MIMEType: "text/plain",
	}, func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     "mcpwired is up.",
			}},
		}, nil
	})

	return server
}
