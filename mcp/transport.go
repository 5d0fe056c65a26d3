// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/mcpwire/mcpwire/internal/jsonrpc2"
	"github.com/mcpwire/mcpwire/jsonrpc"
)

// Aliases tie the transport layer to the wire-level jsonrpc package.
type (
	JSONRPCMessage  = jsonrpc.Message
	JSONRPCRequest  = jsonrpc.Request
	JSONRPCResponse = jsonrpc.Response
	JSONRPCID       = jsonrpc.ID
)

// A Transport is used to create a bidirectional connection between MCP
// client and server.
//
// Transports should be used for at most one call to [Server.Connect] or
// [Client.Connect].
type Transport interface {
	// Connect returns the logical JSON-RPC connection.
	//
	// It is called exactly once by Connect.
	Connect(ctx context.Context) (Connection, error)
}

// A Connection is a logical bidirectional JSON-RPC connection.
type Connection interface {
	// Read blocks until the next message arrives, ctx is cancelled, or the
	// connection closes, in which case it returns io.EOF.
	Read(ctx context.Context) (jsonrpc.Message, error)
	// Write sends a message. Writes may be called concurrently.
	Write(ctx context.Context, msg jsonrpc.Message) error
	// Close closes the connection. It is safe to call multiple times.
	Close() error
	// SessionID returns the session's identifier, or "" if there is none.
	SessionID() string
}

// randText returns a new random identifier for sessions and streams.
func randText() string {
	return uuid.NewString()
}

// An IOTransport is a [Transport] that communicates using newline-delimited
// JSON over an io.ReadWriteCloser.
type IOTransport struct {
	rwc io.ReadWriteCloser
}

func NewIOTransport(rwc io.ReadWriteCloser) *IOTransport {
	return &IOTransport{rwc: rwc}
}

func (t *IOTransport) Connect(context.Context) (Connection, error) {
	return newIOConn(t.rwc), nil
}

// A StdioTransport is a [Transport] that communicates over stdin/stdout using
// newline-delimited JSON.
type StdioTransport struct{}

func (*StdioTransport) Connect(context.Context) (Connection, error) {
	return newIOConn(rwc{os.Stdin, os.Stdout}), nil
}

// A CommandTransport is a [Transport] that runs a command and communicates
// with it over stdin/stdout using newline-delimited JSON.
type CommandTransport struct {
	cmd *exec.Cmd
}

func NewCommandTransport(cmd *exec.Cmd) *CommandTransport {
	return &CommandTransport{cmd: cmd}
}

// Connect starts the command and connects to it over its standard pipes.
// Closing the resulting connection waits for the command to exit.
func (t *CommandTransport) Connect(ctx context.Context) (Connection, error) {
	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := t.cmd.Start(); err != nil {
		return nil, err
	}
	conn := newIOConn(rwc{stdout, stdin})
	conn.onClose = t.cmd.Wait
	return conn, nil
}

// An InMemoryTransport is a [Transport] that communicates over an in-memory
// channel, for testing and same-process wiring.
type InMemoryTransport struct {
	in, out chan jsonrpc.Message
	id      string

	closeOnce sync.Once
	done      chan struct{}
}

// NewInMemoryTransports returns two InMemoryTransports that connect to each
// other.
func NewInMemoryTransports() (*InMemoryTransport, *InMemoryTransport) {
	a := make(chan jsonrpc.Message, 16)
	b := make(chan jsonrpc.Message, 16)
	done := make(chan struct{})
	id := randText()
	t1 := &InMemoryTransport{in: a, out: b, id: id, done: done}
	t2 := &InMemoryTransport{in: b, out: a, id: id, done: done}
	return t1, t2
}

func (t *InMemoryTransport) Connect(context.Context) (Connection, error) {
	return t, nil
}

func (t *InMemoryTransport) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, io.EOF
	case msg := <-t.in:
		return msg, nil
	}
}

func (t *InMemoryTransport) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return io.EOF
	case t.out <- msg:
		return nil
	}
}

func (t *InMemoryTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *InMemoryTransport) SessionID() string { return t.id }

// A LoggingTransport wraps a delegate [Transport] and writes both sides of
// the conversation to w.
type LoggingTransport struct {
	Transport Transport
	Writer    io.Writer
}

func (t *LoggingTransport) Connect(ctx context.Context) (Connection, error) {
	delegate, err := t.Transport.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConn{delegate: delegate, w: t.Writer}, nil
}

type loggingConn struct {
	delegate Connection

	mu sync.Mutex // serializes writes to w
	w  io.Writer
}

func (c *loggingConn) log(dir string, msg jsonrpc.Message, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		fmt.Fprintf(c.w, "%s error: %v\n", dir, err)
		return
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		fmt.Fprintf(c.w, "%s: encoding failed: %v\n", dir, err)
		return
	}
	fmt.Fprintf(c.w, "%s: %s\n", dir, data)
}

func (c *loggingConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err != io.EOF {
		c.log("read", msg, err)
	}
	return msg, err
}

func (c *loggingConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	err := c.delegate.Write(ctx, msg)
	c.log("write", msg, err)
	return err
}

func (c *loggingConn) Close() error      { return c.delegate.Close() }
func (c *loggingConn) SessionID() string { return c.delegate.SessionID() }

// An ioConn delimits messages with newlines across a bidirectional byte
// stream.
//
// See https://github.com/ndjson/ndjson-spec.
type ioConn struct {
	rwc io.ReadWriteCloser
	in  *json.Decoder

	writeMu sync.Mutex

	// onClose, when set, runs after the stream closes.
	onClose func() error
}

func newIOConn(rwc io.ReadWriteCloser) *ioConn {
	return &ioConn{
		rwc: rwc,
		in:  json.NewDecoder(rwc),
	}
}

func (c *ioConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var raw json.RawMessage
	if err := c.in.Decode(&raw); err != nil {
		return nil, err
	}
	return jsonrpc2.DecodeMessage(raw)
}

func (c *ioConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	data = append(data, '\n') // newline delimited
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.rwc.Write(data)
	return err
}

func (c *ioConn) Close() error {
	err := c.rwc.Close()
	if c.onClose != nil {
		if werr := c.onClose(); err == nil {
			err = werr
		}
	}
	return err
}

func (c *ioConn) SessionID() string { return "" }

// A rwc binds an io.Reader and io.Writer together into an
// io.ReadWriteCloser, closing whichever halves support closing.
type rwc struct {
	r io.Reader
	w io.Writer
}

func (s rwc) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s rwc) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s rwc) Close() error {
	var err error
	if c, ok := s.r.(io.Closer); ok {
		err = c.Close()
	}
	if c, ok := s.w.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
