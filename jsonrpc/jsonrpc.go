// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc exposes part of the wire-level JSON-RPC 2.0 layer, for use
// by custom transports and middleware.
package jsonrpc

import (
	"github.com/mcpwire/mcpwire/internal/jsonrpc2"
)

// ID is a JSON-RPC request id: a string or an integer.
type ID = jsonrpc2.ID

// MakeID coerces v (nil, string, or integer) into an ID.
func MakeID(v any) (ID, error) { return jsonrpc2.MakeID(v) }

// StringID returns an ID holding the string s.
func StringID(s string) ID { return jsonrpc2.StringID(s) }

// Int64ID returns an ID holding the integer i.
func Int64ID(i int64) ID { return jsonrpc2.Int64ID(i) }

// Message is a JSON-RPC message: either a *Request or a *Response.
type Message = jsonrpc2.Message

// Request is a JSON-RPC request or, when its ID is zero, a notification.
type Request = jsonrpc2.Request

// Response is a JSON-RPC response.
type Response = jsonrpc2.Response

// Error is the JSON-RPC error object, which doubles as a Go error.
type Error = jsonrpc2.WireError

// NewError returns an *Error with the given code and message.
func NewError(code int64, message string) *Error { return jsonrpc2.NewError(code, message) }

// Error codes. The -32700..-32600 range is fixed by JSON-RPC 2.0; the
// -32000.. range carries protocol-level conditions.
const (
	CodeParseError             = jsonrpc2.CodeParseError
	CodeInvalidRequest         = jsonrpc2.CodeInvalidRequest
	CodeMethodNotFound         = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams          = jsonrpc2.CodeInvalidParams
	CodeInternalError          = jsonrpc2.CodeInternalError
	CodeConnectionClosed       = jsonrpc2.CodeConnectionClosed
	CodeRequestTimeout         = jsonrpc2.CodeRequestTimeout
	CodeResourceNotFound       = jsonrpc2.CodeResourceNotFound
	CodeURLElicitationRequired = jsonrpc2.CodeURLElicitationRequired
)

// EncodeMessage serializes msg to its wire form.
func EncodeMessage(msg Message) ([]byte, error) { return jsonrpc2.EncodeMessage(msg) }

// DecodeMessage parses a single JSON-RPC envelope.
func DecodeMessage(data []byte) (Message, error) { return jsonrpc2.DecodeMessage(data) }
