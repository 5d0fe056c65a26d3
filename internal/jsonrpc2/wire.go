// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc2

import (
	"encoding/json"
	"fmt"
)

// version is the tag carried by every JSON-RPC 2.0 envelope.
const version = "2.0"

// Error codes defined by JSON-RPC 2.0 and by the MCP wire protocol.
const (
	// CodeParseError means invalid JSON was received by the peer.
	CodeParseError = -32700
	// CodeInvalidRequest means the JSON sent is not a valid request object.
	CodeInvalidRequest = -32600
	// CodeMethodNotFound means the method does not exist or is unavailable.
	CodeMethodNotFound = -32601
	// CodeInvalidParams means the method parameters are invalid.
	CodeInvalidParams = -32602
	// CodeInternalError indicates a failure while processing a request.
	CodeInternalError = -32603

	// CodeConnectionClosed materializes locally when the transport closes
	// while a call is pending.
	CodeConnectionClosed = -32000
	// CodeRequestTimeout materializes locally when a call's timer expires.
	CodeRequestTimeout = -32001
	// CodeResourceNotFound is returned by resources/read for unknown URIs.
	CodeResourceNotFound = -32002
	// CodeURLElicitationRequired signals that out-of-band user interaction at
	// a URL is needed before the request can succeed. It is propagated
	// unwrapped so callers see it as an error response.
	CodeURLElicitationRequired = -32003
)

// Predefined wire errors, for use with errors.Is and %w.
var (
	ErrParse          = NewError(CodeParseError, "parse error")
	ErrInvalidRequest = NewError(CodeInvalidRequest, "invalid request")
	ErrMethodNotFound = NewError(CodeMethodNotFound, "method not found")
	ErrInvalidParams  = NewError(CodeInvalidParams, "invalid params")
	ErrInternal       = NewError(CodeInternalError, "internal error")
	ErrConnectionClosed = NewError(CodeConnectionClosed, "connection closed")
	ErrRequestTimeout   = NewError(CodeRequestTimeout, "request timeout")
)

// WireError is the JSON-RPC error object, and doubles as the Go error for
// failed calls.
type WireError struct {
	// Code is an error code indicating the error type.
	Code int64 `json:"code"`
	// Message is a short description of the error.
	Message string `json:"message"`
	// Data is optional structured detail about the error.
	Data json.RawMessage `json:"data,omitempty"`
}

// NewError returns a *WireError with the given code and message.
func NewError(code int64, message string) *WireError {
	return &WireError{Code: code, Message: message}
}

func (e *WireError) Error() string { return e.Message }

// Is reports code equality, so that errors.Is(err, ErrInvalidParams) matches
// any wire error carrying that code.
func (e *WireError) Is(other error) bool {
	w, ok := other.(*WireError)
	if !ok {
		return false
	}
	return e.Code == w.Code
}

// combined is the union of all the fields a JSON-RPC envelope may carry. It
// is the single wire representation: requests have Method set, responses
// have Result or Error set.
type combined struct {
	VersionTag string          `json:"jsonrpc"`
	ID         *ID             `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *WireError      `json:"error,omitempty"`
}

// Errorf builds a wire error from a format string. If the format arguments
// wrap a *WireError, its code is preserved.
func Errorf(code int64, format string, args ...any) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...)}
}
