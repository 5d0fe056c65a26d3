// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc2

import (
	"encoding/json"
	"errors"
	"fmt"

	internaljson "github.com/mcpwire/mcpwire/internal/json"
)

// ID is a JSON-RPC request identifier.
//
// Per the JSON-RPC 2.0 spec an id is a string or a number. The zero ID is
// invalid, and marks notifications. Numeric ids survive a decode/encode
// round-trip as numbers.
type ID struct {
	value any // nil | string | int64
}

// MakeID coerces v into an ID. v must be nil, a string, or a (signed or
// unsigned) integer type; float64 values without a fractional part are
// accepted because encoding/json decodes JSON numbers as float64.
func MakeID(v any) (ID, error) {
	switch v := v.(type) {
	case nil:
		return ID{}, nil
	case string:
		return StringID(v), nil
	case int:
		return Int64ID(int64(v)), nil
	case int32:
		return Int64ID(int64(v)), nil
	case int64:
		return Int64ID(v), nil
	case float64:
		if v != float64(int64(v)) {
			return ID{}, fmt.Errorf("%w: non-integral numeric id %v", ErrInvalidRequest, v)
		}
		return Int64ID(int64(v)), nil
	}
	return ID{}, fmt.Errorf("%w: invalid id type %T", ErrInvalidRequest, v)
}

// StringID returns an ID holding the string s.
func StringID(s string) ID { return ID{value: s} }

// Int64ID returns an ID holding the integer i.
func Int64ID(i int64) ID { return ID{value: i} }

// IsValid reports whether the ID is set. Requests have valid ids;
// notifications do not.
func (id ID) IsValid() bool { return id.value != nil }

// Raw returns the underlying value of the ID: nil, a string, or an int64.
func (id ID) Raw() any { return id.value }

func (id ID) String() string {
	switch v := id.value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case int64:
		return fmt.Sprintf("#%d", v)
	}
	return "<nil>"
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.value == nil {
		return nil, errors.New("marshaling invalid id")
	}
	return json.Marshal(id.value)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	got, err := MakeID(v)
	if err != nil {
		return err
	}
	*id = got
	return nil
}

// A Message is a JSON-RPC envelope: either a *Request or a *Response.
type Message interface {
	marshal(*combined)
}

// A Request is a message sent to a peer to invoke behavior. Requests with a
// valid ID expect a Response; requests with a zero ID are notifications.
type Request struct {
	// ID of this request, used to correlate the response. Zero for
	// notifications.
	ID ID
	// Method being invoked.
	Method string
	// Params carries the method's argument object, if any.
	Params json.RawMessage

	// Extra carries transport-attached data (such as auth information) that
	// does not appear on the wire.
	Extra any
}

// IsCall reports whether the request expects a response.
func (r *Request) IsCall() bool { return r.ID.IsValid() }

func (r *Request) marshal(out *combined) {
	out.ID = &r.ID
	out.Method = r.Method
	out.Params = r.Params
}

// NewCall builds a request message with the supplied id, method and params.
func NewCall(id ID, method string, params any) (*Request, error) {
	p, err := marshalToRaw(params)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Method: method, Params: p}, nil
}

// NewNotification builds a request message without an id.
func NewNotification(method string, params any) (*Request, error) {
	p, err := marshalToRaw(params)
	if err != nil {
		return nil, err
	}
	return &Request{Method: method, Params: p}, nil
}

// A Response reports the outcome of a Request. Exactly one of Result or Error
// is set.
type Response struct {
	// ID of the request this responds to.
	ID ID
	// Result is the content of the response, if it succeeded.
	Result json.RawMessage
	// Error is the error of the response, if it failed.
	Error error
}

// NewResponse builds a response for the request id from the result value or
// error.
func NewResponse(id ID, result any, rerr error) (*Response, error) {
	r, err := marshalToRaw(result)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Result: r, Error: rerr}, nil
}

func (r *Response) marshal(out *combined) {
	out.ID = &r.ID
	out.Error = toWireError(r.Error)
	out.Result = r.Result
}

func toWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	if err, ok := err.(*WireError); ok {
		return err
	}
	result := &WireError{Message: err.Error()}
	var wrapped *WireError
	if errors.As(err, &wrapped) {
		result.Code = wrapped.Code
	}
	return result
}

// EncodeMessage serializes msg to its wire form.
func EncodeMessage(msg Message) ([]byte, error) {
	out := combined{VersionTag: version}
	msg.marshal(&out)
	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("marshaling jsonrpc message: %w", err)
	}
	return data, nil
}

// EncodeIndent is EncodeMessage with indentation, for logs and tests.
func EncodeIndent(msg Message, indent string) ([]byte, error) {
	out := combined{VersionTag: version}
	msg.marshal(&out)
	data, err := json.MarshalIndent(&out, "", indent)
	if err != nil {
		return nil, fmt.Errorf("marshaling jsonrpc message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a single JSON-RPC envelope, classifying it as a
// request, notification or response.
func DecodeMessage(data []byte) (Message, error) {
	msg := combined{}
	if err := internaljson.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling jsonrpc message: %v", ErrParse, err)
	}
	if msg.VersionTag != version {
		return nil, fmt.Errorf("%w: invalid message version tag %q", ErrInvalidRequest, msg.VersionTag)
	}
	id := ID{}
	if msg.ID != nil {
		id = *msg.ID
	}
	if msg.Method != "" {
		// A method indicates a request or notification.
		return &Request{Method: msg.Method, ID: id, Params: msg.Params}, nil
	}
	if !id.IsValid() {
		return nil, fmt.Errorf("%w: message has no method and no id", ErrInvalidRequest)
	}
	resp := &Response{ID: id, Result: msg.Result}
	if msg.Error != nil {
		resp.Error = msg.Error
	}
	return resp, nil
}

func marshalToRaw(obj any) (json.RawMessage, error) {
	if obj == nil {
		return nil, nil
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
