// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc2

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestMakeID(t *testing.T) {
	for _, tt := range []struct {
		v       any
		want    ID
		wantErr bool
	}{
		{nil, ID{}, false},
		{"abc", StringID("abc"), false},
		{int(7), Int64ID(7), false},
		{int64(7), Int64ID(7), false},
		{float64(7), Int64ID(7), false}, // JSON numbers decode as float64
		{float64(7.5), ID{}, true},
		{true, ID{}, true},
		{[]string{"x"}, ID{}, true},
	} {
		got, err := MakeID(tt.v)
		if (err != nil) != tt.wantErr {
			t.Errorf("MakeID(%v): err = %v, wantErr = %t", tt.v, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("MakeID(%v) = %v, want %v", tt.v, got, tt.want)
		}
		if tt.wantErr && !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("MakeID(%v): err = %v, want ErrInvalidRequest", tt.v, err)
		}
	}
}

func TestDecodeMessage(t *testing.T) {
	for _, tt := range []struct {
		name string
		data string
		want Message
	}{
		{
			"call",
			`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			&Request{ID: Int64ID(1), Method: "ping"},
		},
		{
			"string id call",
			`{"jsonrpc":"2.0","id":"a","method":"ping","params":{"x":1}}`,
			&Request{ID: StringID("a"), Method: "ping", Params: []byte(`{"x":1}`)},
		},
		{
			"notification",
			`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			&Request{Method: "notifications/initialized"},
		},
		{
			"result",
			`{"jsonrpc":"2.0","id":2,"result":{"ok":true}}`,
			&Response{ID: Int64ID(2), Result: []byte(`{"ok":true}`)},
		},
		{
			"error",
			`{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"method not found"}}`,
			&Response{ID: Int64ID(3), Error: NewError(CodeMethodNotFound, "method not found")},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tt.data))
			if err != nil {
				t.Fatal(err)
			}
			diff := cmp.Diff(tt.want, got,
				cmp.AllowUnexported(ID{}),
				cmpopts.IgnoreFields(Request{}, "Extra"),
				cmp.Comparer(func(a, b error) bool {
					return (a == nil) == (b == nil) && (a == nil || a.Error() == b.Error())
				}))
			if diff != "" {
				t.Errorf("DecodeMessage mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	for _, tt := range []struct {
		name string
		data string
		want error
	}{
		{"garbage", `{`, ErrParse},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"m"}`, ErrInvalidRequest},
		{"no method no id", `{"jsonrpc":"2.0"}`, ErrInvalidRequest},
		// Field names are case-sensitive; "Method" must not alias "method".
		{"case smuggled method", `{"jsonrpc":"2.0","Method":"m"}`, ErrInvalidRequest},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("DecodeMessage(%s): err = %v, want %v", tt.data, err, tt.want)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	msgs := []Message{
		&Request{ID: Int64ID(42), Method: "tools/call", Params: []byte(`{"name":"t"}`)},
		&Request{Method: "notifications/progress", Params: []byte(`{"progress":1}`)},
		&Response{ID: StringID("x"), Result: []byte(`{}`)},
		&Response{ID: Int64ID(1), Error: NewError(CodeInvalidParams, "bad")},
	}
	for _, msg := range msgs {
		data, err := EncodeMessage(msg)
		if err != nil {
			t.Fatal(err)
		}
		got, err := DecodeMessage(data)
		if err != nil {
			t.Fatalf("decoding %s: %v", data, err)
		}
		data2, err := EncodeMessage(got)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != string(data2) {
			t.Errorf("round trip changed encoding:\n  first:  %s\n  second: %s", data, data2)
		}
	}
}

func TestNumericIDStaysNumeric(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`))
	if err != nil {
		t.Fatal(err)
	}
	req := msg.(*Request)
	if got := req.ID.Raw(); got != int64(7) {
		t.Fatalf("id raw = %v (%T), want int64 7", got, got)
	}
	data, err := EncodeMessage(&Response{ID: req.ID, Result: []byte(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	want := `"id":7`
	if !strings.Contains(string(data), want) {
		t.Errorf("encoded response %s does not contain %s", data, want)
	}
}

func TestWireErrorIs(t *testing.T) {
	err := fmt.Errorf("calling: %w", Errorf(CodeInvalidParams, "missing field"))
	if !errors.Is(err, ErrInvalidParams) {
		t.Errorf("errors.Is(%v, ErrInvalidParams) = false, want true", err)
	}
	if errors.Is(err, ErrMethodNotFound) {
		t.Errorf("errors.Is(%v, ErrMethodNotFound) = true, want false", err)
	}
}
