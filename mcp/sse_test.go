// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEventRoundTrip(t *testing.T) {
	events := []event{
		{name: "message", id: "1_0", data: []byte(`{"jsonrpc":"2.0","method":"x"}`)},
		{name: "message", id: "1_1", data: []byte("line one\nline two")},
		{data: []byte("data only")},
	}
	var buf bytes.Buffer
	for _, evt := range events {
		if _, err := writeEvent(&buf, evt); err != nil {
			t.Fatal(err)
		}
	}

	var got []event
	for evt, err := range scanEvents(&buf) {
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, evt)
	}
	if diff := cmp.Diff(events, got, cmp.AllowUnexported(event{})); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteEventRetryOnly(t *testing.T) {
	var buf bytes.Buffer
	if _, err := writeEvent(&buf, event{retry: 3000}); err != nil {
		t.Fatal(err)
	}
	want := "retry: 3000\n\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
	// The client side must surface the retry field and no data.
	for evt, err := range scanEvents(strings.NewReader(buf.String())) {
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if evt.retry != 3000 || evt.data != nil {
			t.Errorf("scanned %+v, want retry-only event", evt)
		}
	}
}

func TestScanEventsComments(t *testing.T) {
	in := ": keepalive\nid: 0_0\ndata: hello\n\n: another comment\n\n"
	var got []event
	for evt, err := range scanEvents(strings.NewReader(in)) {
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, evt)
	}
	if len(got) != 1 || got[0].id != "0_0" || string(got[0].data) != "hello" {
		t.Errorf("got %+v, want one event id=0_0 data=hello", got)
	}
}

func TestScanEventsNoTrailingBlank(t *testing.T) {
	in := "data: tail"
	var got []event
	for evt, err := range scanEvents(strings.NewReader(in)) {
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, evt)
	}
	if len(got) != 1 || string(got[0].data) != "tail" {
		t.Errorf("got %+v, want one event with data %q", got, "tail")
	}
}
