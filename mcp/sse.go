// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the server-sent events wire format used by the
// streamable HTTP transport.
//
// See https://html.spec.whatwg.org/multipage/server-sent-events.html.

package mcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
)

// An event is a single server-sent event.
type event struct {
	name string // the "event" field
	id   string // the "id" field
	// retry, when positive, is the "retry" field: the client's suggested
	// reconnection delay in milliseconds.
	retry int64
	data  []byte // the "data" field
}

// writeEvent writes the event to w in SSE encoding, and flushes if w is a
// flusher.
func writeEvent(w io.Writer, evt event) (int, error) {
	var b bytes.Buffer
	if evt.name != "" {
		fmt.Fprintf(&b, "event: %s\n", evt.name)
	}
	if evt.id != "" {
		fmt.Fprintf(&b, "id: %s\n", evt.id)
	}
	if evt.retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", evt.retry)
	}
	// Split data on newlines, since the data field may not contain any. A nil
	// data field is omitted entirely, for retry-only events.
	if evt.data != nil {
		for line := range strings.SplitSeq(string(evt.data), "\n") {
			fmt.Fprintf(&b, "data: %s\n", line)
		}
	}
	b.WriteByte('\n')
	n, err := w.Write(b.Bytes())
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
	return n, err
}

// flusher matches http.Flusher without importing net/http here.
type flusher interface{ Flush() }

// scanEvents iterates the events in an SSE stream, stopping at the first
// malformed line. The final error is io.EOF when the stream ended cleanly.
func scanEvents(r io.Reader) iter.Seq2[event, error] {
	return func(yield func(event, error) bool) {
		scanner := bufio.NewScanner(r)
		const maxTokenSize = 1 << 20 // 1 MiB line limit
		scanner.Buffer(nil, maxTokenSize)

		var (
			evt      event
			haveData bool
		)
		flush := func() bool {
			if !haveData && evt.name == "" && evt.id == "" {
				return true // ignore empty events
			}
			ok := yield(evt, nil)
			evt = event{}
			haveData = false
			return ok
		}
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if !flush() {
					return
				}
				continue
			}
			if strings.HasPrefix(line, ":") {
				continue // comment
			}
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				evt.name = value
			case "id":
				evt.id = value
			case "retry":
				if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
					evt.retry = ms
				}
			case "data":
				if haveData {
					evt.data = append(evt.data, '\n')
				}
				evt.data = append(evt.data, value...)
				haveData = true
			default:
				// Unknown fields are ignored, per the SSE spec.
			}
		}
		if err := scanner.Err(); err != nil {
			yield(event{}, fmt.Errorf("scanning events: %w", err))
			return
		}
		// A final event without a trailing blank line.
		if haveData || evt.name != "" || evt.id != "" {
			if !yield(evt, nil) {
				return
			}
		}
		yield(event{}, io.EOF)
	}
}
