// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"log/slog"
)

// LoggingHandlerOptions configure [NewLoggingHandler].
type LoggingHandlerOptions struct {
	// LoggerName, if set, populates the "logger" field of the notifications.
	LoggerName string
}

// NewLoggingHandler returns a [slog.Handler] that sends each record to the
// session as a notifications/message notification, so tool handlers can log
// through the standard library and have the client see it.
//
// The session's logging level (set via logging/setLevel) filters delivery, so
// the handler claims to be enabled for every level.
func NewLoggingHandler(ss *ServerSession, opts *LoggingHandlerOptions) slog.Handler {
	h := &loggingHandler{session: ss}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

type loggingHandler struct {
	session *ServerSession
	opts    LoggingHandlerOptions
	// attrs and groups accumulate WithAttrs/WithGroup state.
	attrs  []slog.Attr
	groups []string
}

func (h *loggingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *loggingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append(h2.attrs[:len(h2.attrs):len(h2.attrs)], attrs...)
	return &h2
}

func (h *loggingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(h2.groups[:len(h2.groups):len(h2.groups)], name)
	return &h2
}

func (h *loggingHandler) Handle(ctx context.Context, r slog.Record) error {
	data := map[string]any{"msg": r.Message}
	fields := data
	for _, g := range h.groups {
		sub := map[string]any{}
		fields[g] = sub
		fields = sub
	}
	for _, a := range h.attrs {
		addAttr(fields, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(fields, a)
		return true
	})
	return h.session.Log(ctx, &LoggingMessageParams{
		Level:  slogLevel(r.Level),
		Logger: h.opts.LoggerName,
		Data:   data,
	})
}

func addAttr(fields map[string]any, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		sub := map[string]any{}
		for _, ga := range v.Group() {
			addAttr(sub, ga)
		}
		if a.Key != "" {
			fields[a.Key] = sub
		} else {
			// An inline group flattens into its parent.
			for k, val := range sub {
				fields[k] = val
			}
		}
		return
	}
	fields[a.Key] = v.Any()
}

// slogLevel maps slog levels onto the protocol's syslog severities.
func slogLevel(l slog.Level) LoggingLevel {
	switch {
	case l < slog.LevelInfo:
		return "debug"
	case l < slog.LevelWarn:
		return "info"
	case l < slog.LevelError:
		return "warning"
	default:
		return "error"
	}
}
