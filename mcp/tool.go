// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	internaljson "github.com/mcpwire/mcpwire/internal/json"
	"github.com/mcpwire/mcpwire/internal/jsonrpc2"
)

// A ToolHandler handles a call to tools/call.
//
// This is a low-level API, for use with [Server.AddTool]. It does not do any
// pre- or post-processing of the request or result: the params contain raw
// arguments, no input validation is performed, and the result is returned to
// the client as-is.
//
// Most users will write a [ToolHandlerFor] and install it with the generic
// [AddTool] function.
//
// If a ToolHandler returns an error, it is treated as a protocol error. By
// contrast, [ToolHandlerFor] reports handler errors through
// [CallToolResult.IsError], so the model can see them.
type ToolHandler func(context.Context, *CallToolRequest) (*CallToolResult, error)

// A ToolHandlerFor handles a call to tools/call with typed arguments and
// results:
//   - The In type provides the default input schema for the tool, which may
//     be overridden in [AddTool].
//   - Arguments are unmarshaled from req.Params.Arguments and validated
//     against the input schema before the handler runs; defaults from the
//     schema are applied first.
//   - If Out is not the empty interface [any], it provides the default output
//     schema, and the output value populates
//     [CallToolResult.StructuredContent].
//   - A returned error is treated as a tool error rather than a protocol
//     error: it is packed into the result content with IsError set.
//
// It is permissible to return a nil CallToolResult when only the output value
// or error matters; the effective result is populated as described above.
type ToolHandlerFor[In, Out any] func(_ context.Context, request *CallToolRequest, input In) (result *CallToolResult, output Out, _ error)

// A serverTool is a tool definition bound to its handler, with its schemas
// resolved for validation.
type serverTool struct {
	tool           *Tool
	handler        ToolHandler
	inputResolved  *jsonschema.Resolved
	outputResolved *jsonschema.Resolved
}

func newServerTool(t *Tool, h ToolHandler) (*serverTool, error) {
	st := &serverTool{tool: t, handler: h}
	var err error
	if t.InputSchema != nil {
		if st.inputResolved, err = resolveCached(t.InputSchema); err != nil {
			return nil, fmt.Errorf("input schema: %w", err)
		}
	}
	if t.OutputSchema != nil {
		if st.outputResolved, err = resolveCached(t.OutputSchema); err != nil {
			return nil, fmt.Errorf("output schema: %w", err)
		}
	}
	return st, nil
}

// AddTool adds a tool and typed handler to the server.
//
// If the tool's input schema is nil, it is inferred from the In type. If the
// tool's output schema is nil and Out is not the empty interface, the output
// schema is inferred from the Out type.
func AddTool[In, Out any](s *Server, t *Tool, h ToolHandlerFor[In, Out]) {
	st, err := newServerToolFor(t, h)
	if err != nil {
		panic(fmt.Errorf("adding tool %q: %w", t.Name, err))
	}
	s.changeAndNotify(notificationToolListChanged, func() { s.tools.add(st) })
}

func newServerToolFor[In, Out any](t *Tool, h ToolHandlerFor[In, Out]) (*serverTool, error) {
	tt := *t
	if tt.InputSchema == nil {
		schema, err := inferSchemaCached(reflect.TypeFor[In]())
		if err != nil {
			return nil, err
		}
		tt.InputSchema = schema
	}
	if tt.OutputSchema == nil && reflect.TypeFor[Out]() != reflect.TypeFor[any]() {
		schema, err := inferSchemaCached(reflect.TypeFor[Out]())
		if err != nil {
			return nil, err
		}
		tt.OutputSchema = schema
	}
	st, err := newServerTool(&tt, nil)
	if err != nil {
		return nil, err
	}
	st.handler = func(ctx context.Context, req *CallToolRequest) (*CallToolResult, error) {
		args, err := applySchema(req.Params.Arguments, st.inputResolved)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err)
		}
		var in In
		if len(args) > 0 {
			if err := internaljson.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("%w: unmarshaling arguments: %v", jsonrpc2.ErrInvalidParams, err)
			}
		}
		res, out, err := h(ctx, req, in)
		if err != nil {
			// A tool error, not a protocol error.
			return &CallToolResult{
				Content: []Content{&TextContent{Text: err.Error()}},
				IsError: true,
			}, nil
		}
		if res == nil {
			res = &CallToolResult{}
		}
		if st.tool.OutputSchema != nil {
			data, err := json.Marshal(out)
			if err != nil {
				return nil, fmt.Errorf("marshaling output: %w", err)
			}
			if _, err := applySchema(data, st.outputResolved); err != nil {
				return nil, fmt.Errorf("invalid output: %w", err)
			}
			if res.StructuredContent == nil {
				res.StructuredContent = out
			}
			if res.Content == nil {
				res.Content = []Content{&TextContent{Text: string(data)}}
			}
		}
		if res.Content == nil {
			res.Content = []Content{}
		}
		return res, nil
	}
	return st, nil
}

// applySchema validates data against the resolved schema after applying the
// schema's defaults, and returns the JSON augmented with those defaults.
func applySchema(data json.RawMessage, resolved *jsonschema.Resolved) (json.RawMessage, error) {
	if resolved == nil {
		return data, nil
	}
	v := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("unmarshaling arguments: %w", err)
		}
	}
	if err := resolved.ApplyDefaults(&v); err != nil {
		return nil, fmt.Errorf("applying schema defaults: %w", err)
	}
	if err := resolved.Validate(&v); err != nil {
		return nil, err
	}
	// Re-marshal so the handler sees the defaults.
	result, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling with defaults: %w", err)
	}
	return result, nil
}

// Schema inference and resolution are cached globally. The cache matters for
// stateless HTTP deployments, where the server and its tools are rebuilt on
// every request: without it, each request would repeat reflection-based
// schema generation and resolution.
var schemaCache struct {
	// byType caches schemas inferred from Go types.
	byType sync.Map // reflect.Type -> *inferredSchema
	// bySchema caches resolution by schema pointer identity, which is stable
	// when callers reuse Tool values across requests.
	bySchema sync.Map // *jsonschema.Schema -> *jsonschema.Resolved
}

type inferredSchema struct {
	schema *jsonschema.Schema
	err    error
}

func inferSchemaCached(t reflect.Type) (*jsonschema.Schema, error) {
	if v, ok := schemaCache.byType.Load(t); ok {
		is := v.(*inferredSchema)
		return is.schema, is.err
	}
	schema, err := jsonschema.ForType(t, &jsonschema.ForOptions{})
	v, _ := schemaCache.byType.LoadOrStore(t, &inferredSchema{schema, err})
	is := v.(*inferredSchema)
	return is.schema, is.err
}

func resolveCached(schema *jsonschema.Schema) (*jsonschema.Resolved, error) {
	if v, ok := schemaCache.bySchema.Load(schema); ok {
		return v.(*jsonschema.Resolved), nil
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, err
	}
	v, _ := schemaCache.bySchema.LoadOrStore(schema, resolved)
	return v.(*jsonschema.Resolved), nil
}
