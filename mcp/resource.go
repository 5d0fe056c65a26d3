// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"fmt"

	"github.com/yosida95/uritemplate/v3"

	"github.com/mcpwire/mcpwire/jsonrpc"
)

// A ResourceHandler reads a resource. It is called when a client calls
// resources/read with the resource's URI, or with a URI matching its
// template. If it cannot find the resource, it should return the result of
// calling [ResourceNotFoundError].
type ResourceHandler func(context.Context, *ReadResourceRequest) (*ReadResourceResult, error)

// ResourceNotFoundError returns the protocol error for a resource that could
// not be found.
func ResourceNotFoundError(uri string) error {
	return &jsonrpc.Error{
		Code:    jsonrpc.CodeResourceNotFound,
		Message: "Resource not found",
		Data:    marshalErrData(map[string]any{"uri": uri}),
	}
}

// A serverResource is a resource bound to its handler.
type serverResource struct {
	resource *Resource
	handler  ResourceHandler
}

// A serverResourceTemplate is a resource template bound to its handler, with
// the template compiled for matching (RFC 6570).
type serverResourceTemplate struct {
	template *ResourceTemplate
	handler  ResourceHandler
	compiled *uritemplate.Template
}

func newServerResourceTemplate(t *ResourceTemplate, h ResourceHandler) (*serverResourceTemplate, error) {
	compiled, err := uritemplate.New(t.URITemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid URI template: %w", err)
	}
	return &serverResourceTemplate{template: t, handler: h, compiled: compiled}, nil
}

// matches reports whether the template matches the URI.
func (rt *serverResourceTemplate) matches(uri string) bool {
	return rt.compiled.Regexp().MatchString(uri)
}
