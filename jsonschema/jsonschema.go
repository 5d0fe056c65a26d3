// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonschema re-exports the parts of
// [github.com/google/jsonschema-go/jsonschema] used for tool schemas, so that
// callers need not depend on that module directly.
package jsonschema

import (
	"reflect"

	"github.com/google/jsonschema-go/jsonschema"
)

func Ptr[T any](x T) *T {
	return jsonschema.Ptr(x)
}

type ForOptions = jsonschema.ForOptions

type Resolved = jsonschema.Resolved

type ResolveOptions = jsonschema.ResolveOptions

type Schema = jsonschema.Schema

// For constructs a JSON schema object for the type T, deriving object
// properties from exported struct fields.
func For[T any](opts *ForOptions) (*Schema, error) {
	return jsonschema.For[T](opts)
}

// ForType is like [For], taking the type as a reflect.Type.
func ForType(t reflect.Type, opts *ForOptions) (*Schema, error) {
	return jsonschema.ForType(t, opts)
}
