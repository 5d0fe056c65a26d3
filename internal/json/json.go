// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package json wraps the segmentio JSON codec with the decoding rules the
// wire protocol requires.
package json

import (
	segjson "github.com/segmentio/encoding/json"
)

// Unmarshal decodes data into v, matching struct fields case-sensitively.
//
// JSON-RPC 2.0 field names are case-sensitive; the standard library's
// case-insensitive fallback would let a peer smuggle values through
// case-variant keys (for example "Method" for "method").
func Unmarshal(data []byte, v any) error {
	_, err := segjson.Parse(data, v, segjson.DontMatchCaseInsensitiveStructFields)
	return err
}

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	return segjson.Marshal(v)
}
