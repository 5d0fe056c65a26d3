// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"errors"
	"net/http"
)

// DefaultMaxBodyBytes is the default limit, in bytes, for HTTP request bodies
// accepted by the streamable HTTP handler. It guards against oversized
// requests exhausting server memory.
const DefaultMaxBodyBytes int64 = 1_000_000

// effectiveMaxBodyBytes interprets the configured MaxBodyBytes: zero means
// the default, negative means no limit.
func effectiveMaxBodyBytes(maxBodyBytes int64) int64 {
	switch {
	case maxBodyBytes == 0:
		return DefaultMaxBodyBytes
	case maxBodyBytes < 0:
		return 0
	default:
		return maxBodyBytes
	}
}

func isMaxBytesError(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func writeRequestBodyTooLarge(w http.ResponseWriter) {
	// http.MaxBytesReader already arranges to close the connection; asking
	// for closure in the response makes that visible to proxies.
	w.Header().Set("Connection", "close")
	http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
}
