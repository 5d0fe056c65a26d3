// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import "context"

// Progress sends a progress notification tied to this request, using the
// progress token the caller supplied in the request's _meta. If the caller
// did not ask for progress, it does nothing.
//
// Receivers of progress notifications may use them to reset their request
// timeout, so long-running handlers should report progress periodically.
func (r *ServerRequest[P]) Progress(ctx context.Context, params *ProgressNotificationParams) error {
	token := getProgressToken(r.Params)
	if token == nil {
		return nil
	}
	p := *params
	p.ProgressToken = token
	return r.Session.NotifyProgress(ctx, &p)
}
