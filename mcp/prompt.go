// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import "context"

// A PromptHandler expands a prompt. It is called when a client calls
// prompts/get with the prompt's name.
type PromptHandler func(context.Context, *GetPromptRequest) (*GetPromptResult, error)

// A serverPrompt is a prompt bound to its handler.
type serverPrompt struct {
	prompt  *Prompt
	handler PromptHandler
}
