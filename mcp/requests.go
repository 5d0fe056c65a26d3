// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

// Named request types, for convenience in handler signatures.

// Requests arriving at a server.
type (
	InitializeRequest                 = ServerRequest[*InitializeParams]
	InitializedRequest                = ServerRequest[*InitializedParams]
	CompleteRequest                   = ServerRequest[*CompleteParams]
	SetLoggingLevelRequest            = ServerRequest[*SetLoggingLevelParams]
	ListToolsRequest                  = ServerRequest[*ListToolsParams]
	CallToolRequest                   = ServerRequest[*CallToolParamsRaw]
	ListPromptsRequest                = ServerRequest[*ListPromptsParams]
	GetPromptRequest                  = ServerRequest[*GetPromptParams]
	ListResourcesRequest              = ServerRequest[*ListResourcesParams]
	ListResourceTemplatesRequest      = ServerRequest[*ListResourceTemplatesParams]
	ReadResourceRequest               = ServerRequest[*ReadResourceParams]
	SubscribeRequest                  = ServerRequest[*SubscribeParams]
	UnsubscribeRequest                = ServerRequest[*UnsubscribeParams]
	GetTaskRequest                    = ServerRequest[*GetTaskParams]
	TaskResultRequest                 = ServerRequest[*TaskResultParams]
	CancelTaskRequest                 = ServerRequest[*CancelTaskParams]
	ListTasksRequest                  = ServerRequest[*ListTasksParams]
	ProgressNotificationServerRequest = ServerRequest[*ProgressNotificationParams]
	RootsListChangedRequest           = ServerRequest[*RootsListChangedParams]
)

// Requests arriving at a client.
type (
	CreateMessageRequest              = ClientRequest[*CreateMessageParams]
	ElicitRequest                     = ClientRequest[*ElicitParams]
	ListRootsRequest                  = ClientRequest[*ListRootsParams]
	LoggingMessageRequest             = ClientRequest[*LoggingMessageParams]
	ProgressNotificationClientRequest = ClientRequest[*ProgressNotificationParams]
	ToolListChangedRequest            = ClientRequest[*ToolListChangedParams]
	PromptListChangedRequest          = ClientRequest[*PromptListChangedParams]
	ResourceListChangedRequest        = ClientRequest[*ResourceListChangedParams]
	ResourceUpdatedRequest            = ClientRequest[*ResourceUpdatedNotificationParams]
	TaskStatusNotificationRequest     = ClientRequest[*TaskStatusNotificationParams]
)
