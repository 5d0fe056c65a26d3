// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

// Protocol types for version 2025-06-18, plus the tasks extension.

// latestProtocolVersion is the newest protocol version this runtime speaks.
const latestProtocolVersion = "2025-06-18"

// supportedProtocolVersions are the versions the runtime negotiates, newest
// first.
var supportedProtocolVersions = []string{
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// Meta carries the reserved _meta property that clients and servers use to
// attach metadata to requests and results. Extension keys are preserved
// verbatim.
type Meta map[string]any

// progressTokenKey is the reserved _meta key correlating progress
// notifications to the request that carries it.
const progressTokenKey = "progressToken"

// relatedTaskMetaKey is the reserved _meta key linking a result delivered on
// a task result stream back to its task.
const relatedTaskMetaKey = "io.modelcontextprotocol/related-task"

func getProgressToken(p Params) any {
	if m := p.GetMeta(); m != nil {
		return m[progressTokenKey]
	}
	return nil
}

func setProgressToken(p Params, token any) {
	m := p.GetMeta()
	if m == nil {
		m = Meta{}
		p.setMeta(m)
	}
	m[progressTokenKey] = token
}

// Params is a parameter (input) type for a call or notification.
type Params interface {
	GetMeta() Meta
	setMeta(Meta)
	isParams()
}

// rawParams carries pre-marshaled params through the connection, as when
// replaying queued task messages verbatim.
type rawParams json.RawMessage

func (rawParams) GetMeta() Meta { return nil }
func (rawParams) setMeta(Meta)  {}
func (rawParams) isParams()     {}

func (p rawParams) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// Result is the result type of a call.
type Result interface {
	GetMeta() Meta
	setMeta(Meta)
	isResult()
}

// paramsMeta provides the Meta accessors shared by all params and result
// types through embedding.
type paramsMeta struct {
	Meta Meta `json:"_meta,omitempty"`
}

func (m *paramsMeta) GetMeta() Meta  { return m.Meta }
func (m *paramsMeta) setMeta(x Meta) { m.Meta = x }

// An Implementation describes the name and version of an MCP client or
// server.
type Implementation struct {
	Name string `json:"name"`
	// Title is an optional human-readable display name.
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// RootCapabilities describes the client's support for filesystem roots.
type RootCapabilities struct {
	// ListChanged reports whether the client sends notifications when the
	// root list changes.
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapabilities describes the client's support for sampling.
type SamplingCapabilities struct{}

// ElicitationCapabilities describes the client's support for elicitation.
type ElicitationCapabilities struct{}

// ClientCapabilities describes capabilities a client declares during
// initialization.
type ClientCapabilities struct {
	// Experimental holds non-standard capabilities.
	Experimental map[string]any           `json:"experimental,omitempty"`
	Roots        *RootCapabilities        `json:"roots,omitempty"`
	Sampling     *SamplingCapabilities    `json:"sampling,omitempty"`
	Elicitation  *ElicitationCapabilities `json:"elicitation,omitempty"`
}

// PromptCapabilities describes a server's prompt support.
type PromptCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourceCapabilities describes a server's resource support.
type ResourceCapabilities struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolCapabilities describes a server's tool support.
type ToolCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// CompletionCapabilities describes a server's argument-completion support.
type CompletionCapabilities struct{}

// LoggingCapabilities describes a server's logging support.
type LoggingCapabilities struct{}

// TaskCapabilities describes a server's task support: which request types may
// be augmented with a task, and whether tasks can be listed and cancelled.
type TaskCapabilities struct {
	// Requests names the request types that accept task augmentation.
	Requests *TaskRequestCapabilities `json:"requests,omitempty"`
	List     *struct{}                `json:"list,omitempty"`
	Cancel   *struct{}                `json:"cancel,omitempty"`
}

// TaskRequestCapabilities enumerates task-augmentable request types.
type TaskRequestCapabilities struct {
	ToolsCall *struct{} `json:"tools/call,omitempty"`
}

// ServerCapabilities describes capabilities a server declares during
// initialization.
type ServerCapabilities struct {
	Experimental map[string]any          `json:"experimental,omitempty"`
	Completions  *CompletionCapabilities `json:"completions,omitempty"`
	Logging      *LoggingCapabilities    `json:"logging,omitempty"`
	Prompts      *PromptCapabilities     `json:"prompts,omitempty"`
	Resources    *ResourceCapabilities   `json:"resources,omitempty"`
	Tools        *ToolCapabilities       `json:"tools,omitempty"`
	Tasks        *TaskCapabilities       `json:"tasks,omitempty"`
}

// InitializeParams are the parameters of the initialize request.
type InitializeParams struct {
	paramsMeta
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    *ClientCapabilities `json:"capabilities"`
	ClientInfo      *Implementation     `json:"clientInfo"`
}

func (*InitializeParams) isParams() {}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	paramsMeta
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    *ServerCapabilities `json:"capabilities"`
	ServerInfo      *Implementation     `json:"serverInfo"`
	// Instructions optionally describe how to use the server.
	Instructions string `json:"instructions,omitempty"`
}

func (*InitializeResult) isResult() {}

// InitializedParams accompanies the notifications/initialized notification.
type InitializedParams struct {
	paramsMeta
}

func (*InitializedParams) isParams() {}

// PingParams accompanies a ping request.
type PingParams struct {
	paramsMeta
}

func (*PingParams) isParams() {}

// emptyResult is returned by methods with no payload, such as ping.
type emptyResult struct {
	paramsMeta
}

func (*emptyResult) isResult() {}

// CancelledParams accompanies a notifications/cancelled notification.
type CancelledParams struct {
	paramsMeta
	// RequestID identifies the request being cancelled. It is a string or an
	// integer, matching the id of the original request.
	RequestID any `json:"requestId"`
	// Reason optionally explains the cancellation.
	Reason string `json:"reason,omitempty"`
}

func (*CancelledParams) isParams() {}

// ProgressNotificationParams accompanies a notifications/progress
// notification.
type ProgressNotificationParams struct {
	paramsMeta
	// ProgressToken is the token from the originating request's _meta.
	ProgressToken any `json:"progressToken"`
	// Progress is the amount of work done so far. It must increase between
	// notifications for the same token.
	Progress float64 `json:"progress"`
	// Total is the total amount of work, when known.
	Total float64 `json:"total,omitempty"`
	// Message optionally describes the current step.
	Message string `json:"message,omitempty"`
}

func (*ProgressNotificationParams) isParams() {}

// ToolExecution describes how a tool may be executed.
type ToolExecution struct {
	// TaskSupport is one of "forbidden" (default), "optional" or "required",
	// and controls task augmentation of tools/call.
	TaskSupport string `json:"taskSupport,omitempty"`
}

// A Tool is a callable function exposed by a server.
type Tool struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	// InputSchema is a JSON Schema object describing the tool's arguments.
	InputSchema *jsonschema.Schema `json:"inputSchema"`
	// OutputSchema optionally describes the tool's structured output.
	OutputSchema *jsonschema.Schema `json:"outputSchema,omitempty"`
	Annotations  *ToolAnnotations  `json:"annotations,omitempty"`
	Execution    *ToolExecution    `json:"execution,omitempty"`
}

// ToolAnnotations are hints about a tool's behavior. They are advisory only.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// TaskParams is the task augmentation attached to a request's params. Its
// presence indicates the caller accepts a task result.
type TaskParams struct {
	// TTL is the caller-suggested task lifetime in milliseconds. The server
	// may override it; nil means unbounded.
	TTL *int64 `json:"ttl,omitempty"`
}

// CallToolParams is used by clients to call a tool.
type CallToolParams struct {
	paramsMeta
	Name string `json:"name"`
	// Arguments holds the tool arguments as any JSON-marshalable value.
	Arguments any `json:"arguments,omitempty"`
	// Task requests task-augmented execution.
	Task *TaskParams `json:"task,omitempty"`
}

func (*CallToolParams) isParams()                 {}
func (p *CallToolParams) taskParams() *TaskParams { return p.Task }

// SetProgressToken asks the receiver to report progress for this call under
// the given token.
func (p *CallToolParams) SetProgressToken(t any) { setProgressToken(p, t) }

// CallToolParamsRaw is the form passed to tool handlers on the server: the
// arguments are not yet unmarshaled, so handlers can decode them into their
// own types.
type CallToolParamsRaw struct {
	paramsMeta
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Task      *TaskParams     `json:"task,omitempty"`
}

func (*CallToolParamsRaw) isParams()                 {}
func (p *CallToolParamsRaw) taskParams() *TaskParams { return p.Task }

func (p *CallToolParamsRaw) SetProgressToken(t any) { setProgressToken(p, t) }

// CallToolResult is the server's response to a tool call.
type CallToolResult struct {
	paramsMeta
	// Content is the unstructured result of the call.
	Content []Content `json:"content"`
	// StructuredContent optionally carries the structured result. It must
	// marshal to a JSON object.
	StructuredContent any `json:"structuredContent,omitempty"`
	// IsError reports a tool-level failure. Errors raised by the tool itself
	// belong in Content with IsError set, not in a protocol error response,
	// so the model can see the failure and self-correct.
	IsError bool `json:"isError,omitempty"`
}

func (*CallToolResult) isResult() {}

// UnmarshalJSON decodes the content array into the Content interface.
func (x *CallToolResult) UnmarshalJSON(data []byte) error {
	type res CallToolResult // avoid recursion
	var wire struct {
		res
		Content []*wireContent `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var err error
	if wire.res.Content, err = contentsFromWire(wire.Content); err != nil {
		return err
	}
	*x = CallToolResult(wire.res)
	return nil
}

// ListToolsParams is used by clients to list tools.
type ListToolsParams struct {
	paramsMeta
	Cursor string `json:"cursor,omitempty"`
}

func (x *ListToolsParams) isParams()          {}
func (x *ListToolsParams) cursorPtr() *string { return &x.Cursor }

// ListToolsResult is the server's reply to tools/list.
type ListToolsResult struct {
	paramsMeta
	Tools      []*Tool `json:"tools"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

func (x *ListToolsResult) isResult()              {}
func (x *ListToolsResult) nextCursorPtr() *string { return &x.NextCursor }

// ToolListChangedParams accompanies notifications/tools/list_changed.
type ToolListChangedParams struct {
	paramsMeta
}

func (*ToolListChangedParams) isParams() {}

// A Prompt is a parameterized message template exposed by a server.
type Prompt struct {
	Name        string            `json:"name"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Arguments   []*PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one argument a prompt accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one message of an expanded prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// UnmarshalJSON decodes the content into the Content interface.
func (m *PromptMessage) UnmarshalJSON(data []byte) error {
	var wire struct {
		Role    Role         `json:"role"`
		Content *wireContent `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	c, err := contentFromWire(wire.Content)
	if err != nil {
		return err
	}
	m.Role = wire.Role
	m.Content = c
	return nil
}

// GetPromptParams is used by clients to expand a prompt.
type GetPromptParams struct {
	paramsMeta
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

func (*GetPromptParams) isParams() {}

// GetPromptResult is the server's reply to prompts/get.
type GetPromptResult struct {
	paramsMeta
	Description string           `json:"description,omitempty"`
	Messages    []*PromptMessage `json:"messages"`
}

func (*GetPromptResult) isResult() {}

// ListPromptsParams is used by clients to list prompts.
type ListPromptsParams struct {
	paramsMeta
	Cursor string `json:"cursor,omitempty"`
}

func (x *ListPromptsParams) isParams()          {}
func (x *ListPromptsParams) cursorPtr() *string { return &x.Cursor }

// ListPromptsResult is the server's reply to prompts/list.
type ListPromptsResult struct {
	paramsMeta
	Prompts    []*Prompt `json:"prompts"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

func (x *ListPromptsResult) isResult()              {}
func (x *ListPromptsResult) nextCursorPtr() *string { return &x.NextCursor }

// PromptListChangedParams accompanies notifications/prompts/list_changed.
type PromptListChangedParams struct {
	paramsMeta
}

func (*PromptListChangedParams) isParams() {}

// A Resource is a piece of addressable content exposed by a server.
type Resource struct {
	URI         string       `json:"uri"`
	Name        string       `json:"name"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	MIMEType    string       `json:"mimeType,omitempty"`
	Size        int64        `json:"size,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

// A ResourceTemplate is a parameterized resource, addressed by a URI
// template (RFC 6570).
type ResourceTemplate struct {
	URITemplate string       `json:"uriTemplate"`
	Name        string       `json:"name"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	MIMEType    string       `json:"mimeType,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

// Annotations inform how an object is used or displayed.
type Annotations struct {
	// Audience names the intended consumers of the object.
	Audience []Role `json:"audience,omitempty"`
	// LastModified is an ISO 8601 timestamp.
	LastModified string `json:"lastModified,omitempty"`
	// Priority ranges from 0 (optional) to 1 (effectively required).
	Priority float64 `json:"priority,omitempty"`
}

// ReadResourceParams is used by clients to read a resource.
type ReadResourceParams struct {
	paramsMeta
	URI string `json:"uri"`
}

func (*ReadResourceParams) isParams() {}

// ReadResourceResult is the server's reply to resources/read.
type ReadResourceResult struct {
	paramsMeta
	Contents []*ResourceContents `json:"contents"`
}

func (*ReadResourceResult) isResult() {}

// ListResourcesParams is used by clients to list resources.
type ListResourcesParams struct {
	paramsMeta
	Cursor string `json:"cursor,omitempty"`
}

func (x *ListResourcesParams) isParams()          {}
func (x *ListResourcesParams) cursorPtr() *string { return &x.Cursor }

// ListResourcesResult is the server's reply to resources/list.
type ListResourcesResult struct {
	paramsMeta
	Resources  []*Resource `json:"resources"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

func (x *ListResourcesResult) isResult()              {}
func (x *ListResourcesResult) nextCursorPtr() *string { return &x.NextCursor }

// ListResourceTemplatesParams is used by clients to list resource templates.
type ListResourceTemplatesParams struct {
	paramsMeta
	Cursor string `json:"cursor,omitempty"`
}

func (x *ListResourceTemplatesParams) isParams()          {}
func (x *ListResourceTemplatesParams) cursorPtr() *string { return &x.Cursor }

// ListResourceTemplatesResult is the server's reply to
// resources/templates/list.
type ListResourceTemplatesResult struct {
	paramsMeta
	ResourceTemplates []*ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string              `json:"nextCursor,omitempty"`
}

func (x *ListResourceTemplatesResult) isResult()              {}
func (x *ListResourceTemplatesResult) nextCursorPtr() *string { return &x.NextCursor }

// ResourceListChangedParams accompanies notifications/resources/list_changed.
type ResourceListChangedParams struct {
	paramsMeta
}

func (*ResourceListChangedParams) isParams() {}

// SubscribeParams is used by clients to watch a resource for updates.
type SubscribeParams struct {
	paramsMeta
	URI string `json:"uri"`
}

func (*SubscribeParams) isParams() {}

// UnsubscribeParams reverses a subscription.
type UnsubscribeParams struct {
	paramsMeta
	URI string `json:"uri"`
}

func (*UnsubscribeParams) isParams() {}

// ResourceUpdatedNotificationParams accompanies
// notifications/resources/updated.
type ResourceUpdatedNotificationParams struct {
	paramsMeta
	URI string `json:"uri"`
}

func (*ResourceUpdatedNotificationParams) isParams() {}

// CompleteReference names the prompt or resource template being completed.
// Its Type is "ref/prompt" or "ref/resource".
type CompleteReference struct {
	Type string `json:"type"`
	// Name is set for prompt references.
	Name string `json:"name,omitempty"`
	// URI is set for resource references.
	URI string `json:"uri,omitempty"`
}

// CompleteParamsArgument is the argument being completed.
type CompleteParamsArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CompleteContext carries previously resolved argument values.
type CompleteContext struct {
	Arguments map[string]string `json:"arguments,omitempty"`
}

// CompleteParams is used by clients to request argument completion.
type CompleteParams struct {
	paramsMeta
	Ref      *CompleteReference     `json:"ref"`
	Argument CompleteParamsArgument `json:"argument"`
	Context  *CompleteContext       `json:"context,omitempty"`
}

func (*CompleteParams) isParams() {}

// CompletionResultDetails carries the completion values.
type CompletionResultDetails struct {
	Values  []string `json:"values"`
	Total   int      `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// CompleteResult is the server's reply to completion/complete.
type CompleteResult struct {
	paramsMeta
	Completion CompletionResultDetails `json:"completion"`
}

func (*CompleteResult) isResult() {}

// A LoggingLevel is a syslog severity, "debug" through "emergency".
type LoggingLevel string

// LoggingMessageParams accompanies a notifications/message notification.
type LoggingMessageParams struct {
	paramsMeta
	Level LoggingLevel `json:"level"`
	// Logger optionally names the emitting component.
	Logger string `json:"logger,omitempty"`
	// Data is any JSON-serializable message payload.
	Data any `json:"data"`
}

func (*LoggingMessageParams) isParams() {}

// SetLoggingLevelParams is used by clients to adjust the session's log
// level.
type SetLoggingLevelParams struct {
	paramsMeta
	Level LoggingLevel `json:"level"`
}

func (*SetLoggingLevelParams) isParams() {}

// Role is "user" or "assistant".
type Role string

// SamplingMessage is one message in a sampling conversation.
type SamplingMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// UnmarshalJSON decodes the content into the Content interface.
func (m *SamplingMessage) UnmarshalJSON(data []byte) error {
	var wire struct {
		Role    Role         `json:"role"`
		Content *wireContent `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	c, err := contentFromWire(wire.Content)
	if err != nil {
		return err
	}
	m.Role = wire.Role
	m.Content = c
	return nil
}

// ModelHint names a suggested model.
type ModelHint struct {
	Name string `json:"name,omitempty"`
}

// ModelPreferences guide the client's model selection during sampling.
type ModelPreferences struct {
	Hints                []*ModelHint `json:"hints,omitempty"`
	CostPriority         float64      `json:"costPriority,omitempty"`
	SpeedPriority        float64      `json:"speedPriority,omitempty"`
	IntelligencePriority float64      `json:"intelligencePriority,omitempty"`
}

// CreateMessageParams is sent by servers to request sampling from the
// client's model.
type CreateMessageParams struct {
	paramsMeta
	Messages         []*SamplingMessage `json:"messages"`
	ModelPreferences *ModelPreferences  `json:"modelPreferences,omitempty"`
	SystemPrompt     string             `json:"systemPrompt,omitempty"`
	// IncludeContext is "none", "thisServer" or "allServers".
	IncludeContext string         `json:"includeContext,omitempty"`
	Temperature    float64        `json:"temperature,omitempty"`
	MaxTokens      int64          `json:"maxTokens"`
	StopSequences  []string       `json:"stopSequences,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (*CreateMessageParams) isParams() {}

// CreateMessageResult is the client's reply to sampling/createMessage.
type CreateMessageResult struct {
	paramsMeta
	Role    Role    `json:"role"`
	Content Content `json:"content"`
	Model   string  `json:"model"`
	// StopReason is why generation stopped, e.g. "endTurn" or "maxTokens".
	StopReason string `json:"stopReason,omitempty"`
}

func (*CreateMessageResult) isResult() {}

// UnmarshalJSON decodes the content into the Content interface.
func (r *CreateMessageResult) UnmarshalJSON(data []byte) error {
	type res CreateMessageResult // avoid recursion
	var wire struct {
		res
		Content *wireContent `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	c, err := contentFromWire(wire.Content)
	if err != nil {
		return err
	}
	wire.res.Content = c
	*r = CreateMessageResult(wire.res)
	return nil
}

// ElicitParams is sent by servers to request additional input from the user.
type ElicitParams struct {
	paramsMeta
	// Message is shown to the user to explain the request.
	Message string `json:"message"`
	// RequestedSchema is a restricted JSON Schema object describing the
	// expected input (form mode).
	RequestedSchema *jsonschema.Schema `json:"requestedSchema,omitempty"`
	// Mode is "form" (default) or "url".
	Mode string `json:"mode,omitempty"`
	// URL is the out-of-band interaction URL (url mode).
	URL string `json:"url,omitempty"`
}

func (*ElicitParams) isParams() {}

// ElicitResult is the client's reply to elicitation/create.
type ElicitResult struct {
	paramsMeta
	// Action is "accept", "decline" or "cancel".
	Action string `json:"action"`
	// Content holds the user's input when Action is "accept".
	Content map[string]any `json:"content,omitempty"`
}

func (*ElicitResult) isResult() {}

// A Root is a filesystem root exposed by the client.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ListRootsParams is sent by servers to list the client's roots.
type ListRootsParams struct {
	paramsMeta
}

func (*ListRootsParams) isParams() {}

// ListRootsResult is the client's reply to roots/list.
type ListRootsResult struct {
	paramsMeta
	Roots []*Root `json:"roots"`
}

func (*ListRootsResult) isResult() {}

// RootsListChangedParams accompanies notifications/roots/list_changed.
type RootsListChangedParams struct {
	paramsMeta
}

func (*RootsListChangedParams) isParams() {}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusWorking       TaskStatus = "working"
	TaskStatusInputRequired TaskStatus = "input_required"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusFailed        TaskStatus = "failed"
	TaskStatusCancelled     TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// A Task is a durable server-side computation addressed by its TaskID.
type Task struct {
	TaskID string     `json:"taskId"`
	Status TaskStatus `json:"status"`
	// StatusMessage optionally describes the current state.
	StatusMessage string `json:"statusMessage,omitempty"`
	// CreatedAt is an ISO 8601 timestamp.
	CreatedAt string `json:"createdAt"`
	// LastUpdatedAt is an ISO 8601 timestamp of the last status transition.
	LastUpdatedAt string `json:"lastUpdatedAt,omitempty"`
	// TTL is the task lifetime in milliseconds from creation. A JSON null
	// means unbounded; the field is always present in tasks/get responses.
	TTL *int64 `json:"ttl"`
	// PollInterval is a server-returned hint for how often to poll
	// tasks/get, in milliseconds.
	PollInterval int64 `json:"pollInterval,omitempty"`
}

// CreateTaskResult is returned in place of a request's result when the
// request was task-augmented.
type CreateTaskResult struct {
	paramsMeta
	Task *Task `json:"task"`
}

func (*CreateTaskResult) isResult() {}

// GetTaskParams is used by clients to poll a task.
type GetTaskParams struct {
	paramsMeta
	TaskID string `json:"taskId"`
}

func (*GetTaskParams) isParams() {}

// GetTaskResult is the server's reply to tasks/get.
type GetTaskResult struct {
	paramsMeta
	Task
}

func (*GetTaskResult) isResult() {}

// TaskResultParams is used by clients to retrieve a task's result.
type TaskResultParams struct {
	paramsMeta
	TaskID string `json:"taskId"`
}

func (*TaskResultParams) isParams() {}

// CancelTaskParams is used by clients to cancel a task.
type CancelTaskParams struct {
	paramsMeta
	TaskID string `json:"taskId"`
}

func (*CancelTaskParams) isParams() {}

// CancelTaskResult is the server's reply to tasks/cancel.
type CancelTaskResult struct {
	paramsMeta
	Task
}

func (*CancelTaskResult) isResult() {}

// ListTasksParams is used by clients to enumerate tasks.
type ListTasksParams struct {
	paramsMeta
	Cursor string `json:"cursor,omitempty"`
}

func (x *ListTasksParams) isParams()          {}
func (x *ListTasksParams) cursorPtr() *string { return &x.Cursor }

// ListTasksResult is the server's reply to tasks/list.
type ListTasksResult struct {
	paramsMeta
	Tasks      []*Task `json:"tasks"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

func (x *ListTasksResult) isResult()              {}
func (x *ListTasksResult) nextCursorPtr() *string { return &x.NextCursor }

// TaskStatusNotificationParams accompanies notifications/tasks/status.
type TaskStatusNotificationParams Task

func (*TaskStatusNotificationParams) GetMeta() Meta { return nil }
func (*TaskStatusNotificationParams) setMeta(Meta)  {}
func (*TaskStatusNotificationParams) isParams()     {}
