// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/mcpwire/mcpwire/internal/jsonrpc2"
)

// A Client is an MCP client, which may be connected to an MCP server using
// [Client.Connect].
type Client struct {
	impl *Implementation
	opts ClientOptions

	mu               sync.Mutex
	roots            *featureSet[*Root]
	sessions         []*ClientSession
	sendingHandler   MethodHandler
	receivingHandler MethodHandler
}

// ClientOptions configure a Client.
type ClientOptions struct {
	// CreateMessageHandler serves sampling/createMessage requests from the
	// server. Setting it advertises the sampling capability.
	CreateMessageHandler func(context.Context, *CreateMessageRequest) (*CreateMessageResult, error)

	// ElicitationHandler serves elicitation/create requests from the server.
	// Setting it advertises the elicitation capability.
	ElicitationHandler func(context.Context, *ElicitRequest) (*ElicitResult, error)

	// Handlers for server notifications.
	ToolListChangedHandler        func(context.Context, *ToolListChangedRequest)
	PromptListChangedHandler      func(context.Context, *PromptListChangedRequest)
	ResourceListChangedHandler    func(context.Context, *ResourceListChangedRequest)
	ResourceUpdatedHandler        func(context.Context, *ResourceUpdatedRequest)
	LoggingMessageHandler         func(context.Context, *LoggingMessageRequest)
	ProgressNotificationHandler   func(context.Context, *ProgressNotificationClientRequest)
	TaskStatusNotificationHandler func(context.Context, *TaskStatusNotificationRequest)

	// KeepAlive, when positive, pings the server at this interval and closes
	// the session when pings fail.
	KeepAlive time.Duration

	// RequestTimeout bounds outgoing calls. Zero means DefaultRequestTimeout;
	// negative means no timeout.
	RequestTimeout time.Duration

	// MaxRequestTimeout, when positive, caps the total lifetime of an
	// outgoing call even when progress resets the per-call timer.
	MaxRequestTimeout time.Duration

	// ResetTimeoutOnProgress restarts the request timer whenever a progress
	// notification arrives for an outstanding call.
	ResetTimeoutOnProgress bool
}

// NewClient creates a new [Client].
//
// The first argument must not be nil.
func NewClient(impl *Implementation, opts *ClientOptions) *Client {
	if impl == nil {
		panic("nil Implementation")
	}
	c := &Client{
		impl:             impl,
		roots:            newFeatureSet(func(r *Root) string { return r.URI }),
		sendingHandler:   defaultSendingMethodHandler,
		receivingHandler: defaultReceivingMethodHandler,
	}
	if opts != nil {
		c.opts = *opts
	}
	return c
}

// AddSendingMiddleware wraps the current sending method handler using the
// provided middleware, with the first middleware outermost.
func (c *Client) AddSendingMiddleware(middleware ...Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addMiddleware(&c.sendingHandler, middleware)
}

// AddReceivingMiddleware wraps the current receiving method handler using the
// provided middleware, with the first middleware outermost.
func (c *Client) AddReceivingMiddleware(middleware ...Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addMiddleware(&c.receivingHandler, middleware)
}

// AddRoots adds the given roots to the client, replacing any with the same
// URIs, and notifies connected servers.
func (c *Client) AddRoots(roots ...*Root) {
	c.changeAndNotify(func() { c.roots.add(roots...) })
}

// RemoveRoots removes the roots with the given URIs and notifies connected
// servers. It is not an error to name a root that does not exist.
func (c *Client) RemoveRoots(uris ...string) {
	c.changeAndNotify(func() {
		for _, uri := range uris {
			c.roots.remove(uri)
		}
	})
}

func (c *Client) changeAndNotify(change func()) {
	c.mu.Lock()
	change()
	sessions := slices.Clone(c.sessions)
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, cs := range sessions {
		req := &ClientRequest[Params]{Session: cs, Params: &RootsListChangedParams{}}
		// Ignore errors; servers that have gone away no longer care.
		_ = handleNotify(ctx, notificationRootsListChanged, req)
	}
}

// capabilities computes the capabilities the client declares, based on its
// options.
func (c *Client) capabilities() *ClientCapabilities {
	caps := &ClientCapabilities{
		Roots: &RootCapabilities{ListChanged: true},
	}
	if c.opts.CreateMessageHandler != nil {
		caps.Sampling = &SamplingCapabilities{}
	}
	if c.opts.ElicitationHandler != nil {
		caps.Elicitation = &ElicitationCapabilities{}
	}
	return caps
}

// Method implementations, receiving side.

func (c *Client) ping(ctx context.Context, req *ClientRequest[*PingParams]) (*emptyResult, error) {
	return &emptyResult{}, nil
}

func (c *Client) createMessage(ctx context.Context, req *CreateMessageRequest) (*CreateMessageResult, error) {
	if c.opts.CreateMessageHandler == nil {
		// A well-behaved server checks the sampling capability first.
		return nil, jsonrpc2.ErrMethodNotFound
	}
	return c.opts.CreateMessageHandler(ctx, req)
}

func (c *Client) elicit(ctx context.Context, req *ElicitRequest) (*ElicitResult, error) {
	if c.opts.ElicitationHandler == nil {
		return nil, jsonrpc2.ErrMethodNotFound
	}
	res, err := c.opts.ElicitationHandler(ctx, req)
	if err != nil {
		return nil, err
	}
	switch res.Action {
	case "accept", "decline", "cancel":
	default:
		return nil, fmt.Errorf("elicitation handler returned invalid action %q", res.Action)
	}
	return res, nil
}

func (c *Client) listRoots(ctx context.Context, req *ListRootsRequest) (*ListRootsResult, error) {
	c.mu.Lock()
	roots := c.roots.all()
	c.mu.Unlock()
	return &ListRootsResult{Roots: roots}, nil
}

func notificationHandler[P Params](f func(*Client) func(context.Context, *ClientRequest[P])) func(*Client, context.Context, *ClientRequest[P]) error {
	return func(c *Client, ctx context.Context, req *ClientRequest[P]) error {
		if h := f(c); h != nil {
			h(ctx, req)
		}
		return nil
	}
}

var clientReceivingMethodInfos = map[string]methodInfo{
	methodPing:          clientMethod((*Client).ping),
	methodCreateMessage: clientMethod((*Client).createMessage),
	methodElicit:        clientMethod((*Client).elicit),
	methodListRoots:     clientMethod((*Client).listRoots),

	notificationMessage: clientNotification(notificationHandler(func(c *Client) func(context.Context, *LoggingMessageRequest) {
		return c.opts.LoggingMessageHandler
	})),
	notificationProgress: clientNotification(notificationHandler(func(c *Client) func(context.Context, *ProgressNotificationClientRequest) {
		return c.opts.ProgressNotificationHandler
	})),
	notificationToolListChanged: clientNotification(notificationHandler(func(c *Client) func(context.Context, *ToolListChangedRequest) {
		return c.opts.ToolListChangedHandler
	})),
	notificationPromptListChanged: clientNotification(notificationHandler(func(c *Client) func(context.Context, *PromptListChangedRequest) {
		return c.opts.PromptListChangedHandler
	})),
	notificationResourceListChanged: clientNotification(notificationHandler(func(c *Client) func(context.Context, *ResourceListChangedRequest) {
		return c.opts.ResourceListChangedHandler
	})),
	notificationResourceUpdated: clientNotification(notificationHandler(func(c *Client) func(context.Context, *ResourceUpdatedRequest) {
		return c.opts.ResourceUpdatedHandler
	})),
	notificationTaskStatus: clientNotification(notificationHandler(func(c *Client) func(context.Context, *TaskStatusNotificationRequest) {
		return c.opts.TaskStatusNotificationHandler
	})),
}

var clientSendingMethodInfos = map[string]methodInfo{
	methodInitialize:            sendOnly[*InitializeResult](),
	methodPing:                  sendOnly[*emptyResult](),
	methodComplete:              sendOnly[*CompleteResult](),
	methodSetLevel:              sendOnly[*emptyResult](),
	methodListTools:             sendOnly[*ListToolsResult](),
	methodCallTool:              sendOnly[*CallToolResult](),
	methodListPrompts:           sendOnly[*ListPromptsResult](),
	methodGetPrompt:             sendOnly[*GetPromptResult](),
	methodListResources:         sendOnly[*ListResourcesResult](),
	methodListResourceTemplates: sendOnly[*ListResourceTemplatesResult](),
	methodReadResource:          sendOnly[*ReadResourceResult](),
	methodSubscribe:             sendOnly[*emptyResult](),
	methodUnsubscribe:           sendOnly[*emptyResult](),
	methodGetTask:               sendOnly[*GetTaskResult](),
	methodTaskResult:            sendOnly[*CallToolResult](),
	methodCancelTask:            sendOnly[*CancelTaskResult](),
	methodListTasks:             sendOnly[*ListTasksResult](),

	notificationInitialized:      {},
	notificationCancelled:        {},
	notificationProgress:         {},
	notificationRootsListChanged: {},
}

// clientNotification adapts a notification handler to a methodInfo.
func clientNotification[P Params](f func(*Client, context.Context, *ClientRequest[P]) error) methodInfo {
	return methodInfo{
		unmarshalParams: unmarshalFor[P](),
		newRequest: func(s Session, p Params) Request {
			r := &ClientRequest[P]{Session: s.(*ClientSession)}
			if p != nil {
				r.Params = p.(P)
			}
			return r
		},
		handleMethod: func(ctx context.Context, _ string, req Request) (Result, error) {
			creq := req.(*ClientRequest[P])
			return nil, f(creq.Session.client, ctx, creq)
		},
	}
}

// Connect begins an MCP session by connecting over the given transport and
// initializing it: it sends initialize, waits for the response, and then
// sends notifications/initialized.
//
// Typically, it is the responsibility of the client to close the connection
// when it is no longer needed. However, if the connection is closed by the
// server, calls or notifications will return an error wrapping
// [ErrConnectionClosed].
func (c *Client) Connect(ctx context.Context, t Transport) (*ClientSession, error) {
	transport, err := t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	cs := &ClientSession{client: c}
	conn := newConn(transport, connOptions{
		requestTimeout:         c.opts.RequestTimeout,
		maxTimeout:             c.opts.MaxRequestTimeout,
		resetTimeoutOnProgress: c.opts.ResetTimeoutOnProgress,
	})
	conn.handler = cs.handle
	conn.onClose = func() { c.disconnect(cs) }
	cs.conn = conn

	c.mu.Lock()
	c.sessions = append(c.sessions, cs)
	c.mu.Unlock()

	go conn.readLoop(context.WithoutCancel(ctx))

	params := &InitializeParams{
		ProtocolVersion: latestProtocolVersion,
		Capabilities:    c.capabilities(),
		ClientInfo:      c.impl,
	}
	res, err := handleSend[*InitializeResult](ctx, methodInitialize, &ClientRequest[*InitializeParams]{Session: cs, Params: params})
	if err != nil {
		cs.Close()
		return nil, err
	}
	if !slices.Contains(supportedProtocolVersions, res.ProtocolVersion) {
		cs.Close()
		return nil, fmt.Errorf("server offered unsupported protocol version %q", res.ProtocolVersion)
	}
	cs.mu.Lock()
	cs.initializeResult = res
	cs.mu.Unlock()
	// HTTP transports send the negotiated version as a header on subsequent
	// requests.
	if pvc, ok := transport.(interface{ setProtocolVersion(string) }); ok {
		pvc.setProtocolVersion(res.ProtocolVersion)
	}
	if err := handleNotify(ctx, notificationInitialized, &ClientRequest[*InitializedParams]{Session: cs, Params: &InitializedParams{}}); err != nil {
		cs.Close()
		return nil, err
	}
	if c.opts.KeepAlive > 0 {
		cs.startKeepalive(c.opts.KeepAlive)
	}
	return cs, nil
}

func (c *Client) disconnect(cs *ClientSession) {
	c.mu.Lock()
	c.sessions = slices.DeleteFunc(c.sessions, func(c2 *ClientSession) bool { return c2 == cs })
	c.mu.Unlock()
}

// A ClientSession is a logical connection with an MCP server. Its methods can
// be used to send requests or notifications to the server.
type ClientSession struct {
	client *Client
	conn   *conn

	mu               sync.Mutex
	initializeResult *InitializeResult
	keepaliveStop    chan struct{}
}

// ID returns the session's transport-assigned identifier, or "".
func (cs *ClientSession) ID() string { return cs.conn.sessionID() }

func (cs *ClientSession) sendingMethodInfos() map[string]methodInfo   { return clientSendingMethodInfos }
func (cs *ClientSession) receivingMethodInfos() map[string]methodInfo { return clientReceivingMethodInfos }
func (cs *ClientSession) getConn() *conn                              { return cs.conn }

func (cs *ClientSession) sendingMethodHandler() MethodHandler {
	cs.client.mu.Lock()
	defer cs.client.mu.Unlock()
	return cs.client.sendingHandler
}

func (cs *ClientSession) receivingMethodHandler() MethodHandler {
	cs.client.mu.Lock()
	defer cs.client.mu.Unlock()
	return cs.client.receivingHandler
}

func (cs *ClientSession) handle(ctx context.Context, req *jsonrpc2.Request) (Result, error) {
	return handleReceive(ctx, cs, req)
}

// InitializeResult returns the result of the session's initialize call.
func (cs *ClientSession) InitializeResult() *InitializeResult {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.initializeResult
}

// Close performs a graceful close of the connection.
func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	if cs.keepaliveStop != nil {
		close(cs.keepaliveStop)
		cs.keepaliveStop = nil
	}
	cs.mu.Unlock()
	return cs.conn.close()
}

// Wait waits for the connection to be closed by the server.
func (cs *ClientSession) Wait() error {
	return cs.conn.Wait()
}

func (cs *ClientSession) startKeepalive(interval time.Duration) {
	cs.mu.Lock()
	if cs.keepaliveStop != nil {
		cs.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	cs.keepaliveStop = stop
	cs.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-cs.conn.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				err := cs.Ping(ctx, nil)
				cancel()
				if err != nil {
					cs.Close()
					return
				}
			}
		}
	}()
}

func newClientRequest[P Params](cs *ClientSession, params P) *ClientRequest[P] {
	return &ClientRequest[P]{Session: cs, Params: params}
}

// Ping pings the server.
func (cs *ClientSession) Ping(ctx context.Context, params *PingParams) error {
	_, err := handleSend[*emptyResult](ctx, methodPing, newClientRequest(cs, orZero[*PingParams](params)))
	return err
}

// ListTools lists one page of the server's tools.
func (cs *ClientSession) ListTools(ctx context.Context, params *ListToolsParams) (*ListToolsResult, error) {
	return handleSend[*ListToolsResult](ctx, methodListTools, newClientRequest(cs, orZero[*ListToolsParams](params)))
}

// CallTool calls the named tool. For task-augmented calls, use
// [ClientSession.CallToolTask].
func (cs *ClientSession) CallTool(ctx context.Context, params *CallToolParams) (*CallToolResult, error) {
	if params.Task != nil {
		return nil, errors.New("use CallToolTask for task-augmented calls")
	}
	return handleSend[*CallToolResult](ctx, methodCallTool, newClientRequest(cs, params))
}

// CallToolTask calls the named tool with task augmentation. The returned
// result references the created task; retrieve its outcome with
// [ClientSession.TaskResult] or poll it with [ClientSession.AwaitTask].
func (cs *ClientSession) CallToolTask(ctx context.Context, params *CallToolParams) (*CreateTaskResult, error) {
	if params.Task == nil {
		p := *params
		p.Task = &TaskParams{}
		params = &p
	}
	return handleSend[*CreateTaskResult](ctx, methodCallTool, newClientRequest(cs, params))
}

// ListPrompts lists one page of the server's prompts.
func (cs *ClientSession) ListPrompts(ctx context.Context, params *ListPromptsParams) (*ListPromptsResult, error) {
	return handleSend[*ListPromptsResult](ctx, methodListPrompts, newClientRequest(cs, orZero[*ListPromptsParams](params)))
}

// GetPrompt expands the named prompt.
func (cs *ClientSession) GetPrompt(ctx context.Context, params *GetPromptParams) (*GetPromptResult, error) {
	return handleSend[*GetPromptResult](ctx, methodGetPrompt, newClientRequest(cs, params))
}

// ListResources lists one page of the server's resources.
func (cs *ClientSession) ListResources(ctx context.Context, params *ListResourcesParams) (*ListResourcesResult, error) {
	return handleSend[*ListResourcesResult](ctx, methodListResources, newClientRequest(cs, orZero[*ListResourcesParams](params)))
}

// ListResourceTemplates lists one page of the server's resource templates.
func (cs *ClientSession) ListResourceTemplates(ctx context.Context, params *ListResourceTemplatesParams) (*ListResourceTemplatesResult, error) {
	return handleSend[*ListResourceTemplatesResult](ctx, methodListResourceTemplates, newClientRequest(cs, orZero[*ListResourceTemplatesParams](params)))
}

// ReadResource reads the resource with the given URI.
func (cs *ClientSession) ReadResource(ctx context.Context, params *ReadResourceParams) (*ReadResourceResult, error) {
	return handleSend[*ReadResourceResult](ctx, methodReadResource, newClientRequest(cs, params))
}

// Subscribe subscribes to change notifications for a resource.
func (cs *ClientSession) Subscribe(ctx context.Context, params *SubscribeParams) error {
	_, err := handleSend[*emptyResult](ctx, methodSubscribe, newClientRequest(cs, params))
	return err
}

// Unsubscribe removes a resource subscription.
func (cs *ClientSession) Unsubscribe(ctx context.Context, params *UnsubscribeParams) error {
	_, err := handleSend[*emptyResult](ctx, methodUnsubscribe, newClientRequest(cs, params))
	return err
}

// Complete requests argument completions from the server.
func (cs *ClientSession) Complete(ctx context.Context, params *CompleteParams) (*CompleteResult, error) {
	return handleSend[*CompleteResult](ctx, methodComplete, newClientRequest(cs, params))
}

// SetLoggingLevel sets the session's minimum logging level.
func (cs *ClientSession) SetLoggingLevel(ctx context.Context, params *SetLoggingLevelParams) error {
	_, err := handleSend[*emptyResult](ctx, methodSetLevel, newClientRequest(cs, params))
	return err
}

// NotifyProgress sends a progress notification for an ongoing request.
func (cs *ClientSession) NotifyProgress(ctx context.Context, params *ProgressNotificationParams) error {
	return handleNotify(ctx, notificationProgress, newClientRequest(cs, params))
}

// GetTask returns a task's current status.
func (cs *ClientSession) GetTask(ctx context.Context, params *GetTaskParams) (*GetTaskResult, error) {
	return handleSend[*GetTaskResult](ctx, methodGetTask, newClientRequest(cs, params))
}

// TaskResult retrieves a task's result, blocking until the task reaches a
// terminal status. While the task awaits input, the server delivers its
// queued requests (elicitation, sampling) over this call's stream.
func (cs *ClientSession) TaskResult(ctx context.Context, params *TaskResultParams) (*CallToolResult, error) {
	return handleSend[*CallToolResult](ctx, methodTaskResult, newClientRequest(cs, params))
}

// CancelTask requests cancellation of a task.
func (cs *ClientSession) CancelTask(ctx context.Context, params *CancelTaskParams) (*CancelTaskResult, error) {
	return handleSend[*CancelTaskResult](ctx, methodCancelTask, newClientRequest(cs, params))
}

// ListTasks lists one page of the session's tasks.
func (cs *ClientSession) ListTasks(ctx context.Context, params *ListTasksParams) (*ListTasksResult, error) {
	return handleSend[*ListTasksResult](ctx, methodListTasks, newClientRequest(cs, orZero[*ListTasksParams](params)))
}

// AwaitTask polls tasks/get at the server's suggested interval until the
// task reaches a terminal status, then retrieves its result. It does not
// serve input_required: use [ClientSession.TaskResult] directly when the
// task may need elicitation or sampling.
func (cs *ClientSession) AwaitTask(ctx context.Context, taskID string) (*CallToolResult, error) {
	interval := time.Second
	for {
		t, err := cs.GetTask(ctx, &GetTaskParams{TaskID: taskID})
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return cs.TaskResult(ctx, &TaskResultParams{TaskID: taskID})
		}
		if t.PollInterval > 0 {
			interval = time.Duration(t.PollInterval) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Paginating iterators.

// Tools iterates over all the server's tools, fetching pages as needed.
func (cs *ClientSession) Tools(ctx context.Context, params *ListToolsParams) iter.Seq2[*Tool, error] {
	if params == nil {
		params = &ListToolsParams{}
	}
	return paginate(ctx, params, cs.ListTools,
		func(res *ListToolsResult) []*Tool { return res.Tools })
}

// Prompts iterates over all the server's prompts, fetching pages as needed.
func (cs *ClientSession) Prompts(ctx context.Context, params *ListPromptsParams) iter.Seq2[*Prompt, error] {
	if params == nil {
		params = &ListPromptsParams{}
	}
	return paginate(ctx, params, cs.ListPrompts,
		func(res *ListPromptsResult) []*Prompt { return res.Prompts })
}

// Resources iterates over all the server's resources, fetching pages as
// needed.
func (cs *ClientSession) Resources(ctx context.Context, params *ListResourcesParams) iter.Seq2[*Resource, error] {
	if params == nil {
		params = &ListResourcesParams{}
	}
	return paginate(ctx, params, cs.ListResources,
		func(res *ListResourcesResult) []*Resource { return res.Resources })
}

// ResourceTemplates iterates over all the server's resource templates,
// fetching pages as needed.
func (cs *ClientSession) ResourceTemplates(ctx context.Context, params *ListResourceTemplatesParams) iter.Seq2[*ResourceTemplate, error] {
	if params == nil {
		params = &ListResourceTemplatesParams{}
	}
	return paginate(ctx, params, cs.ListResourceTemplates,
		func(res *ListResourceTemplatesResult) []*ResourceTemplate { return res.ResourceTemplates })
}

// paginate fetches pages from listFunc until the result's next cursor is
// empty, yielding individual items.
func paginate[P listParams, R listResult[T], T any](ctx context.Context, params P, listFunc func(context.Context, P) (R, error), items func(R) []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			res, err := listFunc(ctx, params)
			if err != nil {
				var z T
				yield(z, err)
				return
			}
			for _, t := range items(res) {
				if !yield(t, nil) {
					return
				}
			}
			next := *res.nextCursorPtr()
			if next == "" {
				return
			}
			*params.cursorPtr() = next
		}
	}
}
