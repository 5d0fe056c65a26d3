// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcpwire/mcpwire/internal/jsonrpc2"
	"github.com/mcpwire/mcpwire/jsonrpc"
)

// A Server is an MCP server.
//
// Servers expose server-side MCP features, which can serve one or more MCP
// sessions by using [Server.Run] or [Server.Connect].
type Server struct {
	impl   *Implementation
	opts   ServerOptions
	logger *zap.Logger

	mu                sync.Mutex
	tools             *featureSet[*serverTool]
	prompts           *featureSet[*serverPrompt]
	resources         *featureSet[*serverResource]
	resourceTemplates *featureSet[*serverResourceTemplate]
	sessions          []*ServerSession
	sendingHandler    MethodHandler
	receivingHandler  MethodHandler
	tasks             *serverTasks
}

// ServerOptions configure a Server.
type ServerOptions struct {
	// Instructions describe how to use the server, returned from initialize.
	Instructions string

	// PageSize bounds list results. Zero means DefaultPageSize.
	PageSize int

	// KeepAlive, when positive, pings each session at this interval and
	// closes sessions whose pings fail.
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

	// CompletionHandler serves completion/complete. If nil, the completions
	// capability is not advertised and the method is rejected.
	CompletionHandler func(context.Context, *CompleteRequest) (*CompleteResult, error)

	// SubscribeHandler is invoked on resources/subscribe. Subscriptions are
	// only advertised when it is set. Resource update notifications are sent
	// with [Server.ResourceUpdated].
	SubscribeHandler func(context.Context, *SubscribeRequest) error

	// UnsubscribeHandler is invoked on resources/unsubscribe.
	UnsubscribeHandler func(context.Context, *UnsubscribeRequest) error

	// InitializedHandler is invoked when a session completes initialization.
	InitializedHandler func(context.Context, *InitializedRequest)

	// RootsListChangedHandler is invoked when a client reports a change to
	// its roots list.
	RootsListChangedHandler func(context.Context, *RootsListChangedRequest)

	// ProgressNotificationHandler is invoked for progress notifications from
	// the client.
	ProgressNotificationHandler func(context.Context, *ProgressNotificationServerRequest)

	// Logger receives server diagnostics (broadcast failures, keepalive
	// terminations, task cleanup). Nil means no logging.
	Logger *zap.Logger

	// TaskStore persists task records. Nil disables task augmentation unless
	// a registered tool requires it, in which case an in-memory store is
	// used.
	TaskStore TaskStore

	// TaskMessageQueue holds per-task side-channel messages. Nil means an
	// in-memory queue.
	TaskMessageQueue TaskMessageQueue

	// TaskPollInterval is the polling hint returned in task records. Zero
	// means DefaultTaskPollInterval.
	TaskPollInterval time.Duration
}

// DefaultPageSize is the default for [ServerOptions.PageSize].
const DefaultPageSize = 1000

// NewServer creates a new MCP server.
//
// The server can be connected to one or more MCP clients using [Server.Run]
// or [Server.Connect].
//
// The first argument must not be nil.
func NewServer(impl *Implementation, opts *ServerOptions) *Server {
	if impl == nil {
		panic("nil Implementation")
	}
	s := &Server{
		impl:              impl,
		tools:             newFeatureSet(func(t *serverTool) string { return t.tool.Name }),
		prompts:           newFeatureSet(func(p *serverPrompt) string { return p.prompt.Name }),
		resources:         newFeatureSet(func(r *serverResource) string { return r.resource.URI }),
		resourceTemplates: newFeatureSet(func(t *serverResourceTemplate) string { return t.template.URITemplate }),
		sendingHandler:    defaultSendingMethodHandler,
		receivingHandler:  defaultReceivingMethodHandler,
	}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.PageSize < 0 {
		panic(fmt.Errorf("invalid page size %d", s.opts.PageSize))
	}
	if s.opts.PageSize == 0 {
		s.opts.PageSize = DefaultPageSize
	}
	s.logger = s.opts.Logger
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.tasks = newServerTasks(s)
	return s
}

// AddSendingMiddleware wraps the current sending method handler using the
// provided middleware, with the first middleware outermost.
//
// Sending middleware is called when a request is sent from the server to the
// client, and for notifications.
func (s *Server) AddSendingMiddleware(middleware ...Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addMiddleware(&s.sendingHandler, middleware)
}

// AddReceivingMiddleware wraps the current receiving method handler using the
// provided middleware, with the first middleware outermost.
//
// Receiving middleware is called when a request arrives from the client,
// after params are decoded but before the method implementation runs.
func (s *Server) AddReceivingMiddleware(middleware ...Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addMiddleware(&s.receivingHandler, middleware)
}

// AddTool adds a [Tool] to the server, or replaces one with the same name.
// The tool's input schema must be non-nil. For a tool that takes no input,
// use a schema with an empty properties object.
//
// Most users will use the generic top-level [AddTool] function, which
// validates arguments against the schema and populates results.
func (s *Server) AddTool(t *Tool, h ToolHandler) {
	if t.InputSchema == nil {
		// A nil input schema would be accepted by many clients, but it masks
		// bugs in tool definitions.
		panic(fmt.Errorf("adding tool %q: nil input schema", t.Name))
	}
	st, err := newServerTool(t, h)
	if err != nil {
		panic(fmt.Errorf("adding tool %q: %w", t.Name, err))
	}
	s.changeAndNotify(notificationToolListChanged, func() { s.tools.add(st) })
}

// RemoveTools removes the tools with the given names. It is not an error to
// name a tool that does not exist.
func (s *Server) RemoveTools(names ...string) {
	s.changeAndNotify(notificationToolListChanged, func() {
		for _, name := range names {
			s.tools.remove(name)
		}
	})
}

// AddPrompt adds a [Prompt] to the server, or replaces one with the same
// name.
func (s *Server) AddPrompt(p *Prompt, h PromptHandler) {
	s.changeAndNotify(notificationPromptListChanged, func() {
		s.prompts.add(&serverPrompt{prompt: p, handler: h})
	})
}

// RemovePrompts removes the prompts with the given names. It is not an error
// to name a prompt that does not exist.
func (s *Server) RemovePrompts(names ...string) {
	s.changeAndNotify(notificationPromptListChanged, func() {
		for _, name := range names {
			s.prompts.remove(name)
		}
	})
}

// AddResource adds a [Resource] to the server, or replaces one with the same
// URI.
func (s *Server) AddResource(r *Resource, h ResourceHandler) {
	s.changeAndNotify(notificationResourceListChanged, func() {
		s.resources.add(&serverResource{resource: r, handler: h})
	})
}

// RemoveResources removes the resources with the given URIs. It is not an
// error to name a resource that does not exist.
func (s *Server) RemoveResources(uris ...string) {
	s.changeAndNotify(notificationResourceListChanged, func() {
		for _, uri := range uris {
			s.resources.remove(uri)
		}
	})
}

// AddResourceTemplate adds a [ResourceTemplate] to the server, or replaces
// one with the same URI template.
func (s *Server) AddResourceTemplate(t *ResourceTemplate, h ResourceHandler) {
	rt, err := newServerResourceTemplate(t, h)
	if err != nil {
		panic(fmt.Errorf("adding resource template %q: %w", t.URITemplate, err))
	}
	s.changeAndNotify(notificationResourceListChanged, func() { s.resourceTemplates.add(rt) })
}

// RemoveResourceTemplates removes the resource templates with the given URI
// templates. It is not an error to name a template that does not exist.
func (s *Server) RemoveResourceTemplates(uriTemplates ...string) {
	s.changeAndNotify(notificationResourceListChanged, func() {
		for _, t := range uriTemplates {
			s.resourceTemplates.remove(t)
		}
	})
}

// changeAndNotify runs change under the lock and then notifies all sessions.
func (s *Server) changeAndNotify(notification string, change func()) {
	s.mu.Lock()
	change()
	sessions := slices.Clone(s.sessions)
	s.mu.Unlock()
	s.notifySessions(sessions, notification, changedParams(notification))
}

func changedParams(notification string) Params {
	switch notification {
	case notificationToolListChanged:
		return &ToolListChangedParams{}
	case notificationPromptListChanged:
		return &PromptListChangedParams{}
	case notificationResourceListChanged:
		return &ResourceListChangedParams{}
	}
	panic("unknown change notification")
}

// notifySessions notifies each session, logging failures.
func (s *Server) notifySessions(sessions []*ServerSession, method string, params Params) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, ss := range sessions {
		req := &ServerRequest[Params]{Session: ss, Params: params}
		if err := handleNotify(ctx, method, req); err != nil {
			s.logger.Warn("notification failed",
				zap.String("method", method),
				zap.String("sessionID", ss.ID()),
				zap.Error(err))
		}
	}
}

// ResourceUpdated notifies the sessions subscribed to params.URI that the
// resource changed.
func (s *Server) ResourceUpdated(ctx context.Context, params *ResourceUpdatedNotificationParams) error {
	s.mu.Lock()
	var subscribed []*ServerSession
	for _, ss := range s.sessions {
		if ss.subscribedTo(params.URI) {
			subscribed = append(subscribed, ss)
		}
	}
	s.mu.Unlock()
	s.notifySessions(subscribed, notificationResourceUpdated, params)
	return nil
}

// Sessions returns a snapshot of the server's active sessions.
func (s *Server) Sessions() []*ServerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sessions)
}

// capabilities computes the capabilities the server advertises, based on its
// registered features and options.
func (s *Server) capabilities() *ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()

	caps := &ServerCapabilities{
		Logging: &LoggingCapabilities{},
		Tools:   &ToolCapabilities{ListChanged: true},
	}
	if s.opts.CompletionHandler != nil {
		caps.Completions = &CompletionCapabilities{}
	}
	if s.prompts.len() > 0 {
		caps.Prompts = &PromptCapabilities{ListChanged: true}
	}
	if s.resources.len() > 0 || s.resourceTemplates.len() > 0 {
		caps.Resources = &ResourceCapabilities{
			ListChanged: true,
			Subscribe:   s.opts.SubscribeHandler != nil,
		}
	}
	if s.tasksConfigured() {
		caps.Tasks = &TaskCapabilities{
			Requests: &TaskRequestCapabilities{ToolsCall: &struct{}{}},
			List:     &struct{}{},
			Cancel:   &struct{}{},
		}
	}
	return caps
}

// tasksConfigured reports whether task augmentation is available: either a
// store was configured, or a registered tool opted in to task execution.
// The caller must hold s.mu.
func (s *Server) tasksConfigured() bool {
	if s.opts.TaskStore != nil {
		return true
	}
	for _, st := range s.tools.all() {
		if e := st.tool.Execution; e != nil && e.TaskSupport != "" && e.TaskSupport != "forbidden" {
			return true
		}
	}
	return false
}

// Method implementations, receiving side.

func (s *Server) initialize(ctx context.Context, req *InitializeRequest) (*InitializeResult, error) {
	version := latestProtocolVersion
	if p := req.Params; p != nil && slices.Contains(supportedProtocolVersions, p.ProtocolVersion) {
		version = p.ProtocolVersion
	}
	req.Session.updateState(ctx, func(state *SessionState) {
		state.InitializeParams = req.Params
		state.ProtocolVersion = version
	})
	return &InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.capabilities(),
		ServerInfo:      s.impl,
		Instructions:    s.opts.Instructions,
	}, nil
}

func (s *Server) initialized(ctx context.Context, req *InitializedRequest) error {
	req.Session.markInitialized()
	if s.opts.KeepAlive > 0 {
		req.Session.startKeepalive(s.opts.KeepAlive)
	}
	if h := s.opts.InitializedHandler; h != nil {
		h(ctx, req)
	}
	return nil
}

func (s *Server) ping(ctx context.Context, req *ServerRequest[*PingParams]) (*emptyResult, error) {
	return &emptyResult{}, nil
}

func (s *Server) complete(ctx context.Context, req *CompleteRequest) (*CompleteResult, error) {
	if s.opts.CompletionHandler == nil {
		return nil, jsonrpc2.ErrMethodNotFound
	}
	return s.opts.CompletionHandler(ctx, req)
}

func (s *Server) setLevel(ctx context.Context, req *ServerRequest[*SetLoggingLevelParams]) (*emptyResult, error) {
	if !validLoggingLevel(req.Params.Level) {
		return nil, fmt.Errorf("%w: invalid logging level %q", jsonrpc2.ErrInvalidParams, req.Params.Level)
	}
	req.Session.updateState(ctx, func(state *SessionState) {
		state.LogLevel = req.Params.Level
	})
	return &emptyResult{}, nil
}

func (s *Server) listTools(ctx context.Context, req *ListToolsRequest) (*ListToolsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paginateList(&ListToolsResult{Tools: []*Tool{}}, s.opts.PageSize, req.Params, s.tools,
		func(res *ListToolsResult, fts []*serverTool) {
			for _, st := range fts {
				res.Tools = append(res.Tools, st.tool)
			}
		})
}

func (s *Server) listPrompts(ctx context.Context, req *ListPromptsRequest) (*ListPromptsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paginateList(&ListPromptsResult{Prompts: []*Prompt{}}, s.opts.PageSize, req.Params, s.prompts,
		func(res *ListPromptsResult, fts []*serverPrompt) {
			for _, sp := range fts {
				res.Prompts = append(res.Prompts, sp.prompt)
			}
		})
}

func (s *Server) getPrompt(ctx context.Context, req *GetPromptRequest) (*GetPromptResult, error) {
	s.mu.Lock()
	sp, ok := s.prompts.get(req.Params.Name)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown prompt %q", jsonrpc2.ErrInvalidParams, req.Params.Name)
	}
	return sp.handler(ctx, req)
}

func (s *Server) listResources(ctx context.Context, req *ListResourcesRequest) (*ListResourcesResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paginateList(&ListResourcesResult{Resources: []*Resource{}}, s.opts.PageSize, req.Params, s.resources,
		func(res *ListResourcesResult, fts []*serverResource) {
			for _, sr := range fts {
				res.Resources = append(res.Resources, sr.resource)
			}
		})
}

func (s *Server) listResourceTemplates(ctx context.Context, req *ListResourceTemplatesRequest) (*ListResourceTemplatesResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paginateList(&ListResourceTemplatesResult{ResourceTemplates: []*ResourceTemplate{}}, s.opts.PageSize, req.Params, s.resourceTemplates,
		func(res *ListResourceTemplatesResult, fts []*serverResourceTemplate) {
			for _, rt := range fts {
				res.ResourceTemplates = append(res.ResourceTemplates, rt.template)
			}
		})
}

func (s *Server) readResource(ctx context.Context, req *ReadResourceRequest) (*ReadResourceResult, error) {
	uri := req.Params.URI
	s.mu.Lock()
	var handler ResourceHandler
	if sr, ok := s.resources.get(uri); ok {
		handler = sr.handler
	} else {
		// Look for a resource template matching the URI.
		for _, rt := range s.resourceTemplates.all() {
			if rt.matches(uri) {
				handler = rt.handler
				break
			}
		}
	}
	s.mu.Unlock()
	if handler == nil {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeResourceNotFound,
			Message: "Resource not found",
			Data:    marshalErrData(map[string]any{"uri": uri}),
		}
	}
	res, err := handler(ctx, req)
	if err != nil {
		return nil, err
	}
	// Fill in the URI of contents that omit it.
	for _, c := range res.Contents {
		if c.URI == "" {
			c.URI = uri
		}
	}
	return res, nil
}

func (s *Server) subscribe(ctx context.Context, req *SubscribeRequest) (*emptyResult, error) {
	if s.opts.SubscribeHandler == nil {
		return nil, fmt.Errorf("%w: server does not support resource subscriptions", jsonrpc2.ErrMethodNotFound)
	}
	if err := s.opts.SubscribeHandler(ctx, req); err != nil {
		return nil, err
	}
	req.Session.updateState(ctx, func(state *SessionState) {
		if !slices.Contains(state.Subscriptions, req.Params.URI) {
			state.Subscriptions = append(state.Subscriptions, req.Params.URI)
		}
	})
	return &emptyResult{}, nil
}

func (s *Server) unsubscribe(ctx context.Context, req *UnsubscribeRequest) (*emptyResult, error) {
	if s.opts.UnsubscribeHandler == nil {
		return nil, fmt.Errorf("%w: server does not support resource subscriptions", jsonrpc2.ErrMethodNotFound)
	}
	if err := s.opts.UnsubscribeHandler(ctx, req); err != nil {
		return nil, err
	}
	req.Session.updateState(ctx, func(state *SessionState) {
		state.Subscriptions = slices.DeleteFunc(state.Subscriptions, func(uri string) bool {
			return uri == req.Params.URI
		})
	})
	return &emptyResult{}, nil
}

func (s *Server) progressNotification(ctx context.Context, req *ProgressNotificationServerRequest) error {
	if h := s.opts.ProgressNotificationHandler; h != nil {
		h(ctx, req)
	}
	return nil
}

func (s *Server) rootsListChanged(ctx context.Context, req *RootsListChangedRequest) error {
	if h := s.opts.RootsListChangedHandler; h != nil {
		h(ctx, req)
	}
	return nil
}

// ServerSessionOptions configure a single server session.
type ServerSessionOptions struct {
	// SessionStore, if set, persists the session's state whenever it
	// changes, so that another instance can adopt the session.
	SessionStore SessionStore
	// State seeds the session, as when adopting a session that another
	// instance initialized, or when serving a stateless request. A state
	// with InitializeParams set marks the session live immediately.
	State *SessionState
}

// Connect connects the MCP server over the given transport and starts
// handling messages.
//
// It returns a connection object that may be used to terminate the
// connection (with [ServerSession.Close]), or await client termination (with
// [ServerSession.Wait]).
func (s *Server) Connect(ctx context.Context, t Transport, opts *ServerSessionOptions) (*ServerSession, error) {
	transport, err := t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	ss := &ServerSession{server: s}
	if opts != nil {
		ss.store = opts.SessionStore
		if opts.State != nil {
			ss.state = *opts.State
			if opts.State.InitializeParams != nil {
				// The session was initialized elsewhere; it is live
				// immediately.
				ss.initialized = true
			}
		}
	}
	c := newConn(transport, connOptions{
		requestTimeout:         s.opts.RequestTimeout,
		maxTimeout:             s.opts.MaxRequestTimeout,
		resetTimeoutOnProgress: s.opts.ResetTimeoutOnProgress,
	})
	c.handler = ss.handle
	c.onClose = func() { s.disconnect(ss) }
	ss.conn = c

	s.mu.Lock()
	s.sessions = append(s.sessions, ss)
	s.mu.Unlock()

	go c.readLoop(context.WithoutCancel(ctx))

	if ss.initialized && s.opts.KeepAlive > 0 {
		ss.startKeepalive(s.opts.KeepAlive)
	}
	return ss, nil
}

// Run runs the server over the given transport, blocking until the client
// disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context, t Transport) error {
	ss, err := s.Connect(ctx, t, nil)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- ss.Wait() }()
	select {
	case <-ctx.Done():
		ss.Close()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (s *Server) disconnect(ss *ServerSession) {
	s.mu.Lock()
	s.sessions = slices.DeleteFunc(s.sessions, func(s2 *ServerSession) bool { return s2 == ss })
	s.mu.Unlock()
}

// serverReceivingMethodInfos is the dispatch table for methods arriving at a
// server.
var serverReceivingMethodInfos = map[string]methodInfo{
	methodInitialize:            serverMethod((*Server).initialize),
	methodPing:                  serverMethod((*Server).ping),
	methodComplete:              serverMethod((*Server).complete),
	methodSetLevel:              serverMethod((*Server).setLevel),
	methodListTools:             serverMethod((*Server).listTools),
	methodCallTool:              serverMethodAny((*Server).callToolAny),
	methodListPrompts:           serverMethod((*Server).listPrompts),
	methodGetPrompt:             serverMethod((*Server).getPrompt),
	methodListResources:         serverMethod((*Server).listResources),
	methodListResourceTemplates: serverMethod((*Server).listResourceTemplates),
	methodReadResource:          serverMethod((*Server).readResource),
	methodSubscribe:             serverMethod((*Server).subscribe),
	methodUnsubscribe:           serverMethod((*Server).unsubscribe),
	methodGetTask:               serverMethod((*Server).getTask),
	methodTaskResult:            serverMethod((*Server).taskResult),
	methodCancelTask:            serverMethod((*Server).cancelTask),
	methodListTasks:             serverMethod((*Server).listTasks),

	notificationInitialized:      serverNotification((*Server).initialized),
	notificationProgress:         serverNotification((*Server).progressNotification),
	notificationRootsListChanged: serverNotification((*Server).rootsListChanged),
}

// serverSendingMethodInfos is the table of methods a server may send. Entries
// for notifications carry no result factory.
var serverSendingMethodInfos = map[string]methodInfo{
	methodPing:          sendOnly[*emptyResult](),
	methodCreateMessage: sendOnly[*CreateMessageResult](),
	methodElicit:        sendOnly[*ElicitResult](),
	methodListRoots:     sendOnly[*ListRootsResult](),

	notificationCancelled:           {},
	notificationMessage:             {},
	notificationProgress:            {},
	notificationResourceUpdated:     {},
	notificationToolListChanged:     {},
	notificationPromptListChanged:   {},
	notificationResourceListChanged: {},
	notificationTaskStatus:          {},
}

// serverMethodAny is like serverMethod, for handlers whose result type is
// chosen dynamically (tools/call can return a CallToolResult or a
// CreateTaskResult).
func serverMethodAny[P Params](f func(*Server, context.Context, *ServerRequest[P]) (Result, error)) methodInfo {
	return methodInfo{
		unmarshalParams: unmarshalFor[P](),
		newRequest: func(s Session, p Params) Request {
			r := &ServerRequest[P]{Session: s.(*ServerSession)}
			if p != nil {
				r.Params = p.(P)
			}
			return r
		},
		handleMethod: func(ctx context.Context, _ string, req Request) (Result, error) {
			sreq := req.(*ServerRequest[P])
			return f(sreq.Session.server, ctx, sreq)
		},
	}
}

// serverNotification adapts a notification handler to a methodInfo.
func serverNotification[P Params](f func(*Server, context.Context, *ServerRequest[P]) error) methodInfo {
	return methodInfo{
		unmarshalParams: unmarshalFor[P](),
		newRequest: func(s Session, p Params) Request {
			r := &ServerRequest[P]{Session: s.(*ServerSession)}
			if p != nil {
				r.Params = p.(P)
			}
			return r
		},
		handleMethod: func(ctx context.Context, _ string, req Request) (Result, error) {
			sreq := req.(*ServerRequest[P])
			return nil, f(sreq.Session.server, ctx, sreq)
		},
	}
}

func marshalErrData(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// A ServerSession is a logical connection from a single MCP client. Its
// methods can be used to send requests or notifications to the client.
//
// Call [Server.Connect] to create a ServerSession, and [ServerSession.Close]
// to close it.
type ServerSession struct {
	server *Server
	conn   *conn
	store  SessionStore // may be nil

	mu            sync.Mutex
	state         SessionState
	initialized   bool
	keepaliveStop chan struct{}
}

// ID returns the session's transport-assigned identifier, or "".
func (ss *ServerSession) ID() string { return ss.conn.sessionID() }

func (ss *ServerSession) sendingMethodInfos() map[string]methodInfo   { return serverSendingMethodInfos }
func (ss *ServerSession) receivingMethodInfos() map[string]methodInfo { return serverReceivingMethodInfos }
func (ss *ServerSession) getConn() *conn                              { return ss.conn }

func (ss *ServerSession) sendingMethodHandler() MethodHandler {
	ss.server.mu.Lock()
	defer ss.server.mu.Unlock()
	return ss.server.sendingHandler
}

func (ss *ServerSession) receivingMethodHandler() MethodHandler {
	ss.server.mu.Lock()
	defer ss.server.mu.Unlock()
	return ss.server.receivingHandler
}

// handle processes one incoming message for the session.
func (ss *ServerSession) handle(ctx context.Context, req *jsonrpc2.Request) (Result, error) {
	if err := ss.checkRequest(req.Method); err != nil {
		return nil, err
	}
	return handleReceive(ctx, ss, req)
}

// checkRequest gates incoming methods on session lifecycle: before the
// client sends notifications/initialized, only initialization-phase methods
// are allowed.
func (ss *ServerSession) checkRequest(method string) error {
	switch method {
	case methodInitialize, methodPing, notificationInitialized, notificationCancelled:
		return nil
	}
	ss.mu.Lock()
	initialized := ss.initialized
	ss.mu.Unlock()
	if !initialized {
		return fmt.Errorf("%w: method %q before initialized", jsonrpc2.ErrInvalidRequest, method)
	}
	return nil
}

func (ss *ServerSession) markInitialized() {
	ss.mu.Lock()
	ss.initialized = true
	ss.mu.Unlock()
}

// InitializeParams returns the initialize parameters the client sent, or nil
// if the session is not yet initialized.
func (ss *ServerSession) InitializeParams() *InitializeParams {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state.InitializeParams
}

// updateState mutates the session state and persists it when the session is
// backed by a store.
func (ss *ServerSession) updateState(ctx context.Context, f func(*SessionState)) {
	ss.mu.Lock()
	f(&ss.state)
	state := ss.state
	store := ss.store
	ss.mu.Unlock()
	if store != nil {
		if err := store.Store(ctx, ss.ID(), &state); err != nil {
			ss.server.logger.Warn("persisting session state failed",
				zap.String("sessionID", ss.ID()), zap.Error(err))
		}
	}
}

func (ss *ServerSession) subscribedTo(uri string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return slices.Contains(ss.state.Subscriptions, uri)
}

// requireClientCapability fails unless the client declared the capability
// during initialization.
func (ss *ServerSession) requireClientCapability(capability string) error {
	ss.mu.Lock()
	params := ss.state.InitializeParams
	ss.mu.Unlock()
	var ok bool
	if params != nil && params.Capabilities != nil {
		switch capability {
		case "sampling":
			ok = params.Capabilities.Sampling != nil
		case "elicitation":
			ok = params.Capabilities.Elicitation != nil
		case "roots":
			ok = params.Capabilities.Roots != nil
		}
	}
	if !ok {
		return fmt.Errorf("%w: client does not support %s", jsonrpc2.ErrInvalidRequest, capability)
	}
	return nil
}

// Ping pings the client.
func (ss *ServerSession) Ping(ctx context.Context, params *PingParams) error {
	_, err := handleSend[*emptyResult](ctx, methodPing, newServerRequest(ss, orZero[*PingParams](params)))
	return err
}

// ListRoots lists the client's filesystem roots.
func (ss *ServerSession) ListRoots(ctx context.Context, params *ListRootsParams) (*ListRootsResult, error) {
	if err := ss.requireClientCapability("roots"); err != nil {
		return nil, err
	}
	return handleSend[*ListRootsResult](ctx, methodListRoots, newServerRequest(ss, orZero[*ListRootsParams](params)))
}

// CreateMessage asks the client to sample its model.
//
// When called from a tool handler running as a task, the request is queued
// on the task's side channel and delivered through tasks/result.
func (ss *ServerSession) CreateMessage(ctx context.Context, params *CreateMessageParams) (*CreateMessageResult, error) {
	if err := ss.requireClientCapability("sampling"); err != nil {
		return nil, err
	}
	if h := taskFromContext(ctx); h != nil {
		return taskCall[*CreateMessageResult](ctx, h, methodCreateMessage, params)
	}
	return handleSend[*CreateMessageResult](ctx, methodCreateMessage, newServerRequest(ss, params))
}

// Elicit asks the client's user for additional input.
//
// When called from a tool handler running as a task, the request is queued
// on the task's side channel and delivered through tasks/result, and the
// task reports input_required until the user answers.
func (ss *ServerSession) Elicit(ctx context.Context, params *ElicitParams) (*ElicitResult, error) {
	if err := ss.requireClientCapability("elicitation"); err != nil {
		return nil, err
	}
	if h := taskFromContext(ctx); h != nil {
		return taskCall[*ElicitResult](ctx, h, methodElicit, params)
	}
	return handleSend[*ElicitResult](ctx, methodElicit, newServerRequest(ss, params))
}

// NotifyProgress sends a progress notification for an ongoing request.
func (ss *ServerSession) NotifyProgress(ctx context.Context, params *ProgressNotificationParams) error {
	return handleNotify(ctx, notificationProgress, newServerRequest(ss, params))
}

// Log sends a log message to the client, unless the session's logging level
// filters it out.
func (ss *ServerSession) Log(ctx context.Context, params *LoggingMessageParams) error {
	ss.mu.Lock()
	level := ss.state.LogLevel
	ss.mu.Unlock()
	if level == "" {
		level = "info"
	}
	if compareLevels(params.Level, level) < 0 {
		return nil
	}
	return handleNotify(ctx, notificationMessage, newServerRequest(ss, params))
}

func (ss *ServerSession) startKeepalive(interval time.Duration) {
	ss.mu.Lock()
	if ss.keepaliveStop != nil {
		ss.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	ss.keepaliveStop = stop
	ss.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ss.conn.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				err := ss.Ping(ctx, nil)
				cancel()
				if err != nil {
					ss.server.logger.Warn("keepalive ping failed; closing session",
						zap.String("sessionID", ss.ID()), zap.Error(err))
					ss.Close()
					return
				}
			}
		}
	}()
}

// Close performs a graceful shutdown of the connection.
func (ss *ServerSession) Close() error {
	ss.mu.Lock()
	if ss.keepaliveStop != nil {
		close(ss.keepaliveStop)
		ss.keepaliveStop = nil
	}
	ss.mu.Unlock()
	return ss.conn.close()
}

// Wait waits for the connection to be closed by the client.
func (ss *ServerSession) Wait() error {
	return ss.conn.Wait()
}

// Logging levels, in increasing severity.
var loggingLevels = []LoggingLevel{
	"debug", "info", "notice", "warning", "error", "critical", "alert", "emergency",
}

func validLoggingLevel(l LoggingLevel) bool {
	return slices.Contains(loggingLevels, l)
}

// compareLevels returns a negative number if a is less severe than b, zero
// if equal, and positive if more severe.
func compareLevels(a, b LoggingLevel) int {
	return slices.Index(loggingLevels, a) - slices.Index(loggingLevels, b)
}
