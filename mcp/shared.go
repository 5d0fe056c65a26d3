// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file contains code shared between client and server, including
// method dispatch tables and middleware definitions.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"slices"
	"strings"

	"github.com/mcpwire/mcpwire/auth"
	internaljson "github.com/mcpwire/mcpwire/internal/json"
	"github.com/mcpwire/mcpwire/internal/jsonrpc2"
)

// Method names, as they appear on the wire.
const (
	methodInitialize            = "initialize"
	methodPing                  = "ping"
	methodComplete              = "completion/complete"
	methodSetLevel              = "logging/setLevel"
	methodListPrompts           = "prompts/list"
	methodGetPrompt             = "prompts/get"
	methodListResources         = "resources/list"
	methodListResourceTemplates = "resources/templates/list"
	methodReadResource          = "resources/read"
	methodSubscribe             = "resources/subscribe"
	methodUnsubscribe           = "resources/unsubscribe"
	methodListTools             = "tools/list"
	methodCallTool              = "tools/call"
	methodCreateMessage         = "sampling/createMessage"
	methodElicit                = "elicitation/create"
	methodListRoots             = "roots/list"
	methodGetTask               = "tasks/get"
	methodTaskResult            = "tasks/result"
	methodCancelTask            = "tasks/cancel"
	methodListTasks             = "tasks/list"

	notificationInitialized         = "notifications/initialized"
	notificationCancelled           = "notifications/cancelled"
	notificationProgress            = "notifications/progress"
	notificationMessage             = "notifications/message"
	notificationToolListChanged     = "notifications/tools/list_changed"
	notificationPromptListChanged   = "notifications/prompts/list_changed"
	notificationResourceListChanged = "notifications/resources/list_changed"
	notificationResourceUpdated     = "notifications/resources/updated"
	notificationRootsListChanged    = "notifications/roots/list_changed"
	notificationTaskStatus          = "notifications/tasks/status"
)

// A Session is either a [ClientSession] or a [ServerSession].
type Session interface {
	// ID returns the session's identifier, if it has one.
	ID() string

	sendingMethodInfos() map[string]methodInfo
	receivingMethodInfos() map[string]methodInfo
	sendingMethodHandler() MethodHandler
	receivingMethodHandler() MethodHandler
	getConn() *conn
}

// A Request is an incoming call or notification, as passed to middleware and
// method handlers. It is either a *[ServerRequest] or a *[ClientRequest].
type Request interface {
	// GetSession returns the session over which the request arrived.
	GetSession() Session
	// GetParams returns the request parameters. The result may be nil for
	// methods whose params are optional.
	GetParams() Params
	// GetExtra returns transport-level information about the request, if the
	// transport provides any.
	GetExtra() *RequestExtra

	isRequest()
}

// RequestExtra is transport-attached information about an incoming request.
// It never appears on the wire.
type RequestExtra struct {
	// TokenInfo describes the bearer token the request arrived with, when the
	// transport performs authentication.
	TokenInfo *auth.TokenInfo
	// Header is the HTTP header of the request, for HTTP transports.
	Header http.Header
}

// A ServerRequest is a request arriving at a server from a client.
type ServerRequest[P Params] struct {
	Session *ServerSession
	Params  P
	Extra   *RequestExtra
}

func (r *ServerRequest[P]) GetSession() Session { return r.Session }
func (r *ServerRequest[P]) GetParams() Params {
	// A nil typed pointer must surface as an untyped nil.
	if p := Params(r.Params); p != Params(zero[P]()) {
		return p
	}
	return nil
}
func (r *ServerRequest[P]) GetExtra() *RequestExtra { return r.Extra }
func (*ServerRequest[P]) isRequest()                {}

// A ClientRequest is a request arriving at a client from a server.
type ClientRequest[P Params] struct {
	Session *ClientSession
	Params  P
}

func (r *ClientRequest[P]) GetSession() Session { return r.Session }
func (r *ClientRequest[P]) GetParams() Params {
	if p := Params(r.Params); p != Params(zero[P]()) {
		return p
	}
	return nil
}
func (r *ClientRequest[P]) GetExtra() *RequestExtra { return nil }
func (*ClientRequest[P]) isRequest()                {}

func zero[T any]() T { var z T; return z }

func newServerRequest[P Params](ss *ServerSession, params P) *ServerRequest[P] {
	return &ServerRequest[P]{Session: ss, Params: params}
}

// A MethodHandler handles calls and notifications for a single session.
// For calls, exactly one of the return values must be non-nil.
// For notifications, both must be nil.
type MethodHandler func(ctx context.Context, method string, req Request) (result Result, err error)

// Middleware is a function from MethodHandlers to MethodHandlers.
type Middleware func(MethodHandler) MethodHandler

// addMiddleware wraps the handler in the middleware functions, so that the
// first middleware in the list is outermost.
func addMiddleware(handlerp *MethodHandler, middleware []Middleware) {
	for _, m := range slices.Backward(middleware) {
		*handlerp = m(*handlerp)
	}
}

// defaultSendingMethodHandler is the innermost sending handler: it puts the
// message on the wire.
func defaultSendingMethodHandler(ctx context.Context, method string, req Request) (Result, error) {
	session := req.GetSession()
	info, ok := session.sendingMethodInfos()[method]
	if !ok {
		// Can be reached from user middleware with an arbitrary method.
		return nil, jsonrpc2.ErrMethodNotFound
	}
	if strings.HasPrefix(method, "notifications/") {
		return nil, session.getConn().notify(ctx, method, req.GetParams())
	}
	res := info.newResult()
	// Task augmentation changes the result type of the call: the receiver
	// answers with a task reference instead of the method's result.
	if ta, ok := req.GetParams().(taskAugmented); ok && ta.taskParams() != nil {
		res = &CreateTaskResult{}
	}
	if err := session.getConn().call(ctx, method, req.GetParams(), res); err != nil {
		return nil, err
	}
	return res, nil
}

// handleSend sends a call through the session's sending middleware chain and
// returns the typed result.
func handleSend[R Result](ctx context.Context, method string, req Request) (R, error) {
	mh := req.GetSession().sendingMethodHandler()
	res, err := mh(ctx, method, req)
	if err != nil {
		var z R
		return z, err
	}
	// Middleware can replace the result, so this assertion can fail on
	// misbehaving middleware.
	r, ok := res.(R)
	if !ok {
		var z R
		return z, fmt.Errorf("%q: middleware returned %T, want %T", method, res, z)
	}
	return r, nil
}

// handleNotify sends a notification through the session's sending middleware
// chain.
func handleNotify(ctx context.Context, method string, req Request) error {
	mh := req.GetSession().sendingMethodHandler()
	_, err := mh(ctx, method, req)
	return err
}

// defaultReceivingMethodHandler is the innermost receiving handler: it
// dispatches to the registered method implementation.
func defaultReceivingMethodHandler(ctx context.Context, method string, req Request) (Result, error) {
	info, ok := req.GetSession().receivingMethodInfos()[method]
	if !ok {
		return nil, jsonrpc2.ErrMethodNotFound
	}
	return info.handleMethod(ctx, method, req)
}

// handleReceive handles an incoming jsonrpc request for the session: it
// unmarshals the params, builds the typed Request, and runs the receiving
// middleware chain.
func handleReceive(ctx context.Context, session Session, jreq *jsonrpc2.Request) (Result, error) {
	info, ok := session.receivingMethodInfos()[jreq.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", jsonrpc2.ErrMethodNotFound, jreq.Method)
	}
	params, err := info.unmarshalParams(jreq.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: handling %q: %v", jsonrpc2.ErrInvalidParams, jreq.Method, err)
	}
	req := info.newRequest(session, params)
	if extra, ok := jreq.Extra.(*RequestExtra); ok {
		if sreq, ok := req.(interface{ setExtra(*RequestExtra) }); ok {
			sreq.setExtra(extra)
		}
	}
	mh := session.receivingMethodHandler()
	res, err := mh(ctx, jreq.Method, req)
	if err != nil {
		return nil, err
	}
	if !jreq.IsCall() {
		return nil, nil
	}
	if res == nil {
		// jsonrpc responses cannot have a null result.
		res = &emptyResult{}
	}
	return res, nil
}

func (r *ServerRequest[P]) setExtra(extra *RequestExtra) { r.Extra = extra }

// methodInfo is what the dispatch tables record about each method.
type methodInfo struct {
	// unmarshalParams decodes wire params into the method's Params type.
	// A nil raw message produces a nil Params.
	unmarshalParams func(json.RawMessage) (Params, error)
	// newRequest builds the typed Request passed to middleware and handlers.
	newRequest func(Session, Params) Request
	// handleMethod runs the registered implementation. Used on the receive
	// side.
	handleMethod MethodHandler
	// newResult creates a pointer to the method's Result type. Used on the
	// send side to unmarshal the response into.
	newResult func() Result
}

// unmarshalFor returns an unmarshalParams function for the pointer type P.
func unmarshalFor[P Params]() func(json.RawMessage) (Params, error) {
	return func(m json.RawMessage) (Params, error) {
		if m == nil || string(m) == "null" {
			var z P
			return z, nil
		}
		p := reflect.New(reflect.TypeFor[P]().Elem()).Interface().(P)
		if err := internaljson.Unmarshal(m, p); err != nil {
			return nil, fmt.Errorf("unmarshaling into %T: %w", p, err)
		}
		return p, nil
	}
}

// serverMethod creates a methodInfo for a method on Server, receiving side.
func serverMethod[P Params, R Result](f func(*Server, context.Context, *ServerRequest[P]) (R, error)) methodInfo {
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
		newResult: newResultFor[R](),
	}
}

// clientMethod creates a methodInfo for a method on Client, receiving side.
func clientMethod[P Params, R Result](f func(*Client, context.Context, *ClientRequest[P]) (R, error)) methodInfo {
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
			return f(creq.Session.client, ctx, creq)
		},
		newResult: newResultFor[R](),
	}
}

// sendOnly creates a methodInfo for a method this side only sends. The
// receive-side fields are left nil.
func sendOnly[R Result]() methodInfo {
	return methodInfo{newResult: newResultFor[R]()}
}

func newResultFor[R Result]() func() Result {
	t := reflect.TypeFor[R]()
	if t.Kind() != reflect.Pointer {
		panic("result type is not a pointer")
	}
	return func() Result { return reflect.New(t.Elem()).Interface().(R) }
}

// taskAugmented is implemented by params types that accept task
// augmentation.
type taskAugmented interface{ taskParams() *TaskParams }

// orZero returns the zero value of P if p is nil.
func orZero[P Params](p Params) P {
	if p == nil {
		var z P
		return z
	}
	return p.(P)
}

// List pagination.

type listParams interface {
	Params
	cursorPtr() *string
}

type listResult[T any] interface {
	Result
	nextCursorPtr() *string
}

// paginateList walks fs from the params cursor and fills in one page of
// results, setting the next cursor when more remain.
func paginateList[P listParams, R listResult[T], T any](r R, pageSize int, p P, fs *featureSet[T], set func(R, []T)) (R, error) {
	var z R
	var cursor string
	if !reflect.ValueOf(p).IsNil() {
		cursor = *p.cursorPtr()
	}
	fts, nextCursor, err := fs.page(cursor, pageSize)
	if err != nil {
		return z, fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err)
	}
	set(r, fts)
	*r.nextCursorPtr() = nextCursor
	return r, nil
}
