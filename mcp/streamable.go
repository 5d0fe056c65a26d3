// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mcpwire/mcpwire/auth"
	"github.com/mcpwire/mcpwire/internal/util"
	"github.com/mcpwire/mcpwire/jsonrpc"
)

const (
	sessionIDHeader       = "Mcp-Session-Id"
	protocolVersionHeader = "MCP-Protocol-Version"
	lastEventIDHeader     = "Last-Event-ID"
)

// sseRetryMillis is the reconnection delay suggested to clients on standalone
// SSE streams.
const sseRetryMillis = 3000

// StreamableHTTPOptions configure a [StreamableHTTPHandler].
type StreamableHTTPOptions struct {
	// GetSessionID provides the ID for each new session. The default is a
	// random UUID.
	GetSessionID func() string

	// Stateless, if set, puts the handler in stateless mode: every POST is
	// served by a short-lived session that is discarded when the response
	// completes, no session ID is issued, and GET and DELETE are rejected.
	Stateless bool

	// JSONResponse, if set, answers each POST with a single application/json
	// body instead of an SSE stream.
	JSONResponse bool

	// EventStore retains outgoing events for resumption. If nil, each session
	// gets its own bounded [MemoryEventStore], and resumption only works
	// against the same server instance.
	EventStore EventStore

	// SessionStore persists session state. When set, a request bearing an
	// unrecognized session ID is resolved against the store, so sessions can
	// migrate between server instances.
	SessionStore SessionStore

	// AllowedHosts and AllowedOrigins guard against DNS-rebinding attacks.
	// When AllowedHosts is non-empty, requests whose Host header is neither
	// loopback nor listed are rejected. When AllowedOrigins is non-empty,
	// requests with an Origin header whose host is neither loopback nor
	// listed are rejected.
	AllowedHosts   []string
	AllowedOrigins []string

	// MaxBodyBytes limits request body sizes. Zero means
	// [DefaultMaxBodyBytes]; negative means no limit.
	MaxBodyBytes int64

	// Limiter, if set, throttles all requests to the handler.
	Limiter *rate.Limiter

	// Logger, if set, receives transport-level diagnostics.
	Logger *zap.Logger
}

// A StreamableHTTPHandler is an [http.Handler] that serves MCP sessions over
// the streamable HTTP transport:
//
//   - POST delivers client messages; responses arrive on the POST's own SSE
//     stream (or JSON body, in JSONResponse mode).
//   - GET opens the session's standalone SSE stream, over which the server
//     delivers requests and notifications not tied to an incoming call. A GET
//     with a Last-Event-ID header instead resumes delivery of a previous
//     stream.
//   - DELETE terminates the session.
type StreamableHTTPHandler struct {
	getServer func(*http.Request) *Server
	opts      StreamableHTTPOptions
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*streamableSession
}

type streamableSession struct {
	transport *StreamableServerTransport
	session   *ServerSession
}

// NewStreamableHTTPHandler returns a handler that routes each request to the
// server returned by getServer, which may return a distinct server per
// request, or nil to reject the request.
func NewStreamableHTTPHandler(getServer func(*http.Request) *Server, opts *StreamableHTTPOptions) *StreamableHTTPHandler {
	h := &StreamableHTTPHandler{
		getServer: getServer,
		sessions:  make(map[string]*streamableSession),
	}
	if opts != nil {
		h.opts = *opts
	}
	h.logger = h.opts.Logger
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

// Close closes all sessions currently served by the handler.
func (h *StreamableHTTPHandler) Close() error {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*streamableSession)
	h.mu.Unlock()
	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.session.Close())
	}
	return errors.Join(errs...)
}

func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if h.opts.Limiter != nil && !h.opts.Limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	if code, msg := h.checkOrigin(req); code != 0 {
		http.Error(w, msg, code)
		return
	}

	switch req.Method {
	case http.MethodPost:
		if !accepts(req, "application/json") || !accepts(req, "text/event-stream") {
			http.Error(w, "Accept must include both application/json and text/event-stream", http.StatusBadRequest)
			return
		}
	case http.MethodGet:
		if !accepts(req, "text/event-stream") {
			http.Error(w, "Accept must include text/event-stream", http.StatusBadRequest)
			return
		}
	case http.MethodDelete:
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if v := req.Header.Get(protocolVersionHeader); v != "" && !slices.Contains(supportedProtocolVersions, v) {
		http.Error(w, fmt.Sprintf("unsupported protocol version %q", v), http.StatusBadRequest)
		return
	}

	if limit := effectiveMaxBodyBytes(h.opts.MaxBodyBytes); limit > 0 && req.Body != nil {
		req.Body = http.MaxBytesReader(w, req.Body, limit)
	}

	if h.opts.Stateless {
		h.serveStateless(w, req)
		return
	}

	sessionID := req.Header.Get(sessionIDHeader)
	if req.Method == http.MethodDelete {
		h.closeSession(w, req, sessionID)
		return
	}
	if sessionID == "" && req.Method == http.MethodGet {
		http.Error(w, "GET requires a session ID", http.StatusBadRequest)
		return
	}

	var s *streamableSession
	if sessionID == "" {
		var code int
		var err error
		s, code, err = h.startSession(req, "")
		if err != nil {
			http.Error(w, err.Error(), code)
			return
		}
	} else {
		var code int
		var err error
		s, code, err = h.resolveSession(req, sessionID)
		if err != nil {
			http.Error(w, err.Error(), code)
			return
		}
	}
	s.transport.ServeHTTP(w, req)
}

// checkOrigin applies the DNS-rebinding defenses. It returns a non-zero HTTP
// status to reject the request.
func (h *StreamableHTTPHandler) checkOrigin(req *http.Request) (int, string) {
	if len(h.opts.AllowedHosts) > 0 &&
		!util.IsLoopback(req.Host) && !hostAllowed(req.Host, h.opts.AllowedHosts) {
		return http.StatusForbidden, "forbidden host"
	}
	if origin := req.Header.Get("Origin"); origin != "" && len(h.opts.AllowedOrigins) > 0 {
		u, err := url.Parse(origin)
		if err != nil {
			return http.StatusForbidden, "invalid origin"
		}
		if !util.IsLoopback(u.Host) && !hostAllowed(u.Host, h.opts.AllowedOrigins) {
			return http.StatusForbidden, "forbidden origin"
		}
	}
	return 0, ""
}

func hostAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(host, a) {
			return true
		}
	}
	return false
}

// accepts reports whether the request's Accept header includes the media
// type. An absent Accept header accepts everything.
func accepts(req *http.Request, mediaType string) bool {
	accept := req.Header.Get("Accept")
	if accept == "" {
		return true
	}
	for part := range strings.SplitSeq(accept, ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		mt = strings.TrimSpace(mt)
		if mt == "*/*" || mt == mediaType {
			return true
		}
		if major, _, ok := strings.Cut(mediaType, "/"); ok && mt == major+"/*" {
			return true
		}
	}
	return false
}

// startSession connects a new server session. If sessionID is empty a fresh
// ID is generated; otherwise the session adopts persisted state, which must
// be non-nil.
func (h *StreamableHTTPHandler) startSession(req *http.Request, sessionID string) (*streamableSession, int, error) {
	server := h.getServer(req)
	if server == nil {
		return nil, http.StatusBadRequest, errors.New("no server available for request")
	}
	opts := &ServerSessionOptions{SessionStore: h.opts.SessionStore}
	if sessionID == "" {
		if h.opts.GetSessionID != nil {
			sessionID = h.opts.GetSessionID()
		} else {
			sessionID = randText()
		}
	} else {
		state, err := h.opts.SessionStore.Load(req.Context(), sessionID)
		if err != nil {
			return nil, http.StatusInternalServerError, fmt.Errorf("loading session: %w", err)
		}
		if state == nil {
			return nil, http.StatusNotFound, errors.New("session not found")
		}
		opts.State = state
	}
	transport := NewStreamableServerTransport(&StreamableServerTransportOptions{
		SessionID:    sessionID,
		EventStore:   h.opts.EventStore,
		JSONResponse: h.opts.JSONResponse,
		Logger:       h.opts.Logger,
	})
	ss, err := server.Connect(req.Context(), transport, opts)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("connecting session: %w", err)
	}
	s := &streamableSession{transport: transport, session: ss}
	h.mu.Lock()
	h.sessions[sessionID] = s
	h.mu.Unlock()
	return s, 0, nil
}

// resolveSession finds the local session for sessionID, adopting it from the
// session store if another instance created it.
func (h *StreamableHTTPHandler) resolveSession(req *http.Request, sessionID string) (*streamableSession, int, error) {
	h.mu.Lock()
	s := h.sessions[sessionID]
	h.mu.Unlock()
	if s != nil {
		return s, 0, nil
	}
	if h.opts.SessionStore == nil {
		return nil, http.StatusNotFound, errors.New("session not found")
	}
	// The check-then-adopt race is benign: if two requests adopt the same
	// session concurrently, the second registration wins and the first
	// session serves only its own request.
	return h.startSession(req, sessionID)
}

// serveStateless serves a POST with a short-lived session that is discarded
// when the response completes. The session is pre-initialized, since
// stateless clients do not perform the initialize handshake per request.
func (h *StreamableHTTPHandler) serveStateless(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "stateless mode supports only POST", http.StatusMethodNotAllowed)
		return
	}
	server := h.getServer(req)
	if server == nil {
		http.Error(w, "no server available for request", http.StatusBadRequest)
		return
	}
	version := req.Header.Get(protocolVersionHeader)
	if version == "" {
		version = latestProtocolVersion
	}
	transport := NewStreamableServerTransport(&StreamableServerTransportOptions{
		JSONResponse: h.opts.JSONResponse,
		Logger:       h.opts.Logger,
	})
	ss, err := server.Connect(req.Context(), transport, &ServerSessionOptions{
		State: &SessionState{
			InitializeParams: &InitializeParams{},
			ProtocolVersion:  version,
		},
	})
	if err != nil {
		http.Error(w, "connecting session: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer ss.Close()
	transport.ServeHTTP(w, req)
}

// closeSession handles DELETE.
func (h *StreamableHTTPHandler) closeSession(w http.ResponseWriter, req *http.Request, sessionID string) {
	if sessionID == "" {
		http.Error(w, "DELETE requires a session ID", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	s := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	found := s != nil
	var eventStore EventStore
	if s != nil {
		eventStore = s.transport.eventStore
		_ = s.session.Close()
	}
	if h.opts.EventStore != nil {
		eventStore = h.opts.EventStore
	}
	ctx := req.Context()
	if store := h.opts.SessionStore; store != nil {
		if !found {
			state, err := store.Load(ctx, sessionID)
			if err != nil {
				http.Error(w, "loading session: "+err.Error(), http.StatusInternalServerError)
				return
			}
			found = state != nil
		}
		if err := store.Delete(ctx, sessionID); err != nil {
			h.logger.Warn("deleting session state", zap.String("sessionID", sessionID), zap.Error(err))
		}
	}
	if !found {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if eventStore != nil {
		if err := eventStore.SessionClosed(ctx, sessionID); err != nil {
			h.logger.Warn("purging session events", zap.String("sessionID", sessionID), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusOK)
}

// StreamableServerTransportOptions configure a [StreamableServerTransport].
type StreamableServerTransportOptions struct {
	// SessionID is the session's identifier, reported in the Mcp-Session-Id
	// response header. Empty means the transport is anonymous, as in
	// stateless mode.
	SessionID string
	// EventStore retains outgoing events for resumption. If nil, a fresh
	// [MemoryEventStore] is used.
	EventStore EventStore
	// JSONResponse answers POSTs with application/json instead of SSE.
	JSONResponse bool
	// Logger, if set, receives transport-level diagnostics.
	Logger *zap.Logger
}

// A StreamableServerTransport is the server side of the streamable HTTP
// transport. It implements [http.Handler] for its session's requests, and
// [Transport] for the server connection.
//
// Most users should use [StreamableHTTPHandler], which manages a transport
// per session. Use a transport directly to integrate with custom HTTP
// routing.
type StreamableServerTransport struct {
	sessionID    string
	jsonResponse bool
	eventStore   EventStore
	logger       *zap.Logger

	incoming chan jsonrpc.Message

	mu        sync.Mutex
	connected bool
	isDone    bool
	// lastStreamID is the most recently allocated POST stream. Stream 0 is
	// the standalone GET stream.
	lastStreamID int64
	// streamLen tracks how many events each stream holds, so response loops
	// know when they have delivered everything.
	streamLen map[int64]int
	// signals wakes the HTTP response loop serving each stream. 1-buffered.
	signals map[int64]chan struct{}
	// requestStreams maps each incoming request to the stream on which its
	// response, and any messages sent while handling it, must be delivered.
	requestStreams map[jsonrpc.ID]int64
	// streamRequests is the inverse: the requests still outstanding on each
	// stream. A POST response completes when its stream has no outstanding
	// requests and every event has been written.
	streamRequests map[int64]map[jsonrpc.ID]struct{}

	done chan struct{}
}

func NewStreamableServerTransport(opts *StreamableServerTransportOptions) *StreamableServerTransport {
	t := &StreamableServerTransport{
		incoming:       make(chan jsonrpc.Message, 10),
		streamLen:      make(map[int64]int),
		signals:        make(map[int64]chan struct{}),
		requestStreams: make(map[jsonrpc.ID]int64),
		streamRequests: make(map[int64]map[jsonrpc.ID]struct{}),
		done:           make(chan struct{}),
	}
	if opts != nil {
		t.sessionID = opts.SessionID
		t.eventStore = opts.EventStore
		t.jsonResponse = opts.JSONResponse
		t.logger = opts.Logger
	}
	if t.eventStore == nil {
		t.eventStore = NewMemoryEventStore(nil)
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

// Connect implements [Transport].
func (t *StreamableServerTransport) Connect(context.Context) (Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil, errors.New("transport already connected")
	}
	t.connected = true
	return t, nil
}

func (t *StreamableServerTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		http.Error(w, "transport not connected", http.StatusInternalServerError)
		return
	}
	switch req.Method {
	case http.MethodPost:
		t.servePOST(w, req)
	case http.MethodGet:
		t.serveGET(w, req)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (t *StreamableServerTransport) servePOST(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeRequestBodyTooLarge(w)
		} else {
			http.Error(w, "reading body: "+err.Error(), http.StatusBadRequest)
		}
		return
	}
	msgs, _, err := readBatch(body)
	if err != nil {
		http.Error(w, "parsing body: "+err.Error(), http.StatusBadRequest)
		return
	}

	// Register the POST's requests so that their responses, and anything the
	// handlers send while working on them, come back on this stream.
	calls := make(map[jsonrpc.ID]struct{})
	for _, msg := range msgs {
		if jreq, ok := msg.(*jsonrpc.Request); ok {
			jreq.Extra = &RequestExtra{
				TokenInfo: auth.TokenInfoFromContext(req.Context()),
				Header:    req.Header,
			}
			if jreq.IsCall() {
				calls[jreq.ID] = struct{}{}
			}
		}
	}

	t.mu.Lock()
	if t.isDone {
		t.mu.Unlock()
		http.Error(w, "session closed", http.StatusNotFound)
		return
	}
	t.lastStreamID++
	sid := t.lastStreamID
	if len(calls) > 0 {
		t.streamRequests[sid] = calls
		for id := range calls {
			t.requestStreams[id] = sid
		}
	}
	signal := make(chan struct{}, 1)
	t.signals[sid] = signal
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.signals, sid)
		t.mu.Unlock()
	}()

	for _, msg := range msgs {
		select {
		case t.incoming <- msg:
		case <-t.done:
			http.Error(w, "session closed", http.StatusNotFound)
			return
		case <-req.Context().Done():
			return
		}
	}

	if len(calls) == 0 {
		// Notifications and responses only; nothing will come back on this
		// stream.
		t.setStandardHeaders(w)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if t.jsonResponse {
		t.respondJSON(w, req, sid, signal)
	} else {
		t.streamResponse(w, req, sid, 0, signal)
	}
}

func (t *StreamableServerTransport) serveGET(w http.ResponseWriter, req *http.Request) {
	sid := int64(0)
	nextIndex := 0
	if v := req.Header.Get(lastEventIDHeader); v != "" {
		var err error
		sid, nextIndex, err = parseEventID(v)
		if err != nil {
			http.Error(w, "malformed Last-Event-ID", http.StatusBadRequest)
			return
		}
		nextIndex++
	}

	t.mu.Lock()
	if t.isDone {
		t.mu.Unlock()
		http.Error(w, "session closed", http.StatusNotFound)
		return
	}
	if _, ok := t.signals[sid]; ok {
		t.mu.Unlock()
		http.Error(w, "stream already has an active consumer", http.StatusConflict)
		return
	}
	signal := make(chan struct{}, 1)
	t.signals[sid] = signal
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.signals, sid)
		t.mu.Unlock()
	}()

	t.streamResponse(w, req, sid, nextIndex, signal)
}

// streamResponse writes the stream's events from nextIndex onward as SSE,
// blocking until the stream completes (for POST, when all its requests are
// answered) or the client goes away.
func (t *StreamableServerTransport) streamResponse(w http.ResponseWriter, req *http.Request, sid int64, nextIndex int, signal chan struct{}) {
	flush := func() {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	wroteHeader := false
	writeHeaders := func() {
		if wroteHeader {
			return
		}
		wroteHeader = true
		t.setStandardHeaders(w)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flush()
	}
	if req.Method == http.MethodGet {
		// Open the stream immediately and suggest a reconnection delay.
		writeHeaders()
		if _, err := writeEvent(w, event{retry: sseRetryMillis}); err != nil {
			return
		}
		flush()
	}

	for {
		for data, err := range t.eventStore.After(req.Context(), t.sessionID, sid, nextIndex) {
			if err != nil {
				if errors.Is(err, ErrEventsPurged) && !wroteHeader {
					http.Error(w, err.Error(), http.StatusBadRequest)
				} else {
					t.logger.Warn("replaying events",
						zap.String("sessionID", t.sessionID),
						zap.Int64("stream", sid),
						zap.Error(err))
				}
				return
			}
			writeHeaders()
			if _, err := writeEvent(w, event{
				name: "message",
				id:   formatEventID(sid, nextIndex),
				data: data,
			}); err != nil {
				return
			}
			flush()
			nextIndex++
		}

		t.mu.Lock()
		outstanding := len(t.streamRequests[sid])
		total := t.streamLen[sid]
		closed := t.isDone
		t.mu.Unlock()
		if req.Method == http.MethodPost && outstanding == 0 && nextIndex >= total {
			writeHeaders()
			return
		}
		if closed {
			return
		}
		select {
		case <-signal:
		case <-t.done:
		case <-req.Context().Done():
			return
		}
	}
}

// respondJSON collects the responses to the POST's requests and answers with
// a plain JSON body: a single object for one request, an array for a batch.
// Notifications and server-initiated requests produced while handling are not
// representable in this mode and are dropped from the response; they remain
// in the event store for delivery on a GET stream.
func (t *StreamableServerTransport) respondJSON(w http.ResponseWriter, req *http.Request, sid int64, signal chan struct{}) {
	nextIndex := 0
	var responses [][]byte
	for {
		for data, err := range t.eventStore.After(req.Context(), t.sessionID, sid, nextIndex) {
			if err != nil {
				http.Error(w, "collecting responses: "+err.Error(), http.StatusInternalServerError)
				return
			}
			nextIndex++
			if msg, err := jsonrpc.DecodeMessage(data); err == nil {
				if _, ok := msg.(*jsonrpc.Response); ok {
					responses = append(responses, data)
				}
			}
		}

		t.mu.Lock()
		outstanding := len(t.streamRequests[sid])
		total := t.streamLen[sid]
		closed := t.isDone
		t.mu.Unlock()
		if (outstanding == 0 && nextIndex >= total) || closed {
			break
		}
		select {
		case <-signal:
		case <-t.done:
		case <-req.Context().Done():
			return
		}
	}
	if len(responses) == 0 {
		http.Error(w, "session closed before responding", http.StatusInternalServerError)
		return
	}
	t.setStandardHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	if len(responses) == 1 {
		w.Write(responses[0])
		return
	}
	var b bytes.Buffer
	b.WriteByte('[')
	for i, data := range responses {
		if i > 0 {
			b.WriteByte(',')
		}
		b.Write(data)
	}
	b.WriteByte(']')
	w.Write(b.Bytes())
}

func (t *StreamableServerTransport) setStandardHeaders(w http.ResponseWriter) {
	if t.sessionID != "" {
		w.Header().Set(sessionIDHeader, t.sessionID)
	}
}

// Read implements [Connection].
func (t *StreamableServerTransport) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, io.EOF
	case msg := <-t.incoming:
		return msg, nil
	}
}

// Write implements [Connection]. The message is appended to the stream of the
// request it pertains to: its own stream for a response, the stream of the
// request being handled for messages sent from within a handler, and the
// standalone stream otherwise.
func (t *StreamableServerTransport) Write(ctx context.Context, msg jsonrpc.Message) error {
	var forRequest jsonrpc.ID
	isResponse := false
	if resp, ok := msg.(*jsonrpc.Response); ok {
		forRequest, isResponse = resp.ID, true
	} else if id, ok := idForRequest(ctx); ok {
		forRequest = id
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	// The lock is held across Append so concurrent writes to one stream get
	// consecutive indices in write order.
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isDone {
		return ErrConnectionClosed
	}
	sid := int64(0) // standalone stream
	if forRequest.IsValid() {
		sid = t.requestStreams[forRequest]
	}
	idx, err := t.eventStore.Append(ctx, t.sessionID, sid, data)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	if idx+1 > t.streamLen[sid] {
		t.streamLen[sid] = idx + 1
	}
	if isResponse {
		if reqs, ok := t.streamRequests[sid]; ok {
			delete(reqs, forRequest)
			if len(reqs) == 0 {
				delete(t.streamRequests, sid)
			}
		}
		delete(t.requestStreams, forRequest)
	}
	if signal, ok := t.signals[sid]; ok {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close implements [Connection]. Retained events are kept for resumption; use
// the handler's DELETE support to release them.
func (t *StreamableServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isDone {
		t.isDone = true
		close(t.done)
		// Wake all response loops so they observe the close.
		for _, signal := range t.signals {
			select {
			case signal <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

// SessionID implements [Connection].
func (t *StreamableServerTransport) SessionID() string { return t.sessionID }

// Event IDs are "<streamID>_<index>": enough to locate an event within the
// session, so a Last-Event-ID header identifies both the stream to resume and
// the position to resume from.

func formatEventID(sid int64, index int) string {
	return fmt.Sprintf("%d_%d", sid, index)
}

func parseEventID(s string) (sid int64, index int, err error) {
	sidStr, idxStr, ok := strings.Cut(s, "_")
	if !ok {
		return 0, 0, fmt.Errorf("malformed event ID %q", s)
	}
	sid, err = strconv.ParseInt(sidStr, 10, 64)
	if err != nil || sid < 0 {
		return 0, 0, fmt.Errorf("malformed event ID %q", s)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 {
		return 0, 0, fmt.Errorf("malformed event ID %q", s)
	}
	return sid, idx, nil
}

// readBatch parses a POST body holding either a single JSON-RPC message or a
// batch array of them.
func readBatch(data []byte) (msgs []jsonrpc.Message, isBatch bool, err error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, errors.New("empty body")
	}
	if trimmed[0] != '[' {
		msg, err := jsonrpc.DecodeMessage(trimmed)
		if err != nil {
			return nil, false, err
		}
		return []jsonrpc.Message{msg}, false, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, true, err
	}
	if len(raws) == 0 {
		return nil, true, errors.New("empty batch")
	}
	for _, raw := range raws {
		msg, err := jsonrpc.DecodeMessage(raw)
		if err != nil {
			return nil, true, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, true, nil
}

// A StreamableClientTransport is a [Transport] that connects to a streamable
// HTTP server.
type StreamableClientTransport struct {
	// Endpoint is the server URL.
	Endpoint string
	// HTTPClient is the client to use. If nil, [http.DefaultClient].
	HTTPClient *http.Client
	// MaxRetries bounds reconnection attempts for broken SSE streams. Zero
	// means a default of 5; negative disables retries.
	MaxRetries int
	// Logger, if set, receives transport-level diagnostics.
	Logger *zap.Logger
}

const defaultMaxRetries = 5

// Connect implements [Transport]. The returned connection is not yet bound to
// a session: the session ID is assigned by the server in its response to the
// initialize request.
func (t *StreamableClientTransport) Connect(ctx context.Context) (Connection, error) {
	if t.Endpoint == "" {
		return nil, errors.New("endpoint not set")
	}
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	maxRetries := t.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	} else if maxRetries < 0 {
		maxRetries = 0
	}
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bg, cancel := context.WithCancel(context.Background())
	return &streamableClientConn{
		url:        t.Endpoint,
		client:     client,
		maxRetries: maxRetries,
		logger:     logger,
		incoming:   make(chan jsonrpc.Message, 10),
		done:       make(chan struct{}),
		bg:         bg,
		cancelBG:   cancel,
	}, nil
}

type streamableClientConn struct {
	url        string
	client     *http.Client
	maxRetries int
	logger     *zap.Logger

	incoming chan jsonrpc.Message
	done     chan struct{}
	// bg scopes the hanging GET and stream reconnections; cancelled on Close.
	bg       context.Context
	cancelBG context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	mu              sync.Mutex
	failure         error
	sessionID       string
	protocolVersion string
	getStarted      bool
}

// An httpStatusError reports an unexpected HTTP response status.
type httpStatusError struct {
	method string
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.method, e.status)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.method, e.status, e.body)
}

// isRetryable reports whether a broken stream may be resumed after a response
// with the given status.
func isRetryable(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	case http.StatusNotImplemented:
		return false
	}
	return status >= 500
}

func (c *streamableClientConn) getFailure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// fail records the first terminal transport error, surfaced by Read.
func (c *streamableClientConn) fail(err error) {
	c.mu.Lock()
	if c.failure == nil {
		c.failure = err
	}
	c.mu.Unlock()
}

// Read implements [Connection].
func (c *streamableClientConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		if err := c.getFailure(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case msg := <-c.incoming:
		return msg, nil
	}
}

// Write implements [Connection]: every outgoing message is POSTed to the
// endpoint, and any response stream is consumed in the background.
func (c *streamableClientConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.getFailure(); err != nil {
		return err
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	resp, err := c.post(ctx, data)
	if err != nil {
		return err
	}
	if sid := resp.Header.Get(sessionIDHeader); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}
	switch {
	case resp.StatusCode == http.StatusNotFound && c.SessionID() != "":
		resp.Body.Close()
		err := errors.New("session terminated by server")
		c.fail(err)
		return err
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return &httpStatusError{method: "POST", status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	case resp.StatusCode == http.StatusAccepted:
		resp.Body.Close()
	case strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"):
		go c.consumeStream(resp.Body)
	default:
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		msgs, _, err := readBatch(body)
		if err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		for _, m := range msgs {
			if !c.deliver(m) {
				break
			}
		}
	}
	// Once the handshake completes, open the standalone stream for
	// server-initiated messages.
	if jreq, ok := msg.(*jsonrpc.Request); ok && jreq.Method == notificationInitialized {
		c.startStandalone()
	}
	return nil
}

func (c *streamableClientConn) deliver(msg jsonrpc.Message) bool {
	select {
	case c.incoming <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *streamableClientConn) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)
	return c.client.Do(req)
}

// get opens an SSE stream, optionally resuming from lastEventID. It returns
// the response only on a 200 with an event-stream body.
func (c *streamableClientConn) get(ctx context.Context, lastEventID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	if lastEventID != "" {
		req.Header.Set(lastEventIDHeader, lastEventID)
	}
	c.setHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &httpStatusError{method: "GET", status: resp.StatusCode}
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("GET: unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	return resp, nil
}

func (c *streamableClientConn) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.mu.Lock()
	sid, version := c.sessionID, c.protocolVersion
	c.mu.Unlock()
	if sid != "" {
		req.Header.Set(sessionIDHeader, sid)
	}
	if version != "" {
		req.Header.Set(protocolVersionHeader, version)
	}
}

// setProtocolVersion records the negotiated version, sent with every
// subsequent request. Called by the client once initialization completes.
func (c *streamableClientConn) setProtocolVersion(version string) {
	c.mu.Lock()
	c.protocolVersion = version
	c.mu.Unlock()
}

// startStandalone opens the hanging GET that carries server-initiated
// messages. At most one is opened per connection.
func (c *streamableClientConn) startStandalone() {
	c.mu.Lock()
	started := c.getStarted
	c.getStarted = true
	c.mu.Unlock()
	if started {
		return
	}
	go func() {
		resp, err := c.get(c.bg, "")
		if err != nil {
			var statusErr *httpStatusError
			if errors.As(err, &statusErr) && statusErr.status == http.StatusMethodNotAllowed {
				// The server does not offer a standalone stream.
				return
			}
			c.logger.Debug("standalone stream unavailable", zap.Error(err))
			return
		}
		c.consumeStream(resp.Body)
	}()
}

// consumeStream reads SSE events from body into the connection, reconnecting
// with Last-Event-ID when the stream breaks mid-way.
func (c *streamableClientConn) consumeStream(body io.ReadCloser) {
	lastEventID := ""
	for {
		clean := true
		for evt, err := range scanEvents(body) {
			if err != nil {
				clean = err == io.EOF
				break
			}
			if evt.id != "" {
				lastEventID = evt.id
			}
			if len(evt.data) == 0 {
				continue // retry-only or keepalive event
			}
			msg, err := jsonrpc.DecodeMessage(evt.data)
			if err != nil {
				c.logger.Warn("discarding malformed event", zap.Error(err))
				continue
			}
			if !c.deliver(msg) {
				clean = true
				break
			}
		}
		body.Close()
		if clean || lastEventID == "" {
			return
		}
		body = c.reconnect(lastEventID)
		if body == nil {
			return
		}
	}
}

// reconnect re-opens a broken stream with exponential backoff, returning nil
// when retries are exhausted or the connection is closing.
func (c *streamableClientConn) reconnect(lastEventID string) io.ReadCloser {
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		select {
		case <-c.done:
			return nil
		case <-time.After(backoffDelay(attempt)):
		}
		resp, err := c.get(c.bg, lastEventID)
		if err == nil {
			return resp.Body
		}
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) && !isRetryable(statusErr.status) {
			c.logger.Warn("stream resumption rejected", zap.Error(err))
			return nil
		}
		c.logger.Debug("stream reconnect failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil
}

// backoffDelay is an exponential backoff with jitter, capped at 5s.
func backoffDelay(attempt int) time.Duration {
	delay := 100 * time.Millisecond << attempt
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	return delay + rand.N(delay/2)
}

// Close implements [Connection]. It terminates the session with a best-effort
// DELETE.
func (c *streamableClientConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancelBG()
		if sid := c.SessionID(); sid != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
			if err == nil {
				c.setHeaders(req)
				if resp, err := c.client.Do(req); err == nil {
					resp.Body.Close()
				} else {
					c.closeErr = err
				}
			}
		}
	})
	return c.closeErr
}

// SessionID implements [Connection].
func (c *streamableClientConn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}
