// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
)

// ErrUnauthorized is returned when a request fails authorization and no
// handler could obtain credentials.
var ErrUnauthorized = errors.New("unauthorized")

// An OAuthHandler is invoked when a request draws a 401 Unauthorized. It
// conducts whatever flow is needed (authorization code, client credentials,
// device code) and returns a token source for subsequent requests. The
// response that triggered the flow is passed so the handler can read the
// WWW-Authenticate header; the handler must close its body.
type OAuthHandler func(ctx context.Context, req *http.Request, res *http.Response) (oauth2.TokenSource, error)

// StaticTokenSource returns a handler that ignores the challenge and always
// uses the given token source, for clients whose credentials are known up
// front.
func StaticTokenSource(ts oauth2.TokenSource) OAuthHandler {
	return func(_ context.Context, _ *http.Request, res *http.Response) (oauth2.TokenSource, error) {
		res.Body.Close()
		return ts, nil
	}
}

// A TokenStore persists tokens across process restarts, for use with
// [PersistentTokenSource].
type TokenStore interface {
	Save(context.Context, *oauth2.Token) error
}

// PersistentTokenSource wraps a token source so that every token it yields is
// saved to store. It is useful around a self-refreshing source, which mints
// new tokens invisibly to the caller. The context is used for Save calls.
func PersistentTokenSource(ctx context.Context, wrapped oauth2.TokenSource, store TokenStore) oauth2.TokenSource {
	return &persistentTokenSource{ctx: ctx, wrapped: wrapped, store: store}
}

type persistentTokenSource struct {
	ctx     context.Context
	wrapped oauth2.TokenSource
	store   TokenStore
}

func (s *persistentTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.wrapped.Token()
	if err != nil {
		return nil, err
	}
	if err := s.store.Save(s.ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// An OAuthTransport is an [http.RoundTripper] that attaches OAuth bearer
// tokens to requests. On the first 401 Unauthorized it invokes its handler to
// obtain a token source, then retries; once a source is installed, further
// 401s are returned as-is.
//
// Install it on the HTTP client of a streamable client transport to
// authenticate an MCP session.
type OAuthTransport struct {
	handler OAuthHandler

	mu   sync.Mutex
	base http.RoundTripper // wrapped in an oauth2.Transport once authorized
}

// NewOAuthTransport returns a transport that defers to base (or
// [http.DefaultTransport] if nil) and authorizes via handler.
func NewOAuthTransport(handler OAuthHandler, base http.RoundTripper) (*OAuthTransport, error) {
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &OAuthTransport{handler: handler, base: base}, nil
}

func (t *OAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	base := t.base
	t.mu.Unlock()

	// A request body can only be read once, and we may need to send the
	// request twice.
	var bodyBytes []byte
	haveBody := req.Body != nil && req.Body != http.NoBody
	if haveBody {
		req = req.Clone(req.Context())
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	res, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusUnauthorized {
		return res, nil
	}
	if _, ok := base.(*oauth2.Transport); ok {
		// Unauthorized even with a token source; nothing more to try.
		return res, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Another request may have completed the flow while we weren't holding
	// the lock.
	if _, ok := t.base.(*oauth2.Transport); !ok {
		ts, err := t.handler(req.Context(), req, res)
		if err != nil {
			return nil, err
		}
		if ts == nil {
			return nil, ErrUnauthorized
		}
		t.base = &oauth2.Transport{Base: t.base, Source: ts}
	} else {
		res.Body.Close()
	}

	if haveBody {
		req = req.Clone(req.Context())
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	return t.base.RoundTrip(req)
}
