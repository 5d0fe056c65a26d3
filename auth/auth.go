// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package auth implements bearer-token authentication for MCP over HTTP:
// server-side verification middleware, a JWT verifier, and a client-side
// transport that obtains tokens through OAuth.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

// ErrInvalidToken is returned by a [TokenVerifier] when the token is
// malformed, unsigned, or fails validation. It results in a 401.
var ErrInvalidToken = errors.New("invalid token")

// ErrOAuth is returned by a [TokenVerifier] for OAuth protocol errors, which
// result in a 400 rather than a 401.
var ErrOAuth = errors.New("oauth error")

// TokenInfo is the verified information carried by a bearer token.
type TokenInfo struct {
	Scopes     []string
	Expiration time.Time

	// Standard claims, when the token carries them.
	Issuer    string
	Subject   string
	Audience  []string
	NotBefore time.Time
	IssuedAt  time.Time
	JWTID     string

	// Extra holds verifier-specific information.
	Extra map[string]any
}

// A TokenVerifier validates a bearer token, returning information about it if
// valid. Errors wrapping [ErrInvalidToken] or [ErrOAuth] control the HTTP
// status of the rejection.
type TokenVerifier func(ctx context.Context, token string, req *http.Request) (*TokenInfo, error)

// RequireBearerTokenOptions configure [RequireBearerToken].
type RequireBearerTokenOptions struct {
	// Scopes that the token must include.
	Scopes []string
	// ResourceMetadataURL, if set, is advertised in the WWW-Authenticate
	// header of 401 responses, per RFC 9728.
	ResourceMetadataURL string
}

type tokenInfoKey struct{}

// TokenInfoFromContext returns the [TokenInfo] stored by
// [RequireBearerToken], or nil.
func TokenInfoFromContext(ctx context.Context) *TokenInfo {
	ti, _ := ctx.Value(tokenInfoKey{}).(*TokenInfo)
	return ti
}

// RequireBearerToken returns middleware that rejects requests without a valid
// bearer token. On success, the verified [TokenInfo] is placed in the request
// context, where [TokenInfoFromContext] retrieves it; the streamable HTTP
// transport also surfaces it on incoming requests.
func RequireBearerToken(verifier TokenVerifier, opts *RequireBearerTokenOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, errMsg, code := verify(r, verifier, opts)
			if code != 0 {
				if code == http.StatusUnauthorized && opts != nil && opts.ResourceMetadataURL != "" {
					w.Header().Set("WWW-Authenticate",
						fmt.Sprintf("Bearer resource_metadata=%q", opts.ResourceMetadataURL))
				}
				http.Error(w, errMsg, code)
				return
			}
			ctx := context.WithValue(r.Context(), tokenInfoKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verify checks the request's bearer token. On failure it returns a non-zero
// HTTP status and a message for the response body.
func verify(req *http.Request, verifier TokenVerifier, opts *RequireBearerTokenOptions) (*TokenInfo, string, int) {
	token, ok := bearerToken(req.Header.Get("Authorization"))
	if !ok {
		return nil, "no bearer token", http.StatusUnauthorized
	}
	info, err := verifier(req.Context(), token, req)
	switch {
	case errors.Is(err, ErrOAuth):
		return nil, "oauth error", http.StatusBadRequest
	case err != nil:
		return nil, "invalid token", http.StatusUnauthorized
	}
	// A token without an expiration cannot be checked for freshness; treat it
	// as invalid.
	if info.Expiration.IsZero() {
		return nil, "token missing expiration", http.StatusUnauthorized
	}
	if time.Now().After(info.Expiration) {
		return nil, "token expired", http.StatusUnauthorized
	}
	if opts != nil {
		for _, scope := range opts.Scopes {
			if !slices.Contains(info.Scopes, scope) {
				return nil, "insufficient scope", http.StatusForbidden
			}
		}
	}
	return info, "", 0
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
