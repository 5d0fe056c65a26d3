// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifierOptions configure [NewJWTVerifier].
type JWTVerifierOptions struct {
	// Issuer, if set, is the required "iss" claim.
	Issuer string
	// Audience, if set, is the required "aud" claim.
	Audience string
	// ValidMethods restricts the accepted signing algorithms, such as
	// "HS256" or "RS256". Empty accepts any supported method except "none".
	ValidMethods []string
}

// jwtClaims are the registered claims plus the common scope encodings.
type jwtClaims struct {
	jwt.RegisteredClaims
	// "scope" is the space-separated form of RFC 8693; "scp" is the array
	// form some issuers use instead.
	Scope    string   `json:"scope,omitempty"`
	ScopeArr []string `json:"scp,omitempty"`
}

// NewJWTVerifier returns a [TokenVerifier] that validates JWT bearer tokens.
// keyfunc resolves the verification key for a parsed token, typically from
// its "kid" header.
func NewJWTVerifier(keyfunc jwt.Keyfunc, opts *JWTVerifierOptions) TokenVerifier {
	var parserOpts []jwt.ParserOption
	if opts != nil {
		if opts.Issuer != "" {
			parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
		}
		if opts.Audience != "" {
			parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
		}
		if len(opts.ValidMethods) > 0 {
			parserOpts = append(parserOpts, jwt.WithValidMethods(opts.ValidMethods))
		}
	}
	parserOpts = append(parserOpts, jwt.WithExpirationRequired())
	parser := jwt.NewParser(parserOpts...)

	return func(ctx context.Context, token string, _ *http.Request) (*TokenInfo, error) {
		var claims jwtClaims
		if _, err := parser.ParseWithClaims(token, &claims, keyfunc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		info := &TokenInfo{
			Issuer:   claims.Issuer,
			Subject:  claims.Subject,
			Audience: claims.Audience,
			JWTID:    claims.ID,
		}
		if claims.ExpiresAt != nil {
			info.Expiration = claims.ExpiresAt.Time
		}
		if claims.NotBefore != nil {
			info.NotBefore = claims.NotBefore.Time
		}
		if claims.IssuedAt != nil {
			info.IssuedAt = claims.IssuedAt.Time
		}
		switch {
		case claims.Scope != "":
			info.Scopes = strings.Fields(claims.Scope)
		case len(claims.ScopeArr) > 0:
			info.Scopes = claims.ScopeArr
		}
		return info, nil
	}
}
