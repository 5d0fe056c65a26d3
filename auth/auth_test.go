// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

func TestVerify(t *testing.T) {
	verifier := func(_ context.Context, token string, _ *http.Request) (*TokenInfo, error) {
		switch token {
		case "valid":
			return &TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
		case "invalid":
			return nil, ErrInvalidToken
		case "oauth":
			return nil, ErrOAuth
		case "noexp":
			return &TokenInfo{}, nil
		case "expired":
			return &TokenInfo{Expiration: time.Now().Add(-time.Hour)}, nil
		default:
			return nil, errors.New("unknown")
		}
	}

	for _, tt := range []struct {
		name     string
		opts     *RequireBearerTokenOptions
		header   string
		wantMsg  string
		wantCode int
	}{
		{"valid", nil, "Bearer valid", "", 0},
		{"bad scheme", nil, "Basic dXNlcjpwdw==", "no bearer token", 401},
		{"no header", nil, "", "no bearer token", 401},
		{"lowercase scheme", nil, "bearer invalid", "invalid token", 401},
		{"oauth error", nil, "Bearer oauth", "oauth error", 400},
		{"no expiration", nil, "Bearer noexp", "token missing expiration", 401},
		{"expired", nil, "Bearer expired", "token expired", 401},
		{
			"missing scope",
			&RequireBearerTokenOptions{Scopes: []string{"s1"}},
			"Bearer valid", "insufficient scope", 403,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			_, gotMsg, gotCode := verify(req, verifier, tt.opts)
			if gotMsg != tt.wantMsg || gotCode != tt.wantCode {
				t.Errorf("got (%q, %d), want (%q, %d)", gotMsg, gotCode, tt.wantMsg, tt.wantCode)
			}
		})
	}
}

func TestRequireBearerToken(t *testing.T) {
	verifier := func(_ context.Context, token string, _ *http.Request) (*TokenInfo, error) {
		if token != "good" {
			return nil, ErrInvalidToken
		}
		return &TokenInfo{
			Scopes:     []string{"read"},
			Expiration: time.Now().Add(time.Hour),
			Subject:    "user-123",
		}, nil
	}

	var got *TokenInfo
	handler := RequireBearerToken(verifier, &RequireBearerTokenOptions{
		ResourceMetadataURL: "https://server.example/.well-known/oauth-protected-resource",
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = TokenInfoFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("authorized", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer good")
		rw := httptest.NewRecorder()
		handler.ServeHTTP(rw, req)
		if rw.Code != http.StatusOK {
			t.Fatalf("got status %d, want 200", rw.Code)
		}
		if got == nil || got.Subject != "user-123" {
			t.Errorf("token info in context = %+v, want subject user-123", got)
		}
	})

	t.Run("challenge advertises metadata", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		rw := httptest.NewRecorder()
		handler.ServeHTTP(rw, req)
		if rw.Code != http.StatusUnauthorized {
			t.Fatalf("got status %d, want 401", rw.Code)
		}
		want := `Bearer resource_metadata="https://server.example/.well-known/oauth-protected-resource"`
		if got := rw.Header().Get("WWW-Authenticate"); got != want {
			t.Errorf("WWW-Authenticate = %q, want %q", got, want)
		}
	})
}

func TestJWTVerifier(t *testing.T) {
	key := []byte("test-signing-key")
	keyfunc := func(*jwt.Token) (any, error) { return key, nil }
	now := time.Now()

	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	verifier := NewJWTVerifier(keyfunc, &JWTVerifierOptions{
		Issuer:       "https://issuer.example",
		ValidMethods: []string{"HS256"},
	})

	t.Run("valid", func(t *testing.T) {
		token := sign(jwt.MapClaims{
			"iss":   "https://issuer.example",
			"sub":   "user-123",
			"exp":   now.Add(time.Hour).Unix(),
			"iat":   now.Unix(),
			"jti":   "id-1",
			"scope": "read write",
		})
		info, err := verifier(context.Background(), token, nil)
		if err != nil {
			t.Fatal(err)
		}
		if info.Subject != "user-123" || info.JWTID != "id-1" {
			t.Errorf("claims = %+v", info)
		}
		if len(info.Scopes) != 2 || info.Scopes[0] != "read" || info.Scopes[1] != "write" {
			t.Errorf("scopes = %v, want [read write]", info.Scopes)
		}
		if info.Expiration.IsZero() || info.IssuedAt.IsZero() {
			t.Errorf("missing time claims: %+v", info)
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token := sign(jwt.MapClaims{
			"iss": "https://other.example",
			"exp": now.Add(time.Hour).Unix(),
		})
		if _, err := verifier(context.Background(), token, nil); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("got %v, want ErrInvalidToken", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		token := sign(jwt.MapClaims{
			"iss": "https://issuer.example",
			"exp": now.Add(-time.Hour).Unix(),
		})
		if _, err := verifier(context.Background(), token, nil); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("got %v, want ErrInvalidToken", err)
		}
	})

	t.Run("scp array", func(t *testing.T) {
		token := sign(jwt.MapClaims{
			"iss": "https://issuer.example",
			"exp": now.Add(time.Hour).Unix(),
			"scp": []string{"admin"},
		})
		info, err := verifier(context.Background(), token, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(info.Scopes) != 1 || info.Scopes[0] != "admin" {
			t.Errorf("scopes = %v, want [admin]", info.Scopes)
		}
	})
}

func TestOAuthTransport(t *testing.T) {
	// The server requires a bearer token; the handler supplies one after the
	// first 401.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var flows atomic.Int32
	handler := func(_ context.Context, _ *http.Request, res *http.Response) (oauth2.TokenSource, error) {
		res.Body.Close()
		flows.Add(1)
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-1"}), nil
	}
	transport, err := NewOAuthTransport(handler, nil)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Transport: transport}

	for range 3 {
		res, err := client.Get(srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("got status %d, want 200", res.StatusCode)
		}
	}
	if got := flows.Load(); got != 1 {
		t.Errorf("authorization flow ran %d times, want 1", got)
	}
}
