package hubclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rmacdonaldsmith/socialsync/internal/clock"
)

// CredentialProvider attaches credentials to the handshake of one
// connection attempt. It is invoked again on every reconnect.
type CredentialProvider interface {
	Apply(ctx context.Context, endpoint string, header http.Header) error
}

// Invalidator is implemented by providers that cache credentials. The
// connection calls Invalidate when the hub rejects the credentials, so the
// next attempt fetches fresh ones.
type Invalidator interface {
	Invalidate()
}

// NoCredentials sends nothing.
type NoCredentials struct{}

// Apply does nothing.
func (NoCredentials) Apply(context.Context, string, http.Header) error { return nil }

// BearerToken is a token factory invoked per connection attempt. The token
// is sent as "Authorization: Bearer <token>".
type BearerToken func(ctx context.Context) (string, error)

// Apply fetches a fresh token and sets the Authorization header.
func (f BearerToken) Apply(ctx context.Context, _ string, header http.Header) error {
	token, err := f(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain access token: %w", err)
	}
	if token == "" {
		return fmt.Errorf("access token factory returned an empty token")
	}
	header.Set("Authorization", "Bearer "+token)
	return nil
}

// StaticToken returns a BearerToken that always yields token.
func StaticToken(token string) BearerToken {
	return func(context.Context) (string, error) { return token, nil }
}

// Cookies forwards the ambient cookies a jar holds for the hub URL.
type Cookies struct {
	Jar http.CookieJar
}

// Apply adds a Cookie header with every cookie the jar returns for endpoint.
func (c Cookies) Apply(_ context.Context, endpoint string, header http.Header) error {
	if c.Jar == nil {
		return nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid hub URL: %w", err)
	}
	// Jars are keyed by the http(s) origin even for websocket endpoints.
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}

	cookies := c.Jar.Cookies(u)
	if len(cookies) == 0 {
		return nil
	}
	parts := make([]string, 0, len(cookies))
	for _, cookie := range cookies {
		parts = append(parts, cookie.Name+"="+cookie.Value)
	}
	header.Set("Cookie", strings.Join(parts, "; "))
	return nil
}

// JWTTokenSource caches a JWT from Fetch until shortly before its exp claim.
// The signature is not verified; the server does that.
type JWTTokenSource struct {
	// Fetch obtains a new token, e.g. by calling the login endpoint.
	Fetch func(ctx context.Context) (string, error)
	// Skew refreshes the token this long before it expires. Defaults to 30s.
	Skew time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// Token returns the cached token or fetches a new one.
func (s *JWTTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && (s.expiresAt.IsZero() || now.Add(s.skew()).Before(s.expiresAt)) {
		return s.token, nil
	}

	token, err := s.Fetch(ctx)
	if err != nil {
		return "", err
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("failed to parse access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", fmt.Errorf("failed to read token expiry: %w", err)
	}

	s.token = token
	s.expiresAt = time.Time{}
	if exp != nil {
		s.expiresAt = exp.Time
	}
	return token, nil
}

var _ Invalidator = (*JWTTokenSource)(nil)

// Invalidate drops the cached token so the next attempt fetches a new one.
// Connection calls it after a 401 or 403 handshake.
func (s *JWTTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}

// Apply sets the Authorization header from Token.
func (s *JWTTokenSource) Apply(ctx context.Context, endpoint string, header http.Header) error {
	return BearerToken(s.Token).Apply(ctx, endpoint, header)
}

func (s *JWTTokenSource) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

func (s *JWTTokenSource) skew() time.Duration {
	if s.Skew <= 0 {
		return 30 * time.Second
	}
	return s.Skew
}
