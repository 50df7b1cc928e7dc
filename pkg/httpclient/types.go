package httpclient

import (
	"errors"
	"fmt"
	"time"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the socialsync API (e.g., "http://localhost:8081")
	ServerURL string

	// UserID identifies the user when logging in
	UserID string

	// DisplayName is sent on login (optional)
	DisplayName string

	// Timeout for HTTP requests
	Timeout time.Duration

	// UseCookies enables a cookie jar so that CookieLogin can establish an
	// ambient session for cookie-authenticated hubs
	UseCookies bool
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

var (
	// ErrServerURLRequired is returned by NewClient without a ServerURL.
	ErrServerURLRequired = errors.New("ServerURL is required")
	// ErrNotAuthenticated is returned by calls that need a token before
	// Authenticate has succeeded.
	ErrNotAuthenticated = errors.New("client not authenticated - call Authenticate() first")
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// LoginRequest is the body of POST /api/v1/auth/login and /api/v1/auth/session.
type LoginRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
	Hubs    int    `json:"hubs"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
