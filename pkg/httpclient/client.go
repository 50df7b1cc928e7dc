package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

// Client provides HTTP access to the socialsync read side and login
// endpoints.
type Client struct {
	config     Config
	httpClient *http.Client
	baseURL    *url.URL

	mu    sync.RWMutex
	token string
}

// NewClient creates a new socialsync HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, ErrServerURLRequired
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
	}
	if config.UseCookies {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		baseURL:    baseURL,
	}, nil
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Jar returns the cookie jar, or nil unless UseCookies was set.
func (c *Client) Jar() http.CookieJar {
	return c.httpClient.Jar
}

// Login exchanges the configured user id for a bearer token. The token is
// stored on the client and returned.
func (c *Client) Login(ctx context.Context) (*AuthResponse, error) {
	req := LoginRequest{UserID: c.config.UserID, DisplayName: c.config.DisplayName}

	var resp AuthResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", req, &resp, false); err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	c.SetToken(resp.Token)
	return &resp, nil
}

// Authenticate logs in and stores the token
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.Login(ctx)
	return err
}

// CookieLogin opens a cookie session. The session cookie is kept in the
// client's jar and can be forwarded to hubs with hubclient.Cookies.
func (c *Client) CookieLogin(ctx context.Context) error {
	if c.httpClient.Jar == nil {
		return fmt.Errorf("cookie login requires UseCookies")
	}
	req := LoginRequest{UserID: c.config.UserID, DisplayName: c.config.DisplayName}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/session", req, nil, false); err != nil {
		return fmt.Errorf("cookie login failed: %w", err)
	}
	return nil
}

// AccessToken returns the stored token, logging in first if there is none.
// It has the shape of a hubclient.BearerToken factory.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if token := c.GetToken(); token != "" {
		return token, nil
	}
	resp, err := c.Login(ctx)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// FreshToken always logs in again. It is intended as the Fetch function of a
// hubclient.JWTTokenSource.
func (c *Client) FreshToken(ctx context.Context) (string, error) {
	resp, err := c.Login(ctx)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// ActiveVotingSession reads the group's active voting session. found is
// false when the read side has no active session for the group, which
// includes the window right after a session was announced but before its
// row is readable.
func (c *Client) ActiveVotingSession(ctx context.Context, groupID string) (session social.VotingSession, found bool, err error) {
	if !c.IsAuthenticated() {
		return social.VotingSession{}, false, ErrNotAuthenticated
	}

	path := fmt.Sprintf("/api/v1/groups/%s/voting/active", url.PathEscape(groupID))
	err = c.doRequest(ctx, http.MethodGet, path, nil, &session, true)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return social.VotingSession{}, false, nil
		}
		return social.VotingSession{}, false, fmt.Errorf("failed to read active voting session: %w", err)
	}
	return session, true, nil
}

// VotingResults reads the result projection of a voting session.
func (c *Client) VotingResults(ctx context.Context, sessionID string) (social.VotingResults, error) {
	if !c.IsAuthenticated() {
		return social.VotingResults{}, ErrNotAuthenticated
	}

	var results social.VotingResults
	path := fmt.Sprintf("/api/v1/voting/%s/results", url.PathEscape(sessionID))
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &results, true); err != nil {
		return social.VotingResults{}, fmt.Errorf("failed to read voting results: %w", err)
	}
	return results, nil
}

// GetHealth returns the health status of the server
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &resp, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}

	return &resp, nil
}

// doRequest performs an HTTP request with optional authentication
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody interface{}, respBody interface{}, requireAuth bool) error {
	u, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("invalid request path: %w", err)
	}
	fullURL := c.baseURL.ResolveReference(u)

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.GetToken(); requireAuth && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil || errResp.Error == "" {
			return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(bodyBytes))}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if respBody != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// IsAuthenticated returns whether the client has a valid token
func (c *Client) IsAuthenticated() bool {
	return c.GetToken() != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}
