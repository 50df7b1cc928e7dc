package hubclient

import (
	"log/slog"
	"time"

	"github.com/rmacdonaldsmith/socialsync/internal/clock"
	"github.com/rmacdonaldsmith/socialsync/internal/notice"
)

// Config configures a Connection.
type Config struct {
	// Name identifies the hub in logs and notices (e.g. "notifications").
	Name string

	// URL is the hub endpoint, http(s) or ws(s).
	URL string

	// Transport carries frames. Defaults to WebSocket{}.
	Transport Transport

	// Credentials are applied on every connection attempt. Nil sends none.
	Credentials CredentialProvider

	// ReconnectDelays is the attempt-indexed reconnect schedule.
	// Defaults to DefaultReconnectDelays.
	ReconnectDelays []time.Duration

	// MaxReconnectAttempts bounds reconnection after a drop (0 = unlimited).
	MaxReconnectAttempts int

	// TransientRetryDelay is the wait before retrying a start that failed
	// with a transient error. Defaults to 2s.
	TransientRetryDelay time.Duration

	// DialTimeout bounds a single connection attempt. Defaults to 15s.
	DialTimeout time.Duration

	Clock    clock.Clock
	Logger   *slog.Logger
	Notifier notice.Notifier
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "hub"
	}
	if c.Transport == nil {
		c.Transport = WebSocket{}
	}
	if c.Credentials == nil {
		c.Credentials = NoCredentials{}
	}
	if len(c.ReconnectDelays) == 0 {
		c.ReconnectDelays = append([]time.Duration(nil), DefaultReconnectDelays...)
	}
	if c.TransientRetryDelay <= 0 {
		c.TransientRetryDelay = 2 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Notifier = notice.OrDefault(c.Notifier, c.Logger)
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrEmptyURL
	}
	return nil
}
