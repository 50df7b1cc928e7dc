package session

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/socialsync/internal/logging"
	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Environment variables that override the config file.
const (
	EnvServer = "SOCIALSYNC_SERVER"
	EnvToken  = "SOCIALSYNC_TOKEN"
)

// Credential modes.
const (
	CredentialsBearer = "bearer"
	CredentialsCookie = "cookie"
)

var (
	ErrServerRequired = errors.New("server URL is required")
	ErrUserIDRequired = errors.New("user id is required when no token is configured")
)

// Config is the complete client configuration.
type Config struct {
	Server      string `yaml:"server"`
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`

	// Token is a pre-issued bearer token. When empty the session logs in
	// with UserID.
	Token string `yaml:"token"`

	// Transport and Credentials apply to every hub unless overridden in Hubs.
	Transport   string `yaml:"transport"`   // websocket, sse or grpc
	Credentials string `yaml:"credentials"` // bearer or cookie
	GRPCTarget  string `yaml:"grpc_target"`

	Hubs map[social.Hub]HubConfig `yaml:"hubs"`

	Reconnect     Reconnect      `yaml:"reconnect"`
	Voting        Voting         `yaml:"voting"`
	InvokeTimeout time.Duration  `yaml:"invoke_timeout"`
	Logging       logging.Config `yaml:"logging"`
}

// HubConfig overrides the transport or credential mode of one hub.
type HubConfig struct {
	Transport   string `yaml:"transport"`
	Credentials string `yaml:"credentials"`
}

// Reconnect configures connection recovery for all hubs.
type Reconnect struct {
	Delays              []time.Duration `yaml:"delays"`
	MaxAttempts         int             `yaml:"max_attempts"` // 0 = unlimited
	TransientRetryDelay time.Duration   `yaml:"transient_retry_delay"`
}

// Voting configures vote reconciliation.
type Voting struct {
	DebounceWindow  time.Duration   `yaml:"debounce_window"`
	DiscoveryDelays []time.Duration `yaml:"discovery_delays"`
}

// Load reads a YAML config file, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyEnv()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv applies SOCIALSYNC_SERVER and SOCIALSYNC_TOKEN.
func (c *Config) ApplyEnv() {
	if server := os.Getenv(EnvServer); server != "" {
		c.Server = server
	}
	if token := os.Getenv(EnvToken); token != "" {
		c.Token = token
	}
}

func (c *Config) SetDefaults() {
	if c.Transport == "" {
		c.Transport = "websocket"
	}
	if c.Credentials == "" {
		c.Credentials = CredentialsBearer
	}
	if len(c.Reconnect.Delays) == 0 {
		c.Reconnect.Delays = append([]time.Duration(nil), hubclient.DefaultReconnectDelays...)
	}
	if c.Reconnect.TransientRetryDelay <= 0 {
		c.Reconnect.TransientRetryDelay = 2 * time.Second
	}
	if c.Voting.DebounceWindow <= 0 {
		c.Voting.DebounceWindow = 500 * time.Millisecond
	}
	if len(c.Voting.DiscoveryDelays) == 0 {
		c.Voting.DiscoveryDelays = []time.Duration{500 * time.Millisecond, 1300 * time.Millisecond, 2300 * time.Millisecond}
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) Validate() error {
	if c.Server == "" {
		return ErrServerRequired
	}
	if c.Token == "" && c.UserID == "" {
		return ErrUserIDRequired
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	for _, hub := range []social.Hub{social.HubNotifications, social.HubFriendRequests, social.HubGroupChat, social.HubGroupVoting} {
		if _, err := hubclient.TransportByName(c.transportFor(hub)); err != nil {
			return fmt.Errorf("hub %s: %w", hub, err)
		}
		switch mode := c.credentialsFor(hub); mode {
		case CredentialsBearer, CredentialsCookie:
		default:
			return fmt.Errorf("hub %s: unknown credential mode %q", hub, mode)
		}
	}
	for hub := range c.Hubs {
		if _, err := social.HubPath(hub, "g"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) transportFor(hub social.Hub) string {
	if h, ok := c.Hubs[hub]; ok && h.Transport != "" {
		return h.Transport
	}
	return c.Transport
}

func (c *Config) credentialsFor(hub social.Hub) string {
	if h, ok := c.Hubs[hub]; ok && h.Credentials != "" {
		return h.Credentials
	}
	return c.Credentials
}

// usesCookies reports whether any hub authenticates with cookies.
func (c *Config) usesCookies() bool {
	if c.Credentials == CredentialsCookie {
		return true
	}
	for _, h := range c.Hubs {
		if h.Credentials == CredentialsCookie {
			return true
		}
	}
	return false
}

// ExampleConfig returns the annotated example configuration.
func ExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}
