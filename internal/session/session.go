// Package session owns every hub connection and component of one signed-in
// client. A Session is constructed explicitly and its Close ends everything
// it started; nothing here is process-global.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rmacdonaldsmith/socialsync/internal/clock"
	"github.com/rmacdonaldsmith/socialsync/internal/groupchat"
	"github.com/rmacdonaldsmith/socialsync/internal/logging"
	"github.com/rmacdonaldsmith/socialsync/internal/notice"
	"github.com/rmacdonaldsmith/socialsync/internal/notifications"
	"github.com/rmacdonaldsmith/socialsync/internal/voting"
	"github.com/rmacdonaldsmith/socialsync/pkg/eventbus"
	"github.com/rmacdonaldsmith/socialsync/pkg/httpclient"
	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

var (
	ErrClosed        = errors.New("session is closed")
	ErrGroupNotFound = errors.New("group is not open")
)

// Options carries runtime dependencies that do not belong in a config file.
type Options struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Notifier notice.Notifier

	// Transport replaces the configured transport of every hub.
	Transport hubclient.Transport

	// IsAdmin reports whether the user administers a group.
	IsAdmin func(groupID string) bool
}

// Group is an open group: its chat channel and vote reconciler.
type Group struct {
	ID     string
	Chat   *groupchat.Channel
	Voting *voting.Reconciler

	chat  *hubclient.Connection
	votes *hubclient.Connection
}

// Session is the lifetime-scoped registry of a client's connections.
type Session struct {
	cfg      Config
	opts     Options
	logger   *slog.Logger
	notifier notice.Notifier

	api    *httpclient.Client
	bus    *eventbus.Bus
	tokens *hubclient.JWTTokenSource

	notices        *hubclient.Connection
	friendRequests *hubclient.Connection
	feed           *notifications.Aggregator

	mu     sync.Mutex
	groups map[string]*Group
	closed bool
}

// New builds a session from cfg. It does not touch the network; call
// Start to sign in and connect the notification hubs.
func New(cfg Config, opts Options) (*Session, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(cfg.Logging)
	}

	api, err := httpclient.NewClient(httpclient.Config{
		ServerURL:   cfg.Server,
		UserID:      cfg.UserID,
		DisplayName: cfg.DisplayName,
		UseCookies:  cfg.usesCookies(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}
	if cfg.Token != "" {
		api.SetToken(cfg.Token)
	}

	s := &Session{
		cfg:      cfg,
		opts:     opts,
		logger:   opts.Logger.With("component", "session"),
		notifier: notice.OrDefault(opts.Notifier, opts.Logger),
		api:      api,
		bus:      eventbus.New(),
		groups:   make(map[string]*Group),
	}
	s.tokens = &hubclient.JWTTokenSource{Fetch: s.fetchToken, Clock: opts.Clock}
	eventbus.On(s.bus, s.onKicked)

	if s.notices, err = s.connection(social.HubNotifications, ""); err != nil {
		return nil, err
	}
	if s.friendRequests, err = s.connection(social.HubFriendRequests, ""); err != nil {
		return nil, err
	}

	s.feed, err = notifications.New(notifications.Config{
		Notices:        s.notices,
		FriendRequests: s.friendRequests,
		Bus:            s.bus,
		InvokeTimeout:  cfg.InvokeTimeout,
		Clock:          opts.Clock,
		Logger:         opts.Logger,
		Notifier:       s.notifier,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create notification feed: %w", err)
	}
	return s, nil
}

// fetchToken returns the configured token, or logs in again.
func (s *Session) fetchToken(ctx context.Context) (string, error) {
	if s.cfg.Token != "" {
		return s.cfg.Token, nil
	}
	return s.api.FreshToken(ctx)
}

func (s *Session) credentials(hub social.Hub) hubclient.CredentialProvider {
	if s.cfg.credentialsFor(hub) == CredentialsCookie {
		return hubclient.Cookies{Jar: s.api.Jar()}
	}
	return s.tokens
}

func (s *Session) transport(hub social.Hub) (hubclient.Transport, error) {
	if s.opts.Transport != nil {
		return s.opts.Transport, nil
	}
	t, err := hubclient.TransportByName(s.cfg.transportFor(hub))
	if err != nil {
		return nil, err
	}
	if g, ok := t.(hubclient.GRPC); ok && s.cfg.GRPCTarget != "" {
		g.Target = s.cfg.GRPCTarget
		return g, nil
	}
	return t, nil
}

func (s *Session) connection(hub social.Hub, groupID string) (*hubclient.Connection, error) {
	url, err := social.HubURL(s.cfg.Server, hub, groupID)
	if err != nil {
		return nil, err
	}
	transport, err := s.transport(hub)
	if err != nil {
		return nil, err
	}

	name := string(hub)
	if groupID != "" {
		name += "/" + groupID
	}
	return hubclient.NewConnection(hubclient.Config{
		Name:                 name,
		URL:                  url,
		Transport:            transport,
		Credentials:          s.credentials(hub),
		ReconnectDelays:      s.cfg.Reconnect.Delays,
		MaxReconnectAttempts: s.cfg.Reconnect.MaxAttempts,
		TransientRetryDelay:  s.cfg.Reconnect.TransientRetryDelay,
		Clock:                s.opts.Clock,
		Logger:               s.opts.Logger,
		Notifier:             s.notifier,
	})
}

// Start signs in and connects the notification and friend-request hubs.
func (s *Session) Start(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}

	if s.cfg.usesCookies() {
		if err := s.api.CookieLogin(ctx); err != nil {
			return fmt.Errorf("failed to sign in: %w", err)
		}
	}
	if s.cfg.Token == "" {
		if _, err := s.api.Login(ctx); err != nil {
			return fmt.Errorf("failed to sign in: %w", err)
		}
	}

	s.logger.Info("session started", "server", s.cfg.Server, "transport", s.cfg.Transport)
	return s.feed.Start(ctx)
}

// OpenGroup joins groupID's chat and subscribes to its votes. Opening an
// open group returns it unchanged.
func (s *Session) OpenGroup(ctx context.Context, groupID string) (*Group, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if g, ok := s.groups[groupID]; ok {
		s.mu.Unlock()
		return g, nil
	}
	s.mu.Unlock()

	g, err := s.newGroup(groupID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := s.groups[groupID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.groups[groupID] = g
	s.mu.Unlock()

	if err := g.Chat.Join(ctx, groupID); err != nil {
		s.CloseGroup(groupID)
		return nil, fmt.Errorf("failed to join group chat: %w", err)
	}
	if err := g.Voting.Subscribe(ctx, groupID); err != nil {
		s.CloseGroup(groupID)
		return nil, fmt.Errorf("failed to subscribe to votes: %w", err)
	}
	return g, nil
}

func (s *Session) newGroup(groupID string) (*Group, error) {
	chatConn, err := s.connection(social.HubGroupChat, groupID)
	if err != nil {
		return nil, err
	}
	votesConn, err := s.connection(social.HubGroupVoting, groupID)
	if err != nil {
		return nil, err
	}

	chat, err := groupchat.New(groupchat.Config{
		Channel:       chatConn,
		Bus:           s.bus,
		UserID:        s.cfg.UserID,
		IsAdmin:       s.opts.IsAdmin,
		InvokeTimeout: s.cfg.InvokeTimeout,
		Logger:        s.opts.Logger,
		Notifier:      s.notifier,
	})
	if err != nil {
		return nil, err
	}
	votes, err := voting.New(voting.Config{
		Channel:         votesConn,
		Bus:             s.bus,
		ReadModel:       s.api,
		DebounceWindow:  s.cfg.Voting.DebounceWindow,
		DiscoveryDelays: s.cfg.Voting.DiscoveryDelays,
		Clock:           s.opts.Clock,
		Logger:          s.opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Group{ID: groupID, Chat: chat, Voting: votes, chat: chatConn, votes: votesConn}, nil
}

// Group returns an open group.
func (s *Session) Group(groupID string) (*Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	return g, ok
}

// CloseGroup leaves groupID's chat and stops its vote reconciler.
func (s *Session) CloseGroup(groupID string) error {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	delete(s.groups, groupID)
	s.mu.Unlock()

	if !ok {
		return ErrGroupNotFound
	}
	g.close()
	return nil
}

// onKicked drops a group the user was removed from, so a later OpenGroup
// joins afresh instead of returning the dead group.
func (s *Session) onKicked(e eventbus.GroupKicked) {
	s.mu.Lock()
	g, ok := s.groups[e.GroupID]
	if !ok || g.Chat.GroupID() != "" {
		s.mu.Unlock()
		return
	}
	delete(s.groups, e.GroupID)
	s.mu.Unlock()

	s.logger.Info("closing group after kick", "group_id", e.GroupID)
	g.close()
}

func (g *Group) close() {
	g.Chat.Leave()
	g.Voting.Stop()
}

// Close stops every connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	groups := s.groups
	s.groups = make(map[string]*Group)
	s.mu.Unlock()

	for _, g := range groups {
		g.close()
	}
	s.feed.Stop()
	s.logger.Info("session closed")
	return s.bus.Close()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Bus returns the session's event bus.
func (s *Session) Bus() *eventbus.Bus { return s.bus }

// Feed returns the unified notification feed.
func (s *Session) Feed() *notifications.Aggregator { return s.feed }

// API returns the REST client used for sign-in and voting reads.
func (s *Session) API() *httpclient.Client { return s.api }

// Connections returns the state of every hub connection by name.
func (s *Session) Connections() map[string]hubclient.State {
	out := map[string]hubclient.State{
		s.notices.Name():        s.notices.State(),
		s.friendRequests.Name(): s.friendRequests.State(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		out[g.chat.Name()] = g.chat.State()
		out[g.votes.Name()] = g.votes.State()
	}
	return out
}
