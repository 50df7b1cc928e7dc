// Package groupchat tracks one open group: its chat history, presence and
// membership changes.
//
// History arrives once per join as a ChatHistoryLoaded backfill that
// replaces the message view; MessageReceived events append to it. Membership
// changes are not stored here. They are republished on the event bus so
// that whichever view owns the member list can re-fetch it.
package groupchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/socialsync/internal/notice"
	"github.com/rmacdonaldsmith/socialsync/pkg/eventbus"
	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

var (
	ErrChannelRequired = errors.New("group chat channel is required")
	ErrBusRequired     = errors.New("event bus is required")
	ErrGroupIDRequired = errors.New("group id is required")
	ErrEmptyMessage    = errors.New("message text is empty")
	ErrNotJoined       = errors.New("not joined to this group")
)

// SendError is returned by SendMessage when the message could not be
// delivered.
type SendError struct {
	GroupID string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send message to group %s: %v", e.GroupID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Config configures a Channel.
type Config struct {
	Channel hubclient.Channel
	Bus     *eventbus.Bus

	// UserID is the local user. It is used to recognise removals of
	// the local user.
	UserID string

	// IsAdmin reports whether the local user administers a group. Admins
	// are not shown notices for removals they performed. Nil means never.
	IsAdmin func(groupID string) bool

	// InvokeTimeout bounds JoinGroup and SendGroupMessage. Defaults to 15s.
	InvokeTimeout time.Duration

	Logger   *slog.Logger
	Notifier notice.Notifier
}

func (c *Config) SetDefaults() {
	if c.IsAdmin == nil {
		c.IsAdmin = func(string) bool { return false }
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Notifier = notice.OrDefault(c.Notifier, c.Logger)
}

func (c *Config) Validate() error {
	if c.Channel == nil {
		return ErrChannelRequired
	}
	if c.Bus == nil {
		return ErrBusRequired
	}
	return nil
}

// Channel is the client side of one group-chat hub.
type Channel struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	groupID  string
	messages []social.ChatMessage
	roster   []social.PresentUser
}

// New registers the group-chat handlers on cfg.Channel.
func New(cfg Config) (*Channel, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Channel{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "groupchat"),
	}

	ch := cfg.Channel
	ch.On(social.EventChatHistoryLoaded, g.onHistory)
	ch.On(social.EventMessageReceived, g.onMessage)
	ch.On(social.EventMemberJoined, g.onMembership(social.MemberJoined))
	ch.On(social.EventMemberLeft, g.onMembership(social.MemberLeft))
	ch.On(social.EventMemberRemoved, g.onMemberRemoved)
	ch.On(social.EventYouWereKicked, g.onKicked)
	ch.On(social.EventPresenceRoster, g.onRoster)
	ch.OnConnected(g.rejoin)
	return g, nil
}

// GroupID returns the joined group, or "" if none.
func (g *Channel) GroupID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.groupID
}

// Messages returns the message view in arrival order.
func (g *Channel) Messages() []social.ChatMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.messages)
}

// Roster returns the latest presence roster.
func (g *Channel) Roster() []social.PresentUser {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.roster)
}

// Join makes groupID the current group and joins it on the hub. If the
// channel is not connected yet, it is connected and the join is sent once
// the connection is up.
func (g *Channel) Join(ctx context.Context, groupID string) error {
	if groupID == "" {
		return ErrGroupIDRequired
	}

	g.mu.Lock()
	if g.groupID != groupID {
		g.messages = nil
		g.roster = nil
	}
	g.groupID = groupID
	g.mu.Unlock()

	if g.cfg.Channel.State() == hubclient.Connected {
		return g.join(ctx, groupID)
	}
	// OnConnected sends the join.
	err := g.cfg.Channel.Connect(ctx)
	if err != nil && !hubclient.IsTransient(err) {
		return err
	}
	return nil
}

// Leave forgets the current group and stops the channel.
func (g *Channel) Leave() {
	g.mu.Lock()
	g.groupID = ""
	g.messages = nil
	g.roster = nil
	g.mu.Unlock()

	g.cfg.Channel.Stop()
}

func (g *Channel) join(ctx context.Context, groupID string) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.InvokeTimeout)
	defer cancel()
	if _, err := g.cfg.Channel.Invoke(ctx, social.MethodJoinGroup, groupID); err != nil {
		return fmt.Errorf("failed to join group %s: %w", groupID, err)
	}
	g.logger.Debug("joined group", "group_id", groupID)
	return nil
}

func (g *Channel) rejoin() {
	groupID := g.GroupID()
	if groupID == "" {
		return
	}
	if err := g.join(context.Background(), groupID); err != nil {
		g.logger.Warn("rejoin failed", "group_id", groupID, "error", err)
	}
}

// SendMessage sends text to groupID, which must be the joined group.
func (g *Channel) SendMessage(ctx context.Context, groupID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if current := g.GroupID(); current == "" || current != groupID {
		return &SendError{GroupID: groupID, Err: ErrNotJoined}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.InvokeTimeout)
	defer cancel()
	if _, err := g.cfg.Channel.Invoke(ctx, social.MethodSendGroupMessage, groupID, text); err != nil {
		g.logger.Warn("send failed", "group_id", groupID, "error", err)
		g.cfg.Notifier.Notify(notice.Notice{
			Level:   notice.Error,
			Source:  "groupchat",
			Message: "could not send message",
		})
		return &SendError{GroupID: groupID, Err: err}
	}
	return nil
}

// current reports whether groupID refers to the joined group. An empty
// groupID in a payload means the joined group.
func (g *Channel) current(groupID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.groupID == "" {
		return "", false
	}
	if groupID == "" {
		return g.groupID, true
	}
	return groupID, groupID == g.groupID
}

func (g *Channel) onHistory(args hubclient.Arguments) {
	var history social.ChatHistory
	if err := args.Decode(0, &history); err != nil {
		g.logger.Warn("dropping malformed chat history", "error", err)
		return
	}
	groupID, ok := g.current(history.GroupID)
	if !ok {
		return
	}

	g.mu.Lock()
	if g.groupID != groupID {
		g.mu.Unlock()
		return
	}
	g.messages = slices.Clone(history.Messages)
	g.mu.Unlock()

	g.cfg.Bus.Publish(eventbus.ChatHistoryLoaded{GroupID: groupID, MessageCount: len(history.Messages)})
}

func (g *Channel) onMessage(args hubclient.Arguments) {
	var msg social.ChatMessage
	if err := args.Decode(0, &msg); err != nil {
		g.logger.Warn("dropping malformed chat message", "error", err)
		return
	}
	groupID, ok := g.current(msg.GroupID)
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.groupID != groupID {
		return
	}
	if msg.ID != "" && slices.ContainsFunc(g.messages, func(m social.ChatMessage) bool { return m.ID == msg.ID }) {
		return
	}
	g.messages = append(g.messages, msg)
}

func (g *Channel) onMembership(kind social.MembershipKind) hubclient.Handler {
	return func(args hubclient.Arguments) {
		var ev social.MemberEvent
		if err := args.Decode(0, &ev); err != nil {
			g.logger.Warn("dropping malformed member event", "kind", kind, "error", err)
			return
		}
		groupID, ok := g.current(ev.GroupID)
		if !ok {
			return
		}
		g.publishMembership(kind, groupID, ev)
	}
}

func (g *Channel) onMemberRemoved(args hubclient.Arguments) {
	var ev social.MemberEvent
	if err := args.Decode(0, &ev); err != nil {
		g.logger.Warn("dropping malformed member removal", "error", err)
		return
	}
	groupID, ok := g.current(ev.GroupID)
	if !ok {
		return
	}

	g.publishMembership(social.MemberForciblyRemoved, groupID, ev)

	// Admins initiated the removal and only get the silent refresh.
	if g.cfg.IsAdmin(groupID) {
		return
	}
	name := ev.DisplayName
	if name == "" {
		name = ev.UserID
	}
	message := name + " was removed from the group"
	if ev.UserID != "" && ev.UserID == g.cfg.UserID {
		message = "You were removed from the group"
	}
	g.cfg.Notifier.Notify(notice.Notice{Level: notice.Info, Source: "groupchat", Message: message})
}

func (g *Channel) publishMembership(kind social.MembershipKind, groupID string, ev social.MemberEvent) {
	g.cfg.Bus.Publish(eventbus.GroupsRefresh{
		GroupID: groupID,
		Membership: &social.GroupMembershipEvent{
			Kind:        kind,
			UserID:      ev.UserID,
			DisplayName: ev.DisplayName,
			GroupID:     groupID,
		},
	})
}

func (g *Channel) onKicked(args hubclient.Arguments) {
	var ev social.KickedEvent
	if err := args.Decode(0, &ev); err != nil || ev.GroupID == "" {
		g.logger.Warn("dropping malformed kick", "error", err)
		return
	}

	g.mu.Lock()
	if ev.GroupID != g.groupID {
		g.mu.Unlock()
		g.logger.Debug("ignoring kick for another group", "group_id", ev.GroupID)
		return
	}
	g.groupID = ""
	g.messages = nil
	g.roster = nil
	g.mu.Unlock()

	g.logger.Info("removed from group", "group_id", ev.GroupID)
	g.cfg.Channel.Stop()
	g.cfg.Bus.Publish(eventbus.GroupKicked{GroupID: ev.GroupID, GroupName: ev.GroupName})
}

func (g *Channel) onRoster(args hubclient.Arguments) {
	var roster social.PresenceRoster
	if err := args.Decode(0, &roster); err != nil {
		g.logger.Warn("dropping malformed presence roster", "error", err)
		return
	}
	groupID, ok := g.current(roster.GroupID)
	if !ok {
		return
	}

	g.mu.Lock()
	if g.groupID != groupID {
		g.mu.Unlock()
		return
	}
	g.roster = slices.Clone(roster.Users)
	users := slices.Clone(roster.Users)
	g.mu.Unlock()

	g.cfg.Bus.Publish(eventbus.ConnectedUsers{GroupID: groupID, Users: users})
}
