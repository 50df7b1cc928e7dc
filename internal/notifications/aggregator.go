// Package notifications merges the generic-notice hub and the friend-request
// hub into one ordered, de-duplicated feed.
//
// Both hubs deliver at least once and in no particular order relative to
// each other. The feed applies every event idempotently: entries are keyed
// by kind-prefixed backend id, an id already present is never inserted
// twice, and the feed is re-sorted by CreatedAt (newest first) after every
// change. A locally read entry stays read even if a later backlog reports it
// unread.
//
// Accept, Reject and MarkRead mutate the feed before the remote command
// completes. A failed command is reported through the Notifier; the local
// change is kept.
package notifications

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/socialsync/internal/clock"
	"github.com/rmacdonaldsmith/socialsync/internal/notice"
	"github.com/rmacdonaldsmith/socialsync/pkg/eventbus"
	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

var (
	ErrNoticesChannelRequired        = errors.New("notices channel is required")
	ErrFriendRequestsChannelRequired = errors.New("friend requests channel is required")
	ErrBusRequired                   = errors.New("event bus is required")

	// ErrNotActionable is returned by Accept and Reject for notices that
	// are not invitations.
	ErrNotActionable = errors.New("notification cannot be accepted or rejected")
)

// Config configures an Aggregator.
type Config struct {
	// Notices is the generic-notifications hub.
	Notices hubclient.Channel
	// FriendRequests is the friend-request hub.
	FriendRequests hubclient.Channel
	Bus            *eventbus.Bus

	// InvokeTimeout bounds each remote command. Defaults to 15s.
	InvokeTimeout time.Duration

	// Clock stamps entries whose createdAt cannot be parsed.
	Clock    clock.Clock
	Logger   *slog.Logger
	Notifier notice.Notifier
}

// SetDefaults fills unset optional fields.
func (c *Config) SetDefaults() {
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = 15 * time.Second
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
	if c.Notices == nil {
		return ErrNoticesChannelRequired
	}
	if c.FriendRequests == nil {
		return ErrFriendRequestsChannelRequired
	}
	if c.Bus == nil {
		return ErrBusRequired
	}
	return nil
}

// Aggregator owns the unified notification feed.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	feed      []social.UnifiedNotification
	listeners []func([]social.UnifiedNotification)
}

// New registers the feed's handlers on both channels. The channels are not
// connected until Start.
func New(cfg Config) (*Aggregator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Aggregator{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "notifications"),
	}

	cfg.Notices.On(social.EventInitialNoticeBacklog, a.onNoticeBacklog)
	cfg.Notices.On(social.EventNoticeReceived, a.onNoticeReceived)
	cfg.Notices.On(social.EventNoticeRemoved, a.onRemoved(social.KindGenericNotice))
	cfg.FriendRequests.On(social.EventPendingFriendRequests, a.onFriendRequestBacklog)
	cfg.FriendRequests.On(social.EventFriendRequestReceived, a.onFriendRequestReceived)
	cfg.FriendRequests.On(social.EventFriendRequestRemoved, a.onRemoved(social.KindFriendRequest))
	return a, nil
}

// Start connects both channels. Transient connection failures are retried by
// the channels themselves and are not returned.
func (a *Aggregator) Start(ctx context.Context) error {
	var errs []error
	for _, ch := range []hubclient.Channel{a.cfg.Notices, a.cfg.FriendRequests} {
		if err := ch.Connect(ctx); err != nil && !hubclient.IsTransient(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops both channels.
func (a *Aggregator) Stop() {
	a.cfg.Notices.Stop()
	a.cfg.FriendRequests.Stop()
}

// Notifications returns a snapshot of the feed, newest first.
func (a *Aggregator) Notifications() []social.UnifiedNotification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.feed)
}

// UnreadCount returns the number of unread entries.
func (a *Aggregator) UnreadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, entry := range a.feed {
		if !entry.Read {
			n++
		}
	}
	return n
}

// OnChange registers fn to receive a snapshot after every feed change.
func (a *Aggregator) OnChange(fn func([]social.UnifiedNotification)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// update replaces the feed with fn(current). fn must not modify its input.
func (a *Aggregator) update(fn func([]social.UnifiedNotification) []social.UnifiedNotification) {
	a.mu.Lock()
	next := fn(a.feed)
	if next == nil {
		a.mu.Unlock()
		return
	}
	sortFeed(next)
	a.feed = next
	snapshot := slices.Clone(next)
	listeners := slices.Clone(a.listeners)
	a.mu.Unlock()

	for _, listener := range listeners {
		listener(snapshot)
	}
}

func sortFeed(feed []social.UnifiedNotification) {
	slices.SortStableFunc(feed, func(x, y social.UnifiedNotification) int {
		if c := y.CreatedAt.Compare(x.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
}

func indexOf(feed []social.UnifiedNotification, id string) int {
	return slices.IndexFunc(feed, func(n social.UnifiedNotification) bool { return n.ID == id })
}

// merge inserts entries whose id is not yet in the feed. It returns nil when
// nothing changed.
func merge(feed []social.UnifiedNotification, incoming ...social.UnifiedNotification) []social.UnifiedNotification {
	next := slices.Clone(feed)
	changed := false
	for _, entry := range incoming {
		if indexOf(next, entry.ID) >= 0 {
			continue
		}
		next = append(next, entry)
		changed = true
	}
	if !changed {
		return nil
	}
	return next
}

// reconstitute replaces every entry of kind with backlog, keeping entries of
// the other kind and the read flag of entries that survive.
func reconstitute(feed []social.UnifiedNotification, kind social.NotificationKind, backlog []social.UnifiedNotification) []social.UnifiedNotification {
	next := make([]social.UnifiedNotification, 0, len(feed)+len(backlog))
	readBefore := make(map[string]bool)
	for _, entry := range feed {
		if entry.Kind != kind {
			next = append(next, entry)
			continue
		}
		if entry.Read {
			readBefore[entry.ID] = true
		}
	}

	seen := make(map[string]bool, len(backlog))
	for _, entry := range backlog {
		if seen[entry.ID] {
			continue
		}
		seen[entry.ID] = true
		entry.Read = entry.Read || readBefore[entry.ID]
		next = append(next, entry)
	}
	return next
}

func (a *Aggregator) onNoticeBacklog(args hubclient.Arguments) {
	var notices []social.Notice
	if err := args.Decode(0, &notices); err != nil {
		a.logger.Warn("dropping malformed notice backlog", "error", err)
		return
	}
	now := a.cfg.Clock.Now()
	backlog := make([]social.UnifiedNotification, 0, len(notices))
	for _, n := range notices {
		if n.ID == "" {
			continue
		}
		backlog = append(backlog, n.ToNotification(now))
	}
	a.update(func(feed []social.UnifiedNotification) []social.UnifiedNotification {
		return reconstitute(feed, social.KindGenericNotice, backlog)
	})
	a.logger.Debug("notice backlog applied", "count", len(backlog))
}

func (a *Aggregator) onNoticeReceived(args hubclient.Arguments) {
	var n social.Notice
	if err := args.Decode(0, &n); err != nil || n.ID == "" {
		a.logger.Warn("dropping malformed notice", "error", err)
		return
	}
	entry := n.ToNotification(a.cfg.Clock.Now())
	a.update(func(feed []social.UnifiedNotification) []social.UnifiedNotification {
		return merge(feed, entry)
	})
}

func (a *Aggregator) onFriendRequestBacklog(args hubclient.Arguments) {
	var requests []social.FriendRequest
	if err := args.Decode(0, &requests); err != nil {
		a.logger.Warn("dropping malformed friend request backlog", "error", err)
		return
	}
	now := a.cfg.Clock.Now()
	backlog := make([]social.UnifiedNotification, 0, len(requests))
	for _, r := range requests {
		if r.ID == "" {
			continue
		}
		backlog = append(backlog, r.ToNotification(now))
	}
	a.update(func(feed []social.UnifiedNotification) []social.UnifiedNotification {
		return reconstitute(feed, social.KindFriendRequest, backlog)
	})
	a.logger.Debug("friend request backlog applied", "count", len(backlog))
}

func (a *Aggregator) onFriendRequestReceived(args hubclient.Arguments) {
	var r social.FriendRequest
	if err := args.Decode(0, &r); err != nil || r.ID == "" {
		a.logger.Warn("dropping malformed friend request", "error", err)
		return
	}
	entry := r.ToNotification(a.cfg.Clock.Now())
	a.update(func(feed []social.UnifiedNotification) []social.UnifiedNotification {
		return merge(feed, entry)
	})
}

func (a *Aggregator) onRemoved(kind social.NotificationKind) hubclient.Handler {
	return func(args hubclient.Arguments) {
		var ref social.RemovedRef
		if err := args.Decode(0, &ref); err != nil || ref.ID == "" {
			a.logger.Warn("dropping malformed removal", "kind", kind, "error", err)
			return
		}
		a.remove(social.NotificationID(kind, ref.ID))
	}
}

func (a *Aggregator) find(id string) (social.UnifiedNotification, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i := indexOf(a.feed, id); i >= 0 {
		return a.feed[i], true
	}
	return social.UnifiedNotification{}, false
}

func (a *Aggregator) remove(id string) {
	a.update(func(feed []social.UnifiedNotification) []social.UnifiedNotification {
		i := indexOf(feed, id)
		if i < 0 {
			return nil
		}
		return slices.Delete(slices.Clone(feed), i, i+1)
	})
}

// command is the remote side of an accept or reject.
type command struct {
	channel  hubclient.Channel
	method   string
	argument string
	refresh  eventbus.Event
	label    string
}

func (a *Aggregator) resolve(entry social.UnifiedNotification, accept bool) (command, error) {
	switch p := entry.Payload.(type) {
	case social.FriendRequestPayload:
		cmd := command{channel: a.cfg.FriendRequests, argument: p.RequestID, label: "friend request"}
		if accept {
			cmd.method = social.MethodAcceptFriendRequest
			cmd.refresh = eventbus.FriendsRefresh{RequestID: p.RequestID}
		} else {
			cmd.method = social.MethodRejectFriendRequest
		}
		return cmd, nil
	case social.NoticePayload:
		if !p.IsGroupInvitation() {
			return command{}, ErrNotActionable
		}
		cmd := command{channel: a.cfg.Notices, argument: p.InvitationID, label: "group invitation"}
		if accept {
			cmd.method = social.MethodAcceptGroupInvitation
			cmd.refresh = eventbus.GroupsRefresh{GroupID: p.GroupID}
		} else {
			cmd.method = social.MethodRejectGroupInvitation
		}
		return cmd, nil
	default:
		return command{}, ErrNotActionable
	}
}

// Accept accepts a friend request or group invitation. An id not in the feed
// is ignored.
func (a *Aggregator) Accept(ctx context.Context, id string) error {
	return a.decide(ctx, id, true)
}

// Reject rejects a friend request or group invitation. An id not in the feed
// is ignored.
func (a *Aggregator) Reject(ctx context.Context, id string) error {
	return a.decide(ctx, id, false)
}

func (a *Aggregator) decide(ctx context.Context, id string, accept bool) error {
	entry, ok := a.find(id)
	if !ok {
		return nil
	}
	cmd, err := a.resolve(entry, accept)
	if err != nil {
		return err
	}
	if cmd.channel.State() != hubclient.Connected {
		return hubclient.ErrNotConnected
	}

	a.remove(id)

	ctx, cancel := context.WithTimeout(ctx, a.cfg.InvokeTimeout)
	defer cancel()
	if _, err := cmd.channel.Invoke(ctx, cmd.method, cmd.argument); err != nil {
		verb := "reject"
		if accept {
			verb = "accept"
		}
		return a.commandFailed(fmt.Sprintf("could not %s %s", verb, cmd.label), cmd.method, err)
	}

	if cmd.refresh != nil {
		a.cfg.Bus.Publish(cmd.refresh)
	}
	return nil
}

// MarkRead flags an entry as read. Notices are also marked read on the
// server; friend requests have no server-side read state.
func (a *Aggregator) MarkRead(ctx context.Context, id string) error {
	entry, ok := a.find(id)
	if !ok {
		return nil
	}

	channel := a.cfg.Notices
	if entry.Kind == social.KindFriendRequest {
		channel = a.cfg.FriendRequests
	}
	if channel.State() != hubclient.Connected {
		return hubclient.ErrNotConnected
	}
	if entry.Read {
		return nil
	}

	a.update(func(feed []social.UnifiedNotification) []social.UnifiedNotification {
		i := indexOf(feed, id)
		if i < 0 || feed[i].Read {
			return nil
		}
		next := slices.Clone(feed)
		next[i].Read = true
		return next
	})

	p, ok := entry.Payload.(social.NoticePayload)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.InvokeTimeout)
	defer cancel()
	if _, err := channel.Invoke(ctx, social.MethodMarkNotificationRead, p.NoticeID); err != nil {
		return a.commandFailed("could not mark notification as read", social.MethodMarkNotificationRead, err)
	}
	return nil
}

func (a *Aggregator) commandFailed(message, method string, err error) error {
	a.logger.Warn("command failed", "method", method, "error", err)
	a.cfg.Notifier.Notify(notice.Notice{
		Level:   notice.Error,
		Source:  "notifications",
		Message: message,
	})
	return fmt.Errorf("%s: %w", method, err)
}
