package devhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

// hubRoute is a parsed hub path.
type hubRoute struct {
	hub     social.Hub
	groupID string
	path    string // canonical, escaped
}

// parseHubRoute accepts an escaped hub path such as
// "/hubs/groups/g%2F1/chat".
func parseHubRoute(escaped string) (hubRoute, error) {
	escaped = strings.TrimSuffix(escaped, "/")

	var route hubRoute
	switch escaped {
	case "/hubs/notifications":
		route.hub = social.HubNotifications
	case "/hubs/friend-requests":
		route.hub = social.HubFriendRequests
	default:
		rest, ok := strings.CutPrefix(escaped, "/hubs/groups/")
		if !ok {
			return hubRoute{}, fmt.Errorf("unknown hub %q", escaped)
		}
		rawGroup, kind, ok := strings.Cut(rest, "/")
		if !ok {
			return hubRoute{}, fmt.Errorf("unknown hub %q", escaped)
		}
		switch kind {
		case "chat":
			route.hub = social.HubGroupChat
		case "voting":
			route.hub = social.HubGroupVoting
		default:
			return hubRoute{}, fmt.Errorf("unknown hub %q", escaped)
		}
		groupID, err := url.PathUnescape(rawGroup)
		if err != nil || groupID == "" {
			return hubRoute{}, fmt.Errorf("invalid group id in %q", escaped)
		}
		route.groupID = groupID
	}

	path, err := social.HubPath(route.hub, route.groupID)
	if err != nil {
		return hubRoute{}, err
	}
	route.path = path
	return route, nil
}

// hubError carries the HTTP status a rejected hub connection maps to.
type hubError struct {
	status int
	err    error
}

func (e *hubError) Error() string { return e.err.Error() }
func (e *hubError) Unwrap() error { return e.err }

// admit authenticates and authorizes a hub connection. It does not attach
// the peer.
func (s *Server) admit(header http.Header, escapedPath, transport string) (*peer, error) {
	id, err := s.auth.authenticate(header)
	if err != nil {
		return nil, &hubError{status: http.StatusUnauthorized, err: err}
	}
	route, err := parseHubRoute(escapedPath)
	if err != nil {
		return nil, &hubError{status: http.StatusNotFound, err: err}
	}
	if route.groupID != "" {
		switch err := s.world.CheckMember(route.groupID, id.UserID); {
		case errors.Is(err, ErrGroupNotFound):
			return nil, &hubError{status: http.StatusNotFound, err: err}
		case err != nil:
			return nil, &hubError{status: http.StatusForbidden, err: err}
		}
	}
	return newPeer(route, id, transport, s.cfg.SendQueueSize), nil
}

// open attaches p and queues its greeting: a ping, then the backlog of
// its hub.
func (s *Server) open(p *peer) {
	s.router.attach(p)
	p.deliver(hubclient.Frame{Type: hubclient.FramePing})

	switch p.hub {
	case social.HubNotifications:
		s.deliverEvent(p, social.EventInitialNoticeBacklog, s.world.Notices(p.userID))
	case social.HubFriendRequests:
		s.deliverEvent(p, social.EventPendingFriendRequests, s.world.FriendRequests(p.userID))
	}
	s.logger.Info("hub connection opened", "hub", p.hub, "group_id", p.groupID, "user_id", p.userID, "transport", p.transport, "peer", p.id)
}

// closePeer detaches p. Leaving a chat updates the group's presence.
func (s *Server) closePeer(p *peer) {
	if !s.router.detach(p) {
		p.close()
		return
	}
	p.close()
	if p.hub == social.HubGroupChat && p.isJoined() {
		s.broadcastRoster(p.groupID)
	}
	s.logger.Info("hub connection closed", "hub", p.hub, "group_id", p.groupID, "user_id", p.userID, "peer", p.id)
}

func (s *Server) deliverEvent(p *peer, event string, args ...any) {
	f, err := hubclient.EventFrame(event, args...)
	if err != nil {
		s.logger.Error("failed to build event frame", "event", event, "error", err)
		return
	}
	if !p.deliver(f) {
		s.logger.Warn("dropping event for slow peer", "event", event, "peer", p.id)
	}
}

// push sends an event to the peers of a hub accepted by keep.
func (s *Server) push(hub social.Hub, groupID, event string, keep func(*peer) bool, args ...any) int {
	path, err := social.HubPath(hub, groupID)
	if err != nil {
		s.logger.Error("invalid hub", "hub", hub, "error", err)
		return 0
	}
	f, err := hubclient.EventFrame(event, args...)
	if err != nil {
		s.logger.Error("failed to build event frame", "event", event, "error", err)
		return 0
	}
	return s.router.broadcast(path, f, keep)
}

func (s *Server) broadcastRoster(groupID string) {
	path, _ := social.HubPath(social.HubGroupChat, groupID)
	roster := social.PresenceRoster{GroupID: groupID, Users: s.router.presence(path)}
	s.push(social.HubGroupChat, groupID, social.EventPresenceRoster, joinedPeers, roster)
}

// invoke runs an invocation and builds its completion.
func (s *Server) invoke(ctx context.Context, p *peer, f hubclient.Frame) hubclient.Frame {
	completion := hubclient.Frame{Type: hubclient.FrameCompletion, InvocationID: f.InvocationID}

	result, err := s.call(ctx, p, f.Target, hubclient.Arguments(f.Arguments))
	if err != nil {
		s.logger.Debug("invocation failed", "method", f.Target, "user_id", p.userID, "error", err)
		completion.Error = err.Error()
		return completion
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			completion.Error = fmt.Sprintf("failed to encode result: %v", err)
			return completion
		}
		completion.Result = raw
	}
	return completion
}

var methodHubs = map[string]social.Hub{
	social.MethodAcceptFriendRequest:   social.HubFriendRequests,
	social.MethodRejectFriendRequest:   social.HubFriendRequests,
	social.MethodAcceptGroupInvitation: social.HubNotifications,
	social.MethodRejectGroupInvitation: social.HubNotifications,
	social.MethodMarkNotificationRead:  social.HubNotifications,
	social.MethodJoinGroup:             social.HubGroupChat,
	social.MethodSendGroupMessage:      social.HubGroupChat,
}

func (s *Server) call(ctx context.Context, p *peer, method string, args hubclient.Arguments) (any, error) {
	hub, ok := methodHubs[method]
	if !ok {
		return nil, fmt.Errorf("unknown method %s", method)
	}
	if hub != p.hub {
		return nil, fmt.Errorf("method %s is not available on hub %s", method, p.hub)
	}

	var id string
	if err := args.Decode(0, &id); err != nil || id == "" {
		return nil, fmt.Errorf("%s requires an id argument", method)
	}

	switch method {
	case social.MethodAcceptFriendRequest, social.MethodRejectFriendRequest:
		fr, err := s.world.takeFriendRequest(p.userID, id)
		if err != nil {
			return nil, err
		}
		if method == social.MethodAcceptFriendRequest {
			s.world.addFriends(p.userID, fr.FromUserID)
		}
		s.push(social.HubFriendRequests, "", social.EventFriendRequestRemoved, toUser(p.userID), social.RemovedRef{ID: id})
		return nil, nil

	case social.MethodAcceptGroupInvitation, social.MethodRejectGroupInvitation:
		inv, err := s.world.takeInvitation(p.userID, id)
		if err != nil {
			return nil, err
		}
		s.push(social.HubNotifications, "", social.EventNoticeRemoved, toUser(p.userID), social.RemovedRef{ID: inv.noticeID})
		if method == social.MethodAcceptGroupInvitation {
			member := Member{UserID: p.userID, DisplayName: p.displayName}
			if err := s.world.addMember(inv.groupID, member); err != nil {
				return nil, err
			}
			s.push(social.HubGroupChat, inv.groupID, social.EventMemberJoined, nil,
				social.MemberEvent{GroupID: inv.groupID, UserID: member.UserID, DisplayName: member.DisplayName})
		}
		return nil, nil

	case social.MethodMarkNotificationRead:
		return nil, s.world.markRead(p.userID, id)

	case social.MethodJoinGroup:
		if id != p.groupID {
			return nil, fmt.Errorf("connection belongs to group %s", p.groupID)
		}
		if err := s.world.CheckMember(id, p.userID); err != nil {
			return nil, err
		}
		p.setJoined(true)
		s.deliverEvent(p, social.EventChatHistoryLoaded, social.ChatHistory{
			GroupID:  id,
			Messages: s.chat.Tail(id, s.cfg.HistoryLimit),
		})
		s.broadcastRoster(id)
		return nil, nil

	case social.MethodSendGroupMessage:
		var text string
		if err := args.Decode(1, &text); err != nil {
			return nil, fmt.Errorf("%s requires a text argument", method)
		}
		text = strings.TrimSpace(text)
		switch {
		case id != p.groupID || !p.isJoined():
			return nil, fmt.Errorf("join group %s first", id)
		case text == "":
			return nil, errors.New("message text is empty")
		}
		msg := social.ChatMessage{
			ID:          uuid.NewString(),
			GroupID:     id,
			UserID:      p.userID,
			DisplayName: p.displayName,
			Text:        text,
			SentAt:      time.Now().UTC(),
		}
		if _, err := s.chat.Append(ctx, msg); err != nil {
			return nil, err
		}
		s.push(social.HubGroupChat, id, social.EventMessageReceived, joinedPeers, msg)
		return msg, nil
	}
	return nil, fmt.Errorf("unknown method %s", method)
}
