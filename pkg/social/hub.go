package social

import (
	"fmt"
	"net/url"
	"strings"
)

// Hub identifies one logical push channel.
type Hub string

const (
	HubNotifications  Hub = "notifications"
	HubFriendRequests Hub = "friend-requests"
	HubGroupChat      Hub = "group-chat"
	HubGroupVoting    Hub = "group-voting"
)

// Inbound event names.
const (
	EventInitialNoticeBacklog  = "InitialNoticeBacklog"
	EventNoticeReceived        = "NoticeReceived"
	EventNoticeRemoved         = "NoticeRemoved"
	EventPendingFriendRequests = "PendingFriendRequests"
	EventFriendRequestReceived = "FriendRequestReceived"
	EventFriendRequestRemoved  = "FriendRequestRemoved"

	EventMessageReceived   = "MessageReceived"
	EventMemberJoined      = "MemberJoined"
	EventMemberLeft        = "MemberLeft"
	EventMemberRemoved     = "MemberRemoved"
	EventYouWereKicked     = "YouWereKicked"
	EventPresenceRoster    = "PresenceRoster"
	EventChatHistoryLoaded = "ChatHistoryLoaded"

	EventVotingSessionStarted = "VotingSessionStarted"
	EventVoteCast             = "VoteCast"
	EventVotingResultsUpdated = "VotingResultsUpdated"
	EventVotingTieDetected    = "VotingTieDetected"
	EventVotingWinnerSelected = "VotingWinnerSelected"
	EventVotingSessionClosed  = "VotingSessionClosed"
)

// Remote-invokable methods.
const (
	MethodAcceptFriendRequest   = "AcceptFriendRequest"
	MethodRejectFriendRequest   = "RejectFriendRequest"
	MethodAcceptGroupInvitation = "AcceptGroupInvitation"
	MethodRejectGroupInvitation = "RejectGroupInvitation"
	MethodMarkNotificationRead  = "MarkNotificationRead"
	MethodSendGroupMessage      = "SendGroupMessage"
	MethodJoinGroup             = "JoinGroup"
)

// HubPath returns the URL path of a hub. Group hubs require a group id.
func HubPath(hub Hub, groupID string) (string, error) {
	switch hub {
	case HubNotifications:
		return "/hubs/notifications", nil
	case HubFriendRequests:
		return "/hubs/friend-requests", nil
	case HubGroupChat, HubGroupVoting:
		if strings.TrimSpace(groupID) == "" {
			return "", fmt.Errorf("hub %s requires a group id", hub)
		}
		suffix := "chat"
		if hub == HubGroupVoting {
			suffix = "voting"
		}
		return "/hubs/groups/" + url.PathEscape(groupID) + "/" + suffix, nil
	default:
		return "", fmt.Errorf("unknown hub %q", hub)
	}
}

// HubURL joins a base URL and the hub path.
func HubURL(baseURL string, hub Hub, groupID string) (string, error) {
	path, err := HubPath(hub, groupID)
	if err != nil {
		return "", err
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	u := *base
	u.RawPath = strings.TrimSuffix(base.EscapedPath(), "/") + path
	u.Path, err = url.PathUnescape(u.RawPath)
	if err != nil {
		return "", fmt.Errorf("invalid hub path: %w", err)
	}
	return u.String(), nil
}
