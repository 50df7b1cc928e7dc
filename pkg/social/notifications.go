package social

import (
	"fmt"
	"time"
)

// NotificationKind tags the source channel of a UnifiedNotification.
type NotificationKind int

const (
	KindGenericNotice NotificationKind = iota
	KindFriendRequest
)

func (k NotificationKind) String() string {
	switch k {
	case KindGenericNotice:
		return "notice"
	case KindFriendRequest:
		return "friend-request"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Notice types that the backend sends on the notifications hub.
const (
	NoticeTypeGeneric         = "generic"
	NoticeTypeGroupInvitation = "group_invitation"
	NoticeTypePayment         = "payment"
)

// UnifiedNotification is one entry of the merged notification feed.
type UnifiedNotification struct {
	// ID is unique across both source channels: the kind prefix plus the
	// backend id (see NotificationID).
	ID        string
	Kind      NotificationKind
	Title     string
	Message   string
	Read      bool
	CreatedAt time.Time
	Payload   Payload
}

// Payload is the variant-specific part of a UnifiedNotification. It is
// either NoticePayload or FriendRequestPayload.
type Payload interface {
	isPayload()
}

// NoticePayload carries the backend fields of a generic notice.
type NoticePayload struct {
	NoticeID     string
	Type         string
	GroupID      string
	GroupName    string
	InvitationID string
}

func (NoticePayload) isPayload() {}

// IsGroupInvitation reports whether the notice can be accepted or rejected.
func (p NoticePayload) IsGroupInvitation() bool {
	return p.Type == NoticeTypeGroupInvitation && p.InvitationID != ""
}

// FriendRequestPayload carries the backend fields of a friend request.
type FriendRequestPayload struct {
	RequestID       string
	FromUserID      string
	FromDisplayName string
}

func (FriendRequestPayload) isPayload() {}

// NotificationID builds the feed id for a backend id on a given channel.
func NotificationID(kind NotificationKind, backendID string) string {
	return kind.String() + ":" + backendID
}

// Notice is the wire shape of a generic notice.
type Notice struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	Message      string `json:"message"`
	Read         bool   `json:"read"`
	CreatedAt    string `json:"createdAt"`
	GroupID      string `json:"groupId,omitempty"`
	GroupName    string `json:"groupName,omitempty"`
	InvitationID string `json:"invitationId,omitempty"`
}

// FriendRequest is the wire shape of a friend request.
type FriendRequest struct {
	ID              string `json:"id"`
	FromUserID      string `json:"fromUserId"`
	FromDisplayName string `json:"fromDisplayName"`
	Message         string `json:"message,omitempty"`
	CreatedAt       string `json:"createdAt"`
}

// RemovedRef is the payload of NoticeRemoved and FriendRequestRemoved.
type RemovedRef struct {
	ID string `json:"id"`
}

// ToNotification converts a wire notice. fallback is used when CreatedAt
// cannot be parsed.
func (n Notice) ToNotification(fallback time.Time) UnifiedNotification {
	noticeType := n.Type
	if noticeType == "" {
		noticeType = NoticeTypeGeneric
	}
	return UnifiedNotification{
		ID:        NotificationID(KindGenericNotice, n.ID),
		Kind:      KindGenericNotice,
		Title:     n.Title,
		Message:   n.Message,
		Read:      n.Read,
		CreatedAt: ParseTimestamp(n.CreatedAt, fallback),
		Payload: NoticePayload{
			NoticeID:     n.ID,
			Type:         noticeType,
			GroupID:      n.GroupID,
			GroupName:    n.GroupName,
			InvitationID: n.InvitationID,
		},
	}
}

// ToNotification converts a wire friend request.
func (r FriendRequest) ToNotification(fallback time.Time) UnifiedNotification {
	message := r.Message
	if message == "" {
		message = r.FromDisplayName + " wants to be your friend"
	}
	return UnifiedNotification{
		ID:        NotificationID(KindFriendRequest, r.ID),
		Kind:      KindFriendRequest,
		Title:     "Friend request",
		Message:   message,
		CreatedAt: ParseTimestamp(r.CreatedAt, fallback),
		Payload: FriendRequestPayload{
			RequestID:       r.ID,
			FromUserID:      r.FromUserID,
			FromDisplayName: r.FromDisplayName,
		},
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999", // backend timestamps without zone are UTC
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a backend timestamp, returning fallback when the
// value is empty or unparsable.
func ParseTimestamp(value string, fallback time.Time) time.Time {
	if value == "" {
		return fallback
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return fallback
}
