package social

import "time"

// ChatMessage is a group chat message.
type ChatMessage struct {
	ID          string    `json:"id"`
	GroupID     string    `json:"groupId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sentAt"`
}

// ChatHistory is the backfill sent once after JoinGroup.
type ChatHistory struct {
	GroupID  string        `json:"groupId"`
	Messages []ChatMessage `json:"messages"`
}

// MemberEvent is the payload of MemberJoined, MemberLeft and MemberRemoved.
type MemberEvent struct {
	GroupID     string `json:"groupId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	RemovedBy   string `json:"removedBy,omitempty"`
}

// KickedEvent is the payload of YouWereKicked.
type KickedEvent struct {
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
}

// PresentUser is one entry of a presence roster.
type PresentUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// PresenceRoster is the set of users currently connected to a group.
type PresenceRoster struct {
	GroupID string        `json:"groupId"`
	Users   []PresentUser `json:"users"`
}

// MembershipKind classifies a GroupMembershipEvent.
type MembershipKind int

const (
	MemberJoined MembershipKind = iota
	MemberLeft
	MemberKicked
	MemberForciblyRemoved
)

func (k MembershipKind) String() string {
	switch k {
	case MemberJoined:
		return "joined"
	case MemberLeft:
		return "left"
	case MemberKicked:
		return "kicked"
	case MemberForciblyRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// GroupMembershipEvent is republished on the local bus so that whoever owns
// the authoritative member list can re-fetch it.
type GroupMembershipEvent struct {
	Kind        MembershipKind
	UserID      string
	DisplayName string
	GroupID     string
}

// SendMessageRequest is the argument of SendGroupMessage.
type SendMessageRequest struct {
	GroupID string `json:"groupId"`
	Text    string `json:"text"`
}
