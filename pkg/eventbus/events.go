package eventbus

import "github.com/rmacdonaldsmith/socialsync/pkg/social"

// Name identifies an event on the bus.
type Name string

const (
	NameFriendsRefresh Name = "friends:refresh"
	NameGroupsRefresh  Name = "groups:refresh"
	NameChatHistory    Name = "chat:historial"
	NameGroupKicked    Name = "group:kicked"
	NameConnectedUsers Name = "usuarios:conectados"
	NameVotingUpdated  Name = "voting:updated"
)

// Event is implemented by every payload type that can travel on the bus.
type Event interface {
	EventName() Name
}

// FriendsRefresh asks friends-list views to re-fetch.
type FriendsRefresh struct {
	// RequestID is the friend request that caused the refresh, if any.
	RequestID string
}

func (FriendsRefresh) EventName() Name { return NameFriendsRefresh }

// GroupsRefresh asks group views to re-fetch the group list or, when
// GroupID is set, that group's member list.
type GroupsRefresh struct {
	GroupID    string
	Membership *social.GroupMembershipEvent
}

func (GroupsRefresh) EventName() Name { return NameGroupsRefresh }

// ChatHistoryLoaded signals that a group's message view was replaced by a
// backfill.
type ChatHistoryLoaded struct {
	GroupID      string
	MessageCount int
}

func (ChatHistoryLoaded) EventName() Name { return NameChatHistory }

// GroupKicked tells the active view that the user was removed from the
// group it is showing.
type GroupKicked struct {
	GroupID   string
	GroupName string
}

func (GroupKicked) EventName() Name { return NameGroupKicked }

// ConnectedUsers carries the latest presence roster of a group.
type ConnectedUsers struct {
	GroupID string
	Users   []social.PresentUser
}

func (ConnectedUsers) EventName() Name { return NameConnectedUsers }

// VotingUpdated signals that the voting projection of a group was re-fetched.
type VotingUpdated struct {
	GroupID   string
	SessionID string
}

func (VotingUpdated) EventName() Name { return NameVotingUpdated }

// Names lists the closed set of event names.
func Names() []Name {
	return []Name{
		NameFriendsRefresh, NameGroupsRefresh, NameChatHistory,
		NameGroupKicked, NameConnectedUsers, NameVotingUpdated,
	}
}
