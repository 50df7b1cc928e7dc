package social

import (
	"fmt"
	"time"
)

// VotingEventKind classifies a voting lifecycle event.
type VotingEventKind int

const (
	VotingStarted VotingEventKind = iota
	VotingVoteCast
	VotingResultsUpdated
	VotingTieDetected
	VotingWinnerSelected
	VotingClosed
)

var votingKindNames = map[VotingEventKind]string{
	VotingStarted:        EventVotingSessionStarted,
	VotingVoteCast:       EventVoteCast,
	VotingResultsUpdated: EventVotingResultsUpdated,
	VotingTieDetected:    EventVotingTieDetected,
	VotingWinnerSelected: EventVotingWinnerSelected,
	VotingClosed:         EventVotingSessionClosed,
}

// EventName returns the hub event name of the kind.
func (k VotingEventKind) EventName() string {
	if name, ok := votingKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("VotingEvent(%d)", int(k))
}

func (k VotingEventKind) String() string { return k.EventName() }

// VotingEventKinds lists every kind in lifecycle order.
func VotingEventKinds() []VotingEventKind {
	return []VotingEventKind{
		VotingStarted, VotingVoteCast, VotingResultsUpdated,
		VotingTieDetected, VotingWinnerSelected, VotingClosed,
	}
}

// VotingEvent is the payload of every voting hub event. Kind is derived from
// the event name, not from the payload.
type VotingEvent struct {
	VotingSessionID string          `json:"votingSessionId"`
	GroupID         string          `json:"groupId"`
	Kind            VotingEventKind `json:"-"`
}

// Voting session statuses.
const (
	VotingStatusActive = "active"
	VotingStatusClosed = "closed"
)

// VotingSession is the read-side row describing the group's active session.
type VotingSession struct {
	ID        string     `json:"id"`
	GroupID   string     `json:"groupId"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	ClosesAt  *time.Time `json:"closesAt,omitempty"`
}

// RestaurantTally is the vote count of one restaurant.
type RestaurantTally struct {
	RestaurantID string `json:"restaurantId"`
	Name         string `json:"name"`
	Votes        int    `json:"votes"`
}

// VotingResults is the externally computed result projection of a session.
type VotingResults struct {
	SessionID          string            `json:"sessionId"`
	Tallies            []RestaurantTally `json:"tallies"`
	TotalVotes         int               `json:"totalVotes"`
	Tie                bool              `json:"tie"`
	TiedRestaurantIDs  []string          `json:"tiedRestaurantIds,omitempty"`
	WinnerRestaurantID string            `json:"winnerRestaurantId,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}
