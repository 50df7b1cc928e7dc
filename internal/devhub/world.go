package devhub

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

var (
	ErrGroupNotFound         = errors.New("group not found")
	ErrNotMember             = errors.New("not a member of the group")
	ErrNoticeNotFound        = errors.New("notice not found")
	ErrFriendRequestNotFound = errors.New("friend request not found")
	ErrInvitationNotFound    = errors.New("invitation not found")
)

type groupRecord struct {
	id      string
	name    string
	adminID string
	members map[string]string // user id -> display name
}

type invitation struct {
	id       string
	groupID  string
	userID   string
	noticeID string
}

// World is the dev hub's in-memory social graph: notices, friend requests,
// friendships, groups and invitations.
// It is safe for concurrent use.
type World struct {
	mu             sync.Mutex
	notices        map[string][]social.Notice
	friendRequests map[string][]social.FriendRequest
	friends        map[string]map[string]bool
	groups         map[string]*groupRecord
	invitations    map[string]invitation
}

func NewWorld() *World {
	return &World{
		notices:        make(map[string][]social.Notice),
		friendRequests: make(map[string][]social.FriendRequest),
		friends:        make(map[string]map[string]bool),
		groups:         make(map[string]*groupRecord),
		invitations:    make(map[string]invitation),
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// CreateGroup creates or replaces a group.
func (w *World) CreateGroup(req CreateGroupRequest) error {
	if req.ID == "" {
		return errors.New("group id is required")
	}
	g := &groupRecord{id: req.ID, name: req.Name, adminID: req.AdminID, members: make(map[string]string)}
	if g.name == "" {
		g.name = req.ID
	}
	for _, m := range req.Members {
		g.members[m.UserID] = m.DisplayName
	}
	if req.AdminID != "" {
		if _, ok := g.members[req.AdminID]; !ok {
			g.members[req.AdminID] = req.AdminID
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.groups[req.ID] = g
	return nil
}

// GroupName returns the name of groupID.
func (w *World) GroupName(groupID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.groups[groupID]
	if !ok {
		return "", ErrGroupNotFound
	}
	return g.name, nil
}

// CheckMember returns ErrGroupNotFound or ErrNotMember when userID may not
// use groupID's hubs.
func (w *World) CheckMember(groupID, userID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	if _, ok := g.members[userID]; !ok {
		return ErrNotMember
	}
	return nil
}

// Members returns groupID's members ordered by user id.
func (w *World) Members(groupID string) ([]Member, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	out := make([]Member, 0, len(g.members))
	for id, name := range g.members {
		out = append(out, Member{UserID: id, DisplayName: name})
	}
	slices.SortFunc(out, func(a, b Member) int { return cmp.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (w *World) addMember(groupID string, m Member) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	g.members[m.UserID] = m.DisplayName
	return nil
}

// removeMember returns the removed member's display name.
func (w *World) removeMember(groupID, userID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.groups[groupID]
	if !ok {
		return "", ErrGroupNotFound
	}
	name, ok := g.members[userID]
	if !ok {
		return "", ErrNotMember
	}
	delete(g.members, userID)
	return name, nil
}

// AddNotice stores a notice for userID. Group invitations also create the
// invitation the notice refers to.
func (w *World) AddNotice(userID string, req NoticeRequest) (social.Notice, error) {
	if req.Type == "" {
		req.Type = social.NoticeTypeGeneric
	}
	n := social.Notice{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Title:     req.Title,
		Message:   req.Message,
		CreatedAt: timestamp(),
		GroupID:   req.GroupID,
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if req.Type == social.NoticeTypeGroupInvitation {
		g, ok := w.groups[req.GroupID]
		if !ok {
			return social.Notice{}, ErrGroupNotFound
		}
		inv := invitation{id: uuid.NewString(), groupID: g.id, userID: userID, noticeID: n.ID}
		w.invitations[inv.id] = inv
		n.GroupName = g.name
		n.InvitationID = inv.id
		if n.Title == "" {
			n.Title = fmt.Sprintf("Invitation to %s", g.name)
		}
	}

	w.notices[userID] = append(w.notices[userID], n)
	return n, nil
}

// Notices returns userID's notices, oldest first.
func (w *World) Notices(userID string) []social.Notice {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]social.Notice{}, w.notices[userID]...)
}

// RemoveNotice deletes a notice and any invitation attached to it.
func (w *World) RemoveNotice(userID, noticeID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removeNoticeLocked(userID, noticeID)
}

func (w *World) removeNoticeLocked(userID, noticeID string) error {
	notices := w.notices[userID]
	i := slices.IndexFunc(notices, func(n social.Notice) bool { return n.ID == noticeID })
	if i < 0 {
		return ErrNoticeNotFound
	}
	if inv := notices[i].InvitationID; inv != "" {
		delete(w.invitations, inv)
	}
	w.notices[userID] = slices.Delete(notices, i, i+1)
	return nil
}

func (w *World) markRead(userID, noticeID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, n := range w.notices[userID] {
		if n.ID == noticeID {
			w.notices[userID][i].Read = true
			return nil
		}
	}
	return ErrNoticeNotFound
}

// takeInvitation removes an invitation addressed to userID together with
// its notice.
func (w *World) takeInvitation(userID, invitationID string) (invitation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	inv, ok := w.invitations[invitationID]
	if !ok || inv.userID != userID {
		return invitation{}, ErrInvitationNotFound
	}
	delete(w.invitations, invitationID)
	_ = w.removeNoticeLocked(userID, inv.noticeID)
	return inv, nil
}

// AddFriendRequest stores a pending friend request addressed to userID.
func (w *World) AddFriendRequest(userID string, req FriendRequestRequest) (social.FriendRequest, error) {
	if req.FromUserID == "" {
		return social.FriendRequest{}, errors.New("fromUserId is required")
	}
	fr := social.FriendRequest{
		ID:              uuid.NewString(),
		FromUserID:      req.FromUserID,
		FromDisplayName: req.FromDisplayName,
		Message:         req.Message,
		CreatedAt:       timestamp(),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.friendRequests[userID] = append(w.friendRequests[userID], fr)
	return fr, nil
}

// FriendRequests returns userID's pending friend requests, oldest first.
func (w *World) FriendRequests(userID string) []social.FriendRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]social.FriendRequest{}, w.friendRequests[userID]...)
}

func (w *World) takeFriendRequest(userID, requestID string) (social.FriendRequest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	requests := w.friendRequests[userID]
	i := slices.IndexFunc(requests, func(r social.FriendRequest) bool { return r.ID == requestID })
	if i < 0 {
		return social.FriendRequest{}, ErrFriendRequestNotFound
	}
	fr := requests[i]
	w.friendRequests[userID] = slices.Delete(requests, i, i+1)
	return fr, nil
}

func (w *World) addFriends(a, b string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if w.friends[pair[0]] == nil {
			w.friends[pair[0]] = make(map[string]bool)
		}
		w.friends[pair[0]][pair[1]] = true
	}
}

// Friends returns userID's friends in order.
func (w *World) Friends(userID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.friends[userID]))
	for id := range w.friends[userID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
