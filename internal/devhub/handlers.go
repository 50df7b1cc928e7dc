package devhub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrGroupNotFound),
		errors.Is(err, ErrNoticeNotFound),
		errors.Is(err, ErrFriendRequestNotFound),
		errors.Is(err, ErrInvitationNotFound),
		errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotMember):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) (AuthResponse, bool) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return AuthResponse{}, false
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, "userId is required", http.StatusBadRequest)
		return AuthResponse{}, false
	}
	if req.DisplayName == "" {
		req.DisplayName = req.UserID
	}
	token, expiresAt, err := s.auth.GenerateToken(req.UserID, req.DisplayName)
	if err != nil {
		writeError(w, "Failed to generate token: "+err.Error(), http.StatusInternalServerError)
		return AuthResponse{}, false
	}
	return AuthResponse{Token: token, UserID: req.UserID, ExpiresAt: expiresAt}, true
}

// handleLogin issues a bearer token for any user id.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.issueToken(w, r)
	if !ok {
		return
	}
	s.logger.Info("user logged in", "user_id", resp.UserID)
	writeJSON(w, resp, http.StatusOK)
}

// handleSessionLogin issues the token as a session cookie instead.
func (s *Server) handleSessionLogin(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.issueToken(w, r)
	if !ok {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    resp.Token,
		Path:     "/",
		Expires:  resp.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.logger.Info("cookie session opened", "user_id", resp.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{
		Healthy: true,
		Message: "devhub is running",
		Hubs:    s.router.PathCount(),
		Peers:   s.router.Count(),
	}, http.StatusOK)
}

func (s *Server) handleActiveVoting(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	if err := s.world.CheckMember(groupID, identityFrom(r).UserID); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	session, found, err := s.votes.ActiveSession(r.Context(), groupID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		writeError(w, "no active voting session", http.StatusNotFound)
		return
	}
	writeJSON(w, session, http.StatusOK)
}

func (s *Server) handleVotingResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.votes.Results(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrSessionNotFound) {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, results, http.StatusOK)
}

// Development injection handlers. They are unauthenticated.

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.world.CreateGroup(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, req, http.StatusCreated)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	var m Member
	if !decodeBody(w, r, &m) {
		return
	}
	if m.UserID == "" {
		writeError(w, "userId is required", http.StatusBadRequest)
		return
	}
	if err := s.world.addMember(groupID, m); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.push(social.HubGroupChat, groupID, social.EventMemberJoined, nil,
		social.MemberEvent{GroupID: groupID, UserID: m.UserID, DisplayName: m.DisplayName})
	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveMember announces a voluntary leave, or a removal when
// RemovedBy is set. Kick also tells the removed user and detaches their
// chat connections from the group.
func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	var req RemoveMemberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	groupName, err := s.world.GroupName(groupID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	name, err := s.world.removeMember(groupID, req.UserID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	ev := social.MemberEvent{GroupID: groupID, UserID: req.UserID, DisplayName: name, RemovedBy: req.RemovedBy}
	event := social.EventMemberLeft
	if req.RemovedBy != "" {
		event = social.EventMemberRemoved
	}

	if req.Kick {
		path, _ := social.HubPath(social.HubGroupChat, groupID)
		kicked := s.router.peers(path, toUser(req.UserID))
		for _, p := range kicked {
			s.deliverEvent(p, social.EventYouWereKicked, social.KickedEvent{GroupID: groupID, GroupName: groupName})
			s.router.detach(p)
		}
		if len(kicked) > 0 {
			s.broadcastRoster(groupID)
		}
	}
	s.push(social.HubGroupChat, groupID, event, nil, ev)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddNotice(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	var req NoticeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	n, err := s.world.AddNotice(userID, req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.push(social.HubNotifications, "", social.EventNoticeReceived, toUser(userID), n)
	writeJSON(w, n, http.StatusCreated)
}

func (s *Server) handleRemoveNotice(w http.ResponseWriter, r *http.Request) {
	userID, id := r.PathValue("userID"), r.PathValue("id")
	if err := s.world.RemoveNotice(userID, id); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.push(social.HubNotifications, "", social.EventNoticeRemoved, toUser(userID), social.RemovedRef{ID: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddFriendRequest(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	var req FriendRequestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	fr, err := s.world.AddFriendRequest(userID, req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.push(social.HubFriendRequests, "", social.EventFriendRequestReceived, toUser(userID), fr)
	writeJSON(w, fr, http.StatusCreated)
}

// handleDropUser closes every hub connection of a user, as a server
// restart would.
func (s *Server) handleDropUser(w http.ResponseWriter, r *http.Request) {
	peers := s.router.userPeers(r.PathValue("userID"))
	for _, p := range peers {
		s.closePeer(p)
	}
	writeJSON(w, map[string]int{"dropped": len(peers)}, http.StatusOK)
}

// Voting. Events are pushed as soon as a command is accepted, except where
// the event is derived from the read side; those follow the write.

func (s *Server) votingEvent(groupID, sessionID, event string) {
	s.push(social.HubGroupVoting, groupID, event, nil,
		social.VotingEvent{VotingSessionID: sessionID, GroupID: groupID})
}

func (s *Server) sessionGroup(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	groupID, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if ok {
		return groupID, nil
	}
	session, err := s.votes.Session(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return session.GroupID, nil
}

func (s *Server) handleStartVoting(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	var req StartVotingRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if _, err := s.world.GroupName(groupID); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	session, done := s.votes.StartSession(groupID, req.ClosesAt)
	s.mu.Lock()
	s.sessions[session.ID] = groupID
	s.mu.Unlock()

	s.votingEvent(groupID, session.ID, social.EventVotingSessionStarted)
	go s.awaitWrite("start voting", done, nil)
	writeJSON(w, session, http.StatusCreated)
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req CastVoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.RestaurantID == "" {
		writeError(w, "userId and restaurantId are required", http.StatusBadRequest)
		return
	}
	groupID, err := s.sessionGroup(r.Context(), sessionID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if req.RestaurantName == "" {
		req.RestaurantName = req.RestaurantID
	}

	done := s.votes.CastVote(sessionID, req.UserID, req.RestaurantID, req.RestaurantName)
	s.votingEvent(groupID, sessionID, social.EventVoteCast)
	go s.awaitWrite("cast vote", done, func() {
		s.votingEvent(groupID, sessionID, social.EventVotingResultsUpdated)
		results, err := s.votes.Results(context.Background(), sessionID)
		if err == nil && results.Tie {
			s.votingEvent(groupID, sessionID, social.EventVotingTieDetected)
		}
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCloseVoting(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	groupID, err := s.sessionGroup(r.Context(), sessionID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	done := s.votes.CloseSession(sessionID)
	go s.awaitWrite("close voting", done, func() {
		s.votingEvent(groupID, sessionID, social.EventVotingSessionClosed)
		results, err := s.votes.Results(context.Background(), sessionID)
		if err == nil && results.WinnerRestaurantID != "" {
			s.votingEvent(groupID, sessionID, social.EventVotingWinnerSelected)
		}
	})
	w.WriteHeader(http.StatusAccepted)
}

// awaitWrite runs then once a lagged write has landed.
func (s *Server) awaitWrite(op string, done <-chan error, then func()) {
	if err := <-done; err != nil {
		s.logger.Warn("voting write failed", "op", op, "error", err)
		return
	}
	if then != nil {
		then()
	}
}
