package devhub

import "time"

// LoginRequest represents a login request
type LoginRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// AuthResponse represents a login response
type AuthResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
	Hubs    int    `json:"hubs"`
	Peers   int    `json:"peers"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Development injection requests.

type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type CreateGroupRequest struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	AdminID string   `json:"adminId"`
	Members []Member `json:"members"`
}

type NoticeRequest struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
	// GroupID is required for group invitations.
	GroupID string `json:"groupId,omitempty"`
}

type FriendRequestRequest struct {
	FromUserID      string `json:"fromUserId"`
	FromDisplayName string `json:"fromDisplayName"`
	Message         string `json:"message,omitempty"`
}

type RemoveMemberRequest struct {
	UserID    string `json:"userId"`
	RemovedBy string `json:"removedBy,omitempty"`
	// Kick also sends YouWereKicked to the removed user.
	Kick bool `json:"kick,omitempty"`
}

type StartVotingRequest struct {
	ClosesAt *time.Time `json:"closesAt,omitempty"`
}

type CastVoteRequest struct {
	UserID         string `json:"userId"`
	RestaurantID   string `json:"restaurantId"`
	RestaurantName string `json:"restaurantName"`
}
