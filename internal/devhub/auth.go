package devhub

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookieName is the cookie set by the cookie login endpoint.
const SessionCookieName = "socialsync_session"

// Claims are the JWT claims issued by the dev hub.
type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// identity is the authenticated caller of a request or hub connection.
type identity struct {
	UserID      string
	DisplayName string
}

// JWTAuth issues and validates HS256 tokens.
type JWTAuth struct {
	secretKey []byte
	ttl       time.Duration
}

// NewJWTAuth creates a new JWT authentication handler
func NewJWTAuth(secretKey string, ttl time.Duration) *JWTAuth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTAuth{
		secretKey: []byte(secretKey),
		ttl:       ttl,
	}
}

// GenerateToken creates a new JWT token for a user
func (j *JWTAuth) GenerateToken(userID, displayName string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("userID cannot be empty")
	}

	now := time.Now()
	expiresAt := now.Add(j.ttl)

	claims := Claims{
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}

// authenticate reads a bearer token from the Authorization header, or
// the session cookie when there is none.
func (j *JWTAuth) authenticate(header http.Header) (identity, error) {
	token := header.Get("Authorization")
	if token == "" {
		cookie, err := (&http.Request{Header: header}).Cookie(SessionCookieName)
		if err != nil {
			return identity{}, errors.New("authorization header or session cookie required")
		}
		token = cookie.Value
	}

	claims, err := j.ValidateToken(token)
	if err != nil {
		return identity{}, err
	}
	return identity{UserID: claims.UserID, DisplayName: claims.DisplayName}, nil
}
