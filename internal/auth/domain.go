package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// ErrInvalidCredentials hides whether the email or the password was wrong.
var ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", shared.ErrUnauthorized)

// User represents an authenticated user account.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Claims is the bearer token payload. The subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64  `json:"uid" validate:"required,gt=0"`
	Email  string `json:"email,omitempty" validate:"omitempty,email"`
}

// TokenResponse is returned by the token endpoint.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}
