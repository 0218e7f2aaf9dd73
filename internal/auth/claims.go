package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
	// TokenTypeDevice is a long-lived access token bound to one device.
	TokenTypeDevice TokenType = "device"
)

// Claims are the only supported JWT claims shape for this service.
// Multi-tenant invariant: WorkspaceID must be present for all non-admin activity.
type Claims struct {
	jwt.RegisteredClaims

	UserID      string    `json:"user_id"`
	WorkspaceID string    `json:"workspace_id"`
	Role        string    `json:"role"`
	TokenType   TokenType `json:"token_type"`

	// DeviceID is set on device tokens only.
	DeviceID string `json:"device_id,omitempty"`
}

// grantsAccess reports whether the token may call the API (refresh tokens
// may not).
func (c Claims) grantsAccess() bool {
	return c.TokenType == TokenTypeAccess || c.TokenType == TokenTypeDevice
}
