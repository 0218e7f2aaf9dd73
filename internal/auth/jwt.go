package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"dialer-bridge/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// clockSkew is tolerated on exp/iat checks. Handsets drift.
const clockSkew = 30 * time.Second

type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	deviceTTL  time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	deviceTTL := cfg.DeviceTokenTTL
	if deviceTTL <= 0 {
		deviceTTL = cfg.RefreshTokenTTL
	}
	return &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		deviceTTL:  deviceTTL,
	}, nil
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// subject is who a token speaks for.
type subject struct {
	userID      string
	workspaceID string
	role        string
	deviceID    string
}

// IssuePair issues a user access token and its refresh token. Refresh tokens
// carry no role.
func (m *Manager) IssuePair(now time.Time, userID, workspaceID, role string) (TokenPair, error) {
	sub := subject{userID: userID, workspaceID: workspaceID, role: role}
	access, err := m.sign(now, TokenTypeAccess, sub, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	sub.role = ""
	refresh, err := m.sign(now, TokenTypeRefresh, sub, m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// IssueDeviceToken issues a token bound to one device of userID. Devices run
// unattended and have no refresh flow.
func (m *Manager) IssueDeviceToken(now time.Time, userID, workspaceID, role, deviceID string) (string, error) {
	if deviceID == "" {
		return "", errors.New("device_id required")
	}
	sub := subject{userID: userID, workspaceID: workspaceID, role: role, deviceID: deviceID}
	return m.sign(now, TokenTypeDevice, sub, m.deviceTTL)
}

func (m *Manager) sign(now time.Time, typ TokenType, sub subject, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("auth: no ttl configured for %s tokens", typ)
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  audienceOrNil(m.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		UserID:      sub.userID,
		WorkspaceID: sub.workspaceID,
		Role:        sub.role,
		TokenType:   typ,
		DeviceID:    sub.deviceID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses tokenString and checks signature, time claims, issuer,
// audience and that its type is one of accept.
func (m *Manager) Verify(tokenString string, now time.Time, accept ...TokenType) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	if err := claims.check(accept); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func (c Claims) check(accept []TokenType) error {
	if !slices.Contains(accept, c.TokenType) {
		return fmt.Errorf("token_type %q not accepted", c.TokenType)
	}
	if c.UserID == "" {
		return errors.New("user_id missing")
	}
	if c.WorkspaceID == "" {
		return errors.New("workspace_id missing")
	}
	if c.grantsAccess() && c.Role == "" {
		return errors.New("role missing in access token")
	}
	switch {
	case c.TokenType == TokenTypeDevice && c.DeviceID == "":
		return errors.New("device token without device_id")
	case c.TokenType != TokenTypeDevice && c.DeviceID != "":
		return errors.New("device_id on a non-device token")
	}
	return nil
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
