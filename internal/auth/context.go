package auth

import (
	"context"
	"errors"
)

// Identity is what a verified token says about the caller.
type Identity struct {
	UserID      string
	WorkspaceID string
	Role        string
	// DeviceID is set for device tokens only.
	DeviceID string
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, userID, workspaceID, role string) context.Context {
	id := identity(ctx)
	id.UserID, id.WorkspaceID, id.Role = userID, workspaceID, role
	return context.WithValue(ctx, ctxKey{}, id)
}

// WithDevice marks the request as coming from a device-bound token.
func WithDevice(ctx context.Context, deviceID string) context.Context {
	id := identity(ctx)
	id.DeviceID = deviceID
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the caller identity, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

func identity(ctx context.Context) Identity {
	id, _ := FromContext(ctx)
	return id
}

func UserID(ctx context.Context) (string, error) {
	if s := identity(ctx).UserID; s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

func WorkspaceID(ctx context.Context) (string, error) {
	if s := identity(ctx).WorkspaceID; s != "" {
		return s, nil
	}
	return "", errors.New("workspace_id not in context")
}

func Role(ctx context.Context) (string, error) {
	if s := identity(ctx).Role; s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}

// DeviceID returns the device the token is bound to, or "" for user tokens.
func DeviceID(ctx context.Context) string {
	return identity(ctx).DeviceID
}
