package calls

import (
	"context"
	"time"
)

// Repository persists call commands. Every method is scoped to a workspace.
type Repository interface {
	Insert(ctx context.Context, c CallCommand) error
	Get(ctx context.Context, workspaceID, id string) (CallCommand, error)

	// ClaimNext atomically moves the oldest pending command of owner to
	// delivered and returns it. Concurrent callers never receive the same
	// command. ok is false when nothing is pending.
	ClaimNext(ctx context.Context, workspaceID, ownerUserID, deviceID string, now time.Time) (c CallCommand, ok bool, err error)

	// Mutate loads one command, applies fn and stores the result as a single
	// atomic step. fn's error aborts without writing.
	Mutate(ctx context.Context, workspaceID, id string, fn func(*CallCommand) error) (CallCommand, error)

	// ListReported returns commands with an outcome reported in [from, to).
	// An empty ownerUserID lists the whole workspace.
	ListReported(ctx context.Context, workspaceID, ownerUserID string, from, to time.Time) ([]CallCommand, error)
}
