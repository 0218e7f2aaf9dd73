package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists events. It is append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

var ErrInvalidEvent = errors.New("audit: invalid event")

// Service writes the internal command trail. Records are not exposed to
// workspace users. Callers treat failures as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Actor identifies who caused an event. Device-originated events carry the
// device owner as actor.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

// CommandEvent is one lifecycle step of a call command.
type CommandEvent struct {
	Type        EventType
	WorkspaceID string
	CommandID   string
	DeviceID    string
	Actor       Actor
	Message     string
	Metadata    map[string]string
}

func (s *Service) Record(ctx context.Context, ce CommandEvent) error {
	if ce.CommandID == "" {
		return fmt.Errorf("%w: command_id required", ErrInvalidEvent)
	}
	var meta string
	if len(ce.Metadata) > 0 {
		b, err := json.Marshal(ce.Metadata)
		if err != nil {
			return fmt.Errorf("audit: metadata: %w", err)
		}
		meta = string(b)
	}
	return s.Append(ctx, Event{
		WorkspaceID: ce.WorkspaceID,
		Type:        ce.Type,
		ActorUserID: ce.Actor.UserID,
		ActorRole:   ce.Actor.Role,
		IPAddress:   ce.Actor.IP,
		CommandID:   ce.CommandID,
		DeviceID:    ce.DeviceID,
		Message:     ce.Message,
		Metadata:    meta,
	})
}

// Append validates e, assigns id and timestamp when missing and stores it.
func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.WorkspaceID == "" || !e.Type.Valid() {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}
