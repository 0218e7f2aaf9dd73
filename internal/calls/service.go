package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dialer-bridge/internal/audit"
	"dialer-bridge/internal/contract"
	"dialer-bridge/internal/metrics"

	"github.com/google/uuid"
)

const (
	maxRefs        = 16
	maxRefKeyLen   = 64
	maxRefValueLen = 256
	defaultRecheck = 2 * time.Second
)

// Service owns the call command lifecycle: dispatchers create and cancel
// commands, devices claim them and report outcomes.
//
// Tenancy invariant:
// - workspace_id is required and enforced in all repository calls
// - a device only sees and updates commands of the user it authenticated as
type Service struct {
	repo     Repository
	notifier Notifier
	audit    *audit.Service
	metrics  *metrics.Metrics
	log      *slog.Logger

	// recheck bounds how long a held pull can miss a command whose
	// notification was lost.
	recheck time.Duration
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

type Options struct {
	Notifier Notifier
	Audit    *audit.Service
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

func NewService(repo Repository, opts Options) *Service {
	if opts.Notifier == nil {
		opts.Notifier = NewLocalNotifier()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Service{
		repo:     repo,
		notifier: opts.Notifier,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		log:      opts.Log,
		recheck:  defaultRecheck,
		clock:    time.Now,
	}
}

type CreateRequest struct {
	// OwnerUserID is the user whose devices may pull the command. Empty
	// means the creating user.
	OwnerUserID string            `json:"owner_user_id,omitempty"`
	Phone       string            `json:"phone"`
	Refs        map[string]string `json:"refs,omitempty"`
}

func (s *Service) Create(ctx context.Context, workspaceID string, actor audit.Actor, req CreateRequest) (CallCommand, error) {
	if workspaceID == "" {
		return CallCommand{}, ErrInvalidArgument
	}
	owner := strings.TrimSpace(req.OwnerUserID)
	if owner == "" {
		owner = actor.UserID
	}
	if owner == "" {
		return CallCommand{}, fmt.Errorf("%w: owner_user_id required", ErrInvalidArgument)
	}
	phone := strings.TrimSpace(req.Phone)
	if !contract.ValidPhone(phone) {
		return CallCommand{}, fmt.Errorf("%w: phone is not a dialable number", ErrInvalidArgument)
	}
	if err := validateRefs(req.Refs); err != nil {
		return CallCommand{}, err
	}

	now := s.clock().UTC()
	c := CallCommand{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		OwnerUserID: owner,
		CreatedBy:   actor.UserID,
		Phone:       phone,
		Refs:        req.Refs,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, c); err != nil {
		return CallCommand{}, err
	}

	if err := s.notifier.Notify(ctx, workspaceID, owner); err != nil {
		// held pulls still find it on their next recheck
		s.log.Warn("dispatch notify failed", "command_id", c.ID, "err", err)
	}
	s.metrics.CommandCreated()
	s.record(ctx, c, audit.CommandEvent{
		Type:     audit.EventTypeCommandCreated,
		Actor:    actor,
		Message:  "command created",
		Metadata: map[string]string{"owner_user_id": owner},
	})
	s.log.Info("command created", "command_id", c.ID, "workspace_id", workspaceID, "owner_user_id", owner)
	return c, nil
}

func validateRefs(refs map[string]string) error {
	if len(refs) > maxRefs {
		return fmt.Errorf("%w: at most %d refs", ErrInvalidArgument, maxRefs)
	}
	for k, v := range refs {
		if k == "" || len(k) > maxRefKeyLen || len(v) > maxRefValueLen {
			return fmt.Errorf("%w: invalid ref %q", ErrInvalidArgument, k)
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, workspaceID, id string) (CallCommand, error) {
	if workspaceID == "" || id == "" {
		return CallCommand{}, ErrInvalidArgument
	}
	return s.repo.Get(ctx, workspaceID, id)
}

// Cancel stops a command that has not been reported yet. Cancelling twice is
// a no-op; a consumed command cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, workspaceID, id string, actor audit.Actor) (CallCommand, error) {
	if workspaceID == "" || id == "" {
		return CallCommand{}, ErrInvalidArgument
	}
	changed := false
	c, err := s.repo.Mutate(ctx, workspaceID, id, func(c *CallCommand) error {
		switch c.Status {
		case StatusCancelled:
			return nil
		case StatusConsumed:
			return fmt.Errorf("%w: command already consumed", ErrConflict)
		}
		now := s.clock().UTC()
		c.Status = StatusCancelled
		c.CancelledAt = &now
		c.UpdatedAt = now
		changed = true
		return nil
	})
	if err != nil {
		return CallCommand{}, err
	}
	if changed {
		s.metrics.CommandCancelled()
		s.record(ctx, c, audit.CommandEvent{Type: audit.EventTypeCommandCancelled, DeviceID: c.DeliveredTo, Actor: actor, Message: "command cancelled"})
		s.log.Info("command cancelled", "command_id", c.ID, "workspace_id", workspaceID)
	}
	return c, nil
}

type DispatchRequest struct {
	WorkspaceID string
	OwnerUserID string
	DeviceID    string
	// Wait is how long to hold the request when nothing is pending. Zero
	// returns immediately.
	Wait time.Duration
}

// Dispatch hands the oldest pending command of the owner to the device,
// moving it to delivered. With a wait budget it blocks until a command is
// created for the owner or the budget runs out. ok is false when nothing
// was delivered.
func (s *Service) Dispatch(ctx context.Context, req DispatchRequest) (CallCommand, bool, error) {
	if req.WorkspaceID == "" || req.OwnerUserID == "" {
		return CallCommand{}, false, ErrInvalidArgument
	}
	start := s.clock()

	if req.Wait <= 0 {
		c, ok, err := s.claim(ctx, req, start)
		if !ok && err == nil {
			s.metrics.PullExpired(0)
		}
		return c, ok, err
	}

	// Subscribe before the first claim so a command created in between is
	// not missed.
	wake, release, err := s.notifier.Subscribe(ctx, req.WorkspaceID, req.OwnerUserID)
	if err != nil {
		s.log.Warn("dispatch subscribe failed, falling back to recheck", "err", err)
		wake = nil
	} else {
		defer release()
	}

	deadline := time.NewTimer(req.Wait)
	defer deadline.Stop()
	recheck := time.NewTicker(s.recheck)
	defer recheck.Stop()

	for {
		c, ok, err := s.claim(ctx, req, start)
		if ok || err != nil {
			return c, ok, err
		}
		select {
		case <-ctx.Done():
			return CallCommand{}, false, ctx.Err()
		case <-deadline.C:
			s.metrics.PullExpired(s.clock().Sub(start))
			return CallCommand{}, false, nil
		case <-wake:
		case <-recheck.C:
		}
	}
}

func (s *Service) claim(ctx context.Context, req DispatchRequest, start time.Time) (CallCommand, bool, error) {
	c, ok, err := s.repo.ClaimNext(ctx, req.WorkspaceID, req.OwnerUserID, req.DeviceID, s.clock().UTC())
	if err != nil || !ok {
		return CallCommand{}, false, err
	}
	s.metrics.CommandDispatched(s.clock().Sub(start))
	s.record(ctx, c, audit.CommandEvent{
		Type:     audit.EventTypeCommandDelivered,
		DeviceID: req.DeviceID,
		Actor:    audit.Actor{UserID: req.OwnerUserID},
		Message:  "command delivered",
	})
	s.log.Info("command delivered", "command_id", c.ID, "workspace_id", c.WorkspaceID, "device_id", req.DeviceID)
	return c, true, nil
}

type OutcomeRequest struct {
	WorkspaceID string
	OwnerUserID string
	DeviceID    string
	Actor       audit.Actor
	Event       contract.CallOutcomeEvent
}

// RecordOutcome applies an outcome report. A replay of an already recorded
// outcome changes nothing and succeeds.
//
//	pending   -> ErrConflict (the command was never delivered)
//	delivered -> consumed, outcome stored
//	consumed  -> outcome merged, status unchanged
//	cancelled -> outcome merged, status unchanged
func (s *Service) RecordOutcome(ctx context.Context, req OutcomeRequest) (CallCommand, error) {
	if req.WorkspaceID == "" || req.OwnerUserID == "" {
		return CallCommand{}, ErrInvalidArgument
	}
	ev := req.Event
	if err := ev.Validate(); err != nil {
		return CallCommand{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	first := false
	c, err := s.repo.Mutate(ctx, req.WorkspaceID, ev.ID, func(c *CallCommand) error {
		if c.OwnerUserID != req.OwnerUserID {
			return ErrNotFound
		}
		if c.Status == StatusPending {
			return fmt.Errorf("%w: command was not delivered", ErrConflict)
		}
		now := s.clock().UTC()
		if c.ReportedAt == nil {
			c.ReportedAt = &now
			first = true
		}
		if c.Status == StatusDelivered {
			c.Status = StatusConsumed
		}
		c.Outcome = c.Outcome.Merge(ev)
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return CallCommand{}, err
	}

	log := s.log.With("command_id", c.ID, "workspace_id", c.WorkspaceID, "device_id", req.DeviceID, "shape", ev.Shape().String())
	for _, raw := range ev.Coerced {
		field, value, _ := strings.Cut(raw, "=")
		log.Warn("unknown enum value coerced", "field", field, "value", value)
		s.metrics.EnumCoerced(field)
		s.record(ctx, c, audit.CommandEvent{
			Type:     audit.EventTypeEnumCoerced,
			DeviceID: req.DeviceID,
			Actor:    req.Actor,
			Message:  "unknown " + field + " stored as unknown",
			Metadata: map[string]string{"field": field, "value": value},
		})
	}
	if !first {
		log.Info("outcome replay accepted", "status", c.Status)
		return c, nil
	}

	status := string(contract.StatusUnknown)
	if c.Outcome.Status != nil {
		status = string(*c.Outcome.Status)
	}
	s.metrics.OutcomeRecorded(status)
	s.record(ctx, c, audit.CommandEvent{
		Type:     audit.EventTypeCommandConsumed,
		DeviceID: req.DeviceID,
		Actor:    req.Actor,
		Message:  "outcome " + status,
		Metadata: map[string]string{"shape": ev.Shape().String()},
	})
	log.Info("outcome recorded", "status", status, "command_status", c.Status)
	return c, nil
}

// ListReported returns commands whose first outcome arrived in [from, to).
func (s *Service) ListReported(ctx context.Context, workspaceID, ownerUserID string, from, to time.Time) ([]CallCommand, error) {
	if workspaceID == "" {
		return nil, ErrInvalidArgument
	}
	return s.repo.ListReported(ctx, workspaceID, ownerUserID, from, to)
}

// record appends an audit event. Failures are logged and never fail the
// calling operation.
func (s *Service) record(ctx context.Context, c CallCommand, ev audit.CommandEvent) {
	if s.audit == nil {
		return
	}
	ev.WorkspaceID = c.WorkspaceID
	ev.CommandID = c.ID
	if err := s.audit.Record(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warn("audit append failed", "type", ev.Type, "command_id", c.ID, "err", err)
	}
}

// IsClientError reports whether err is caused by the request rather than by
// the server.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}
