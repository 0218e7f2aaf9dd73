package calls

import (
	"errors"
	"time"

	"dialer-bridge/internal/contract"
)

// CallCommand is a dispatcher's request for a device to dial a number.
//
// Tenancy invariant: WorkspaceID is required on every row. OwnerUserID is the
// user whose device(s) may pull the command.
//
// Lifecycle:
//
//	pending -> delivered -> consumed
//	pending -> cancelled
//	delivered -> cancelled
//
// consumed and cancelled are never revived.
type CallCommand struct {
	ID          string            `json:"id" db:"id"`
	WorkspaceID string            `json:"workspace_id" db:"workspace_id"`
	OwnerUserID string            `json:"owner_user_id" db:"owner_user_id"`
	CreatedBy   string            `json:"created_by,omitempty" db:"created_by"`
	Phone       string            `json:"phone" db:"phone"`
	Refs        map[string]string `json:"refs,omitempty" db:"refs"`

	Status      CommandStatus `json:"status" db:"status"`
	DeliveredTo string        `json:"delivered_to,omitempty" db:"delivered_to"`

	Outcome Outcome `json:"outcome"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	ReportedAt  *time.Time `json:"reported_at,omitempty" db:"reported_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// Outcome is the persisted part of a reported CallOutcomeEvent. Nil means the
// device never reported the field.
type Outcome struct {
	Status        *contract.Status        `json:"status,omitempty" db:"outcome_status"`
	StartedAt     *time.Time              `json:"call_started_at,omitempty" db:"call_started_at"`
	Duration      *int                    `json:"duration,omitempty" db:"duration"`
	EndedAt       *time.Time              `json:"call_ended_at,omitempty" db:"call_ended_at"`
	Direction     *contract.Direction     `json:"direction,omitempty" db:"direction"`
	ResolveMethod *contract.ResolveMethod `json:"resolve_method,omitempty" db:"resolve_method"`
	Attempts      *int                    `json:"attempts,omitempty" db:"attempts"`
	ActionSource  *contract.ActionSource  `json:"action_source,omitempty" db:"action_source"`
}

func (o Outcome) Empty() bool {
	return o.Status == nil && o.StartedAt == nil && o.Duration == nil && o.EndedAt == nil &&
		o.Direction == nil && o.ResolveMethod == nil && o.Attempts == nil && o.ActionSource == nil
}

type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusDelivered CommandStatus = "delivered"
	StatusConsumed  CommandStatus = "consumed"
	StatusCancelled CommandStatus = "cancelled"
)

func (s CommandStatus) Terminal() bool { return s == StatusConsumed || s == StatusCancelled }

var (
	ErrNotFound        = errors.New("calls: command not found")
	ErrInvalidArgument = errors.New("calls: invalid argument")
	ErrConflict        = errors.New("calls: command state does not allow this operation")
)

// Command returns the wire form handed to a device.
func (c CallCommand) Command() contract.Command {
	return contract.Command{ID: c.ID, Phone: c.Phone, Refs: c.Refs}
}

// Merge folds a reported outcome into o. Fields already stored win, except
// that a concrete enum value replaces a stored UNKNOWN. The end time is
// derived from start+duration when the device did not send one.
func (o Outcome) Merge(ev contract.CallOutcomeEvent) Outcome {
	o.Status = refine(o.Status, ev.Status, contract.StatusUnknown)
	o.Direction = refine(o.Direction, ev.Direction, contract.DirectionUnknown)
	o.ResolveMethod = refine(o.ResolveMethod, ev.ResolveMethod, contract.ResolveUnknown)
	o.ActionSource = refine(o.ActionSource, ev.ActionSource, contract.SourceUnknown)
	o.StartedAt = first(o.StartedAt, ev.StartedAt)
	o.Duration = first(o.Duration, ev.Duration)
	o.Attempts = first(o.Attempts, ev.Attempts)
	o.EndedAt = first(o.EndedAt, ev.ComputedEndedAt())
	if o.EndedAt == nil && o.StartedAt != nil && o.Duration != nil && *o.Duration > 0 {
		end := o.StartedAt.Add(time.Duration(*o.Duration) * time.Second)
		o.EndedAt = &end
	}
	return o
}

func first[T any](stored, incoming *T) *T {
	if stored != nil {
		return stored
	}
	if incoming == nil {
		return nil
	}
	v := *incoming
	return &v
}

func refine[T comparable](stored, incoming *T, unknown T) *T {
	if incoming == nil {
		return stored
	}
	if stored == nil || (*stored == unknown && *incoming != unknown) {
		v := *incoming
		return &v
	}
	return stored
}
