package audit

import "time"

// Event is one append-only record of the command trail in audit_events.
// Rows are never updated or deleted.
type Event struct {
	ID          string    `json:"id" db:"id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	Type        EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	// ActorRole may include hidden roles.
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	CommandID string `json:"command_id" db:"command_id"`
	// DeviceID is the device that pulled or reported, if any.
	DeviceID string `json:"device_id,omitempty" db:"device_id"`

	Message string `json:"message,omitempty" db:"message"`
	// Metadata is a JSON object, empty when there is nothing to add.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCommandCreated   EventType = "command_created"
	EventTypeCommandDelivered EventType = "command_delivered"
	EventTypeCommandConsumed  EventType = "command_consumed"
	EventTypeCommandCancelled EventType = "command_cancelled"
	// EventTypeEnumCoerced marks an outcome field whose value was not
	// understood and was stored as unknown.
	EventTypeEnumCoerced EventType = "enum_coerced"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeCommandCreated, EventTypeCommandDelivered, EventTypeCommandConsumed,
		EventTypeCommandCancelled, EventTypeEnumCoerced:
		return true
	default:
		return false
	}
}
