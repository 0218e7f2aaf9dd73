package contract

import "strings"

// Enum values are part of the wire contract. Keep them stable; add new ones
// only at the end, peers that do not know a value coerce it to "unknown".

type Status string

const (
	StatusConnected Status = "connected"
	StatusNoAnswer  Status = "no_answer"
	StatusRejected  Status = "rejected"
	StatusMissed    Status = "missed"
	StatusBusy      Status = "busy"
	StatusUnknown   Status = "unknown"
)

// ParseStatus is case-insensitive. Unrecognized input yields StatusUnknown, false.
func ParseStatus(raw string) (Status, bool) {
	switch s := Status(normalizeEnum(raw)); s {
	case StatusConnected, StatusNoAnswer, StatusRejected, StatusMissed, StatusBusy, StatusUnknown:
		return s, true
	}
	return StatusUnknown, false
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionMissed   Direction = "missed"
	DirectionUnknown  Direction = "unknown"
)

func ParseDirection(raw string) (Direction, bool) {
	switch d := Direction(normalizeEnum(raw)); d {
	case DirectionOutgoing, DirectionIncoming, DirectionMissed, DirectionUnknown:
		return d, true
	}
	return DirectionUnknown, false
}

// ResolveMethod tells which correlator produced the outcome.
type ResolveMethod string

const (
	ResolveEventPath ResolveMethod = "event_path"
	ResolvePollPath  ResolveMethod = "poll_path"
	ResolveUnknown   ResolveMethod = "unknown"
)

func ParseResolveMethod(raw string) (ResolveMethod, bool) {
	switch m := ResolveMethod(normalizeEnum(raw)); m {
	case ResolveEventPath, ResolvePollPath, ResolveUnknown:
		return m, true
	}
	return ResolveUnknown, false
}

// ActionSource records why the device placed the call.
type ActionSource string

const (
	SourceServerCommand ActionSource = "server_command"
	SourceNotification  ActionSource = "notification"
	SourceHistory       ActionSource = "history"
	SourceUnknown       ActionSource = "unknown"
)

func ParseActionSource(raw string) (ActionSource, bool) {
	switch s := ActionSource(normalizeEnum(raw)); s {
	case SourceServerCommand, SourceNotification, SourceHistory, SourceUnknown:
		return s, true
	}
	return SourceUnknown, false
}

func normalizeEnum(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
