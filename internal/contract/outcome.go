package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MaxIDLength bounds correlation ids accepted on the wire.
const MaxIDLength = 128

var (
	ErrInvalidOutcome = errors.New("contract: invalid outcome")
	ErrInvalidID      = errors.New("contract: invalid correlation id")
)

// CallOutcomeEvent is the outcome report for one delivered call command.
//
// Only ID is required. Every other field is optional and nil means "not known";
// this is what keeps old (legacy) and new (extended) peers compatible.
type CallOutcomeEvent struct {
	ID string

	// Legacy fields.
	Status    *Status
	StartedAt *time.Time
	// Duration is the talk time in whole seconds.
	Duration *int

	// Extended fields.
	EndedAt       *time.Time
	Direction     *Direction
	ResolveMethod *ResolveMethod
	Attempts      *int
	ActionSource  *ActionSource

	// Coerced lists "field=raw" for enum values that were replaced by their
	// unknown value while decoding. Never serialized.
	Coerced []string
}

// Shape is the serialized form of an outcome report.
type Shape int

const (
	ShapeLegacy Shape = iota
	ShapeExtended
)

func (s Shape) String() string {
	if s == ShapeExtended {
		return "extended"
	}
	return "legacy"
}

// Shape reports which wire form the event is sent in. It is decided per
// message by field population, never by a version flag.
func (e CallOutcomeEvent) Shape() Shape {
	if e.EndedAt != nil || e.Direction != nil || e.ResolveMethod != nil || e.Attempts != nil || e.ActionSource != nil {
		return ShapeExtended
	}
	return ShapeLegacy
}

// ComputedEndedAt returns the explicit end time if present, otherwise
// start+duration when duration > 0. It returns nil when neither applies.
func (e CallOutcomeEvent) ComputedEndedAt() *time.Time {
	if e.EndedAt != nil {
		return e.EndedAt
	}
	if e.StartedAt == nil || e.Duration == nil || *e.Duration <= 0 {
		return nil
	}
	end := e.StartedAt.Add(time.Duration(*e.Duration) * time.Second)
	return &end
}

// Validate checks the fields a receiver must reject rather than coerce.
func (e CallOutcomeEvent) Validate() error {
	id := strings.TrimSpace(e.ID)
	if id == "" || len(id) > MaxIDLength || id != e.ID {
		return ErrInvalidID
	}
	if e.Duration != nil && *e.Duration < 0 {
		return fmt.Errorf("%w: duration must be >= 0", ErrInvalidOutcome)
	}
	if e.Attempts != nil && *e.Attempts < 0 {
		return fmt.Errorf("%w: attempts must be >= 0", ErrInvalidOutcome)
	}
	if e.StartedAt != nil && e.EndedAt != nil && e.EndedAt.Before(*e.StartedAt) {
		return fmt.Errorf("%w: call_ended_at before call_started_at", ErrInvalidOutcome)
	}
	return nil
}

type wireOutcome struct {
	ID        string     `json:"id"`
	Status    *Status    `json:"status,omitempty"`
	StartedAt *time.Time `json:"call_started_at,omitempty"`
	Duration  *int       `json:"duration,omitempty"`

	EndedAt       *time.Time     `json:"call_ended_at,omitempty"`
	Direction     *Direction     `json:"direction,omitempty"`
	ResolveMethod *ResolveMethod `json:"resolve_method,omitempty"`
	Attempts      *int           `json:"attempts,omitempty"`
	ActionSource  *ActionSource  `json:"action_source,omitempty"`
}

// MarshalJSON emits the legacy shape (id, status, call_started_at, duration)
// unless at least one extended field is set. Absent fields are omitted, never
// sent as null.
func (e CallOutcomeEvent) MarshalJSON() ([]byte, error) {
	w := wireOutcome{
		ID:        e.ID,
		Status:    e.Status,
		StartedAt: utc(e.StartedAt),
		Duration:  e.Duration,
	}
	if e.Shape() == ShapeExtended {
		w.EndedAt = utc(e.EndedAt)
		w.Direction = e.Direction
		w.ResolveMethod = e.ResolveMethod
		w.Attempts = e.Attempts
		w.ActionSource = e.ActionSource
	}
	return json.Marshal(w)
}

type inboundOutcome struct {
	ID            json.RawMessage `json:"id"`
	Status        json.RawMessage `json:"status"`
	StartedAt     json.RawMessage `json:"call_started_at"`
	Duration      *float64        `json:"duration"`
	EndedAt       json.RawMessage `json:"call_ended_at"`
	Direction     json.RawMessage `json:"direction"`
	ResolveMethod json.RawMessage `json:"resolve_method"`
	Attempts      *int            `json:"attempts"`
	ActionSource  json.RawMessage `json:"action_source"`
}

// UnmarshalJSON accepts both shapes. Unknown enum values are coerced to their
// unknown value and recorded in Coerced instead of failing the decode.
func (e *CallOutcomeEvent) UnmarshalJSON(data []byte) error {
	var in inboundOutcome
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutcome, err)
	}

	id, err := decodeID(in.ID)
	if err != nil {
		return err
	}
	started, err := decodeTime(in.StartedAt)
	if err != nil {
		return fmt.Errorf("%w: call_started_at: %v", ErrInvalidOutcome, err)
	}
	ended, err := decodeTime(in.EndedAt)
	if err != nil {
		return fmt.Errorf("%w: call_ended_at: %v", ErrInvalidOutcome, err)
	}

	out := CallOutcomeEvent{
		ID:        id,
		StartedAt: started,
		EndedAt:   ended,
		Attempts:  in.Attempts,
	}
	if in.Duration != nil {
		secs := int(math.Trunc(*in.Duration))
		out.Duration = &secs
	}
	out.Status = decodeEnum(in.Status, "status", ParseStatus, &out.Coerced)
	out.Direction = decodeEnum(in.Direction, "direction", ParseDirection, &out.Coerced)
	out.ResolveMethod = decodeEnum(in.ResolveMethod, "resolve_method", ParseResolveMethod, &out.Coerced)
	out.ActionSource = decodeEnum(in.ActionSource, "action_source", ParseActionSource, &out.Coerced)

	*e = out
	return nil
}

// decodeEnum parses an optional enum field. Anything that is not a recognized
// string, numbers and objects included, becomes the unknown value and is
// recorded as "field=raw" in coerced.
func decodeEnum[T any](raw json.RawMessage, field string, parse func(string) (T, bool), coerced *[]string) *T {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var text string
	if raw[0] != '"' || json.Unmarshal(raw, &text) != nil {
		text = string(raw)
		v, _ := parse("")
		*coerced = append(*coerced, field+"="+text)
		return &v
	}
	v, ok := parse(text)
	if !ok {
		*coerced = append(*coerced, field+"="+text)
	}
	return &v
}

// decodeID accepts a JSON string or a JSON number (older clients sent numeric ids).
func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ErrInvalidID
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", ErrInvalidID
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", ErrInvalidID
	}
	return n.String(), nil
}

// decodeTime accepts RFC 3339 strings or epoch milliseconds.
func decodeTime(raw json.RawMessage) (*time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		t = t.UTC()
		return &t, nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Ptr is a small helper for building events with optional fields.
func Ptr[T any](v T) *T { return &v }
