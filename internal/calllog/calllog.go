// Package calllog reads the host call history and turns a matched entry into
// a call outcome. Both correlators use Derive and Match from this package so
// they can never disagree on the mapping.
package calllog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dialer-bridge/internal/contract"
)

// EntryType is the raw call type as reported by the host.
type EntryType string

const (
	TypeOutgoing EntryType = "outgoing"
	TypeIncoming EntryType = "incoming"
	TypeMissed   EntryType = "missed"
	TypeRejected EntryType = "rejected"
)

// Entry is one call-history record.
type Entry struct {
	Number          string    `json:"number"`
	Type            EntryType `json:"type"`
	DurationSeconds int       `json:"duration"`
	Timestamp       time.Time `json:"timestamp"`
}

// Key identifies the entry across reads of the log.
func (e Entry) Key() string {
	return fmt.Sprintf("%s|%d|%s|%d", NormalizePhone(e.Number), e.Timestamp.UnixNano(),
		strings.ToLower(strings.TrimSpace(string(e.Type))), e.DurationSeconds)
}

// Reader reads call-history entries with Timestamp in [since, until].
type Reader interface {
	ReadEntries(ctx context.Context, since, until time.Time) ([]Entry, error)
}

// Derivation is the outcome derived from a single matched entry.
type Derivation struct {
	Status    contract.Status
	Direction contract.Direction
	// Known is false when the raw type was not recognized and both values
	// were coerced to unknown.
	Known bool
}

// Derive maps (raw type, duration) to (status, direction).
//
//	outgoing  >0  connected  outgoing
//	outgoing   0  no_answer  outgoing
//	incoming  >0  connected  incoming
//	incoming   0  no_answer  incoming
//	missed     -  no_answer  missed
//	rejected   -  rejected   unknown
func Derive(t EntryType, durationSeconds int) Derivation {
	switch EntryType(strings.ToLower(strings.TrimSpace(string(t)))) {
	case TypeOutgoing:
		if durationSeconds > 0 {
			return Derivation{contract.StatusConnected, contract.DirectionOutgoing, true}
		}
		return Derivation{contract.StatusNoAnswer, contract.DirectionOutgoing, true}
	case TypeIncoming:
		if durationSeconds > 0 {
			return Derivation{contract.StatusConnected, contract.DirectionIncoming, true}
		}
		return Derivation{contract.StatusNoAnswer, contract.DirectionIncoming, true}
	case TypeMissed:
		return Derivation{contract.StatusNoAnswer, contract.DirectionMissed, true}
	case TypeRejected:
		return Derivation{contract.StatusRejected, contract.DirectionUnknown, true}
	default:
		return Derivation{contract.StatusUnknown, contract.DirectionUnknown, false}
	}
}

// Match is a resolved correlation between a pending call and a log entry.
type Match struct {
	Entry      Entry
	Derivation Derivation
}

// StartedAt is the call start as recorded by the host.
func (m Match) StartedAt() time.Time { return m.Entry.Timestamp }

// Duration is the recorded talk time, never negative.
func (m Match) Duration() int {
	if m.Entry.DurationSeconds < 0 {
		return 0
	}
	return m.Entry.DurationSeconds
}

// EndedAt is start+duration when the call had talk time.
func (m Match) EndedAt() *time.Time {
	if m.Duration() <= 0 {
		return nil
	}
	end := m.Entry.Timestamp.Add(time.Duration(m.Duration()) * time.Second)
	return &end
}

// FindMatch returns the newest entry whose number matches phone and whose
// timestamp lies within +/- window of start.
func FindMatch(entries []Entry, phone string, start time.Time, window time.Duration) (Match, bool) {
	want := NormalizePhone(phone)
	if want == "" {
		return Match{}, false
	}
	lo, hi := start.Add(-window), start.Add(window)

	var best *Entry
	for i := range entries {
		e := &entries[i]
		if e.Timestamp.Before(lo) || e.Timestamp.After(hi) {
			continue
		}
		if !SameNumber(want, NormalizePhone(e.Number)) {
			continue
		}
		if best == nil || e.Timestamp.After(best.Timestamp) {
			best = e
		}
	}
	if best == nil {
		return Match{}, false
	}
	return Match{Entry: *best, Derivation: Derive(best.Type, best.DurationSeconds)}, true
}
