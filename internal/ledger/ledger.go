// Package ledger tracks calls placed by the device until their outcome is
// determined.
//
// State machine per call:
//
//	PENDING -> RESOLVING -> RESOLVED
//	                     -> FAILED
//
// RESOLVED and FAILED are terminal. The first caller to reach a terminal
// state wins; later Resolve/GiveUp calls for the same id are no-ops.
//
// A call-log entry resolves at most one call. The ledger remembers which
// entries were used and refuses to resolve a second call with the same one.
package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"

	"dialer-bridge/internal/calllog"
	"dialer-bridge/internal/contract"
)

type State int

const (
	StatePending State = iota
	StateResolving
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

func (s State) Terminal() bool { return s == StateResolved || s == StateFailed }

var (
	ErrExists   = errors.New("ledger: call already tracked")
	ErrNotFound = errors.New("ledger: call not found")
	ErrInvalid  = errors.New("ledger: invalid argument")
)

// Resolution is what a correlator determined from the call log.
type Resolution struct {
	Status    contract.Status
	Direction contract.Direction
	StartedAt time.Time
	Duration  int
	EndedAt   *time.Time
	// EntryKey identifies the call-log entry behind the resolution, if any.
	EntryKey string
}

// ResolutionFromMatch converts a call-log match.
func ResolutionFromMatch(m calllog.Match) Resolution {
	return Resolution{
		Status:    m.Derivation.Status,
		Direction: m.Derivation.Direction,
		StartedAt: m.StartedAt(),
		Duration:  m.Duration(),
		EndedAt:   m.EndedAt(),
		EntryKey:  m.Entry.Key(),
	}
}

// PendingCall is a snapshot of one tracked call.
type PendingCall struct {
	ID        string
	Phone     string
	StartedAt time.Time
	Source    contract.ActionSource

	State    State
	Attempts int

	Method     contract.ResolveMethod
	Resolution Resolution
}

// Outcome builds the report for a call in a terminal state.
func (p PendingCall) Outcome() contract.CallOutcomeEvent {
	ev := contract.CallOutcomeEvent{
		ID:           p.ID,
		ActionSource: contract.Ptr(p.Source),
	}
	if p.Attempts > 0 {
		ev.Attempts = contract.Ptr(p.Attempts)
	}

	switch p.State {
	case StateResolved:
		start := p.Resolution.StartedAt
		if start.IsZero() {
			start = p.StartedAt
		}
		ev.Status = contract.Ptr(p.Resolution.Status)
		ev.Direction = contract.Ptr(p.Resolution.Direction)
		ev.ResolveMethod = contract.Ptr(p.Method)
		ev.StartedAt = contract.Ptr(start.UTC())
		ev.Duration = contract.Ptr(p.Resolution.Duration)
		ev.EndedAt = p.Resolution.EndedAt
	default:
		ev.Status = contract.Ptr(contract.StatusUnknown)
		ev.Direction = contract.Ptr(contract.DirectionUnknown)
		ev.ResolveMethod = contract.Ptr(contract.ResolveUnknown)
		ev.StartedAt = contract.Ptr(p.StartedAt.UTC())
	}
	return ev
}

// claimRetention is how long a used call-log entry is remembered after its
// timestamp. It comfortably exceeds any match window.
const claimRetention = time.Hour

type claim struct {
	callID string
	at     time.Time
}

// Ledger holds at most one PendingCall per correlation id.
type Ledger struct {
	mu          sync.Mutex
	calls       map[string]*PendingCall
	claimed     map[string]claim
	maxAttempts int
	onTerminal  func(PendingCall)
}

// New returns a ledger whose poll-path cap is maxAttempts. onTerminal is
// called exactly once per call, by the goroutine that won the transition,
// outside the ledger lock.
func New(maxAttempts int, onTerminal func(PendingCall)) *Ledger {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if onTerminal == nil {
		onTerminal = func(PendingCall) {}
	}
	return &Ledger{
		calls:       make(map[string]*PendingCall),
		claimed:     make(map[string]claim),
		maxAttempts: maxAttempts,
		onTerminal:  onTerminal,
	}
}

func (l *Ledger) MaxAttempts() int { return l.maxAttempts }

// Begin starts tracking a call the instant it is handed to the dialer.
func (l *Ledger) Begin(id, phone string, start time.Time, source contract.ActionSource) (PendingCall, error) {
	if id == "" || calllog.NormalizePhone(phone) == "" {
		return PendingCall{}, ErrInvalid
	}
	if source == "" {
		source = contract.SourceUnknown
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.calls[id]; ok {
		return PendingCall{}, ErrExists
	}
	for k, c := range l.claimed {
		if c.at.Before(start.Add(-claimRetention)) {
			delete(l.claimed, k)
		}
	}
	pc := &PendingCall{
		ID:        id,
		Phone:     calllog.NormalizePhone(phone),
		StartedAt: start,
		Source:    source,
		State:     StatePending,
	}
	l.calls[id] = pc
	return *pc, nil
}

// AttemptResolve marks a correlation check as in flight. countAttempt is set
// by the poll path, whose checks are bounded by the attempt cap. It returns
// false when the call is unknown or already terminal, in which case the
// caller must not check.
func (l *Ledger) AttemptResolve(id string, countAttempt bool) (PendingCall, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pc, ok := l.calls[id]
	if !ok || pc.State.Terminal() {
		return PendingCall{}, false
	}
	pc.State = StateResolving
	if countAttempt && pc.Attempts < l.maxAttempts {
		pc.Attempts++
	}
	return *pc, true
}

// Resolve moves the call to RESOLVED. Only the first terminal transition
// wins; a losing result is discarded and false is returned. A resolution
// whose entry already resolved another call is refused as well, leaving the
// call active.
func (l *Ledger) Resolve(id string, r Resolution, method contract.ResolveMethod) bool {
	l.mu.Lock()
	pc, ok := l.calls[id]
	if !ok || pc.State.Terminal() {
		l.mu.Unlock()
		return false
	}
	if r.EntryKey != "" {
		if c, used := l.claimed[r.EntryKey]; used && c.callID != id {
			l.mu.Unlock()
			return false
		}
		l.claimed[r.EntryKey] = claim{callID: id, at: r.StartedAt}
	}
	pc.State = StateResolved
	pc.Method = method
	pc.Resolution = r
	snap := *pc
	l.mu.Unlock()

	l.onTerminal(snap)
	return true
}

// GiveUp moves the call to FAILED once the poll path has used all attempts.
func (l *Ledger) GiveUp(id string) bool {
	l.mu.Lock()
	pc, ok := l.calls[id]
	if !ok || pc.State.Terminal() || pc.Attempts < l.maxAttempts {
		l.mu.Unlock()
		return false
	}
	pc.State = StateFailed
	pc.Method = contract.ResolveUnknown
	snap := *pc
	l.mu.Unlock()

	l.onTerminal(snap)
	return true
}

// Remove forgets a call. The agent removes a call once its outcome has been
// sent or durably queued.
func (l *Ledger) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.calls[id]; !ok {
		return false
	}
	delete(l.calls, id)
	return true
}

// Claimed reports whether the call-log entry with key already resolved a call.
func (l *Ledger) Claimed(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.claimed[key]
	return ok
}

func (l *Ledger) Get(id string) (PendingCall, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pc, ok := l.calls[id]
	if !ok {
		return PendingCall{}, false
	}
	return *pc, true
}

// Active returns PENDING and RESOLVING calls, newest dial first.
func (l *Ledger) Active() []PendingCall {
	l.mu.Lock()
	out := make([]PendingCall, 0, len(l.calls))
	for _, pc := range l.calls {
		if !pc.State.Terminal() {
			out = append(out, *pc)
		}
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}
