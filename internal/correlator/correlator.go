// Package correlator resolves pending calls against the host call log.
//
// Two producers feed the ledger: EventPath reacts to call-log change
// notifications and is only a latency optimization, PollPath re-checks at
// fixed offsets after dial and guarantees every call reaches a terminal
// state. Both use Matcher, so a given log entry derives the same outcome no
// matter which path wins.
package correlator

import (
	"context"
	"log/slog"
	"time"

	"dialer-bridge/internal/calllog"
	"dialer-bridge/internal/ledger"
)

// DefaultWindow is the +/- tolerance around the dial start.
const DefaultWindow = 5 * time.Minute

// Matcher reads the call log and finds the entry for a pending call.
type Matcher struct {
	reader calllog.Reader
	window time.Duration
	log    *slog.Logger
}

func NewMatcher(reader calllog.Reader, window time.Duration, log *slog.Logger) *Matcher {
	if window <= 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{reader: reader, window: window, log: log}
}

func (m *Matcher) Window() time.Duration { return m.window }

// Check reads the window around pc and returns the newest matching entry
// that claimed does not report as already used. claimed may be nil.
func (m *Matcher) Check(ctx context.Context, pc ledger.PendingCall, claimed func(key string) bool) (calllog.Match, bool, error) {
	entries, err := m.reader.ReadEntries(ctx, pc.StartedAt.Add(-m.window), pc.StartedAt.Add(m.window))
	if err != nil {
		return calllog.Match{}, false, err
	}
	match, ok := m.find(entries, pc, claimed)
	return match, ok, nil
}

func (m *Matcher) find(entries []calllog.Entry, pc ledger.PendingCall, claimed func(key string) bool) (calllog.Match, bool) {
	if claimed != nil {
		free := make([]calllog.Entry, 0, len(entries))
		for _, e := range entries {
			if !claimed(e.Key()) {
				free = append(free, e)
			}
		}
		entries = free
	}
	match, ok := calllog.FindMatch(entries, pc.Phone, pc.StartedAt, m.window)
	if ok && !match.Derivation.Known {
		m.log.Warn("unrecognized call log type coerced to unknown",
			"call_id", pc.ID,
			"raw_type", string(match.Entry.Type),
		)
	}
	return match, ok
}
