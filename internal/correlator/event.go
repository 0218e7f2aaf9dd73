package correlator

import (
	"context"
	"log/slog"
	"time"

	"dialer-bridge/internal/contract"
	"dialer-bridge/internal/ledger"
)

// EventPath resolves pending calls when the call log reports a change.
type EventPath struct {
	ledger  *ledger.Ledger
	matcher *Matcher
	log     *slog.Logger
	now     func() time.Time
}

func NewEventPath(l *ledger.Ledger, m *Matcher, log *slog.Logger) *EventPath {
	if log == nil {
		log = slog.Default()
	}
	return &EventPath{ledger: l, matcher: m, log: log, now: time.Now}
}

// Run handles notifications until ctx is done or changes is closed.
func (e *EventPath) Run(ctx context.Context, changes <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			e.OnChange(ctx)
		}
	}
}

// OnChange re-reads the call log once and tries every active call against
// it. Calls are visited newest dial first. Entries that already resolved a
// call are skipped. It returns the number of calls this pass resolved.
func (e *EventPath) OnChange(ctx context.Context) int {
	active := e.ledger.Active()
	if len(active) == 0 {
		return 0
	}

	oldest := active[len(active)-1].StartedAt
	window := e.matcher.Window()
	entries, err := e.matcher.reader.ReadEntries(ctx, oldest.Add(-window), e.now().Add(window))
	if err != nil {
		e.log.Warn("event path call log read failed", "err", err)
		return 0
	}

	resolved := 0
	for _, pc := range active {
		if _, ok := e.ledger.AttemptResolve(pc.ID, false); !ok {
			continue
		}
		match, ok := e.matcher.find(entries, pc, e.ledger.Claimed)
		if !ok {
			continue
		}
		if e.ledger.Resolve(pc.ID, ledger.ResolutionFromMatch(match), contract.ResolveEventPath) {
			resolved++
			e.log.Debug("call resolved", "call_id", pc.ID, "method", contract.ResolveEventPath, "status", match.Derivation.Status)
		}
	}
	return resolved
}
