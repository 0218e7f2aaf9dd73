package correlator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dialer-bridge/internal/contract"
	"dialer-bridge/internal/ledger"
)

// DefaultOffsets are the poll-path checks relative to the dial start.
var DefaultOffsets = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}

// PollPath schedules fixed re-checks for each placed call and gives up after
// the last one.
type PollPath struct {
	ledger  *ledger.Ledger
	matcher *Matcher
	offsets []time.Duration
	log     *slog.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

func NewPollPath(l *ledger.Ledger, m *Matcher, offsets []time.Duration, log *slog.Logger) *PollPath {
	if len(offsets) == 0 {
		offsets = DefaultOffsets
	}
	if log == nil {
		log = slog.Default()
	}
	return &PollPath{ledger: l, matcher: m, offsets: offsets, log: log, now: time.Now}
}

// Schedule starts the checks for pc. Cancelling ctx abandons them without
// touching the ledger.
func (p *PollPath) Schedule(ctx context.Context, pc ledger.PendingCall) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, pc)
	}()
}

// Wait blocks until every scheduled call has finished or been abandoned.
func (p *PollPath) Wait() { p.wg.Wait() }

func (p *PollPath) run(ctx context.Context, pc ledger.PendingCall) {
	for i, off := range p.offsets {
		if !sleepUntil(ctx, pc.StartedAt.Add(off), p.now) {
			return
		}
		if _, ok := p.ledger.AttemptResolve(pc.ID, true); !ok {
			// already terminal, the event path won
			return
		}

		match, ok, err := p.matcher.Check(ctx, pc, p.ledger.Claimed)
		if err != nil {
			p.log.Warn("poll path call log read failed", "call_id", pc.ID, "attempt", i+1, "err", err)
			continue
		}
		if !ok {
			continue
		}
		if p.ledger.Resolve(pc.ID, ledger.ResolutionFromMatch(match), contract.ResolvePollPath) {
			p.log.Debug("call resolved", "call_id", pc.ID, "method", contract.ResolvePollPath, "attempt", i+1)
			return
		}
		if cur, ok := p.ledger.Get(pc.ID); !ok || cur.State.Terminal() {
			return
		}
		// the entry went to another call in the meantime
	}

	if p.ledger.GiveUp(pc.ID) {
		p.log.Info("call outcome undetermined", "call_id", pc.ID, "attempts", len(p.offsets))
	}
}

func sleepUntil(ctx context.Context, at time.Time, now func() time.Time) bool {
	d := at.Sub(now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
