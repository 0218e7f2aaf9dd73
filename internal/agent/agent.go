// Package agent runs the device side of the pipeline: pull a command, place
// the call, correlate its outcome from the call log and report it, falling
// back to the durable queue whenever the server cannot be reached.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dialer-bridge/internal/backoff"
	"dialer-bridge/internal/calllog"
	"dialer-bridge/internal/contract"
	"dialer-bridge/internal/correlator"
	"dialer-bridge/internal/deviceapi"
	"dialer-bridge/internal/dialer"
	"dialer-bridge/internal/ledger"
	"dialer-bridge/internal/outbox"

	"golang.org/x/sync/errgroup"
)

// ErrUnauthorized ends Run. The device needs a new token before it polls
// again.
var ErrUnauthorized = errors.New("agent: credentials rejected, re-authentication required")

// API is the server as seen from the device.
type API interface {
	Pull(ctx context.Context) (contract.Command, error)
	Update(ctx context.Context, ev contract.CallOutcomeEvent) error
	Post(ctx context.Context, dest string, payload []byte) error
}

type Config struct {
	DeviceID          string
	Version           string
	Backoff           backoff.Config
	PollOffsets       []time.Duration
	MatchWindow       time.Duration
	HeartbeatInterval time.Duration
}

type Deps struct {
	API    API
	Dialer dialer.Dialer
	Log    calllog.Reader
	// Changes carries call log change notifications. Nil disables the
	// event path; the poll path still resolves every call.
	Changes <-chan struct{}
	Queue   *outbox.Queue
}

type Agent struct {
	cfg    Config
	api    API
	dialer dialer.Dialer
	queue  *outbox.Queue
	ctrl   *backoff.Controller

	ledger  *ledger.Ledger
	event   *correlator.EventPath
	poll    *correlator.PollPath
	changes <-chan struct{}

	terminal chan ledger.PendingCall
	done     chan struct{}

	log   *slog.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(cfg Config, deps Deps, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	if len(cfg.PollOffsets) == 0 {
		cfg.PollOffsets = correlator.DefaultOffsets
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = correlator.DefaultWindow
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	if len(cfg.Backoff.EmptyLadder) == 0 {
		cfg.Backoff = backoff.DefaultConfig()
	}

	a := &Agent{
		cfg:      cfg,
		api:      deps.API,
		dialer:   deps.Dialer,
		queue:    deps.Queue,
		ctrl:     backoff.New(cfg.Backoff),
		changes:  deps.Changes,
		terminal: make(chan ledger.PendingCall, 64),
		done:     make(chan struct{}),
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	a.ledger = ledger.New(len(cfg.PollOffsets), a.onTerminal)
	m := correlator.NewMatcher(deps.Log, cfg.MatchWindow, log)
	a.event = correlator.NewEventPath(a.ledger, m, log)
	a.poll = correlator.NewPollPath(a.ledger, m, cfg.PollOffsets, log)
	return a
}

// Ledger exposes pending calls, mainly for status output.
func (a *Agent) Ledger() *ledger.Ledger { return a.ledger }

// Run blocks until ctx is cancelled or credentials are rejected. Pending
// calls that have not reached a terminal state are abandoned on return.
// An Agent runs once.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)

	if err := a.register(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pullLoop(gctx) })
	g.Go(func() error { return a.reportLoop(gctx) })
	g.Go(func() error { return a.heartbeatLoop(gctx) })
	g.Go(func() error { return a.queue.Run(gctx) })
	if a.changes != nil {
		g.Go(func() error { return a.event.Run(gctx, a.changes) })
	}

	err := g.Wait()
	pollDone := make(chan struct{})
	go func() {
		a.poll.Wait()
		close(pollDone)
	}()
	a.drain(pollDone)
	if errors.Is(err, deviceapi.ErrUnauthorized) {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}

func (a *Agent) pullLoop(ctx context.Context) error {
	for {
		cmd, err := a.api.Pull(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var delay time.Duration
		switch {
		case deviceapi.IsUnauthorized(err):
			a.log.Error("pull rejected credentials, stopping", "err", err)
			return err
		case err != nil:
			kind, retryAfter := deviceapi.Classify(err)
			delay = a.ctrl.Next(kind, retryAfter)
			a.log.Warn("pull failed", "kind", kind.String(), "level", a.ctrl.Level(), "retry_in", delay, "err", err)
		case cmd.Empty():
			delay = a.ctrl.Next(backoff.NoCommand, 0)
			a.queue.Kick()
		default:
			a.queue.Kick()
			a.handle(ctx, cmd)
			delay = a.ctrl.Next(backoff.CommandDelivered, 0)
		}

		if !a.sleep(ctx, delay) {
			return nil
		}
	}
}

// handle places the call for cmd and starts correlating it.
func (a *Agent) handle(ctx context.Context, cmd contract.Command) {
	log := a.log.With("call_id", cmd.ID)
	start := a.now()
	pc, err := a.ledger.Begin(cmd.ID, cmd.Phone, start, contract.SourceServerCommand)
	switch {
	case errors.Is(err, ledger.ErrExists):
		log.Debug("command already tracked")
		return
	case err != nil:
		log.Warn("command not dialable, reporting unknown outcome", "err", err)
		a.reportUndialable(ctx, cmd, start)
		return
	}
	if err := a.dialer.PlaceCall(ctx, cmd.Phone); err != nil {
		// the poll path still runs and reports an undetermined outcome
		log.Error("place call failed", "err", err)
	} else {
		log.Info("call placed")
	}
	a.poll.Schedule(ctx, pc)
}

// reportUndialable queues an unknown outcome for a command that was never
// dialed so the server does not keep it delivered forever.
func (a *Agent) reportUndialable(ctx context.Context, cmd contract.Command, start time.Time) {
	if cmd.ID == "" {
		return
	}
	ev := ledger.PendingCall{
		ID:        cmd.ID,
		StartedAt: start,
		Source:    contract.SourceServerCommand,
		State:     ledger.StateFailed,
	}.Outcome()
	if err := a.enqueueOutcome(context.WithoutCancel(ctx), ev); err != nil {
		a.log.Error("outcome could not be queued", "call_id", cmd.ID, "err", err)
		return
	}
	a.queue.Kick()
}

func (a *Agent) onTerminal(pc ledger.PendingCall) {
	select {
	case a.terminal <- pc:
	case <-a.done:
	}
}

func (a *Agent) reportLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pc := <-a.terminal:
			if err := a.report(ctx, pc); err != nil {
				return err
			}
		}
	}
}

// report sends the outcome for a terminal call or queues it. The call leaves
// the ledger once the outcome is either acknowledged or durably queued.
func (a *Agent) report(ctx context.Context, pc ledger.PendingCall) error {
	ev := pc.Outcome()
	log := a.log.With("call_id", pc.ID, "status", *ev.Status, "method", *ev.ResolveMethod)

	err := a.api.Update(ctx, ev)
	if err == nil {
		a.ledger.Remove(pc.ID)
		a.queue.Kick()
		log.Info("outcome reported")
		return nil
	}

	if qerr := a.enqueueOutcome(context.WithoutCancel(ctx), ev); qerr != nil {
		log.Error("outcome could not be queued", "err", qerr, "send_err", err)
	} else {
		a.ledger.Remove(pc.ID)
		log.Warn("outcome queued", "err", err)
	}
	if deviceapi.IsUnauthorized(err) {
		return err
	}
	return nil
}

func (a *Agent) enqueueOutcome(ctx context.Context, ev contract.CallOutcomeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = a.queue.Enqueue(ctx, outbox.ItemOutcome, deviceapi.PathUpdate, payload)
	return err
}

// drain queues outcomes that became terminal while the agent was stopping,
// until every poll-path goroutine has exited.
func (a *Agent) drain(pollDone <-chan struct{}) {
	for {
		select {
		case pc := <-a.terminal:
			a.queueOnShutdown(pc)
		case <-pollDone:
			for {
				select {
				case pc := <-a.terminal:
					a.queueOnShutdown(pc)
				default:
					return
				}
			}
		}
	}
}

func (a *Agent) queueOnShutdown(pc ledger.PendingCall) {
	if err := a.enqueueOutcome(context.Background(), pc.Outcome()); err != nil {
		a.log.Error("outcome lost on shutdown", "call_id", pc.ID, "err", err)
		return
	}
	a.ledger.Remove(pc.ID)
}

func (a *Agent) register(ctx context.Context) error {
	body, _ := json.Marshal(map[string]any{
		"device_id": a.cfg.DeviceID,
		"version":   a.cfg.Version,
		"time":      a.now().UTC(),
	})
	err := a.api.Post(ctx, deviceapi.PathRegister, body)
	switch {
	case err == nil:
		return nil
	case deviceapi.IsUnauthorized(err):
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	default:
		a.log.Warn("device registration failed, continuing", "err", err)
		return nil
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	t := time.NewTicker(a.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := a.heartbeat(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"device_id":     a.cfg.DeviceID,
		"time":          a.now().UTC(),
		"pending_calls": a.ledger.Len(),
	})
	if err != nil {
		return err
	}
	err = a.api.Post(ctx, deviceapi.PathHeartbeat, body)
	switch {
	case err == nil, ctx.Err() != nil:
		return nil
	case deviceapi.IsUnauthorized(err):
		return err
	}
	if _, qerr := a.queue.Enqueue(ctx, outbox.ItemHeartbeat, deviceapi.PathHeartbeat, body); qerr != nil {
		a.log.Warn("heartbeat could not be queued", "err", qerr)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
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
