package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
)

// Sender delivers one queued item to its destination.
type Sender interface {
	Send(ctx context.Context, it Item) error
}

type SenderFunc func(ctx context.Context, it Item) error

func (f SenderFunc) Send(ctx context.Context, it Item) error { return f(ctx, it) }

type Config struct {
	// MaxRetries excludes an item from flushes once reached.
	MaxRetries int
	// MaxAge is how long an exhausted item is kept before Purge removes it.
	MaxAge        time.Duration
	FlushInterval time.Duration
	PurgeInterval time.Duration

	// BreakerFailures consecutive transport failures open the breaker for
	// BreakerTimeout. While open, flushes stop without touching retry counts.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// IsFatal stops a flush and surfaces the error, e.g. revoked credentials.
	IsFatal func(error) bool
	// IsTransient reports failures that say nothing about the payload itself
	// (network, 5xx). Only those count toward the breaker.
	IsTransient func(error) bool
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		MaxAge:          7 * 24 * time.Hour,
		FlushInterval:   30 * time.Second,
		PurgeInterval:   time.Hour,
		BreakerFailures: 3,
		BreakerTimeout:  30 * time.Second,
	}
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	Sent      int
	Failed    int
	Deferred  int
	Exhausted int
}

func (r FlushResult) String() string {
	return fmt.Sprintf("sent=%d failed=%d deferred=%d exhausted=%d", r.Sent, r.Failed, r.Deferred, r.Exhausted)
}

type Queue struct {
	store   Store
	sender  Sender
	cfg     Config
	log     *slog.Logger
	breaker *gobreaker.CircuitBreaker[struct{}]
	flights singleflight.Group
	kick    chan struct{}
	now     func() time.Time
}

func NewQueue(store Store, sender Sender, cfg Config, log *slog.Logger) *Queue {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	q := &Queue{
		store:  store,
		sender: sender,
		cfg:    cfg,
		log:    log,
		kick:   make(chan struct{}, 1),
		now:    time.Now,
	}
	q.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "outbox",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !q.transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("outbox breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return q
}

// Enqueue persists a payload for later delivery. It fails only when the
// local store does.
func (q *Queue) Enqueue(ctx context.Context, typ ItemType, dest string, payload []byte) (Item, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Item{}, err
	}
	it := Item{
		ID:          id.String(),
		Type:        typ,
		Destination: dest,
		Payload:     append([]byte(nil), payload...),
		CreatedAt:   q.now().UTC(),
	}
	if err := q.store.Put(ctx, it); err != nil {
		return Item{}, fmt.Errorf("enqueue %s: %w", typ, err)
	}
	q.log.Debug("queued", "item_id", it.ID, "type", typ, "destination", dest)
	return it, nil
}

// Flush attempts every eligible item once, oldest first. Concurrent callers
// share a single pass. A failure for one item type defers the rest of that
// type so per-type order holds across retries.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	v, err, _ := q.flights.Do("flush", func() (any, error) {
		return q.flush(ctx)
	})
	res, _ := v.(FlushResult)
	return res, err
}

func (q *Queue) flush(ctx context.Context) (FlushResult, error) {
	var res FlushResult
	items, err := q.store.GetAll(ctx)
	if err != nil {
		return res, fmt.Errorf("load queue: %w", err)
	}

	blocked := map[ItemType]bool{}
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if it.RetryCount >= q.cfg.MaxRetries {
			res.Exhausted++
			continue
		}
		if blocked[it.Type] {
			res.Deferred++
			continue
		}

		_, err := q.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, q.sender.Send(ctx, it)
		})
		switch {
		case err == nil:
			if err := q.store.Delete(ctx, it.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return res, fmt.Errorf("delete %s: %w", it.ID, err)
			}
			res.Sent++
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			res.Deferred += countEligible(items[i:], q.cfg.MaxRetries)
			q.log.Debug("outbox breaker open, flush deferred", "remaining", len(items)-i)
			return res, nil
		case q.cfg.IsFatal != nil && q.cfg.IsFatal(err):
			return res, err
		default:
			n, ierr := q.store.IncrementRetry(ctx, it.ID)
			if ierr != nil && !errors.Is(ierr, ErrNotFound) {
				return res, fmt.Errorf("increment retry %s: %w", it.ID, ierr)
			}
			blocked[it.Type] = true
			res.Failed++
			q.log.Warn("queued item send failed", "item_id", it.ID, "type", it.Type, "retry_count", n, "err", err)
		}
	}
	return res, nil
}

func countEligible(items []Item, maxRetries int) int {
	n := 0
	for _, it := range items {
		if it.RetryCount < maxRetries {
			n++
		}
	}
	return n
}

// Purge removes items that have exhausted their retries and are older than
// MaxAge. Items still eligible for delivery are never purged.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	items, err := q.store.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := q.now().Add(-q.cfg.MaxAge)
	removed := 0
	for _, it := range items {
		if it.RetryCount < q.cfg.MaxRetries || !it.CreatedAt.Before(cutoff) {
			continue
		}
		if err := q.store.Delete(ctx, it.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		q.log.Info("purged expired queue items", "count", removed)
		if c, ok := q.store.(interface{ Compact() error }); ok {
			if err := c.Compact(); err != nil {
				q.log.Warn("queue compaction failed", "err", err)
			}
		}
	}
	return removed, nil
}

// Pending returns every stored item, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]Item, error) {
	return q.store.GetAll(ctx)
}

// Kick requests an opportunistic flush from Run without blocking.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Run flushes on a timer and on Kick, and purges periodically. A fatal flush
// error ends Run.
func (q *Queue) Run(ctx context.Context) error {
	flush := time.NewTicker(q.cfg.FlushInterval)
	defer flush.Stop()
	purge := time.NewTicker(q.cfg.PurgeInterval)
	defer purge.Stop()

	if _, err := q.Purge(ctx); err != nil {
		q.log.Warn("queue purge failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-purge.C:
			if _, err := q.Purge(ctx); err != nil {
				q.log.Warn("queue purge failed", "err", err)
			}
			continue
		case <-flush.C:
		case <-q.kick:
		}

		res, err := q.Flush(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if q.cfg.IsFatal != nil && q.cfg.IsFatal(err) {
				return err
			}
			q.log.Warn("queue flush failed", "err", err)
			continue
		}
		if res.Sent > 0 || res.Failed > 0 {
			q.log.Info("queue flushed", "sent", res.Sent, "failed", res.Failed, "deferred", res.Deferred)
		}
	}
}

func (q *Queue) transient(err error) bool {
	if q.cfg.IsTransient == nil {
		return true
	}
	return q.cfg.IsTransient(err)
}
