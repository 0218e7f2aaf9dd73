package calls

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Notifier wakes long-polling devices when a command is queued for their
// owner. Notifications are hints: a subscriber that misses one still finds
// the command on its next claim.
type Notifier interface {
	Notify(ctx context.Context, workspaceID, ownerUserID string) error
	// Subscribe returns a channel that receives a value after each Notify for
	// the same owner, and a func that releases the subscription.
	Subscribe(ctx context.Context, workspaceID, ownerUserID string) (<-chan struct{}, func(), error)
}

func notifyKey(workspaceID, ownerUserID string) string {
	return "dispatch:" + workspaceID + ":" + ownerUserID
}

// LocalNotifier fans out notifications inside one process.
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: map[string]map[chan struct{}]struct{}{}}
}

func (n *LocalNotifier) Notify(_ context.Context, workspaceID, ownerUserID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[notifyKey(workspaceID, ownerUserID)] {
		signal(ch)
	}
	return nil
}

func (n *LocalNotifier) Subscribe(_ context.Context, workspaceID, ownerUserID string) (<-chan struct{}, func(), error) {
	key := notifyKey(workspaceID, ownerUserID)
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.subs[key] == nil {
		n.subs[key] = map[chan struct{}]struct{}{}
	}
	n.subs[key][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[key], ch)
			if len(n.subs[key]) == 0 {
				delete(n.subs, key)
			}
		})
	}, nil
}

// RedisNotifier publishes on a per-owner channel so every API instance can
// wake the devices it is holding.
type RedisNotifier struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisNotifier(rdb *redis.Client, log *slog.Logger) *RedisNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &RedisNotifier{rdb: rdb, log: log}
}

func (n *RedisNotifier) Notify(ctx context.Context, workspaceID, ownerUserID string) error {
	return n.rdb.Publish(ctx, notifyKey(workspaceID, ownerUserID), "1").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, workspaceID, ownerUserID string) (<-chan struct{}, func(), error) {
	ps := n.rdb.Subscribe(ctx, notifyKey(workspaceID, ownerUserID))
	// Wait for the subscription to be confirmed so a Notify issued right
	// after Subscribe returns is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	out := make(chan struct{}, 1)
	msgs := ps.Channel()
	go func() {
		for range msgs {
			signal(out)
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				n.log.Debug("dispatch unsubscribe failed", "err", err)
			}
		})
	}, nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
