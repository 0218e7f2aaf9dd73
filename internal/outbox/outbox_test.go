package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errOffline  = errors.New("network unreachable")
	errRejected = errors.New("rejected")
	errAuth     = errors.New("unauthorized")
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Item
	fail func(Item) error
}

func (s *recordingSender) Send(_ context.Context, it Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(it); err != nil {
			return err
		}
	}
	s.sent = append(s.sent, it)
	return nil
}

func (s *recordingSender) setFail(fn func(Item) error) {
	s.mu.Lock()
	s.fail = fn
	s.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IsFatal = func(err error) bool { return errors.Is(err, errAuth) }
	cfg.IsTransient = func(err error) bool { return errors.Is(err, errOffline) }
	cfg.BreakerFailures = 10
	return cfg
}

func TestQueue_OfflineThenOnlineDeliversOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sender := &recordingSender{fail: func(Item) error { return errOffline }}
	q := NewQueue(store, sender, testConfig(), nil)

	it, err := q.Enqueue(ctx, ItemOutcome, "/v1/device/update", []byte(`{"id":"abc"}`))
	require.NoError(t, err)

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	items, _ := store.GetAll(ctx)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)

	sender.setFail(nil)
	res, err = q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, it.ID, sender.sent[0].ID)
	assert.JSONEq(t, `{"id":"abc"}`, string(sender.sent[0].Payload))

	items, _ = store.GetAll(ctx)
	assert.Empty(t, items)

	res, err = q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.Len(t, sender.sent, 1)
}

func TestQueue_ExhaustedItemsAreSkippedThenPurged(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sender := &recordingSender{fail: func(Item) error { return errRejected }}
	q := NewQueue(store, sender, testConfig(), nil)

	_, err := q.Enqueue(ctx, ItemOutcome, "/v1/device/update", []byte(`{}`))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := q.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
	}

	sender.setFail(nil)
	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exhausted)
	assert.Empty(t, sender.sent)

	n, err := q.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "young exhausted items stay until they age out")

	q.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	n, err = q.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, _ := store.GetAll(ctx)
	assert.Empty(t, items)
}

func TestQueue_PurgeKeepsEligibleItems(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	q := NewQueue(store, &recordingSender{}, testConfig(), nil)
	require.NoError(t, store.Put(ctx, Item{ID: "old", Type: ItemHeartbeat, CreatedAt: time.Now().Add(-30 * 24 * time.Hour), RetryCount: 1}))

	n, err := q.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_FailureDefersRestOfSameType(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now()
	require.NoError(t, store.Put(ctx, Item{ID: "o1", Type: ItemOutcome, CreatedAt: base}))
	require.NoError(t, store.Put(ctx, Item{ID: "o2", Type: ItemOutcome, CreatedAt: base.Add(time.Millisecond)}))
	require.NoError(t, store.Put(ctx, Item{ID: "h1", Type: ItemHeartbeat, CreatedAt: base.Add(2 * time.Millisecond)}))

	sender := &recordingSender{fail: func(it Item) error {
		if it.ID == "o1" {
			return errRejected
		}
		return nil
	}}
	q := NewQueue(store, sender, testConfig(), nil)

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Sent: 1, Failed: 1, Deferred: 1}, res)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "h1", sender.sent[0].ID)

	sender.setFail(nil)
	_, err = q.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, sender.sent, 3)
	assert.Equal(t, "o1", sender.sent[1].ID)
	assert.Equal(t, "o2", sender.sent[2].ID)
}

func TestQueue_OpenBreakerStopsFlushWithoutRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now()
	types := []ItemType{ItemOutcome, ItemHeartbeat, ItemTelemetry, ItemLogUpload}
	for i, typ := range types {
		require.NoError(t, store.Put(ctx, Item{ID: string(typ), Type: typ, CreatedAt: base.Add(time.Duration(i) * time.Millisecond)}))
	}

	var attempts atomic.Int32
	sender := &recordingSender{fail: func(Item) error {
		attempts.Add(1)
		return errOffline
	}}
	cfg := testConfig()
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Hour
	q := NewQueue(store, sender, cfg, nil)

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, res.Deferred)

	items, _ := store.GetAll(ctx)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.Equal(t, 1, items[1].RetryCount)
	assert.Equal(t, 0, items[2].RetryCount)
	assert.Equal(t, 0, items[3].RetryCount)
}

func TestQueue_RejectionsDoNotTripBreaker(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now()
	types := []ItemType{ItemOutcome, ItemHeartbeat, ItemTelemetry, ItemLogUpload}
	for i, typ := range types {
		require.NoError(t, store.Put(ctx, Item{ID: string(typ), Type: typ, CreatedAt: base.Add(time.Duration(i) * time.Millisecond)}))
	}
	cfg := testConfig()
	cfg.BreakerFailures = 2
	q := NewQueue(store, &recordingSender{fail: func(Item) error { return errRejected }}, cfg, nil)

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Failed)
}

func TestQueue_FatalErrorStopsFlush(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sender := &recordingSender{fail: func(Item) error { return errAuth }}
	q := NewQueue(store, sender, testConfig(), nil)
	_, _ = q.Enqueue(ctx, ItemOutcome, "/v1/device/update", []byte(`{}`))
	_, _ = q.Enqueue(ctx, ItemHeartbeat, "/v1/device/heartbeat", []byte(`{}`))

	_, err := q.Flush(ctx)
	require.ErrorIs(t, err, errAuth)

	items, _ := store.GetAll(ctx)
	require.Len(t, items, 2)
	assert.Zero(t, items[0].RetryCount)
}

func TestQueue_ConcurrentFlushesShareOnePass(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls atomic.Int32
	sender := SenderFunc(func(context.Context, Item) error {
		calls.Add(1)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
		return nil
	})
	q := NewQueue(store, sender, testConfig(), nil)
	_, _ = q.Enqueue(ctx, ItemOutcome, "/v1/device/update", []byte(`{}`))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Flush(ctx)
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Flush(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_KickTriggersFlush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore()
	delivered := make(chan string, 1)
	sender := SenderFunc(func(_ context.Context, it Item) error {
		delivered <- it.ID
		return nil
	})
	cfg := testConfig()
	cfg.FlushInterval = time.Hour
	q := NewQueue(store, sender, cfg, nil)
	it, _ := q.Enqueue(ctx, ItemHeartbeat, "/v1/device/heartbeat", []byte(`{}`))

	go func() { _ = q.Run(ctx) }()
	q.Kick()
	q.Kick()

	select {
	case id := <-delivered:
		assert.Equal(t, it.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("kick did not flush")
	}
}

func TestBadgerStore_RoundTripAndOrder(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	base := time.Now().UTC()
	require.NoError(t, s.Put(ctx, Item{ID: "b", Type: ItemOutcome, Payload: []byte(`{"id":"2"}`), CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.Put(ctx, Item{ID: "a", Type: ItemOutcome, Payload: []byte(`{"id":"1"}`), CreatedAt: base}))

	items, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, `{"id":"1"}`, string(items[0].Payload))

	n, err := s.IncrementRetry(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Delete(ctx, "a"))
	assert.ErrorIs(t, s.Delete(ctx, "a"), ErrNotFound)
	_, err = s.IncrementRetry(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	items, _ = s.GetAll(ctx)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
}

func TestBadgerStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenBadger(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	q := NewQueue(s, &recordingSender{}, testConfig(), nil)
	it, err := q.Enqueue(ctx, ItemOutcome, "/v1/device/update", []byte(`{"id":"abc"}`))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenBadger(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	defer s.Close()
	items, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, it.ID, items[0].ID)
	assert.Equal(t, ItemOutcome, items[0].Type)
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}
