// Package outbox is the device's durable outbound queue. Payloads that could
// not be sent (outcomes, heartbeats, telemetry, log uploads) are persisted
// and replayed once connectivity returns.
package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type ItemType string

const (
	ItemOutcome   ItemType = "outcome"
	ItemHeartbeat ItemType = "heartbeat"
	ItemTelemetry ItemType = "telemetry"
	ItemLogUpload ItemType = "log_upload"
)

// Item is one queued payload. IDs are UUIDv7, so lexical order is creation
// order.
type Item struct {
	ID          string    `json:"id"`
	Type        ItemType  `json:"type"`
	Destination string    `json:"destination"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
	RetryCount  int       `json:"retry_count"`
}

var ErrNotFound = errors.New("outbox: item not found")

// Store is crash-safe storage for queued items.
type Store interface {
	Put(ctx context.Context, it Item) error
	GetAll(ctx context.Context) ([]Item, error)
	Delete(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id string) (int, error)
}

// MemoryStore is a non-durable Store for tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Item
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{items: map[string]Item{}} }

func (s *MemoryStore) Put(_ context.Context, it Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it.Payload = append([]byte(nil), it.Payload...)
	s.items[it.ID] = it
	return nil
}

func (s *MemoryStore) GetAll(_ context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	sortItems(out)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) IncrementRetry(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return 0, ErrNotFound
	}
	it.RetryCount++
	s.items[id] = it
	return it.RetryCount, nil
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
