package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
// A single mutex gives ClaimNext the same no-double-delivery guarantee the
// Postgres repository gets from SKIP LOCKED.
type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]CallCommand
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{rows: map[string]CallCommand{}} }

func (r *MemoryRepo) Insert(_ context.Context, c CallCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[c.ID]; ok {
		return ErrConflict
	}
	r.rows[c.ID] = clone(c)
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, workspaceID, id string) (CallCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok || c.WorkspaceID != workspaceID {
		return CallCommand{}, ErrNotFound
	}
	return clone(c), nil
}

func (r *MemoryRepo) ClaimNext(_ context.Context, workspaceID, ownerUserID, deviceID string, now time.Time) (CallCommand, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next *CallCommand
	for id := range r.rows {
		c := r.rows[id]
		if c.WorkspaceID != workspaceID || c.OwnerUserID != ownerUserID || c.Status != StatusPending {
			continue
		}
		if next == nil || c.CreatedAt.Before(next.CreatedAt) || (c.CreatedAt.Equal(next.CreatedAt) && c.ID < next.ID) {
			cc := c
			next = &cc
		}
	}
	if next == nil {
		return CallCommand{}, false, nil
	}
	next.Status = StatusDelivered
	next.DeliveredTo = deviceID
	next.DeliveredAt = &now
	next.UpdatedAt = now
	r.rows[next.ID] = *next
	return clone(*next), true, nil
}

func (r *MemoryRepo) Mutate(_ context.Context, workspaceID, id string, fn func(*CallCommand) error) (CallCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok || c.WorkspaceID != workspaceID {
		return CallCommand{}, ErrNotFound
	}
	c = clone(c)
	if err := fn(&c); err != nil {
		return CallCommand{}, err
	}
	r.rows[id] = clone(c)
	return c, nil
}

func (r *MemoryRepo) ListReported(_ context.Context, workspaceID, ownerUserID string, from, to time.Time) ([]CallCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallCommand, 0)
	for _, c := range r.rows {
		if c.WorkspaceID != workspaceID || c.ReportedAt == nil {
			continue
		}
		if ownerUserID != "" && c.OwnerUserID != ownerUserID {
			continue
		}
		if c.ReportedAt.Before(from) || !c.ReportedAt.Before(to) {
			continue
		}
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReportedAt.Before(*out[j].ReportedAt) })
	return out, nil
}

func clone(c CallCommand) CallCommand {
	if c.Refs != nil {
		refs := make(map[string]string, len(c.Refs))
		for k, v := range c.Refs {
			refs[k] = v
		}
		c.Refs = refs
	}
	return c
}
