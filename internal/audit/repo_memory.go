package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps events in process. Used with APP_STORAGE=memory and in
// tests; everything is lost on restart.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything appended, oldest first.
func (r *MemoryRepo) Events() []Event {
	return r.filter(func(Event) bool { return true })
}

// ByType returns the events of one type, oldest first.
func (r *MemoryRepo) ByType(typ EventType) []Event {
	return r.filter(func(e Event) bool { return e.Type == typ })
}

// ForCommand returns the trail of one command.
func (r *MemoryRepo) ForCommand(workspaceID, commandID string) []Event {
	return r.filter(func(e Event) bool {
		return e.WorkspaceID == workspaceID && e.CommandID == commandID
	})
}

func (r *MemoryRepo) filter(keep func(Event) bool) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
