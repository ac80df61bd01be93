package server

import (
	"context"
	"sort"
	"sync"

	"github.com/mbocsi/devlink/session"
)

// Registry records which device sessions are live so other processes can
// see them.
type Registry interface {
	Register(ctx context.Context, info session.Info) error
	Touch(ctx context.Context, info session.Info) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]session.Info, error)
}

type MemoryRegistry struct {
	mu    sync.RWMutex
	store map[string]session.Info
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{store: make(map[string]session.Info)}
}

func (r *MemoryRegistry) Register(ctx context.Context, info session.Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[info.ID] = info
	return nil
}

func (r *MemoryRegistry) Touch(ctx context.Context, info session.Info) error {
	return r.Register(ctx, info)
}

func (r *MemoryRegistry) Get(id string) (session.Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.store[id]
	return info, ok
}

func (r *MemoryRegistry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.store, id)
	return nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]session.Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]session.Info, 0, len(r.store))
	for _, info := range r.store {
		sessions = append(sessions, info)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})
	return sessions, nil
}
