package memory

import (
	"context"
	"sort"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions map[domain.SessionID]map[domain.PeerID]struct{}
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]map[domain.PeerID]struct{}),
	}
}

func (r *MemorySessionRepository) Join(ctx context.Context, session domain.SessionID, peer domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.sessions[session]
	if !exists {
		members = make(map[domain.PeerID]struct{})
		r.sessions[session] = members
	}
	members[peer] = struct{}{}
	return nil
}

func (r *MemorySessionRepository) Leave(ctx context.Context, session domain.SessionID, peer domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.sessions[session]
	if !exists {
		return nil
	}
	delete(members, peer)
	if len(members) == 0 {
		delete(r.sessions, session)
	}
	return nil
}

// Members returns the member ids sorted for stable ordering.
func (r *MemorySessionRepository) Members(ctx context.Context, session domain.SessionID) ([]domain.PeerID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]domain.PeerID, 0, len(r.sessions[session]))
	for id := range r.sessions[session] {
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (r *MemorySessionRepository) Count(ctx context.Context, session domain.SessionID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[session]), nil
}
