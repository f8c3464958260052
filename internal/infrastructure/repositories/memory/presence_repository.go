package memory

import (
	"context"
	"sort"
	"sync"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"
)

type MemoryPresenceRepository struct {
	entries map[domain.ClientID]domain.Identity
	mu      sync.RWMutex
}

func NewMemoryPresenceRepository() ports.PresenceRepository {
	return &MemoryPresenceRepository{
		entries: make(map[domain.ClientID]domain.Identity),
	}
}

func (r *MemoryPresenceRepository) Add(ctx context.Context, identity domain.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[identity.ClientID] = identity
	return nil
}

func (r *MemoryPresenceRepository) Remove(ctx context.Context, clientID domain.ClientID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, clientID)
	return nil
}

func (r *MemoryPresenceRepository) List(ctx context.Context) ([]domain.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]domain.Identity, 0, len(r.entries))
	for _, identity := range r.entries {
		identities = append(identities, identity)
	}
	sort.Slice(identities, func(i, j int) bool {
		return identities[i].JoinedAt.Before(identities[j].JoinedAt)
	})
	return identities, nil
}
