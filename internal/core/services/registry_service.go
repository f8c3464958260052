package services

import (
	"context"
	"sync"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"
	"voxrelay/pkg/circuitbreaker"
	"voxrelay/pkg/retry"
	"voxrelay/pkg/validation"

	"go.uber.org/zap"
)

// RegistryService owns the roster: the ordered set of (connection, identity)
// pairs. The uniqueness check and the insert happen under one mutex so no
// concurrent Register can produce two identities with the same name.
type RegistryService struct {
	mu       sync.Mutex
	order    []domain.ClientID
	byClient map[domain.ClientID]domain.Identity
	byName   map[string]domain.ClientID

	presence ports.PresenceRepository
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.SugaredLogger
}

func NewRegistryService(presence ports.PresenceRepository, logger *zap.SugaredLogger) *RegistryService {
	s := &RegistryService{
		byClient: make(map[domain.ClientID]domain.Identity),
		byName:   make(map[string]domain.ClientID),
		presence: presence,
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig()),
		logger:   logger,
	}
	s.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("presence mirror circuit state changed", "from", from.String(), "to", to.String())
	})
	return s
}

func (s *RegistryService) Register(ctx context.Context, clientID domain.ClientID, requestedName string) (domain.Identity, []domain.Identity, error) {
	name, err := validation.ValidateDisplayName(requestedName)
	if err != nil {
		return domain.Identity{}, nil, domain.ErrNameInvalid
	}

	s.mu.Lock()
	if _, taken := s.byName[name]; taken {
		s.mu.Unlock()
		return domain.Identity{}, nil, domain.ErrNameTaken
	}

	identity := domain.Identity{
		ClientID: clientID,
		Name:     name,
		JoinedAt: time.Now(),
	}
	s.byClient[clientID] = identity
	s.byName[name] = clientID
	s.order = append(s.order, clientID)
	roster := s.snapshotLocked()
	s.mu.Unlock()

	s.mirrorAdd(identity)
	return identity, roster, nil
}

// Unregister removes the roster entry for clientID. Double-unregister is a
// no-op, not an error.
func (s *RegistryService) Unregister(ctx context.Context, clientID domain.ClientID) (domain.Identity, bool) {
	s.mu.Lock()
	identity, ok := s.byClient[clientID]
	if !ok {
		s.mu.Unlock()
		return domain.Identity{}, false
	}

	delete(s.byClient, clientID)
	delete(s.byName, identity.Name)
	for i, id := range s.order {
		if id == clientID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.mirrorRemove(clientID)
	return identity, true
}

func (s *RegistryService) Resolve(name string) (domain.ClientID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientID, ok := s.byName[name]
	return clientID, ok
}

func (s *RegistryService) Lookup(clientID domain.ClientID) (domain.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.byClient[clientID]
	return identity, ok
}

// Snapshot returns the roster in insertion order.
func (s *RegistryService) Snapshot() []domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

func (s *RegistryService) snapshotLocked() []domain.Identity {
	roster := make([]domain.Identity, 0, len(s.order))
	for _, clientID := range s.order {
		roster = append(roster, s.byClient[clientID])
	}
	return roster
}

// Presence mirror writes run off the registration path: the in-memory
// roster stays authoritative and a slow or failing mirror never blocks
// or fails a join.
func (s *RegistryService) mirrorAdd(identity domain.Identity) {
	if s.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := s.breaker.Execute(ctx, func() error {
			return retry.Retry(ctx, retry.DefaultConfig(), func() error {
				return s.presence.Add(ctx, identity)
			})
		})
		if err != nil {
			s.logger.Warnw("presence mirror add failed", "name", identity.Name, "error", err)
		}
	}()
}

func (s *RegistryService) mirrorRemove(clientID domain.ClientID) {
	if s.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := s.breaker.Execute(ctx, func() error {
			return retry.Retry(ctx, retry.DefaultConfig(), func() error {
				return s.presence.Remove(ctx, clientID)
			})
		})
		if err != nil {
			s.logger.Warnw("presence mirror remove failed", "client_id", clientID, "error", err)
		}
	}()
}
