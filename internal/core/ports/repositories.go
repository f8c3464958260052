package ports

import (
	"context"

	"voxrelay/internal/core/domain"
)

// PresenceRepository mirrors the roster for out-of-process readers. The
// in-memory roster held by the Registry stays authoritative; mirror writes
// are best-effort.
type PresenceRepository interface {
	Add(ctx context.Context, identity domain.Identity) error
	Remove(ctx context.Context, clientID domain.ClientID) error
	List(ctx context.Context) ([]domain.Identity, error)
}
