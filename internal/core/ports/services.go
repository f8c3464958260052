package ports

import (
	"context"

	"voxrelay/internal/core/domain"
)

// Registry is the authoritative map of live connections to display identities.
// Name uniqueness is enforced atomically inside Register.
type Registry interface {
	Register(ctx context.Context, clientID domain.ClientID, requestedName string) (domain.Identity, []domain.Identity, error)
	Unregister(ctx context.Context, clientID domain.ClientID) (domain.Identity, bool)
	Resolve(name string) (domain.ClientID, bool)
	Lookup(clientID domain.ClientID) (domain.Identity, bool)
	Snapshot() []domain.Identity
}

// CallCoordinator sequences the call-session state machine between exactly
// two identities. All routing targets are resolved from the stored session,
// never from caller-supplied fields.
type CallCoordinator interface {
	StartCall(ctx context.Context, caller, target string) (*domain.CallSession, error)
	Accept(ctx context.Context, responder string) (*domain.CallSession, error)
	Reject(ctx context.Context, responder string) (*domain.CallSession, error)
	RecordSignal(ctx context.Context, sender string, kind domain.SignalKind) (*domain.CallSession, bool, error)
	End(ctx context.Context, party string) (*domain.CallSession, bool)
	SessionFor(name string) (*domain.CallSession, bool)
	ActiveCount() int
}
