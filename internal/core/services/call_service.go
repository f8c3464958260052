package services

import (
	"context"
	"sync"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallService drives the per-pair call state machine:
//
//	none -> ringing -> negotiating -> active -> ended
//
// A session is indexed under both party names, so any identity can be a
// party of at most one session at a time. The busy check and the session
// insert happen under one mutex.
type CallService struct {
	mu       sync.Mutex
	sessions map[string]*domain.CallSession // keyed by both party names

	registry ports.Registry
	logger   *zap.SugaredLogger
}

func NewCallService(registry ports.Registry, logger *zap.SugaredLogger) *CallService {
	return &CallService{
		sessions: make(map[string]*domain.CallSession),
		registry: registry,
		logger:   logger,
	}
}

// StartCall creates a ringing session from caller to target. The caller is
// rejected as busy too: one session per identity keeps the pair invariant.
func (s *CallService) StartCall(ctx context.Context, caller, target string) (*domain.CallSession, error) {
	if caller == target {
		return nil, domain.ErrSelfCall
	}
	if _, ok := s.registry.Resolve(target); !ok {
		return nil, domain.ErrTargetNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.sessions[caller]; busy {
		return nil, domain.ErrTargetBusy
	}
	if _, busy := s.sessions[target]; busy {
		return nil, domain.ErrTargetBusy
	}

	session := &domain.CallSession{
		ID:        domain.SessionID(uuid.New().String()),
		Initiator: caller,
		Responder: target,
		State:     domain.CallStateRinging,
		CreatedAt: time.Now(),
	}
	s.sessions[caller] = session
	s.sessions[target] = session

	s.logger.Infow("call ringing", "session_id", session.ID, "from", caller, "to", target)
	return session, nil
}

// Accept moves the responder's ringing session to negotiating.
func (s *CallService) Accept(ctx context.Context, responder string) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[responder]
	if !ok || session.Responder != responder || session.State != domain.CallStateRinging {
		return nil, domain.ErrNoActiveSession
	}

	session.State = domain.CallStateNegotiating
	s.logger.Infow("call accepted", "session_id", session.ID, "responder", responder)
	return session, nil
}

// Reject terminates the responder's ringing session.
func (s *CallService) Reject(ctx context.Context, responder string) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[responder]
	if !ok || session.Responder != responder || session.State != domain.CallStateRinging {
		return nil, domain.ErrNoActiveSession
	}

	s.terminateLocked(session)
	s.logger.Infow("call rejected", "session_id", session.ID, "responder", responder)
	return session, nil
}

// RecordSignal validates that sender is a party of a live session and
// reports the session the payload must be routed through. The first answer
// observed while negotiating flips the session to active and starts the
// call timer. The payload itself is never inspected here.
func (s *CallService) RecordSignal(ctx context.Context, sender string, kind domain.SignalKind) (*domain.CallSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sender]
	if !ok {
		return nil, false, domain.ErrNoActiveSession
	}

	becameActive := false
	if kind == domain.SignalAnswer && session.State == domain.CallStateNegotiating {
		session.State = domain.CallStateActive
		session.StartedAt = time.Now()
		becameActive = true
		s.logger.Infow("call active", "session_id", session.ID,
			"initiator", session.Initiator, "responder", session.Responder)
	}
	return session, becameActive, nil
}

// End terminates the session party belongs to, in any non-terminal state.
// Ending with no session is a no-op so disconnect races stay harmless.
func (s *CallService) End(ctx context.Context, party string) (*domain.CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[party]
	if !ok {
		return nil, false
	}

	s.terminateLocked(session)
	s.logger.Infow("call ended", "session_id", session.ID, "by", party,
		"active_for", session.Duration())
	return session, true
}

func (s *CallService) SessionFor(name string) (*domain.CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[name]
	return session, ok
}

func (s *CallService) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Every session is indexed under exactly two names.
	return len(s.sessions) / 2
}

func (s *CallService) terminateLocked(session *domain.CallSession) {
	session.State = domain.CallStateEnded
	delete(s.sessions, session.Initiator)
	delete(s.sessions, session.Responder)
}
