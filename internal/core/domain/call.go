package domain

import "time"

// SessionID identifies one call attempt between two identities.
type SessionID string

// CallState is the lifecycle state of a CallSession. There is no explicit
// "none" state: absence of a session is the none state.
type CallState string

const (
	CallStateRinging     CallState = "ringing"
	CallStateNegotiating CallState = "negotiating"
	CallStateActive      CallState = "active"
	CallStateEnded       CallState = "ended"
)

// SignalKind is the kind of negotiation payload relayed between the two
// parties of a session. The relay never inspects the payload itself.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice-candidate"
)

// CallSession tracks one call attempt between exactly two identities.
// At most one session may exist per identity at a time, which also
// guarantees at most one per unordered pair.
type CallSession struct {
	ID        SessionID
	Initiator string
	Responder string
	State     CallState
	CreatedAt time.Time
	StartedAt time.Time // set on transition to Active
}

// Peer returns the other party of the session, or "" if name is not a party.
func (s *CallSession) Peer(name string) string {
	switch name {
	case s.Initiator:
		return s.Responder
	case s.Responder:
		return s.Initiator
	}
	return ""
}

// Involves reports whether name is one of the two session parties.
func (s *CallSession) Involves(name string) bool {
	return name == s.Initiator || name == s.Responder
}

// Duration returns the elapsed active time, zero before the session
// reached Active.
func (s *CallSession) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}
