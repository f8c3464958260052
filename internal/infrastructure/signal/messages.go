package signal

import (
	"encoding/json"
	"time"

	"voxrelay/internal/core/domain"
)

// Event type names on the wire. Inbound and relayed signaling events share
// the same names so a client sees the kind it sent arrive at its peer.
const (
	EventJoin         = "join"
	EventSendMessage  = "send-message"
	EventCallUser     = "call-user"
	EventOffer        = "webrtc-offer"
	EventAnswer       = "webrtc-answer"
	EventICECandidate = "webrtc-ice-candidate"
	EventAcceptCall   = "accept-call"
	EventRejectCall   = "reject-call"
	EventEndCall      = "end-call"

	EventJoinSuccess    = "join-success"
	EventJoinError      = "join-error"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventReceiveMessage = "receive-message"
	EventIncomingCall   = "incoming-call"
	EventCallAccepted   = "call-accepted"
	EventCallRejected   = "call-rejected"
	EventCallEnded      = "call-ended"
	EventCallError      = "call-error"
)

// Error codes surfaced to the requesting client only, never broadcast.
const (
	CodeNameInvalid     = "name-invalid"
	CodeNameTaken       = "name-taken"
	CodeTargetNotFound  = "target-not-found"
	CodeTargetBusy      = "target-busy"
	CodeSelfCall        = "self-call"
	CodeNoActiveSession = "no-active-session"
)

// Envelope is the JSON frame exchanged over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// outbound wraps a typed payload for marshalling.
type outbound struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Inbound payloads.

type JoinPayload struct {
	Name string `json:"name"`
}

type ChatPayload struct {
	Text string `json:"text"`
}

type CallUserPayload struct {
	Target string `json:"target"`
}

// SignalPayload carries one offer/answer/ICE blob. Target is client-claimed
// and used only as a consistency check: routing always follows the stored
// session.
type SignalPayload struct {
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data"`
}

type AcceptCallPayload struct {
	CallerID string `json:"callerId,omitempty"`
}

type RejectCallPayload struct {
	CallerID string `json:"callerId,omitempty"`
}

type EndCallPayload struct {
	TargetID string `json:"targetId,omitempty"`
}

// Outbound payloads.

type JoinSuccessPayload struct {
	Name   string            `json:"name"`
	Roster []domain.Identity `json:"roster"`
}

type JoinErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type PresencePayload struct {
	Name   string            `json:"name"`
	Roster []domain.Identity `json:"roster"`
}

type ChatBroadcastPayload struct {
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

type IncomingCallPayload struct {
	CallerID   domain.ClientID `json:"callerId"`
	CallerName string          `json:"callerName"`
}

type CallEventPayload struct {
	By string `json:"by"`
}

type CallErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// RelayedSignalPayload is what the session peer receives: the blob verbatim
// plus the authoritative sender, regardless of what the sender claimed.
type RelayedSignalPayload struct {
	Data   json.RawMessage `json:"data"`
	Caller domain.ClientID `json:"caller"`
	From   string          `json:"from"`
}

func callErrorCode(err error) string {
	switch err {
	case domain.ErrTargetNotFound:
		return CodeTargetNotFound
	case domain.ErrTargetBusy:
		return CodeTargetBusy
	case domain.ErrSelfCall:
		return CodeSelfCall
	case domain.ErrNoActiveSession:
		return CodeNoActiveSession
	}
	return CodeNoActiveSession
}
