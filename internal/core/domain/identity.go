package domain

import "time"

// ClientID is the opaque, process-assigned handle for one live WebSocket
// connection. It is never derived from client input.
type ClientID string

// Identity binds a unique display name to exactly one live connection for
// the lifetime of that connection.
type Identity struct {
	ClientID ClientID  `json:"clientId"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ChatMessage is a transient broadcast payload. The relay never stores it.
type ChatMessage struct {
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}
