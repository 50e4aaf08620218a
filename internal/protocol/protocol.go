// Package protocol defines the wire types exchanged over the live chat
// channel between the venue client and the messaging core. All frames are
// JSON with a type discriminator: client frames are flat envelopes, server
// frames wrap their payload under a "data" key.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server envelope types.
const (
	TypeMessage    = "message"
	TypeTyping     = "typing"
	TypeStopTyping = "stop_typing"
	TypePing       = "ping"
)

// Server -> Client push types.
const (
	TypeNewMessage  = "new_message"
	TypePresence    = "presence"
	TypeTypingPush  = "typing"
	TypePong        = "pong"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
)

// Message scopes.
const (
	ScopePublic  = "public"
	ScopePrivate = "private"
)

// Persisted message kinds. Typing, stop-typing and presence frames are
// ephemeral control traffic and never reach the store.
const (
	KindText   = "text"
	KindSystem = "system"
)

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// Envelope is a single typed unit sent by the client over the live channel.
// RecipientID selects the private scope: zero means the public channel.
type Envelope struct {
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`
	RecipientID int64  `json:"recipient_id,omitempty"`
}

// Private reports whether the envelope addresses a private conversation.
func (e Envelope) Private() bool { return e.RecipientID != 0 }

// ParseEnvelope decodes raw frame bytes into an Envelope. It rejects frames
// with a missing or server-only type so malformed traffic is dropped at the
// edge without touching the router.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: failed to parse envelope: %w", err)
	}
	switch env.Type {
	case TypeMessage, TypeTyping, TypeStopTyping, TypePing:
		return env, nil
	case "":
		return Envelope{}, fmt.Errorf("protocol: missing or empty \"type\" field")
	default:
		return Envelope{}, fmt.Errorf("protocol: unknown client envelope type: %q", env.Type)
	}
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// Push is the generic server frame: a type discriminator plus a payload.
// Clients decode Data into the concrete struct matching Type.
type Push struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is a persisted chat message as it appears on the wire and in
// store query results. MessageID is server-assigned and strictly increasing
// within its partition; clients use it as the resume cursor.
type Message struct {
	MessageID   int64     `json:"message_id"`
	SenderID    int64     `json:"sender_id"`
	SenderName  string    `json:"sender_name,omitempty"`
	Scope       string    `json:"scope"`
	RecipientID int64     `json:"recipient_id,omitempty"`
	Content     string    `json:"content"`
	Kind        string    `json:"kind"`
	CreatedAt   time.Time `json:"created_at"`
}

// PresenceData is the payload of a presence push.
type PresenceData struct {
	UserID int64 `json:"user_id"`
	Online bool  `json:"online"`
}

// TypingData is the payload of a typing push. IsTyping false is the stop
// signal, whether explicit or implied by the server-side idle timer.
type TypingData struct {
	UserID      int64  `json:"user_id"`
	Scope       string `json:"scope"`
	RecipientID int64  `json:"recipient_id,omitempty"`
	IsTyping    bool   `json:"is_typing"`
}

// RateLimitedData tells the client to back off before sending again.
type RateLimitedData struct {
	RetryAfter int `json:"retry_after"` // seconds
}

// ErrorData is a structured error push. The session stays open.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewPush builds the JSON bytes for a server push of the given type. A nil
// payload produces a bare {"type": ...} frame (used for pong).
func NewPush(pushType string, payload interface{}) ([]byte, error) {
	p := struct {
		Type string      `json:"type"`
		Data interface{} `json:"data,omitempty"`
	}{Type: pushType, Data: payload}

	out, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q push: %w", pushType, err)
	}
	return out, nil
}

// ParsePush decodes raw frame bytes into a Push. Used by the client library.
func ParsePush(data []byte) (Push, error) {
	var p Push
	if err := json.Unmarshal(data, &p); err != nil {
		return Push{}, fmt.Errorf("protocol: failed to parse push: %w", err)
	}
	if p.Type == "" {
		return Push{}, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return p, nil
}
