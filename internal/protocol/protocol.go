// Package protocol defines the envelope wire format shared by the core
// and every connected agent. An envelope is a single JSON object: one
// per line on the Unix socket, one per message on WebSocket. The
// in-memory Sender field serializes as "from" on the wire.
package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message type tags. These form the complete routable vocabulary of
// the core; anything else is answered with an error envelope.
const (
	// Lifecycle
	TypeRegister   = "agent.register"
	TypeReady      = "agent.ready"
	TypeDisconnect = "agent.disconnect"
	TypeList       = "agent.list"
	TypeCatalog    = "agent.catalog"

	// Commands
	TypeCommand  = "command"
	TypeResponse = "response"

	// Services
	TypeServiceRequest  = "service.request"
	TypeServiceResponse = "service.response"
	TypeServiceError    = "service.error"

	// Peer messaging
	TypeMessage   = "agent.message"
	TypeBroadcast = "agent.broadcast"

	// General
	TypeError = "error"

	// Streaming variants. No built-in component emits these, but the
	// router forwards them to the pending origin when they arrive.
	TypeResponseChunk = "response.chunk"
	TypeResponseEnd   = "response.end"
)

// MaxFrameSize is the largest accepted wire frame. Readers must accept
// lines and messages at least this large.
const MaxFrameSize = 1024 * 1024

// SenderCore identifies envelopes originated by the core itself
// (error replies, catalog answers, service responses).
const SenderCore = "core"

// Envelope is one protocol message. Instances are treated as immutable
// after construction; routing code copies rather than mutates.
type Envelope struct {
	// Type is the message type tag (one of the Type* constants for
	// core-understood traffic).
	Type string `json:"type"`

	// ID uniquely identifies the envelope for reply correlation.
	ID string `json:"id"`

	// Sender is the originating agent id (or "ui", "unknown", etc. for
	// endpoints without a registration). Serialized as "from".
	Sender string `json:"from"`

	// To is the destination agent id or well-known name.
	To string `json:"to"`

	// Payload carries the type-specific body.
	Payload map[string]any `json:"payload"`

	// ReplyTo holds the ID of the envelope being answered. Omitted on
	// the wire when empty.
	ReplyTo string `json:"reply_to,omitempty"`

	// Timestamp is the ISO-8601 creation time. Informational only.
	Timestamp string `json:"timestamp,omitempty"`
}

// requiredKeys are the wire keys every envelope must carry. reply_to
// and timestamp are optional; unknown keys are tolerated and dropped.
var requiredKeys = []string{"type", "id", "from", "to", "payload"}

// Error is a protocol-level decoding failure. The transport answers
// these with an error envelope and keeps the connection open.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "protocol error: " + e.Reason
}

// NewID returns a fresh unique hex envelope id.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// New builds an envelope with a fresh ID and the current timestamp.
// A nil payload is replaced with an empty map so the wire form always
// carries the required payload key.
func New(typ, sender, to string, payload map[string]any) *Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{
		Type:      typ,
		ID:        NewID(),
		Sender:    sender,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// NewReply builds an envelope answering orig: addressed to the
// original sender with ReplyTo set to the original id.
func NewReply(orig *Envelope, typ, sender string, payload map[string]any) *Envelope {
	e := New(typ, sender, orig.Sender, payload)
	e.ReplyTo = orig.ID
	return e
}

// NewError builds an error envelope with the conventional
// {error: reason} payload.
func NewError(sender, to, reason string) *Envelope {
	return New(TypeError, sender, to, map[string]any{"error": reason})
}

// Encode serializes the envelope as a single JSON object with no
// trailing newline. Framing (newline or WebSocket message boundary) is
// the transport's job.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses one wire frame into an envelope. The top level must be
// a JSON object carrying every required key; violations return *Error.
// Unknown keys are tolerated on read and never re-emitted.
func Decode(data []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("invalid envelope: %v", err)}
	}
	if raw == nil {
		return nil, &Error{Reason: "invalid envelope: null"}
	}
	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			return nil, &Error{Reason: "missing required key: " + key}
		}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("invalid envelope: %v", err)}
	}
	return &env, nil
}

// String returns a compact description for logging.
func (e *Envelope) String() string {
	if e.ReplyTo != "" {
		return fmt.Sprintf("%s %s→%s id=%s reply_to=%s", e.Type, e.Sender, e.To, e.ID, e.ReplyTo)
	}
	return fmt.Sprintf("%s %s→%s id=%s", e.Type, e.Sender, e.To, e.ID)
}
