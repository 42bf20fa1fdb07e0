package rendezvous

import (
	"encoding/json"
	"fmt"

	"github.com/petervdpas/peercall/internal/storage"
)

// Envelope types.
const (
	TypeOpen        = "open"
	TypeError       = "error"
	TypeOffer       = "offer"
	TypeAnswer      = "answer"
	TypeCandidate   = "candidate"
	TypeHangup      = "hangup"
	TypeChatSend    = "chat-send"
	TypeChatMessage = "chat-message"
	TypeChatHistory = "chat-history"
)

// Error reasons carried in TypeError envelopes.
const (
	ReasonPeerUnavailable = "peer-unavailable"
	ReasonRateLimited     = "rate-limited"
	ReasonBadMessage      = "bad-message"
	ReasonChatDisabled    = "chat-disabled"
	ReasonChatRejected    = "chat-rejected"
)

// Envelope is the single wire message. Src is always stamped by the server.
// ID correlates a request with its reply.
type Envelope struct {
	Type    string          `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of type typ addressed to dst.
func NewEnvelope(typ, dst string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, Dst: dst}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = b
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

type OpenPayload struct {
	ID string `json:"id"`
}

type ErrorPayload struct {
	Reason string `json:"reason"`
	Dst    string `json:"dst,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type ChatSend struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type ChatHistoryRequest struct {
	Peer  string `json:"peer"`
	Limit int    `json:"limit,omitempty"`
}

type ChatHistoryResult struct {
	Messages []storage.Message `json:"messages"`
}

// RemoteError is an error envelope returned in reply to a request.
type RemoteError struct {
	Reason string
	Dst    string
	Detail string
}

func (e *RemoteError) Error() string {
	msg := "rendezvous: " + e.Reason
	if e.Dst != "" {
		msg += " (" + e.Dst + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Status is served at /peers.json.
type Status struct {
	Peers int  `json:"peers"`
	Chat  bool `json:"chat"`
}
