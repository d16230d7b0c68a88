package signal

import (
	"encoding/json"

	"callguard/internal/core/domain"
	"callguard/pkg/utils"
)

// Frame types sent by the relay. Negotiation frames reuse the domain kinds.
const (
	TypeHangup        = "hangup"
	TypeSessionJoined = "session_joined"
	TypeSessionReady  = "session_ready"
	TypePeerLeft      = "peer_left"
	TypeBlocked       = "blocked"
	TypeUnblocked     = "unblocked"
	TypeError         = "error"
)

// Error codes carried in error frames.
const (
	CodeBadMessage       = "bad_message"
	CodeUnknownType      = "unknown_type"
	CodeSessionFull      = "session_full"
	CodeAlreadyJoined    = "already_joined"
	CodePeerNotConnected = "peer_not_connected"
	CodeInternal         = "internal_error"
)

// InboundMessage is what clients send. Payload stays raw so a validated
// message can be forwarded byte for byte.
type InboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame is every server -> client message.
type Frame struct {
	Type      string           `json:"type"`
	From      domain.UserID    `json:"from,omitempty"`
	SessionID domain.SessionID `json:"session_id,omitempty"`
	Payload   interface{}      `json:"payload,omitempty"`
}

type RolePayload struct {
	Role domain.ParticipantRole `json:"role"`

	// ThrottlePerSecond is only set on session_joined.
	ThrottlePerSecond float64 `json:"throttle_per_second,omitempty"`
}

type BlockedPayload struct {
	Reason       string `json:"reason"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// decode errors can echo client input back
const maxErrorMessageLen = 200

func errorFrame(code, message string) Frame {
	return Frame{Type: TypeError, Payload: ErrorPayload{Code: code, Message: utils.TruncateString(message, maxErrorMessageLen)}}
}

func decodeNegotiation(msg InboundMessage) (domain.NegotiationMessage, error) {
	return domain.DecodeNegotiation(msg.Type, msg.Payload)
}
