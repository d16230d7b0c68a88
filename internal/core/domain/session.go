package domain

import "time"

type SessionID string
type ConnID string

// ParticipantRole is the side a connection plays in a call.
type ParticipantRole string

const (
	RoleCaller ParticipantRole = "caller"
	RoleCallee ParticipantRole = "callee"
)

// ConnHandle is one live client connection as seen by the session registry.
type ConnHandle interface {
	ID() ConnID
	UserID() UserID
	// Send queues a frame for the client. It must not block on the network.
	Send(frame interface{}) error
	// Close ends the connection with a normal close code and reason.
	Close(reason string)
}

// CallSession pairs the two participants of one call. Callee is nil until the
// second party joins.
type CallSession struct {
	ID        SessionID
	Caller    ConnHandle
	Callee    ConnHandle
	CreatedAt time.Time
}

// Ready reports whether both participants are present.
func (s *CallSession) Ready() bool {
	return s.Caller != nil && s.Callee != nil
}

// RoleOf returns the role held by connID, if it is a participant.
func (s *CallSession) RoleOf(connID ConnID) (ParticipantRole, bool) {
	switch {
	case s.Caller != nil && s.Caller.ID() == connID:
		return RoleCaller, true
	case s.Callee != nil && s.Callee.ID() == connID:
		return RoleCallee, true
	}
	return "", false
}

// PeerOf returns the other participant of connID, or nil.
func (s *CallSession) PeerOf(connID ConnID) ConnHandle {
	switch {
	case s.Caller != nil && s.Caller.ID() == connID:
		return s.Callee
	case s.Callee != nil && s.Callee.ID() == connID:
		return s.Caller
	}
	return nil
}

// Participants returns the connections present in the session.
func (s *CallSession) Participants() []ConnHandle {
	out := make([]ConnHandle, 0, 2)
	if s.Caller != nil {
		out = append(out, s.Caller)
	}
	if s.Callee != nil {
		out = append(out, s.Callee)
	}
	return out
}
