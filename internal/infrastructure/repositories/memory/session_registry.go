package memory

import (
	"sync"

	"callguard/internal/core/domain"
	"callguard/internal/core/ports"
	"callguard/pkg/utils"
)

// MemorySessionRegistry maps a session id to its participants. Sessions hold
// live connections so they never leave the process.
type MemorySessionRegistry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*domain.CallSession
	clock    utils.Clock
}

func NewMemorySessionRegistry(clock utils.Clock) *MemorySessionRegistry {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &MemorySessionRegistry{
		sessions: make(map[domain.SessionID]*domain.CallSession),
		clock:    clock,
	}
}

var _ ports.SessionRegistry = (*MemorySessionRegistry)(nil)

func snapshot(s *domain.CallSession) *domain.CallSession {
	c := *s
	return &c
}

func (r *MemorySessionRegistry) Join(sessionID domain.SessionID, conn domain.ConnHandle) (*domain.CallSession, domain.ParticipantRole, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		session = &domain.CallSession{
			ID:        sessionID,
			Caller:    conn,
			CreatedAt: r.clock.Now(),
		}
		r.sessions[sessionID] = session
		return snapshot(session), domain.RoleCaller, nil
	}

	for _, p := range session.Participants() {
		if p.UserID() == conn.UserID() {
			return nil, "", domain.ErrAlreadyJoined
		}
	}
	if session.Ready() {
		return nil, "", domain.ErrSessionFull
	}

	if session.Caller == nil {
		session.Caller = conn
		return snapshot(session), domain.RoleCaller, nil
	}
	session.Callee = conn
	return snapshot(session), domain.RoleCallee, nil
}

func (r *MemorySessionRegistry) Get(sessionID domain.SessionID) (*domain.CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return snapshot(session), nil
}

func (r *MemorySessionRegistry) Peer(sessionID domain.SessionID, connID domain.ConnID) (domain.ConnHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if _, member := session.RoleOf(connID); !member {
		return nil, domain.ErrSessionNotFound
	}
	peer := session.PeerOf(connID)
	if peer == nil {
		return nil, domain.ErrPeerNotConnected
	}
	return peer, nil
}

func (r *MemorySessionRegistry) Remove(sessionID domain.SessionID, connID domain.ConnID) (*domain.CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	// the id may already belong to a newer session
	if _, member := session.RoleOf(connID); !member {
		return nil, false
	}
	delete(r.sessions, sessionID)
	return session, true
}

func (r *MemorySessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
