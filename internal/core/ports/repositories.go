package ports

import (
	"context"
	"time"

	"callguard/internal/core/domain"
)

// BlocklistStore is the only shared mutable abuse state. All transitions go
// through these methods; implementations serialize writes per user.
type BlocklistStore interface {
	// Classify returns the current state, turning an expired block into normal.
	Classify(ctx context.Context, userID domain.UserID) (domain.AbuseState, error)
	// Get returns a snapshot, or domain.ErrUserNotFound if the user was never seen.
	Get(ctx context.Context, userID domain.UserID) (*domain.UserAbuseState, error)
	MarkSuspicious(ctx context.Context, userID domain.UserID, windowCount int) error
	Block(ctx context.Context, userID domain.UserID, reason string, duration time.Duration) (*domain.UserAbuseState, error)
	// Unblock returns true only if the user was suspicious or blocked.
	Unblock(ctx context.Context, userID domain.UserID) (bool, error)
	ListBlocked(ctx context.Context) ([]*domain.UserAbuseState, error)
	ListSuspicious(ctx context.Context) ([]*domain.UserAbuseState, error)
	// Sweep drops normal and expired entries. Correctness never depends on it.
	Sweep(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

type SessionRegistry interface {
	// Join adds conn to the session, creating it on first join. The first
	// participant is the caller.
	Join(sessionID domain.SessionID, conn domain.ConnHandle) (*domain.CallSession, domain.ParticipantRole, error)
	Get(sessionID domain.SessionID) (*domain.CallSession, error)
	// Peer returns the other participant of connID in the session.
	Peer(sessionID domain.SessionID, connID domain.ConnID) (domain.ConnHandle, error)
	// Remove deletes the whole session and returns it, but only while connID
	// is one of its participants. ok is false when the session was already
	// gone or has been replaced by a newer session under the same id.
	Remove(sessionID domain.SessionID, connID domain.ConnID) (session *domain.CallSession, ok bool)
	Count() int
}
