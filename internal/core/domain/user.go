package domain

import (
	"fmt"
	"strconv"
	"time"
)

// UserID is the stable numeric id issued by the identity provider.
type UserID int64

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseUserID parses a decimal user id. Zero and negative ids are rejected.
func ParseUserID(s string) (UserID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q: %w", s, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid user id %q: must be positive", s)
	}
	return UserID(v), nil
}

type UserRole string

const (
	RoleClient UserRole = "client"
	RoleAdmin  UserRole = "admin"
)

type AbuseState string

const (
	StateNormal     AbuseState = "normal"
	StateSuspicious AbuseState = "suspicious"
	StateBlocked    AbuseState = "blocked"
)

// ReasonICEFlood is recorded when a suspicious user keeps flooding candidates.
const ReasonICEFlood = "ICE candidate flood"

// UserAbuseState is the per-user abuse record kept by the blocklist store.
// BlockedUntil is non-zero if and only if State is StateBlocked.
type UserAbuseState struct {
	UserID          UserID
	State           AbuseState
	WindowCount     int
	WindowStart     time.Time
	BlockReason     string
	BlockedUntil    time.Time
	SuspiciousSince time.Time
	UpdatedAt       time.Time
}

// Remaining returns how long the block still holds at now, or zero.
func (s *UserAbuseState) Remaining(now time.Time) time.Duration {
	if s.State != StateBlocked || s.BlockedUntil.IsZero() {
		return 0
	}
	if d := s.BlockedUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether a block has run out at now.
func (s *UserAbuseState) Expired(now time.Time) bool {
	return s.State == StateBlocked && !now.Before(s.BlockedUntil)
}

// Clone returns a copy safe to hand out of a store.
func (s *UserAbuseState) Clone() *UserAbuseState {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// ResetToNormal clears every field tied to the suspicious/blocked states.
func (s *UserAbuseState) ResetToNormal(now time.Time) {
	s.State = StateNormal
	s.BlockReason = ""
	s.BlockedUntil = time.Time{}
	s.SuspiciousSince = time.Time{}
	s.UpdatedAt = now
}
