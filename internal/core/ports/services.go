package ports

import (
	"context"

	"callguard/internal/core/domain"
)

// Action is the relay's decision for one inbound negotiation message.
type Action int

const (
	ActionForward Action = iota
	ActionDropBlocked
	ActionDropCapped
	// ActionDropFault is only used when the guard is configured to fail closed.
	ActionDropFault
)

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionDropBlocked:
		return "blocked"
	case ActionDropCapped:
		return "hard_cap"
	case ActionDropFault:
		return "store_fault"
	default:
		return "unknown"
	}
}

// Verdict is what the abuse guard decided for one message.
type Verdict struct {
	Action Action
	// Transition is set when this message moved the sender to a new state.
	Transition  domain.AbuseState
	State       *domain.UserAbuseState
	WindowCount int
	// StoreErr is a store fault hit while deciding. With fail-open the
	// message is still forwarded.
	StoreErr error
}

type AbuseGuard interface {
	Inspect(ctx context.Context, userID domain.UserID) Verdict
}

// BlockedUser and SuspiciousUser are the admin views of the store.
type BlockedUser struct {
	UserID       domain.UserID `json:"userId"`
	Reason       string        `json:"reason"`
	BlockedUntil int64         `json:"blockedUntil"`
	RemainingMs  int64         `json:"remainingMs"`
}

type SuspiciousUser struct {
	UserID         domain.UserID `json:"userId"`
	CandidateCount int           `json:"candidateCount"`
}

type UnblockResult struct {
	Unblocked bool   `json:"unblocked"`
	Message   string `json:"message"`
}

type AdminService interface {
	BlockedUsers(ctx context.Context) ([]BlockedUser, error)
	SuspiciousUsers(ctx context.Context) ([]SuspiciousUser, error)
	Unblock(ctx context.Context, userID domain.UserID) (*UnblockResult, error)
}

// AbuseNotifier delivers block/unblock notices to a user's live connections,
// possibly on other relay instances.
type AbuseNotifier interface {
	NotifyBlocked(ctx context.Context, state *domain.UserAbuseState) error
	NotifyUnblocked(ctx context.Context, userID domain.UserID) error
}
