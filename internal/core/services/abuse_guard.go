package services

import (
	"context"
	"errors"
	"time"

	"callguard/internal/core/domain"
	"callguard/internal/core/ports"
	"callguard/pkg/utils"

	"go.uber.org/zap"
)

// AbuseGuardConfig holds the per-message policy tunables.
type AbuseGuardConfig struct {
	SuspiciousThreshold int
	BlockDuration       time.Duration
	// FailOpen forwards messages when the blocklist store cannot be reached.
	FailOpen bool
}

// abuseGuard applies the relay policy for one inbound negotiation message:
// blocked senders are dropped before counting, the hard cap drops without
// counting, and a window over the threshold escalates normal -> suspicious ->
// blocked. The counter window restarts after each escalation.
type abuseGuard struct {
	store    ports.BlocklistStore
	counter  *AbuseCounter
	notifier ports.AbuseNotifier
	cfg      AbuseGuardConfig
	logger   *zap.SugaredLogger
}

func NewAbuseGuard(
	store ports.BlocklistStore,
	counter *AbuseCounter,
	notifier ports.AbuseNotifier, // may be nil
	cfg AbuseGuardConfig,
	logger *zap.SugaredLogger,
) ports.AbuseGuard {
	return &abuseGuard{
		store:    store,
		counter:  counter,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

func (g *abuseGuard) Inspect(ctx context.Context, userID domain.UserID) ports.Verdict {
	state, err := g.store.Classify(ctx, userID)
	if err != nil {
		g.logger.Warnw("blocklist classify failed",
			"user_id", userID,
			"fail_open", g.cfg.FailOpen,
			"error", err,
		)
		if !g.cfg.FailOpen {
			return ports.Verdict{Action: ports.ActionDropFault, StoreErr: err}
		}
		state = domain.StateNormal
	}

	if state == domain.StateBlocked {
		snapshot, getErr := g.store.Get(ctx, userID)
		if getErr != nil && !errors.Is(getErr, domain.ErrUserNotFound) {
			g.logger.Debugw("blocked snapshot unavailable", "user_id", userID, "error", getErr)
		}
		return ports.Verdict{Action: ports.ActionDropBlocked, State: snapshot}
	}

	obs := g.counter.Record(userID)
	if obs.Capped {
		return ports.Verdict{Action: ports.ActionDropCapped, WindowCount: obs.WindowCount, StoreErr: err}
	}

	verdict := ports.Verdict{Action: ports.ActionForward, WindowCount: obs.WindowCount, StoreErr: err}
	if obs.WindowCount <= g.cfg.SuspiciousThreshold {
		return verdict
	}

	switch state {
	case domain.StateNormal:
		if markErr := g.store.MarkSuspicious(ctx, userID, obs.WindowCount); markErr != nil {
			g.logger.Errorw("failed to mark user suspicious", "user_id", userID, "error", markErr)
			verdict.StoreErr = markErr
			return verdict
		}
		g.counter.Reset(userID)
		verdict.Transition = domain.StateSuspicious
		g.logger.Warnw("user marked suspicious",
			"user_id", userID,
			"window_count", obs.WindowCount,
			"threshold", g.cfg.SuspiciousThreshold,
		)

	case domain.StateSuspicious:
		blocked, blockErr := g.store.Block(ctx, userID, domain.ReasonICEFlood, g.cfg.BlockDuration)
		if blockErr != nil {
			g.logger.Errorw("failed to block user", "user_id", userID, "error", blockErr)
			verdict.StoreErr = blockErr
			return verdict
		}
		g.counter.Reset(userID)
		g.logger.Warnw("user blocked",
			"user_id", userID,
			"reason", blocked.BlockReason,
			"window_count", obs.WindowCount,
			"blocked_until", blocked.BlockedUntil,
			"block_duration", utils.FormatDuration(g.cfg.BlockDuration),
		)
		if g.notifier != nil {
			if nErr := g.notifier.NotifyBlocked(ctx, blocked); nErr != nil {
				g.logger.Warnw("failed to publish block notice", "user_id", userID, "error", nErr)
			}
		}
		return ports.Verdict{
			Action:      ports.ActionDropBlocked,
			Transition:  domain.StateBlocked,
			State:       blocked,
			WindowCount: obs.WindowCount,
		}
	}

	return verdict
}
