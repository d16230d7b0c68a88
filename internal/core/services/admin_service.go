package services

import (
	"context"
	"fmt"
	"sort"

	"callguard/internal/core/domain"
	"callguard/internal/core/ports"
	"callguard/pkg/errors"
	"callguard/pkg/utils"

	"go.uber.org/zap"
)

type adminService struct {
	store    ports.BlocklistStore
	counter  *AbuseCounter       // may be nil
	notifier ports.AbuseNotifier // may be nil
	clock    utils.Clock
	logger   *zap.SugaredLogger
}

func NewAdminService(
	store ports.BlocklistStore,
	counter *AbuseCounter,
	notifier ports.AbuseNotifier,
	clock utils.Clock,
	logger *zap.SugaredLogger,
) ports.AdminService {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &adminService{
		store:    store,
		counter:  counter,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
	}
}

func (s *adminService) BlockedUsers(ctx context.Context) ([]ports.BlockedUser, error) {
	states, err := s.store.ListBlocked(ctx)
	if err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}

	now := s.clock.Now()
	out := make([]ports.BlockedUser, 0, len(states))
	for _, st := range states {
		remaining := st.Remaining(now)
		if remaining <= 0 {
			continue
		}
		out = append(out, ports.BlockedUser{
			UserID:       st.UserID,
			Reason:       st.BlockReason,
			BlockedUntil: utils.UnixMillis(st.BlockedUntil),
			RemainingMs:  remaining.Milliseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *adminService) SuspiciousUsers(ctx context.Context) ([]ports.SuspiciousUser, error) {
	states, err := s.store.ListSuspicious(ctx)
	if err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}

	out := make([]ports.SuspiciousUser, 0, len(states))
	for _, st := range states {
		count := st.WindowCount
		if s.counter != nil {
			if live := s.counter.Count(st.UserID); live > count {
				count = live
			}
		}
		out = append(out, ports.SuspiciousUser{UserID: st.UserID, CandidateCount: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *adminService) Unblock(ctx context.Context, userID domain.UserID) (*ports.UnblockResult, error) {
	if userID <= 0 {
		return nil, errors.NewInvalidInputError("user id must be a positive integer")
	}

	changed, err := s.store.Unblock(ctx, userID)
	if err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}

	if !changed {
		return &ports.UnblockResult{
			Unblocked: false,
			Message:   fmt.Sprintf("user %d is not blocked or suspicious", userID),
		}, nil
	}

	if s.counter != nil {
		s.counter.Reset(userID)
	}
	if s.notifier != nil {
		if nErr := s.notifier.NotifyUnblocked(ctx, userID); nErr != nil {
			s.logger.Warnw("failed to publish unblock notice", "user_id", userID, "error", nErr)
		}
	}
	s.logger.Infow("user unblocked by admin", "user_id", userID)

	return &ports.UnblockResult{
		Unblocked: true,
		Message:   fmt.Sprintf("user %d unblocked", userID),
	}, nil
}
