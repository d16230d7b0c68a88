package reliability

import (
	"context"
	"errors"
	"time"

	"callguard/internal/core/domain"
	"callguard/internal/core/ports"
	"callguard/pkg/circuitbreaker"
	"callguard/pkg/retry"
	"callguard/pkg/tracing"

	"go.uber.org/zap"
)

// BlocklistStoreWrapper puts a circuit breaker in front of a remote
// BlocklistStore and retries the idempotent calls. Block and Unblock run once
// so a lost reply can't turn into a second transition.
type BlocklistStoreWrapper struct {
	store   ports.BlocklistStore
	backend string
	logger  *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

var _ ports.BlocklistStore = (*BlocklistStoreWrapper)(nil)

// NewBlocklistStoreWrapper creates the wrapper. ErrUserNotFound never trips
// the breaker and is never retried.
func NewBlocklistStoreWrapper(
	store ports.BlocklistStore,
	backend string,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *BlocklistStoreWrapper {
	cbConfig.IsFailure = func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, domain.ErrUserNotFound)
	}
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors,
		domain.ErrUserNotFound,
		circuitbreaker.ErrOpen,
	)

	w := &BlocklistStoreWrapper{
		store:          store,
		backend:        backend,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}

	w.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("blocklist store circuit breaker state changed",
			"backend", backend,
			"from", from.String(),
			"to", to.String(),
		)
	})

	return w
}

func guarded[T any](ctx context.Context, w *BlocklistStoreWrapper, op string, userID domain.UserID, retried bool, fn func() (T, error)) (T, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, w.backend, op, int64(userID))
	defer span.End()

	call := func() (T, error) {
		return circuitbreaker.Do(ctx, w.circuitBreaker, fn)
	}

	var (
		result T
		err    error
	)
	if retried && w.retryConfig.Enabled {
		result, err = retry.RetryWithResult(ctx, w.retryConfig, call)
	} else {
		result, err = call()
	}
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		tracing.RecordError(ctx, err)
	}
	return result, err
}

func (w *BlocklistStoreWrapper) Classify(ctx context.Context, userID domain.UserID) (domain.AbuseState, error) {
	return guarded(ctx, w, "classify", userID, true, func() (domain.AbuseState, error) {
		return w.store.Classify(ctx, userID)
	})
}

func (w *BlocklistStoreWrapper) Get(ctx context.Context, userID domain.UserID) (*domain.UserAbuseState, error) {
	return guarded(ctx, w, "get", userID, true, func() (*domain.UserAbuseState, error) {
		return w.store.Get(ctx, userID)
	})
}

func (w *BlocklistStoreWrapper) MarkSuspicious(ctx context.Context, userID domain.UserID, windowCount int) error {
	_, err := guarded(ctx, w, "mark_suspicious", userID, true, func() (struct{}, error) {
		return struct{}{}, w.store.MarkSuspicious(ctx, userID, windowCount)
	})
	return err
}

func (w *BlocklistStoreWrapper) Block(ctx context.Context, userID domain.UserID, reason string, duration time.Duration) (*domain.UserAbuseState, error) {
	return guarded(ctx, w, "block", userID, false, func() (*domain.UserAbuseState, error) {
		return w.store.Block(ctx, userID, reason, duration)
	})
}

func (w *BlocklistStoreWrapper) Unblock(ctx context.Context, userID domain.UserID) (bool, error) {
	return guarded(ctx, w, "unblock", userID, false, func() (bool, error) {
		return w.store.Unblock(ctx, userID)
	})
}

func (w *BlocklistStoreWrapper) ListBlocked(ctx context.Context) ([]*domain.UserAbuseState, error) {
	return guarded(ctx, w, "list_blocked", 0, true, func() ([]*domain.UserAbuseState, error) {
		return w.store.ListBlocked(ctx)
	})
}

func (w *BlocklistStoreWrapper) ListSuspicious(ctx context.Context) ([]*domain.UserAbuseState, error) {
	return guarded(ctx, w, "list_suspicious", 0, true, func() ([]*domain.UserAbuseState, error) {
		return w.store.ListSuspicious(ctx)
	})
}

func (w *BlocklistStoreWrapper) Sweep(ctx context.Context) (int, error) {
	return guarded(ctx, w, "sweep", 0, true, func() (int, error) {
		return w.store.Sweep(ctx)
	})
}

// Ping bypasses the breaker so health checks see the real backend state.
func (w *BlocklistStoreWrapper) Ping(ctx context.Context) error {
	return w.store.Ping(ctx)
}

// GetCircuitBreakerStats returns circuit breaker statistics
func (w *BlocklistStoreWrapper) GetCircuitBreakerStats() circuitbreaker.Stats {
	return w.circuitBreaker.GetStats()
}
