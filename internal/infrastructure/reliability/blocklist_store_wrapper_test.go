package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"callguard/internal/core/domain"
	"callguard/internal/infrastructure/repositories/memory"
	"callguard/pkg/circuitbreaker"
	"callguard/pkg/retry"
	"callguard/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errBackend = errors.New("backend down")

// flakyStore fails the first `failures` calls of every method it wraps.
type flakyStore struct {
	*memory.MemoryBlocklistStore
	failures int
	calls    int
}

func (f *flakyStore) fail() error {
	f.calls++
	if f.calls <= f.failures {
		return errBackend
	}
	return nil
}

func (f *flakyStore) Classify(ctx context.Context, userID domain.UserID) (domain.AbuseState, error) {
	if err := f.fail(); err != nil {
		return "", err
	}
	return f.MemoryBlocklistStore.Classify(ctx, userID)
}

func (f *flakyStore) Unblock(ctx context.Context, userID domain.UserID) (bool, error) {
	if err := f.fail(); err != nil {
		return false, err
	}
	return f.MemoryBlocklistStore.Unblock(ctx, userID)
}

func fastRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func newWrapper(t *testing.T, store *flakyStore, threshold int) *BlocklistStoreWrapper {
	cb := circuitbreaker.DefaultConfig()
	cb.FailureThreshold = threshold
	cb.Timeout = time.Hour
	return NewBlocklistStoreWrapper(store, "test", fastRetry(), cb, zaptest.NewLogger(t).Sugar())
}

func newFlaky(failures int) *flakyStore {
	clock := utils.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return &flakyStore{MemoryBlocklistStore: memory.NewMemoryBlocklistStore(clock), failures: failures}
}

func TestWrapper_RetriesClassify(t *testing.T) {
	store := newFlaky(2)
	w := newWrapper(t, store, 10)

	state, err := w.Classify(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StateNormal, state)
	assert.Equal(t, 3, store.calls)
}

func TestWrapper_UnblockRunsOnce(t *testing.T) {
	store := newFlaky(1)
	w := newWrapper(t, store, 10)

	_, err := w.Unblock(context.Background(), 1)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, 1, store.calls)
}

func TestWrapper_OpensBreakerAndFailsFast(t *testing.T) {
	store := newFlaky(100)
	w := newWrapper(t, store, 3)
	ctx := context.Background()

	// one Classify makes three attempts and trips the breaker
	_, err := w.Classify(ctx, 1)
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, w.GetCircuitBreakerStats().State)

	calls := store.calls
	_, err = w.Classify(ctx, 1)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, calls, store.calls, "open breaker must not reach the store")
}

func TestWrapper_UserNotFoundIsNotAFailure(t *testing.T) {
	store := newFlaky(0)
	w := newWrapper(t, store, 1)

	for i := 0; i < 3; i++ {
		_, err := w.Get(context.Background(), 404)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, w.GetCircuitBreakerStats().State)
}

func TestWrapper_PassesTransitionsThrough(t *testing.T) {
	store := newFlaky(0)
	w := newWrapper(t, store, 5)
	ctx := context.Background()

	require.NoError(t, w.MarkSuspicious(ctx, 7, 51))
	st, err := w.Block(ctx, 7, domain.ReasonICEFlood, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.StateBlocked, st.State)

	blocked, err := w.ListBlocked(ctx)
	require.NoError(t, err)
	assert.Len(t, blocked, 1)

	changed, err := w.Unblock(ctx, 7)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, w.Ping(ctx))
}
