// Package storetest holds the behaviour every BlocklistStore backend must
// share, run by each backend's own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"callguard/internal/core/domain"
	"callguard/internal/core/ports"
	"callguard/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory builds a fresh, empty store driven by clock.
type Factory func(t *testing.T, clock utils.Clock) ports.BlocklistStore

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the shared blocklist store suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("UnknownUserIsNormal", func(t *testing.T) {
		store := newStore(t, utils.NewManualClock(epoch))
		ctx := context.Background()

		state, err := store.Classify(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.StateNormal, state)

		_, err = store.Get(ctx, 1)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})

	t.Run("MarkSuspiciousIsIdempotent", func(t *testing.T) {
		clock := utils.NewManualClock(epoch)
		store := newStore(t, clock)
		ctx := context.Background()

		require.NoError(t, store.MarkSuspicious(ctx, 7, 51))
		clock.Advance(time.Second)
		require.NoError(t, store.MarkSuspicious(ctx, 7, 80))

		st, err := store.Get(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, domain.StateSuspicious, st.State)
		assert.Equal(t, 51, st.WindowCount)
		assert.True(t, st.SuspiciousSince.Equal(epoch))
		assert.True(t, st.BlockedUntil.IsZero())

		list, err := store.ListSuspicious(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, domain.UserID(7), list[0].UserID)
	})

	t.Run("BlockSetsDeadlineAndRefreshes", func(t *testing.T) {
		clock := utils.NewManualClock(epoch)
		store := newStore(t, clock)
		ctx := context.Background()

		require.NoError(t, store.MarkSuspicious(ctx, 9, 51))
		st, err := store.Block(ctx, 9, domain.ReasonICEFlood, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, domain.StateBlocked, st.State)
		assert.Equal(t, domain.ReasonICEFlood, st.BlockReason)
		assert.True(t, st.BlockedUntil.Equal(epoch.Add(time.Minute)), "blocked until %v", st.BlockedUntil)

		clock.Advance(30 * time.Second)
		st, err = store.Block(ctx, 9, domain.ReasonICEFlood, time.Minute)
		require.NoError(t, err)
		assert.True(t, st.BlockedUntil.Equal(epoch.Add(90*time.Second)))

		state, err := store.Classify(ctx, 9)
		require.NoError(t, err)
		assert.Equal(t, domain.StateBlocked, state)

		blocked, err := store.ListBlocked(ctx)
		require.NoError(t, err)
		require.Len(t, blocked, 1)
		suspicious, err := store.ListSuspicious(ctx)
		require.NoError(t, err)
		assert.Empty(t, suspicious)
	})

	t.Run("ExpiredBlockIsLazilyNormal", func(t *testing.T) {
		clock := utils.NewManualClock(epoch)
		store := newStore(t, clock)
		ctx := context.Background()

		_, err := store.Block(ctx, 3, domain.ReasonICEFlood, time.Minute)
		require.NoError(t, err)

		clock.Advance(59 * time.Second)
		state, err := store.Classify(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, domain.StateBlocked, state)

		clock.Advance(time.Second)
		state, err = store.Classify(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, domain.StateNormal, state)

		st, err := store.Get(ctx, 3)
		require.NoError(t, err)
		assert.True(t, st.BlockedUntil.IsZero())
		assert.Empty(t, st.BlockReason)

		blocked, err := store.ListBlocked(ctx)
		require.NoError(t, err)
		assert.Empty(t, blocked)
	})

	t.Run("UnblockReportsChange", func(t *testing.T) {
		store := newStore(t, utils.NewManualClock(epoch))
		ctx := context.Background()

		_, err := store.Block(ctx, 5, domain.ReasonICEFlood, time.Minute)
		require.NoError(t, err)

		ok, err := store.Unblock(ctx, 5)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Unblock(ctx, 5)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.Unblock(ctx, 404)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.MarkSuspicious(ctx, 6, 60))
		ok, err = store.Unblock(ctx, 6)
		require.NoError(t, err)
		assert.True(t, ok)

		state, err := store.Classify(ctx, 6)
		require.NoError(t, err)
		assert.Equal(t, domain.StateNormal, state)
	})

	t.Run("SweepDropsOnlyIdleEntries", func(t *testing.T) {
		clock := utils.NewManualClock(epoch)
		store := newStore(t, clock)
		ctx := context.Background()

		require.NoError(t, store.MarkSuspicious(ctx, 1, 51))
		_, err := store.Block(ctx, 2, domain.ReasonICEFlood, time.Minute)
		require.NoError(t, err)
		_, err = store.Block(ctx, 3, domain.ReasonICEFlood, time.Second)
		require.NoError(t, err)
		require.NoError(t, store.MarkSuspicious(ctx, 4, 51))
		_, err = store.Unblock(ctx, 4)
		require.NoError(t, err)

		clock.Advance(2 * time.Second)
		removed, err := store.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		state, err := store.Classify(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.StateSuspicious, state)
		state, err = store.Classify(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, domain.StateBlocked, state)
	})

	t.Run("ConcurrentTransitionsStayConsistent", func(t *testing.T) {
		store := newStore(t, utils.NewManualClock(epoch))
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = store.MarkSuspicious(ctx, 11, 51)
			}()
			go func() {
				defer wg.Done()
				_, _ = store.Block(ctx, 11, domain.ReasonICEFlood, time.Minute)
			}()
		}
		wg.Wait()

		st, err := store.Get(ctx, 11)
		require.NoError(t, err)
		assert.Equal(t, domain.StateBlocked, st.State)
		assert.False(t, st.BlockedUntil.IsZero())
	})

	t.Run("Ping", func(t *testing.T) {
		store := newStore(t, utils.NewManualClock(epoch))
		assert.NoError(t, store.Ping(context.Background()))
	})
}
