package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"callguard/internal/core/domain"
	"callguard/internal/core/ports"
	"callguard/internal/infrastructure/repositories/memory"
	apperrors "callguard/pkg/errors"
	"callguard/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockStore struct {
	mock.Mock
	ports.BlocklistStore
}

func (m *mockStore) ListBlocked(ctx context.Context) ([]*domain.UserAbuseState, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).([]*domain.UserAbuseState)
	return list, args.Error(1)
}

func (m *mockStore) Unblock(ctx context.Context, userID domain.UserID) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func TestAdminService_ListsBlockedAndSuspicious(t *testing.T) {
	clock := utils.NewManualClock(testEpoch)
	store := memory.NewMemoryBlocklistStore(clock)
	ctx := context.Background()

	require.NoError(t, store.MarkSuspicious(ctx, 3, 51))
	_, err := store.Block(ctx, 2, domain.ReasonICEFlood, time.Minute)
	require.NoError(t, err)
	_, err = store.Block(ctx, 1, domain.ReasonICEFlood, time.Minute)
	require.NoError(t, err)
	clock.Advance(15 * time.Second)

	svc := NewAdminService(store, nil, nil, clock, zaptest.NewLogger(t).Sugar())

	blocked, err := svc.BlockedUsers(ctx)
	require.NoError(t, err)
	require.Len(t, blocked, 2)
	assert.Equal(t, domain.UserID(1), blocked[0].UserID)
	assert.Equal(t, int64(45000), blocked[0].RemainingMs)
	assert.Equal(t, testEpoch.Add(time.Minute).UnixMilli(), blocked[0].BlockedUntil)

	suspicious, err := svc.SuspiciousUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ports.SuspiciousUser{{UserID: 3, CandidateCount: 51}}, suspicious)
}

func TestAdminService_SuspiciousCountPrefersLiveWindow(t *testing.T) {
	clock := utils.NewManualClock(testEpoch)
	store := memory.NewMemoryBlocklistStore(clock)
	counter := NewAbuseCounter(10*time.Second, 1000, clock)
	ctx := context.Background()

	require.NoError(t, store.MarkSuspicious(ctx, 3, 51))
	for i := 0; i < 70; i++ {
		counter.Record(3)
	}

	svc := NewAdminService(store, counter, nil, clock, zaptest.NewLogger(t).Sugar())
	suspicious, err := svc.SuspiciousUsers(ctx)
	require.NoError(t, err)
	require.Len(t, suspicious, 1)
	assert.Equal(t, 70, suspicious[0].CandidateCount)
}

func TestAdminService_UnblockNormalUserIsNoop(t *testing.T) {
	svc := NewAdminService(memory.NewMemoryBlocklistStore(nil), nil, nil, nil, zaptest.NewLogger(t).Sugar())

	res, err := svc.Unblock(context.Background(), 77)
	require.NoError(t, err)
	assert.False(t, res.Unblocked)
	assert.Contains(t, res.Message, "77")
}

func TestAdminService_RejectsInvalidID(t *testing.T) {
	svc := NewAdminService(memory.NewMemoryBlocklistStore(nil), nil, nil, nil, zaptest.NewLogger(t).Sugar())

	_, err := svc.Unblock(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apperrors.HTTPStatus(err))
}

func TestAdminService_StoreFaultsAreServiceUnavailable(t *testing.T) {
	store := &mockStore{}
	boom := errors.New("dial tcp: refused")
	store.On("ListBlocked", mock.Anything).Return(nil, boom)
	store.On("Unblock", mock.Anything, domain.UserID(5)).Return(false, boom)

	svc := NewAdminService(store, nil, nil, nil, zaptest.NewLogger(t).Sugar())

	_, err := svc.BlockedUsers(context.Background())
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, apperrors.HTTPStatus(err))
	assert.ErrorIs(t, err, boom)

	_, err = svc.Unblock(context.Background(), 5)
	assert.Equal(t, http.StatusServiceUnavailable, apperrors.HTTPStatus(err))
	store.AssertExpectations(t)
}
