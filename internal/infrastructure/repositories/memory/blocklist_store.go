package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"callguard/internal/core/domain"
	"callguard/internal/core/ports"
	"callguard/pkg/utils"
)

type blocklistEntry struct {
	mu      sync.Mutex
	state   domain.UserAbuseState
	deleted bool // set by Sweep; holders must re-fetch
}

// MemoryBlocklistStore keeps abuse state in process. Transitions for one user
// are serialized by that user's entry lock; the map lock only guards
// membership.
type MemoryBlocklistStore struct {
	mu      sync.RWMutex
	entries map[domain.UserID]*blocklistEntry
	clock   utils.Clock
}

func NewMemoryBlocklistStore(clock utils.Clock) *MemoryBlocklistStore {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &MemoryBlocklistStore{
		entries: make(map[domain.UserID]*blocklistEntry),
		clock:   clock,
	}
}

var _ ports.BlocklistStore = (*MemoryBlocklistStore)(nil)

func (s *MemoryBlocklistStore) lookup(userID domain.UserID, create bool) *blocklistEntry {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[userID]; ok {
		return e
	}
	e = &blocklistEntry{state: domain.UserAbuseState{
		UserID:    userID,
		State:     domain.StateNormal,
		UpdatedAt: s.clock.Now(),
	}}
	s.entries[userID] = e
	return e
}

// withEntry runs fn with the user's entry locked. fn receives nil when the
// user is unknown and create is false.
func (s *MemoryBlocklistStore) withEntry(userID domain.UserID, create bool, fn func(st *domain.UserAbuseState, now time.Time)) {
	for {
		e := s.lookup(userID, create)
		if e == nil {
			fn(nil, s.clock.Now())
			return
		}

		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			continue
		}
		now := s.clock.Now()
		if e.state.Expired(now) {
			e.state.ResetToNormal(now)
		}
		fn(&e.state, now)
		e.mu.Unlock()
		return
	}
}

func (s *MemoryBlocklistStore) Classify(ctx context.Context, userID domain.UserID) (domain.AbuseState, error) {
	state := domain.StateNormal
	s.withEntry(userID, false, func(st *domain.UserAbuseState, _ time.Time) {
		if st != nil {
			state = st.State
		}
	})
	return state, nil
}

func (s *MemoryBlocklistStore) Get(ctx context.Context, userID domain.UserID) (*domain.UserAbuseState, error) {
	var out *domain.UserAbuseState
	s.withEntry(userID, false, func(st *domain.UserAbuseState, _ time.Time) {
		out = st.Clone()
	})
	if out == nil {
		return nil, domain.ErrUserNotFound
	}
	return out, nil
}

func (s *MemoryBlocklistStore) MarkSuspicious(ctx context.Context, userID domain.UserID, windowCount int) error {
	s.withEntry(userID, true, func(st *domain.UserAbuseState, now time.Time) {
		if st.State != domain.StateNormal {
			return
		}
		st.State = domain.StateSuspicious
		st.WindowCount = windowCount
		st.WindowStart = now
		st.SuspiciousSince = now
		st.UpdatedAt = now
	})
	return nil
}

func (s *MemoryBlocklistStore) Block(ctx context.Context, userID domain.UserID, reason string, duration time.Duration) (*domain.UserAbuseState, error) {
	var out *domain.UserAbuseState
	s.withEntry(userID, true, func(st *domain.UserAbuseState, now time.Time) {
		st.State = domain.StateBlocked
		st.BlockReason = reason
		st.BlockedUntil = now.Add(duration)
		st.UpdatedAt = now
		out = st.Clone()
	})
	return out, nil
}

func (s *MemoryBlocklistStore) Unblock(ctx context.Context, userID domain.UserID) (bool, error) {
	changed := false
	s.withEntry(userID, false, func(st *domain.UserAbuseState, now time.Time) {
		if st == nil || st.State == domain.StateNormal {
			return
		}
		st.ResetToNormal(now)
		st.WindowCount = 0
		changed = true
	})
	return changed, nil
}

func (s *MemoryBlocklistStore) list(want domain.AbuseState) []*domain.UserAbuseState {
	s.mu.RLock()
	entries := make([]*blocklistEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	now := s.clock.Now()
	var out []*domain.UserAbuseState
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			if e.state.Expired(now) {
				e.state.ResetToNormal(now)
			}
			if e.state.State == want {
				out = append(out, e.state.Clone())
			}
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *MemoryBlocklistStore) ListBlocked(ctx context.Context) ([]*domain.UserAbuseState, error) {
	return s.list(domain.StateBlocked), nil
}

func (s *MemoryBlocklistStore) ListSuspicious(ctx context.Context) ([]*domain.UserAbuseState, error) {
	return s.list(domain.StateSuspicious), nil
}

// Sweep removes entries that are normal or whose block has expired.
func (s *MemoryBlocklistStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		if e.state.State == domain.StateNormal || e.state.Expired(now) {
			e.deleted = true
			delete(s.entries, id)
			removed++
		}
		e.mu.Unlock()
	}
	return removed, nil
}

func (s *MemoryBlocklistStore) Ping(ctx context.Context) error {
	return nil
}

// Len returns the number of tracked users.
func (s *MemoryBlocklistStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns copies of every entry that is still suspicious or blocked.
func (s *MemoryBlocklistStore) Snapshot() []*domain.UserAbuseState {
	out := s.list(domain.StateBlocked)
	return append(out, s.list(domain.StateSuspicious)...)
}

// Restore loads saved states. Entries that are normal or already expired are
// skipped, and users already tracked keep their live state. It returns how
// many entries were loaded.
func (s *MemoryBlocklistStore) Restore(states []*domain.UserAbuseState) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	loaded := 0
	for _, st := range states {
		if st == nil || st.State == domain.StateNormal || st.Expired(now) {
			continue
		}
		if _, ok := s.entries[st.UserID]; ok {
			continue
		}
		s.entries[st.UserID] = &blocklistEntry{state: *st.Clone()}
		loaded++
	}
	return loaded
}
