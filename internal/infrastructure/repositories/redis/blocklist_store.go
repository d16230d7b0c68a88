package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"callguard/internal/core/domain"
	"callguard/internal/core/ports"
	"callguard/pkg/utils"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "callguard:abuse:"
	userKeyPrefix = keyPrefix + "user:"
	blockedSetKey = keyPrefix + "blocked"
	suspectSetKey = keyPrefix + "suspicious"
	usersSetKey   = keyPrefix + "users"
)

// Every script takes KEYS = {user hash, blocked set, suspicious set, users set}
// and ARGV[1] = user id, ARGV[2] = now in unix ms. Timestamps are passed in
// as strings so Lua never formats them. The prelude expires a
// lapsed block before the transition runs, so each call is one atomic step.
const scriptPrelude = `
local key, blocked, suspicious, users = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local id, nowms, now = ARGV[1], ARGV[2], tonumber(ARGV[2])
local function current()
	local st = redis.call('HMGET', key, 'state', 'blocked_until')
	if st[1] == 'blocked' and tonumber(st[2]) ~= nil and tonumber(st[2]) <= now then
		redis.call('HSET', key, 'state', 'normal', 'updated_at', nowms)
		redis.call('HDEL', key, 'reason', 'blocked_until', 'suspicious_since')
		redis.call('SREM', blocked, id)
		return 'normal'
	end
	return st[1]
end
`

var (
	getScript = redis.NewScript(scriptPrelude + `
local state = current()
if not state then return {} end
return redis.call('HGETALL', key)
`)

	markSuspiciousScript = redis.NewScript(scriptPrelude + `
local state = current()
if state and state ~= 'normal' then return 0 end
redis.call('HSET', key, 'user_id', id, 'state', 'suspicious', 'window_count', ARGV[3],
	'window_start', nowms, 'suspicious_since', nowms, 'updated_at', nowms)
redis.call('SADD', suspicious, id)
redis.call('SADD', users, id)
return 1
`)

	blockScript = redis.NewScript(scriptPrelude + `
current()
redis.call('HSET', key, 'user_id', id, 'state', 'blocked', 'reason', ARGV[3],
	'blocked_until', ARGV[4], 'updated_at', nowms)
redis.call('SADD', blocked, id)
redis.call('SREM', suspicious, id)
redis.call('SADD', users, id)
return redis.call('HGETALL', key)
`)

	unblockScript = redis.NewScript(scriptPrelude + `
local state = current()
if state ~= 'blocked' and state ~= 'suspicious' then return 0 end
redis.call('HSET', key, 'state', 'normal', 'window_count', 0, 'updated_at', nowms)
redis.call('HDEL', key, 'reason', 'blocked_until', 'suspicious_since')
redis.call('SREM', blocked, id)
redis.call('SREM', suspicious, id)
return 1
`)

	sweepOneScript = redis.NewScript(scriptPrelude + `
local state = current()
if state and state ~= 'normal' then return 0 end
redis.call('DEL', key)
redis.call('SREM', users, id)
return 1
`)
)

// RedisBlocklistStore shares abuse state between relay instances. Each
// transition is a single Lua script, which serializes writes per user.
type RedisBlocklistStore struct {
	client redis.UniversalClient
	clock  utils.Clock
}

func NewRedisBlocklistStore(client redis.UniversalClient, clock utils.Clock) *RedisBlocklistStore {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &RedisBlocklistStore{client: client, clock: clock}
}

var _ ports.BlocklistStore = (*RedisBlocklistStore)(nil)

func userKey(id domain.UserID) string {
	return userKeyPrefix + id.String()
}

func (s *RedisBlocklistStore) run(ctx context.Context, script *redis.Script, userID domain.UserID, extra ...interface{}) *redis.Cmd {
	keys := []string{userKey(userID), blockedSetKey, suspectSetKey, usersSetKey}
	now := strconv.FormatInt(utils.UnixMillis(s.clock.Now()), 10)
	args := append([]interface{}{userID.String(), now}, extra...)
	return script.Run(ctx, s.client, keys, args...)
}

func (s *RedisBlocklistStore) fetch(ctx context.Context, userID domain.UserID) (*domain.UserAbuseState, error) {
	raw, err := s.run(ctx, getScript, userID).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis get abuse state: %w", err)
	}
	if len(raw) == 0 {
		return nil, domain.ErrUserNotFound
	}
	return decodeState(userID, raw)
}

func (s *RedisBlocklistStore) Classify(ctx context.Context, userID domain.UserID) (domain.AbuseState, error) {
	st, err := s.fetch(ctx, userID)
	if err == domain.ErrUserNotFound {
		return domain.StateNormal, nil
	}
	if err != nil {
		return "", err
	}
	return st.State, nil
}

func (s *RedisBlocklistStore) Get(ctx context.Context, userID domain.UserID) (*domain.UserAbuseState, error) {
	return s.fetch(ctx, userID)
}

func (s *RedisBlocklistStore) MarkSuspicious(ctx context.Context, userID domain.UserID, windowCount int) error {
	if err := s.run(ctx, markSuspiciousScript, userID, windowCount).Err(); err != nil {
		return fmt.Errorf("redis mark suspicious: %w", err)
	}
	return nil
}

func (s *RedisBlocklistStore) Block(ctx context.Context, userID domain.UserID, reason string, duration time.Duration) (*domain.UserAbuseState, error) {
	until := utils.UnixMillis(s.clock.Now().Add(duration))
	raw, err := s.run(ctx, blockScript, userID, reason, strconv.FormatInt(until, 10)).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis block: %w", err)
	}
	return decodeState(userID, raw)
}

func (s *RedisBlocklistStore) Unblock(ctx context.Context, userID domain.UserID) (bool, error) {
	n, err := s.run(ctx, unblockScript, userID).Int()
	if err != nil {
		return false, fmt.Errorf("redis unblock: %w", err)
	}
	return n == 1, nil
}

func (s *RedisBlocklistStore) list(ctx context.Context, setKey string, want domain.AbuseState) ([]*domain.UserAbuseState, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", setKey, err)
	}

	out := make([]*domain.UserAbuseState, 0, len(ids))
	for _, raw := range ids {
		id, err := domain.ParseUserID(raw)
		if err != nil {
			continue
		}
		st, err := s.fetch(ctx, id)
		if err == domain.ErrUserNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if st.State == want {
			out = append(out, st)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *RedisBlocklistStore) ListBlocked(ctx context.Context) ([]*domain.UserAbuseState, error) {
	return s.list(ctx, blockedSetKey, domain.StateBlocked)
}

func (s *RedisBlocklistStore) ListSuspicious(ctx context.Context) ([]*domain.UserAbuseState, error) {
	return s.list(ctx, suspectSetKey, domain.StateSuspicious)
}

func (s *RedisBlocklistStore) Sweep(ctx context.Context) (int, error) {
	ids, err := s.client.SMembers(ctx, usersSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis sweep: %w", err)
	}

	removed := 0
	for _, raw := range ids {
		id, err := domain.ParseUserID(raw)
		if err != nil {
			s.client.SRem(ctx, usersSetKey, raw)
			continue
		}
		n, err := s.run(ctx, sweepOneScript, id).Int()
		if err != nil {
			return removed, fmt.Errorf("redis sweep %s: %w", raw, err)
		}
		removed += n
	}
	return removed, nil
}

func (s *RedisBlocklistStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeState(userID domain.UserID, flat []string) (*domain.UserAbuseState, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("redis abuse state for %d: odd field count", userID)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}

	ms := func(name string) time.Time {
		v, _ := strconv.ParseInt(fields[name], 10, 64)
		return utils.FromUnixMillis(v)
	}

	count, _ := strconv.Atoi(fields["window_count"])
	state := domain.AbuseState(fields["state"])
	if state == "" {
		state = domain.StateNormal
	}

	return &domain.UserAbuseState{
		UserID:          userID,
		State:           state,
		WindowCount:     count,
		WindowStart:     ms("window_start"),
		BlockReason:     fields["reason"],
		BlockedUntil:    ms("blocked_until"),
		SuspiciousSince: ms("suspicious_since"),
		UpdatedAt:       ms("updated_at"),
	}, nil
}
